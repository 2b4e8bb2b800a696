package object

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
)

// HashSize is the length of a raw object id.
const HashSize = sha1.Size

// Hash is a raw 20-byte SHA-1 object id, identical to a git object name.
type Hash [HashSize]byte

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash, which never names an object.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Compare orders hashes bytewise, the order used by every index format.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// ParseHash decodes a 40-character hex object id.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("hash length must be %d hex chars, got %d", 2*HashSize, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return h, nil
}

// HashFromBytes copies a raw 20-byte id.
func HashFromBytes(raw []byte) (Hash, error) {
	var h Hash
	if len(raw) != HashSize {
		return h, fmt.Errorf("raw hash must be %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// HashObject computes the git object id: SHA-1 over the envelope
// "type len\0content".
func HashObject(objType ObjectType, data []byte) Hash {
	h := sha1.New()
	h.Write(objectHeader(objType, len(data)))
	h.Write(data)
	var out Hash
	h.Sum(out[:0])
	return out
}

func objectHeader(objType ObjectType, n int) []byte {
	header := make([]byte, 0, len(objType)+24)
	header = append(header, objType...)
	header = append(header, ' ')
	header = strconv.AppendInt(header, int64(n), 10)
	return append(header, 0)
}
