package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zlib"
)

const (
	PackHeaderSize       = 12
	supportedPackVersion = 2
)

var packMagic = [4]byte{'P', 'A', 'C', 'K'}

// PackObjectType is the Git pack object type encoding used in object entry
// headers. Values match the canonical Git wire/storage format.
type PackObjectType uint8

const (
	PackCommit   PackObjectType = 1
	PackTree     PackObjectType = 2
	PackBlob     PackObjectType = 3
	PackTag      PackObjectType = 4
	PackOfsDelta PackObjectType = 6
	PackRefDelta PackObjectType = 7
)

// PackHeader is the fixed-size Git pack header.
//
// Bytes:
//   - 0..3:  "PACK"
//   - 4..7:  version (big-endian)
//   - 8..11: number of objects (big-endian)
type PackHeader struct {
	Version    uint32
	NumObjects uint32
}

// Marshal serializes the header to the canonical 12-byte pack header.
func (h PackHeader) Marshal() []byte {
	buf := make([]byte, PackHeaderSize)
	copy(buf[:4], packMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.NumObjects)
	return buf
}

// NewPackHeader returns a version 2 header for n objects.
func NewPackHeader(n uint32) PackHeader {
	return PackHeader{Version: supportedPackVersion, NumObjects: n}
}

// UnmarshalPackHeader parses a canonical Git pack header.
func UnmarshalPackHeader(data []byte) (*PackHeader, error) {
	if len(data) < PackHeaderSize {
		return nil, fmt.Errorf("pack header too short: got %d bytes: %w", len(data), ErrInvalidFormat)
	}
	if !bytes.Equal(data[:4], packMagic[:]) {
		return nil, fmt.Errorf("invalid pack magic %q: %w", data[:4], ErrInvalidFormat)
	}

	version := binary.BigEndian.Uint32(data[4:8])
	if version != supportedPackVersion {
		return nil, fmt.Errorf("unsupported pack version %d: %w", version, ErrInvalidFormat)
	}

	return &PackHeader{
		Version:    version,
		NumObjects: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// encodePackEntryHeader encodes the variable-length object entry header used in
// Git pack files.
func encodePackEntryHeader(objType PackObjectType, size uint64) []byte {
	b := byte((objType & 0x7) << 4)
	b |= byte(size & 0x0f)
	size >>= 4

	out := make([]byte, 0, 10)
	if size > 0 {
		b |= 0x80
	}
	out = append(out, b)

	for size > 0 {
		next := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			next |= 0x80
		}
		out = append(out, next)
	}

	return out
}

// decodePackEntryHeader decodes an object entry header, returning object
// type, uncompressed object size, and bytes consumed.
func decodePackEntryHeader(data []byte) (PackObjectType, uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, 0, fmt.Errorf("entry header truncated: %w", ErrInvalidFormat)
	}

	b := data[0]
	objType := PackObjectType((b >> 4) & 0x7)
	size := uint64(b & 0x0f)
	shift := uint(4)
	consumed := 1

	for b&0x80 != 0 {
		if consumed >= len(data) {
			return 0, 0, 0, fmt.Errorf("entry header truncated: %w", ErrInvalidFormat)
		}
		if shift > 57 {
			return 0, 0, 0, fmt.Errorf("entry header size overflow: %w", ErrInvalidFormat)
		}
		b = data[consumed]
		size |= uint64(b&0x7f) << shift
		shift += 7
		consumed++
	}

	return objType, size, consumed, nil
}

func compressPackPayload(buf *bytes.Buffer, raw []byte) error {
	zw := zlib.NewWriter(buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// EncodeRecord serializes one complete pack record (entry header followed by
// the zlib-compressed body) in memory, along with the CRC32 of the record
// bytes as stored in the idx. Building the whole record before it is written
// means a pack never contains half an object.
func EncodeRecord(objType ObjectType, data []byte) ([]byte, uint32, error) {
	packType, ok := PackTypeFor(objType)
	if !ok {
		return nil, 0, fmt.Errorf("unsupported object type %q", objType)
	}
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 32)
	buf.Write(encodePackEntryHeader(packType, uint64(len(data))))
	if err := compressPackPayload(&buf, data); err != nil {
		return nil, 0, fmt.Errorf("compress pack entry: %w", err)
	}
	record := buf.Bytes()
	return record, crc32.ChecksumIEEE(record), nil
}
