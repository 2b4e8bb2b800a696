package object

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
)

// PackEntry represents one object entry in a pack stream.
type PackEntry struct {
	Type   PackObjectType
	Size   uint64
	Offset uint64
	CRC32  uint32
	Data   []byte
}

// Hash computes the object id of the entry.
func (e PackEntry) Hash() (Hash, error) {
	objType, ok := ObjectTypeFor(e.Type)
	if !ok {
		return Hash{}, fmt.Errorf("unsupported packed object type %d", e.Type)
	}
	return HashObject(objType, e.Data), nil
}

// PackFile is the decoded content of a full pack stream.
type PackFile struct {
	Header   PackHeader
	Entries  []PackEntry
	Checksum Hash
}

// minPackRecordSize is the smallest possible record: a one-byte entry
// header and a two-byte zlib header.
const minPackRecordSize = 3

// ReadPack parses a full pack file byte slice, verifies trailer checksum, and
// returns decoded entries.
func ReadPack(data []byte) (*PackFile, error) {
	if len(data) < PackHeaderSize+HashSize {
		return nil, fmt.Errorf("pack too short: %d: %w", len(data), ErrInvalidFormat)
	}

	payload := data[:len(data)-HashSize]
	trailer := data[len(data)-HashSize:]

	sum := sha1.Sum(payload)
	if !bytes.Equal(sum[:], trailer) {
		return nil, fmt.Errorf("pack checksum mismatch: %w", ErrInvalidFormat)
	}

	header, err := UnmarshalPackHeader(payload[:PackHeaderSize])
	if err != nil {
		return nil, err
	}

	if uint64(header.NumObjects)*minPackRecordSize > uint64(len(payload)-PackHeaderSize) {
		return nil, fmt.Errorf("pack claims %d objects in %d bytes: %w",
			header.NumObjects, len(payload)-PackHeaderSize, ErrInvalidFormat)
	}

	offset := PackHeaderSize
	entries := make([]PackEntry, 0, header.NumObjects)
	for i := uint32(0); i < header.NumObjects; i++ {
		entry, n, err := decodeRecord(payload, uint64(offset))
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		offset += n
		entries = append(entries, entry)
	}

	if offset != len(payload) {
		return nil, fmt.Errorf("pack has trailing undecoded bytes: %d: %w", len(payload)-offset, ErrInvalidFormat)
	}

	var checksum Hash
	copy(checksum[:], trailer)
	return &PackFile{
		Header:   *header,
		Entries:  entries,
		Checksum: checksum,
	}, nil
}

// ReadPackFromReader reads a complete pack stream from r and delegates to
// ReadPack for decode and verification.
func ReadPackFromReader(r io.Reader) (*PackFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack stream: %w", err)
	}
	return ReadPack(data)
}

// ReadRecordAt decodes the single record starting at offset within a pack
// image. The image may include the trailer; records never extend into it.
func ReadRecordAt(pack []byte, offset uint64) (PackEntry, error) {
	if len(pack) < PackHeaderSize+HashSize {
		return PackEntry{}, fmt.Errorf("pack too short: %d: %w", len(pack), ErrInvalidFormat)
	}
	entry, _, err := decodeRecord(pack[:len(pack)-HashSize], offset)
	return entry, err
}

func decodeRecord(payload []byte, offset uint64) (PackEntry, int, error) {
	if offset < PackHeaderSize || offset >= uint64(len(payload)) {
		return PackEntry{}, 0, fmt.Errorf("record offset %d out of range: %w", offset, ErrInvalidFormat)
	}
	entry, consumed, err := decodeRecordBytes(payload[offset:])
	if err != nil {
		return PackEntry{}, 0, err
	}
	entry.Offset = offset
	return entry, consumed, nil
}

// DecodeRecord decodes one standalone record as built by EncodeRecord and
// rejects trailing bytes.
func DecodeRecord(record []byte) (ObjectType, []byte, error) {
	entry, consumed, err := decodeRecordBytes(record)
	if err != nil {
		return "", nil, err
	}
	if consumed != len(record) {
		return "", nil, fmt.Errorf("record has %d trailing bytes: %w", len(record)-consumed, ErrInvalidFormat)
	}
	objType, ok := ObjectTypeFor(entry.Type)
	if !ok {
		return "", nil, fmt.Errorf("unsupported packed object type %d: %w", entry.Type, ErrInvalidFormat)
	}
	return objType, entry.Data, nil
}

func decodeRecordBytes(rest []byte) (PackEntry, int, error) {
	objType, size, n, err := decodePackEntryHeader(rest)
	if err != nil {
		return PackEntry{}, 0, err
	}
	switch objType {
	case PackCommit, PackTree, PackBlob, PackTag:
	default:
		return PackEntry{}, 0, fmt.Errorf("unsupported packed object type %d: %w", objType, ErrInvalidFormat)
	}
	if n >= len(rest) {
		return PackEntry{}, 0, fmt.Errorf("missing compressed payload: %w", ErrInvalidFormat)
	}

	sub := bytes.NewReader(rest[n:])
	zr, err := zlib.NewReader(sub)
	if err != nil {
		return PackEntry{}, 0, fmt.Errorf("zlib reader: %w", err)
	}
	hint := size
	if hint > 1<<20 {
		hint = 1 << 20 // corrupt headers must not drive huge allocations
	}
	buf := bytes.NewBuffer(make([]byte, 0, hint))
	if _, err := io.Copy(buf, io.LimitReader(zr, int64(size)+1)); err != nil {
		_ = zr.Close()
		return PackEntry{}, 0, fmt.Errorf("decompress: %w", err)
	}
	if err := zr.Close(); err != nil {
		return PackEntry{}, 0, fmt.Errorf("close zlib stream: %w", err)
	}
	if uint64(buf.Len()) != size {
		return PackEntry{}, 0, fmt.Errorf("size mismatch header=%d decoded=%d: %w", size, buf.Len(), ErrInvalidFormat)
	}

	consumed := n + (len(rest) - n - sub.Len())
	return PackEntry{
		Type:  objType,
		Size:  size,
		CRC32: crc32.ChecksumIEEE(rest[:consumed]),
		Data:  buf.Bytes(),
	}, consumed, nil
}

// Pack is a read-only mapped pack file, used to fetch single objects by
// offset without decoding the whole pack.
type Pack struct {
	file   *MappedFile
	header PackHeader
}

// OpenPack maps the pack at path and checks its header.
func OpenPack(path string) (*Pack, error) {
	mf, err := MapFile(path)
	if err != nil {
		return nil, fmt.Errorf("open pack: %w", err)
	}
	if mf.Len() < PackHeaderSize+HashSize {
		mf.Close()
		return nil, fmt.Errorf("open pack %s: too short: %w", mf.Name(), ErrInvalidFormat)
	}
	header, err := UnmarshalPackHeader(mf.Bytes())
	if err != nil {
		mf.Close()
		return nil, fmt.Errorf("open pack %s: %w", mf.Name(), err)
	}
	return &Pack{file: mf, header: *header}, nil
}

// Name returns the pack base name.
func (p *Pack) Name() string { return p.file.Name() }

// NumObjects returns the object count recorded in the header.
func (p *Pack) NumObjects() uint32 { return p.header.NumObjects }

// Checksum returns the trailer stored at the end of the pack.
func (p *Pack) Checksum() Hash {
	var h Hash
	data := p.file.Bytes()
	copy(h[:], data[len(data)-HashSize:])
	return h
}

// ReadAt decodes the object whose record starts at offset.
func (p *Pack) ReadAt(offset uint64) (ObjectType, []byte, error) {
	entry, err := ReadRecordAt(p.file.Bytes(), offset)
	if err != nil {
		return "", nil, fmt.Errorf("pack %s offset %d: %w", p.Name(), offset, err)
	}
	objType, ok := ObjectTypeFor(entry.Type)
	if !ok {
		return "", nil, fmt.Errorf("pack %s offset %d: unsupported packed object type %d", p.Name(), offset, entry.Type)
	}
	return objType, entry.Data, nil
}

// Decode fully decodes and verifies the pack.
func (p *Pack) Decode() (*PackFile, error) {
	return ReadPack(p.file.Bytes())
}

// Close unmaps the pack.
func (p *Pack) Close() error {
	return p.file.Close()
}
