package object

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strings"
)

// PackIndex is a read-only view of an idx v2 file. It is immutable once
// opened and safe for concurrent readers.
type PackIndex struct {
	file    *MappedFile
	fanout  Fanout
	hashes  HashTable
	crcs    []byte
	offsets OffsetTable

	packChecksum Hash
}

// OpenPackIndex maps and parses the idx file at path.
func OpenPackIndex(path string) (*PackIndex, error) {
	mf, err := MapFile(path)
	if err != nil {
		return nil, fmt.Errorf("open pack index: %w", err)
	}
	idx, err := parsePackIndex(mf)
	if err != nil {
		mf.Close()
		return nil, fmt.Errorf("open pack index %s: %w", mf.Name(), err)
	}
	return idx, nil
}

// ParsePackIndex parses an in-memory idx v2 image.
func ParsePackIndex(name string, data []byte) (*PackIndex, error) {
	return parsePackIndex(NewMappedBytes(name, data))
}

func parsePackIndex(mf *MappedFile) (*PackIndex, error) {
	data := mf.Bytes()
	minLen := packIndexHeaderSize + packIndexFanoutSize + 2*HashSize
	if len(data) < minLen {
		return nil, fmt.Errorf("pack index too short: %d: %w", len(data), ErrInvalidFormat)
	}
	if !bytes.Equal(data[:4], packIndexMagic[:]) {
		return nil, fmt.Errorf("invalid pack index magic %q: %w", data[:4], ErrInvalidFormat)
	}
	if version := binary.BigEndian.Uint32(data[4:8]); version != packIndexVersion {
		return nil, fmt.Errorf("unsupported pack index version %d: %w", version, ErrInvalidFormat)
	}

	fanoutRaw, _ := mf.Slice(packIndexHeaderSize, packIndexFanoutSize)
	fanout, err := NewFanout(fanoutRaw, 256)
	if err != nil {
		return nil, err
	}
	n := int(fanout.Total())

	cursor := packIndexHeaderSize + packIndexFanoutSize
	namesRaw, err := mf.Slice(cursor, n*HashSize)
	if err != nil {
		return nil, fmt.Errorf("pack index truncated: %w", err)
	}
	cursor += n * HashSize
	crcs, err := mf.Slice(cursor, n*4)
	if err != nil {
		return nil, fmt.Errorf("pack index truncated: %w", err)
	}
	cursor += n * 4
	small, err := mf.Slice(cursor, n*4)
	if err != nil {
		return nil, fmt.Errorf("pack index truncated: %w", err)
	}
	cursor += n * 4

	largeLen := len(data) - cursor - 2*HashSize
	if largeLen < 0 || largeLen%8 != 0 {
		return nil, fmt.Errorf("pack index trailing data: %d bytes: %w", largeLen, ErrInvalidFormat)
	}
	if needed := largeRefsNeeded(small); largeLen/8 != needed {
		return nil, fmt.Errorf("pack index large-offset table has %d entries, want %d: %w", largeLen/8, needed, ErrInvalidFormat)
	}
	large := data[cursor : cursor+largeLen]
	cursor += largeLen

	hashes, err := NewHashTable(namesRaw, n)
	if err != nil {
		return nil, err
	}
	for i := 1; i < n; i++ {
		if compareRaw(hashes.rawAt(i-1), hashes.rawAt(i)) >= 0 {
			return nil, fmt.Errorf("pack index hashes not strictly sorted at %d: %w", i, ErrInvalidFormat)
		}
	}
	offsets, err := NewOffsetTable(small, large, n)
	if err != nil {
		return nil, err
	}

	idx := &PackIndex{
		file:    mf,
		fanout:  fanout,
		hashes:  hashes,
		crcs:    crcs,
		offsets: offsets,
	}
	copy(idx.packChecksum[:], data[cursor:cursor+HashSize])
	return idx, nil
}

// Name returns the idx file base name.
func (idx *PackIndex) Name() string { return idx.file.Name() }

// PackName returns the base name of the pack this index describes.
func (idx *PackIndex) PackName() string {
	return strings.TrimSuffix(idx.Name(), ".idx") + ".pack"
}

// PackChecksum returns the trailer checksum of the indexed pack.
func (idx *PackIndex) PackChecksum() Hash { return idx.packChecksum }

// Len returns the number of indexed objects.
func (idx *PackIndex) Len() int { return idx.hashes.Len() }

// HashAt returns the i-th hash in sorted order.
func (idx *PackIndex) HashAt(i int) Hash { return idx.hashes.At(i) }

// Entry returns the full i-th row.
func (idx *PackIndex) Entry(i int) PackIndexEntry {
	return PackIndexEntry{
		Hash:   idx.hashes.At(i),
		Offset: idx.offsets.At(i),
		CRC32:  binary.BigEndian.Uint32(idx.crcs[i*4:]),
	}
}

func (idx *PackIndex) search(h Hash) (int, bool) {
	lo, hi := idx.fanout.Range(int(h[0]))
	if hi <= lo {
		return 0, false
	}
	return idx.hashes.Search(h, lo, hi)
}

// Exists reports whether h is in the index.
func (idx *PackIndex) Exists(h Hash) bool {
	_, ok := idx.search(h)
	return ok
}

// FindOffset returns the pack offset of h.
func (idx *PackIndex) FindOffset(h Hash) (uint64, bool) {
	i, ok := idx.search(h)
	if !ok {
		return 0, false
	}
	return idx.offsets.At(i), true
}

// Find performs fanout-bounded binary search for a hash in the index.
func (idx *PackIndex) Find(h Hash) (PackIndexEntry, bool) {
	i, ok := idx.search(h)
	if !ok {
		return PackIndexEntry{}, false
	}
	return idx.Entry(i), true
}

// Iter returns a single-pass iterator over the hashes in sorted order.
func (idx *PackIndex) Iter() *HashIterator {
	return &HashIterator{table: idx.hashes, pos: -1}
}

// Verify checks the trailing idx checksum. Opening does not do this, since it
// costs a full read of the file.
func (idx *PackIndex) Verify() error {
	data := idx.file.Bytes()
	body := data[:len(data)-HashSize]
	sum := sha1.Sum(body)
	if !bytes.Equal(sum[:], data[len(data)-HashSize:]) {
		return fmt.Errorf("pack index %s checksum mismatch: %w", idx.Name(), ErrInvalidFormat)
	}
	return nil
}

// Close releases the mapping. The index must not be used afterwards.
func (idx *PackIndex) Close() error {
	return idx.file.Close()
}

// HashIterator walks a sorted hash table once. It cannot be rewound;
// callers needing a second pass ask the index for a new iterator.
type HashIterator struct {
	table HashTable
	pos   int
}

// NewHashIterator iterates over an arbitrary hash table view.
func NewHashIterator(table HashTable) *HashIterator {
	return &HashIterator{table: table, pos: -1}
}

// Next advances the iterator and reports whether a hash is available.
func (it *HashIterator) Next() bool {
	if it.pos+1 >= it.table.Len() {
		it.pos = it.table.Len()
		return false
	}
	it.pos++
	return true
}

// Hash returns the current hash.
func (it *HashIterator) Hash() Hash {
	return it.table.At(it.pos)
}

// Pos returns the index of the current hash.
func (it *HashIterator) Pos() int { return it.pos }
