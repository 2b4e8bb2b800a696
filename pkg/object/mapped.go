package object

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// MappedFile owns a read-only memory mapping of a finalized file. Views
// derived from Bytes must not be used after Close.
type MappedFile struct {
	name string
	data []byte
	m    mmap.MMap
	f    *os.File
}

// MapFile maps path read-only. Empty files are represented without a mapping.
func MapFile(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	mf := &MappedFile{name: filepath.Base(path), f: f}
	if info.Size() == 0 {
		return mf, nil
	}

	m, err := mmap.MapRegion(f, int(info.Size()), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", filepath.Base(path), err)
	}
	mf.m = m
	mf.data = m
	return mf, nil
}

// NewMappedBytes wraps an in-memory image so that parsers can treat it like
// a mapped file.
func NewMappedBytes(name string, data []byte) *MappedFile {
	return &MappedFile{name: name, data: data}
}

// Name is the base name of the mapped file.
func (mf *MappedFile) Name() string { return mf.name }

// Bytes returns the mapped image.
func (mf *MappedFile) Bytes() []byte { return mf.data }

// Len returns the image size.
func (mf *MappedFile) Len() int { return len(mf.data) }

// Slice returns data[off:off+n], failing instead of panicking when the range
// falls outside the image.
func (mf *MappedFile) Slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off > len(mf.data) || n > len(mf.data)-off {
		return nil, fmt.Errorf("%s: range [%d,+%d) exceeds %d bytes: %w", mf.name, off, n, len(mf.data), ErrInvalidFormat)
	}
	return mf.data[off : off+n], nil
}

// Close unmaps the image and releases the file handle.
func (mf *MappedFile) Close() error {
	var err error
	if mf.m != nil {
		err = mf.m.Unmap()
		mf.m = nil
	}
	if mf.f != nil {
		if cerr := mf.f.Close(); err == nil {
			err = cerr
		}
		mf.f = nil
	}
	mf.data = nil
	return err
}

// Fanout is a view over a table of big-endian uint32 cumulative counts.
type Fanout struct {
	raw []byte
}

// NewFanout validates that raw holds exactly n monotonically non-decreasing
// entries.
func NewFanout(raw []byte, n int) (Fanout, error) {
	if len(raw) != n*4 {
		return Fanout{}, fmt.Errorf("fanout table is %d bytes, want %d: %w", len(raw), n*4, ErrInvalidFormat)
	}
	f := Fanout{raw: raw}
	prev := uint32(0)
	for i := 0; i < n; i++ {
		v := f.At(i)
		if v < prev {
			return Fanout{}, fmt.Errorf("fanout not monotonic at %d: %w", i, ErrInvalidFormat)
		}
		prev = v
	}
	return f, nil
}

// Len returns the number of buckets.
func (f Fanout) Len() int { return len(f.raw) / 4 }

// At returns the cumulative count for bucket i.
func (f Fanout) At(i int) uint32 {
	return binary.BigEndian.Uint32(f.raw[i*4:])
}

// Total is the count in the last bucket, i.e. the number of hashes.
func (f Fanout) Total() uint32 {
	if f.Len() == 0 {
		return 0
	}
	return f.At(f.Len() - 1)
}

// Range returns the half-open index range of hashes in bucket b.
func (f Fanout) Range(b int) (int, int) {
	start := uint32(0)
	if b > 0 {
		start = f.At(b - 1)
	}
	return int(start), int(f.At(b))
}

// HashTable is a view over N sorted raw 20-byte hashes.
type HashTable struct {
	raw []byte
}

// NewHashTable wraps raw, which must hold exactly n hashes.
func NewHashTable(raw []byte, n int) (HashTable, error) {
	if len(raw) != n*HashSize {
		return HashTable{}, fmt.Errorf("hash table is %d bytes, want %d: %w", len(raw), n*HashSize, ErrInvalidFormat)
	}
	return HashTable{raw: raw}, nil
}

// Len returns the number of hashes.
func (t HashTable) Len() int { return len(t.raw) / HashSize }

// At returns hash i.
func (t HashTable) At(i int) Hash {
	var h Hash
	copy(h[:], t.raw[i*HashSize:(i+1)*HashSize])
	return h
}

// rawAt returns hash i without copying.
func (t HashTable) rawAt(i int) []byte {
	return t.raw[i*HashSize : (i+1)*HashSize]
}

// Search binary-searches [lo, hi) for h and reports its position.
func (t HashTable) Search(h Hash, lo, hi int) (int, bool) {
	for lo < hi {
		mid := lo + (hi-lo)/2
		switch c := compareRaw(t.rawAt(mid), h[:]); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

func compareRaw(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// OffsetTable resolves idx v2 offsets: a 4-byte table whose entries with
// the high bit set index into an 8-byte overflow table.
type OffsetTable struct {
	small []byte
	large []byte
}

// NewOffsetTable wraps n 4-byte offsets followed by the large-offset table.
// Every large-offset reference is checked to be in range.
func NewOffsetTable(small, large []byte, n int) (OffsetTable, error) {
	if len(small) != n*4 {
		return OffsetTable{}, fmt.Errorf("offset table is %d bytes, want %d: %w", len(small), n*4, ErrInvalidFormat)
	}
	if len(large)%8 != 0 {
		return OffsetTable{}, fmt.Errorf("large offset table is %d bytes: %w", len(large), ErrInvalidFormat)
	}
	t := OffsetTable{small: small, large: large}
	for i := 0; i < n; i++ {
		v := binary.BigEndian.Uint32(small[i*4:])
		if v&packIndexLargeOffsetBit != 0 {
			ref := int(v &^ packIndexLargeOffsetBit)
			if ref >= len(large)/8 {
				return OffsetTable{}, fmt.Errorf("invalid large offset reference %d: %w", ref, ErrInvalidFormat)
			}
		}
	}
	return t, nil
}

// At returns the pack offset for entry i.
func (t OffsetTable) At(i int) uint64 {
	v := binary.BigEndian.Uint32(t.small[i*4:])
	if v&packIndexLargeOffsetBit == 0 {
		return uint64(v)
	}
	ref := int(v &^ packIndexLargeOffsetBit)
	return binary.BigEndian.Uint64(t.large[ref*8:])
}

// largeRefsNeeded reports how many 8-byte overflow entries the 4-byte table
// references.
func largeRefsNeeded(small []byte) int {
	needed := 0
	for i := 0; i+4 <= len(small); i += 4 {
		v := binary.BigEndian.Uint32(small[i:])
		if v&packIndexLargeOffsetBit != 0 {
			if ref := int(v&^packIndexLargeOffsetBit) + 1; ref > needed {
				needed = ref
			}
		}
	}
	return needed
}
