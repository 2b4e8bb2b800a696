// Package bloom implements the repository-wide bloom filter over object ids.
//
// The filter never reports a stored id as missing, so a negative answer lets
// a writer skip every index lookup. Probe positions are taken directly from
// slices of the SHA-1 id, which is already uniformly distributed.
//
// File layout (all integers big-endian uint32):
//
//	"BLOM" | version | bits | k | entries
//	2^bits bytes of table
//	idx basenames joined by NUL
package bloom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/hoard/pkg/object"
)

const (
	// FileName is the filter's name inside a pack directory.
	FileName = "hoard.bloom"

	// MaxFalsePositive is the ceiling on the estimated false-positive rate
	// a filter may reach before it has to be rebuilt larger.
	MaxFalsePositive = 0.01

	version      = 2
	headerSize   = 20
	bitsPerEntry = 32
	minBits      = 10
)

var magic = [4]byte{'B', 'L', 'O', 'M'}

// maxBits is the largest table (as log2 bytes) each probe width can address:
// a k=5 probe reads 32 bits of the id, a k=4 probe 40, and three of those
// bits pick the bit within the byte.
var maxBits = map[int]int{4: 37, 5: 29}

// Filter is a fixed-size bloom filter. Filters opened with Open are
// read-only; Create and Load return mutable ones.
type Filter struct {
	bits     int
	k        int
	entries  uint32
	table    []byte
	idxNames []string
	file     *object.MappedFile
}

// Create sizes a filter for expected entries at 32 table bits per entry. A
// k of zero picks 5 probes when the table fits their range and 4 otherwise.
func Create(expected int, k int) (*Filter, error) {
	if expected < 1 {
		expected = 1
	}
	bits := int(math.Floor(math.Log2(float64(expected) * bitsPerEntry / 8)))
	if bits < minBits {
		bits = minBits
	}
	if k == 0 {
		k = 5
		if bits > maxBits[5] {
			k = 4
		}
	}
	limit, ok := maxBits[k]
	if !ok {
		return nil, fmt.Errorf("bloom: k must be 4 or 5, got %d", k)
	}
	if bits > limit {
		bits = limit
	}
	return &Filter{
		bits:  bits,
		k:     k,
		table: make([]byte, 1<<bits),
	}, nil
}

// K returns the number of probes per id.
func (f *Filter) K() int { return f.k }

// Bits returns log2 of the table size in bytes.
func (f *Filter) Bits() int { return f.bits }

// Entries returns how many ids have been added.
func (f *Filter) Entries() int { return int(f.entries) }

// IdxNames returns the idx basenames folded into the filter.
func (f *Filter) IdxNames() []string {
	out := make([]string, len(f.idxNames))
	copy(out, f.idxNames)
	return out
}

// Covers reports whether every name in names has been added.
func (f *Filter) Covers(names []string) bool {
	have := make(map[string]struct{}, len(f.idxNames))
	for _, n := range f.idxNames {
		have[n] = struct{}{}
	}
	for _, n := range names {
		if _, ok := have[n]; !ok {
			return false
		}
	}
	return true
}

// probe returns the byte index and bit mask for probe i of h.
func (f *Filter) probe(h object.Hash, i int) (uint64, byte) {
	mask := uint64(1)<<f.bits - 1
	if f.k == 5 {
		raw := uint64(binary.BigEndian.Uint32(h[i*4:]))
		v := (raw >> (32 - f.bits)) & mask
		bit := (raw >> (29 - f.bits)) & 7
		return v, 1 << bit
	}
	raw := uint64(binary.BigEndian.Uint32(h[i*5:]))<<8 | uint64(h[i*5+4])
	v := (raw >> (40 - f.bits)) & mask
	bit := (raw >> (37 - f.bits)) & 7
	return v, 1 << bit
}

// Add sets the probe bits of h. Adding to a read-only filter is a bug.
func (f *Filter) Add(h object.Hash) {
	if f.file != nil {
		panic("bloom: add to read-only filter")
	}
	for i := 0; i < f.k; i++ {
		v, bit := f.probe(h, i)
		f.table[v] |= bit
	}
	f.entries++
}

// Exists reports whether h may have been added. False means definitely not.
func (f *Filter) Exists(h object.Hash) bool {
	for i := 0; i < f.k; i++ {
		v, bit := f.probe(h, i)
		if f.table[v]&bit == 0 {
			return false
		}
	}
	return true
}

// AddIdx adds every id of a finalized pack index and records its name.
func (f *Filter) AddIdx(idx *object.PackIndex) {
	it := idx.Iter()
	for it.Next() {
		f.Add(it.Hash())
	}
	f.idxNames = append(f.idxNames, idx.Name())
}

// PFalsePositive estimates the false-positive rate after additional more
// entries: (1 - e^(-kn/m))^k.
func (f *Filter) PFalsePositive(additional int) float64 {
	n := float64(int(f.entries) + additional)
	m := float64(8 * len(f.table))
	k := float64(f.k)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// WriteTo serializes the filter.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	var header [headerSize]byte
	copy(header[:4], magic[:])
	binary.BigEndian.PutUint32(header[4:], version)
	binary.BigEndian.PutUint32(header[8:], uint32(f.bits))
	binary.BigEndian.PutUint32(header[12:], uint32(f.k))
	binary.BigEndian.PutUint32(header[16:], f.entries)

	var total int64
	for _, part := range [][]byte{header[:], f.table, []byte(strings.Join(f.idxNames, "\x00"))} {
		n, err := w.Write(part)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("bloom: write: %w", err)
		}
	}
	return total, nil
}

// Save atomically writes the filter to path.
func (f *Filter) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-bloom-*")
	if err != nil {
		return fmt.Errorf("bloom: tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("bloom: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bloom: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bloom: rename: %w", err)
	}
	return nil
}

// Open maps a filter file read-only.
func Open(path string) (*Filter, error) {
	mf, err := object.MapFile(path)
	if err != nil {
		return nil, fmt.Errorf("bloom: %w", err)
	}
	f, err := parse(mf.Name(), mf.Bytes())
	if err != nil {
		mf.Close()
		return nil, err
	}
	f.file = mf
	return f, nil
}

// Load reads a filter file into memory so that more ids can be added.
func Load(path string) (*Filter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bloom: %w", err)
	}
	return parse(filepath.Base(path), data)
}

// Parse decodes an in-memory filter image.
func Parse(data []byte) (*Filter, error) {
	return parse("bloom", data)
}

func parse(name string, data []byte) (*Filter, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("bloom %s: too short: %w", name, object.ErrInvalidFormat)
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("bloom %s: invalid magic %q: %w", name, data[:4], object.ErrInvalidFormat)
	}
	if v := binary.BigEndian.Uint32(data[4:]); v != version {
		return nil, fmt.Errorf("bloom %s: unsupported version %d: %w", name, v, object.ErrInvalidFormat)
	}
	bits := int(binary.BigEndian.Uint32(data[8:]))
	k := int(binary.BigEndian.Uint32(data[12:]))
	limit, ok := maxBits[k]
	if !ok || bits < 1 || bits > limit {
		return nil, fmt.Errorf("bloom %s: invalid k=%d bits=%d: %w", name, k, bits, object.ErrInvalidFormat)
	}
	size := 1 << bits
	if len(data)-headerSize < size {
		return nil, fmt.Errorf("bloom %s: table truncated: %w", name, object.ErrInvalidFormat)
	}

	f := &Filter{
		bits:    bits,
		k:       k,
		entries: binary.BigEndian.Uint32(data[16:]),
		table:   data[headerSize : headerSize+size],
	}
	for _, n := range strings.Split(string(data[headerSize+size:]), "\x00") {
		if n != "" {
			f.idxNames = append(f.idxNames, n)
		}
	}
	return f, nil
}

// Close releases the mapping of a filter returned by Open.
func (f *Filter) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.table = nil
	return err
}
