// Package midx merges many pack indexes into one sorted table so that a
// lookup costs a single binary search no matter how many packs exist.
//
// File layout (integers big-endian uint32):
//
//	"MIDX" | version | bits
//	2^bits fanout entries keyed by the top bits of the hash
//	N 20-byte hashes in ascending order
//	N source indexes into the name list
//	idx basenames joined by NUL
package midx

import (
	"bytes"
	"container/heap"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/hoard/pkg/object"
)

const (
	version    = 4
	headerSize = 12

	// hashesPerPage sizes the fanout so a bucket spans about one 4 KiB page
	// of hashes.
	hashesPerPage = 4096 / object.HashSize

	// Ext is the file extension of multi-pack indexes.
	Ext = ".midx"
)

var magic = [4]byte{'M', 'I', 'D', 'X'}

// Source is one input of a merge. *object.PackIndex satisfies it.
type Source interface {
	Name() string
	Iter() *object.HashIterator
}

// BitsFor returns the fanout width for n hashes.
func BitsFor(n int) int {
	per := n / hashesPerPage
	if per <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(per))))
}

type cursor struct {
	it  *object.HashIterator
	src int
	cur object.Hash
}

type mergeHeap []*cursor

func (m mergeHeap) Len() int { return len(m) }
func (m mergeHeap) Less(i, j int) bool {
	if c := m[i].cur.Compare(m[j].cur); c != 0 {
		return c < 0
	}
	return m[i].src < m[j].src
}
func (m mergeHeap) Swap(i, j int) { m[i], m[j] = m[j], m[i] }
func (m *mergeHeap) Push(x any)   { *m = append(*m, x.(*cursor)) }
func (m *mergeHeap) Pop() any {
	old := *m
	c := old[len(old)-1]
	*m = old[:len(old)-1]
	return c
}

// merge returns the union of all sources in ascending order. A hash present
// in several sources is attributed to the first of them.
func merge(srcs []Source) ([]object.Hash, []uint32) {
	h := make(mergeHeap, 0, len(srcs))
	for i, s := range srcs {
		it := s.Iter()
		if it.Next() {
			h = append(h, &cursor{it: it, src: i, cur: it.Hash()})
		}
	}
	heap.Init(&h)

	var (
		hashes []object.Hash
		which  []uint32
	)
	for h.Len() > 0 {
		c := h[0]
		if n := len(hashes); n == 0 || hashes[n-1] != c.cur {
			hashes = append(hashes, c.cur)
			which = append(which, uint32(c.src))
		}
		if c.it.Next() {
			c.cur = c.it.Hash()
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}
	return hashes, which
}

func bucket(h object.Hash, nbits int) uint32 {
	if nbits == 0 {
		return 0
	}
	return binary.BigEndian.Uint32(h[:4]) >> (32 - nbits)
}

// Write merges srcs and writes the resulting midx to w. It returns the
// number of distinct hashes written.
func Write(w io.Writer, srcs []Source) (int, error) {
	for _, s := range srcs {
		if s.Name() == "" || strings.ContainsRune(s.Name(), 0) {
			return 0, fmt.Errorf("midx: invalid source name %q", s.Name())
		}
	}
	hashes, which := merge(srcs)
	nbits := BitsFor(len(hashes))

	fanout := make([]uint32, 1<<nbits)
	for _, h := range hashes {
		fanout[bucket(h, nbits)]++
	}
	for i := 1; i < len(fanout); i++ {
		fanout[i] += fanout[i-1]
	}

	var header [headerSize]byte
	copy(header[:4], magic[:])
	binary.BigEndian.PutUint32(header[4:], version)
	binary.BigEndian.PutUint32(header[8:], uint32(nbits))

	buf := make([]byte, 0, headerSize+4*len(fanout)+(object.HashSize+4)*len(hashes))
	buf = append(buf, header[:]...)
	for _, v := range fanout {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	for _, v := range which {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = s.Name()
	}
	buf = append(buf, strings.Join(names, "\x00")...)

	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("midx: write: %w", err)
	}
	return len(hashes), nil
}

// Create writes the merge of srcs into dir as midx-<sha1>.midx and returns
// its path. The file appears atomically.
func Create(dir string, srcs []Source) (string, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-midx-*")
	if err != nil {
		return "", fmt.Errorf("midx: tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}

	sum := sha1.New()
	if _, err := Write(io.MultiWriter(tmp, sum), srcs); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("midx: sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("midx: close: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("midx-%x%s", sum.Sum(nil), Ext))
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("midx: rename: %w", err)
	}
	return path, nil
}

// Midx is a read-only multi-pack index, safe for concurrent readers.
type Midx struct {
	file   *object.MappedFile
	bits   int
	fanout object.Fanout
	hashes object.HashTable
	which  []byte
	names  []string
}

// Open maps and parses the midx at path.
func Open(path string) (*Midx, error) {
	mf, err := object.MapFile(path)
	if err != nil {
		return nil, fmt.Errorf("open midx: %w", err)
	}
	m, err := parse(mf)
	if err != nil {
		mf.Close()
		return nil, fmt.Errorf("open midx %s: %w", mf.Name(), err)
	}
	return m, nil
}

// Parse decodes an in-memory midx image.
func Parse(name string, data []byte) (*Midx, error) {
	return parse(object.NewMappedBytes(name, data))
}

func parse(mf *object.MappedFile) (*Midx, error) {
	data := mf.Bytes()
	if len(data) < headerSize {
		return nil, fmt.Errorf("midx too short: %d: %w", len(data), object.ErrInvalidFormat)
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("invalid midx magic %q: %w", data[:4], object.ErrInvalidFormat)
	}
	if v := binary.BigEndian.Uint32(data[4:]); v != version {
		return nil, fmt.Errorf("unsupported midx version %d: %w", v, object.ErrInvalidFormat)
	}
	nbits := int(binary.BigEndian.Uint32(data[8:]))
	if nbits > 30 {
		return nil, fmt.Errorf("midx fanout bits %d out of range: %w", nbits, object.ErrInvalidFormat)
	}

	cursor := headerSize
	fanoutRaw, err := mf.Slice(cursor, 4<<nbits)
	if err != nil {
		return nil, err
	}
	fanout, err := object.NewFanout(fanoutRaw, 1<<nbits)
	if err != nil {
		return nil, err
	}
	cursor += len(fanoutRaw)
	n := int(fanout.Total())

	hashRaw, err := mf.Slice(cursor, n*object.HashSize)
	if err != nil {
		return nil, err
	}
	hashes, err := object.NewHashTable(hashRaw, n)
	if err != nil {
		return nil, err
	}
	cursor += len(hashRaw)

	which, err := mf.Slice(cursor, n*4)
	if err != nil {
		return nil, err
	}
	cursor += len(which)

	var names []string
	for _, s := range strings.Split(string(data[cursor:]), "\x00") {
		if s != "" {
			names = append(names, s)
		}
	}
	for i := 0; i < n; i++ {
		if w := binary.BigEndian.Uint32(which[i*4:]); int(w) >= len(names) {
			return nil, fmt.Errorf("midx entry %d names source %d of %d: %w", i, w, len(names), object.ErrInvalidFormat)
		}
	}

	return &Midx{
		file:   mf,
		bits:   nbits,
		fanout: fanout,
		hashes: hashes,
		which:  which,
		names:  names,
	}, nil
}

// Name returns the midx file base name.
func (m *Midx) Name() string { return m.file.Name() }

// Len returns the number of distinct hashes.
func (m *Midx) Len() int { return m.hashes.Len() }

// IdxNames returns the basenames of the merged idx files.
func (m *Midx) IdxNames() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

func (m *Midx) search(h object.Hash) (int, bool) {
	lo, hi := m.fanout.Range(int(bucket(h, m.bits)))
	if hi <= lo {
		return 0, false
	}
	return m.hashes.Search(h, lo, hi)
}

// Exists reports whether h is in any merged index.
func (m *Midx) Exists(h object.Hash) bool {
	_, ok := m.search(h)
	return ok
}

// Find returns the basename of the idx that holds h.
func (m *Midx) Find(h object.Hash) (string, bool) {
	i, ok := m.search(h)
	if !ok {
		return "", false
	}
	return m.names[binary.BigEndian.Uint32(m.which[i*4:])], true
}

// Iter returns a single-pass iterator over the merged hashes.
func (m *Midx) Iter() *object.HashIterator {
	return object.NewHashIterator(m.hashes)
}

// IsStale reports whether any merged idx is missing from dir.
func (m *Midx) IsStale(dir string) (bool, error) {
	for _, n := range m.names {
		_, err := os.Stat(filepath.Join(dir, n))
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("midx %s: %w", m.Name(), err)
		}
	}
	return false, nil
}

// Close releases the mapping.
func (m *Midx) Close() error {
	return m.file.Close()
}
