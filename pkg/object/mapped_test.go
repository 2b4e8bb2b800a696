package object

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	mf, err := MapFile(path)
	require.NoError(t, err)
	require.Equal(t, "data.bin", mf.Name())
	require.Equal(t, 10, mf.Len())
	require.Equal(t, "0123456789", string(mf.Bytes()))

	got, err := mf.Slice(3, 4)
	require.NoError(t, err)
	require.Equal(t, "3456", string(got))
	for _, r := range [][2]int{{-1, 1}, {8, 3}, {11, 0}, {0, -1}} {
		_, err := mf.Slice(r[0], r[1])
		require.ErrorIs(t, err, ErrInvalidFormat, "Slice(%d,%d)", r[0], r[1])
	}
	require.NoError(t, mf.Close())
	require.NoError(t, mf.Close(), "second Close")

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	mf, err = MapFile(empty)
	require.NoError(t, err)
	require.Zero(t, mf.Len())
	require.NoError(t, mf.Close())

	_, err = MapFile(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFanoutAndHashTable(t *testing.T) {
	raw := make([]byte, 4*4)
	for i, v := range []uint32{0, 2, 2, 3} {
		binary.BigEndian.PutUint32(raw[i*4:], v)
	}
	f, err := NewFanout(raw, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(3), f.Total())
	lo, hi := f.Range(1)
	require.Equal(t, [2]int{0, 2}, [2]int{lo, hi})
	lo, hi = f.Range(2)
	require.Equal(t, [2]int{2, 2}, [2]int{lo, hi})

	binary.BigEndian.PutUint32(raw[8:], 1)
	_, err = NewFanout(raw, 4)
	require.ErrorIs(t, err, ErrInvalidFormat, "non-monotonic fanout")
	_, err = NewFanout(raw, 5)
	require.ErrorIs(t, err, ErrInvalidFormat, "short fanout")

	hashes := []Hash{hashWithPrefix(1, 0), hashWithPrefix(5, 0), hashWithPrefix(9, 0)}
	table := make([]byte, 0, len(hashes)*HashSize)
	for _, h := range hashes {
		table = append(table, h[:]...)
	}
	ht, err := NewHashTable(table, 3)
	require.NoError(t, err)
	for i, h := range hashes {
		require.Equal(t, h, ht.At(i))
		pos, ok := ht.Search(h, 0, ht.Len())
		require.True(t, ok)
		require.Equal(t, i, pos)
	}
	pos, ok := ht.Search(hashWithPrefix(6, 0), 0, 3)
	require.False(t, ok)
	require.Equal(t, 2, pos, "insertion point")

	_, err = NewHashTable(table[:HashSize*2+1], 3)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestOffsetTable(t *testing.T) {
	small := make([]byte, 8)
	binary.BigEndian.PutUint32(small, 42)
	binary.BigEndian.PutUint32(small[4:], packIndexLargeOffsetBit)
	large := make([]byte, 8)
	binary.BigEndian.PutUint64(large, 1<<33)

	ot, err := NewOffsetTable(small, large, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(42), ot.At(0))
	require.Equal(t, uint64(1<<33), ot.At(1))
	require.Equal(t, 1, largeRefsNeeded(small))

	_, err = NewOffsetTable(small, nil, 2)
	require.ErrorIs(t, err, ErrInvalidFormat, "dangling large ref")
	_, err = NewOffsetTable(small, large[:4], 2)
	require.ErrorIs(t, err, ErrInvalidFormat, "ragged large table")
}
