package bloom

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/hoard/pkg/object"
)

func testHash(i int) object.Hash {
	return object.HashObject(object.TypeBlob, []byte(fmt.Sprintf("object-%d", i)))
}

func testIndex(t *testing.T, name string, from, to int) *object.PackIndex {
	t.Helper()
	var entries []object.PackIndexEntry
	for i := from; i < to; i++ {
		entries = append(entries, object.PackIndexEntry{Hash: testHash(i), Offset: uint64(12 + i)})
	}
	var buf bytes.Buffer
	_, err := object.WritePackIndex(&buf, entries, object.Hash{})
	require.NoError(t, err)
	idx, err := object.ParsePackIndex(name, buf.Bytes())
	require.NoError(t, err)
	return idx
}

func TestNoFalseNegatives(t *testing.T) {
	for _, k := range []int{4, 5} {
		f, err := Create(1000, k)
		require.NoError(t, err)
		require.Equal(t, k, f.K())
		for i := 0; i < 1000; i++ {
			f.Add(testHash(i))
		}
		require.Equal(t, 1000, f.Entries())
		for i := 0; i < 1000; i++ {
			require.True(t, f.Exists(testHash(i)), "k=%d hash %d", k, i)
		}
	}
}

func TestFalsePositiveRate(t *testing.T) {
	f, err := Create(10000, 0)
	require.NoError(t, err)
	require.Equal(t, 5, f.K())
	require.Equal(t, 15, f.Bits())
	for i := 0; i < 10000; i++ {
		f.Add(testHash(i))
	}

	hits := 0
	const probes = 100000
	for i := 10000; i < 10000+probes; i++ {
		if f.Exists(testHash(i)) {
			hits++
		}
	}
	require.Less(t, float64(hits)/probes, MaxFalsePositive)
	require.Less(t, f.PFalsePositive(0), MaxFalsePositive)
}

func TestPFalsePositive(t *testing.T) {
	f, err := Create(1000, 5)
	require.NoError(t, err)
	require.Zero(t, f.PFalsePositive(0))

	m := float64(int(8) << f.Bits())
	want := math.Pow(1-math.Exp(-5*500/m), 5)
	require.InDelta(t, want, f.PFalsePositive(500), 1e-12)
	require.Greater(t, f.PFalsePositive(1000), f.PFalsePositive(500))
}

func TestCreateSizing(t *testing.T) {
	f, err := Create(0, 0)
	require.NoError(t, err)
	require.Equal(t, minBits, f.Bits())

	f, err = Create(1<<20, 0)
	require.NoError(t, err)
	require.Equal(t, 22, f.Bits())
	require.Equal(t, 5, f.K())

	_, err = Create(100, 3)
	require.Error(t, err)
}

func TestAddIdx(t *testing.T) {
	f, err := Create(200, 0)
	require.NoError(t, err)

	a := testIndex(t, "pack-a.idx", 0, 100)
	b := testIndex(t, "pack-b.idx", 100, 200)
	f.AddIdx(a)
	f.AddIdx(b)

	require.Equal(t, 200, f.Entries())
	require.Equal(t, []string{"pack-a.idx", "pack-b.idx"}, f.IdxNames())
	require.True(t, f.Covers([]string{"pack-b.idx"}))
	require.False(t, f.Covers([]string{"pack-a.idx", "pack-c.idx"}))
	for i := 0; i < 200; i++ {
		require.True(t, f.Exists(testHash(i)))
	}
}

func TestSaveOpenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	f, err := Create(100, 4)
	require.NoError(t, err)
	f.AddIdx(testIndex(t, "pack-a.idx", 0, 50))
	require.NoError(t, f.Save(path))

	ro, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, 4, ro.K())
	require.Equal(t, f.Bits(), ro.Bits())
	require.Equal(t, 50, ro.Entries())
	require.Equal(t, []string{"pack-a.idx"}, ro.IdxNames())
	for i := 0; i < 50; i++ {
		require.True(t, ro.Exists(testHash(i)))
	}
	require.Panics(t, func() { ro.Add(testHash(99)) })
	require.NoError(t, ro.Close())

	rw, err := Load(path)
	require.NoError(t, err)
	rw.AddIdx(testIndex(t, "pack-b.idx", 50, 60))
	require.Equal(t, 60, rw.Entries())
	require.NoError(t, rw.Save(path))

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"pack-a.idx", "pack-b.idx"}, again.IdxNames())
	require.True(t, again.Exists(testHash(55)))
}

func TestParseRejectsCorruption(t *testing.T) {
	f, err := Create(10, 5)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = f.WriteTo(&buf)
	require.NoError(t, err)
	good := buf.Bytes()

	_, err = Parse(good)
	require.NoError(t, err)

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'X'
	_, err = Parse(badMagic)
	require.ErrorIs(t, err, object.ErrInvalidFormat)

	badVersion := append([]byte(nil), good...)
	badVersion[7] = 9
	_, err = Parse(badVersion)
	require.ErrorIs(t, err, object.ErrInvalidFormat)

	_, err = Parse(good[:len(good)-1])
	require.ErrorIs(t, err, object.ErrInvalidFormat)

	_, err = Parse(good[:headerSize-1])
	require.ErrorIs(t, err, object.ErrInvalidFormat)
}
