package object

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testObject struct {
	objType ObjectType
	data    []byte
}

func buildPack(t *testing.T, objs []testObject) []byte {
	t.Helper()
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, uint32(len(objs)))
	require.NoError(t, err)
	for _, o := range objs {
		require.NoError(t, pw.WriteEntry(o.objType, o.data))
	}
	_, err = pw.Finish()
	require.NoError(t, err)
	return buf.Bytes()
}

var sampleObjects = []testObject{
	{objType: TypeBlob, data: []byte("hello\n")},
	{objType: TypeBlob, data: bytes.Repeat([]byte("compressible "), 500)},
	{objType: TypeTree, data: MarshalTree(&TreeObj{Entries: []TreeEntry{
		{Mode: TreeModeFile, Name: "hello", Hash: HashObject(TypeBlob, []byte("hello\n"))},
	}})},
	{objType: TypeBlob, data: nil},
}

func TestReadPackRoundTrip(t *testing.T) {
	data := buildPack(t, sampleObjects)
	pf, err := ReadPack(data)
	require.NoError(t, err)
	require.Equal(t, uint32(len(sampleObjects)), pf.Header.NumObjects)
	require.Len(t, pf.Entries, len(sampleObjects))

	offset := uint64(PackHeaderSize)
	for i, e := range pf.Entries {
		want := sampleObjects[i]
		require.True(t, bytes.Equal(want.data, e.Data), "entry %d data", i)
		h, err := e.Hash()
		require.NoError(t, err)
		require.Equal(t, HashObject(want.objType, want.data), h)
		require.Equal(t, offset, e.Offset, "entry %d offset", i)
		record, crc, err := EncodeRecord(want.objType, want.data)
		require.NoError(t, err)
		require.Equal(t, crc, e.CRC32, "entry %d crc", i)
		offset += uint64(len(record))
	}

	fromReader, err := ReadPackFromReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, pf.Checksum, fromReader.Checksum)
}

func TestReadPackRejectsChecksumMismatch(t *testing.T) {
	data := buildPack(t, sampleObjects)
	data[PackHeaderSize+2] ^= 0xff
	_, err := ReadPack(data)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestReadPackRejectsObjectCountMismatch(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(NewPackHeader(3).Marshal())
	for _, o := range sampleObjects[:2] {
		record, _, err := EncodeRecord(o.objType, o.data)
		require.NoError(t, err)
		buf.Write(record)
	}
	path := filepath.Join(t.TempDir(), "short.pack")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = FinalizePackFile(f, 3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = ReadPack(data)
	require.Error(t, err, "pack claims more objects than it holds")
}

// A header count the payload cannot hold is a format error, not an
// allocation of that many entries.
func TestReadPackRejectsImpossibleObjectCount(t *testing.T) {
	for _, count := range []uint32{0xffffffff, 1} {
		header := NewPackHeader(count).Marshal()
		sum := sha1.Sum(header)
		_, err := ReadPack(append(header, sum[:]...))
		require.ErrorIs(t, err, ErrInvalidFormat, "count %d", count)
	}
}

func TestOpenPackReadAt(t *testing.T) {
	data := buildPack(t, sampleObjects)
	path := filepath.Join(t.TempDir(), "pack-test.pack")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	p, err := OpenPack(path)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, "pack-test.pack", p.Name())
	require.Equal(t, uint32(len(sampleObjects)), p.NumObjects())
	pf, err := p.Decode()
	require.NoError(t, err)
	require.Equal(t, pf.Checksum, p.Checksum())
	for i, e := range pf.Entries {
		objType, got, err := p.ReadAt(e.Offset)
		require.NoError(t, err, "ReadAt(%d)", e.Offset)
		require.Equal(t, sampleObjects[i].objType, objType)
		require.True(t, bytes.Equal(sampleObjects[i].data, got), "ReadAt(%d) data", e.Offset)
	}

	for _, bad := range []uint64{0, PackHeaderSize - 1, uint64(len(data))} {
		_, _, err := p.ReadAt(bad)
		require.ErrorIs(t, err, ErrInvalidFormat, "ReadAt(%d)", bad)
	}

	huge := NewPackHeader(0xffffffff).Marshal()
	sum := sha1.Sum(huge)
	hugePath := filepath.Join(t.TempDir(), "pack-huge.pack")
	require.NoError(t, os.WriteFile(hugePath, append(huge, sum[:]...), 0o644))
	hp, err := OpenPack(hugePath)
	require.NoError(t, err)
	defer hp.Close()
	_, err = hp.Decode()
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestOpenPackRejectsShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.pack")
	require.NoError(t, os.WriteFile(path, NewPackHeader(0).Marshal(), 0o644))
	_, err := OpenPack(path)
	require.ErrorIs(t, err, ErrInvalidFormat)
}
