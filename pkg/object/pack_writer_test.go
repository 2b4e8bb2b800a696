package object

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackWriterSingleBlob(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(PackHeaderSize), pw.CurrentOffset())
	require.NoError(t, pw.WriteEntry(TypeBlob, []byte("hello\n")))
	sum, err := pw.Finish()
	require.NoError(t, err)

	data := buf.Bytes()
	want := sha1.Sum(data[:len(data)-HashSize])
	require.Equal(t, want[:], sum[:])
	require.Equal(t, data[len(data)-HashSize:], sum[:])
}

func TestPackWriterCountMismatch(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 2)
	require.NoError(t, err)
	require.NoError(t, pw.WriteEntry(TypeBlob, []byte("one")))
	_, err = pw.Finish()
	require.Error(t, err)
}

func TestPackWriterRejectsExtraAndLateWrites(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 1)
	require.NoError(t, err)
	require.NoError(t, pw.WriteEntry(TypeBlob, []byte("one")))
	require.Error(t, pw.WriteEntry(TypeBlob, []byte("two")), "write beyond the declared count")
	_, err = pw.Finish()
	require.NoError(t, err)
	require.Error(t, pw.WriteEntry(TypeBlob, []byte("three")), "write after Finish")
	_, err = pw.Finish()
	require.Error(t, err, "second Finish")
}

// A pack built with a placeholder count and finalized in place must be
// byte-identical to one streamed with the count known up front.
func TestFinalizePackFileMatchesStreamedPack(t *testing.T) {
	objs := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}

	var streamed bytes.Buffer
	pw, err := NewPackWriter(&streamed, uint32(len(objs)))
	require.NoError(t, err)
	for _, o := range objs {
		require.NoError(t, pw.WriteEntry(TypeBlob, o))
	}
	wantSum, err := pw.Finish()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tmp.pack")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(NewPackHeader(0).Marshal())
	require.NoError(t, err)
	for _, o := range objs {
		record, _, err := EncodeRecord(TypeBlob, o)
		require.NoError(t, err)
		_, err = f.Write(record)
		require.NoError(t, err)
	}
	sum, err := FinalizePackFile(f, uint32(len(objs)))
	require.NoError(t, err)
	require.Equal(t, wantSum, sum)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, streamed.Bytes(), got)
}
