package object

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackHeaderRoundTrip(t *testing.T) {
	data := NewPackHeader(42).Marshal()
	require.Len(t, data, PackHeaderSize)
	require.Equal(t, "PACK", string(data[:4]))

	got, err := UnmarshalPackHeader(data)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.Version)
	require.Equal(t, uint32(42), got.NumObjects)
}

func TestPackHeaderRejects(t *testing.T) {
	tests := map[string][]byte{
		"magic":   []byte("JUNK\x00\x00\x00\x02\x00\x00\x00\x00"),
		"version": []byte("PACK\x00\x00\x00\x03\x00\x00\x00\x00"),
		"short":   []byte("PACK"),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalPackHeader(data)
			require.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestPackEntryHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		objType PackObjectType
		size    uint64
		encLen  int
	}{
		{name: "blob-zero", objType: PackBlob, size: 0, encLen: 1},
		{name: "commit-15", objType: PackCommit, size: 15, encLen: 1},
		{name: "tree-16", objType: PackTree, size: 16, encLen: 2},
		{name: "blob-2047", objType: PackBlob, size: 2047, encLen: 2},
		{name: "blob-2048", objType: PackBlob, size: 2048, encLen: 3},
		{name: "blob-large", objType: PackBlob, size: 1 << 30, encLen: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := encodePackEntryHeader(tt.objType, tt.size)
			require.Len(t, data, tt.encLen)
			gotType, gotSize, consumed, err := decodePackEntryHeader(data)
			require.NoError(t, err)
			require.Equal(t, tt.objType, gotType)
			require.Equal(t, tt.size, gotSize)
			require.Equal(t, len(data), consumed)
		})
	}
}

func TestPackEntryHeaderTruncated(t *testing.T) {
	data := encodePackEntryHeader(PackBlob, 1<<20)
	_, _, _, err := decodePackEntryHeader(data[:len(data)-1])
	require.ErrorIs(t, err, ErrInvalidFormat)
	_, _, _, err = decodePackEntryHeader(nil)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestEncodeDecodeRecord(t *testing.T) {
	data := []byte("some blob content\n")
	record, crc, err := EncodeRecord(TypeBlob, data)
	require.NoError(t, err)
	require.Equal(t, byte(PackBlob), record[0]>>4&0x7)

	gotType, gotData, err := DecodeRecord(record)
	require.NoError(t, err)
	require.Equal(t, TypeBlob, gotType)
	require.Equal(t, data, gotData)

	_, _, err = DecodeRecord(append(record, 0))
	require.ErrorIs(t, err, ErrInvalidFormat)
	_, _, err = EncodeRecord(ObjectType("tag"), data)
	require.Error(t, err)

	_, crc2, err := EncodeRecord(TypeBlob, data)
	require.NoError(t, err)
	require.Equal(t, crc, crc2)
}
