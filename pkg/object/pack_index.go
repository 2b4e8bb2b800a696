package object

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const (
	packIndexVersion        = 2
	packIndexHeaderSize     = 8
	packIndexFanoutSize     = 256 * 4
	packIndexLargeOffsetBit = uint32(1 << 31)
)

var packIndexMagic = [4]byte{0xff, 't', 'O', 'c'}

// PackIndexEntry is one row in a pack index file.
type PackIndexEntry struct {
	Hash   Hash
	Offset uint64
	CRC32  uint32
}

func normalizePackIndexEntries(entries []PackIndexEntry) ([]PackIndexEntry, error) {
	out := make([]PackIndexEntry, len(entries))
	copy(out, entries)

	sort.Slice(out, func(i, j int) bool {
		return out[i].Hash.Compare(out[j].Hash) < 0
	})
	for i := 1; i < len(out); i++ {
		if out[i-1].Hash == out[i].Hash {
			return nil, fmt.Errorf("duplicate hash %s in pack index", out[i].Hash)
		}
	}
	return out, nil
}

// WritePackIndex writes a Git idx v2 index for the provided entries and pack
// checksum, including the CRC32 table, so that git can use it directly. It
// returns the index checksum.
func WritePackIndex(w io.Writer, entries []PackIndexEntry, packChecksum Hash) (Hash, error) {
	normalized, err := normalizePackIndexEntries(entries)
	if err != nil {
		return Hash{}, err
	}

	hasher := sha1.New()
	bw := bufio.NewWriter(io.MultiWriter(w, hasher))
	var word [8]byte
	put32 := func(v uint32) {
		binary.BigEndian.PutUint32(word[:4], v)
		bw.Write(word[:4])
	}

	bw.Write(packIndexMagic[:])
	put32(packIndexVersion)

	fanout := buildPackIndexFanout(normalized)
	for i := 0; i < 256; i++ {
		put32(fanout[i])
	}
	for _, entry := range normalized {
		bw.Write(entry.Hash[:])
	}
	for _, entry := range normalized {
		put32(entry.CRC32)
	}

	largeOffsets := make([]uint64, 0)
	for _, entry := range normalized {
		if entry.Offset < uint64(packIndexLargeOffsetBit) {
			put32(uint32(entry.Offset))
			continue
		}
		put32(packIndexLargeOffsetBit | uint32(len(largeOffsets)))
		largeOffsets = append(largeOffsets, entry.Offset)
	}
	for _, offset := range largeOffsets {
		binary.BigEndian.PutUint64(word[:], offset)
		bw.Write(word[:])
	}

	bw.Write(packChecksum[:])
	if err := bw.Flush(); err != nil {
		return Hash{}, fmt.Errorf("write pack index: %w", err)
	}

	var indexSum Hash
	hasher.Sum(indexSum[:0])
	if _, err := w.Write(indexSum[:]); err != nil {
		return Hash{}, fmt.Errorf("write pack index checksum: %w", err)
	}
	return indexSum, nil
}

func buildPackIndexFanout(entries []PackIndexEntry) [256]uint32 {
	var counts [256]uint32
	for _, entry := range entries {
		counts[entry.Hash[0]]++
	}

	var fanout [256]uint32
	var total uint32
	for i := 0; i < 256; i++ {
		total += counts[i]
		fanout[i] = total
	}
	return fanout
}
