package object

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"os"
)

type packCountedWriter struct {
	w io.Writer
	n uint64
}

func (cw *packCountedWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}

func (cw *packCountedWriter) Count() uint64 {
	return cw.n
}

// PackWriter writes a self-contained Git pack stream whose object count is
// known up front. The trailer checksum is SHA-1 over all bytes preceding the
// trailer.
type PackWriter struct {
	out      io.Writer
	hasher   hash.Hash
	hashedW  io.Writer
	counter  *packCountedWriter
	expected uint32
	written  uint32
	finished bool
}

// NewPackWriter initializes a new writer and writes the fixed pack header.
func NewPackWriter(out io.Writer, numObjects uint32) (*PackWriter, error) {
	hasher := sha1.New()
	counter := &packCountedWriter{w: out}
	pw := &PackWriter{
		out:      out,
		hasher:   hasher,
		hashedW:  io.MultiWriter(counter, hasher),
		counter:  counter,
		expected: numObjects,
	}

	if _, err := pw.hashedW.Write(NewPackHeader(numObjects).Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// CurrentOffset returns the current byte offset in the pack stream (from pack
// start), excluding the trailing checksum written by Finish().
func (p *PackWriter) CurrentOffset() uint64 {
	return p.counter.Count()
}

// WriteEntry compresses and appends one object entry to the pack stream.
func (p *PackWriter) WriteEntry(objType ObjectType, data []byte) error {
	record, _, err := EncodeRecord(objType, data)
	if err != nil {
		return err
	}
	return p.WriteRecord(record)
}

// WriteRecord appends a record previously built by EncodeRecord.
func (p *PackWriter) WriteRecord(record []byte) error {
	if p.finished {
		return fmt.Errorf("pack writer already finished")
	}
	if p.written >= p.expected {
		return fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}
	if _, err := p.hashedW.Write(record); err != nil {
		return fmt.Errorf("write pack entry: %w", err)
	}
	p.written++
	return nil
}

// Finish validates object count, writes the trailing pack checksum, and returns
// that checksum.
func (p *PackWriter) Finish() (Hash, error) {
	if p.finished {
		return Hash{}, fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return Hash{}, fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}

	var sum Hash
	p.hasher.Sum(sum[:0])
	if _, err := p.out.Write(sum[:]); err != nil {
		return Hash{}, fmt.Errorf("write pack trailer checksum: %w", err)
	}

	p.finished = true
	return sum, nil
}

// FinalizePackFile completes a pack that was written with a placeholder
// header: it patches the object count at offset 8, re-hashes the whole file
// and appends the SHA-1 trailer. The file must be positioned anywhere; on
// return it is positioned at its end.
func FinalizePackFile(f *os.File, numObjects uint32) (Hash, error) {
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], numObjects)
	if _, err := f.WriteAt(count[:], 8); err != nil {
		return Hash{}, fmt.Errorf("patch pack object count: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Hash{}, fmt.Errorf("rewind pack: %w", err)
	}

	hasher := sha1.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return Hash{}, fmt.Errorf("hash pack: %w", err)
	}
	var sum Hash
	hasher.Sum(sum[:0])

	if _, err := f.Write(sum[:]); err != nil {
		return Hash{}, fmt.Errorf("write pack trailer checksum: %w", err)
	}
	return sum, nil
}
