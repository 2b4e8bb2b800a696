package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/odvcencio/hoard/pkg/object"
)

// ObjectSink receives encoded pack records. A Writer decides what to write
// and when to cut packs; the sink decides where the bytes go.
type ObjectSink interface {
	// WriteRaw appends one record built by object.EncodeRecord. On error
	// the record must not be part of the pack.
	WriteRaw(h object.Hash, record []byte, crc uint32) error
	// Finish seals the current pack and returns its name, or "" when the
	// pack is empty or named elsewhere.
	Finish() (string, error)
	// Abort discards the current pack.
	Abort() error
}

// LocalSink writes packs and their indexes into a pack directory.
type LocalSink struct {
	dir    string
	logger *zap.Logger

	f       *os.File
	offset  uint64
	entries []object.PackIndexEntry
}

// NewLocalSink writes into dir, which must exist.
func NewLocalSink(dir string, logger *zap.Logger) *LocalSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSink{dir: dir, logger: logger}
}

func (s *LocalSink) open() error {
	f, err := os.CreateTemp(s.dir, "tmp-pack-*.pack")
	if err != nil {
		return fmt.Errorf("local sink: create pack: %w", err)
	}
	// The count is patched in Finish.
	if _, err := f.Write(object.NewPackHeader(0).Marshal()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("local sink: write pack header: %w", err)
	}
	s.f = f
	s.offset = object.PackHeaderSize
	s.logger.Debug("opened pack", zap.String("path", f.Name()))
	return nil
}

// WriteRaw appends record with a single write, cutting the file back to its
// previous length if the write fails.
func (s *LocalSink) WriteRaw(h object.Hash, record []byte, crc uint32) error {
	if s.f == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	n, err := s.f.Write(record)
	if err == nil && n != len(record) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if terr := s.f.Truncate(int64(s.offset)); terr != nil {
			return fmt.Errorf("local sink: write %s: %w (truncate: %v)", h, err, terr)
		}
		if _, serr := s.f.Seek(int64(s.offset), io.SeekStart); serr != nil {
			return fmt.Errorf("local sink: write %s: %w (seek: %v)", h, err, serr)
		}
		return fmt.Errorf("local sink: write %s: %w", h, err)
	}
	s.entries = append(s.entries, object.PackIndexEntry{Hash: h, Offset: s.offset, CRC32: crc})
	s.offset += uint64(len(record))
	return nil
}

// Finish writes the trailer and idx, then renames both into place as
// pack-<trailer>.pack and pack-<trailer>.idx.
func (s *LocalSink) Finish() (string, error) {
	if s.f == nil {
		return "", nil
	}
	f := s.f
	tmpPack := f.Name()
	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(tmpPack)
		s.reset()
		return "", err
	}

	sum, err := object.FinalizePackFile(f, uint32(len(s.entries)))
	if err != nil {
		return fail(fmt.Errorf("local sink: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("local sink: sync pack: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPack)
		s.reset()
		return "", fmt.Errorf("local sink: close pack: %w", err)
	}

	tmpIdx, err := s.writeIndex(sum)
	if err != nil {
		os.Remove(tmpPack)
		s.reset()
		return "", err
	}

	name := "pack-" + sum.String()
	base := filepath.Join(s.dir, name)
	if err := os.Rename(tmpPack, base+".pack"); err != nil {
		os.Remove(tmpPack)
		os.Remove(tmpIdx)
		s.reset()
		return "", fmt.Errorf("local sink: rename pack: %w", err)
	}
	if err := os.Rename(tmpIdx, base+".idx"); err != nil {
		os.Remove(tmpIdx)
		s.reset()
		return "", fmt.Errorf("local sink: rename idx: %w", err)
	}

	s.logger.Debug("finalized pack",
		zap.String("pack", name),
		zap.Int("objects", len(s.entries)),
		zap.Uint64("bytes", s.offset+object.HashSize),
	)
	s.reset()
	return name, nil
}

func (s *LocalSink) writeIndex(packSum object.Hash) (string, error) {
	f, err := os.CreateTemp(s.dir, "tmp-pack-*.idx")
	if err != nil {
		return "", fmt.Errorf("local sink: create idx: %w", err)
	}
	if _, err := object.WritePackIndex(f, s.entries, packSum); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("local sink: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("local sink: sync idx: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("local sink: close idx: %w", err)
	}
	return f.Name(), nil
}

// Abort removes the temp pack, if any.
func (s *LocalSink) Abort() error {
	if s.f == nil {
		return nil
	}
	name := s.f.Name()
	cerr := s.f.Close()
	rerr := os.Remove(name)
	s.logger.Debug("aborted pack", zap.String("path", name), zap.Int("objects", len(s.entries)))
	s.reset()
	if rerr != nil {
		return fmt.Errorf("local sink: remove %s: %w", filepath.Base(name), rerr)
	}
	if cerr != nil {
		return fmt.Errorf("local sink: close %s: %w", filepath.Base(name), cerr)
	}
	return nil
}

func (s *LocalSink) reset() {
	s.f = nil
	s.offset = 0
	s.entries = nil
}
