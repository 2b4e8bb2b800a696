package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/odvcencio/hoard/pkg/object"
)

// Object stream framing, inside one zstd stream:
//
//	len u32 | hash [20] | crc u32 | record [len]
//
// A len of frameFinish seals the current pack and frameAbort discards it.
const (
	frameFinish     = 0
	frameAbort      = 0xffffffff
	frameHeaderSize = 4 + object.HashSize + 4
	maxRemoteRecord = 1 << 30
)

// RemoteSink streams records to a receiver that runs ReceiveObjects. Packs
// are named by the receiver, so Finish always returns "".
type RemoteSink struct {
	enc    *zstd.Encoder
	closed bool
}

// NewRemoteSink compresses the object stream onto w.
func NewRemoteSink(w io.Writer) (*RemoteSink, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("remote sink: %w", err)
	}
	return &RemoteSink{enc: enc}, nil
}

func (s *RemoteSink) frame(n uint32, h object.Hash, crc uint32) error {
	if s.closed {
		return fmt.Errorf("remote sink: %w", ErrClosed)
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], n)
	copy(hdr[4:], h[:])
	binary.BigEndian.PutUint32(hdr[4+object.HashSize:], crc)
	if _, err := s.enc.Write(hdr[:]); err != nil {
		return fmt.Errorf("remote sink: write frame: %w", err)
	}
	return nil
}

// WriteRaw sends one record.
func (s *RemoteSink) WriteRaw(h object.Hash, record []byte, crc uint32) error {
	if len(record) == 0 || len(record) > maxRemoteRecord {
		return fmt.Errorf("remote sink: record for %s has invalid length %d", h, len(record))
	}
	if err := s.frame(uint32(len(record)), h, crc); err != nil {
		return err
	}
	if _, err := s.enc.Write(record); err != nil {
		return fmt.Errorf("remote sink: write record %s: %w", h, err)
	}
	return nil
}

// Finish tells the receiver to seal its pack and flushes the stream.
func (s *RemoteSink) Finish() (string, error) {
	if err := s.frame(frameFinish, object.Hash{}, 0); err != nil {
		return "", err
	}
	if err := s.enc.Flush(); err != nil {
		return "", fmt.Errorf("remote sink: flush: %w", err)
	}
	return "", nil
}

// Abort tells the receiver to discard its pack.
func (s *RemoteSink) Abort() error {
	if err := s.frame(frameAbort, object.Hash{}, 0); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return fmt.Errorf("remote sink: flush: %w", err)
	}
	return nil
}

// Close ends the zstd stream. It does not close the underlying writer.
func (s *RemoteSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.enc.Close()
}

// ReceiveObjects replays an object stream produced by RemoteSink into sink
// and returns the names of the packs it finalized. Every record is checked
// against its CRC and object id before it reaches the sink. On error the
// sink's open pack is aborted.
func ReceiveObjects(ctx context.Context, r io.Reader, sink ObjectSink) ([]string, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("receive objects: %w", err)
	}
	defer dec.Close()

	var (
		names   []string
		pending int
	)
	fail := func(err error) ([]string, error) {
		if aerr := sink.Abort(); aerr != nil {
			err = errors.Join(err, aerr)
		}
		return names, err
	}

	var hdr [frameHeaderSize]byte
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if _, err := io.ReadFull(dec, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) && pending == 0 {
				return names, nil
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fail(fmt.Errorf("receive objects: read frame: %w", err))
		}

		n := binary.BigEndian.Uint32(hdr[0:])
		switch n {
		case frameFinish:
			name, err := sink.Finish()
			if err != nil {
				return names, fmt.Errorf("receive objects: %w", err)
			}
			if name != "" {
				names = append(names, name)
			}
			pending = 0
			continue
		case frameAbort:
			if err := sink.Abort(); err != nil {
				return names, fmt.Errorf("receive objects: %w", err)
			}
			pending = 0
			continue
		}
		if n > maxRemoteRecord {
			return fail(fmt.Errorf("receive objects: record length %d: %w", n, object.ErrInvalidFormat))
		}

		h, _ := object.HashFromBytes(hdr[4 : 4+object.HashSize])
		crc := binary.BigEndian.Uint32(hdr[4+object.HashSize:])
		record := make([]byte, n)
		if _, err := io.ReadFull(dec, record); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fail(fmt.Errorf("receive objects: read record %s: %w", h, err))
		}
		if got := crc32.ChecksumIEEE(record); got != crc {
			return fail(fmt.Errorf("receive objects: record %s crc %08x, want %08x: %w", h, got, crc, object.ErrInvalidFormat))
		}
		objType, data, err := object.DecodeRecord(record)
		if err != nil {
			return fail(fmt.Errorf("receive objects: record %s: %w", h, err))
		}
		if got := object.HashObject(objType, data); got != h {
			return fail(fmt.Errorf("receive objects: record claims %s but hashes to %s: %w", h, got, object.ErrInvalidFormat))
		}
		if err := sink.WriteRaw(h, record, crc); err != nil {
			return fail(fmt.Errorf("receive objects: %w", err))
		}
		pending++
	}
}
