package hashsplit

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
)

const (
	DefaultWindow   = 64
	DefaultBaseBits = 13
	DefaultBlobMax  = 32768

	readSize = 64 * 1024
)

// Config controls where chunk boundaries fall. Two streams split with the
// same Config always produce the same chunks.
type Config struct {
	// Window is the number of trailing bytes the rolling checksum covers.
	Window int
	// BaseBits is how many low checksum bits must be ones for a boundary;
	// the mean chunk size is about 2^BaseBits bytes.
	BaseBits int
	// BlobMax forces a boundary when a chunk reaches this many bytes.
	BlobMax int
	// MaxExtraBits caps Chunk.Bits. Zero means 32-BaseBits.
	MaxExtraBits int
}

// DefaultConfig returns the standard chunking parameters.
func DefaultConfig() Config {
	return Config{
		Window:   DefaultWindow,
		BaseBits: DefaultBaseBits,
		BlobMax:  DefaultBlobMax,
	}
}

// Validate reports inconsistent parameters.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("hashsplit: window must be positive, got %d", c.Window)
	}
	if c.BaseBits < 1 || c.BaseBits > 31 {
		return fmt.Errorf("hashsplit: base bits must be in [1,31], got %d", c.BaseBits)
	}
	if c.BlobMax < c.Window {
		return fmt.Errorf("hashsplit: blob max %d is smaller than window %d", c.BlobMax, c.Window)
	}
	if c.MaxExtraBits < 0 || c.MaxExtraBits > 32-c.BaseBits {
		return fmt.Errorf("hashsplit: max extra bits must be in [0,%d], got %d", 32-c.BaseBits, c.MaxExtraBits)
	}
	return nil
}

func (c Config) extraCap() int {
	if c.MaxExtraBits == 0 {
		return 32 - c.BaseBits
	}
	return c.MaxExtraBits
}

// Chunk is one piece of the input stream.
type Chunk struct {
	Data []byte
	// Offset is the position of Data[0] within the stream.
	Offset int64
	// Bits counts the checksum bits above BaseBits that also matched at the
	// boundary. It is zero for forced and final boundaries. Higher values
	// are rarer and mark stronger boundaries.
	Bits int
}

// Splitter is a pull iterator over the chunks of one stream. It reads
// lazily and cannot be restarted; split the stream again from a fresh
// reader to repeat.
type Splitter struct {
	r    io.Reader
	cfg  Config
	mask uint32
	sum  *RollSum

	backing []byte
	buf     []byte // unconsumed input, starting at the current chunk
	scanned int    // bytes of buf already rolled into sum
	offset  int64
	eof     bool
	err     error
}

// NewSplitter splits r using cfg.
func NewSplitter(r io.Reader, cfg Config) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backing := make([]byte, cfg.BlobMax+readSize)
	return &Splitter{
		r:       r,
		cfg:     cfg,
		mask:    uint32(1)<<cfg.BaseBits - 1,
		sum:     NewRollSum(cfg.Window),
		backing: backing,
		buf:     backing[:0],
	}, nil
}

// Next returns the next chunk, or io.EOF once the stream is exhausted. The
// returned Data is owned by the caller.
func (s *Splitter) Next() (Chunk, error) {
	if s.err != nil {
		return Chunk{}, s.err
	}
	for {
		for s.scanned < len(s.buf) {
			s.sum.Roll(s.buf[s.scanned])
			s.scanned++
			if s.scanned >= s.cfg.Window {
				if d := s.sum.Digest(); d&s.mask == s.mask {
					return s.emit(s.scanned, s.extraBits(d)), nil
				}
			}
			if s.scanned >= s.cfg.BlobMax {
				return s.emit(s.scanned, 0), nil
			}
		}
		if s.eof {
			if len(s.buf) == 0 {
				s.err = io.EOF
				return Chunk{}, io.EOF
			}
			return s.emit(len(s.buf), 0), nil
		}
		if err := s.fill(); err != nil {
			s.err = err
			return Chunk{}, err
		}
	}
}

func (s *Splitter) extraBits(digest uint32) int {
	n := bits.TrailingZeros32(^(digest >> s.cfg.BaseBits))
	if limit := s.cfg.extraCap(); n > limit {
		n = limit
	}
	return n
}

func (s *Splitter) emit(n int, extra int) Chunk {
	if n > s.cfg.BlobMax {
		panic(fmt.Sprintf("hashsplit: chunk of %d bytes exceeds blob max %d", n, s.cfg.BlobMax))
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	c := Chunk{Data: data, Offset: s.offset, Bits: extra}

	s.offset += int64(n)
	s.buf = s.buf[n:]
	s.scanned = 0
	s.sum.Reset()
	return c
}

func (s *Splitter) fill() error {
	if len(s.buf) > 0 && &s.buf[0] != &s.backing[0] {
		n := copy(s.backing, s.buf)
		s.buf = s.backing[:n]
	} else if len(s.buf) == 0 {
		s.buf = s.backing[:0]
	}

	n, err := s.r.Read(s.backing[len(s.buf):])
	s.buf = s.backing[:len(s.buf)+n]
	if errors.Is(err, io.EOF) {
		s.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("hashsplit: read: %w", err)
	}
	return nil
}

// SplitAll drains r and returns every chunk. Intended for small inputs and
// tests; streaming callers use Splitter directly.
func SplitAll(r io.Reader, cfg Config) ([]Chunk, error) {
	s, err := NewSplitter(r, cfg)
	if err != nil {
		return nil, err
	}
	var out []Chunk
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
}
