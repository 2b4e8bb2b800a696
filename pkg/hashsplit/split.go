package hashsplit

import (
	"errors"
	"fmt"
	"io"

	"github.com/odvcencio/hoard/pkg/object"
)

// SplitOption customizes SplitToTree and SplitToBlobOrTree.
type SplitOption func(*splitOptions)

type splitOptions struct {
	progress func(Chunk)
}

// WithProgress calls fn after each chunk has been stored.
func WithProgress(fn func(Chunk)) SplitOption {
	return func(o *splitOptions) { o.progress = fn }
}

func splitInto(r io.Reader, w ObjectWriter, cfg Config, a *TreeAssembler, opts []SplitOption) error {
	var o splitOptions
	for _, opt := range opts {
		opt(&o)
	}
	s, err := NewSplitter(r, cfg)
	if err != nil {
		return err
	}
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		h, err := w.MaybeWrite(object.TypeBlob, c.Data)
		if err != nil {
			return fmt.Errorf("hashsplit: write chunk at %d: %w", c.Offset, err)
		}
		if err := a.Add(Leaf{Hash: h, Size: int64(len(c.Data)), Bits: c.Bits}); err != nil {
			return err
		}
		if o.progress != nil {
			o.progress(c)
		}
	}
}

// SplitToTree chunks r, stores every chunk as a blob and returns the root of
// the chunk tree. The tree is always written, even for empty or one-chunk
// input.
func SplitToTree(r io.Reader, w ObjectWriter, cfg Config, fanout int, opts ...SplitOption) (object.Hash, error) {
	a, err := NewTreeAssembler(w, fanout)
	if err != nil {
		return object.Hash{}, err
	}
	if err := splitInto(r, w, cfg, a, opts); err != nil {
		return object.Hash{}, err
	}
	return a.Finish()
}

// SplitToBlobOrTree is SplitToTree for whole files: input that fits in one
// chunk is stored as a plain blob, empty input as the empty blob, and
// anything larger as a chunk tree. The returned mode tells which.
func SplitToBlobOrTree(r io.Reader, w ObjectWriter, cfg Config, fanout int, opts ...SplitOption) (string, object.Hash, error) {
	a, err := NewTreeAssembler(w, fanout)
	if err != nil {
		return "", object.Hash{}, err
	}
	if err := splitInto(r, w, cfg, a, opts); err != nil {
		return "", object.Hash{}, err
	}
	mode, h, ok, err := a.FinishBlobOrTree()
	if err != nil {
		return "", object.Hash{}, err
	}
	if !ok {
		h, err = w.MaybeWrite(object.TypeBlob, nil)
		if err != nil {
			return "", object.Hash{}, fmt.Errorf("hashsplit: write empty blob: %w", err)
		}
		return object.TreeModeFile, h, nil
	}
	return mode, h, nil
}
