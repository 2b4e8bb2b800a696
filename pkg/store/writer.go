// Package store writes content-addressed objects into git packs, answers
// "does this object exist?" across every finalized pack, and reads objects
// back.
//
// A Writer is one session: it deduplicates against the session's own writes
// and an Index over finalized packs, encodes each object into a complete
// record in memory, and hands records to an ObjectSink. Packs are cut
// automatically once they reach the configured object or byte limit.
package store

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/odvcencio/hoard/pkg/object"
)

// ErrClosed is returned by a Writer after Close or Abort.
var ErrClosed = errors.New("store: writer closed")

// Index answers existence queries for finalized packs. *IndexSet satisfies
// it.
type Index interface {
	Exists(h object.Hash) bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the writer's logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// WithMetrics records writer activity in m.
func WithMetrics(m *Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// Writer is a single write session. It is not safe for concurrent use.
type Writer struct {
	sink    ObjectSink
	index   Index
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	// session holds every id written in the session; unsealed the ones
	// in the open pack.
	session  map[object.Hash]struct{}
	unsealed []object.Hash
	count    int
	size     int64
	packs    []string
	closed   bool
}

// NewWriter starts a session that writes through sink. index may be nil
// for an empty repository.
func NewWriter(sink ObjectSink, index Index, cfg Config, opts ...Option) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Writer{
		sink:    sink,
		index:   index,
		cfg:     cfg,
		session: make(map[object.Hash]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w, nil
}

// Exists reports whether h was written in this session or is in a
// finalized pack.
func (w *Writer) Exists(h object.Hash) bool {
	if _, ok := w.session[h]; ok {
		return true
	}
	return w.index != nil && w.index.Exists(h)
}

// Write appends the object unconditionally. The caller must know the object
// is new to the session; writing the same id twice is a bug.
func (w *Writer) Write(t object.ObjectType, data []byte) (object.Hash, error) {
	if w.closed {
		return object.Hash{}, ErrClosed
	}
	h := object.HashObject(t, data)
	if _, ok := w.session[h]; ok {
		panic(fmt.Sprintf("store: object %s written twice in one session", h))
	}
	return h, w.write(h, t, data)
}

// MaybeWrite appends the object unless it already exists, and returns its
// id either way.
func (w *Writer) MaybeWrite(t object.ObjectType, data []byte) (object.Hash, error) {
	if w.closed {
		return object.Hash{}, ErrClosed
	}
	h := object.HashObject(t, data)
	if w.Exists(h) {
		w.metrics.deduplicated(t)
		return h, nil
	}
	return h, w.write(h, t, data)
}

func (w *Writer) write(h object.Hash, t object.ObjectType, data []byte) error {
	record, crc, err := object.EncodeRecord(t, data)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", h, err)
	}
	if err := w.sink.WriteRaw(h, record, crc); err != nil {
		return fmt.Errorf("store: write %s: %w", h, err)
	}
	w.session[h] = struct{}{}
	w.unsealed = append(w.unsealed, h)
	w.count++
	w.size += int64(len(record))
	w.metrics.written(t, len(record))

	if w.count >= w.cfg.MaxPackObjects || w.size >= w.cfg.MaxPackSize {
		if _, err := w.Breakpoint(); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the object and byte counts of the open pack.
func (w *Writer) Pending() (int, int64) {
	return w.count, w.size
}

// Breakpoint seals the open pack, if it holds anything, and keeps the
// session open. It returns the sealed pack's name.
func (w *Writer) Breakpoint() (string, error) {
	if w.closed {
		return "", ErrClosed
	}
	if w.count == 0 {
		return "", nil
	}
	objects, size := w.count, w.size
	name, err := w.sink.Finish()
	w.count, w.size = 0, 0
	if err != nil {
		w.forgetUnsealed()
		w.logger.Warn("pack discarded", zap.Int("objects", objects), zap.Error(err))
		return "", fmt.Errorf("store: finish pack: %w", err)
	}
	w.unsealed = w.unsealed[:0]
	if name != "" {
		w.packs = append(w.packs, name)
	}
	w.metrics.packFinalized()
	w.logger.Debug("pack finalized",
		zap.String("pack", name),
		zap.Int("objects", objects),
		zap.Int64("bytes", size),
	)
	return name, nil
}

// Close seals the open pack and ends the session. It returns the name of
// the last pack sealed, or "" if there was nothing left to write.
func (w *Writer) Close() (string, error) {
	name, err := w.Breakpoint()
	if errors.Is(err, ErrClosed) {
		return "", err
	}
	w.closed = true
	if cerr := w.closeSink(); err == nil {
		err = cerr
	}
	return name, err
}

// Abort discards the open pack and ends the session. Packs sealed earlier
// in the session are kept.
func (w *Writer) Abort() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	err := w.sink.Abort()
	if err != nil {
		err = fmt.Errorf("store: abort: %w", err)
	}
	w.logger.Debug("session aborted", zap.Int("discarded", w.count))
	w.forgetUnsealed()
	w.count, w.size = 0, 0
	if cerr := w.closeSink(); err == nil {
		err = cerr
	}
	return err
}

// forgetUnsealed drops the open pack's ids from the session once the pack
// is gone, so later writes store them again.
func (w *Writer) forgetUnsealed() {
	for _, h := range w.unsealed {
		delete(w.session, h)
	}
	w.unsealed = w.unsealed[:0]
}

func (w *Writer) closeSink() error {
	c, ok := w.sink.(io.Closer)
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("store: close sink: %w", err)
	}
	return nil
}

// Packs returns the names of the packs sealed so far.
func (w *Writer) Packs() []string {
	out := make([]string, len(w.packs))
	copy(out, w.packs)
	return out
}
