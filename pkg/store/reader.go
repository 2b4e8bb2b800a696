package store

import (
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/odvcencio/hoard/pkg/object"
)

// DefaultPackCacheSize is how many packs a Reader keeps mapped.
const DefaultPackCacheSize = 16

// Reader reads objects out of finalized packs. Packs are mapped on first
// use and unmapped when they fall out of the cache.
type Reader struct {
	indexes *IndexSet
	logger  *zap.Logger

	mu    sync.Mutex
	packs *lru.Cache[string, *object.Pack]
}

// NewReader reads the packs indexed by indexes, keeping at most cacheSize
// of them mapped at once.
func NewReader(indexes *IndexSet, cacheSize int, logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultPackCacheSize
	}
	packs, err := lru.NewWithEvict[string, *object.Pack](cacheSize, func(name string, p *object.Pack) {
		if err := p.Close(); err != nil {
			logger.Warn("unmap pack", zap.String("pack", name), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	return &Reader{indexes: indexes, logger: logger, packs: packs}, nil
}

// Has reports whether h is stored.
func (r *Reader) Has(h object.Hash) bool {
	return r.indexes.Exists(h)
}

// Read returns the type and content of h after checking that they hash
// back to h.
func (r *Reader) Read(h object.Hash) (object.ObjectType, []byte, error) {
	name, offset, ok := r.indexes.Find(h)
	if !ok {
		return "", nil, fmt.Errorf("read %s: %w", h, object.ErrNotFound)
	}

	// Held across ReadAt so that eviction cannot unmap a pack mid-read.
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.pack(name)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", h, err)
	}
	t, data, err := p.ReadAt(offset)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", h, err)
	}
	if got := object.HashObject(t, data); got != h {
		return "", nil, fmt.Errorf("read %s: content hashes to %s: %w", h, got, object.ErrInvalidFormat)
	}
	return t, data, nil
}

func (r *Reader) pack(name string) (*object.Pack, error) {
	if p, ok := r.packs.Get(name); ok {
		return p, nil
	}
	p, err := object.OpenPack(filepath.Join(r.indexes.Dir(), name))
	if err != nil {
		return nil, err
	}
	r.packs.Add(name, p)
	r.logger.Debug("mapped pack", zap.String("pack", name))
	return p, nil
}

// Close unmaps every cached pack. The IndexSet stays open.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs.Purge()
	return nil
}
