package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/hoard/pkg/bloom"
	"github.com/odvcencio/hoard/pkg/midx"
	"github.com/odvcencio/hoard/pkg/object"
)

// IndexSet answers lookups across every finalized pack in a directory. The
// bloom filter is consulted first, then multi-pack indexes, then the idx
// files no midx covers. It is immutable once loaded and safe for concurrent
// readers.
type IndexSet struct {
	dir    string
	logger *zap.Logger

	filter *bloom.Filter
	midxs  []*midx.Midx
	idxs   map[string]*object.PackIndex
	direct []*object.PackIndex
}

// LoadIndexSet opens the indexes in packDir. Stale midx files and a bloom
// filter that does not cover every idx are ignored.
func LoadIndexSet(packDir string, logger *zap.Logger) (*IndexSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(packDir)
	if err != nil {
		return nil, fmt.Errorf("load indexes: %w", err)
	}

	s := &IndexSet{
		dir:    packDir,
		logger: logger,
		idxs:   make(map[string]*object.PackIndex),
	}
	var midxNames []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "tmp-") {
			continue
		}
		switch filepath.Ext(name) {
		case ".idx":
			idx, err := object.OpenPackIndex(filepath.Join(packDir, name))
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("load indexes: %w", err)
			}
			s.idxs[name] = idx
		case midx.Ext:
			midxNames = append(midxNames, name)
		}
	}

	if err := s.loadMidxs(midxNames); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.loadBloom(); err != nil {
		s.Close()
		return nil, err
	}
	logger.Debug("loaded indexes",
		zap.String("dir", packDir),
		zap.Int("idx", len(s.idxs)),
		zap.Int("midx", len(s.midxs)),
		zap.Int("direct", len(s.direct)),
		zap.Bool("bloom", s.filter != nil),
	)
	return s, nil
}

// loadMidxs keeps the largest midx files that still add coverage and
// leaves the remaining idx files to be searched directly.
func (s *IndexSet) loadMidxs(names []string) error {
	var candidates []*midx.Midx
	for _, name := range names {
		m, err := midx.Open(filepath.Join(s.dir, name))
		if err != nil {
			for _, c := range candidates {
				c.Close()
			}
			return fmt.Errorf("load indexes: %w", err)
		}
		stale := false
		for _, n := range m.IdxNames() {
			if _, ok := s.idxs[n]; !ok {
				stale = true
				break
			}
		}
		if stale {
			s.logger.Debug("skipping stale midx", zap.String("midx", name))
			m.Close()
			continue
		}
		candidates = append(candidates, m)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Len() > candidates[j].Len()
	})

	covered := make(map[string]bool)
	for _, m := range candidates {
		adds := false
		for _, n := range m.IdxNames() {
			if !covered[n] {
				adds = true
				break
			}
		}
		if !adds {
			m.Close()
			continue
		}
		for _, n := range m.IdxNames() {
			covered[n] = true
		}
		s.midxs = append(s.midxs, m)
	}

	for _, n := range s.IdxNames() {
		if !covered[n] {
			s.direct = append(s.direct, s.idxs[n])
		}
	}
	return nil
}

func (s *IndexSet) loadBloom() error {
	f, err := bloom.Open(filepath.Join(s.dir, bloom.FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load indexes: %w", err)
	}
	if !f.Covers(s.IdxNames()) {
		s.logger.Debug("ignoring bloom filter that misses some packs", zap.Int("covered", len(f.IdxNames())))
		f.Close()
		return nil
	}
	s.filter = f
	return nil
}

// Dir returns the pack directory.
func (s *IndexSet) Dir() string { return s.dir }

// IdxNames returns the basenames of every loaded idx, sorted.
func (s *IndexSet) IdxNames() []string {
	names := make([]string, 0, len(s.idxs))
	for n := range s.idxs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Indexes returns every loaded idx in name order.
func (s *IndexSet) Indexes() []*object.PackIndex {
	names := s.IdxNames()
	out := make([]*object.PackIndex, len(names))
	for i, n := range names {
		out[i] = s.idxs[n]
	}
	return out
}

// Exists reports whether h is in any finalized pack.
func (s *IndexSet) Exists(h object.Hash) bool {
	if s.filter != nil && !s.filter.Exists(h) {
		return false
	}
	for _, m := range s.midxs {
		if m.Exists(h) {
			return true
		}
	}
	for _, idx := range s.direct {
		if idx.Exists(h) {
			return true
		}
	}
	return false
}

// Find returns the pack holding h and the record offset inside it.
func (s *IndexSet) Find(h object.Hash) (string, uint64, bool) {
	if s.filter != nil && !s.filter.Exists(h) {
		return "", 0, false
	}
	for _, m := range s.midxs {
		name, ok := m.Find(h)
		if !ok {
			continue
		}
		if idx := s.idxs[name]; idx != nil {
			if ofs, ok := idx.FindOffset(h); ok {
				return idx.PackName(), ofs, true
			}
		}
	}
	for _, idx := range s.direct {
		if ofs, ok := idx.FindOffset(h); ok {
			return idx.PackName(), ofs, true
		}
	}
	return "", 0, false
}

// Close releases every mapping.
func (s *IndexSet) Close() error {
	var errs []error
	if s.filter != nil {
		errs = append(errs, s.filter.Close())
		s.filter = nil
	}
	for _, m := range s.midxs {
		errs = append(errs, m.Close())
	}
	s.midxs = nil
	for _, idx := range s.idxs {
		errs = append(errs, idx.Close())
	}
	s.idxs = nil
	s.direct = nil
	return errors.Join(errs...)
}
