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

func listPackDir(packDir string) (idxs []string, midxs []string, err error) {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "tmp-") {
			continue
		}
		switch filepath.Ext(name) {
		case ".idx":
			idxs = append(idxs, name)
		case midx.Ext:
			midxs = append(midxs, name)
		}
	}
	sort.Strings(idxs)
	sort.Strings(midxs)
	return idxs, midxs, nil
}

func openIndexes(packDir string, names []string) ([]*object.PackIndex, error) {
	out := make([]*object.PackIndex, 0, len(names))
	for _, n := range names {
		idx, err := object.OpenPackIndex(filepath.Join(packDir, n))
		if err != nil {
			closeIndexes(out)
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

func closeIndexes(idxs []*object.PackIndex) {
	for _, idx := range idxs {
		idx.Close()
	}
}

// WriteMidx merges every idx in packDir into a new midx and removes the
// midx files it replaces. It returns the new file's path and hash count;
// with no idx files it does nothing.
func WriteMidx(packDir string, logger *zap.Logger) (string, int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idxNames, oldMidx, err := listPackDir(packDir)
	if err != nil {
		return "", 0, fmt.Errorf("write midx: %w", err)
	}
	if len(idxNames) == 0 {
		return "", 0, nil
	}
	idxs, err := openIndexes(packDir, idxNames)
	if err != nil {
		return "", 0, fmt.Errorf("write midx: %w", err)
	}
	defer closeIndexes(idxs)

	srcs := make([]midx.Source, len(idxs))
	for i, idx := range idxs {
		srcs[i] = idx
	}
	path, err := midx.Create(packDir, srcs)
	if err != nil {
		return "", 0, err
	}

	m, err := midx.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("write midx: reopen: %w", err)
	}
	n := m.Len()
	m.Close()

	for _, old := range oldMidx {
		if filepath.Join(packDir, old) == path {
			continue
		}
		if err := os.Remove(filepath.Join(packDir, old)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("write midx: remove %s: %w", old, err)
		}
		logger.Debug("removed superseded midx", zap.String("midx", old))
	}
	logger.Debug("wrote midx",
		zap.String("midx", filepath.Base(path)),
		zap.Int("idx", len(idxs)),
		zap.Int("objects", n),
	)
	return path, n, nil
}

// BloomOptions controls UpdateBloom.
type BloomOptions struct {
	// K pins the probe count; zero lets the filter pick.
	K int
	// Force rebuilds the filter from scratch.
	Force bool
}

// BloomResult describes what UpdateBloom did.
type BloomResult struct {
	Added   int
	Rebuilt bool
	Entries int
	// PFalsePositive is the estimated false-positive rate of the saved
	// filter.
	PFalsePositive float64
}

// UpdateBloom folds idx files missing from the pack directory's bloom
// filter into it. The filter is rebuilt instead when none exists, when the
// probe count must change, or when the additions would push the estimated
// false-positive rate above bloom.MaxFalsePositive.
func UpdateBloom(packDir string, opts BloomOptions, logger *zap.Logger) (BloomResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idxNames, _, err := listPackDir(packDir)
	if err != nil {
		return BloomResult{}, fmt.Errorf("update bloom: %w", err)
	}
	path := filepath.Join(packDir, bloom.FileName)

	existing, err := bloom.Load(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return BloomResult{}, fmt.Errorf("update bloom: %w", err)
	}

	var missing []string
	if existing != nil {
		have := make(map[string]bool)
		for _, n := range existing.IdxNames() {
			have[n] = true
		}
		for _, n := range idxNames {
			if !have[n] {
				missing = append(missing, n)
			}
		}
	}

	rebuild := existing == nil || opts.Force || (opts.K != 0 && existing.K() != opts.K)
	toAdd := idxNames
	if !rebuild {
		toAdd = missing
	}
	if len(toAdd) == 0 && !rebuild {
		return BloomResult{Entries: existing.Entries(), PFalsePositive: existing.PFalsePositive(0)}, nil
	}

	idxs, err := openIndexes(packDir, toAdd)
	if err != nil {
		return BloomResult{}, fmt.Errorf("update bloom: %w", err)
	}
	defer func() { closeIndexes(idxs) }()

	adding := 0
	for _, idx := range idxs {
		adding += idx.Len()
	}
	if !rebuild && existing.PFalsePositive(adding) > bloom.MaxFalsePositive {
		logger.Debug("bloom filter would be too full, rebuilding",
			zap.Int("entries", existing.Entries()),
			zap.Int("adding", adding),
		)
		rebuild = true
		closeIndexes(idxs)
		if idxs, err = openIndexes(packDir, idxNames); err != nil {
			idxs = nil
			return BloomResult{}, fmt.Errorf("update bloom: %w", err)
		}
		adding = 0
		for _, idx := range idxs {
			adding += idx.Len()
		}
	}

	f := existing
	if rebuild {
		if f, err = bloom.Create(adding, opts.K); err != nil {
			return BloomResult{}, fmt.Errorf("update bloom: %w", err)
		}
	}
	for _, idx := range idxs {
		f.AddIdx(idx)
	}
	if err := f.Save(path); err != nil {
		return BloomResult{}, fmt.Errorf("update bloom: %w", err)
	}

	res := BloomResult{
		Added:          adding,
		Rebuilt:        rebuild,
		Entries:        f.Entries(),
		PFalsePositive: f.PFalsePositive(0),
	}
	logger.Debug("saved bloom filter",
		zap.Int("added", res.Added),
		zap.Bool("rebuilt", res.Rebuilt),
		zap.Int("entries", res.Entries),
		zap.Float64("pfalse_positive", res.PFalsePositive),
	)
	return res, nil
}

// VerifySummary counts what Verify checked.
type VerifySummary struct {
	PackFiles   int
	PackObjects int
	MidxFiles   int
	Bloom       bool
}

// Verify checks every pack against its idx, every midx against the idx
// files it names, and the bloom filter against every idx it covers. It
// stops at the first problem.
func Verify(packDir string) (*VerifySummary, error) {
	idxNames, midxNames, err := listPackDir(packDir)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	report := &VerifySummary{}

	idxs, err := openIndexes(packDir, idxNames)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	defer closeIndexes(idxs)
	byName := make(map[string]*object.PackIndex, len(idxs))

	for _, idx := range idxs {
		byName[idx.Name()] = idx
		n, err := verifyPack(packDir, idx)
		if err != nil {
			return nil, err
		}
		report.PackFiles++
		report.PackObjects += n
	}

	for _, name := range midxNames {
		if err := verifyMidx(packDir, name, byName); err != nil {
			return nil, err
		}
		report.MidxFiles++
	}

	f, err := bloom.Open(filepath.Join(packDir, bloom.FileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("verify: %w", err)
	default:
		defer f.Close()
		for _, n := range f.IdxNames() {
			idx, ok := byName[n]
			if !ok {
				continue
			}
			it := idx.Iter()
			for it.Next() {
				if !f.Exists(it.Hash()) {
					return nil, fmt.Errorf("verify bloom: %s from %s missing: %w", it.Hash(), n, object.ErrInvalidFormat)
				}
			}
		}
		report.Bloom = true
	}
	return report, nil
}

func verifyPack(packDir string, idx *object.PackIndex) (int, error) {
	packName := idx.PackName()
	if err := idx.Verify(); err != nil {
		return 0, fmt.Errorf("verify: %w", err)
	}

	p, err := object.OpenPack(filepath.Join(packDir, packName))
	if err != nil {
		return 0, fmt.Errorf("verify: %w", err)
	}
	defer p.Close()
	pf, err := p.Decode()
	if err != nil {
		return 0, fmt.Errorf("verify pack %s: %w", packName, err)
	}
	if pf.Checksum != idx.PackChecksum() {
		return 0, fmt.Errorf(
			"verify pack %s: checksum mismatch between idx (%s) and pack (%s): %w",
			packName,
			idx.PackChecksum(),
			pf.Checksum,
			object.ErrInvalidFormat,
		)
	}
	if len(pf.Entries) != idx.Len() {
		return 0, fmt.Errorf(
			"verify pack %s: idx entry count %d does not match pack entry count %d: %w",
			packName,
			idx.Len(),
			len(pf.Entries),
			object.ErrInvalidFormat,
		)
	}

	offsets := make(map[uint64]object.PackEntry, len(pf.Entries))
	for _, entry := range pf.Entries {
		offsets[entry.Offset] = entry
	}
	for i := 0; i < idx.Len(); i++ {
		want := idx.Entry(i)
		entry, ok := offsets[want.Offset]
		if !ok {
			return 0, fmt.Errorf("verify pack %s: no record at offset %d for %s: %w", packName, want.Offset, want.Hash, object.ErrInvalidFormat)
		}
		got, err := entry.Hash()
		if err != nil {
			return 0, fmt.Errorf("verify pack %s: %w", packName, err)
		}
		if got != want.Hash {
			return 0, fmt.Errorf("verify pack %s: record at %d hashes to %s, idx says %s: %w", packName, want.Offset, got, want.Hash, object.ErrInvalidFormat)
		}
		if entry.CRC32 != want.CRC32 {
			return 0, fmt.Errorf("verify pack %s: crc mismatch for %s: %w", packName, want.Hash, object.ErrInvalidFormat)
		}
	}
	return idx.Len(), nil
}

func verifyMidx(packDir, name string, idxs map[string]*object.PackIndex) error {
	m, err := midx.Open(filepath.Join(packDir, name))
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	defer m.Close()

	stale, err := m.IsStale(packDir)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if stale {
		return fmt.Errorf("verify midx %s: names idx files that no longer exist", name)
	}
	it := m.Iter()
	for it.Next() {
		h := it.Hash()
		src, _ := m.Find(h)
		idx, ok := idxs[src]
		if !ok || !idx.Exists(h) {
			return fmt.Errorf("verify midx %s: %s not in %s: %w", name, h, src, object.ErrInvalidFormat)
		}
	}
	return nil
}
