// Package repo manages a hoard repository on disk: its configuration, its
// pack directory and the refs that name saved snapshots.
//
// Layout:
//
//	<root>/hoard.toml
//	<root>/objects/pack/
//	<root>/refs/heads/
package repo

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/odvcencio/hoard/pkg/config"
	"github.com/odvcencio/hoard/pkg/store"
)

// Repo is an opened repository.
type Repo struct {
	Dir    string
	Config config.Config

	logger *zap.Logger
}

// Option customizes Init and Open.
type Option func(*Repo)

// WithLogger sets the logger handed to writers and readers.
func WithLogger(l *zap.Logger) Option {
	return func(r *Repo) {
		if l != nil {
			r.logger = l
		}
	}
}

func newRepo(dir string, cfg config.Config, opts []Option) *Repo {
	r := &Repo{Dir: dir, Config: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init creates a repository at path with cfg written to hoard.toml. It
// fails if path already holds a repository.
func Init(path string, cfg config.Config, opts ...Option) (*Repo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	if isRepo(path) {
		return nil, fmt.Errorf("init: repository already exists at %s", path)
	}

	dirs := []string{
		filepath.Join(path, "objects", "pack"),
		filepath.Join(path, "refs", "heads"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("init: mkdir %s: %w", d, err)
		}
	}
	if err := config.Write(filepath.Join(path, config.FileName), cfg); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return newRepo(path, cfg, opts), nil
}

// Open searches upward from path for a repository and opens it, loading
// its hoard.toml.
func Open(path string, opts ...Option) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open: abs path: %w", err)
	}

	cur := abs
	for {
		if isRepo(cur) {
			cfg, err := config.Load(filepath.Join(cur, config.FileName))
			if err != nil {
				return nil, fmt.Errorf("open: %w", err)
			}
			return newRepo(cur, cfg, opts), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, fmt.Errorf("open: %s is not in a hoard repository", abs)
		}
		cur = parent
	}
}

func isRepo(dir string) bool {
	for _, sub := range []string{filepath.Join("objects", "pack"), "refs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// PackDir is where packs, idx, midx and the bloom filter live.
func (r *Repo) PackDir() string {
	return filepath.Join(r.Dir, "objects", "pack")
}

// Logger returns the repository's logger.
func (r *Repo) Logger() *zap.Logger {
	return r.logger
}

// OpenIndexes loads the pack directory's indexes.
func (r *Repo) OpenIndexes() (*store.IndexSet, error) {
	return store.LoadIndexSet(r.PackDir(), r.logger)
}

// NewWriter starts a local write session that deduplicates against every
// pack already in the repository. Closing the writer does not close the
// returned IndexSet.
func (r *Repo) NewWriter(opts ...store.Option) (*store.Writer, *store.IndexSet, error) {
	idx, err := r.OpenIndexes()
	if err != nil {
		return nil, nil, err
	}
	opts = append([]store.Option{store.WithLogger(r.logger)}, opts...)
	w, err := store.NewWriter(store.NewLocalSink(r.PackDir(), r.logger), idx, r.Config.Store, opts...)
	if err != nil {
		idx.Close()
		return nil, nil, err
	}
	return w, idx, nil
}

// NewReader opens the repository for object reads.
func (r *Repo) NewReader() (*store.Reader, *store.IndexSet, error) {
	idx, err := r.OpenIndexes()
	if err != nil {
		return nil, nil, err
	}
	rd, err := store.NewReader(idx, store.DefaultPackCacheSize, r.logger)
	if err != nil {
		idx.Close()
		return nil, nil, err
	}
	return rd, idx, nil
}
