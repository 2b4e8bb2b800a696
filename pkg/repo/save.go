package repo

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/odvcencio/hoard/pkg/hashsplit"
	"github.com/odvcencio/hoard/pkg/object"
	"github.com/odvcencio/hoard/pkg/store"
)

// ChunkedSuffix marks a tree entry that holds a file's chunk tree rather
// than a directory.
const ChunkedSuffix = ".bup"

// DefaultAuthor signs commits that name no author.
const DefaultAuthor = "hoard <hoard@localhost>"

// SaveOptions describes the commit Save creates.
type SaveOptions struct {
	Branch  string
	Message string
	// Author is "Name <email>".
	Author string
	// Time defaults to now.
	Time time.Time
	// Progress, if set, is called after each file is stored.
	Progress func(path string, size int64)
	// Writer options apply to Save's write session.
	Writer []store.Option
}

// SaveResult reports a finished Save.
type SaveResult struct {
	Commit object.Hash
	Tree   object.Hash
	Parent object.Hash
	Files  int
	Bytes  int64
	Packs  []string
}

type saver struct {
	ctx  context.Context
	w    *store.Writer
	cfg  hashsplit.Config
	fan  int
	opts SaveOptions
	res  *SaveResult
	log  *zap.Logger
}

// Save stores paths as one snapshot commit on opts.Branch. Each path
// becomes a top-level entry named by its base name. Files that split into
// more than one chunk are stored as chunk trees named <file>.bup. The branch
// moves only after the packs holding the snapshot are finalized, and only if
// nobody else moved it meanwhile.
func (r *Repo) Save(ctx context.Context, paths []string, opts SaveOptions) (*SaveResult, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("save: no paths")
	}
	if opts.Branch == "" {
		return nil, fmt.Errorf("save: no branch")
	}
	ref, err := RefName(opts.Branch)
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	w, idx, err := r.NewWriter(opts.Writer...)
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	defer idx.Close()

	res := &SaveResult{}
	s := &saver{
		ctx:  ctx,
		w:    w,
		cfg:  r.Config.Chunker,
		fan:  r.Config.Store.Fanout,
		opts: opts,
		res:  res,
		log:  r.logger,
	}

	var commit object.Hash
	tree, err := s.snapshot(paths)
	if err == nil {
		commit, res.Parent, err = r.WriteCommit(w, tree, opts)
	}
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			r.logger.Warn("abort write session", zap.Error(abortErr))
		}
		return nil, fmt.Errorf("save: %w", err)
	}
	if _, err := w.Close(); err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	res.Commit = commit
	res.Packs = w.Packs()

	if err := r.UpdateRefCAS(ref, commit, res.Parent); err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	r.logger.Info("saved snapshot",
		zap.String("ref", ref),
		zap.Stringer("commit", commit),
		zap.Int("files", res.Files),
		zap.Int64("bytes", res.Bytes),
		zap.Int("packs", len(res.Packs)),
	)
	return res, nil
}

func (s *saver) snapshot(paths []string) (object.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(paths))
	for _, p := range paths {
		e, err := s.entry(p, filepath.Base(filepath.Clean(p)))
		if err != nil {
			return object.Hash{}, err
		}
		if e != nil {
			entries = append(entries, *e)
		}
	}
	tree, err := s.writeTree(entries)
	if err != nil {
		return object.Hash{}, err
	}
	s.res.Tree = tree
	return tree, nil
}

// WriteCommit writes a commit of tree on top of opts.Branch's current head
// and returns it with that parent. The caller moves the branch with
// UpdateRefCAS(opts.Branch, commit, parent) once the commit is in a
// finalized pack.
func (r *Repo) WriteCommit(w hashsplit.ObjectWriter, tree object.Hash, opts SaveOptions) (commit, parent object.Hash, err error) {
	ref, err := RefName(opts.Branch)
	if err != nil {
		return object.Hash{}, object.Hash{}, err
	}
	parent, err = readRefHash(filepath.Join(r.Dir, filepath.FromSlash(ref)))
	if err != nil {
		return object.Hash{}, object.Hash{}, fmt.Errorf("read %s: %w", ref, err)
	}
	if opts.Time.IsZero() {
		opts.Time = time.Now()
	}
	if opts.Author == "" {
		opts.Author = DefaultAuthor
	}

	c := &object.CommitObj{
		Tree:    tree,
		Author:  fmt.Sprintf("%s %d %s", opts.Author, opts.Time.Unix(), opts.Time.Format("-0700")),
		Message: opts.Message,
	}
	if !parent.IsZero() {
		c.Parents = []object.Hash{parent}
	}
	if c.Message != "" && !strings.HasSuffix(c.Message, "\n") {
		c.Message += "\n"
	}
	commit, err = w.MaybeWrite(object.TypeCommit, object.MarshalCommit(c))
	if err != nil {
		return object.Hash{}, object.Hash{}, err
	}
	return commit, parent, nil
}

// entry stores the file tree at path and returns its tree entry, or nil
// for file types that are not saved.
func (s *saver) entry(path, name string) (*object.TreeEntry, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	switch mode := info.Mode(); {
	case mode.IsDir():
		h, err := s.dir(path)
		if err != nil {
			return nil, err
		}
		return &object.TreeEntry{Mode: object.TreeModeDir, Name: name, Hash: h}, nil

	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		h, err := s.w.MaybeWrite(object.TypeBlob, []byte(target))
		if err != nil {
			return nil, err
		}
		return &object.TreeEntry{Mode: object.TreeModeSymlink, Name: name, Hash: h}, nil

	case mode.IsRegular():
		return s.file(path, name, mode)

	default:
		s.log.Debug("skipping special file", zap.String("path", path), zap.Stringer("mode", mode))
		return nil, nil
	}
}

func (s *saver) file(path, name string, mode fs.FileMode) (*object.TreeEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var size int64
	progress := hashsplit.WithProgress(func(c hashsplit.Chunk) { size += int64(len(c.Data)) })
	gitMode, h, err := hashsplit.SplitToBlobOrTree(f, s.w, s.cfg, s.fan, progress)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	switch {
	case gitMode == object.TreeModeDir:
		name += ChunkedSuffix
	case mode&0o111 != 0:
		gitMode = object.TreeModeExecutable
	}

	s.res.Files++
	s.res.Bytes += size
	if s.opts.Progress != nil {
		s.opts.Progress(path, size)
	}
	return &object.TreeEntry{Mode: gitMode, Name: name, Hash: h}, nil
}

func (s *saver) dir(path string) (object.Hash, error) {
	des, err := os.ReadDir(path)
	if err != nil {
		return object.Hash{}, err
	}
	entries := make([]object.TreeEntry, 0, len(des))
	for _, de := range des {
		e, err := s.entry(filepath.Join(path, de.Name()), de.Name())
		if err != nil {
			return object.Hash{}, err
		}
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return s.writeTree(entries)
}

func (s *saver) writeTree(entries []object.TreeEntry) (object.Hash, error) {
	object.SortTreeEntries(entries)
	for i := 1; i < len(entries); i++ {
		if entries[i].Name == entries[i-1].Name {
			return object.Hash{}, fmt.Errorf("duplicate entry name %q", entries[i].Name)
		}
	}
	return s.w.MaybeWrite(object.TypeTree, object.MarshalTree(&object.TreeObj{Entries: entries}))
}

// Resolve turns "<rev>" or "<rev>:<path>" into an object id and the mode
// of what it names. rev is a ref or hash; a commit resolves to its tree.
// Path components match either the saved name or the name with
// ChunkedSuffix. Chunked files report object.TreeModeFile.
func (r *Repo) Resolve(src hashsplit.ObjectReader, spec string) (object.Hash, string, error) {
	rev, path, _ := strings.Cut(spec, ":")
	h, err := r.ResolveRef(rev)
	if err != nil {
		return object.Hash{}, "", err
	}
	t, data, err := src.Read(h)
	if err != nil {
		return object.Hash{}, "", fmt.Errorf("resolve %s: %w", spec, err)
	}
	if t == object.TypeCommit {
		c, err := object.UnmarshalCommit(data)
		if err != nil {
			return object.Hash{}, "", fmt.Errorf("resolve %s: %w", spec, err)
		}
		h = c.Tree
		if t, data, err = src.Read(h); err != nil {
			return object.Hash{}, "", fmt.Errorf("resolve %s: %w", spec, err)
		}
	}

	mode := object.TreeModeFile
	if t == object.TypeTree {
		mode = object.TreeModeDir
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if mode != object.TreeModeDir {
			return object.Hash{}, "", fmt.Errorf("resolve %s: %s: not a directory", spec, part)
		}
		tree, err := object.UnmarshalTree(data)
		if err != nil {
			return object.Hash{}, "", fmt.Errorf("resolve %s: %w", spec, err)
		}
		e, ok := lookupEntry(tree, part)
		if !ok {
			return object.Hash{}, "", fmt.Errorf("resolve %s: %s: %w", spec, part, object.ErrNotFound)
		}
		h, mode = e.Hash, e.Mode
		if e.Name != part {
			mode = object.TreeModeFile
		}
		if mode == object.TreeModeDir {
			if _, data, err = src.Read(h); err != nil {
				return object.Hash{}, "", fmt.Errorf("resolve %s: %w", spec, err)
			}
		}
	}
	return h, mode, nil
}

// lookupEntry prefers an exact name over a chunked file of that name.
func lookupEntry(tree *object.TreeObj, name string) (object.TreeEntry, bool) {
	var chunked *object.TreeEntry
	for i, e := range tree.Entries {
		switch e.Name {
		case name:
			return e, true
		case name + ChunkedSuffix:
			if e.IsDir() {
				chunked = &tree.Entries[i]
			}
		}
	}
	if chunked != nil {
		return *chunked, true
	}
	return object.TreeEntry{}, false
}
