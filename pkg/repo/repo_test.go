package repo

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/hoard/pkg/config"
	"github.com/odvcencio/hoard/pkg/hashsplit"
	"github.com/odvcencio/hoard/pkg/object"
)

func initRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := Init(t.TempDir(), config.Default())
	require.NoError(t, err)
	return r
}

func hashN(n int) object.Hash {
	return object.HashObject(object.TypeBlob, []byte(fmt.Sprint(n)))
}

func TestInitAndOpen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.MaxPackObjects = 123
	_, err := Init(dir, cfg)
	require.NoError(t, err)
	for _, p := range []string{"objects/pack", "refs/heads", config.FileName} {
		_, err := os.Stat(filepath.Join(dir, p))
		require.NoError(t, err, "missing %s", p)
	}
	_, err = Init(dir, cfg)
	require.Error(t, err, "second Init")

	r, err := Open(filepath.Join(dir, "refs", "heads"))
	require.NoError(t, err)
	require.Equal(t, dir, r.Dir)
	require.Equal(t, 123, r.Config.Store.MaxPackObjects)

	_, err = Open(t.TempDir())
	require.Error(t, err, "Open of an empty directory")
}

func TestRefName(t *testing.T) {
	got, err := RefName("main")
	require.NoError(t, err)
	require.Equal(t, "refs/heads/main", got)
	got, err = RefName("refs/tags/v1")
	require.NoError(t, err)
	require.Equal(t, "refs/tags/v1", got)
	for _, bad := range []string{"", "a//b", "../x", "x.lock", "refs/heads/"} {
		_, err := RefName(bad)
		require.Error(t, err, "RefName(%q)", bad)
	}
}

func TestResolveRef(t *testing.T) {
	r := initRepo(t)
	_, err := r.ResolveRef("main")
	require.ErrorIs(t, err, ErrRefNotFound)

	h := hashN(1)
	require.NoError(t, r.UpdateRef("main", h))
	for _, name := range []string{"main", "refs/heads/main", h.String()} {
		got, err := r.ResolveRef(name)
		require.NoError(t, err, "ResolveRef(%s)", name)
		require.Equal(t, h, got, "ResolveRef(%s)", name)
	}
}

func TestUpdateRefCAS_ConcurrentSingleWinner(t *testing.T) {
	r := initRepo(t)
	base := hashN(0)
	require.NoError(t, r.UpdateRef("main", base))

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	successCh := make(chan object.Hash, workers)
	errCh := make(chan error, workers)

	for i := 0; i < workers; i++ {
		i := i
		go func() {
			defer wg.Done()
			next := hashN(i + 1)
			if err := r.UpdateRefCAS("main", next, base); err != nil {
				errCh <- err
				return
			}
			successCh <- next
		}()
	}
	wg.Wait()
	close(successCh)
	close(errCh)

	var winners []object.Hash
	for h := range successCh {
		winners = append(winners, h)
	}
	require.Len(t, winners, 1, "successful CAS updates")
	for err := range errCh {
		require.ErrorIs(t, err, ErrRefCASMismatch)
	}

	got, err := r.ResolveRef("main")
	require.NoError(t, err)
	require.Equal(t, winners[0], got)
}

func TestUpdateRefCAS_ExpectAbsent(t *testing.T) {
	r := initRepo(t)
	require.NoError(t, r.UpdateRefCAS("main", hashN(1), object.Hash{}))
	require.ErrorIs(t, r.UpdateRefCAS("main", hashN(2), object.Hash{}), ErrRefCASMismatch)

	lockPath := filepath.Join(r.Dir, "refs", "heads", "main.lock")
	_, err := os.Stat(lockPath)
	require.ErrorIs(t, err, os.ErrNotExist, "lingering lockfile")
}

func TestListRefs(t *testing.T) {
	r := initRepo(t)
	require.NoError(t, r.UpdateRef("main", hashN(1)))
	require.NoError(t, r.UpdateRef("refs/tags/v1", hashN(2)))

	all, err := r.ListRefs("")
	require.NoError(t, err)
	require.Equal(t, map[string]object.Hash{"heads/main": hashN(1), "tags/v1": hashN(2)}, all)

	heads, err := r.ListRefs("heads")
	require.NoError(t, err)
	require.Len(t, heads, 1)

	none, err := r.ListRefs("remotes")
	require.NoError(t, err)
	require.Empty(t, none)
}

func writeFixture(t *testing.T, root string) []byte {
	t.Helper()
	big := make([]byte, 200_000)
	rand.New(rand.NewSource(7)).Read(big)
	files := map[string][]byte{
		"a.txt":     []byte("hello\n"),
		"big.bin":   big,
		"sub/x":     []byte("nested\n"),
		"sub/empty": nil,
		"run.sh":    []byte("#!/bin/sh\n"),
	}
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
	require.NoError(t, os.Chmod(filepath.Join(root, "run.sh"), 0o755))
	return big
}

func readBack(t *testing.T, r *Repo, spec string) ([]byte, string) {
	t.Helper()
	rd, idx, err := r.NewReader()
	require.NoError(t, err)
	defer idx.Close()
	defer rd.Close()

	h, mode, err := r.Resolve(rd, spec)
	require.NoError(t, err, "Resolve(%s)", spec)
	var buf bytes.Buffer
	_, err = hashsplit.Join(context.Background(), rd, h, &buf)
	require.NoError(t, err, "Join(%s)", spec)
	return buf.Bytes(), mode
}

func TestSaveAndResolve(t *testing.T) {
	r := initRepo(t)
	src := filepath.Join(t.TempDir(), "data")
	big := writeFixture(t, src)

	var progressed int
	res, err := r.Save(context.Background(), []string{src}, SaveOptions{
		Branch:   "main",
		Message:  "first",
		Progress: func(string, int64) { progressed++ },
	})
	require.NoError(t, err)
	require.Equal(t, 5, res.Files)
	require.Equal(t, 5, progressed)
	require.Equal(t, int64(len(big))+6+7+10, res.Bytes)
	require.Len(t, res.Packs, 1)

	head, err := r.ResolveRef("main")
	require.NoError(t, err)
	require.Equal(t, res.Commit, head)

	got, mode := readBack(t, r, "main:data/big.bin")
	require.True(t, bytes.Equal(big, got), "big.bin read back %d bytes, want %d", len(got), len(big))
	require.Equal(t, object.TreeModeFile, mode)

	got, _ = readBack(t, r, "main:data/sub/x")
	require.Equal(t, "nested\n", string(got))
	got, _ = readBack(t, r, "main:data/sub/empty")
	require.Empty(t, got)
	_, mode = readBack(t, r, "main:data/run.sh")
	require.Equal(t, object.TreeModeExecutable, mode)
	_, mode = readBack(t, r, "main:data/sub")
	require.Equal(t, object.TreeModeDir, mode)

	// An unchanged tree costs one new object: the commit.
	res2, err := r.Save(context.Background(), []string{src}, SaveOptions{Branch: "main", Message: "second"})
	require.NoError(t, err)
	require.Equal(t, res.Tree, res2.Tree)
	require.Equal(t, res.Commit, res2.Parent)
	require.Len(t, res2.Packs, 1)
}

func TestResolveErrors(t *testing.T) {
	r := initRepo(t)
	src := filepath.Join(t.TempDir(), "data")
	writeFixture(t, src)
	_, err := r.Save(context.Background(), []string{src}, SaveOptions{Branch: "main"})
	require.NoError(t, err)

	rd, idx, err := r.NewReader()
	require.NoError(t, err)
	defer idx.Close()
	defer rd.Close()

	_, _, err = r.Resolve(rd, "main:data/missing")
	require.ErrorIs(t, err, object.ErrNotFound)
	_, _, err = r.Resolve(rd, "main:data/a.txt/deeper")
	require.Error(t, err, "path through a file")
	_, _, err = r.Resolve(rd, "nope")
	require.ErrorIs(t, err, ErrRefNotFound)
}

func TestSaveMissingPathLeavesNoTrace(t *testing.T) {
	r := initRepo(t)
	_, err := r.Save(context.Background(), []string{filepath.Join(t.TempDir(), "gone")}, SaveOptions{Branch: "main"})
	require.Error(t, err)

	_, err = r.ResolveRef("main")
	require.ErrorIs(t, err, ErrRefNotFound)
	entries, err := os.ReadDir(r.PackDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}
