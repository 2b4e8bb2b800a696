package main

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/hoard/pkg/object"
	"github.com/odvcencio/hoard/pkg/repo"
)

func runHoard(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func mustRun(t *testing.T, stdin io.Reader, args ...string) (string, string) {
	t.Helper()
	stdout, stderr, err := runHoard(t, stdin, args...)
	require.NoError(t, err, "hoard %s\nstdout:\n%s\nstderr:\n%s", strings.Join(args, " "), stdout, stderr)
	return stdout, stderr
}

func initCmdRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	out, _ := mustRun(t, nil, "init", dir)
	require.Contains(t, out, "initialized empty hoard repository")
	return dir
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func writeCmdFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func TestVersionCmd(t *testing.T) {
	out, _ := mustRun(t, nil, "version")
	require.Equal(t, "hoard "+version+"\n", out)
}

func TestInitTwiceFails(t *testing.T) {
	dir := initCmdRepo(t)
	_, _, err := runHoard(t, nil, "init", dir)
	require.Error(t, err)
}

func TestSaveJoinRefsVerify(t *testing.T) {
	dir := initCmdRepo(t)
	src := filepath.Join(t.TempDir(), "docs")
	big := randomBytes(150_000, 1)
	writeCmdFile(t, filepath.Join(src, "big.bin"), big)
	writeCmdFile(t, filepath.Join(src, "notes", "todo.txt"), []byte("buy milk\n"))

	out, _ := mustRun(t, nil, "-r", dir, "save", "-n", "main", "-m", "first", src)
	require.True(t, strings.HasPrefix(out, "saved "), "save output = %q", out)
	require.Contains(t, out, "2 file(s)")

	got, _ := mustRun(t, nil, "-r", dir, "join", "main:docs/big.bin", "main:docs/notes/todo.txt")
	want := string(big) + "buy milk\n"
	require.True(t, got == want, "join returned %d bytes, want %d", len(got), len(want))

	refs, _ := mustRun(t, nil, "-r", dir, "refs")
	require.Contains(t, refs, " refs/heads/main\n")

	verify, _ := mustRun(t, nil, "-r", dir, "verify")
	require.Contains(t, verify, "ok: verified 1 pack file(s)")
	require.Contains(t, verify, "no bloom filter")

	_, _, err := runHoard(t, nil, "-r", dir, "join", "main:docs/missing")
	require.Error(t, err, "join of a missing path")
}

func TestSplitNameCommitsTree(t *testing.T) {
	dir := initCmdRepo(t)
	data := randomBytes(100_000, 2)

	out, _ := mustRun(t, bytes.NewReader(data), "-r", dir, "split", "-n", "stream")
	lines := strings.Fields(out)
	require.Len(t, lines, 2, "split output = %q, want tree and commit ids", out)

	r, err := repo.Open(dir)
	require.NoError(t, err)
	head, err := r.ResolveRef("stream")
	require.NoError(t, err)
	require.Equal(t, lines[1], head.String())

	for _, spec := range []string{"stream", lines[0]} {
		got, _ := mustRun(t, nil, "-r", dir, "join", spec)
		require.True(t, bytes.Equal([]byte(got), data), "join %s returned %d bytes, want %d", spec, len(got), len(data))
	}
}

func TestSplitStreamIntoReceive(t *testing.T) {
	sender := initCmdRepo(t)
	receiver := initCmdRepo(t)
	cfg := filepath.Join(t.TempDir(), "small.toml")
	writeCmdFile(t, cfg, []byte("[store]\nmax_pack_objects = 8\n"))
	data := randomBytes(300_000, 3)

	stream, rootLine := mustRun(t, bytes.NewReader(data), "-r", sender, "--config", cfg, "split", "--stream")
	root := strings.TrimSpace(rootLine)
	_, err := object.ParseHash(root)
	require.NoError(t, err, "split --stream stderr = %q", rootLine)

	out, _ := mustRun(t, strings.NewReader(stream), "-r", receiver, "receive")
	require.GreaterOrEqual(t, strings.Count(out, "received pack-"), 2, "receive output = %q", out)

	got, _ := mustRun(t, nil, "-r", receiver, "join", root)
	require.True(t, bytes.Equal([]byte(got), data), "join returned %d bytes, want %d", len(got), len(data))
	mustRun(t, nil, "-r", receiver, "verify")

	// The sender's own repository stays empty.
	entries, err := os.ReadDir(filepath.Join(sender, "objects", "pack"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReceiveEmptyStream(t *testing.T) {
	dir := initCmdRepo(t)
	out, _ := mustRun(t, strings.NewReader(""), "-r", dir, "receive")
	require.Equal(t, "nothing received\n", out)
}

func TestMidxBloomVerify(t *testing.T) {
	dir := initCmdRepo(t)
	for i, seed := range []int64{4, 5, 6} {
		mustRun(t, bytes.NewReader(randomBytes(50_000+i, seed)), "-r", dir, "split")
	}

	out, _ := mustRun(t, nil, "-r", dir, "midx")
	require.True(t, strings.HasPrefix(out, "wrote midx-"), "midx output = %q", out)
	out, _ = mustRun(t, nil, "-r", dir, "bloom")
	require.True(t, strings.HasPrefix(out, "rebuilt bloom filter"), "first bloom output = %q", out)
	out, _ = mustRun(t, nil, "-r", dir, "bloom")
	require.True(t, strings.HasPrefix(out, "updated bloom filter: 0 added"), "second bloom output = %q", out)

	out, _ = mustRun(t, nil, "-r", dir, "verify")
	require.Contains(t, out, "3 pack file(s)")
	require.Contains(t, out, "1 midx file(s)")
	require.Contains(t, out, "bloom filter ok")
}

func TestExportWritesGitPack(t *testing.T) {
	dir := initCmdRepo(t)
	src := filepath.Join(t.TempDir(), "tree")
	writeCmdFile(t, filepath.Join(src, "a"), []byte("alpha\n"))
	writeCmdFile(t, filepath.Join(src, "b"), []byte("beta\n"))
	mustRun(t, nil, "-r", dir, "save", "-n", "main", src)

	packPath := filepath.Join(t.TempDir(), "export.pack")
	_, stderr := mustRun(t, nil, "-r", dir, "export", "-o", packPath, "main")
	// commit, root tree, "tree" directory and two blobs
	require.Contains(t, stderr, "exported 5 object(s)")

	data, err := os.ReadFile(packPath)
	require.NoError(t, err)
	pf, err := object.ReadPack(data)
	require.NoError(t, err)
	require.Len(t, pf.Entries, 5)
}

func TestConfigOverrideAndMetricsFile(t *testing.T) {
	dir := initCmdRepo(t)
	cfg := filepath.Join(t.TempDir(), "hoard.toml")
	writeCmdFile(t, cfg, []byte("[store]\nmax_pack_objects = 4\n"))
	src := filepath.Join(t.TempDir(), "many")
	for i := 0; i < 10; i++ {
		writeCmdFile(t, filepath.Join(src, string(rune('a'+i))), []byte(strings.Repeat("x", i+1)))
	}
	metricsPath := filepath.Join(t.TempDir(), "hoard.prom")

	out, _ := mustRun(t, nil, "-r", dir, "--config", cfg, "save", "-n", "main", "--metrics-file", metricsPath, src)
	// 10 blobs, 2 trees and a commit in packs of at most 4 objects
	require.Contains(t, out, "4 new pack(s)")

	prom, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	require.Contains(t, string(prom), `hoard_store_objects_written_total{type="blob"} 10`)
	require.Contains(t, string(prom), `hoard_store_packs_finalized_total 4`)

	_, _, err = runHoard(t, nil, "-r", dir, "--config", filepath.Join(t.TempDir(), "absent.toml"), "verify")
	require.Error(t, err, "missing --config file accepted")
}
