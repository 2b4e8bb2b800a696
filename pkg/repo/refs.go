package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/hoard/pkg/object"
)

var (
	// ErrRefCASMismatch means a ref moved between read and update.
	ErrRefCASMismatch = errors.New("ref compare-and-swap mismatch")
	// ErrRefNotFound means no ref by that name exists.
	ErrRefNotFound = errors.New("ref not found")
)

const (
	refLockRetryDelay = 5 * time.Millisecond
	refLockWaitLimit  = 2 * time.Second
)

// RefName expands a branch name to its full ref path. Names already under
// refs/ are returned unchanged.
func RefName(name string) (string, error) {
	if !strings.HasPrefix(name, "refs/") {
		name = "refs/heads/" + name
	}
	for _, part := range strings.Split(strings.TrimPrefix(name, "refs/"), "/") {
		if part == "" || part == "." || part == ".." || strings.HasSuffix(part, ".lock") {
			return "", fmt.Errorf("invalid ref name %q", name)
		}
	}
	return name, nil
}

// ResolveRef returns the hash a ref names. A 40-character hex string
// resolves to itself.
func (r *Repo) ResolveRef(name string) (object.Hash, error) {
	if len(name) == 2*object.HashSize {
		if h, err := object.ParseHash(name); err == nil {
			return h, nil
		}
	}
	full, err := RefName(name)
	if err != nil {
		return object.Hash{}, err
	}
	h, err := readRefHash(filepath.Join(r.Dir, filepath.FromSlash(full)))
	if err != nil {
		return object.Hash{}, fmt.Errorf("resolve ref %q: %w", name, err)
	}
	if h.IsZero() {
		return object.Hash{}, fmt.Errorf("resolve ref %q: %w", name, ErrRefNotFound)
	}
	return h, nil
}

// UpdateRef points a ref at h unconditionally.
func (r *Repo) UpdateRef(name string, h object.Hash) error {
	return r.UpdateRefCAS(name, h)
}

// UpdateRefCAS points a ref at h using lockfile + rename. If expectedOld is
// given the update only happens when the ref currently holds it; the zero
// hash expects the ref not to exist yet.
func (r *Repo) UpdateRefCAS(name string, h object.Hash, expectedOld ...object.Hash) error {
	if len(expectedOld) > 1 {
		return fmt.Errorf("update ref %q: expected at most one old hash", name)
	}
	full, err := RefName(name)
	if err != nil {
		return fmt.Errorf("update ref: %w", err)
	}
	refPath := filepath.Join(r.Dir, filepath.FromSlash(full))
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return fmt.Errorf("update ref %q: mkdir: %w", full, err)
	}

	lockPath := refPath + ".lock"
	lockFile, err := acquireRefLock(lockPath)
	if err != nil {
		return fmt.Errorf("update ref %q: lock: %w", full, err)
	}
	cleanupLock := true
	defer func() {
		if lockFile != nil {
			_ = lockFile.Close()
		}
		if cleanupLock {
			_ = os.Remove(lockPath)
		}
	}()

	oldHash, err := readRefHash(refPath)
	if err != nil {
		return fmt.Errorf("update ref %q: read old hash: %w", full, err)
	}
	if len(expectedOld) == 1 && oldHash != expectedOld[0] {
		return fmt.Errorf(
			"update ref %q: %w (expected %s, found %s)",
			full,
			ErrRefCASMismatch,
			expectedOld[0],
			oldHash,
		)
	}

	if _, err := lockFile.WriteString(h.String() + "\n"); err != nil {
		return fmt.Errorf("update ref %q: write: %w", full, err)
	}
	if err := lockFile.Sync(); err != nil {
		return fmt.Errorf("update ref %q: sync: %w", full, err)
	}
	if err := lockFile.Close(); err != nil {
		lockFile = nil
		return fmt.Errorf("update ref %q: close: %w", full, err)
	}
	lockFile = nil

	if err := os.Rename(lockPath, refPath); err != nil {
		return fmt.Errorf("update ref %q: rename: %w", full, err)
	}
	cleanupLock = false
	return nil
}

func acquireRefLock(lockPath string) (*os.File, error) {
	deadline := time.Now().Add(refLockWaitLimit)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if os.IsExist(err) {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
			}
			time.Sleep(refLockRetryDelay)
			continue
		}
		return nil, err
	}
}

// readRefHash returns the zero hash for a missing ref.
func readRefHash(refPath string) (object.Hash, error) {
	data, err := os.ReadFile(refPath)
	if err != nil {
		if os.IsNotExist(err) {
			return object.Hash{}, nil
		}
		return object.Hash{}, err
	}
	return object.ParseHash(strings.TrimSpace(string(data)))
}

// ListRefs lists refs under refs/<prefix>, keyed by their path relative to
// refs/, e.g. "heads/main".
func (r *Repo) ListRefs(prefix string) (map[string]object.Hash, error) {
	root := filepath.Join(r.Dir, "refs")
	dir := root
	if strings.TrimSpace(prefix) != "" {
		dir = filepath.Join(root, filepath.FromSlash(prefix))
	}

	refs := make(map[string]object.Hash)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		h, err := readRefHash(path)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		refs[filepath.ToSlash(rel)] = h
		return nil
	})
	if os.IsNotExist(err) {
		return refs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return refs, nil
}
