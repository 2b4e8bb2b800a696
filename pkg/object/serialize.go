package object

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// TreeObj
// ---------------------------------------------------------------------------

// treeSortKey is the key git sorts tree entries by: directories compare as
// if their name carried a trailing slash.
func treeSortKey(e TreeEntry) string {
	if e.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// SortTreeEntries sorts entries in place into git tree order.
func SortTreeEntries(entries []TreeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
}

// MarshalTree serializes a TreeObj in git's binary tree format:
//
//	<mode> SP <name> NUL <20-byte hash>
//
// Entries must already be in git order with unique names; MarshalTree panics
// otherwise.
func MarshalTree(tr *TreeObj) []byte {
	size := 0
	for i, e := range tr.Entries {
		if e.Name == "" || strings.ContainsAny(e.Name, "/\x00") {
			panic(fmt.Sprintf("object: invalid tree entry name %q", e.Name))
		}
		if i > 0 && treeSortKey(tr.Entries[i-1]) >= treeSortKey(e) {
			panic(fmt.Sprintf("object: tree entries out of order at %d: %q >= %q",
				i, tr.Entries[i-1].Name, e.Name))
		}
		size += len(e.Mode) + len(e.Name) + 2 + HashSize
	}

	buf := make([]byte, 0, size)
	for _, e := range tr.Entries {
		buf = append(buf, e.Mode...)
		buf = append(buf, ' ')
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
		buf = append(buf, e.Hash[:]...)
	}
	return buf
}

// UnmarshalTree parses a git binary tree.
func UnmarshalTree(data []byte) (*TreeObj, error) {
	tr := &TreeObj{}
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp <= 0 {
			return nil, fmt.Errorf("unmarshal tree: missing mode: %w", ErrInvalidFormat)
		}
		mode := string(data[:sp])
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul <= 0 {
			return nil, fmt.Errorf("unmarshal tree: missing name: %w", ErrInvalidFormat)
		}
		name := string(data[:nul])
		data = data[nul+1:]

		if len(data) < HashSize {
			return nil, fmt.Errorf("unmarshal tree: truncated hash for %q: %w", name, ErrInvalidFormat)
		}
		var h Hash
		copy(h[:], data[:HashSize])
		data = data[HashSize:]

		if err := validateTreeMode(mode); err != nil {
			return nil, fmt.Errorf("unmarshal tree: %w", err)
		}
		tr.Entries = append(tr.Entries, TreeEntry{Mode: mode, Name: name, Hash: h})
	}
	return tr, nil
}

func validateTreeMode(mode string) error {
	switch mode {
	case TreeModeDir, TreeModeFile, TreeModeExecutable, TreeModeSymlink:
		return nil
	default:
		return fmt.Errorf("unknown mode %q: %w", mode, ErrInvalidFormat)
	}
}

// ---------------------------------------------------------------------------
// CommitObj
// ---------------------------------------------------------------------------

// MarshalCommit serializes a CommitObj in git's commit format:
//
//	tree H
//	parent H     (zero or more)
//	author A
//	committer C
//
//	message
func MarshalCommit(c *CommitObj) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author)
	committer := c.Committer
	if committer == "" {
		committer = c.Author
	}
	fmt.Fprintf(&buf, "committer %s\n", committer)
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// UnmarshalCommit parses a CommitObj from its serialized form. Unknown
// headers (gpgsig, encoding, ...) are skipped.
func UnmarshalCommit(data []byte) (*CommitObj, error) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return nil, fmt.Errorf("unmarshal commit: missing header/message separator: %w", ErrInvalidFormat)
	}
	header := string(data[:idx])
	c := &CommitObj{Message: string(data[idx+2:])}

	for _, line := range strings.Split(header, "\n") {
		if strings.HasPrefix(line, " ") {
			continue // continuation of a multi-line header
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal commit: malformed header line %q: %w", line, ErrInvalidFormat)
		}
		switch key {
		case "tree":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: tree: %w", err)
			}
			c.Tree = h
		case "parent":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: parent: %w", err)
			}
			c.Parents = append(c.Parents, h)
		case "author":
			c.Author = val
		case "committer":
			c.Committer = val
		}
	}
	if c.Tree.IsZero() {
		return nil, fmt.Errorf("unmarshal commit: missing tree: %w", ErrInvalidFormat)
	}
	return c, nil
}
