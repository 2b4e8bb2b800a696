package store

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/odvcencio/hoard/pkg/hashsplit"
	"github.com/odvcencio/hoard/pkg/object"
)

// Reachable returns every object id reachable from roots by following
// commit and tree references. A missing object is an error.
func Reachable(ctx context.Context, src hashsplit.ObjectReader, roots []object.Hash) (map[object.Hash]struct{}, error) {
	out := make(map[object.Hash]struct{}, len(roots))
	stack := append([]object.Hash(nil), roots...)
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := out[h]; ok {
			continue
		}
		out[h] = struct{}{}

		t, data, err := src.Read(h)
		if err != nil {
			return nil, fmt.Errorf("reachable: %w", err)
		}
		refs, err := referencedHashes(t, data)
		if err != nil {
			return nil, fmt.Errorf("reachable: parse %s (%s): %w", h, t, err)
		}
		stack = append(stack, refs...)
	}
	return out, nil
}

func referencedHashes(t object.ObjectType, data []byte) ([]object.Hash, error) {
	switch t {
	case object.TypeBlob:
		return nil, nil
	case object.TypeCommit:
		c, err := object.UnmarshalCommit(data)
		if err != nil {
			return nil, err
		}
		return append([]object.Hash{c.Tree}, c.Parents...), nil
	case object.TypeTree:
		tree, err := object.UnmarshalTree(data)
		if err != nil {
			return nil, err
		}
		refs := make([]object.Hash, 0, len(tree.Entries))
		for _, e := range tree.Entries {
			refs = append(refs, e.Hash)
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("unsupported object type %q", t)
	}
}

// Export writes a self-contained pack of every object reachable from roots
// to w and returns its trailer checksum and object count.
func Export(ctx context.Context, src hashsplit.ObjectReader, roots []object.Hash, w io.Writer) (object.Hash, int, error) {
	set, err := Reachable(ctx, src, roots)
	if err != nil {
		return object.Hash{}, 0, err
	}
	ids := make([]object.Hash, 0, len(set))
	for h := range set {
		ids = append(ids, h)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })

	pw, err := object.NewPackWriter(w, uint32(len(ids)))
	if err != nil {
		return object.Hash{}, 0, fmt.Errorf("export: %w", err)
	}
	for _, h := range ids {
		if err := ctx.Err(); err != nil {
			return object.Hash{}, 0, err
		}
		t, data, err := src.Read(h)
		if err != nil {
			return object.Hash{}, 0, fmt.Errorf("export: %w", err)
		}
		if err := pw.WriteEntry(t, data); err != nil {
			return object.Hash{}, 0, fmt.Errorf("export %s: %w", h, err)
		}
	}
	sum, err := pw.Finish()
	if err != nil {
		return object.Hash{}, 0, fmt.Errorf("export: %w", err)
	}
	return sum, len(ids), nil
}
