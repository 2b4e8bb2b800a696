package hashsplit

import (
	"context"
	"fmt"
	"io"

	"github.com/odvcencio/hoard/pkg/object"
)

// ObjectReader fetches stored objects by id. store.Reader satisfies it.
type ObjectReader interface {
	Read(h object.Hash) (object.ObjectType, []byte, error)
}

// Join writes the bytes represented by a blob or chunk tree to w, returning
// the number of bytes written.
func Join(ctx context.Context, src ObjectReader, root object.Hash, w io.Writer) (int64, error) {
	var written int64
	stack := []object.Hash{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		objType, data, err := src.Read(h)
		if err != nil {
			return written, fmt.Errorf("join: read %s: %w", h, err)
		}
		switch objType {
		case object.TypeBlob:
			n, err := w.Write(data)
			written += int64(n)
			if err != nil {
				return written, fmt.Errorf("join: write: %w", err)
			}
		case object.TypeTree:
			tree, err := object.UnmarshalTree(data)
			if err != nil {
				return written, fmt.Errorf("join: parse tree %s: %w", h, err)
			}
			// Push in reverse so entries pop in stream order.
			for i := len(tree.Entries) - 1; i >= 0; i-- {
				stack = append(stack, tree.Entries[i].Hash)
			}
		default:
			return written, fmt.Errorf("join: %s is a %s, not file content", h, objType)
		}
	}
	return written, nil
}
