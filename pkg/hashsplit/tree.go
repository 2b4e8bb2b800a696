package hashsplit

import (
	"fmt"
	"math/bits"
	"strconv"

	"github.com/odvcencio/hoard/pkg/object"
)

// MaxPerTree bounds the number of entries in any chunk tree.
const MaxPerTree = 256

// DefaultFanout is the number of chunks a level boundary groups on average.
const DefaultFanout = 16

// ObjectWriter stores an object and returns its id. store.Writer satisfies it.
type ObjectWriter interface {
	MaybeWrite(objType object.ObjectType, data []byte) (object.Hash, error)
}

// Leaf is one chunk handed to the assembler.
type Leaf struct {
	Mode string // defaults to object.TreeModeFile
	Hash object.Hash
	Size int64
	Bits int
}

type stackEntry struct {
	mode string
	hash object.Hash
	size int64
}

// TreeAssembler folds a stream of chunk ids into a hierarchy of trees. A
// chunk whose boundary carried L levels of extra bits closes the open trees
// of the L lowest levels, so identical content regions tend to produce
// identical subtrees regardless of what precedes them.
type TreeAssembler struct {
	w       ObjectWriter
	fanBits int // zero disables fan-out: one flat tree
	stacks  [][]stackEntry
	done    bool
}

// NewTreeAssembler writes trees through w. fanout must be zero (flat) or a
// power of two of at least 2.
func NewTreeAssembler(w ObjectWriter, fanout int) (*TreeAssembler, error) {
	fanBits := 0
	if fanout != 0 {
		if fanout < 2 || fanout&(fanout-1) != 0 {
			return nil, fmt.Errorf("hashsplit: fanout must be 0 or a power of two >= 2, got %d", fanout)
		}
		fanBits = bits.TrailingZeros(uint(fanout))
	}
	return &TreeAssembler{
		w:       w,
		fanBits: fanBits,
		stacks:  make([][]stackEntry, 1),
	}, nil
}

// Add appends one leaf in stream order.
func (a *TreeAssembler) Add(leaf Leaf) error {
	if a.done {
		return fmt.Errorf("hashsplit: add after finish")
	}
	if leaf.Size <= 0 {
		return fmt.Errorf("hashsplit: leaf %s has non-positive size %d", leaf.Hash, leaf.Size)
	}
	mode := leaf.Mode
	if mode == "" {
		mode = object.TreeModeFile
	}
	a.stacks[0] = append(a.stacks[0], stackEntry{mode: mode, hash: leaf.Hash, size: leaf.Size})
	if a.fanBits == 0 {
		return nil
	}
	return a.squish(leaf.Bits / a.fanBits)
}

// squish flushes every stack below level n, and any stack holding
// MaxPerTree entries, into the stack above it. Flushing at MaxPerTree rather
// than past it keeps every written tree within MaxPerTree entries.
func (a *TreeAssembler) squish(n int) error {
	for i := 0; i < n || len(a.stacks[i]) >= MaxPerTree; i++ {
		for len(a.stacks) <= i+1 {
			a.stacks = append(a.stacks, nil)
		}
		switch len(a.stacks[i]) {
		case 0:
		case 1:
			// A one-entry subtree would only add an indirection.
			a.stacks[i+1] = append(a.stacks[i+1], a.stacks[i][0])
		default:
			h, size, err := a.writeTree(a.stacks[i])
			if err != nil {
				return err
			}
			a.stacks[i+1] = append(a.stacks[i+1], stackEntry{mode: object.TreeModeDir, hash: h, size: size})
		}
		a.stacks[i] = nil
	}
	return nil
}

func (a *TreeAssembler) finishStacks() ([]stackEntry, error) {
	if a.done {
		return nil, fmt.Errorf("hashsplit: finish called twice")
	}
	a.done = true
	if a.fanBits > 0 {
		if err := a.squish(len(a.stacks) - 1); err != nil {
			return nil, err
		}
	}
	return a.stacks[len(a.stacks)-1], nil
}

// Finish flushes all open levels and returns the root tree.
func (a *TreeAssembler) Finish() (object.Hash, error) {
	top, err := a.finishStacks()
	if err != nil {
		return object.Hash{}, err
	}
	h, _, err := a.writeTree(top)
	return h, err
}

// FinishBlobOrTree is Finish, except that when the top level holds a single
// entry that entry is returned as is. ok is false when nothing was added.
func (a *TreeAssembler) FinishBlobOrTree() (mode string, h object.Hash, ok bool, err error) {
	top, err := a.finishStacks()
	if err != nil {
		return "", object.Hash{}, false, err
	}
	switch len(top) {
	case 0:
		return "", object.Hash{}, false, nil
	case 1:
		return top[0].mode, top[0].hash, true, nil
	default:
		h, _, err := a.writeTree(top)
		return object.TreeModeDir, h, err == nil, err
	}
}

// writeTree names entries by their byte offset within the tree, in hex
// padded to the width of the total, so that name order is stream order.
func (a *TreeAssembler) writeTree(entries []stackEntry) (object.Hash, int64, error) {
	var total int64
	for _, e := range entries {
		total += e.size
	}
	width := len(strconv.FormatInt(total, 16))

	tree := &object.TreeObj{Entries: make([]object.TreeEntry, 0, len(entries))}
	var ofs int64
	for _, e := range entries {
		tree.Entries = append(tree.Entries, object.TreeEntry{
			Mode: e.mode,
			Name: fmt.Sprintf("%0*x", width, ofs),
			Hash: e.hash,
		})
		ofs += e.size
	}

	h, err := a.w.MaybeWrite(object.TypeTree, object.MarshalTree(tree))
	if err != nil {
		return object.Hash{}, 0, fmt.Errorf("hashsplit: write tree: %w", err)
	}
	return h, total, nil
}
