package object

import "errors"

// ObjectType identifies the kind of object stored.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
)

const (
	// Tree mode constants compatible with Git's canonical mode strings.
	TreeModeDir        = "40000"
	TreeModeFile       = "100644"
	TreeModeExecutable = "100755"
	TreeModeSymlink    = "120000"
)

var (
	// ErrInvalidFormat marks malformed pack, idx, midx and bloom data:
	// bad magic, unsupported version, truncation or checksum mismatch.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrNotFound is returned when an object is in none of the indexes.
	ErrNotFound = errors.New("object not found")
)

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Mode string
	Name string
	Hash Hash
}

// IsDir reports whether the entry points at a subtree.
func (e TreeEntry) IsDir() bool {
	return e.Mode == TreeModeDir
}

// TreeObj holds tree entries in git order.
type TreeObj struct {
	Entries []TreeEntry
}

// CommitObj represents a commit pointing to a tree with metadata.
type CommitObj struct {
	Tree      Hash
	Parents   []Hash
	Author    string // "Name <email> unix-seconds tz"
	Committer string
	Message   string
}

// PackTypeFor maps object types to their pack record type.
func PackTypeFor(t ObjectType) (PackObjectType, bool) {
	switch t {
	case TypeCommit:
		return PackCommit, true
	case TypeTree:
		return PackTree, true
	case TypeBlob:
		return PackBlob, true
	default:
		return 0, false
	}
}

// ObjectTypeFor maps pack record types back to object types.
func ObjectTypeFor(t PackObjectType) (ObjectType, bool) {
	switch t {
	case PackCommit:
		return TypeCommit, true
	case PackTree:
		return TypeTree, true
	case PackBlob:
		return TypeBlob, true
	default:
		return "", false
	}
}
