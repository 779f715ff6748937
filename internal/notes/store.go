// Package notes is the versioned note store the identity cache is built
// from: an append-only git ref whose tree holds one blob per external id,
// named by the note id (SHA-1 of the key).
//
// Store is the read contract the loader depends on. GitStore implements it
// on top of go-git, and Editor writes new commits, resharding the tree into
// two-character fanout directories once it grows past a threshold.
package notes

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
)

// DefaultRef is the ref external ids are stored under.
const DefaultRef = "refs/meta/external-ids"

// DefaultShardingThreshold is the entry count above which the tree is
// stored with two-character fanout directories.
const DefaultShardingThreshold = 256

// MaxNoteSize bounds the size of a single note blob.
const MaxNoteSize = 1 << 19

var (
	ErrRefNotFound    = errors.New("ref not found")
	ErrCommitNotFound = errors.New("commit not found")
	ErrBlobNotFound   = errors.New("blob not found")
	ErrNoteTooLarge   = errors.New("note exceeds maximum size")
	ErrConcurrentEdit = errors.New("ref was updated concurrently")
	ErrForeignEntry   = errors.New("tree holds a file that is not a note")
)

// ChangeType classifies one path in a tree diff.
type ChangeType int

const (
	Add ChangeType = iota + 1
	Modify
	Delete
)

func (t ChangeType) String() string {
	switch t {
	case Add:
		return "ADD"
	case Modify:
		return "MODIFY"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Entry is one blob in a tree, addressed by its full path.
type Entry struct {
	Path string
	Blob plumbing.Hash
}

// Change is one path that differs between two trees. Blob is the new blob
// for Add and Modify and zero for Delete.
type Change struct {
	Path string
	Type ChangeType
	Blob plumbing.Hash
}

// Store is read access to the note store. All ids are content addresses,
// so results for a given argument never change.
type Store interface {
	// ReadTreeEntries lists every blob under the tree of commit.
	ReadTreeEntries(ctx context.Context, commit plumbing.Hash) ([]Entry, error)
	// DiffTrees lists the paths that differ between the trees of two commits.
	DiffTrees(ctx context.Context, oldCommit, newCommit plumbing.Hash) ([]Change, error)
	// ReadBlob returns the content of a blob.
	ReadBlob(ctx context.Context, blob plumbing.Hash) ([]byte, error)
	// ParentOf returns the first parent of commit, or false for a root commit.
	ParentOf(ctx context.Context, commit plumbing.Hash) (plumbing.Hash, bool, error)
}
