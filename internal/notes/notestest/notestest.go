// Package notestest provides notes.Store decorators for tests: call
// counting and fault injection.
package notestest

import (
	"context"
	"sync/atomic"

	"github.com/agentic-research/extidcache/internal/notes"
	"github.com/go-git/go-git/v5/plumbing"
)

// CountingStore counts calls to each Store method before delegating.
type CountingStore struct {
	notes.Store

	treeReads atomic.Int64
	diffs     atomic.Int64
	blobReads atomic.Int64
	parents   atomic.Int64
}

// NewCounting wraps s.
func NewCounting(s notes.Store) *CountingStore {
	return &CountingStore{Store: s}
}

func (c *CountingStore) ReadTreeEntries(ctx context.Context, commit plumbing.Hash) ([]notes.Entry, error) {
	c.treeReads.Add(1)
	return c.Store.ReadTreeEntries(ctx, commit)
}

func (c *CountingStore) DiffTrees(ctx context.Context, oldCommit, newCommit plumbing.Hash) ([]notes.Change, error) {
	c.diffs.Add(1)
	return c.Store.DiffTrees(ctx, oldCommit, newCommit)
}

func (c *CountingStore) ReadBlob(ctx context.Context, blob plumbing.Hash) ([]byte, error) {
	c.blobReads.Add(1)
	return c.Store.ReadBlob(ctx, blob)
}

func (c *CountingStore) ParentOf(ctx context.Context, commit plumbing.Hash) (plumbing.Hash, bool, error) {
	c.parents.Add(1)
	return c.Store.ParentOf(ctx, commit)
}

// TreeReads is the number of full tree reads.
func (c *CountingStore) TreeReads() int { return int(c.treeReads.Load()) }

// Diffs is the number of tree diffs.
func (c *CountingStore) Diffs() int { return int(c.diffs.Load()) }

// BlobReads is the number of blob reads.
func (c *CountingStore) BlobReads() int { return int(c.blobReads.Load()) }

// ParentLookups is the number of parent dereferences.
func (c *CountingStore) ParentLookups() int { return int(c.parents.Load()) }

// Reset zeroes every counter.
func (c *CountingStore) Reset() {
	c.treeReads.Store(0)
	c.diffs.Store(0)
	c.blobReads.Store(0)
	c.parents.Store(0)
}

// FaultyStore fails selected methods with Err and delegates the rest.
type FaultyStore struct {
	notes.Store
	Err error

	FailTreeReads bool
	FailDiffs     bool
	FailBlobReads bool
	FailParents   bool
}

func (f *FaultyStore) ReadTreeEntries(ctx context.Context, commit plumbing.Hash) ([]notes.Entry, error) {
	if f.FailTreeReads {
		return nil, f.Err
	}
	return f.Store.ReadTreeEntries(ctx, commit)
}

func (f *FaultyStore) DiffTrees(ctx context.Context, oldCommit, newCommit plumbing.Hash) ([]notes.Change, error) {
	if f.FailDiffs {
		return nil, f.Err
	}
	return f.Store.DiffTrees(ctx, oldCommit, newCommit)
}

func (f *FaultyStore) ReadBlob(ctx context.Context, blob plumbing.Hash) ([]byte, error) {
	if f.FailBlobReads {
		return nil, f.Err
	}
	return f.Store.ReadBlob(ctx, blob)
}

func (f *FaultyStore) ParentOf(ctx context.Context, commit plumbing.Hash) (plumbing.Hash, bool, error) {
	if f.FailParents {
		return plumbing.ZeroHash, false, f.Err
	}
	return f.Store.ParentOf(ctx, commit)
}
