package notes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// GitStore implements Store over a bare go-git repository.
// It is safe for concurrent use; repository access is serialized.
type GitStore struct {
	mu        sync.Mutex
	repo      *git.Repository
	threshold int
}

// Option configures a GitStore.
type Option func(*GitStore)

// WithShardingThreshold sets the entry count above which Editor writes
// fanout directories. Readers are unaffected.
func WithShardingThreshold(n int) Option {
	return func(s *GitStore) { s.threshold = n }
}

func newGitStore(repo *git.Repository, opts []Option) (*GitStore, error) {
	s := &GitStore{repo: repo, threshold: DefaultShardingThreshold}
	for _, opt := range opts {
		opt(s)
	}
	if s.threshold < 0 {
		return nil, fmt.Errorf("sharding threshold must not be negative, got %d", s.threshold)
	}
	return s, nil
}

func newStorage(fs billy.Filesystem) *filesystem.Storage {
	return filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
}

// NewMemory returns a store backed by an empty in-memory repository.
func NewMemory(opts ...Option) (*GitStore, error) {
	repo, err := git.Init(newStorage(memfs.New()), nil)
	if err != nil {
		return nil, fmt.Errorf("init memory repository: %w", err)
	}
	return newGitStore(repo, opts)
}

// InitDir creates an empty bare repository at dir.
func InitDir(dir string, opts ...Option) (*GitStore, error) {
	repo, err := git.Init(newStorage(osfs.New(dir)), nil)
	if err != nil {
		return nil, fmt.Errorf("init repository %s: %w", dir, err)
	}
	return newGitStore(repo, opts)
}

// OpenDir opens the bare repository at dir.
func OpenDir(dir string, opts ...Option) (*GitStore, error) {
	repo, err := git.Open(newStorage(osfs.New(dir)), nil)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	return newGitStore(repo, opts)
}

// ShardingThreshold returns the configured fanout threshold.
func (s *GitStore) ShardingThreshold() int {
	return s.threshold
}

// Head resolves ref to the commit it points at.
func (s *GitStore) Head(ref string) (plumbing.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo.Reference(plumbing.ReferenceName(ref), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("%s: %w", ref, ErrRefNotFound)
		}
		return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return r.Hash(), nil
}

func (s *GitStore) commit(ctx context.Context, h plumbing.Hash) (*object.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.repo.CommitObject(h)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s: %w", h, ErrCommitNotFound)
		}
		return nil, fmt.Errorf("read commit %s: %w", h, err)
	}
	return c, nil
}

func (s *GitStore) tree(ctx context.Context, commit plumbing.Hash) (*object.Tree, error) {
	c, err := s.commit(ctx, commit)
	if err != nil {
		return nil, err
	}
	t, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", commit, err)
	}
	return t, nil
}

// ReadTreeEntries implements Store.
func (s *GitStore) ReadTreeEntries(ctx context.Context, commit plumbing.Hash) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.tree(ctx, commit)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	err = t.Files().ForEach(func(f *object.File) error {
		entries = append(entries, Entry{Path: f.Name, Blob: f.Hash})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree of %s: %w", commit, err)
	}
	return entries, nil
}

// DiffTrees implements Store. Renames are reported as a Delete plus an Add.
func (s *GitStore) DiffTrees(ctx context.Context, oldCommit, newCommit plumbing.Hash) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.tree(ctx, oldCommit)
	if err != nil {
		return nil, err
	}
	to, err := s.tree(ctx, newCommit)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, from, to, nil)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", oldCommit, newCommit, err)
	}

	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return nil, fmt.Errorf("diff %s..%s: %w", oldCommit, newCommit, err)
		}
		switch action {
		case merkletrie.Insert:
			out = append(out, Change{Path: c.To.Name, Type: Add, Blob: c.To.TreeEntry.Hash})
		case merkletrie.Modify:
			out = append(out, Change{Path: c.To.Name, Type: Modify, Blob: c.To.TreeEntry.Hash})
		case merkletrie.Delete:
			out = append(out, Change{Path: c.From.Name, Type: Delete})
		}
	}
	return out, nil
}

// ReadBlob implements Store.
func (s *GitStore) ReadBlob(ctx context.Context, blob plumbing.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := s.repo.BlobObject(blob)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s: %w", blob, ErrBlobNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w", blob, err)
	}
	if b.Size > MaxNoteSize {
		return nil, fmt.Errorf("blob %s has %d bytes: %w", blob, b.Size, ErrNoteTooLarge)
	}
	r, err := b.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", blob, err)
	}
	defer func() { _ = r.Close() }() // read-only, safe to ignore

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", blob, err)
	}
	return data, nil
}

// ParentOf implements Store.
func (s *GitStore) ParentOf(ctx context.Context, commit plumbing.Hash) (plumbing.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.commit(ctx, commit)
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	if len(c.ParentHashes) == 0 {
		return plumbing.ZeroHash, false, nil
	}
	return c.ParentHashes[0], true, nil
}
