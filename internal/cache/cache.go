// Package cache holds identity snapshots keyed by note store commit: an
// in-memory LRU in front of an optional SQLite tier, with one load in
// flight per commit.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentic-research/extidcache/internal/persist"
	"github.com/agentic-research/extidcache/internal/snapshot"
	"github.com/go-git/go-git/v5/plumbing"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LoadFunc builds the snapshot for commit on a miss.
type LoadFunc func(ctx context.Context, commit plumbing.Hash) (*snapshot.AllIdentities, error)

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries  int
	Hits     int64
	DiskHits int64
	Misses   int64
	Loads    int64
}

// Snapshots caches snapshots by commit. It is safe for concurrent use.
type Snapshots struct {
	mem    *lru.Cache[plumbing.Hash, *snapshot.AllIdentities]
	size   int
	disk   *persist.Store
	log    *zap.Logger
	flight singleflight.Group
	// loading holds the commits whose load is in flight.
	loading sync.Map

	hits     atomic.Int64
	diskHits atomic.Int64
	misses   atomic.Int64
	loads    atomic.Int64
}

// Option configures Snapshots.
type Option func(*Snapshots)

// WithDisk adds a persistent tier consulted on memory misses and written
// after every load.
func WithDisk(d *persist.Store) Option {
	return func(s *Snapshots) { s.disk = d }
}

// WithLogger sets the logger. The default logs nothing.
func WithLogger(l *zap.Logger) Option {
	return func(s *Snapshots) { s.log = l }
}

// New returns a cache holding at most size snapshots in memory.
func New(size int, opts ...Option) (*Snapshots, error) {
	if size < 1 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}
	mem, err := lru.New[plumbing.Hash, *snapshot.AllIdentities](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	s := &Snapshots{mem: mem, size: size, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns the snapshot cached for commit without loading. Snapshots
// found on disk are promoted to memory. Disk errors count as a miss.
func (s *Snapshots) Get(commit plumbing.Hash) (*snapshot.AllIdentities, bool) {
	if snap, ok := s.find(commit); ok {
		return snap, true
	}
	s.misses.Add(1)
	return nil, false
}

// Peek is Get for a loader walking ancestors: misses are not counted,
// and a commit whose own load is in flight is reported absent without
// touching either tier.
func (s *Snapshots) Peek(commit plumbing.Hash) (*snapshot.AllIdentities, bool) {
	if _, ok := s.loading.Load(commit); ok {
		return nil, false
	}
	return s.find(commit)
}

// Ancestors is the lookup a loader uses to find cached ancestors.
type Ancestors struct{ s *Snapshots }

// Ancestors returns s as an ancestor lookup whose Get is Peek.
func (s *Snapshots) Ancestors() Ancestors { return Ancestors{s} }

// Get implements the loader's Lookup.
func (a Ancestors) Get(commit plumbing.Hash) (*snapshot.AllIdentities, bool) {
	return a.s.Peek(commit)
}

func (s *Snapshots) find(commit plumbing.Hash) (*snapshot.AllIdentities, bool) {
	if snap, ok := s.mem.Get(commit); ok {
		s.hits.Add(1)
		return snap, true
	}
	if s.disk != nil {
		snap, ok, err := s.disk.Get(context.Background(), commit)
		if err != nil {
			s.log.Warn("reading persisted snapshot failed", zap.Stringer("commit", commit), zap.Error(err))
		}
		if ok {
			s.diskHits.Add(1)
			s.mem.Add(commit, snap)
			return snap, true
		}
	}
	return nil, false
}

// GetOrLoad returns the snapshot for commit, calling load on a miss.
// Concurrent callers for the same commit share one load. The shared load
// is not cancelled by any one caller; each caller stops waiting when its
// own ctx is done.
func (s *Snapshots) GetOrLoad(ctx context.Context, commit plumbing.Hash, load LoadFunc) (*snapshot.AllIdentities, error) {
	if snap, ok := s.Get(commit); ok {
		return snap, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(commit.String(), func() (any, error) {
		// A concurrent flight may have finished between Get and DoChan.
		if snap, ok := s.mem.Get(commit); ok {
			return snap, nil
		}
		s.loading.Store(commit, struct{}{})
		snap, err := load(loadCtx, commit)
		s.loading.Delete(commit)
		if err != nil {
			return nil, err
		}
		s.loads.Add(1)
		s.mem.Add(commit, snap)
		s.persist(loadCtx, commit, snap)
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot.AllIdentities), nil
	}
}

func (s *Snapshots) persist(ctx context.Context, commit plumbing.Hash, snap *snapshot.AllIdentities) {
	if s.disk == nil {
		return
	}
	if err := s.disk.Put(ctx, commit, snap); err != nil {
		s.log.Warn("persisting snapshot failed", zap.Stringer("commit", commit), zap.Error(err))
		return
	}
	// The disk tier holds as many snapshots as memory does.
	if err := s.disk.Prune(ctx, s.size); err != nil {
		s.log.Warn("pruning persisted snapshots failed", zap.Error(err))
	}
}

// Purge drops every in-memory snapshot. The disk tier is kept.
func (s *Snapshots) Purge() {
	s.mem.Purge()
}

// Stats returns current counters.
func (s *Snapshots) Stats() Stats {
	return Stats{
		Entries:  s.mem.Len(),
		Hits:     s.hits.Load(),
		DiskHits: s.diskHits.Load(),
		Misses:   s.misses.Load(),
		Loads:    s.loads.Load(),
	}
}
