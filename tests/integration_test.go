package tests

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentic-research/extidcache/api"
	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/agentic-research/extidcache/internal/extids"
	"github.com/agentic-research/extidcache/internal/loader"
	"github.com/agentic-research/extidcache/internal/notes"
	"github.com/agentic-research/extidcache/internal/notes/notestest"
	"github.com/agentic-research/extidcache/internal/persist"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// countingRepo counts store reads while resolving refs on the real store.
type countingRepo struct {
	*notestest.CountingStore
	git *notes.GitStore
}

func (r countingRepo) Head(ref string) (plumbing.Hash, error) {
	return r.git.Head(ref)
}

// testFixture bundles an on-disk note store and a snapshot database that
// outlive the ExternalIDs instances opened over them, like a restart.
type testFixture struct {
	t      *testing.T
	repo   string
	dbPath string
	git    *notes.GitStore
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	dir := t.TempDir()
	repo := filepath.Join(dir, "ids.git")
	git, err := notes.InitDir(repo)
	require.NoError(t, err)
	return &testFixture{t: t, repo: repo, dbPath: filepath.Join(dir, "snapshots.db"), git: git}
}

func (f *testFixture) edit(fn func(e *notes.Editor)) plumbing.Hash {
	f.t.Helper()
	ctx := context.Background()
	e, err := f.git.Edit(ctx, notes.DefaultRef)
	require.NoError(f.t, err)
	fn(e)
	h, err := e.Commit(ctx, "update external ids")
	require.NoError(f.t, err)
	return h
}

func (f *testFixture) upsert(recs ...extid.Record) plumbing.Hash {
	f.t.Helper()
	return f.edit(func(e *notes.Editor) {
		for _, r := range recs {
			_, err := e.Upsert(r)
			require.NoError(f.t, err)
		}
	})
}

// open starts a fresh process view: a reopened repository, a reopened
// snapshot database and an empty memory cache.
func (f *testFixture) open(cfg api.CacheConfig) (*extids.ExternalIDs, *notestest.CountingStore) {
	f.t.Helper()
	git, err := notes.OpenDir(f.repo)
	require.NoError(f.t, err)
	disk, err := persist.Open(f.dbPath)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = disk.Close() })

	counting := notestest.NewCounting(git)
	ids, err := extids.New(countingRepo{CountingStore: counting, git: git}, cfg,
		extids.WithDisk(disk), extids.WithLogger(zaptest.NewLogger(f.t)))
	require.NoError(f.t, err)
	return ids, counting
}

// full is the reference snapshot for commit.
func (f *testFixture) full(commit plumbing.Hash) []extid.Record {
	f.t.Helper()
	cfg := api.DefaultCacheConfig()
	cfg.EnablePartialReloads = false
	l, err := loader.New(f.git, nil, cfg, nil)
	require.NoError(f.t, err)
	snap, err := l.Load(context.Background(), commit)
	require.NoError(f.t, err)
	return snap.All()
}

func user(n, account int) extid.Record {
	return extid.New(extid.NewKey(extid.SchemeUsername, fmt.Sprintf("user%03d", n)), account).
		WithEmail(fmt.Sprintf("user%03d@example.com", n))
}

func TestRestartResumesIncrementally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := api.DefaultCacheConfig()

	// 1. The first process reads the whole tree once.
	f.upsert(user(1, 1), user(2, 1), user(3, 2))
	first, store := f.open(cfg)
	snap, _, err := first.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, 1, store.TreeReads())

	// 2. Meanwhile the store moves on by two commits.
	f.upsert(user(4, 3))
	head := f.upsert(user(1, 9))

	// 3. A restarted process finds the persisted ancestor and applies the diff.
	second, store := f.open(cfg)
	snap, at, err := second.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, at)
	assert.Equal(t, 0, store.TreeReads())
	assert.Equal(t, 1, store.Diffs())
	assert.Equal(t, f.full(head), snap.All())

	moved, ok := snap.Get(user(1, 0).Key)
	require.True(t, ok)
	assert.Equal(t, 9, moved.AccountID)
	assert.Equal(t, int64(1), second.Stats().DiskHits)
}

func TestGrowthAcrossReshard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := api.DefaultCacheConfig()
	cfg.VerifyPartialReloads = true
	ids, store := f.open(cfg)

	// Grow the store one batch at a time across the sharding threshold,
	// loading after every commit.
	n := 0
	for batch := 0; batch < 6; batch++ {
		var recs []extid.Record
		for i := 0; i < 50; i++ {
			recs = append(recs, user(n, n%11+1))
			n++
		}
		head := f.upsert(recs...)

		snap, at, err := ids.Snapshot(ctx)
		require.NoError(t, err)
		require.Equal(t, head, at)
		require.NoError(t, snap.Check())
		assert.Equal(t, n, snap.Len())
		assert.Equal(t, f.full(head), snap.All(), "batch %d", batch)
	}

	// Only the first load read the whole tree; the verification reads are
	// counted too, one per load after the first.
	assert.Equal(t, 6, store.TreeReads())
	assert.Equal(t, 5, store.Diffs())
}

func TestCorruptNoteNeverFailsLoads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids, _ := f.open(api.DefaultCacheConfig())

	good := user(1, 1)
	f.upsert(good)
	_, _, err := ids.Snapshot(ctx)
	require.NoError(t, err)

	// A note whose content names a different key.
	head := f.edit(func(e *notes.Editor) {
		raw, err := extid.Encode(user(2, 2))
		require.NoError(t, err)
		_, err = e.PutRaw(user(3, 3).NoteID(), raw)
		require.NoError(t, err)
	})

	snap, at, err := ids.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, at)
	assert.Equal(t, []extid.Record{}, filterAccount(snap.All(), 2, 3))
	assert.Equal(t, f.full(head), snap.All())
}

func TestConcurrentReaders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var recs []extid.Record
	for i := 0; i < 40; i++ {
		recs = append(recs, user(i, i%4+1))
	}
	head := f.upsert(recs...)
	ids, store := f.open(api.DefaultCacheConfig())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(account int) {
			defer wg.Done()
			got, err := ids.ByAccount(ctx, account)
			assert.NoError(t, err)
			assert.Len(t, got, 10)
		}(i%4 + 1)
	}
	wg.Wait()

	assert.Equal(t, 1, store.TreeReads(), "concurrent misses share one load")
	assert.Len(t, f.full(head), 40)
}

func TestParallelLoadsOfDifferentCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A history that grows past the sharding threshold while moving and
	// deleting ids along the way.
	var commits []plumbing.Hash
	for i := 0; i < 24; i++ {
		commits = append(commits, f.edit(func(e *notes.Editor) {
			for j := 0; j < 12; j++ {
				_, err := e.Upsert(user(i*12+j, i%5+1))
				require.NoError(t, err)
			}
			_, err := e.Upsert(user(i, 9))
			require.NoError(t, err)
			if i > 0 {
				e.Delete(user(i*12-5, 0).Key)
			}
		}))
	}
	want := make([][]extid.Record, len(commits))
	for i, c := range commits {
		want[i] = f.full(c)
	}

	cfg := api.DefaultCacheConfig()
	cfg.MemoryLimit = 8
	cfg.VerifyPartialReloads = true
	ids, err := extids.New(f.git, cfg, extids.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range commits {
				idx := (j*7 + w) % len(commits)
				snap, err := ids.SnapshotAt(ctx, commits[idx])
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, want[idx], snap.All(), "commit %d", idx)
			}
		}()
	}
	// The store keeps taking writes while readers load.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			e, err := f.git.Edit(ctx, notes.DefaultRef)
			if !assert.NoError(t, err) {
				return
			}
			_, err = e.Upsert(user(1000+i, 7))
			assert.NoError(t, err)
			_, err = e.Commit(ctx, "concurrent write")
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	snap, head, err := ids.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.full(head), snap.All())
	assert.Len(t, snap.ByAccount(7), 5)
}

func filterAccount(recs []extid.Record, accounts ...int) []extid.Record {
	out := []extid.Record{}
	for _, r := range recs {
		for _, a := range accounts {
			if r.AccountID == a {
				out = append(out, r)
			}
		}
	}
	return out
}
