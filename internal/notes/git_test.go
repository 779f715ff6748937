package notes

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mailto(id string, account int) extid.Record {
	return extid.New(extid.NewKey(extid.SchemeMailto, id), account).WithEmail(id)
}

// commitRecords upserts recs on top of ref and commits.
func commitRecords(t *testing.T, s *GitStore, recs ...extid.Record) plumbing.Hash {
	t.Helper()
	ctx := context.Background()
	e, err := s.Edit(ctx, DefaultRef)
	require.NoError(t, err)
	for _, r := range recs {
		_, err := e.Upsert(r)
		require.NoError(t, err)
	}
	h, err := e.Commit(ctx, "update external ids")
	require.NoError(t, err)
	return h
}

func TestNewMemory_RejectsNegativeThreshold(t *testing.T) {
	_, err := NewMemory(WithShardingThreshold(-1))
	require.Error(t, err)
}

func TestHead_MissingRef(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	_, err = s.Head(DefaultRef)
	assert.ErrorIs(t, err, ErrRefNotFound)
}

func TestReadTreeEntries_Flat(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	a := mailto("a@x.com", 1)
	b := mailto("b@x.com", 2)
	h := commitRecords(t, s, a, b)

	entries, err := s.ReadTreeEntries(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	paths := map[string]bool{}
	for _, e := range entries {
		paths[e.Path] = true
		assert.NotContains(t, e.Path, "/")
	}
	assert.True(t, paths[a.NoteID()])
	assert.True(t, paths[b.NoteID()])
}

func TestEditor_ShardsAboveThreshold(t *testing.T) {
	s, err := NewMemory(WithShardingThreshold(2))
	require.NoError(t, err)
	ctx := context.Background()

	// 1. At the threshold the tree stays flat.
	flat := commitRecords(t, s, mailto("a@x.com", 1), mailto("b@x.com", 2))
	entries, err := s.ReadTreeEntries(ctx, flat)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Path, "/")
	}

	// 2. One more entry reshards every path.
	c := mailto("c@x.com", 3)
	sharded := commitRecords(t, s, c)
	entries, err = s.ReadTreeEntries(ctx, sharded)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.Len(t, e.Path, extid.NoteIDLen+1)
		assert.Equal(t, "/", e.Path[2:3])
		id, ok := extid.NormalizePath(e.Path)
		require.True(t, ok)
		assert.Equal(t, e.Path[:2]+e.Path[3:], id)
	}

	// 3. The reshard shows up as deletes of flat paths and adds of fanout paths.
	changes, err := s.DiffTrees(ctx, flat, sharded)
	require.NoError(t, err)
	var adds, deletes int
	for _, ch := range changes {
		switch ch.Type {
		case Add:
			adds++
			assert.Contains(t, ch.Path, "/")
			assert.False(t, ch.Blob.IsZero())
		case Delete:
			deletes++
			assert.NotContains(t, ch.Path, "/")
			assert.True(t, ch.Blob.IsZero())
		default:
			t.Fatalf("unexpected change %s %s", ch.Type, ch.Path)
		}
	}
	assert.Equal(t, 3, adds)
	assert.Equal(t, 2, deletes)
}

func TestDiffTrees_ModifyAndDelete(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	ctx := context.Background()
	a := mailto("a@x.com", 1)
	b := mailto("b@x.com", 2)
	base := commitRecords(t, s, a, b)

	e, err := s.Edit(ctx, DefaultRef)
	require.NoError(t, err)
	moved, err := e.Upsert(a.WithEmail("new@x.com"))
	require.NoError(t, err)
	require.True(t, e.Delete(b.Key))
	next, err := e.Commit(ctx, "modify a, delete b")
	require.NoError(t, err)

	changes, err := s.DiffTrees(ctx, base, next)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	byPath := map[string]Change{}
	for _, ch := range changes {
		byPath[ch.Path] = ch
	}
	assert.Equal(t, Modify, byPath[a.NoteID()].Type)
	assert.Equal(t, moved.BlobID, byPath[a.NoteID()].Blob)
	assert.Equal(t, Delete, byPath[b.NoteID()].Type)
}

func TestReadBlob_ParsesBack(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	ctx := context.Background()
	e, err := s.Edit(ctx, DefaultRef)
	require.NoError(t, err)
	stored, err := e.Upsert(mailto("a@x.com", 1).WithPassword("bcrypt:0:hash"))
	require.NoError(t, err)
	_, err = e.Commit(ctx, "add a")
	require.NoError(t, err)

	raw, err := s.ReadBlob(ctx, stored.BlobID)
	require.NoError(t, err)
	got, err := extid.Parse(stored.NoteID(), raw, stored.BlobID)
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}

func TestReadBlob_Errors(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.ReadBlob(ctx, plumbing.NewHash(strings.Repeat("ab", 20)))
	assert.ErrorIs(t, err, ErrBlobNotFound)

	e, err := s.Edit(ctx, DefaultRef)
	require.NoError(t, err)
	big, err := e.PutRaw(extid.NewKey("foo", "big").NoteID(), make([]byte, MaxNoteSize+1))
	require.NoError(t, err)
	_, err = s.ReadBlob(ctx, big)
	assert.ErrorIs(t, err, ErrNoteTooLarge)
}

func TestParentOf(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	ctx := context.Background()
	first := commitRecords(t, s, mailto("a@x.com", 1))
	second := commitRecords(t, s, mailto("b@x.com", 2))

	p, ok, err := s.ParentOf(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, p)

	_, ok, err = s.ParentOf(ctx, first)
	require.NoError(t, err)
	assert.False(t, ok, "root commit has no parent")

	_, _, err = s.ParentOf(ctx, plumbing.NewHash(strings.Repeat("cd", 20)))
	assert.ErrorIs(t, err, ErrCommitNotFound)
}

func TestStore_CanceledContext(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	h := commitRecords(t, s, mailto("a@x.com", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ReadTreeEntries(ctx, h)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenDir_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := InitDir(dir)
	require.NoError(t, err)
	var recs []extid.Record
	for i := range 5 {
		recs = append(recs, mailto(fmt.Sprintf("u%d@x.com", i), i+1))
	}
	h := commitRecords(t, s, recs...)

	reopened, err := OpenDir(dir)
	require.NoError(t, err)
	head, err := reopened.Head(DefaultRef)
	require.NoError(t, err)
	assert.Equal(t, h, head)

	entries, err := reopened.ReadTreeEntries(context.Background(), head)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}
