package snapshot

import (
	"fmt"
	"testing"

	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mailto(id string, account int) extid.Record {
	return extid.New(extid.NewKey(extid.SchemeMailto, id), account).WithEmail(id)
}

func keys(recs []extid.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key.String()
	}
	return out
}

func TestEmpty(t *testing.T) {
	s := Empty()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.All())
	assert.Empty(t, s.ByAccount(1))
	assert.Empty(t, s.ByEmail("a@x.com"))
	assert.NoError(t, s.Check())
}

func TestBuild_Views(t *testing.T) {
	a := mailto("a@x.com", 1)
	b := mailto("b@x.com", 2)
	u := extid.New(extid.NewKey(extid.SchemeUsername, "alice"), 1).WithEmail("A@X.com")
	s := Build([]extid.Record{b, u, a})

	require.NoError(t, s.Check())
	assert.Equal(t, 3, s.Len())

	got, ok := s.Get(a.Key)
	require.True(t, ok)
	assert.Equal(t, a, got)

	got, ok = s.GetByNoteID(u.NoteID())
	require.True(t, ok)
	assert.Equal(t, u, got)

	assert.Equal(t, []string{"mailto:a@x.com", "username:alice"}, keys(s.ByAccount(1)))
	assert.Equal(t, []string{"mailto:b@x.com"}, keys(s.ByAccount(2)))
	assert.Equal(t, []string{"mailto:a@x.com", "username:alice"}, keys(s.ByEmail("A@x.COM")))
	assert.Equal(t, []int{1, 2}, s.Accounts())
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, s.Emails())
	assert.Equal(t, []string{"mailto:a@x.com", "mailto:b@x.com", "username:alice"}, keys(s.All()))
}

func TestBuild_RecordWithoutEmail(t *testing.T) {
	r := extid.New(extid.NewKey("foo", "bar"), 3)
	s := Build([]extid.Record{r})
	require.NoError(t, s.Check())
	assert.Empty(t, s.Emails())
	assert.Len(t, s.ByAccount(3), 1)
}

func TestApply_DoesNotMutateBase(t *testing.T) {
	a := mailto("a@x.com", 1)
	b := mailto("b@x.com", 2)
	base := Build([]extid.Record{a})

	next := Apply(base, []Delta{Put(b), RemoveKey(a.Key)})

	assert.Equal(t, 1, base.Len())
	_, ok := base.Get(a.Key)
	assert.True(t, ok, "base must keep a")
	_, ok = base.Get(b.Key)
	assert.False(t, ok, "base must not see b")

	assert.Equal(t, []string{"mailto:b@x.com"}, keys(next.All()))
	assert.Empty(t, next.ByAccount(1))
	assert.Empty(t, next.ByEmail("a@x.com"))
	assert.NoError(t, next.Check())
}

func TestApply_PutReplacesSameNote(t *testing.T) {
	a := mailto("a@x.com", 1)
	moved := extid.New(a.Key, 5).WithEmail("new@x.com")
	s := Apply(Build([]extid.Record{a}), []Delta{Put(moved)})

	require.NoError(t, s.Check())
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.ByAccount(1))
	assert.Empty(t, s.ByEmail("a@x.com"))
	assert.Equal(t, []extid.Record{moved}, s.ByAccount(5))
	assert.Equal(t, []extid.Record{moved}, s.ByEmail("new@x.com"))
}

func TestApply_RemoveAbsentIsNoop(t *testing.T) {
	a := mailto("a@x.com", 1)
	base := Build([]extid.Record{a})
	s := Apply(base, []Delta{Remove(extid.NewKey("foo", "missing").NoteID())})
	assert.True(t, s.Equal(base))
}

func TestApply_OrderMatters(t *testing.T) {
	a := mailto("a@x.com", 1)
	assert.Equal(t, 0, Apply(nil, []Delta{Put(a), RemoveKey(a.Key)}).Len())
	assert.Equal(t, 1, Apply(nil, []Delta{RemoveKey(a.Key), Put(a)}).Len())
}

func TestApply_EmptyDeltasReturnsBase(t *testing.T) {
	base := Build([]extid.Record{mailto("a@x.com", 1)})
	assert.Same(t, base, Apply(base, nil))
	assert.Same(t, Empty(), Apply(nil, nil))
}

func TestEqual(t *testing.T) {
	a := mailto("a@x.com", 1)
	b := mailto("b@x.com", 2)
	assert.True(t, Build([]extid.Record{a, b}).Equal(Build([]extid.Record{b, a})))
	assert.False(t, Build([]extid.Record{a}).Equal(Build([]extid.Record{a, b})))
	assert.False(t, Build([]extid.Record{a}).Equal(Build([]extid.Record{a.WithEmail("c@x.com")})))
	assert.False(t, Build([]extid.Record{a}).Equal(nil))
}

func TestBuild_ManyAccounts(t *testing.T) {
	var recs []extid.Record
	for i := 0; i < 500; i++ {
		recs = append(recs, extid.New(extid.NewKey("foo", fmt.Sprintf("id%d", i)), i%7+1))
	}
	s := Build(recs)
	require.NoError(t, s.Check())
	total := 0
	for _, acc := range s.Accounts() {
		total += len(s.ByAccount(acc))
	}
	assert.Equal(t, s.Len(), total)
}

func TestApply_MergesIntoLargeBase(t *testing.T) {
	var recs []extid.Record
	for i := 0; i < 300; i++ {
		recs = append(recs, extid.New(extid.NewKey("foo", fmt.Sprintf("id%03d", i)), i%5+1))
	}
	base := Build(recs)

	moved := recs[10].WithEmail("moved@x.com")
	first := extid.New(extid.NewKey("aaa", "first"), 9)
	last := extid.New(extid.NewKey("zzz", "last"), 9)
	middle := extid.New(extid.NewKey("foo", "id150x"), 9)
	got := Apply(base, []Delta{
		Put(first),
		Put(last),
		Put(middle),
		Put(moved),
		RemoveKey(recs[20].Key),
		RemoveKey(extid.NewKey("foo", "absent")),
		Put(recs[30]),
		RemoveKey(recs[30].Key),
	})

	want := append([]extid.Record(nil), recs...)
	want[10] = moved
	want = append(want[:30], want[31:]...)
	want = append(want[:20], want[21:]...)
	want = append(want, first, last, middle)

	require.NoError(t, got.Check())
	assert.True(t, Build(want).Equal(got))
	assert.Equal(t, keys(Build(want).All()), keys(got.All()))
	assert.Equal(t, 300-2+3, got.Len())
	_, ok := got.Get(recs[30].Key)
	assert.False(t, ok, "last delta for a note id wins")
	assert.Equal(t, 300, base.Len())
	require.NoError(t, base.Check())
}
