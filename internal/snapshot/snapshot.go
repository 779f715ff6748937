// Package snapshot holds AllIdentities, the immutable multi-view index over
// every external id as of one commit, and the reducer that derives a new
// snapshot from an old one plus a list of deltas.
package snapshot

import (
	"fmt"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/extidcache/internal/extid"
)

// AllIdentities is an immutable index over a fixed set of records.
//
// Every record gets an internal ordinal (its position in records, which is
// sorted by serialized key). The by-account and by-email views are roaring
// bitmaps of ordinals, so set lookups come back in key order.
//
// A snapshot is never modified after Build returns. It is safe to share
// between goroutines without locking.
type AllIdentities struct {
	records []extid.Record
	// keys and notes hold each record's serialized key and note id by
	// ordinal, so Apply can merge into a base without rehashing it.
	keys      []string
	notes     []string
	byKey     map[extid.Key]uint32
	byNote    map[string]uint32
	byAccount map[int]*roaring.Bitmap
	byEmail   map[string]*roaring.Bitmap
}

var empty = build(nil)

// Empty returns the snapshot with no records.
func Empty() *AllIdentities {
	return empty
}

// entry is a record with its derived sort key and note id.
type entry struct {
	rec  extid.Record
	key  string
	note string
}

func entryOf(r extid.Record) entry {
	return entry{rec: r, key: r.Key.String(), note: r.NoteID()}
}

func compareEntries(a, b entry) int {
	return strings.Compare(a.key, b.key)
}

// build indexes entries, which must be sorted by key and have unique note
// ids.
func build(entries []entry) *AllIdentities {
	n := len(entries)
	s := &AllIdentities{
		records:   make([]extid.Record, n),
		keys:      make([]string, n),
		notes:     make([]string, n),
		byKey:     make(map[extid.Key]uint32, n),
		byNote:    make(map[string]uint32, n),
		byAccount: make(map[int]*roaring.Bitmap),
		byEmail:   make(map[string]*roaring.Bitmap),
	}
	for i, e := range entries {
		ord := uint32(i)
		s.records[i], s.keys[i], s.notes[i] = e.rec, e.key, e.note
		s.byKey[e.rec.Key] = ord
		s.byNote[e.note] = ord
		addTo(s.byAccount, e.rec.AccountID, ord)
		if email := e.rec.NormalizedEmail(); email != "" {
			addTo(s.byEmail, email, ord)
		}
	}
	for _, bm := range s.byAccount {
		bm.RunOptimize()
	}
	for _, bm := range s.byEmail {
		bm.RunOptimize()
	}
	return s
}

func addTo[K comparable](m map[K]*roaring.Bitmap, k K, ord uint32) {
	bm, ok := m[k]
	if !ok {
		bm = roaring.New()
		m[k] = bm
	}
	bm.Add(ord)
}

// Len returns the number of records.
func (s *AllIdentities) Len() int {
	return len(s.records)
}

// Get returns the record for key.
func (s *AllIdentities) Get(key extid.Key) (extid.Record, bool) {
	ord, ok := s.byKey[key]
	if !ok {
		return extid.Record{}, false
	}
	return s.records[ord], true
}

// GetByNoteID returns the record stored under the note id.
func (s *AllIdentities) GetByNoteID(noteID string) (extid.Record, bool) {
	ord, ok := s.byNote[noteID]
	if !ok {
		return extid.Record{}, false
	}
	return s.records[ord], true
}

// ByAccount returns the records owned by account, sorted by key.
func (s *AllIdentities) ByAccount(account int) []extid.Record {
	return s.collect(s.byAccount[account])
}

// ByEmail returns the records carrying email (compared case-insensitively),
// sorted by key.
func (s *AllIdentities) ByEmail(email string) []extid.Record {
	return s.collect(s.byEmail[extid.NormalizeEmail(email)])
}

func (s *AllIdentities) collect(bm *roaring.Bitmap) []extid.Record {
	if bm == nil {
		return nil
	}
	out := make([]extid.Record, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, s.records[it.Next()])
	}
	return out
}

// All returns every record sorted by key. The slice is a copy.
func (s *AllIdentities) All() []extid.Record {
	return slices.Clone(s.records)
}

// Accounts returns the account ids that own at least one record, ascending.
func (s *AllIdentities) Accounts() []int {
	out := make([]int, 0, len(s.byAccount))
	for a := range s.byAccount {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Emails returns the normalized emails present in the by-email view, sorted.
func (s *AllIdentities) Emails() []string {
	out := make([]string, 0, len(s.byEmail))
	for e := range s.byEmail {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

// Equal reports whether s and o index exactly the same records.
func (s *AllIdentities) Equal(o *AllIdentities) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || len(s.records) != len(o.records) {
		return false
	}
	// Both slices are sorted by key, so equality is positional.
	for i := range s.records {
		if s.records[i] != o.records[i] {
			return false
		}
	}
	return true
}

// Check verifies that the three views agree: every record is reachable by
// key, note id, account and (when it has one) email, and the set views hold
// nothing else.
func (s *AllIdentities) Check() error {
	if len(s.byKey) != len(s.records) || len(s.byNote) != len(s.records) {
		return fmt.Errorf("snapshot: %d records but %d keys and %d note ids",
			len(s.records), len(s.byKey), len(s.byNote))
	}
	var inAccounts, inEmails uint64
	withEmail := 0
	for i, r := range s.records {
		ord := uint32(i)
		if s.byKey[r.Key] != ord {
			return fmt.Errorf("snapshot: key %s not indexed at %d", r.Key, ord)
		}
		if s.keys[i] != r.Key.String() || s.notes[i] != r.NoteID() {
			return fmt.Errorf("snapshot: cached key or note id stale at %d", ord)
		}
		if s.byNote[r.NoteID()] != ord {
			return fmt.Errorf("snapshot: note %s not indexed at %d", r.NoteID(), ord)
		}
		if bm := s.byAccount[r.AccountID]; bm == nil || !bm.Contains(ord) {
			return fmt.Errorf("snapshot: %s missing from account %d", r.Key, r.AccountID)
		}
		if email := r.NormalizedEmail(); email != "" {
			withEmail++
			if bm := s.byEmail[email]; bm == nil || !bm.Contains(ord) {
				return fmt.Errorf("snapshot: %s missing from email %s", r.Key, email)
			}
		}
	}
	for _, bm := range s.byAccount {
		inAccounts += bm.GetCardinality()
	}
	for _, bm := range s.byEmail {
		inEmails += bm.GetCardinality()
	}
	if inAccounts != uint64(len(s.records)) || inEmails != uint64(withEmail) {
		return fmt.Errorf("snapshot: set views hold %d/%d entries, want %d/%d",
			inAccounts, inEmails, len(s.records), withEmail)
	}
	return nil
}
