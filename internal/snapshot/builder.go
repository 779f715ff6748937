package snapshot

import (
	"slices"

	"github.com/agentic-research/extidcache/internal/extid"
)

// Op is the kind of a Delta.
type Op int

const (
	// OpPut inserts a record, replacing any record under the same note id.
	OpPut Op = iota
	// OpRemove drops the record under a note id, if present.
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Delta is one typed change folded over a base snapshot by Apply.
type Delta struct {
	Op     Op
	NoteID string
	Record extid.Record // set for OpPut
}

// Put returns a delta that upserts r.
func Put(r extid.Record) Delta {
	return Delta{Op: OpPut, NoteID: r.NoteID(), Record: r}
}

// Remove returns a delta that drops the record stored under noteID.
func Remove(noteID string) Delta {
	return Delta{Op: OpRemove, NoteID: noteID}
}

// RemoveKey returns a delta that drops the record for key.
func RemoveKey(key extid.Key) Delta {
	return Remove(key.NoteID())
}

// Apply folds deltas, in order, over base and returns the resulting
// snapshot. base is not modified; a nil base is the empty snapshot.
// Removing an absent note id is a no-op.
//
// Base records untouched by deltas are carried over in order without being
// rekeyed; only the changed records are sorted and merged in.
func Apply(base *AllIdentities, deltas []Delta) *AllIdentities {
	if base == nil {
		base = empty
	}
	if len(deltas) == 0 {
		return base
	}

	// Last delta per note id wins.
	final := make(map[string]Delta, len(deltas))
	for _, d := range deltas {
		final[d.NoteID] = d
	}
	added := make([]entry, 0, len(final))
	for _, d := range final {
		if d.Op == OpPut {
			added = append(added, entryOf(d.Record))
		}
	}
	slices.SortFunc(added, compareEntries)

	out := make([]entry, 0, len(base.records)+len(added))
	j := 0
	for i, r := range base.records {
		if _, changed := final[base.notes[i]]; changed {
			continue
		}
		kept := entry{rec: r, key: base.keys[i], note: base.notes[i]}
		for j < len(added) && added[j].key < kept.key {
			out = append(out, added[j])
			j++
		}
		out = append(out, kept)
	}
	out = append(out, added[j:]...)
	return build(out)
}

// Build returns a snapshot of recs. Later records win when two share a
// note id.
func Build(recs []extid.Record) *AllIdentities {
	deltas := make([]Delta, len(recs))
	for i, r := range recs {
		deltas[i] = Put(r)
	}
	return Apply(nil, deltas)
}
