package loader

import (
	"context"
	"fmt"
	"slices"

	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/agentic-research/extidcache/internal/notes"
	"github.com/agentic-research/extidcache/internal/snapshot"
	"github.com/go-git/go-git/v5/plumbing"
)

// Reason names why an incremental reconstruction was declined.
type Reason string

const (
	ReasonNoBase         Reason = "no_cached_ancestor"
	ReasonTooManyChanges Reason = "too_many_changes"
	ReasonUnnormalizable Reason = "unnormalizable_path"
)

// abstainError signals that the incremental engine declined and a full
// reconstruction must be done instead. It never reaches Load's caller.
type abstainError struct {
	reason Reason
	detail string
}

func (e *abstainError) Error() string {
	if e.detail == "" {
		return "incremental reload abstained: " + string(e.reason)
	}
	return fmt.Sprintf("incremental reload abstained: %s: %s", e.reason, e.detail)
}

// noteChange is the net change to one note id between two trees.
type noteChange struct {
	upsert bool
	blob   plumbing.Hash
}

// plan reduces a tree diff to per-note changes against b. Paths are
// normalized to note ids so a fanout reshard reads as a delete of the old
// path and an upsert of the new one for the same id; the upsert wins, and
// an upsert whose blob the base already holds is dropped. Deletes of notes
// the base does not hold are dropped too.
func plan(b *snapshot.AllIdentities, changes []notes.Change) (map[string]noteChange, error) {
	net := make(map[string]noteChange, len(changes))
	for _, ch := range changes {
		id, ok := extid.NormalizePath(ch.Path)
		if !ok {
			return nil, &abstainError{reason: ReasonUnnormalizable, detail: ch.Path}
		}
		switch ch.Type {
		case notes.Add, notes.Modify:
			net[id] = noteChange{upsert: true, blob: ch.Blob}
		case notes.Delete:
			if _, seen := net[id]; !seen {
				net[id] = noteChange{}
			}
		}
	}

	for id, c := range net {
		rec, held := b.GetByNoteID(id)
		switch {
		case c.upsert && held && rec.BlobID == c.blob:
			delete(net, id)
		case !c.upsert && !held:
			delete(net, id)
		}
	}
	return net, nil
}

// incremental derives the snapshot for commit from the cached snapshot at
// b.commit. It returns an *abstainError when the diff cannot be trusted or
// is too large; store errors are returned as is.
func (l *Loader) incremental(ctx context.Context, b base, commit plumbing.Hash) (*snapshot.AllIdentities, error) {
	if b.commit == commit {
		return b.snap, nil
	}

	changes, err := l.store.DiffTrees(ctx, b.commit, commit)
	if err != nil {
		return nil, err
	}
	net, err := plan(b.snap, changes)
	if err != nil {
		return nil, err
	}
	if len(net) > l.cfg.MaxChangedPathsForIncremental {
		return nil, &abstainError{
			reason: ReasonTooManyChanges,
			detail: fmt.Sprintf("%d changes, limit %d", len(net), l.cfg.MaxChangedPathsForIncremental),
		}
	}

	ids := make([]string, 0, len(net))
	for id := range net {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	deltas := make([]snapshot.Delta, 0, len(ids))
	for _, id := range ids {
		c := net[id]
		if !c.upsert {
			deltas = append(deltas, snapshot.Remove(id))
			continue
		}
		rec, ok, err := l.readRecord(ctx, id, c.blob)
		if err != nil {
			return nil, err
		}
		if !ok {
			// A full read would not contain the note either.
			droppedRecordsTotal.WithLabelValues(string(PathIncremental)).Inc()
			deltas = append(deltas, snapshot.Remove(id))
			continue
		}
		deltas = append(deltas, snapshot.Put(rec))
	}
	return snapshot.Apply(b.snap, deltas), nil
}
