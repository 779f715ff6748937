package loader

import (
	"context"
	"errors"

	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/agentic-research/extidcache/internal/notes"
	"github.com/agentic-research/extidcache/internal/snapshot"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// full reads every note under the tree of commit and builds a snapshot from
// scratch. Paths that are not note paths are ignored and notes that do not
// parse are dropped.
func (l *Loader) full(ctx context.Context, commit plumbing.Hash) (*snapshot.AllIdentities, error) {
	entries, err := l.store.ReadTreeEntries(ctx, commit)
	if err != nil {
		return nil, err
	}

	recs := make([]extid.Record, 0, len(entries))
	for _, e := range entries {
		id, ok := extid.NormalizePath(e.Path)
		if !ok {
			l.log.Debug("ignoring non-note path", zap.String("path", e.Path), zap.Stringer("commit", commit))
			continue
		}
		rec, ok, err := l.readRecord(ctx, id, e.Blob)
		if err != nil {
			return nil, err
		}
		if !ok {
			droppedRecordsTotal.WithLabelValues(string(PathFull)).Inc()
			continue
		}
		recs = append(recs, rec)
	}
	return snapshot.Build(recs), nil
}

// readRecord reads and parses the note noteID stored in blob. ok is false
// when the note is invalid and must be left out of the snapshot; err is set
// only for store failures.
func (l *Loader) readRecord(ctx context.Context, noteID string, blob plumbing.Hash) (extid.Record, bool, error) {
	raw, err := l.store.ReadBlob(ctx, blob)
	if errors.Is(err, notes.ErrNoteTooLarge) {
		l.log.Debug("dropping oversized note", zap.String("note", noteID), zap.Stringer("blob", blob))
		return extid.Record{}, false, nil
	}
	if err != nil {
		return extid.Record{}, false, err
	}
	rec, err := extid.Parse(noteID, raw, blob)
	if err != nil {
		l.log.Debug("dropping invalid note", zap.String("note", noteID), zap.Error(err))
		return extid.Record{}, false, nil
	}
	return rec, true, nil
}
