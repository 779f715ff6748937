package notes

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
)

// Editor stages changes to the note tree of a ref and writes them as one
// commit. An Editor is not safe for concurrent use.
type Editor struct {
	s      *GitStore
	ref    plumbing.ReferenceName
	parent plumbing.Hash
	notes  map[string]plumbing.Hash
	dirty  bool
}

// Edit starts an edit of ref. A missing ref starts from an empty tree and
// the first commit becomes a root commit. A tree holding any path that is
// not a note is refused with ErrForeignEntry, since Commit writes notes
// only.
func (s *GitStore) Edit(ctx context.Context, ref string) (*Editor, error) {
	e := &Editor{
		s:     s,
		ref:   plumbing.ReferenceName(ref),
		notes: make(map[string]plumbing.Hash),
	}
	head, err := s.Head(ref)
	if errors.Is(err, ErrRefNotFound) {
		return e, nil
	}
	if err != nil {
		return nil, err
	}
	entries, err := s.ReadTreeEntries(ctx, head)
	if err != nil {
		return nil, err
	}
	for _, en := range entries {
		id, ok := extid.NormalizePath(en.Path)
		if !ok {
			return nil, fmt.Errorf("edit %s at %s: %w: %s", ref, head, ErrForeignEntry, en.Path)
		}
		e.notes[id] = en.Blob
	}
	e.parent = head
	return e, nil
}

// Len returns the number of notes the next commit will hold.
func (e *Editor) Len() int {
	return len(e.notes)
}

// Has reports whether a note exists for key.
func (e *Editor) Has(key extid.Key) bool {
	_, ok := e.notes[key.NoteID()]
	return ok
}

// Upsert writes rec under its note id, replacing any existing note, and
// returns rec pointing at the new blob.
func (e *Editor) Upsert(rec extid.Record) (extid.Record, error) {
	raw, err := extid.Encode(rec)
	if err != nil {
		return extid.Record{}, err
	}
	blob, err := e.s.writeBlob(raw)
	if err != nil {
		return extid.Record{}, err
	}
	e.notes[rec.NoteID()] = blob
	e.dirty = true
	return rec.WithBlob(blob), nil
}

// Delete removes the note for key. It reports whether a note existed.
func (e *Editor) Delete(key extid.Key) bool {
	id := key.NoteID()
	if _, ok := e.notes[id]; !ok {
		return false
	}
	delete(e.notes, id)
	e.dirty = true
	return true
}

// PutRaw stores raw bytes under noteID without validation. Used to repair
// notes by hand and to reproduce corrupt stores.
func (e *Editor) PutRaw(noteID string, raw []byte) (plumbing.Hash, error) {
	if !extid.IsNoteID(noteID) {
		return plumbing.ZeroHash, fmt.Errorf("put %q: not a note id", noteID)
	}
	blob, err := e.s.writeBlob(raw)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	e.notes[noteID] = blob
	e.dirty = true
	return blob, nil
}

// Commit writes the staged tree as a commit on top of the previous head
// and moves the ref to it. The ref update fails with ErrConcurrentEdit if
// the ref moved since Edit.
func (e *Editor) Commit(ctx context.Context, message string) (plumbing.Hash, error) {
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}
	tree, err := e.s.writeNoteTree(e.notes)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	sig := object.Signature{Name: "extidcache", Email: "extidcache@localhost", When: time.Now()}
	c := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  tree,
	}
	if !e.parent.IsZero() {
		c.ParentHashes = []plumbing.Hash{e.parent}
	}
	h, err := e.s.writeObject(c)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write commit: %w", err)
	}

	var old *plumbing.Reference
	if !e.parent.IsZero() {
		old = plumbing.NewHashReference(e.ref, e.parent)
	}
	if err := e.s.setReference(plumbing.NewHashReference(e.ref, h), old); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return plumbing.ZeroHash, fmt.Errorf("update %s: %w", e.ref, ErrConcurrentEdit)
		}
		return plumbing.ZeroHash, fmt.Errorf("update %s: %w", e.ref, err)
	}

	e.parent = h
	e.dirty = false
	return h, nil
}

// Dirty reports whether changes were staged since the last commit.
func (e *Editor) Dirty() bool {
	return e.dirty
}

type encoder interface {
	Encode(o plumbing.EncodedObject) error
}

func (s *GitStore) setReference(ref, old *plumbing.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.Storer.CheckAndSetReference(ref, old)
}

func (s *GitStore) writeObject(enc encoder) (plumbing.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.repo.Storer.NewEncodedObject()
	if err := enc.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

func (s *GitStore) writeBlob(data []byte) (plumbing.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write blob: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write blob: %w", err)
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

// writeNoteTree stores notes flat when there are at most threshold of them
// and under two-character fanout directories otherwise.
func (s *GitStore) writeNoteTree(notes map[string]plumbing.Hash) (plumbing.Hash, error) {
	if len(notes) <= s.threshold {
		return s.writeTree(notes)
	}

	buckets := make(map[string]map[string]plumbing.Hash)
	for id, blob := range notes {
		prefix, rest := id[:2], id[2:]
		b, ok := buckets[prefix]
		if !ok {
			b = make(map[string]plumbing.Hash)
			buckets[prefix] = b
		}
		b[rest] = blob
	}

	root := make([]object.TreeEntry, 0, len(buckets))
	for prefix, b := range buckets {
		h, err := s.writeTree(b)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		root = append(root, object.TreeEntry{Name: prefix, Mode: filemode.Dir, Hash: h})
	}
	return s.storeTree(root)
}

func (s *GitStore) writeTree(files map[string]plumbing.Hash) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(files))
	for name, blob := range files {
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blob})
	}
	return s.storeTree(entries)
}

func (s *GitStore) storeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	// All names in one tree have the same length, so byte order is git order.
	slices.SortFunc(entries, func(a, b object.TreeEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	h, err := s.writeObject(&object.Tree{Entries: entries})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write tree: %w", err)
	}
	return h, nil
}
