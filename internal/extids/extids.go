// Package extids is the read side of the external id store: it resolves
// the ref head, loads the snapshot for it through the cache, and answers
// lookups by key, account and email.
package extids

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/agentic-research/extidcache/api"
	"github.com/agentic-research/extidcache/internal/cache"
	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/agentic-research/extidcache/internal/loader"
	"github.com/agentic-research/extidcache/internal/notes"
	"github.com/agentic-research/extidcache/internal/persist"
	"github.com/agentic-research/extidcache/internal/snapshot"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// Repository is a note store that can also resolve refs.
type Repository interface {
	notes.Store
	Head(ref string) (plumbing.Hash, error)
}

// ExternalIDs serves snapshots of one ref.
type ExternalIDs struct {
	repo   Repository
	ref    string
	cache  *cache.Snapshots
	loader *loader.Loader
	log    *zap.Logger
}

type options struct {
	ref  string
	log  *zap.Logger
	disk *persist.Store
}

// Option configures ExternalIDs.
type Option func(*options)

// WithRef reads ref instead of notes.DefaultRef.
func WithRef(ref string) Option {
	return func(o *options) { o.ref = ref }
}

// WithLogger sets the logger for the facade, its cache and its loader.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDisk persists snapshots to d.
func WithDisk(d *persist.Store) Option {
	return func(o *options) { o.disk = d }
}

// New wires a cache and a loader over repo.
func New(repo Repository, cfg api.CacheConfig, opts ...Option) (*ExternalIDs, error) {
	o := options{ref: notes.DefaultRef, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	cacheOpts := []cache.Option{cache.WithLogger(o.log)}
	if o.disk != nil {
		cacheOpts = append(cacheOpts, cache.WithDisk(o.disk))
	}
	c, err := cache.New(cfg.MemoryLimit, cacheOpts...)
	if err != nil {
		return nil, err
	}
	l, err := loader.New(repo, c.Ancestors(), cfg, o.log)
	if err != nil {
		return nil, err
	}
	return &ExternalIDs{repo: repo, ref: o.ref, cache: c, loader: l, log: o.log}, nil
}

// Snapshot returns the snapshot at the head of the ref and the head
// commit. A missing ref yields the empty snapshot and a zero commit.
func (e *ExternalIDs) Snapshot(ctx context.Context) (*snapshot.AllIdentities, plumbing.Hash, error) {
	head, err := e.repo.Head(e.ref)
	if errors.Is(err, notes.ErrRefNotFound) {
		return snapshot.Empty(), plumbing.ZeroHash, nil
	}
	if err != nil {
		return nil, plumbing.ZeroHash, err
	}
	snap, err := e.SnapshotAt(ctx, head)
	if err != nil {
		return nil, plumbing.ZeroHash, err
	}
	return snap, head, nil
}

// SnapshotAt returns the snapshot for commit.
func (e *ExternalIDs) SnapshotAt(ctx context.Context, commit plumbing.Hash) (*snapshot.AllIdentities, error) {
	return e.cache.GetOrLoad(ctx, commit, e.loader.Load)
}

// Get returns the record for key at the head of the ref.
func (e *ExternalIDs) Get(ctx context.Context, key extid.Key) (extid.Record, bool, error) {
	snap, _, err := e.Snapshot(ctx)
	if err != nil {
		return extid.Record{}, false, err
	}
	r, ok := snap.Get(key)
	return r, ok, nil
}

// ByAccount returns the records owned by account at the head of the ref.
func (e *ExternalIDs) ByAccount(ctx context.Context, account int) ([]extid.Record, error) {
	snap, _, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ByAccount(account), nil
}

// ByEmail returns the records bound to email at the head of the ref.
func (e *ExternalIDs) ByEmail(ctx context.Context, email string) ([]extid.Record, error) {
	snap, _, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ByEmail(email), nil
}

// Stats returns the cache counters.
func (e *ExternalIDs) Stats() cache.Stats {
	return e.cache.Stats()
}

// ToAPI converts r to its JSON form.
func ToAPI(r extid.Record) api.ExternalID {
	out := api.ExternalID{
		Key:         r.Key.String(),
		Scheme:      r.Key.Scheme,
		AccountID:   r.AccountID,
		Email:       r.Email,
		HasPassword: r.Password != "",
		NoteID:      r.NoteID(),
	}
	if !r.BlobID.IsZero() {
		out.Blob = r.BlobID.String()
	}
	return out
}

// ToAPIList converts recs, keeping their order.
func ToAPIList(recs []extid.Record) []api.ExternalID {
	out := make([]api.ExternalID, len(recs))
	for i, r := range recs {
		out[i] = ToAPI(r)
	}
	return out
}

// DumpOf renders snap at commit with its account and email views.
func DumpOf(commit plumbing.Hash, snap *snapshot.AllIdentities) api.Dump {
	d := api.Dump{
		Records:   ToAPIList(snap.All()),
		ByAccount: make(map[string][]string),
		ByEmail:   make(map[string][]string),
	}
	if !commit.IsZero() {
		d.Commit = commit.String()
	}
	for _, acc := range snap.Accounts() {
		d.ByAccount[strconv.Itoa(acc)] = keyStrings(snap.ByAccount(acc))
	}
	for _, email := range snap.Emails() {
		d.ByEmail[email] = keyStrings(snap.ByEmail(email))
	}
	return d
}

func keyStrings(recs []extid.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key.String()
	}
	return out
}

// ParseAccount parses a decimal account id.
func ParseAccount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid account id %q", s)
	}
	return n, nil
}
