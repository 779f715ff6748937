// Package loader builds identity snapshots for note store commits. It is
// the function a keyed cache calls on a miss: it finds a snapshot cached at
// a recent ancestor and applies the tree diff to it, and falls back to
// reading the whole tree whenever that cannot be trusted. Both paths yield
// equal snapshots.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentic-research/extidcache/api"
	"github.com/agentic-research/extidcache/internal/notes"
	"github.com/agentic-research/extidcache/internal/snapshot"
	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/agentic-research/extidcache/internal/loader"

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("invalid loader config")

// Lookup is the read side of the snapshot cache, keyed by commit.
// Get must not load on a miss.
type Lookup interface {
	Get(commit plumbing.Hash) (*snapshot.AllIdentities, bool)
}

// Path is the reconstruction path that produced a snapshot.
type Path string

const (
	PathFull        Path = "full"
	PathIncremental Path = "incremental"
)

// Loader builds snapshots from a note store.
type Loader struct {
	store  notes.Store
	cache  Lookup
	cfg    api.CacheConfig
	log    *zap.Logger
	tracer trace.Tracer
}

// Option configures a Loader.
type Option func(*Loader)

// WithTracerProvider sets where spans go. The default is the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Loader) { l.tracer = tp.Tracer(tracerName) }
}

// New returns a loader reading from store and looking up cached ancestors
// in cache. A nil cache disables incremental reconstruction; a nil logger
// logs nothing.
func New(store notes.Store, cache Lookup, cfg api.CacheConfig, log *zap.Logger, opts ...Option) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.MaxAncestorHops < 0 {
		return nil, fmt.Errorf("%w: max ancestor hops must not be negative, got %d", ErrInvalidConfig, cfg.MaxAncestorHops)
	}
	if cfg.MaxChangedPathsForIncremental < 0 {
		return nil, fmt.Errorf("%w: max changed paths must not be negative, got %d", ErrInvalidConfig, cfg.MaxChangedPathsForIncremental)
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loader{store: store, cache: cache, cfg: cfg, log: log, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Load returns the snapshot for commit. The result always equals what a
// full read of commit's tree produces. Only store errors are returned;
// invalid notes are dropped.
func (l *Loader) Load(ctx context.Context, commit plumbing.Hash) (*snapshot.AllIdentities, error) {
	snap, _, err := l.load(ctx, commit)
	return snap, err
}

func (l *Loader) load(ctx context.Context, commit plumbing.Hash) (*snapshot.AllIdentities, Path, error) {
	ctx, span := l.tracer.Start(ctx, "loader.Load",
		trace.WithAttributes(attribute.String("commit", commit.String())))
	defer span.End()

	start := time.Now()
	snap, path, err := l.loadPath(ctx, commit)
	if err != nil {
		loadErrorsTotal.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", fmt.Errorf("load %s: %w", commit, err)
	}

	loadsTotal.WithLabelValues(string(path)).Inc()
	loadDuration.WithLabelValues(string(path)).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("path", string(path)),
		attribute.Int("records", snap.Len()),
	)
	l.log.Debug("loaded external ids",
		zap.Stringer("commit", commit),
		zap.String("path", string(path)),
		zap.Int("records", snap.Len()),
		zap.Duration("took", time.Since(start)),
	)
	return snap, path, nil
}

func (l *Loader) loadPath(ctx context.Context, commit plumbing.Hash) (*snapshot.AllIdentities, Path, error) {
	if !l.cfg.EnablePartialReloads || l.cache == nil {
		snap, err := l.full(ctx, commit)
		return snap, PathFull, err
	}

	snap, err := l.tryIncremental(ctx, commit)
	var abstain *abstainError
	switch {
	case errors.As(err, &abstain):
		abstentionsTotal.WithLabelValues(string(abstain.reason)).Inc()
		l.log.Debug("falling back to full reload",
			zap.Stringer("commit", commit),
			zap.String("reason", string(abstain.reason)),
			zap.String("detail", abstain.detail),
		)
	case err != nil:
		return nil, "", err
	default:
		if l.cfg.VerifyPartialReloads {
			return l.verify(ctx, commit, snap)
		}
		return snap, PathIncremental, nil
	}

	snap, err = l.full(ctx, commit)
	return snap, PathFull, err
}

func (l *Loader) tryIncremental(ctx context.Context, commit plumbing.Hash) (*snapshot.AllIdentities, error) {
	ctx, span := l.tracer.Start(ctx, "loader.incremental")
	defer span.End()

	b, found, err := locate(ctx, l.store, l.cache, commit, l.cfg.MaxAncestorHops)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &abstainError{reason: ReasonNoBase, detail: fmt.Sprintf("within %d hops", l.cfg.MaxAncestorHops)}
	}
	ancestorHops.Observe(float64(b.hops))
	span.SetAttributes(
		attribute.String("base", b.commit.String()),
		attribute.Int("hops", b.hops),
	)
	return l.incremental(ctx, b, commit)
}

// verify replaces an incremental result with a full reconstruction when the
// two differ.
func (l *Loader) verify(ctx context.Context, commit plumbing.Hash, partial *snapshot.AllIdentities) (*snapshot.AllIdentities, Path, error) {
	full, err := l.full(ctx, commit)
	if err != nil {
		return nil, "", err
	}
	if partial.Equal(full) {
		return partial, PathIncremental, nil
	}
	verifyMismatchTotal.Inc()
	l.log.Warn("incremental reload differs from full reload",
		zap.Stringer("commit", commit),
		zap.Int("incremental_records", partial.Len()),
		zap.Int("full_records", full.Len()),
	)
	return full, PathFull, nil
}
