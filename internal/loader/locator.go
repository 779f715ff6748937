package loader

import (
	"context"

	"github.com/agentic-research/extidcache/internal/notes"
	"github.com/agentic-research/extidcache/internal/snapshot"
	"github.com/go-git/go-git/v5/plumbing"
)

// base is a cached snapshot found at an ancestor of the loaded commit.
type base struct {
	commit plumbing.Hash
	snap   *snapshot.AllIdentities
	hops   int
}

// locate walks commit and up to maxHops first parents, returning the most
// recent one with a cached snapshot. It performs at most maxHops+1 lookups
// and maxHops parent reads. Reaching a root commit is a miss, not an error.
func locate(ctx context.Context, store notes.Store, cache Lookup, commit plumbing.Hash, maxHops int) (base, bool, error) {
	cur := commit
	for hops := 0; ; hops++ {
		if snap, ok := cache.Get(cur); ok {
			return base{commit: cur, snap: snap, hops: hops}, true, nil
		}
		if hops == maxHops {
			return base{}, false, nil
		}
		parent, ok, err := store.ParentOf(ctx, cur)
		if err != nil {
			return base{}, false, err
		}
		if !ok {
			return base{}, false, nil
		}
		cur = parent
	}
}
