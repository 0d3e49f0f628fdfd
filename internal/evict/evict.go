// Package evict enforces the configured maximum item count for a scope using
// least-recently-used ordering derived from entry headers. Enforcement is a
// deliberate O(n log n) full scan: it runs opportunistically after writes (or
// on demand) instead of maintaining a persistent access-order structure that
// would itself need crash-safe concurrent updates on every read.
package evict

import (
	"context"
	"sort"
	"time"

	"github.com/jmgilman/go/filecache/internal/store"
)

// candidate pairs an entry location with the access metadata driving LRU
// ordering.
type candidate struct {
	loc      string
	key      string
	accessed time.Time
}

// Evictor deletes the oldest entries in a scope once the item count exceeds
// a bound.
type Evictor struct {
	store *store.Store
}

// New creates an evictor over the given store.
func New(st *store.Store) *Evictor {
	return &Evictor{store: st}
}

// Enforce scans scopePath and, if more than maxItems entries are present,
// deletes the oldest by last access until exactly maxItems remain. Files
// whose headers no longer decode are removed unconditionally and do not
// count toward the bound. Returns the logical keys of the evicted entries
// for reporting. Tag associations are not detached here; stale index
// references are skipped lazily during flushes.
func (e *Evictor) Enforce(ctx context.Context, scopePath string, maxItems int) ([]string, error) {
	if maxItems <= 0 {
		return nil, nil
	}

	locs, err := e.store.List(ctx, scopePath)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	var evicted []string
	for _, loc := range locs {
		data, err := e.store.Read(ctx, loc)
		if err != nil {
			// Deleted by another process mid-scan; skip it.
			continue
		}
		header, err := store.DecodeHeader(data)
		if err != nil {
			// Undecodable files would otherwise occupy the scope forever.
			if err := e.store.Delete(ctx, loc); err != nil {
				return evicted, err
			}
			continue
		}
		candidates = append(candidates, candidate{
			loc:      loc,
			key:      header.Key,
			accessed: header.AccessedAt,
		})
	}

	if len(candidates) <= maxItems {
		return evicted, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].accessed.Before(candidates[j].accessed)
	})

	for _, c := range candidates[:len(candidates)-maxItems] {
		if err := e.store.Delete(ctx, c.loc); err != nil {
			return evicted, err
		}
		evicted = append(evicted, c.key)
	}
	return evicted, nil
}
