// Package tagindex maintains the persisted tag to key-set associations used
// for bulk invalidation. Each tag is one JSON record file under a reserved
// subdirectory of the scope, written through the store's atomic path so the
// index survives crashes and process restarts.
package tagindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"

	"github.com/jmgilman/go/filecache/internal/store"
)

// record is the on-disk shape of a single tag's key set.
type record struct {
	Tag  string   `json:"tag"`
	Keys []string `json:"keys"`
}

// Index persists tag associations for one scope. A key listed under a tag is
// not guaranteed to still exist as a live entry: stale references are
// tolerated and skipped lazily during flushes rather than swept on every
// write.
type Index struct {
	store *store.Store
	dir   string
}

// New creates a tag index persisting records under dir (relative to the
// store root).
func New(st *store.Store, dir string) *Index {
	return &Index{store: st, dir: dir}
}

// Attach registers key under tag.
func (ix *Index) Attach(ctx context.Context, tag, key string) error {
	rec, err := ix.load(ctx, tag)
	if err != nil {
		return err
	}
	if slices.Contains(rec.Keys, key) {
		return nil
	}
	rec.Keys = append(rec.Keys, key)
	slices.Sort(rec.Keys)
	return ix.save(ctx, rec)
}

// Detach removes key from tag's set. Detaching an absent key is a no-op.
func (ix *Index) Detach(ctx context.Context, tag, key string) error {
	rec, err := ix.load(ctx, tag)
	if err != nil {
		return err
	}
	idx := slices.Index(rec.Keys, key)
	if idx < 0 {
		return nil
	}
	rec.Keys = slices.Delete(rec.Keys, idx, idx+1)
	if len(rec.Keys) == 0 {
		return ix.Drop(ctx, tag)
	}
	return ix.save(ctx, rec)
}

// Replace swaps a key's tag associations: the key is detached from every tag
// in prev that is not in next, and attached to every tag in next. A rewritten
// entry is therefore associated only with its newest tag set.
func (ix *Index) Replace(ctx context.Context, key string, prev, next []string) error {
	for _, tag := range prev {
		if slices.Contains(next, tag) {
			continue
		}
		if err := ix.Detach(ctx, tag, key); err != nil {
			return err
		}
	}
	for _, tag := range next {
		if err := ix.Attach(ctx, tag, key); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the keys registered under tag. An unknown tag yields an empty
// set.
func (ix *Index) Keys(ctx context.Context, tag string) ([]string, error) {
	rec, err := ix.load(ctx, tag)
	if err != nil {
		return nil, err
	}
	return rec.Keys, nil
}

// Drop removes the record for tag entirely.
func (ix *Index) Drop(ctx context.Context, tag string) error {
	return ix.store.Delete(ctx, ix.location(tag))
}

// Clear removes every tag record in this scope.
func (ix *Index) Clear(ctx context.Context) error {
	return ix.store.RemoveDir(ctx, ix.dir)
}

func (ix *Index) load(ctx context.Context, tag string) (*record, error) {
	data, err := ix.store.Read(ctx, ix.location(tag))
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return &record{Tag: tag}, nil
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record loses its associations but must not poison
		// writes; start the tag over.
		return &record{Tag: tag}, nil
	}
	return &rec, nil
}

func (ix *Index) save(ctx context.Context, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode tag record: %w", err)
	}
	return ix.store.WriteAtomic(ctx, ix.location(rec.Tag), data)
}

func (ix *Index) location(tag string) string {
	return path.Join(ix.dir, store.HashKey(tag)+".json")
}
