package filecache

import (
	"context"
	"errors"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"golang.org/x/sync/singleflight"

	"github.com/jmgilman/go/filecache/internal/evict"
	"github.com/jmgilman/go/filecache/internal/lock"
	"github.com/jmgilman/go/filecache/internal/store"
	"github.com/jmgilman/go/filecache/internal/tagindex"
)

// Reserved subdirectory names within a scope. List and Size skip anything
// dot-prefixed, so these never masquerade as entries.
const (
	tagDirName  = ".tags"
	lockDirName = ".locks"
)

// limits holds the runtime-adjustable item bound, shared across every view
// derived from one engine.
type limits struct {
	mu       sync.Mutex
	maxItems int
}

func (l *limits) get() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxItems
}

func (l *limits) set(n int) {
	l.mu.Lock()
	l.maxItems = n
	l.mu.Unlock()
}

// Cache is a file-backed cache engine bound to one scope directory. Derived
// views created by WithPath and Tags share the underlying store, metrics,
// and limits with their parent; the views themselves are cheap values.
//
// All operations execute synchronously on the caller's goroutine. Safe for
// concurrent use by multiple goroutines and, through filesystem-level
// coordination, by multiple processes.
type Cache struct {
	cfg     *config
	store   *store.Store
	keys    store.KeyCodec
	scope   string
	tags    *tagindex.Index
	locks   *lock.Manager
	evictor *evict.Evictor
	metrics *collector
	limits  *limits
	sf      *singleflight.Group
	logger  *Logger

	// pending holds tags staged by Tags for the next write on this view.
	// One-shot: consumed and cleared by the write that uses them.
	pending []string
}

// ComputeFunc produces a payload on a cache miss. It runs synchronously on
// the caller's goroutine; an error propagates to the caller uncached.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// New creates a cache engine rooted at the given directory. The directory is
// created if absent.
func New(root string, opts ...Option) (*Cache, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.fs == nil {
		cfg.fs = billy.NewLocal()
	}

	st, err := store.New(cfg.fs, root)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "failed to initialize cache storage")
	}

	c := &Cache{
		cfg:     cfg,
		store:   st,
		keys:    store.KeyCodec{Prefix: cfg.prefix, Extension: cfg.extension},
		metrics: newCollector(),
		limits:  &limits{maxItems: cfg.maxItems},
		sf:      &singleflight.Group{},
		logger:  cfg.logger,
	}
	if err := c.bindScope(""); err != nil {
		return nil, err
	}
	return c, nil
}

// bindScope attaches the per-scope components (tag index, lock manager,
// evictor) for the given relative scope path.
func (c *Cache) bindScope(scope string) error {
	mgr, err := lock.NewManager(c.cfg.fs, path.Join(c.store.Root(), scope, lockDirName), c.cfg.now)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "failed to initialize lock manager")
	}
	c.scope = scope
	c.tags = tagindex.New(c.store, path.Join(scope, tagDirName))
	c.locks = mgr
	c.evictor = evict.New(c.store)
	c.logger = c.cfg.logger.WithScope(path.Join(c.store.Root(), scope))
	return nil
}

// WithPath derives a view scoped to a subdirectory of this cache's scope.
// The path must be relative and must not traverse upward. The derived view
// shares metrics, limits, and in-process deduplication with its parent.
func (c *Cache) WithPath(p string) (*Cache, error) {
	cleaned := path.Clean(p)
	if cleaned == "" || cleaned == "." || path.IsAbs(cleaned) ||
		cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "invalid cache scope path: %q", p)
	}

	view := c.clone()
	if err := view.bindScope(path.Join(c.scope, cleaned)); err != nil {
		return nil, err
	}
	return view, nil
}

// Tags stages a tag set to be attached by the next write on the returned
// view. The staging is one-shot: the write consumes it.
func (c *Cache) Tags(tags ...string) *Cache {
	view := c.clone()
	view.pending = dedupTags(tags)
	return view
}

func (c *Cache) clone() *Cache {
	view := *c
	view.pending = nil
	return &view
}

func dedupTags(tags []string) []string {
	var out []string
	for _, tag := range tags {
		if tag != "" && !slices.Contains(out, tag) {
			out = append(out, tag)
		}
	}
	return out
}

// Write stores payload under key. A positive ttl sets the expiry, zero means
// the entry never expires, and a negative ttl applies the configured default
// TTL. Any tags staged on this view are attached, replacing the key's prior
// tag set. Failures to persist are surfaced, never swallowed.
func (c *Cache) Write(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return c.write(ctx, key, payload, ttl)
}

// WriteWithExpiry is Write with jitter pre-applied to the TTL, so entries
// written together do not all expire at the same instant.
func (c *Cache) WriteWithExpiry(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return c.write(ctx, key, payload, c.AddJitter(ttl))
}

func (c *Cache) write(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	loc, err := c.keys.Resolve(c.scope, key)
	if err != nil {
		return mapKeyError(err)
	}
	if ttl < 0 {
		ttl = c.cfg.defaultTTL
	}

	now := c.cfg.now()
	entry := &store.Entry{
		Key:        key,
		Payload:    payload,
		CreatedAt:  now,
		AccessedAt: now,
		Tags:       c.takePending(),
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	prevTags := c.previousTags(ctx, loc)

	data, err := store.EncodeEntry(entry)
	if err != nil {
		return mapWriteError(err)
	}
	if err := c.store.WriteAtomic(ctx, loc, data); err != nil {
		return mapWriteError(err)
	}
	c.metrics.recordWrite()

	if len(prevTags) > 0 || len(entry.Tags) > 0 {
		if err := c.tags.Replace(ctx, key, prevTags, entry.Tags); err != nil {
			return mapWriteError(err)
		}
	}

	if n := c.limits.get(); n > 0 {
		if _, err := c.evictor.Enforce(ctx, c.scope, n); err != nil {
			c.logger.Warn(ctx, "eviction after write failed", "error", err)
		}
	}
	return nil
}

// takePending consumes the tags staged on this view.
func (c *Cache) takePending() []string {
	tags := c.pending
	c.pending = nil
	return tags
}

// previousTags returns the tag set of the entry currently at loc, if any.
// Best-effort: an unreadable or corrupt predecessor simply has no tags to
// detach.
func (c *Cache) previousTags(ctx context.Context, loc string) []string {
	data, err := c.store.Read(ctx, loc)
	if err != nil {
		return nil
	}
	header, err := store.DecodeHeader(data)
	if err != nil {
		return nil
	}
	return header.Tags
}

// Read returns the payload stored under key, or fallback when the key is
// absent, expired, corrupt, or unreadable. Read fails open: cache-layer
// faults degrade to a miss instead of surfacing to the caller. A hit bumps
// the entry's last-access time.
func (c *Cache) Read(ctx context.Context, key string, fallback []byte) []byte {
	entry, ok := c.lookup(ctx, key)
	if !ok {
		return fallback
	}
	return entry.Payload
}

// Has reports whether a live (present and unexpired) entry exists for key.
// It decodes only the entry header and does not bump the access time, but
// still counts toward hit/miss metrics for consistency with Read.
func (c *Cache) Has(ctx context.Context, key string) bool {
	loc, err := c.keys.Resolve(c.scope, key)
	if err != nil {
		c.metrics.recordMiss()
		return false
	}

	data, err := c.store.Read(ctx, loc)
	if err != nil {
		c.metrics.recordMiss()
		return false
	}
	header, err := store.DecodeHeader(data)
	if err != nil || header.Expired(c.cfg.now()) {
		c.dropDead(ctx, loc, err)
		c.metrics.recordMiss()
		return false
	}
	c.metrics.recordHit()
	return true
}

// lookup reads and fully decodes the entry for key, recording hit/miss
// metrics and bumping the access time on a hit.
func (c *Cache) lookup(ctx context.Context, key string) (*store.Entry, bool) {
	entry, err := c.peek(ctx, key)
	if err != nil || entry == nil {
		c.metrics.recordMiss()
		return nil, false
	}
	c.metrics.recordHit()
	c.bumpAccess(ctx, entry)
	return entry, true
}

// peek loads the live entry for key without touching metrics or access
// metadata. Expired and corrupt entries are deleted opportunistically and
// reported as absent. The returned error is reserved for key validation;
// infrastructure faults degrade to a miss.
func (c *Cache) peek(ctx context.Context, key string) (*store.Entry, error) {
	loc, err := c.keys.Resolve(c.scope, key)
	if err != nil {
		return nil, mapKeyError(err)
	}

	data, err := c.store.Read(ctx, loc)
	if err != nil {
		if !errors.Is(err, store.ErrNotExist) {
			c.logger.Warn(ctx, "cache read degraded to miss", "key", key, "error", err)
		}
		return nil, nil
	}

	entry, err := store.DecodeEntry(data)
	if err != nil {
		c.dropDead(ctx, loc, err)
		return nil, nil
	}
	if entry.Expired(c.cfg.now()) {
		c.dropDead(ctx, loc, nil)
		return nil, nil
	}
	return entry, nil
}

// bumpAccess persists an updated last-access time for LRU ordering.
// Best-effort: a failed bump costs eviction precision, not correctness.
func (c *Cache) bumpAccess(ctx context.Context, entry *store.Entry) {
	loc, err := c.keys.Resolve(c.scope, entry.Key)
	if err != nil {
		return
	}
	entry.AccessedAt = c.cfg.now()
	data, err := store.EncodeEntry(entry)
	if err != nil {
		return
	}
	if err := c.store.WriteAtomic(ctx, loc, data); err != nil {
		c.logger.Debug(ctx, "failed to record entry access", "key", entry.Key, "error", err)
	}
}

// dropDead opportunistically removes an expired or corrupt entry file.
func (c *Cache) dropDead(ctx context.Context, loc string, decodeErr error) {
	if decodeErr != nil {
		c.logger.Warn(ctx, "removing corrupt cache entry", "location", loc, "error", decodeErr)
	}
	if err := c.store.Delete(ctx, loc); err != nil {
		c.logger.Debug(ctx, "failed to remove dead entry", "location", loc, "error", err)
	}
}

// Delete removes the entry for key along with its tag associations.
// Deleting an absent key is a no-op.
func (c *Cache) Delete(ctx context.Context, key string) error {
	loc, err := c.keys.Resolve(c.scope, key)
	if err != nil {
		return mapKeyError(err)
	}

	for _, tag := range c.previousTags(ctx, loc) {
		if err := c.tags.Detach(ctx, tag, key); err != nil {
			c.logger.Warn(ctx, "failed to detach tag", "key", key, "tag", tag, "error", err)
		}
	}
	if err := c.store.Delete(ctx, loc); err != nil {
		return mapIOError(err)
	}
	return nil
}

// Clear removes every entry in this scope together with the scope's tag
// records. Nested scopes are untouched.
func (c *Cache) Clear(ctx context.Context) error {
	locs, err := c.store.List(ctx, c.scope)
	if err != nil {
		return mapIOError(err)
	}
	for _, loc := range locs {
		if err := c.store.Delete(ctx, loc); err != nil {
			return mapIOError(err)
		}
	}
	if err := c.tags.Clear(ctx); err != nil {
		return mapIOError(err)
	}
	return nil
}

// Keys returns the logical keys of every live entry in this scope, sorted.
// Expired and undecodable entries are skipped.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	locs, err := c.store.List(ctx, c.scope)
	if err != nil {
		return nil, mapIOError(err)
	}

	now := c.cfg.now()
	var keys []string
	for _, loc := range locs {
		data, err := c.store.Read(ctx, loc)
		if err != nil {
			continue
		}
		header, err := store.DecodeHeader(data)
		if err != nil || header.Expired(now) {
			continue
		}
		keys = append(keys, header.Key)
	}
	slices.Sort(keys)
	return keys, nil
}

// FlushTags deletes every entry registered under any of the given tags and
// drops the tag records. Stale index references to already-missing entries
// are skipped without error. Returns the number of entries removed.
func (c *Cache) FlushTags(ctx context.Context, tags ...string) (int, error) {
	seen := make(map[string]bool)
	removed := 0

	for _, tag := range tags {
		keys, err := c.tags.Keys(ctx, tag)
		if err != nil {
			return removed, mapIOError(err)
		}
		for _, key := range keys {
			if seen[key] {
				continue
			}
			seen[key] = true

			loc, err := c.keys.Resolve(c.scope, key)
			if err != nil {
				continue
			}
			exists, err := c.store.Exists(ctx, loc)
			if err != nil {
				return removed, mapIOError(err)
			}
			if !exists {
				continue
			}
			if err := c.Delete(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}
	}

	for _, tag := range tags {
		if err := c.tags.Drop(ctx, tag); err != nil {
			return removed, mapIOError(err)
		}
	}

	c.logger.Info(ctx, "flushed tags", "tags", tags, "removed", removed)
	return removed, nil
}

// AcquireLock attempts to take the cross-process lock for key without
// blocking. It returns false when another live holder owns the lock; markers
// older than timeout are reclaimed. Contention is a normal outcome, not an
// error.
func (c *Cache) AcquireLock(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	if err := store.ValidateKey(key); err != nil {
		return false, mapKeyError(err)
	}
	if timeout <= 0 {
		timeout = c.cfg.lockTimeout
	}
	ok, err := c.locks.Acquire(ctx, store.HashKey(key), timeout)
	if err != nil {
		return false, mapLockError(err)
	}
	return ok, nil
}

// ReleaseLock releases the lock for key if this engine still holds it.
// Releasing after a timeout-driven reclamation is a tolerated no-op.
func (c *Cache) ReleaseLock(ctx context.Context, key string) error {
	if err := store.ValidateKey(key); err != nil {
		return mapKeyError(err)
	}
	if err := c.locks.Release(ctx, store.HashKey(key)); err != nil {
		return mapLockError(err)
	}
	return nil
}

// SetMaxItems configures the per-scope entry bound enforced after writes and
// by EnforceLimit. Zero disables eviction.
func (c *Cache) SetMaxItems(n int) {
	if n >= 0 {
		c.limits.set(n)
	}
}

// EnforceLimit evicts the least-recently-accessed entries until the scope
// holds at most the configured maximum. Returns the number evicted.
func (c *Cache) EnforceLimit(ctx context.Context) (int, error) {
	evicted, err := c.evictor.Enforce(ctx, c.scope, c.limits.get())
	if err != nil {
		return len(evicted), mapIOError(err)
	}
	if len(evicted) > 0 {
		c.logger.Info(ctx, "evicted entries", "count", len(evicted))
	}
	return len(evicted), nil
}

// Prune removes every expired entry in this scope and returns the number
// removed. Expiry is otherwise detected lazily at read time; Prune exists
// for callers that want to reclaim space eagerly.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	locs, err := c.store.List(ctx, c.scope)
	if err != nil {
		return 0, mapIOError(err)
	}

	now := c.cfg.now()
	pruned := 0
	for _, loc := range locs {
		data, err := c.store.Read(ctx, loc)
		if err != nil {
			continue
		}
		header, err := store.DecodeHeader(data)
		if err == nil && !header.Expired(now) {
			continue
		}
		if err := c.store.Delete(ctx, loc); err != nil {
			return pruned, mapIOError(err)
		}
		pruned++
	}
	return pruned, nil
}

// AddJitter perturbs ttl by a bounded random percentage so entries written
// at the same instant with the same nominal TTL do not all expire together.
// With the default 10 percent, a TTL of 100s maps into [90s, 110s].
func (c *Cache) AddJitter(ttl time.Duration) time.Duration {
	if ttl <= 0 || c.cfg.jitterPercent <= 0 {
		return ttl
	}
	// randFloat in [0,1) mapped to [-1,1).
	f := c.cfg.randFloat()*2 - 1
	delta := time.Duration(float64(ttl) * float64(c.cfg.jitterPercent) / 100 * f)
	return ttl + delta
}

// Metrics returns a snapshot of the engine's hit/miss/write counters.
func (c *Cache) Metrics() Metrics {
	return c.metrics.snapshot()
}

// ResetMetrics zeroes the engine's counters.
func (c *Cache) ResetMetrics() {
	c.metrics.reset()
}

// Size returns the total on-disk size in bytes of the entries in this scope.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	size, err := c.store.Size(ctx, c.scope)
	if err != nil {
		return 0, mapIOError(err)
	}
	return size, nil
}
