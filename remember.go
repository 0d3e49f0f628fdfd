package filecache

import (
	"context"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/filecache/internal/store"
)

// rememberResult carries a computed payload together with a persistence
// failure through singleflight, which only channels a single error value.
type rememberResult struct {
	payload []byte
	err     error
}

// Remember returns the cached payload for key, or invokes compute on a miss,
// stores the result with ttl, and returns it. Concurrent in-process callers
// for the same key are deduplicated so compute runs once per flight; a
// compute error propagates uncached. When persisting the computed value
// fails, the value is still returned alongside the write error.
func (c *Cache) Remember(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, mapKeyError(err)
	}

	if entry, ok := c.lookup(ctx, key); ok {
		return entry.Payload, nil
	}

	v, err, _ := c.sf.Do(c.flightKey(key), func() (any, error) {
		// A concurrent flight may have filled the entry between the miss
		// and this callback.
		if entry, err := c.peek(ctx, key); err == nil && entry != nil {
			return rememberResult{payload: entry.Payload}, nil
		}
		payload, err := compute(ctx)
		if err != nil {
			return nil, mapComputeError(err)
		}
		return rememberResult{payload: payload, err: c.write(ctx, key, payload, ttl)}, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(rememberResult)
	return res.payload, res.err
}

// Permanent is Remember with a zero TTL: the computed entry never expires.
func (c *Cache) Permanent(ctx context.Context, key string, compute ComputeFunc) ([]byte, error) {
	return c.Remember(ctx, key, 0, compute)
}

// RememberWithStale is the stampede-prevention read path. A fresh entry is
// returned immediately. An entry that expired within the grace window is
// refreshed by whichever caller wins the cross-process lock while everyone
// else is served the stale payload, bounding both recomputation and caller
// latency. When no servable entry exists, callers contend for the lock with
// a bounded wait; losers re-read the winner's result, falling back to an
// unlocked computation as a last resort so progress is guaranteed even if
// the winner crashed. A value is always returned unless compute itself
// fails, which propagates uncached.
func (c *Cache) RememberWithStale(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, mapKeyError(err)
	}

	entry, err := c.peekAny(ctx, key)
	if err != nil {
		return nil, err
	}
	now := c.cfg.now()

	switch {
	case entry != nil && !entry.Expired(now):
		c.metrics.recordHit()
		c.bumpAccess(ctx, entry)
		return entry.Payload, nil

	case entry != nil && entry.Stale(now, c.cfg.grace):
		return c.refreshStale(ctx, key, ttl, entry, compute)

	default:
		c.metrics.recordMiss()
		return c.computeBlocking(ctx, key, ttl, compute)
	}
}

// refreshStale refreshes an expired-but-servable entry under the
// cross-process lock, serving the stale payload to callers that lose the
// acquisition race.
func (c *Cache) refreshStale(ctx context.Context, key string, ttl time.Duration, stale *store.Entry, compute ComputeFunc) ([]byte, error) {
	name := store.HashKey(key)
	ok, err := c.locks.Acquire(ctx, name, c.cfg.lockTimeout)
	if err != nil {
		c.logger.Warn(ctx, "lock acquisition failed, serving stale", "key", key, "error", err)
		ok = false
	}
	if !ok {
		// Another process is already refreshing.
		c.metrics.recordHit()
		return stale.Payload, nil
	}
	defer func() {
		if err := c.locks.Release(ctx, name); err != nil {
			c.logger.Warn(ctx, "failed to release refresh lock", "key", key, "error", err)
		}
	}()

	c.metrics.recordMiss()
	payload, err := compute(ctx)
	if err != nil {
		return nil, mapComputeError(err)
	}
	return payload, c.write(ctx, key, payload, ttl)
}

// computeBlocking handles the absent-or-fully-expired case: contend for the
// lock with a bounded wait, re-checking for a winner's freshly written entry
// between attempts, and compute unlocked as a last resort.
func (c *Cache) computeBlocking(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	name := store.HashKey(key)
	deadline := c.cfg.now().Add(c.cfg.lockTimeout)

	for {
		ok, err := c.locks.Acquire(ctx, name, c.cfg.lockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, platformerrors.Wrap(ctx.Err(), platformerrors.CodeTimeout, "cache recompute cancelled")
			}
			c.logger.Warn(ctx, "lock acquisition failed", "key", key, "error", err)
			break
		}
		if ok {
			// Write before releasing so waiters polling for the result
			// cannot reacquire the lock and recompute in between.
			payload, cerr := compute(ctx)
			var werr error
			if cerr == nil {
				werr = c.write(ctx, key, payload, ttl)
			}
			if relErr := c.locks.Release(ctx, name); relErr != nil {
				c.logger.Warn(ctx, "failed to release compute lock", "key", key, "error", relErr)
			}
			if cerr != nil {
				return nil, mapComputeError(cerr)
			}
			return payload, werr
		}

		// Another process holds the lock; its result may already be visible.
		if entry, err := c.peek(ctx, key); err == nil && entry != nil {
			return entry.Payload, nil
		}
		if !c.cfg.now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, platformerrors.Wrap(ctx.Err(), platformerrors.CodeTimeout, "cache recompute cancelled")
		case <-time.After(c.cfg.pollInterval):
		}
	}

	// Re-read once: the holder may have finished right at the deadline.
	if entry, err := c.peek(ctx, key); err == nil && entry != nil {
		return entry.Payload, nil
	}
	if ctx.Err() != nil {
		return nil, platformerrors.Wrap(ctx.Err(), platformerrors.CodeTimeout, "cache recompute cancelled")
	}

	// Last resort: compute unlocked to guarantee forward progress even if
	// the original holder crashed without releasing.
	payload, err := compute(ctx)
	if err != nil {
		return nil, mapComputeError(err)
	}
	return payload, c.write(ctx, key, payload, ttl)
}

// peekAny loads the entry for key, expired or not, without deleting stale
// data: the stale-while-revalidate path needs the expired payload.
func (c *Cache) peekAny(ctx context.Context, key string) (*store.Entry, error) {
	loc, err := c.keys.Resolve(c.scope, key)
	if err != nil {
		return nil, mapKeyError(err)
	}

	data, err := c.store.Read(ctx, loc)
	if err != nil {
		return nil, nil
	}
	entry, err := store.DecodeEntry(data)
	if err != nil {
		c.dropDead(ctx, loc, err)
		return nil, nil
	}
	return entry, nil
}

func (c *Cache) flightKey(key string) string {
	return c.scope + "\x00" + key
}
