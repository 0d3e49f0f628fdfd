// Package filecache provides a persistent, file-backed key/value cache with
// TTL expiry, tag-based bulk invalidation, cross-process stampede locking,
// stale-while-revalidate serving, and bounded size via LRU eviction.
//
// The cache stores opaque byte payloads: callers serialize their data before
// writing and deserialize after reading. Each entry is a single file whose
// self-describing header carries the expiry timestamp, tag list, and access
// metadata, so expiry and tag checks never decode caller payloads.
//
// # Concurrency model
//
// The engine has no internal scheduler; every operation runs synchronously on
// the caller's goroutine. Concurrency correctness is a multi-process concern:
// independent OS processes sharing a directory coordinate exclusively through
// the filesystem, using atomic renames for writes and exclusive-create lock
// markers for stampede prevention. Writes to the same key from different
// processes have last-write-wins semantics.
//
// # Basic usage
//
//	cache, err := filecache.New("/var/cache/app")
//	if err != nil {
//		return err
//	}
//
//	if err := cache.Write(ctx, "greeting", []byte("hello"), time.Minute); err != nil {
//		return err
//	}
//	payload := cache.Read(ctx, "greeting", nil)
//
// Expensive computations are cached with Remember, which deduplicates
// concurrent in-process callers and only invokes the callback on a miss:
//
//	payload, err := cache.Remember(ctx, "report", time.Hour, buildReport)
//
// RememberWithStale additionally serves an expired value while a single
// process refreshes it under a filesystem lock, bounding both latency and
// recomputation during expiry storms.
//
// # Scopes and tags
//
// WithPath derives a namespaced view sharing the same root and metrics:
//
//	users, err := cache.WithPath("users")
//
// Tags stages labels for the next write, enabling bulk invalidation:
//
//	err := cache.Tags("user:42", "profile").Write(ctx, key, payload, ttl)
//	removed, err := cache.FlushTags(ctx, "user:42")
//
// # Filesystems
//
// All I/O goes through core.FS from github.com/jmgilman/go/fs/core. The
// default is the local filesystem; tests typically inject an in-memory
// filesystem via WithFS(billy.NewMemory()).
package filecache
