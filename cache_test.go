package filecache

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock provides controllable time for TTL and staleness tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *fakeClock, core.FS) {
	t.Helper()
	clock := newFakeClock()
	fsys := billy.NewMemory()
	all := append([]Option{WithFS(fsys), WithClock(clock.Now)}, opts...)
	c, err := New("/cache", all...)
	require.NoError(t, err)
	return c, clock, fsys
}

func TestCache_WriteReadRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "text", payload: []byte("hello")},
		{name: "binary", payload: []byte{0x00, 0x01, 0xfe, 0xff}},
		{name: "empty", payload: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestCache(t)
			ctx := context.Background()

			require.NoError(t, c.Write(ctx, "k", tt.payload, time.Minute))
			got := c.Read(ctx, "k", []byte("fallback"))
			assert.True(t, bytes.Equal(got, tt.payload), "Read() = %v, want %v", got, tt.payload)
		})
	}
}

func TestCache_ReadMissing(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	assert.Equal(t, []byte("fallback"), c.Read(ctx, "never-written", []byte("fallback")))
	assert.Nil(t, c.Read(ctx, "never-written", nil))
	assert.False(t, c.Has(ctx, "never-written"))
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "k", []byte("v"), time.Minute))
	assert.Equal(t, []byte("v"), c.Read(ctx, "k", nil))

	clock.Advance(61 * time.Second)
	assert.Nil(t, c.Read(ctx, "k", nil), "expired entry served")
	assert.False(t, c.Has(ctx, "k"))
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "k", []byte("v"), 0))
	clock.Advance(10000 * time.Hour)
	assert.Equal(t, []byte("v"), c.Read(ctx, "k", nil))
}

func TestCache_NegativeTTLUsesDefault(t *testing.T) {
	c, clock, _ := newTestCache(t, WithDefaultTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "k", []byte("v"), -1))
	clock.Advance(30 * time.Second)
	assert.True(t, c.Has(ctx, "k"))
	clock.Advance(31 * time.Second)
	assert.False(t, c.Has(ctx, "k"))
}

func TestCache_InvalidKey(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	err := c.Write(ctx, "", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.Nil(t, c.Read(ctx, "", nil))
}

func TestCache_DeleteIdempotent(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))
	assert.False(t, c.Has(ctx, "k"))
	assert.NoError(t, c.Delete(ctx, "k"), "repeated delete must not error")
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "k", []byte("v"), 0))

	// Corrupt the entry on disk behind the engine's back.
	loc, err := c.keys.Resolve(c.scope, "k")
	require.NoError(t, err)
	require.NoError(t, c.store.WriteAtomic(ctx, loc, []byte("scrambled bits")))

	assert.Equal(t, []byte("fb"), c.Read(ctx, "k", []byte("fb")), "corrupt entry must read as a miss")
	assert.False(t, c.Has(ctx, "k"))

	// The damaged file is removed opportunistically.
	exists, err := c.store.Exists(ctx, loc)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCache_Metrics(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	c.Read(ctx, "k", nil) // miss
	require.NoError(t, c.Write(ctx, "k", []byte("v"), 0))
	c.Read(ctx, "k", nil) // hit

	m := c.Metrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
	assert.Equal(t, int64(1), m.Writes)
	assert.InDelta(t, 0.5, m.HitRate, 1e-9)

	c.ResetMetrics()
	m = c.Metrics()
	assert.Zero(t, m.Hits)
	assert.Zero(t, m.Misses)
	assert.Zero(t, m.Writes)
	assert.Zero(t, m.HitRate)
}

func TestCache_MetricsSharedAcrossViews(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	scoped, err := c.WithPath("sub")
	require.NoError(t, err)
	scoped.Read(ctx, "k", nil) // miss in the scoped view

	assert.Equal(t, int64(1), c.Metrics().Misses, "views must share one counter set")
}

func TestCache_FlushTags(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Tags("t1").Write(ctx, "a", []byte("a"), 0))
	require.NoError(t, c.Tags("t1", "t2").Write(ctx, "b", []byte("b"), 0))
	require.NoError(t, c.Tags("t2").Write(ctx, "c", []byte("c"), 0))
	require.NoError(t, c.Write(ctx, "d", []byte("d"), 0))

	removed, err := c.FlushTags(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.False(t, c.Has(ctx, "a"))
	assert.False(t, c.Has(ctx, "b"))
	assert.True(t, c.Has(ctx, "c"), "entry tagged only t2 must survive")
	assert.True(t, c.Has(ctx, "d"), "untagged entry must survive")

	// Flushing again finds only stale references, which are skipped.
	removed, err = c.FlushTags(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCache_RewriteReplacesTags(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Tags("old").Write(ctx, "k", []byte("v1"), 0))
	require.NoError(t, c.Tags("new").Write(ctx, "k", []byte("v2"), 0))

	removed, err := c.FlushTags(ctx, "old")
	require.NoError(t, err)
	assert.Zero(t, removed, "rewritten entry must only carry its newest tag set")
	assert.True(t, c.Has(ctx, "k"))

	removed, err = c.FlushTags(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, c.Has(ctx, "k"))
}

func TestCache_TagsAreOneShot(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	view := c.Tags("t")
	require.NoError(t, view.Write(ctx, "first", []byte("1"), 0))
	require.NoError(t, view.Write(ctx, "second", []byte("2"), 0))

	removed, err := c.FlushTags(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "staged tags must apply to exactly one write")
	assert.True(t, c.Has(ctx, "second"))
}

func TestCache_Clear(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Tags("t").Write(ctx, "a", []byte("a"), 0))
	require.NoError(t, c.Write(ctx, "b", []byte("b"), 0))

	require.NoError(t, c.Clear(ctx))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	removed, err := c.FlushTags(ctx, "t")
	require.NoError(t, err)
	assert.Zero(t, removed, "tag records must be dropped by Clear")
}

func TestCache_Keys(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "zebra", []byte("z"), 0))
	require.NoError(t, c.Write(ctx, "apple", []byte("a"), 0))
	require.NoError(t, c.Write(ctx, "gone", []byte("g"), time.Second))

	clock.Advance(2 * time.Second)
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "zebra"}, keys, "keys must be sorted and exclude expired entries")
}

func TestCache_LRUEviction(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	for _, k := range []string{"k1", "k2", "k3", "k4"} {
		require.NoError(t, c.Write(ctx, k, []byte(k), 0))
		clock.Advance(time.Minute)
	}
	// Touch k1 so k2 becomes the coldest entry.
	require.NotNil(t, c.Read(ctx, "k1", nil))
	clock.Advance(time.Minute)

	c.SetMaxItems(3)
	evicted, err := c.EnforceLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	assert.True(t, c.Has(ctx, "k1"), "recently read entry was evicted")
	assert.False(t, c.Has(ctx, "k2"), "least-recently-accessed entry survived")
	assert.True(t, c.Has(ctx, "k3"))
	assert.True(t, c.Has(ctx, "k4"))
}

func TestCache_EvictionAfterWrite(t *testing.T) {
	c, clock, _ := newTestCache(t, WithMaxItems(2))
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Write(ctx, k, []byte(k), 0))
		clock.Advance(time.Minute)
	}

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys, "write must trigger enforcement of the configured bound")
}

func TestCache_AddJitter(t *testing.T) {
	c, _, _ := newTestCache(t, WithJitterPercent(10))

	lo, hi := 90*time.Second, 110*time.Second
	seen := make(map[time.Duration]bool)
	for i := 0; i < 1000; i++ {
		got := c.AddJitter(100 * time.Second)
		assert.GreaterOrEqual(t, got, lo)
		assert.LessOrEqual(t, got, hi)
		seen[got] = true
	}
	assert.Greater(t, len(seen), 1, "jitter must not be constant")

	assert.Equal(t, time.Duration(0), c.AddJitter(0), "zero TTL is never jittered")
}

func TestCache_JitterDisabled(t *testing.T) {
	c, _, _ := newTestCache(t, WithJitterPercent(0))
	assert.Equal(t, 100*time.Second, c.AddJitter(100*time.Second))
}

func TestCache_WithPath(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	users, err := c.WithPath("users")
	require.NoError(t, err)
	require.NoError(t, users.Write(ctx, "k", []byte("scoped"), 0))
	require.NoError(t, c.Write(ctx, "k", []byte("root"), 0))

	assert.Equal(t, []byte("scoped"), users.Read(ctx, "k", nil))
	assert.Equal(t, []byte("root"), c.Read(ctx, "k", nil))

	rootKeys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, rootKeys, "scoped entries must not leak into the parent listing")

	nested, err := users.WithPath("42/profile")
	require.NoError(t, err)
	require.NoError(t, nested.Write(ctx, "k", []byte("deep"), 0))
	assert.Equal(t, []byte("deep"), nested.Read(ctx, "k", nil))
}

func TestCache_WithPathRejectsTraversal(t *testing.T) {
	c, _, _ := newTestCache(t)

	for _, p := range []string{"..", "../other", "a/../../b", "/abs", "", "."} {
		_, err := c.WithPath(p)
		assert.Error(t, err, "WithPath(%q) must be rejected", p)
	}

	// Traversal within bounds is fine once cleaned.
	_, err := c.WithPath("a/../b")
	assert.NoError(t, err)
}

func TestCache_Size(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	size, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	payload := make([]byte, 500)
	require.NoError(t, c.Write(ctx, "k", payload, 0))

	size, err = c.Size(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, int64(500), "size must cover at least the payload bytes")
}

func TestCache_Prune(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "keep", []byte("k"), time.Hour))
	require.NoError(t, c.Write(ctx, "drop1", []byte("d"), time.Second))
	require.NoError(t, c.Write(ctx, "drop2", []byte("d"), time.Second))

	clock.Advance(2 * time.Second)
	pruned, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
	assert.True(t, c.Has(ctx, "keep"))
}

func TestCache_AcquireReleaseLock(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be re-acquired")

	require.NoError(t, c.ReleaseLock(ctx, "job"))

	ok, err = c.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_AccessBumpPersists(t *testing.T) {
	// A read must update the on-disk access time so a separate engine
	// instance (another process) sees the same LRU ordering.
	clock := newFakeClock()
	fsys := billy.NewMemory()
	ctx := context.Background()

	p1, err := New("/cache", WithFS(fsys), WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, p1.Write(ctx, "cold", []byte("c"), 0))
	clock.Advance(time.Minute)
	require.NoError(t, p1.Write(ctx, "hot", []byte("h"), 0))
	clock.Advance(time.Minute)
	require.NotNil(t, p1.Read(ctx, "cold", nil))
	clock.Advance(time.Minute)

	p2, err := New("/cache", WithFS(fsys), WithClock(clock.Now))
	require.NoError(t, err)
	p2.SetMaxItems(1)
	evicted, err := p2.EnforceLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.True(t, p2.Has(ctx, "cold"), "read bump was not visible across engine instances")
	assert.False(t, p2.Has(ctx, "hot"))
}
