package filecache

import "sync"

// Metrics is a point-in-time snapshot of the engine's process-local
// counters. Counters are created on first use, never persisted, and reset
// only on explicit request.
type Metrics struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Writes  int64   `json:"writes"`
	HitRate float64 `json:"hit_rate"`
}

// collector accumulates hit/miss/write counts. One collector is shared by
// every view derived from the same engine, so scoped caches report into a
// single set of counters.
type collector struct {
	mu     sync.Mutex
	hits   int64
	misses int64
	writes int64
}

func newCollector() *collector {
	return &collector{}
}

func (c *collector) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *collector) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

func (c *collector) recordWrite() {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
}

func (c *collector) snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := Metrics{Hits: c.hits, Misses: c.misses, Writes: c.writes}
	if total := c.hits + c.misses; total > 0 {
		m.HitRate = float64(c.hits) / float64(total)
	}
	return m
}

func (c *collector) reset() {
	c.mu.Lock()
	c.hits, c.misses, c.writes = 0, 0, 0
	c.mu.Unlock()
}
