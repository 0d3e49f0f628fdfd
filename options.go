package filecache

import (
	"math/rand/v2"
	"time"

	"github.com/jmgilman/go/fs/core"
)

// Defaults applied by New when the corresponding option is not supplied.
const (
	// DefaultTTL is used when a write requests the configured default by
	// passing a negative TTL.
	DefaultTTL = time.Hour
	// DefaultJitterPercent bounds the random TTL perturbation applied by
	// AddJitter.
	DefaultJitterPercent = 10
	// DefaultGracePeriod is how long past expiry a stale entry remains
	// servable while another process refreshes it.
	DefaultGracePeriod = 30 * time.Second
	// DefaultLockTimeout bounds lock acquisition waits and is the age at
	// which an existing lock marker is considered abandoned.
	DefaultLockTimeout = 10 * time.Second
	// DefaultExtension is appended to entry filenames.
	DefaultExtension = ".cache"

	defaultPollInterval = 25 * time.Millisecond
)

// config holds the engine configuration assembled from options. It is
// immutable after construction and shared by every derived view; the only
// mutable runtime setting (the max-item bound) lives in limits.
type config struct {
	fs            core.FS
	defaultTTL    time.Duration
	maxItems      int
	jitterPercent int
	grace         time.Duration
	lockTimeout   time.Duration
	pollInterval  time.Duration
	prefix        string
	extension     string
	logger        *Logger
	now           func() time.Time
	randFloat     func() float64
}

func defaultConfig() *config {
	return &config{
		defaultTTL:    DefaultTTL,
		jitterPercent: DefaultJitterPercent,
		grace:         DefaultGracePeriod,
		lockTimeout:   DefaultLockTimeout,
		pollInterval:  defaultPollInterval,
		extension:     DefaultExtension,
		logger:        NewNopLogger(),
		now:           time.Now,
		randFloat:     rand.Float64,
	}
}

// Option configures a cache engine during construction.
type Option func(*config)

// WithFS sets the filesystem backing the cache. Defaults to the local
// filesystem; tests typically pass billy.NewMemory().
func WithFS(fsys core.FS) Option {
	return func(c *config) {
		c.fs = fsys
	}
}

// WithDefaultTTL sets the TTL applied when a write passes a negative TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithMaxItems bounds the number of entries per scope. Zero (the default)
// disables eviction.
func WithMaxItems(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxItems = n
		}
	}
}

// WithJitterPercent sets the bound, as a percentage of the nominal TTL, of
// the random perturbation applied by AddJitter. Accepts 0 through 100.
func WithJitterPercent(p int) Option {
	return func(c *config) {
		if p >= 0 && p <= 100 {
			c.jitterPercent = p
		}
	}
}

// WithGracePeriod sets how long past expiry a stale entry remains servable
// by RememberWithStale while a single caller refreshes it.
func WithGracePeriod(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithLockTimeout sets the default lock acquisition window. It also bounds
// how long a crashed holder's marker survives before being reclaimed.
func WithLockTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

// WithPollInterval sets the delay between lock re-checks on the blocking
// recompute path.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithKeyPrefix prepends a fixed prefix to every entry filename.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithExtension sets the entry filename extension, including the dot.
func WithExtension(ext string) Option {
	return func(c *config) {
		c.extension = ext
	}
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock injects the time source used for expiry, staleness, and lock age
// decisions. Intended for tests that need to advance simulated time.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}
