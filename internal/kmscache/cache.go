// Package kmscache caches unwrapped KMS data keys so that decrypting a record
// does not cost a remote KMS call every time.
//
// Entries are keyed by (record id, wrapped key) and hold the plaintext data
// key re-sealed under a random process-local key kept in a memguard enclave,
// so the cache never holds a usable key at rest. The cache is bounded, entries
// expire after an idle period, and concurrent misses for the same key share a
// single unwrap.
//
// The cache is an optimization only: a disabled cache (Size 0) calls the
// loader on every Get.
package kmscache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/systmms/dsvault/internal/metrics"
	"github.com/systmms/dsvault/internal/secure"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSize is the default maximum number of cached data keys.
	DefaultSize = 2000
	// DefaultIdleTTL is how long an unused entry survives.
	DefaultIdleTTL = 2 * time.Hour
	// DefaultLoadTimeout bounds one shared unwrap.
	DefaultLoadTimeout = 30 * time.Second
)

// Config sizes the cache.
type Config struct {
	Size    int
	IdleTTL time.Duration

	// LoadTimeout bounds a shared unwrap. The unwrap outlives the caller
	// that started it, so that caller giving up does not fail the others.
	LoadTimeout time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{Size: DefaultSize, IdleTTL: DefaultIdleTTL, LoadTimeout: DefaultLoadTimeout}
}

// Loader unwraps a data key remotely.
type Loader func(ctx context.Context) ([]byte, error)

type entry struct {
	sealed     []byte
	lastAccess atomic.Int64
}

// Cache is safe for concurrent use.
type Cache struct {
	entries     *lru.Cache
	idleTTL     time.Duration
	loadTimeout time.Duration
	key     *secure.SecureBuffer
	group   singleflight.Group
	now     func() time.Time
	metrics *metrics.Recorder
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hits, misses and evictions.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache. A Size of 0 disables caching.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.Size < 0 {
		return nil, fmt.Errorf("cache size must not be negative, got %d", cfg.Size)
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}

	c := &Cache{
		idleTTL:     cfg.IdleTTL,
		loadTimeout: cfg.LoadTimeout,
		now:         time.Now,
		metrics:     metrics.NewRecorder(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Size == 0 {
		return c, nil
	}

	key, err := secure.NewRandomKey(secure.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache key: %w", err)
	}
	entries, err := lru.NewWithEvict(cfg.Size, func(_, _ interface{}) {
		c.metrics.RecordCacheEvent("eviction")
	})
	if err != nil {
		key.Destroy()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	c.key = key
	c.entries = entries
	return c, nil
}

// Get returns the plaintext data key for (recordID, wrappedKey), calling load
// at most once across concurrent callers on a miss. Each caller receives its
// own copy, which it may wipe.
func (c *Cache) Get(ctx context.Context, recordID, wrappedKey string, load Loader) ([]byte, error) {
	if c.entries == nil {
		return load(ctx)
	}

	k := recordID + "\x00" + wrappedKey
	if plain, ok := c.lookup(k); ok {
		return plain, nil
	}

	ch := c.group.DoChan(k, func() (interface{}, error) {
		// another flight may have filled the entry between lookup and Do
		if plain, ok := c.lookup(k); ok {
			return plain, nil
		}
		c.metrics.RecordCacheEvent("miss")

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		plain, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		sealed, err := c.key.Encrypt(plain)
		if err != nil {
			return nil, fmt.Errorf("failed to seal data key: %w", err)
		}
		e := &entry{sealed: sealed}
		e.lastAccess.Store(c.now().UnixNano())
		c.entries.Add(k, e)
		return plain, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]byte(nil), res.Val.([]byte)...), nil
	}
}

// Len returns the number of cached entries, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c.entries != nil {
		c.entries.Purge()
	}
}

// Close purges the cache and destroys its sealing key.
func (c *Cache) Close() {
	c.Purge()
	if c.key != nil {
		c.key.Destroy()
	}
}

func (c *Cache) lookup(k string) ([]byte, bool) {
	v, ok := c.entries.Get(k)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	now := c.now()
	if now.Sub(time.Unix(0, e.lastAccess.Load())) > c.idleTTL {
		c.entries.Remove(k)
		return nil, false
	}
	plain, err := c.key.Decrypt(e.sealed)
	if err != nil {
		c.entries.Remove(k)
		return nil, false
	}
	e.lastAccess.Store(now.UnixNano())
	c.metrics.RecordCacheEvent("hit")
	return plain, true
}
