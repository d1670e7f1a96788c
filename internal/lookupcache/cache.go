// Package lookupcache is a small key/value cache with per-entry expiry, used to
// remember channel matches between guide builds. Entries expire lazily on read;
// an optional Store persists them across restarts.
package lookupcache

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Store persists encoded entries. Implementations must be safe for concurrent use.
type Store interface {
	Load(key string) (value []byte, expiresAt time.Time, ok bool, err error)
	Save(key string, value []byte, expiresAt time.Time) error
	Delete(key string) error
}

// Observer receives cache events, typically Prometheus counters.
type Observer interface {
	Hit()
	Miss()
	Evict(n int)
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now   func() time.Time
	store Store
	obs   Observer
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithStore makes the cache write through to s and read through on memory misses.
func WithStore(s Store) Option { return func(o *options) { o.store = s } }

// WithObserver reports hits, misses and evictions to obs.
func WithObserver(obs Observer) Option { return func(o *options) { o.obs = obs } }

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache maps string keys to values of type V. Safe for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	items      map[string]entry[V]
	defaultTTL time.Duration
	opts       options
}

// New returns an empty cache whose Set uses defaultTTL.
func New[V any](defaultTTL time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Cache[V]{
		items:      make(map[string]entry[V]),
		defaultTTL: defaultTTL,
		opts:       o,
	}
}

// Get returns the live value for key. An entry at or past its expiry is
// reported absent and removed.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.opts.now()
	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		if now.Before(e.expiresAt) {
			c.mu.Unlock()
			c.hit()
			return e.value, true
		}
		delete(c.items, key)
		c.mu.Unlock()
		c.evict(1)
		c.deleteStored(key)
		c.miss()
		var zero V
		return zero, false
	}
	c.mu.Unlock()
	if v, ok := c.loadStored(key, now); ok {
		c.hit()
		return v, true
	}
	c.miss()
	var zero V
	return zero, false
}

// Set stores v under the default TTL.
func (c *Cache[V]) Set(key string, v V) {
	c.SetTTL(key, v, c.defaultTTL)
}

// SetTTL stores v for ttl. A ttl <= 0 stores an already-expired entry.
func (c *Cache[V]) SetTTL(key string, v V, ttl time.Duration) {
	expires := c.opts.now().Add(ttl)
	c.mu.Lock()
	c.items[key] = entry[V]{value: v, expiresAt: expires}
	c.mu.Unlock()
	if ttl <= 0 {
		c.deleteStored(key)
		return
	}
	c.saveStored(key, v, expires)
}

// Delete removes key from memory and the store.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	c.deleteStored(key)
}

// Len returns the number of in-memory entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep drops expired in-memory entries and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.opts.now()
	c.mu.Lock()
	n := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 {
		c.evict(n)
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *Cache[V]) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Sweep()
			}
		}
	}()
}

func (c *Cache[V]) loadStored(key string, now time.Time) (V, bool) {
	var zero V
	if c.opts.store == nil {
		return zero, false
	}
	data, expires, ok, err := c.opts.store.Load(key)
	if err != nil {
		log.Printf("lookupcache: load %q: %v", key, err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	if !now.Before(expires) {
		c.deleteStored(key)
		c.evict(1)
		return zero, false
	}
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		log.Printf("lookupcache: decode %q: %v", key, err)
		c.deleteStored(key)
		return zero, false
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: v, expiresAt: expires}
	c.mu.Unlock()
	return v, true
}

func (c *Cache[V]) saveStored(key string, v V, expires time.Time) {
	if c.opts.store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("lookupcache: encode %q: %v", key, err)
		return
	}
	if err := c.opts.store.Save(key, data, expires); err != nil {
		log.Printf("lookupcache: save %q: %v", key, err)
	}
}

func (c *Cache[V]) deleteStored(key string) {
	if c.opts.store == nil {
		return
	}
	if err := c.opts.store.Delete(key); err != nil {
		log.Printf("lookupcache: delete %q: %v", key, err)
	}
}

func (c *Cache[V]) hit() {
	if c.opts.obs != nil {
		c.opts.obs.Hit()
	}
}

func (c *Cache[V]) miss() {
	if c.opts.obs != nil {
		c.opts.obs.Miss()
	}
}

func (c *Cache[V]) evict(n int) {
	if c.opts.obs != nil {
		c.opts.obs.Evict(n)
	}
}
