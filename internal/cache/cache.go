// Package cache memoizes aggregate results by request signature. It
// provides lazy TTL expiry, LRU eviction at a bounded capacity, and a
// single-flight guarantee so concurrent identical misses share one fetch.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
	"github.com/R3E-Network/aggregation_gateway/pkg/logger"
)

// Store is an optional second cache tier shared between gateway instances.
type Store interface {
	Get(ctx context.Context, signature string) (*aggregate.Result, bool, error)
	Put(ctx context.Context, signature string, result *aggregate.Result, ttl time.Duration) error
}

// entry is one cached result.
type entry struct {
	signature string
	result    aggregate.Result
	created   time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.created) >= e.ttl
}

// flight is the in-progress marker for one signature. Joiners wait on done;
// the holder fills result/err before closing it.
type flight struct {
	done   chan struct{}
	result *aggregate.Result
	err    error
}

// Cache is the in-memory result cache. It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	inflight map[string]*flight
	remote   Store
	log      *logger.Logger
}

// Option configures the cache.
type Option func(*Cache)

// WithRemote attaches a shared cache tier consulted after a local miss.
func WithRemote(store Store) Option {
	return func(c *Cache) { c.remote = store }
}

// defaultCapacity is used when the constructor receives a non-positive
// capacity.
const defaultCapacity = 4096

// New creates a cache holding at most capacity entries. A non-positive
// capacity falls back to defaultCapacity; eviction needs room for at least
// one entry.
func New(capacity int, log *logger.Logger, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if log == nil {
		log = logger.NewDefault("cache")
	}
	c := &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		inflight: make(map[string]*flight),
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for a signature, or a miss. Expired entries
// are evicted on the way.
func (c *Cache) Get(signature string) (*aggregate.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(signature)
}

func (c *Cache) getLocked(signature string) (*aggregate.Result, bool) {
	elem, ok := c.entries[signature]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if e.expired(time.Now()) {
		c.removeLocked(elem)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	result := e.result
	return &result, true
}

// Put stores a result under the signature. A non-positive ttl stores
// nothing.
func (c *Cache) Put(signature string, result *aggregate.Result, ttl time.Duration) {
	if result == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(signature, result, ttl)
}

func (c *Cache) putLocked(signature string, result *aggregate.Result, ttl time.Duration) {
	if elem, ok := c.entries[signature]; ok {
		e := elem.Value.(*entry)
		e.result = *result
		e.created = time.Now()
		e.ttl = ttl
		c.lru.MoveToFront(elem)
		return
	}
	for c.lru.Len() >= c.capacity {
		c.removeLocked(c.lru.Back())
	}
	c.entries[signature] = c.lru.PushFront(&entry{
		signature: signature,
		result:    *result,
		created:   time.Now(),
		ttl:       ttl,
	})
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.entries, e.signature)
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Reap removes all expired entries. Intended to run on a schedule.
func (c *Cache) Reap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*entry).expired(now) {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// Do returns the cached result for the signature or runs fetch exactly once
// per signature, however many callers arrive concurrently. The boolean
// reports whether the result came from cache. Failed fetches are never
// cached.
func (c *Cache) Do(ctx context.Context, signature string, ttl time.Duration, fetch func(context.Context) (*aggregate.Result, error)) (*aggregate.Result, bool, error) {
	c.mu.Lock()
	if result, ok := c.getLocked(signature); ok {
		c.mu.Unlock()
		return result, true, nil
	}
	if f, ok := c.inflight[signature]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			if f.err != nil {
				return nil, false, f.err
			}
			return f.result, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[signature] = f
	c.mu.Unlock()

	if c.remote != nil {
		if result, ok, err := c.remote.Get(ctx, signature); err == nil && ok {
			c.finish(signature, f, result, ttl, false)
			return result, true, nil
		}
	}

	result, err := fetch(ctx)
	if err != nil {
		f.err = err
		c.finish(signature, f, nil, 0, false)
		return nil, false, err
	}
	c.finish(signature, f, result, ttl, true)
	return result, false, nil
}

// finish publishes the flight outcome, caches a successful result and wakes
// the joiners.
func (c *Cache) finish(signature string, f *flight, result *aggregate.Result, ttl time.Duration, writeRemote bool) {
	c.mu.Lock()
	f.result = result
	if result != nil {
		c.putLocked(signature, result, ttl)
	}
	delete(c.inflight, signature)
	c.mu.Unlock()
	close(f.done)

	// The remote write happens off the caller's path so a slow shared tier
	// never delays the response.
	if writeRemote && result != nil && c.remote != nil && ttl > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := c.remote.Put(ctx, signature, result, ttl); err != nil {
				c.log.WithError(err).Debug("remote cache write failed")
			}
		}()
	}
}
