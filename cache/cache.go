// Package cache provides a capacity-bounded, TTL-aware LRU cache of resolved
// account ages with an optional write-through persister.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/telemetry"
)

const (
	// DefaultTTL is the default lifetime of a cached record.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxEntries is the default capacity.
	DefaultMaxEntries = 10000
)

// Persister receives cache mutations so they survive restarts.
type Persister interface {
	Save(ctx context.Context, entry accountage.CacheEntry) error
	Delete(ctx context.Context, h accountage.Handle) error
}

// Config holds cache configuration.
type Config struct {
	// TTL is the lifetime applied by Put. Default: 24h.
	TTL time.Duration

	// MaxEntries bounds the number of entries. When an insert would exceed it,
	// expired entries are dropped first, then the least recently used entry.
	// Default: 10000.
	MaxEntries int

	// Persister is optional. It is called outside the cache lock.
	Persister Persister

	// Logger for persistence failures.
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"max_entries"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Expired    uint64 `json:"expired"`
	Evicted    uint64 `json:"evicted"`
}

// Cache maps handles to age records. It is safe for concurrent use.
type Cache struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	items   map[accountage.Handle]*list.Element
	order   *list.List // front is most recently used; values are *accountage.CacheEntry
	hits    uint64
	misses  uint64
	expired uint64
	evicted uint64

	// pending holds persister writes in the order the cache applied them.
	// It is appended under mu and drained by one flusher at a time.
	pending []persistOp
	flushMu sync.Mutex
}

// persistOp is a queued persister write. A nil entry deletes handle.
type persistOp struct {
	handle accountage.Handle
	entry  *accountage.CacheEntry
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		config: cfg,
		logger: cfg.Logger,
		now:    time.Now,
		items:  make(map[accountage.Handle]*list.Element),
		order:  list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.config.TTL
}

// Get returns the record for h if present and not expired. A hit marks the
// entry as most recently used; an expired entry is removed.
func (c *Cache) Get(ctx context.Context, h accountage.Handle) (accountage.AgeRecord, bool) {
	now := c.now()

	c.mu.Lock()
	el, ok := c.items[h]
	if !ok {
		c.misses++
		c.mu.Unlock()
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return accountage.AgeRecord{}, false
	}

	entry := el.Value.(*accountage.CacheEntry)
	if entry.Expired(now) {
		c.removeLocked(el)
		c.misses++
		c.expired++
		c.queueDeleteLocked(h)
		c.mu.Unlock()

		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		telemetry.RecordCacheEviction(ctx, "ttl", 1)
		c.flush(ctx)
		return accountage.AgeRecord{}, false
	}

	c.order.MoveToFront(el)
	c.hits++
	rec := entry.Record
	c.mu.Unlock()

	telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
	return rec, true
}

// Put stores rec under h with the default TTL, replacing any prior entry.
func (c *Cache) Put(ctx context.Context, h accountage.Handle, rec accountage.AgeRecord) {
	c.PutTTL(ctx, h, rec, c.config.TTL)
}

// PutTTL stores rec under h with the given lifetime. A non-positive ttl uses
// the default TTL.
func (c *Cache) PutTTL(ctx context.Context, h accountage.Handle, rec accountage.AgeRecord, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	rec.Handle = h
	entry := accountage.NewCacheEntry(rec, c.now(), ttl)

	c.mu.Lock()
	expired, evicted := c.insertLocked(h, entry)
	c.queueDeleteLocked(expired...)
	c.queueDeleteLocked(evicted...)
	c.queueSaveLocked(entry)
	size := c.order.Len()
	c.mu.Unlock()

	telemetry.RecordCacheEviction(ctx, "ttl", len(expired))
	telemetry.RecordCacheEviction(ctx, "capacity", len(evicted))
	telemetry.UpdateCacheEntries(ctx, size)
	c.flush(ctx)
}

// insertLocked adds or replaces an entry and enforces capacity. It returns
// the handles dropped because they had expired and those evicted as LRU.
func (c *Cache) insertLocked(h accountage.Handle, entry accountage.CacheEntry) (expired, evicted []accountage.Handle) {
	if el, ok := c.items[h]; ok {
		*el.Value.(*accountage.CacheEntry) = entry
		c.order.MoveToFront(el)
		return nil, nil
	}

	if c.order.Len() >= c.config.MaxEntries {
		expired = c.evictExpiredLocked(entry.StoredAt)
	}
	for c.order.Len() >= c.config.MaxEntries {
		back := c.order.Back()
		evicted = append(evicted, back.Value.(*accountage.CacheEntry).Record.Handle)
		c.removeLocked(back)
		c.evicted++
	}

	stored := entry
	c.items[h] = c.order.PushFront(&stored)
	return expired, evicted
}

// Evict removes every expired entry and returns how many were removed.
func (c *Cache) Evict(ctx context.Context) int {
	c.mu.Lock()
	expired := c.evictExpiredLocked(c.now())
	c.queueDeleteLocked(expired...)
	size := c.order.Len()
	c.mu.Unlock()

	telemetry.RecordCacheEviction(ctx, "ttl", len(expired))
	telemetry.UpdateCacheEntries(ctx, size)
	c.flush(ctx)
	return len(expired)
}

func (c *Cache) evictExpiredLocked(now time.Time) []accountage.Handle {
	var removed []accountage.Handle
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*accountage.CacheEntry)
		if entry.Expired(now) {
			removed = append(removed, entry.Record.Handle)
			c.removeLocked(el)
			c.expired++
		}
		el = prev
	}
	return removed
}

// Sweep implements expiry.Sweeper.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return c.Evict(ctx), nil
}

// Name implements expiry.Sweeper.
func (c *Cache) Name() string {
	return "cache"
}

// Remove deletes the entry for h. It reports whether an entry was present.
func (c *Cache) Remove(ctx context.Context, h accountage.Handle) bool {
	c.mu.Lock()
	el, ok := c.items[h]
	if ok {
		c.removeLocked(el)
		c.queueDeleteLocked(h)
	}
	c.mu.Unlock()

	c.flush(ctx)
	return ok
}

// Restore seeds the cache with previously persisted entries. Expired entries
// are skipped. Entries are inserted oldest first so recency follows StoredAt;
// entries pushed out by capacity are removed from the persister.
// It returns the number of entries held after restoring.
func (c *Cache) Restore(ctx context.Context, entries []accountage.CacheEntry) int {
	now := c.now()

	sorted := make([]accountage.CacheEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Expired(now) {
			sorted = append(sorted, e)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StoredAt.Before(sorted[j].StoredAt)
	})

	var dropped []accountage.Handle
	c.mu.Lock()
	for _, e := range sorted {
		expired, evicted := c.insertLocked(e.Record.Handle, e)
		dropped = append(dropped, expired...)
		dropped = append(dropped, evicted...)
	}
	c.queueDeleteLocked(dropped...)
	size := c.order.Len()
	c.mu.Unlock()

	telemetry.UpdateCacheEntries(ctx, size)
	c.flush(ctx)
	return size
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    c.order.Len(),
		MaxEntries: c.config.MaxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		Expired:    c.expired,
		Evicted:    c.evicted,
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	entry := c.order.Remove(el).(*accountage.CacheEntry)
	delete(c.items, entry.Record.Handle)
}

func (c *Cache) queueSaveLocked(entry accountage.CacheEntry) {
	if c.config.Persister == nil {
		return
	}
	c.pending = append(c.pending, persistOp{handle: entry.Record.Handle, entry: &entry})
}

func (c *Cache) queueDeleteLocked(handles ...accountage.Handle) {
	if c.config.Persister == nil {
		return
	}
	for _, h := range handles {
		c.pending = append(c.pending, persistOp{handle: h})
	}
}

// flush applies queued persister writes in order. When it returns, every
// write queued before the call has been applied, possibly by another caller.
func (c *Cache) flush(ctx context.Context) {
	if c.config.Persister == nil {
		return
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	ops := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, op := range ops {
		if op.entry != nil {
			if err := c.config.Persister.Save(ctx, *op.entry); err != nil {
				c.logger.Warn("persisting cache entry failed", "handle", op.handle, "error", err)
			}
			continue
		}
		if err := c.config.Persister.Delete(ctx, op.handle); err != nil {
			c.logger.Warn("removing persisted cache entry failed", "handle", op.handle, "error", err)
		}
	}
}
