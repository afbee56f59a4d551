// Package mcpcache stores the tools, prompts, and resources discovered from
// tool servers so UI reads do not trigger a transport round-trip. Entries are
// keyed by server id and capability kind, age out after a TTL (stale entries
// stay readable until refreshed), and the total item count across all servers
// is bounded by a capacity that evicts the globally oldest entries first.
package mcpcache

import (
	"sync"
	"time"
)

// Kind identifies one capability list of a server.
type Kind string

const (
	KindTools     Kind = "tools"
	KindPrompts   Kind = "prompts"
	KindResources Kind = "resources"
)

// Kinds lists every capability kind in a stable order.
func Kinds() []Kind { return []Kind{KindTools, KindPrompts, KindResources} }

type cacheKey struct {
	serverID string
	kind     Kind
}

type entry struct {
	items     []Item
	fetchedAt time.Time
}

// Cache is a TTL and capacity bounded capability store. Reads only take the
// read lock; writes for different servers proceed independently apart from the
// brief map update.
type Cache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	maxItems int
	entries  map[cacheKey]*entry

	now func() time.Time
}

// New builds a cache holding at most maxItems capability items in total, with
// entries considered stale once older than ttl. A non-positive maxItems means
// unbounded; a non-positive ttl means entries never go stale.
func New(maxItems int, ttl time.Duration) *Cache {
	return &Cache{
		ttl:      ttl,
		maxItems: maxItems,
		entries:  make(map[cacheKey]*entry),
		now:      time.Now,
	}
}

// Get returns the cached items for (serverID, kind). stale reports whether
// the entry is past its TTL; stale data is still returned so callers can show
// it while a refresh runs. ok is false when nothing is cached.
func (c *Cache) Get(serverID string, kind Kind) (items []Item, stale bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[cacheKey{serverID, kind}]
	if !found {
		return nil, false, false
	}
	if c.ttl > 0 && c.now().Sub(e.fetchedAt) > c.ttl {
		stale = true
	}
	items = append([]Item(nil), e.items...)
	return items, stale, true
}

// Put overwrites the entry for (serverID, kind), resets its fetch time, and
// then evicts the globally oldest entries until the total item count is within
// capacity again.
func (c *Cache) Put(serverID string, kind Kind, items []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{serverID, kind}] = &entry{
		items:     append([]Item(nil), items...),
		fetchedAt: c.now(),
	}
	c.evictLocked()
}

// Configure applies new bounds, evicting immediately if the capacity shrank.
func (c *Cache) Configure(maxItems int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxItems = maxItems
	c.ttl = ttl
	c.evictLocked()
}

// Invalidate drops every entry belonging to one server.
func (c *Cache) Invalidate(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.serverID == serverID {
			delete(c.entries, key)
		}
	}
}

// InvalidateAll clears the cache. Callers are expected to trigger a fresh
// fetch afterward so the UI does not look empty.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*entry)
}

// Len returns the total number of cached items across all servers and kinds.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalLocked()
}

func (c *Cache) totalLocked() int {
	total := 0
	for _, e := range c.entries {
		total += len(e.items)
	}
	return total
}

// evictLocked enforces the capacity bound: while over budget, the entry with
// the oldest fetch time anywhere in the cache is dropped, even if that turns
// out to be the entry just written.
func (c *Cache) evictLocked() {
	if c.maxItems <= 0 {
		return
	}
	for c.totalLocked() > c.maxItems && len(c.entries) > 0 {
		var oldestKey cacheKey
		var oldest *entry
		for key, e := range c.entries {
			if oldest == nil || e.fetchedAt.Before(oldest.fetchedAt) {
				oldestKey = key
				oldest = e
			}
		}
		delete(c.entries, oldestKey)
	}
}
