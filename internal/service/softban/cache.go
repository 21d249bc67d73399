package softban

import (
	"time"

	"github.com/ignite/softban/internal/domain"
)

// RequestCache is the fast, context-scoped tier. One instance belongs to one
// request or session and is never shared, so it needs no locking. It cannot
// fail and does no I/O.
type RequestCache struct {
	entries map[string]domain.CacheEntry
	dirty   bool
}

// NewRequestCache returns an empty cache.
func NewRequestCache() *RequestCache {
	return &RequestCache{entries: make(map[string]domain.CacheEntry)}
}

// RestoreRequestCache rebuilds a cache from previously saved entries, e.g.
// when a session is loaded. The restored cache starts clean.
func RestoreRequestCache(entries map[string]domain.CacheEntry) *RequestCache {
	c := NewRequestCache()
	for id, e := range entries {
		c.entries[id] = e
	}
	return c
}

// CheckLocal returns the locally recorded block expiry for id. ok is false
// when the cache holds no information; the expiry may already be in the past.
func (c *RequestCache) CheckLocal(id string) (expiry time.Time, ok bool) {
	e, found := c.entries[id]
	if !found || !e.IsRateLimited {
		return time.Time{}, false
	}
	return e.RateLimitExpire, true
}

// SetLocal records a block on id until expiry for the rest of this context.
func (c *RequestCache) SetLocal(id string, expiry time.Time) {
	c.entries[id] = domain.CacheEntry{IsRateLimited: true, RateLimitExpire: expiry}
	c.dirty = true
}

// ClearLocal forgets any local block information for id.
func (c *RequestCache) ClearLocal(id string) {
	if _, found := c.entries[id]; !found {
		return
	}
	delete(c.entries, id)
	c.dirty = true
}

// Dirty reports whether the cache changed since it was created or restored.
func (c *RequestCache) Dirty() bool { return c.dirty }

// Entries returns a copy of the cached entries for persistence.
func (c *RequestCache) Entries() map[string]domain.CacheEntry {
	out := make(map[string]domain.CacheEntry, len(c.entries))
	for id, e := range c.entries {
		out[id] = e
	}
	return out
}

// Len returns the number of cached entries.
func (c *RequestCache) Len() int { return len(c.entries) }
