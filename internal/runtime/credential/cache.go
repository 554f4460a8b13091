package credential

import (
	"sync"
	"time"
)

// Entry is a resolved connection string and the moment it stops being
// trustworthy. A zero ExpiresOn never expires.
type Entry struct {
	ConnectionString string
	ExpiresOn        time.Time
}

// Cache maps account identifiers to resolved connection strings. It is safe
// for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// DefaultCache is shared by every Provider that is not given its own cache,
// so messengers for the same account authenticate once per process.
var DefaultCache = NewCache()

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Get returns the entry for instance while it is still fresh at now.
func (c *Cache) Get(instance string, now time.Time) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[instance]
	if !ok {
		return Entry{}, false
	}
	if !e.ExpiresOn.IsZero() && !now.Before(e.ExpiresOn) {
		return Entry{}, false
	}
	return e, true
}

// Put stores e for instance, replacing any previous entry.
func (c *Cache) Put(instance string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[instance] = e
}

// Delete forgets instance. Failed re-resolutions drop stale entries with it.
func (c *Cache) Delete(instance string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, instance)
}

// Len returns the number of cached entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
