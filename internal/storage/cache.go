package storage

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/ply/internal/metrics"
)

// Cache keeps recently read entries in front of a disk journal. Entries are
// immutable once stored, so nothing expires.
type Cache struct {
	entries *lru.TwoQueueCache
	metrics *metrics.Metrics
}

// NewCache creates a new cache with the given capacity
func NewCache(capacity int) (*Cache, error) {
	entries, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &Cache{
		entries: entries,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Get retrieves an entry from the cache
func (c *Cache) Get(id string) (Entry, bool) {
	value, found := c.entries.Get(id)
	if !found {
		c.metrics.JournalCacheHits.WithLabelValues("miss").Inc()
		return Entry{}, false
	}

	c.metrics.JournalCacheHits.WithLabelValues("hit").Inc()
	return value.(Entry), true
}

// Set adds an entry to the cache
func (c *Cache) Set(e Entry) {
	c.entries.Add(e.ID, e)
}

// Invalidate removes an entry from the cache
func (c *Cache) Invalidate(id string) {
	c.entries.Remove(id)
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.entries.Purge()
}
