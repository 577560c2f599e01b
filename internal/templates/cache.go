// Package templates resolves canonical fingerprints to durable template rows,
// fronting the store with a bounded in-process LRU.
package templates

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the template_hash -> id map. Entries never expire
// on time; only LRU eviction removes them.
const DefaultCacheSize = 100_000

// Cache is a concurrency-safe LRU from template_hash to template id.
type Cache struct {
	entries *lru.Cache[string, int64]
}

// NewCache creates a Cache holding at most size entries. size <= 0 uses
// DefaultCacheSize.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, int64](size)
	if err != nil {
		return nil, fmt.Errorf("creating template cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Get looks up a template id by hash.
func (c *Cache) Get(templateHash string) (int64, bool) {
	return c.entries.Get(templateHash)
}

// Put records a hash -> id mapping, evicting the least recently used entry
// when full.
func (c *Cache) Put(templateHash string, id int64) {
	c.entries.Add(templateHash, id)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}
