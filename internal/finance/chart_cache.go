package finance

import (
	"sync"
	"time"
)

// ImageCache keeps rendered chart images for a TTL.
type ImageCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]chartCacheEntry
}

// NewImageCache returns a cache; ttl <= 0 uses DefaultChartCacheTTL.
func NewImageCache(ttl time.Duration) *ImageCache {
	if ttl <= 0 {
		ttl = DefaultChartCacheTTL
	}
	return &ImageCache{ttl: ttl, now: time.Now, entries: map[string]chartCacheEntry{}}
}

// Get returns a copy of a fresh entry.
func (c *ImageCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		if c.now().Before(entry.createdAt.Add(c.ttl)) {
			img := make([]byte, len(entry.image))
			copy(img, entry.image)
			return img, true
		}
	}
	return nil, false
}

// Set stores img under key.
func (c *ImageCache) Set(key string, img []byte) {
	c.mu.Lock()
	c.entries[key] = chartCacheEntry{createdAt: c.now(), image: img}
	c.mu.Unlock()
}

// Prune drops expired entries and returns how many were removed.
func (c *ImageCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.createdAt.Add(c.ttl)) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, fresh or not.
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
