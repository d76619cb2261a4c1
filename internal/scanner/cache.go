package scanner

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry pairs extracted metadata with the file attributes it was
// extracted from. An entry is only valid while both still match.
type cacheEntry struct {
	meta    *FileMetadata
	modTime time.Time
	size    int64
}

// MetadataCache is an LRU cache of extracted file metadata keyed by path.
// Entries are validated against modification time and size on lookup, so a
// changed file never serves stale metadata.
type MetadataCache struct {
	lru *lru.Cache[string, cacheEntry]
}

// NewMetadataCache creates a cache holding at most capacity entries.
func NewMetadataCache(capacity int) (*MetadataCache, error) {
	cache, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating metadata cache: %w", err)
	}
	return &MetadataCache{lru: cache}, nil
}

// Get returns the cached metadata for path when the file's current
// modification time and size match the cached entry. A stale entry is
// evicted and reported as a miss.
func (c *MetadataCache) Get(path string, modTime time.Time, size int64) (*FileMetadata, bool) {
	entry, ok := c.lru.Get(path)
	if !ok {
		return nil, false
	}
	if !entry.modTime.Equal(modTime) || entry.size != size {
		c.lru.Remove(path)
		return nil, false
	}
	return entry.meta, true
}

// Put stores metadata for path, evicting the least recently used entry
// when the cache is full.
func (c *MetadataCache) Put(path string, modTime time.Time, size int64, meta *FileMetadata) {
	c.lru.Add(path, cacheEntry{meta: meta, modTime: modTime, size: size})
}

// Clear drops all entries.
func (c *MetadataCache) Clear() {
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *MetadataCache) Len() int {
	return c.lru.Len()
}
