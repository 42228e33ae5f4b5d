// Package cache provides caching for rendered slices and query results.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	SliceCacheSizeMB int
	SliceTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages the slice and query caches. Rendered slice PNGs go into
// bigcache, which holds byte blobs off-heap; small JSON query results go into
// an LRU keyed by request.
type Manager struct {
	sliceCache *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	sliceCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.SliceTTL,
		CleanWindow:        cfg.SliceTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // rendered slice PNG
		HardMaxCacheSize:   cfg.SliceCacheSizeMB,
		Verbose:            false,
	}

	sliceCache, err := bigcache.New(context.Background(), sliceCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create slice cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		sliceCache: sliceCache,
		queryCache: queryCache,
	}, nil
}

// GetSlice retrieves a rendered slice from cache.
func (m *Manager) GetSlice(key string) ([]byte, bool) {
	data, err := m.sliceCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetSlice stores a rendered slice in cache.
func (m *Manager) SetSlice(key string, data []byte) error {
	return m.sliceCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// SliceKey generates a cache key for a rendered slice.
func SliceKey(library string, k, channel int, reflected bool, colormap string) string {
	return fmt.Sprintf("slice:%s:%d/%d:refl=%t:%s", library, k, channel, reflected, colormap)
}

// QueryKey generates a cache key for an all-channel visibility query.
func QueryKey(library string, p [3]float64, reflected bool) string {
	return fmt.Sprintf("all:%s:%g/%g/%g:refl=%t", library, p[0], p[1], p[2], reflected)
}

// StatsKey generates a cache key for channel statistics.
func StatsKey(library string, channel int, reflected bool) string {
	return fmt.Sprintf("stats:%s:%d:refl=%t", library, channel, reflected)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"slice_cache_len": m.sliceCache.Len(),
		"slice_cache_cap": m.sliceCache.Capacity(),
		"query_cache_len": m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.sliceCache.Close()
}
