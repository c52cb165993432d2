// Package cache is a thin TTL-aware wrapper around the persistence
// store's cache_entries table, with a refresh flag that forces a miss.
package cache

import (
	"database/sql"
	"time"

	"ghreplay/internal/store"
)

// Cache reads and writes the TTL'd (tenant, kind) keyed payload store.
type Cache struct {
	DB *sql.DB
}

// Get returns the cached payload for (tenant, kind) if present, fresh, and
// refresh is false. A true refresh always reports a miss so the caller
// falls through to the GitHub client and then Puts the fresh result.
func (c *Cache) Get(tenant, kind string, ttl time.Duration, refresh bool) (string, bool, error) {
	if refresh {
		return "", false, nil
	}
	return store.CacheGet(c.DB, tenant, kind, ttl)
}

// Put upserts the payload with last_updated = now(UTC). Not transactionally
// linked to any rate-limit update that produced payload, so it is a
// best-effort write relative to quota accounting.
func (c *Cache) Put(tenant, kind, payload string) error {
	return store.CachePut(c.DB, tenant, kind, payload)
}

// Sweep deletes entries older than ttl, returning the count removed.
func (c *Cache) Sweep(ttl time.Duration) (int64, error) {
	return store.CacheSweep(c.DB, ttl)
}
