package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheGet returns the stored payload for (tenant, kind) if present and not
// older than ttl. A miss (absent or stale) returns ("", false, nil).
func CacheGet(db *sql.DB, tenant, kind string, ttl time.Duration) (string, bool, error) {
	var payload, lastUpdated string
	err := db.QueryRow(
		`SELECT payload, last_updated FROM cache_entries WHERE tenant_key = ? AND endpoint_kind = ?`,
		tenant, kind,
	).Scan(&payload, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}

	updated, err := parseTime(lastUpdated)
	if err != nil {
		return "", false, fmt.Errorf("cache get: corrupt last_updated: %w", err)
	}
	if nowUTC().Sub(updated) > ttl {
		return "", false, nil
	}
	return payload, true, nil
}

// CachePut upserts (tenant, kind, payload) with last_updated = now(UTC).
// The write is atomic: readers never observe a partially written payload.
func CachePut(db *sql.DB, tenant, kind, payload string) error {
	_, err := db.Exec(
		`INSERT INTO cache_entries(tenant_key, endpoint_kind, payload, last_updated)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_key, endpoint_kind) DO UPDATE SET payload = excluded.payload, last_updated = excluded.last_updated`,
		tenant, kind, payload, formatTime(nowUTC()),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// CacheSweep deletes entries older than ttl and returns the count removed.
func CacheSweep(db *sql.DB, ttl time.Duration) (int64, error) {
	cutoff := formatTime(nowUTC().Add(-ttl))
	res, err := db.Exec(`DELETE FROM cache_entries WHERE last_updated < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	return n, nil
}
