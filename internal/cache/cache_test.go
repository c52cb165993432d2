package cache

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE cache_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_key TEXT NOT NULL,
		endpoint_kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		UNIQUE(tenant_key, endpoint_kind)
	)`); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Cache{DB: db}
}

func TestCacheHitWithinTTL(t *testing.T) {
	c := newTestCache(t)
	if err := c.Put("octocat", "profile", `{"login":"octocat"}`); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	payload, ok, err := c.Get("octocat", "profile", time.Hour, false)
	if err != nil || !ok || payload != `{"login":"octocat"}` {
		t.Fatalf("Get() = (%q, %v, %v)", payload, ok, err)
	}
}

func TestRefreshFlagForcesMiss(t *testing.T) {
	c := newTestCache(t)
	if err := c.Put("octocat", "profile", `{"login":"octocat"}`); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, ok, err := c.Get("octocat", "profile", time.Hour, true)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() with refresh=true reported a hit, want forced miss")
	}
}
