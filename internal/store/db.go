// Package store is the persistence layer: durable relational state for the
// coalescing cache, the release watchlist, replay's repository/commit
// index, scoped env vars, the rate-limit snapshot, and small app config.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBFileName is used when no database_path is configured.
const DefaultDBFileName = "ghreplay.db"

// timeLayout is the layout used for all stored UTC instants.
const timeLayout = time.RFC3339Nano

// InitDatabase opens (creating if necessary) the SQLite database at path and
// ensures the schema exists. An empty path falls back to DefaultDBFileName
// in the current directory.
func InitDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultDBFileName
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, avoid SQLITE_BUSY

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_key TEXT NOT NULL,
			endpoint_kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			last_updated TEXT NOT NULL,
			UNIQUE(tenant_key, endpoint_kind)
		)`,
		`CREATE TABLE IF NOT EXISTS tracked_repos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			repo_name TEXT NOT NULL,
			current_version TEXT NOT NULL DEFAULT 'Not Checked',
			latest_version TEXT,
			description TEXT,
			avatar_url TEXT,
			html_url TEXT,
			last_checked TEXT,
			sort_order INTEGER NOT NULL DEFAULT 0,
			UNIQUE(owner, repo_name)
		)`,
		`CREATE TABLE IF NOT EXISTS cached_releases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_id INTEGER NOT NULL REFERENCES tracked_repos(id) ON DELETE CASCADE,
			tag_name TEXT NOT NULL,
			name TEXT,
			html_url TEXT,
			published_at TEXT,
			is_prerelease BOOLEAN NOT NULL DEFAULT 0,
			cached_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_releases_repo ON cached_releases(repo_id, published_at DESC)`,
		`CREATE TABLE IF NOT EXISTS release_assets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			release_id INTEGER NOT NULL REFERENCES cached_releases(id) ON DELETE CASCADE,
			sort_order INTEGER NOT NULL,
			name TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			download_url TEXT NOT NULL,
			content_type TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS repositories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			is_remote BOOLEAN NOT NULL DEFAULT 0,
			remote_url TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
			hash TEXT NOT NULL,
			short_hash TEXT NOT NULL,
			message TEXT,
			author TEXT,
			author_email TEXT,
			date TEXT NOT NULL,
			commit_number INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commits_repo_hash ON commits(repo_id, hash)`,
		`CREATE TABLE IF NOT EXISTS env_vars (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			scope TEXT NOT NULL CHECK(scope IN ('global','project','commit')),
			repository_id INTEGER REFERENCES repositories(id) ON DELETE CASCADE,
			commit_hash TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS api_status (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			"limit" INTEGER NOT NULL,
			remaining INTEGER NOT NULL,
			reset_time_unix INTEGER NOT NULL,
			token_source TEXT NOT NULL CHECK(token_source IN ('env','db','authed','none')),
			last_updated TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			level TEXT NOT NULL,
			module TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_logs_timestamp ON system_logs(timestamp)`,
	}

	for _, query := range tables {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
