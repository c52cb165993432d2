package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Well-known app_config keys.
const (
	ConfigKeyGitHubToken = "github_token"
	ConfigKeyDownloadPath = "download_path"
	ConfigKeyTheme        = "theme"
	ConfigKeyLastRepoID   = "last_repo_id"
)

// GetAppConfig returns the raw string stored under key, or ("", false) if unset.
func GetAppConfig(db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM app_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get app config %q: %w", key, err)
	}
	return value, true, nil
}

// SetAppConfig upserts a raw string under key.
func SetAppConfig(db *sql.DB, key, value string) error {
	_, err := db.Exec(
		`INSERT INTO app_config(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set app config %q: %w", key, err)
	}
	return nil
}
