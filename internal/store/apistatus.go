package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenSource classifies who attached a credential to the observed request.
// The four values are preserved for wire compatibility even though "authed"
// really means "some credential was attached but its origin is unknown".
type TokenSource string

const (
	SourceEnv    TokenSource = "env"
	SourceDB     TokenSource = "db"
	SourceAuthed TokenSource = "authed"
	SourceNone   TokenSource = "none"
)

// ApiStatus is the single-row rate-limit snapshot.
type ApiStatus struct {
	Limit         int
	Remaining     int
	ResetTimeUnix int64
	TokenSource   TokenSource
	LastUpdated   time.Time
}

func isAuthenticated(s TokenSource) bool {
	return s == SourceEnv || s == SourceDB || s == SourceAuthed
}

// GetApiStatus returns the current snapshot, or (nil, nil) if no row exists.
func GetApiStatus(db *sql.DB) (*ApiStatus, error) {
	var s ApiStatus
	var lastUpdated string
	var source string
	err := db.QueryRow(
		`SELECT "limit", remaining, reset_time_unix, token_source, last_updated FROM api_status WHERE id = 1`,
	).Scan(&s.Limit, &s.Remaining, &s.ResetTimeUnix, &source, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api status: %w", err)
	}
	s.TokenSource = TokenSource(source)
	s.LastUpdated, err = parseTime(lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("get api status: corrupt last_updated: %w", err)
	}
	return &s, nil
}

// ObserveApiStatus applies a non-downgrade rule to a freshly observed
// rate-limit snapshot: an authenticated observation is never overwritten
// by an unauthenticated one bearing a lower limit.
func ObserveApiStatus(db *sql.DB, limitObs, remainingObs int, resetObs int64, sourceObs TokenSource) error {
	current, err := GetApiStatus(db)
	if err != nil {
		return err
	}

	if current != nil && limitObs < current.Limit && isAuthenticated(current.TokenSource) && sourceObs == SourceNone {
		return nil // dropped: would downgrade an authenticated snapshot
	}

	_, err = db.Exec(
		`INSERT INTO api_status(id, "limit", remaining, reset_time_unix, token_source, last_updated)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET "limit" = excluded."limit", remaining = excluded.remaining,
		   reset_time_unix = excluded.reset_time_unix, token_source = excluded.token_source, last_updated = excluded.last_updated`,
		limitObs, remainingObs, resetObs, string(sourceObs), formatTime(nowUTC()),
	)
	if err != nil {
		return fmt.Errorf("observe api status: %w", err)
	}
	return nil
}

// IsStale reports whether s should be treated as stale: either absent, or
// its reset time has already passed.
func (s *ApiStatus) IsStale() bool {
	if s == nil {
		return true
	}
	return time.Now().UTC().Unix() > s.ResetTimeUnix
}
