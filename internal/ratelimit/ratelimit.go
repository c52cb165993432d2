// Package ratelimit tracks a single-row snapshot of GitHub quota with a
// non-downgrade rule, delegated to the persistence store, plus the
// staleness check that triggers an explicit refetch.
package ratelimit

import (
	"context"
	"database/sql"

	"ghreplay/internal/githubapi"
	"ghreplay/internal/logging"
	"ghreplay/internal/store"
)

// Tracker observes rate-limit headers from the GitHub client and answers
// staleness queries for callers that want a guaranteed-fresh snapshot.
type Tracker struct {
	DB *sql.DB
}

// Observer returns a githubapi.RateObserver bound to this tracker, to be
// passed to githubapi.NewClient. Observation failures are logged and
// swallowed; they never break the request path.
func (t *Tracker) Observer() githubapi.RateObserver {
	return func(o githubapi.RateObservation) {
		if err := store.ObserveApiStatus(t.DB, o.Limit, o.Remaining, o.ResetUnix, store.TokenSource(o.TokenSource)); err != nil {
			logging.Debugf("ratelimit: observe failed: %v", err)
		}
	}
}

// Snapshot returns the current stored snapshot, or nil if none exists.
func (t *Tracker) Snapshot() (*store.ApiStatus, error) {
	return store.GetApiStatus(t.DB)
}

// EnsureFresh returns the current snapshot, refetching it via client first
// if it is stale (absent, or past its reset time).
func (t *Tracker) EnsureFresh(ctx context.Context, client *githubapi.Client, token, source string) (*store.ApiStatus, error) {
	current, err := t.Snapshot()
	if err != nil {
		return nil, err
	}
	if !current.IsStale() {
		return current, nil
	}

	limits, outcome := client.GetRateLimit(ctx, token, source)
	if outcome != nil {
		logging.Debugf("ratelimit: refetch failed: %v", outcome)
		return current, nil
	}
	if limits.Core == nil {
		return current, nil
	}
	if err := store.ObserveApiStatus(t.DB, limits.Core.Limit, limits.Core.Remaining, limits.Core.Reset.Unix(), store.TokenSource(source)); err != nil {
		logging.Debugf("ratelimit: store refetched snapshot failed: %v", err)
	}
	return t.Snapshot()
}
