// Package watchlist is a release watchlist update engine: a
// bounded-concurrency fan-out over every tracked repository's latest
// release, reconciled on a single writer after all workers finish.
package watchlist

import (
	"context"
	"database/sql"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"ghreplay/internal/githubapi"
	"ghreplay/internal/logging"
	"ghreplay/internal/store"
)

// maxConcurrentProbes bounds outbound latest-release lookups per refresh,
// independent of the GitHub client's own five-permit ceiling.
const maxConcurrentProbes = 5

// Engine runs the "check updates" operation.
type Engine struct {
	DB     *sql.DB
	Client *githubapi.Client
	Token  string
	Source string
}

// Result summarizes one refresh pass.
type Result struct {
	Checked     int
	UpdatesFound int
	Failures    []FailedProbe
}

// FailedProbe records a repo whose latest-release probe errored.
type FailedProbe struct {
	RepoID int64
	Err    error
}

// CheckUpdates loads all tracked repos, fans out latest-release lookups
// under a bounded semaphore, and applies every worker's pure result on the
// caller's goroutine (the single writer) in deterministic, repo-id order.
func (e *Engine) CheckUpdates(ctx context.Context) (*Result, error) {
	repos, err := store.ListTrackedRepos(e.DB)
	if err != nil {
		return nil, err
	}

	probed := make([]store.WorkerUpdateResult, len(repos))
	failed := make([]error, len(repos))

	sem := semaphore.NewWeighted(maxConcurrentProbes)
	g, gctx := errgroup.WithContext(ctx)

	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			r, err := probeOne(gctx, e.Client, e.Token, e.Source, repo)
			if err != nil {
				failed[i] = err
				logging.Debugf("watchlist: probe failed for %s/%s: %v", repo.Owner, repo.RepoName, err)
				return nil // a single repo's failure does not abort the fan-out
			}
			probed[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Checked: len(repos)}
	for i, repo := range repos {
		if failed[i] != nil {
			result.Failures = append(result.Failures, FailedProbe{RepoID: repo.ID, Err: failed[i]})
			continue
		}
		r := probed[i]
		if r.RepoID == 0 {
			continue // no probe ran (shouldn't happen outside failure, but stay defensive)
		}
		if err := store.ApplyWorkerResult(e.DB, r); err != nil {
			return nil, err
		}
		if r.Updated {
			result.UpdatesFound++
		}
	}
	return result, nil
}

// probeOne is the pure worker body: it reads from the GitHub client only
// and must not touch store state, eliminating concurrent-write hazards on
// the single writer session.
func probeOne(ctx context.Context, client *githubapi.Client, token, source string, repo *store.TrackedRepo) (store.WorkerUpdateResult, error) {
	release, outcome := client.GetLatestRelease(ctx, token, source, repo.Owner, repo.RepoName)
	if outcome != nil {
		return store.WorkerUpdateResult{}, outcome
	}

	tag := ""
	if release.TagName != nil {
		tag = *release.TagName
	}

	return store.WorkerUpdateResult{
		RepoID:         repo.ID,
		NewLatestTag:   tag,
		Updated:        tag != "" && tag != repo.LatestVersion,
		PromoteCurrent: repo.CurrentVersion == store.NotCheckedSentinel,
	}, nil
}
