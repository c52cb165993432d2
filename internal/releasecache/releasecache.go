// Package releasecache is a per-repo-id grouped, TTL-bounded cache over
// cached GitHub releases, refetching from the upstream client on a miss or
// stale group.
package releasecache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/go-github/v55/github"

	"ghreplay/internal/githubapi"
	"ghreplay/internal/store"
)

// DefaultTTL is the cache lifetime for a release group.
const DefaultTTL = 60 * time.Minute

// Cache fronts the release store with a refetch-on-miss path through a
// GitHub client.
type Cache struct {
	DB     *sql.DB
	Client *githubapi.Client
	TTL    time.Duration
}

func (c *Cache) ttl() time.Duration {
	if c.TTL <= 0 {
		return DefaultTTL
	}
	return c.TTL
}

// Get returns the cached release group for repoID, refetching from GitHub
// and repopulating the cache when the stored group is missing or stale.
func (c *Cache) Get(ctx context.Context, token, tokenSource string, repoID int64, owner, repo string) ([]store.CachedRelease, error) {
	cached, err := store.GetReleases(c.DB, repoID, c.ttl())
	if err != nil {
		return nil, fmt.Errorf("releasecache: get: %w", err)
	}
	if cached != nil {
		return cached, nil
	}

	releases, outcome := c.Client.ListReleases(ctx, token, tokenSource, owner, repo, 0)
	if outcome != nil {
		return nil, outcome
	}

	rows := toCachedReleases(releases)
	if err := store.PutReleases(c.DB, repoID, rows); err != nil {
		return nil, fmt.Errorf("releasecache: put: %w", err)
	}
	return rows, nil
}

// GetBatch returns cached groups for every id in repoIDs in a single read.
// It does not refetch misses; callers needing a guaranteed-fresh batch
// should fall back to Get per id.
func (c *Cache) GetBatch(repoIDs []int64) (map[int64][]store.CachedRelease, error) {
	groups, err := store.GetReleasesBatch(c.DB, repoIDs, c.ttl())
	if err != nil {
		return nil, fmt.Errorf("releasecache: get batch: %w", err)
	}
	return groups, nil
}

// Invalidate purges the cached group for a single repo.
func (c *Cache) Invalidate(repoID int64) error {
	return store.InvalidateReleases(c.DB, repoID)
}

// InvalidateAll purges every cached release group.
func (c *Cache) InvalidateAll() error {
	return store.InvalidateAllReleases(c.DB)
}

// toCachedReleases maps the GitHub API shape onto the stored shape, appending
// a synthetic archive asset for each source archive URL after the real
// assets, matching store.PutReleases's documented contract.
func toCachedReleases(releases []*github.RepositoryRelease) []store.CachedRelease {
	out := make([]store.CachedRelease, 0, len(releases))
	for _, rel := range releases {
		row := store.CachedRelease{
			TagName:      rel.GetTagName(),
			Name:         rel.GetName(),
			HTMLURL:      rel.GetHTMLURL(),
			PublishedAt:  formatPublishedAt(rel),
			IsPrerelease: rel.GetPrerelease(),
		}
		for _, a := range rel.Assets {
			row.Assets = append(row.Assets, store.ReleaseAsset{
				Name:        a.GetName(),
				Size:        int64(a.GetSize()),
				DownloadURL: a.GetBrowserDownloadURL(),
				ContentType: a.GetContentType(),
			})
		}
		if url := rel.GetZipballURL(); url != "" {
			row.Assets = append(row.Assets, store.ReleaseAsset{
				Name:        fmt.Sprintf("%s.zip", row.TagName),
				DownloadURL: url,
				ContentType: "application/zip",
			})
		}
		if url := rel.GetTarballURL(); url != "" {
			row.Assets = append(row.Assets, store.ReleaseAsset{
				Name:        fmt.Sprintf("%s.tar.gz", row.TagName),
				DownloadURL: url,
				ContentType: "application/gzip",
			})
		}
		out = append(out, row)
	}
	return out
}

func formatPublishedAt(rel *github.RepositoryRelease) string {
	ts := rel.GetPublishedAt()
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
