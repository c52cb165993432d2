package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ReleaseAsset is one downloadable artifact attached to a release.
type ReleaseAsset struct {
	Name        string
	Size        int64
	DownloadURL string
	ContentType string
}

// CachedRelease is one release snapshot for a tracked repo.
type CachedRelease struct {
	TagName      string
	Name         string
	HTMLURL      string
	PublishedAt  string
	IsPrerelease bool
	Assets       []ReleaseAsset
	CachedAt     time.Time
}

// GetReleases returns the cached release group for repoID, or nil if no
// rows exist or the group is stale relative to ttl (measured from the
// newest entry's cached_at).
func GetReleases(db *sql.DB, repoID int64, ttl time.Duration) ([]CachedRelease, error) {
	groups, err := GetReleasesBatch(db, []int64{repoID}, ttl)
	if err != nil {
		return nil, err
	}
	return groups[repoID], nil
}

// GetReleasesBatch performs a single ordered read across all requested
// repo ids, groups in memory, and applies the staleness rule per group.
func GetReleasesBatch(db *sql.DB, repoIDs []int64, ttl time.Duration) (map[int64][]CachedRelease, error) {
	result := make(map[int64][]CachedRelease)
	if len(repoIDs) == 0 {
		return result, nil
	}

	placeholders := make([]any, len(repoIDs))
	qs := ""
	for i, id := range repoIDs {
		placeholders[i] = id
		if i > 0 {
			qs += ","
		}
		qs += "?"
	}

	rows, err := db.Query(fmt.Sprintf(
		`SELECT cr.id, cr.repo_id, cr.tag_name, COALESCE(cr.name,''), COALESCE(cr.html_url,''),
		        COALESCE(cr.published_at,''), cr.is_prerelease, cr.cached_at
		 FROM cached_releases cr
		 WHERE cr.repo_id IN (%s)
		 ORDER BY cr.repo_id, cr.published_at DESC`, qs), placeholders...)
	if err != nil {
		return nil, fmt.Errorf("get releases batch: %w", err)
	}

	type row struct {
		id       int64
		repoID   int64
		release  CachedRelease
		cachedAt string
	}
	var scanned []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.repoID, &r.release.TagName, &r.release.Name, &r.release.HTMLURL,
			&r.release.PublishedAt, &r.release.IsPrerelease, &r.cachedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("get releases batch: %w", err)
		}
		t, err := parseTime(r.cachedAt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("get releases batch: corrupt cached_at: %w", err)
		}
		r.release.CachedAt = t
		scanned = append(scanned, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byRepo := make(map[int64][]row)
	for _, r := range scanned {
		byRepo[r.repoID] = append(byRepo[r.repoID], r)
	}

	now := nowUTC()
	for repoID, releaseRows := range byRepo {
		if len(releaseRows) == 0 {
			continue
		}
		newest := releaseRows[0].cachedAt
		for _, r := range releaseRows {
			if r.cachedAt > newest {
				newest = r.cachedAt
			}
		}
		newestTime, err := parseTime(newest)
		if err != nil {
			return nil, fmt.Errorf("get releases batch: %w", err)
		}
		if now.Sub(newestTime) > ttl {
			continue // group is stale
		}

		releases := make([]CachedRelease, 0, len(releaseRows))
		for _, r := range releaseRows {
			assets, err := loadAssets(db, r.id)
			if err != nil {
				return nil, err
			}
			r.release.Assets = assets
			releases = append(releases, r.release)
		}
		result[repoID] = releases
	}

	return result, nil
}

func loadAssets(db *sql.DB, releaseID int64) ([]ReleaseAsset, error) {
	rows, err := db.Query(
		`SELECT name, size, download_url, COALESCE(content_type,'') FROM release_assets
		 WHERE release_id = ? ORDER BY sort_order ASC`, releaseID)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	defer rows.Close()

	var assets []ReleaseAsset
	for rows.Next() {
		var a ReleaseAsset
		if err := rows.Scan(&a.Name, &a.Size, &a.DownloadURL, &a.ContentType); err != nil {
			return nil, fmt.Errorf("load assets: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// PutReleases atomically replaces the release group for repoID.
// A synthetic archive asset is appended for each source archive URL
// (zipball/tarball) after the real assets, matching the GitHub client's
// output shape for CachedRelease.Assets.
func PutReleases(db *sql.DB, repoID int64, releases []CachedRelease) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("put releases: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cached_releases WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("put releases: %w", err)
	}

	cachedAt := formatTime(nowUTC())
	for _, rel := range releases {
		res, err := tx.Exec(
			`INSERT INTO cached_releases(repo_id, tag_name, name, html_url, published_at, is_prerelease, cached_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			repoID, rel.TagName, rel.Name, rel.HTMLURL, rel.PublishedAt, rel.IsPrerelease, cachedAt,
		)
		if err != nil {
			return fmt.Errorf("put releases: %w", err)
		}
		releaseID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("put releases: %w", err)
		}
		for i, a := range rel.Assets {
			if _, err := tx.Exec(
				`INSERT INTO release_assets(release_id, sort_order, name, size, download_url, content_type)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				releaseID, i, a.Name, a.Size, a.DownloadURL, a.ContentType,
			); err != nil {
				return fmt.Errorf("put releases: %w", err)
			}
		}
	}
	return tx.Commit()
}

// InvalidateReleases purges the release group for repoID.
func InvalidateReleases(db *sql.DB, repoID int64) error {
	if _, err := db.Exec(`DELETE FROM cached_releases WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("invalidate releases: %w", err)
	}
	return nil
}

// InvalidateAllReleases purges every cached release group.
func InvalidateAllReleases(db *sql.DB) error {
	if _, err := db.Exec(`DELETE FROM cached_releases`); err != nil {
		return fmt.Errorf("invalidate all releases: %w", err)
	}
	return nil
}
