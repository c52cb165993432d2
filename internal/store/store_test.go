package store

import (
	"database/sql"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := createTables(db); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
	return db
}

func TestCacheGetPutSweep(t *testing.T) {
	db := newTestDB(t)

	if err := CachePut(db, "octocat", "profile", `{"login":"octocat"}`); err != nil {
		t.Fatalf("CachePut() error = %v", err)
	}

	payload, ok, err := CacheGet(db, "octocat", "profile", time.Hour)
	if err != nil {
		t.Fatalf("CacheGet() error = %v", err)
	}
	if !ok || payload != `{"login":"octocat"}` {
		t.Fatalf("CacheGet() = (%q, %v), want hit with original payload", payload, ok)
	}

	// Backdate the entry so it is outside the TTL.
	if _, err := db.Exec(`UPDATE cache_entries SET last_updated = ? WHERE tenant_key = ?`,
		formatTime(nowUTC().Add(-2*time.Hour)), "octocat"); err != nil {
		t.Fatalf("failed to backdate entry: %v", err)
	}

	if _, ok, err := CacheGet(db, "octocat", "profile", time.Hour); err != nil || ok {
		t.Fatalf("CacheGet() after TTL expiry = (ok=%v, err=%v), want miss", ok, err)
	}

	swept, err := CacheSweep(db, time.Hour)
	if err != nil {
		t.Fatalf("CacheSweep() error = %v", err)
	}
	if swept != 1 {
		t.Fatalf("CacheSweep() = %d, want 1", swept)
	}
}

func TestApiStatusNonDowngradeRule(t *testing.T) {
	db := newTestDB(t)

	if err := ObserveApiStatus(db, 5000, 4800, 9999999999, SourceDB); err != nil {
		t.Fatalf("ObserveApiStatus() error = %v", err)
	}

	// An unauthenticated probe must not downgrade the authenticated snapshot.
	if err := ObserveApiStatus(db, 60, 59, 1111111111, SourceNone); err != nil {
		t.Fatalf("ObserveApiStatus() error = %v", err)
	}

	got, err := GetApiStatus(db)
	if err != nil {
		t.Fatalf("GetApiStatus() error = %v", err)
	}
	if got.Limit != 5000 || got.Remaining != 4800 || got.TokenSource != SourceDB {
		t.Fatalf("snapshot downgraded: got %+v", got)
	}
}

func TestApplyWorkerResultPromotesNotChecked(t *testing.T) {
	db := newTestDB(t)

	repo, err := AddTrackedRepo(db, "octocat", "hello-world", "", "", "")
	if err != nil {
		t.Fatalf("AddTrackedRepo() error = %v", err)
	}
	if repo.CurrentVersion != NotCheckedSentinel {
		t.Fatalf("CurrentVersion = %q, want %q", repo.CurrentVersion, NotCheckedSentinel)
	}

	if err := ApplyWorkerResult(db, WorkerUpdateResult{RepoID: repo.ID, NewLatestTag: "v1.0.0", Updated: true}); err != nil {
		t.Fatalf("ApplyWorkerResult() error = %v", err)
	}

	updated, err := GetTrackedRepo(db, repo.ID)
	if err != nil {
		t.Fatalf("GetTrackedRepo() error = %v", err)
	}
	if updated.CurrentVersion != "v1.0.0" || updated.LatestVersion != "v1.0.0" {
		t.Fatalf("got current=%q latest=%q, want both v1.0.0", updated.CurrentVersion, updated.LatestVersion)
	}
	if updated.LastChecked == "" {
		t.Fatal("LastChecked was not set")
	}
}

func TestReplaceCommitsAssignsDenseSequence(t *testing.T) {
	db := newTestDB(t)

	repo, err := AddRepository(db, "hello-world", "/workspaces/hello-world", false, "")
	if err != nil {
		t.Fatalf("AddRepository() error = %v", err)
	}

	commits := []Commit{
		{Hash: "aaa1111", ShortHash: "aaa1111", Date: "2024-01-01T00:00:00Z"},
		{Hash: "bbb2222", ShortHash: "bbb2222", Date: "2024-01-02T00:00:00Z"},
		{Hash: "ccc3333", ShortHash: "ccc3333", Date: "2024-01-03T00:00:00Z"},
	}
	if err := ReplaceCommits(db, repo.ID, commits); err != nil {
		t.Fatalf("ReplaceCommits() error = %v", err)
	}

	got, total, err := ListCommits(db, repo.ID, 1, 50)
	if err != nil {
		t.Fatalf("ListCommits() error = %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	// Ordered newest-first by commit_number descending.
	if got[0].CommitNumber != 3 || got[0].Hash != "ccc3333" {
		t.Fatalf("got[0] = %+v, want commit_number=3 hash=ccc3333", got[0])
	}
	if got[2].CommitNumber != 1 || got[2].Hash != "aaa1111" {
		t.Fatalf("got[2] = %+v, want commit_number=1 hash=aaa1111", got[2])
	}
}

func TestExportImportWatchlistRoundTrip(t *testing.T) {
	db := newTestDB(t)

	if _, err := AddTrackedRepo(db, "octocat", "hello-world", "desc", "", ""); err != nil {
		t.Fatalf("AddTrackedRepo() error = %v", err)
	}
	if _, err := AddTrackedRepo(db, "torvalds", "linux", "desc", "", ""); err != nil {
		t.Fatalf("AddTrackedRepo() error = %v", err)
	}

	exported, err := ExportWatchlist(db)
	if err != nil {
		t.Fatalf("ExportWatchlist() error = %v", err)
	}

	before, err := ListTrackedRepos(db)
	if err != nil {
		t.Fatalf("ListTrackedRepos() error = %v", err)
	}

	if err := ImportWatchlist(db, exported); err != nil {
		t.Fatalf("ImportWatchlist() error = %v", err)
	}

	after, err := ListTrackedRepos(db)
	if err != nil {
		t.Fatalf("ListTrackedRepos() after import error = %v", err)
	}

	if len(before) != len(after) {
		t.Fatalf("len(after) = %d, want %d", len(after), len(before))
	}
	for i := range before {
		if before[i].Owner != after[i].Owner || before[i].RepoName != after[i].RepoName ||
			before[i].CurrentVersion != after[i].CurrentVersion {
			t.Fatalf("entry %d mismatch: before=%+v after=%+v", i, before[i], after[i])
		}
	}
}

func TestPutReleasesReplacesGroupAtomically(t *testing.T) {
	db := newTestDB(t)

	repo, err := AddTrackedRepo(db, "octocat", "hello-world", "", "", "")
	if err != nil {
		t.Fatalf("AddTrackedRepo() error = %v", err)
	}

	first := []CachedRelease{{TagName: "v1.0.0", PublishedAt: "2024-01-01T00:00:00Z"}}
	if err := PutReleases(db, repo.ID, first); err != nil {
		t.Fatalf("PutReleases() error = %v", err)
	}

	second := []CachedRelease{
		{TagName: "v2.0.0", PublishedAt: "2024-02-01T00:00:00Z", Assets: []ReleaseAsset{
			{Name: "archive.tar.gz", DownloadURL: "https://codeload.github.com/octocat/hello-world/tar.gz/v2.0.0"},
		}},
	}
	if err := PutReleases(db, repo.ID, second); err != nil {
		t.Fatalf("PutReleases() error = %v", err)
	}

	got, err := GetReleases(db, repo.ID, time.Hour)
	if err != nil {
		t.Fatalf("GetReleases() error = %v", err)
	}
	if len(got) != 1 || got[0].TagName != "v2.0.0" {
		t.Fatalf("got = %+v, want single v2.0.0 release", got)
	}
	if len(got[0].Assets) != 1 {
		t.Fatalf("assets = %+v, want 1 synthetic asset", got[0].Assets)
	}
}

func TestGetReleasesStaleGroupOmitted(t *testing.T) {
	db := newTestDB(t)

	repo, err := AddTrackedRepo(db, "octocat", "hello-world", "", "", "")
	if err != nil {
		t.Fatalf("AddTrackedRepo() error = %v", err)
	}
	if err := PutReleases(db, repo.ID, []CachedRelease{{TagName: "v1.0.0"}}); err != nil {
		t.Fatalf("PutReleases() error = %v", err)
	}
	if _, err := db.Exec(`UPDATE cached_releases SET cached_at = ? WHERE repo_id = ?`,
		formatTime(nowUTC().Add(-2*time.Hour)), repo.ID); err != nil {
		t.Fatalf("failed to backdate release: %v", err)
	}

	got, err := GetReleases(db, repo.ID, time.Hour)
	if err != nil {
		t.Fatalf("GetReleases() error = %v", err)
	}
	if got != nil {
		t.Fatalf("got = %+v, want nil for stale group", got)
	}
}

func TestReplaceScopedEnvVarsMergedPrecedence(t *testing.T) {
	db := newTestDB(t)

	repo, err := AddRepository(db, "hello-world", "/workspaces/hello-world", false, "")
	if err != nil {
		t.Fatalf("AddRepository() error = %v", err)
	}
	hash := "abc1234"

	if err := ReplaceScopedEnvVars(db, ScopeGlobal, nil, nil, []EnvVarRow{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}}); err != nil {
		t.Fatalf("ReplaceScopedEnvVars(global) error = %v", err)
	}
	if err := ReplaceScopedEnvVars(db, ScopeProject, &repo.ID, nil, []EnvVarRow{{Key: "B", Value: "20"}, {Key: "C", Value: "30"}}); err != nil {
		t.Fatalf("ReplaceScopedEnvVars(project) error = %v", err)
	}
	if err := ReplaceScopedEnvVars(db, ScopeCommit, &repo.ID, &hash, []EnvVarRow{{Key: "C", Value: "300"}, {Key: "D", Value: "400"}}); err != nil {
		t.Fatalf("ReplaceScopedEnvVars(commit) error = %v", err)
	}

	global, err := GetScopedEnvVars(db, ScopeGlobal, nil, nil)
	if err != nil || len(global) != 2 {
		t.Fatalf("GetScopedEnvVars(global) = %v, %v", global, err)
	}

	project, err := GetScopedEnvVars(db, ScopeProject, &repo.ID, nil)
	if err != nil || len(project) != 2 {
		t.Fatalf("GetScopedEnvVars(project) = %v, %v", project, err)
	}

	commit, err := GetScopedEnvVars(db, ScopeCommit, &repo.ID, &hash)
	if err != nil || len(commit) != 2 {
		t.Fatalf("GetScopedEnvVars(commit) = %v, %v", commit, err)
	}
}
