package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"ghreplay/internal/cache"
	"ghreplay/internal/config"
	"ghreplay/internal/githubapi"
	"ghreplay/internal/replay"
	"ghreplay/internal/store"
	"ghreplay/internal/token"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.InitDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to init test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Server{
		DB:            db,
		Orchestrator:  replay.NewOrchestrator(t.TempDir(), 9200),
		Config:        &config.Config{},
		Cache:         &cache.Cache{DB: db},
		TokenResolver: &token.Resolver{},
	}
}

// newGitHubFakeServer returns a Server whose Client points at a fake GitHub
// API, counting requests so tests can assert a cache hit skips it.
func newGitHubFakeServer(t *testing.T, handler http.HandlerFunc) (*Server, *int32) {
	t.Helper()
	var calls int32
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(fake.Close)

	client, err := githubapi.NewClient(fake.URL, nil)
	if err != nil {
		t.Fatalf("githubapi.NewClient() error = %v", err)
	}

	s := newTestServer(t)
	s.Client = client
	return s, &calls
}

// initGitRepo creates a throwaway git repository with one commit, used to
// exercise the repo-registration/commit-sync/file-browsing endpoints
// without depending on a real checkout.
func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git unavailable in test environment: %v: %s", err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "initial commit")
	return dir
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want %q", body["status"], "ok")
	}
}

func TestWatchlistAddListRemove(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()

	addReq := httptest.NewRequest(http.MethodPost, "/api/watchlist", jsonBody(t, map[string]string{
		"owner":     "octocat",
		"repo_name": "hello-world",
	}))
	addRec := httptest.NewRecorder()
	mux.ServeHTTP(addRec, addReq)
	if addRec.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body = %s", addRec.Code, addRec.Body.String())
	}
	var added store.TrackedRepo
	if err := json.NewDecoder(addRec.Body).Decode(&added); err != nil {
		t.Fatalf("decode add response: %v", err)
	}

	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/api/watchlist", nil))
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRec.Code)
	}
	var repos []store.TrackedRepo
	if err := json.NewDecoder(listRec.Body).Decode(&repos); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(repos) != 1 {
		t.Fatalf("len(repos) = %d, want 1", len(repos))
	}

	delRec := httptest.NewRecorder()
	delReq := httptest.NewRequest(http.MethodDelete, "/api/watchlist/"+strconv.FormatInt(added.ID, 10), nil)
	mux.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body = %s", delRec.Code, delRec.Body.String())
	}
}

func TestWatchlistAddRejectsMissingFields(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/watchlist", jsonBody(t, map[string]string{})))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestReplayListEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/replay", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var instances []replay.Instance
	if err := json.NewDecoder(rec.Body).Decode(&instances); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(instances) != 0 {
		t.Fatalf("len(instances) = %d, want 0", len(instances))
	}
}

func TestReplayStopUnknownInstanceReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/replay/does-not-exist/stop", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
}

func TestReplayStartRejectsSensitiveRepoPath(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/replay/start", jsonBody(t, map[string]any{
		"repo_id":     1,
		"repo_name":   "octocat/hello-world",
		"repo_path":   "/etc/passwd",
		"commit_hash": "abc123",
	}))
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestProfileGetCachesAcrossRequests(t *testing.T) {
	s, calls := newGitHubFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"login":"octocat","id":1}`)
	})
	mux := s.Routes()

	rec1 := httptest.NewRecorder()
	mux.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/api/github/octocat/profile", nil))
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, body = %s", rec1.Code, rec1.Body.String())
	}

	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/github/octocat/profile", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("second request status = %d, body = %s", rec2.Code, rec2.Body.String())
	}

	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("upstream calls = %d, want 1 (second request should be served from cache)", *calls)
	}
	if rec1.Body.String() != rec2.Body.String() {
		t.Fatalf("cached response = %q, want %q", rec2.Body.String(), rec1.Body.String())
	}
}

func TestProfileGetRefreshBypassesCache(t *testing.T) {
	s, calls := newGitHubFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"login":"octocat","id":1}`)
	})
	mux := s.Routes()

	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/github/octocat/profile", nil))
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/github/octocat/profile?refresh=true", nil))

	if atomic.LoadInt32(calls) != 2 {
		t.Fatalf("upstream calls = %d, want 2 (refresh=true must bypass the cache)", *calls)
	}
}

func TestReposGetListsUpstreamRepos(t *testing.T) {
	s, _ := newGitHubFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":1,"name":"repo-one"}]`)
	})
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/github/octocat/repos", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var repos []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&repos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(repos) != 1 {
		t.Fatalf("len(repos) = %d, want 1", len(repos))
	}
}

func TestCommitCountGet(t *testing.T) {
	s, _ := newGitHubFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Link", `<https://example.com/repos/octocat/hello-world/commits?per_page=1&page=7>; rel="last"`)
		fmt.Fprint(w, `[{"sha":"abc1234"}]`)
	})
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/github/octocat/hello-world/commit-count", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["count"] != 7 {
		t.Fatalf("count = %d, want 7", body["count"])
	}
}

func TestReplayRepoRegisterSyncsCommitsOldestFirst(t *testing.T) {
	s := newTestServer(t)
	dir := initGitRepo(t)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/replay-repos", jsonBody(t, map[string]string{
		"name": "test-repo",
		"path": dir,
	})))
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var registered struct {
		Repository  store.Repository `json:"repository"`
		CommitCount int              `json:"commit_count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&registered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if registered.CommitCount != 1 {
		t.Fatalf("commit_count = %d, want 1", registered.CommitCount)
	}

	commits, _, err := store.ListCommits(s.DB, registered.Repository.ID, 1, 50)
	if err != nil {
		t.Fatalf("ListCommits() error = %v", err)
	}
	if len(commits) != 1 || commits[0].CommitNumber != 1 {
		t.Fatalf("commits = %+v, want one commit numbered 1", commits)
	}
}

func TestReplayRepoCommitByHash(t *testing.T) {
	s := newTestServer(t)
	dir := initGitRepo(t)

	regRec := httptest.NewRecorder()
	s.Routes().ServeHTTP(regRec, httptest.NewRequest(http.MethodPost, "/api/replay-repos", jsonBody(t, map[string]string{
		"name": "test-repo",
		"path": dir,
	})))
	var registered struct {
		Repository store.Repository `json:"repository"`
	}
	if err := json.NewDecoder(regRec.Body).Decode(&registered); err != nil {
		t.Fatalf("decode register response: %v", err)
	}

	commits, _, err := store.ListCommits(s.DB, registered.Repository.ID, 1, 50)
	if err != nil || len(commits) != 1 {
		t.Fatalf("ListCommits() = %+v, %v", commits, err)
	}

	rec := httptest.NewRecorder()
	url := fmt.Sprintf("/api/replay-repos/%d/commits/%s", registered.Repository.ID, commits[0].Hash)
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got store.Commit
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CommitNumber != 1 {
		t.Fatalf("CommitNumber = %d, want 1", got.CommitNumber)
	}
}

func TestReplayRepoCommitsPaginates(t *testing.T) {
	s := newTestServer(t)
	repo, err := store.AddRepository(s.DB, "paged-repo", "/tmp/paged-repo", false, "")
	if err != nil {
		t.Fatalf("AddRepository() error = %v", err)
	}
	rows := make([]store.Commit, 5)
	for i := range rows {
		rows[i] = store.Commit{
			RepoID: repo.ID,
			Hash:   fmt.Sprintf("hash%d", i),
			Author: "test",
			Date:   "2026-01-01T00:00:00Z",
		}
	}
	if err := store.ReplaceCommits(s.DB, repo.ID, rows); err != nil {
		t.Fatalf("ReplaceCommits() error = %v", err)
	}

	rec := httptest.NewRecorder()
	url := fmt.Sprintf("/api/replay-repos/%d/commits?page=1&page_size=2", repo.ID)
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Commits  []store.Commit `json:"commits"`
		Total    int            `json:"total"`
		HasMore  bool           `json:"has_more"`
		Page     int            `json:"page"`
		PageSize int            `json:"page_size"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Commits) != 2 || body.Total != 5 || !body.HasMore {
		t.Fatalf("page 1 = %+v, want 2 commits, total 5, has_more true", body)
	}
	if body.Commits[0].CommitNumber != 5 {
		t.Fatalf("first commit number = %d, want 5 (newest first)", body.Commits[0].CommitNumber)
	}

	lastRec := httptest.NewRecorder()
	lastURL := fmt.Sprintf("/api/replay-repos/%d/commits?page=3&page_size=2", repo.ID)
	s.Routes().ServeHTTP(lastRec, httptest.NewRequest(http.MethodGet, lastURL, nil))
	var lastBody struct {
		Commits []store.Commit `json:"commits"`
		HasMore bool           `json:"has_more"`
	}
	if err := json.NewDecoder(lastRec.Body).Decode(&lastBody); err != nil {
		t.Fatalf("decode last page: %v", err)
	}
	if len(lastBody.Commits) != 1 || lastBody.HasMore {
		t.Fatalf("last page = %+v, want 1 commit, has_more false", lastBody)
	}
}

func TestReplayRepoRegisterRejectsSensitivePath(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/replay-repos", jsonBody(t, map[string]string{
		"name": "etc",
		"path": "/etc",
	})))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestReplayRepoTreeAndFileAfterRegister(t *testing.T) {
	s := newTestServer(t)
	dir := initGitRepo(t)

	regRec := httptest.NewRecorder()
	s.Routes().ServeHTTP(regRec, httptest.NewRequest(http.MethodPost, "/api/replay-repos", jsonBody(t, map[string]string{
		"name": "test-repo",
		"path": dir,
	})))
	var registered struct {
		Repository store.Repository `json:"repository"`
	}
	if err := json.NewDecoder(regRec.Body).Decode(&registered); err != nil {
		t.Fatalf("decode register response: %v", err)
	}

	treeRec := httptest.NewRecorder()
	treeURL := fmt.Sprintf("/api/replay-repos/%d/tree", registered.Repository.ID)
	s.Routes().ServeHTTP(treeRec, httptest.NewRequest(http.MethodGet, treeURL, nil))
	if treeRec.Code != http.StatusOK {
		t.Fatalf("tree status = %d, body = %s", treeRec.Code, treeRec.Body.String())
	}

	fileRec := httptest.NewRecorder()
	fileURL := fmt.Sprintf("/api/replay-repos/%d/file?path=README.md", registered.Repository.ID)
	s.Routes().ServeHTTP(fileRec, httptest.NewRequest(http.MethodGet, fileURL, nil))
	if fileRec.Code != http.StatusOK {
		t.Fatalf("file status = %d, body = %s", fileRec.Code, fileRec.Body.String())
	}
	var fileBody map[string]string
	if err := json.NewDecoder(fileRec.Body).Decode(&fileBody); err != nil {
		t.Fatalf("decode file response: %v", err)
	}
	if fileBody["content"] != "hello" {
		t.Fatalf("content = %q, want %q", fileBody["content"], "hello")
	}
}

func TestAssetDownloadRejectsDisallowedHost(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/assets/download", jsonBody(t, map[string]string{
		"download_url": "https://evil.example/payload.zip",
		"filename":     "payload.zip",
	})))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestDownloadPathGetSetRoundTrips(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()

	setRec := httptest.NewRecorder()
	mux.ServeHTTP(setRec, httptest.NewRequest(http.MethodPost, "/api/config/download-path", jsonBody(t, map[string]string{
		"path": "/tmp/ghreplay-downloads",
	})))
	if setRec.Code != http.StatusNoContent {
		t.Fatalf("set status = %d, body = %s", setRec.Code, setRec.Body.String())
	}

	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/config/download-path", nil))
	var body map[string]string
	if err := json.NewDecoder(getRec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["download_path"] != "/tmp/ghreplay-downloads" {
		t.Fatalf("download_path = %q, want %q", body["download_path"], "/tmp/ghreplay-downloads")
	}
}

func TestCORSOriginAllowList(t *testing.T) {
	s := newTestServer(t)
	s.Config.CORSOrigins = []string{"https://allowed.example"}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://allowed.example" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, "https://allowed.example")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req2.Header.Set("Origin", "https://blocked.example")
	rec2 := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec2, req2)
	if got := rec2.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(b)
}
