// Package httpapi is the inbound JSON surface: watchlist management, token
// storage, replay instance control, release listings, and per-repo env
// vars. Routing is deliberately a bare stdlib http.ServeMux (Go 1.22+
// method+pattern routing) rather than a framework, so every handler
// validates its own input at the edge and returns apierr's
// {error:{code,message}} envelope.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/go-github/v55/github"

	"ghreplay/internal/apierr"
	"ghreplay/internal/cache"
	"ghreplay/internal/config"
	"ghreplay/internal/cryptobox"
	"ghreplay/internal/envvars"
	"ghreplay/internal/githubapi"
	"ghreplay/internal/gitrepo"
	"ghreplay/internal/logging"
	"ghreplay/internal/ratelimit"
	"ghreplay/internal/releasecache"
	"ghreplay/internal/replay"
	"ghreplay/internal/store"
	"ghreplay/internal/token"
	"ghreplay/internal/watchlist"
	"ghreplay/validate"
)

// Server bundles every collaborator a handler might need. It holds no
// request-scoped state; every field is a process-wide singleton built
// once at startup.
type Server struct {
	DB           *sql.DB
	Client       *githubapi.Client
	Cache        *cache.Cache
	RateTracker  *ratelimit.Tracker
	ReleaseCache *releasecache.Cache
	Watchlist    *watchlist.Engine
	Orchestrator *replay.Orchestrator
	TokenResolver *token.Resolver
	EnvResolver  *envvars.Resolver
	Box          *cryptobox.Box
	Config       *config.Config
}

// Routes builds the mux, grouped by concern: status, watchlist, token,
// replay, releases, env-vars, GitHub discovery, Replay-tracked repos, and
// asset downloads.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)

	mux.HandleFunc("GET /api/watchlist", s.handleWatchlistList)
	mux.HandleFunc("POST /api/watchlist", s.handleWatchlistAdd)
	mux.HandleFunc("DELETE /api/watchlist/{id}", s.handleWatchlistRemove)
	mux.HandleFunc("POST /api/watchlist/reorder", s.handleWatchlistReorder)
	mux.HandleFunc("POST /api/watchlist/check-updates", s.handleWatchlistCheckUpdates)
	mux.HandleFunc("GET /api/watchlist/export", s.handleWatchlistExport)
	mux.HandleFunc("POST /api/watchlist/import", s.handleWatchlistImport)

	mux.HandleFunc("GET /api/token", s.handleTokenGet)
	mux.HandleFunc("POST /api/token", s.handleTokenSet)

	mux.HandleFunc("POST /api/replay/start", s.handleReplayStart)
	mux.HandleFunc("POST /api/replay/{id}/stop", s.handleReplayStop)
	mux.HandleFunc("DELETE /api/replay/{id}", s.handleReplayRemove)
	mux.HandleFunc("GET /api/replay", s.handleReplayList)
	mux.HandleFunc("POST /api/replay/stop-all", s.handleReplayStopAll)

	mux.HandleFunc("GET /api/releases/{repoID}", s.handleReleasesGet)

	mux.HandleFunc("GET /api/env-vars/merged", s.handleEnvVarsMerged)
	mux.HandleFunc("POST /api/env-vars/{scope}", s.handleEnvVarsSet)

	mux.HandleFunc("GET /api/github/{login}/profile", s.handleProfileGet)
	mux.HandleFunc("GET /api/github/{login}/repos", s.handleReposGet)
	mux.HandleFunc("GET /api/github/{login}/readme", s.handleUserReadmeGet)
	mux.HandleFunc("GET /api/github/{owner}/{repo}/readme", s.handleRepoReadmeGet)
	mux.HandleFunc("GET /api/github/{owner}/{repo}/commit-count", s.handleCommitCountGet)

	mux.HandleFunc("POST /api/replay-repos", s.handleReplayRepoRegister)
	mux.HandleFunc("GET /api/replay-repos/{repoID}/commits", s.handleReplayRepoCommits)
	mux.HandleFunc("GET /api/replay-repos/{repoID}/commits/{hash}", s.handleReplayRepoCommitByHash)
	mux.HandleFunc("GET /api/replay-repos/{repoID}/tree", s.handleReplayRepoTree)
	mux.HandleFunc("GET /api/replay-repos/{repoID}/file", s.handleReplayRepoFile)

	mux.HandleFunc("POST /api/assets/download", s.handleAssetDownload)
	mux.HandleFunc("GET /api/config/download-path", s.handleDownloadPathGet)
	mux.HandleFunc("POST /api/config/download-path", s.handleDownloadPathSet)

	return s.withCORS(mux)
}

// withCORS applies the configured origin allow-list; CORS is plain config
// here, not a middleware framework.
func (s *Server) withCORS(next http.Handler) *http.ServeMux {
	wrapped := http.NewServeMux()
	wrapped.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
	return wrapped
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.Config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.RateTracker.Snapshot()
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusOK, map[string]any{"observed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"observed":     true,
		"limit":        snap.Limit,
		"remaining":    snap.Remaining,
		"reset_unix":   snap.ResetTimeUnix,
		"token_source": snap.TokenSource,
	})
}

func (s *Server) handleWatchlistList(w http.ResponseWriter, r *http.Request) {
	repos, err := store.ListTrackedRepos(s.DB)
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleWatchlistAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Owner       string `json:"owner"`
		RepoName    string `json:"repo_name"`
		Description string `json:"description"`
		AvatarURL   string `json:"avatar_url"`
		HTMLURL     string `json:"html_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.BadInput("invalid request body: %v", err))
		return
	}
	if body.Owner == "" || body.RepoName == "" {
		writeErr(w, apierr.BadInput("owner and repo_name are required"))
		return
	}
	repo, err := store.AddTrackedRepo(s.DB, body.Owner, body.RepoName, body.Description, body.AvatarURL, body.HTMLURL)
	if err != nil {
		writeErr(w, apierr.Conflict("repo already tracked or could not be added: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleWatchlistRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeErr(w, apierr.BadInput("invalid id"))
		return
	}
	if err := store.RemoveTrackedRepo(s.DB, id); err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatchlistReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.BadInput("invalid request body: %v", err))
		return
	}
	if err := store.Reorder(s.DB, body.IDs); err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatchlistCheckUpdates(w http.ResponseWriter, r *http.Request) {
	result, err := s.Watchlist.CheckUpdates(r.Context())
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWatchlistExport(w http.ResponseWriter, r *http.Request) {
	data, err := store.ExportWatchlist(s.DB)
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleWatchlistImport(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.BadInput("invalid request body: %v", err))
		return
	}
	if err := store.ImportWatchlist(s.DB, body); err != nil {
		writeErr(w, apierr.BadInput("import failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTokenGet(w http.ResponseWriter, r *http.Request) {
	_, ok, err := store.GetAppConfig(s.DB, store.ConfigKeyGitHubToken)
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": ok, "token": "[redacted]"})
}

func (s *Server) handleTokenSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.BadInput("invalid request body: %v", err))
		return
	}
	if s.Box == nil {
		writeErr(w, apierr.Internal(nil))
		return
	}
	if err := token.StoreToken(s.DB, s.Box, body.Token); err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplayStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RepoID        int64             `json:"repo_id"`
		RepoName      string            `json:"repo_name"`
		RepoPath      string            `json:"repo_path"`
		CommitHash    string            `json:"commit_hash"`
		PreferredPort int               `json:"preferred_port"`
		Env           map[string]string `json:"env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.BadInput("invalid request body: %v", err))
		return
	}
	resolvedRepoPath, err := filepath.Abs(body.RepoPath)
	if err != nil {
		writeErr(w, apierr.BadInput("invalid repo_path: %v", err))
		return
	}
	if err := validate.ValidateNotSensitivePath(resolvedRepoPath); err != nil {
		writeErr(w, apierr.BadInput("%v", err))
		return
	}
	inst, err := s.Orchestrator.Start(r.Context(), body.RepoID, body.RepoName, resolvedRepoPath, body.CommitHash, body.PreferredPort, body.Env)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot())
}

func (s *Server) handleReplayStop(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Stop(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplayRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Remove(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplayList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Orchestrator.List())
}

func (s *Server) handleReplayStopAll(w http.ResponseWriter, r *http.Request) {
	s.Orchestrator.StopAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleasesGet(w http.ResponseWriter, r *http.Request) {
	repoID, err := strconv.ParseInt(r.PathValue("repoID"), 10, 64)
	if err != nil {
		writeErr(w, apierr.BadInput("invalid repoID"))
		return
	}
	repo, err := store.GetTrackedRepo(s.DB, repoID)
	if err != nil || repo == nil {
		writeErr(w, apierr.NotFound("repo %d not tracked", repoID))
		return
	}
	tok, source := s.TokenResolver.Resolve(r.Header.Get("X-GitHub-Token"))
	releases, err := s.ReleaseCache.Get(r.Context(), tok, string(token.ToApiStatusSource(source)), repoID, repo.Owner, repo.RepoName)
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, releases)
}

// fetchWithCache resolves the coalescing cache entry for (tenant, kind),
// falling back to fetch on a miss or an explicit refresh and repopulating
// the cache with the freshly fetched result, JSON-encoded.
func fetchWithCache[T any](c *cache.Cache, tenant, kind string, ttl time.Duration, refresh bool, fetch func() (T, *githubapi.Outcome)) (T, error) {
	var zero T
	cached, ok, err := c.Get(tenant, kind, ttl, refresh)
	if err != nil {
		return zero, apierr.Internal(err)
	}
	if ok {
		var out T
		if err := json.Unmarshal([]byte(cached), &out); err != nil {
			return zero, apierr.Internal(err)
		}
		return out, nil
	}

	result, outcome := fetch()
	if outcome != nil {
		return zero, apierr.Internal(outcome)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return zero, apierr.Internal(err)
	}
	if err := c.Put(tenant, kind, string(encoded)); err != nil {
		return zero, apierr.Internal(err)
	}
	return result, nil
}

func (s *Server) cacheTTL() time.Duration {
	return time.Duration(config.DefaultCacheTTLMinutes) * time.Minute
}

func refreshRequested(r *http.Request) bool {
	return r.URL.Query().Get("refresh") == "true"
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("login")
	tok, source := s.TokenResolver.Resolve(r.Header.Get("X-GitHub-Token"))
	profile, err := fetchWithCache(s.Cache, login, "profile", s.cacheTTL(), refreshRequested(r), func() (*github.User, *githubapi.Outcome) {
		return s.Client.GetUserProfile(r.Context(), tok, string(token.ToApiStatusSource(source)), login)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleReposGet(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("login")
	tok, source := s.TokenResolver.Resolve(r.Header.Get("X-GitHub-Token"))
	repos, err := fetchWithCache(s.Cache, login, "repos", s.cacheTTL(), refreshRequested(r), func() ([]*github.Repository, *githubapi.Outcome) {
		return s.Client.ListUserRepos(r.Context(), tok, string(token.ToApiStatusSource(source)), login, r.URL.Query().Get("sort"))
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleUserReadmeGet(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("login")
	tok, source := s.TokenResolver.Resolve(r.Header.Get("X-GitHub-Token"))
	readme, err := fetchWithCache(s.Cache, login, "readme:user", s.cacheTTL(), refreshRequested(r), func() (string, *githubapi.Outcome) {
		return s.Client.GetUserReadme(r.Context(), tok, string(token.ToApiStatusSource(source)), login)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": readme})
}

func (s *Server) handleRepoReadmeGet(w http.ResponseWriter, r *http.Request) {
	owner, repo := r.PathValue("owner"), r.PathValue("repo")
	tenant := owner + "/" + repo
	tok, source := s.TokenResolver.Resolve(r.Header.Get("X-GitHub-Token"))
	readme, err := fetchWithCache(s.Cache, tenant, "readme:repo", s.cacheTTL(), refreshRequested(r), func() (string, *githubapi.Outcome) {
		return s.Client.GetRepoReadme(r.Context(), tok, string(token.ToApiStatusSource(source)), owner, repo)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": readme})
}

func (s *Server) handleCommitCountGet(w http.ResponseWriter, r *http.Request) {
	owner, repo := r.PathValue("owner"), r.PathValue("repo")
	tenant := owner + "/" + repo
	tok, source := s.TokenResolver.Resolve(r.Header.Get("X-GitHub-Token"))
	count, err := fetchWithCache(s.Cache, tenant, "commit_count", s.cacheTTL(), refreshRequested(r), func() (int, *githubapi.Outcome) {
		return s.Client.GetCommitCount(r.Context(), tok, string(token.ToApiStatusSource(source)), owner, repo)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// handleReplayRepoRegister registers a local git repository for browsing
// and Replay, then syncs its full commit history into the commits table.
// gitrepo.GetCommits returns newest-first; the loop below reverses it to
// the oldest-first order ReplaceCommits requires for its dense
// commit_number assignment.
func (s *Server) handleReplayRepoRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.BadInput("invalid request body: %v", err))
		return
	}
	resolvedPath, err := filepath.Abs(body.Path)
	if err != nil {
		writeErr(w, apierr.BadInput("invalid path: %v", err))
		return
	}
	if err := validate.ValidateNotSensitivePath(resolvedPath); err != nil {
		writeErr(w, apierr.BadInput("%v", err))
		return
	}
	if !gitrepo.IsValidRepo(resolvedPath) {
		writeErr(w, apierr.BadInput("not a git repository: %s", resolvedPath))
		return
	}

	repo, err := store.GetRepositoryByPath(s.DB, resolvedPath)
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	if repo == nil {
		repo, err = store.AddRepository(s.DB, body.Name, resolvedPath, false, "")
		if err != nil {
			writeErr(w, apierr.Conflict("repository already registered or could not be added: %v", err))
			return
		}
	}

	commits, err := gitrepo.GetCommits(resolvedPath, 0, "")
	if err != nil {
		writeErr(w, err)
		return
	}
	rows := make([]store.Commit, len(commits))
	for i, c := range commits {
		rows[len(commits)-1-i] = store.Commit{
			RepoID:      repo.ID,
			Hash:        c.Hash,
			ShortHash:   c.ShortHash,
			Message:     c.Message,
			Author:      c.Author,
			AuthorEmail: c.AuthorEmail,
			Date:        c.DateUTC,
		}
	}
	if err := store.ReplaceCommits(s.DB, repo.ID, rows); err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"repository": repo, "commit_count": len(rows)})
}

func (s *Server) handleReplayRepoCommits(w http.ResponseWriter, r *http.Request) {
	repoID, err := strconv.ParseInt(r.PathValue("repoID"), 10, 64)
	if err != nil {
		writeErr(w, apierr.BadInput("invalid repoID"))
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 {
		pageSize = 50
	}
	commits, total, err := store.ListCommits(s.DB, repoID, page, pageSize)
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commits":   commits,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
		"has_more":  page*pageSize < total,
	})
}

func (s *Server) handleReplayRepoCommitByHash(w http.ResponseWriter, r *http.Request) {
	repoID, err := strconv.ParseInt(r.PathValue("repoID"), 10, 64)
	if err != nil {
		writeErr(w, apierr.BadInput("invalid repoID"))
		return
	}
	hash := r.PathValue("hash")
	if err := validate.ValidateCommitHash(hash); err != nil {
		writeErr(w, apierr.BadInput("%v", err))
		return
	}
	commit, err := store.GetCommitByHash(s.DB, repoID, hash)
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	if commit == nil {
		writeErr(w, apierr.NotFound("commit %s not found for repository %d", hash, repoID))
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

func (s *Server) repoByID(w http.ResponseWriter, r *http.Request) (*store.Repository, bool) {
	repoID, err := strconv.ParseInt(r.PathValue("repoID"), 10, 64)
	if err != nil {
		writeErr(w, apierr.BadInput("invalid repoID"))
		return nil, false
	}
	repo, err := store.GetRepositoryByID(s.DB, repoID)
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return nil, false
	}
	if repo == nil {
		writeErr(w, apierr.NotFound("repository %d not registered", repoID))
		return nil, false
	}
	return repo, true
}

func (s *Server) handleReplayRepoTree(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repoByID(w, r)
	if !ok {
		return
	}
	tree, err := gitrepo.GetFileTree(repo.Path, r.URL.Query().Get("commit"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleReplayRepoFile(w http.ResponseWriter, r *http.Request) {
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeErr(w, apierr.BadInput("path is required"))
		return
	}
	repo, ok := s.repoByID(w, r)
	if !ok {
		return
	}
	content, err := gitrepo.GetFileContent(repo.Path, r.URL.Query().Get("commit"), filePath)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

// resolveDownloadDir reads the configured download directory, falling back
// to a "downloads" directory under config.DataDir the same way
// config.ResolveEncryptionBox falls back to a default keyfile location.
func (s *Server) resolveDownloadDir() (string, error) {
	dir, ok, err := store.GetAppConfig(s.DB, store.ConfigKeyDownloadPath)
	if err != nil {
		return "", err
	}
	if ok && dir != "" {
		return dir, nil
	}
	dataDir, err := config.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "downloads"), nil
}

func (s *Server) handleAssetDownload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DownloadURL string `json:"download_url"`
		Filename    string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.BadInput("invalid request body: %v", err))
		return
	}
	if err := validate.ValidateDownloadURL(r.Context(), body.DownloadURL); err != nil {
		writeErr(w, apierr.BadInput("%v", err))
		return
	}
	filename := validate.SanitizeFilename(body.Filename)

	dir, err := s.resolveDownloadDir()
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	destPath := filepath.Join(dir, filename)

	tok, _ := s.TokenResolver.Resolve(r.Header.Get("X-GitHub-Token"))
	if outcome := s.Client.DownloadAsset(r.Context(), tok, body.DownloadURL, destPath); outcome != nil {
		writeErr(w, apierr.Internal(outcome))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": destPath})
}

func (s *Server) handleDownloadPathGet(w http.ResponseWriter, r *http.Request) {
	dir, err := s.resolveDownloadDir()
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"download_path": dir})
}

func (s *Server) handleDownloadPathSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.BadInput("invalid request body: %v", err))
		return
	}
	if err := store.SetAppConfig(s.DB, store.ConfigKeyDownloadPath, body.Path); err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnvVarsMerged(w http.ResponseWriter, r *http.Request) {
	repoID, _ := strconv.ParseInt(r.URL.Query().Get("repo_id"), 10, 64)
	commitHash := r.URL.Query().Get("commit_hash")
	merged, err := s.EnvResolver.GetMerged(repoID, commitHash)
	if err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleEnvVarsSet(w http.ResponseWriter, r *http.Request) {
	scope := store.Scope(r.PathValue("scope"))
	switch scope {
	case store.ScopeGlobal, store.ScopeProject, store.ScopeCommit:
	default:
		writeErr(w, apierr.BadInput("unknown scope %q", scope))
		return
	}
	var body struct {
		Vars       map[string]string `json:"vars"`
		RepoID     *int64            `json:"repo_id,omitempty"`
		CommitHash *string           `json:"commit_hash,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.BadInput("invalid request body: %v", err))
		return
	}
	if err := s.EnvResolver.Set(scope, body.Vars, body.RepoID, body.CommitHash); err != nil {
		writeErr(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Debugf("httpapi: encode response failed: %v", err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status, envelope := apierr.ToEnvelope(err)
	writeJSON(w, status, envelope)
}

// ListenAndServe runs the HTTP listener until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
