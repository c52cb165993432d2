// Package githubapi is the centralized outbound GitHub REST client: one
// long-lived *github.Client, a five-permit concurrency ceiling,
// pagination, and rate-limit header extraction forwarded to an observer.
package githubapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v55/github"
	"golang.org/x/sync/semaphore"

	"ghreplay/internal/logging"
)

const (
	apiVersion            = "2022-11-28"
	defaultRequestTimeout = 30 * time.Second
	assetTimeout          = 300 * time.Second
	maxConcurrency        = 5
	defaultCommitCeiling  = 1000
)

// Kind classifies a failed operation's outcome.
type Kind string

const (
	KindHTTPStatus Kind = "http_status"
	KindTimeout    Kind = "timeout"
	KindNetwork    Kind = "network"
	KindDecode     Kind = "decode"
	KindInternal   Kind = "internal"
)

// Outcome is the structured failure every client operation returns instead
// of a bare error; the client never raises across its boundary for
// expected failures.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (o *Outcome) Error() string {
	if o.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", o.Kind, o.StatusCode, o.Message)
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Message)
}

// RateObservation is forwarded to the rate-limit tracker after every
// response, regardless of whether the operation itself succeeded.
type RateObservation struct {
	Limit        int
	Remaining    int
	ResetUnix    int64
	TokenSource  string
}

// RateObserver receives a RateObservation; implementations should not
// block the request path (e.g. queue to a buffered channel internally).
type RateObserver func(RateObservation)

// Client is the single process-wide GitHub REST client.
type Client struct {
	gh          *github.Client
	httpClient  *http.Client
	assetClient *http.Client
	sem         *semaphore.Weighted
	observer    RateObserver
}

// NewClient builds the long-lived client. apiBaseURL overrides the default
// https://api.github.com when non-empty (used for GitHub Enterprise or
// test doubles).
func NewClient(apiBaseURL string, observer RateObserver) (*Client, error) {
	httpClient := &http.Client{Timeout: defaultRequestTimeout}
	assetClient := &http.Client{Timeout: assetTimeout}

	gh := github.NewClient(httpClient)
	if apiBaseURL != "" {
		base := strings.TrimSuffix(apiBaseURL, "/") + "/"
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("githubapi: invalid api base url: %w", err)
		}
		gh.BaseURL = u
	}

	return &Client{
		gh:          gh,
		httpClient:  httpClient,
		assetClient: assetClient,
		sem:         semaphore.NewWeighted(maxConcurrency),
		observer:    observer,
	}, nil
}

// Close releases the client's idle connections. Called once during
// shutdown, after the log-drain worker has finished draining and before
// replay instances are stopped.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
	c.assetClient.CloseIdleConnections()
}

// do builds a request against path, attaches the token (if any) and the
// required headers, executes it under the concurrency semaphore, and
// forwards the observed rate limit to the observer.
func (c *Client) do(ctx context.Context, method, path, token, tokenSource string, body, result any) (*github.Response, *Outcome) {
	req, err := c.gh.NewRequest(method, path, body)
	if err != nil {
		return nil, &Outcome{Kind: KindInternal, Message: err.Error()}
	}
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &Outcome{Kind: KindInternal, Message: "concurrency ceiling: " + err.Error()}
	}
	defer c.sem.Release(1)

	if logging.Enabled() {
		logging.Debugf("githubapi: %s %s", method, req.URL)
	}

	resp, err := c.gh.Do(ctx, req, result)
	if resp != nil {
		c.observe(resp, tokenSource)
	}
	if err != nil {
		return resp, classifyError(err)
	}
	return resp, nil
}

func (c *Client) observe(resp *github.Response, tokenSource string) {
	if c.observer == nil {
		return
	}
	c.observer(RateObservation{
		Limit:       resp.Rate.Limit,
		Remaining:   resp.Rate.Remaining,
		ResetUnix:   resp.Rate.Reset.Unix(),
		TokenSource: tokenSource,
	})
}

func classifyError(err error) *Outcome {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		return &Outcome{Kind: KindHTTPStatus, StatusCode: ghErr.Response.StatusCode, Message: ghErr.Message}
	}
	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return &Outcome{Kind: KindHTTPStatus, StatusCode: http.StatusAccepted, Message: "processing"}
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &Outcome{Kind: KindHTTPStatus, StatusCode: http.StatusForbidden, Message: "rate limit exceeded"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Outcome{Kind: KindTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Outcome{Kind: KindTimeout, Message: err.Error()}
		}
		return &Outcome{Kind: KindNetwork, Message: err.Error()}
	}
	return &Outcome{Kind: KindNetwork, Message: err.Error()}
}

// GetUserProfile fetches a user's public profile.
func (c *Client) GetUserProfile(ctx context.Context, token, source, login string) (*github.User, *Outcome) {
	var user github.User
	path := fmt.Sprintf("users/%s", login)
	if _, outcome := c.do(ctx, http.MethodGet, path, token, source, nil, &user); outcome != nil {
		return nil, outcome
	}
	return &user, nil
}

// ListUserRepos fetches every repository belonging to login, paginating
// at per_page=100 and stopping when the Link header lacks rel="next".
// sort defaults to "pushed" (newest-pushed first) when empty.
func (c *Client) ListUserRepos(ctx context.Context, token, source, login, sort string) ([]*github.Repository, *Outcome) {
	if sort == "" {
		sort = "pushed"
	}
	var all []*github.Repository
	page := 1
	for {
		path := fmt.Sprintf("users/%s/repos?sort=%s&per_page=100&page=%d", login, sort, page)
		var batch []*github.Repository
		resp, outcome := c.do(ctx, http.MethodGet, path, token, source, nil, &batch)
		if outcome != nil {
			return nil, outcome
		}
		all = append(all, batch...)
		if resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}
	return all, nil
}

// GetUserReadme fetches a user's profile README, which GitHub serves as
// the README of the special <login>/<login> repository.
func (c *Client) GetUserReadme(ctx context.Context, token, source, login string) (string, *Outcome) {
	return c.GetRepoReadme(ctx, token, source, login, login)
}

// GetRepoReadme fetches and base64-decodes a repository's README content.
func (c *Client) GetRepoReadme(ctx context.Context, token, source, owner, repo string) (string, *Outcome) {
	var content github.RepositoryContent
	path := fmt.Sprintf("repos/%s/%s/readme", owner, repo)
	if _, outcome := c.do(ctx, http.MethodGet, path, token, source, nil, &content); outcome != nil {
		return "", outcome
	}
	if content.Encoding == nil || *content.Encoding != "base64" || content.Content == nil {
		return "", &Outcome{Kind: KindDecode, Message: "unexpected readme encoding"}
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(*content.Content, "\n", ""))
	if err != nil {
		return "", &Outcome{Kind: KindDecode, Message: err.Error()}
	}
	return string(raw), nil
}

// GetCommitCount uses a pagination trick: request per_page=1 and read the
// last page number off the Link header; fall back to body length, and to
// 0 on an empty (409) repository.
func (c *Client) GetCommitCount(ctx context.Context, token, source, owner, repo string) (int, *Outcome) {
	var commits []*github.RepositoryCommit
	path := fmt.Sprintf("repos/%s/%s/commits?per_page=1&page=1", owner, repo)
	resp, outcome := c.do(ctx, http.MethodGet, path, token, source, nil, &commits)
	if outcome != nil {
		if outcome.Kind == KindHTTPStatus && outcome.StatusCode == http.StatusConflict {
			return 0, nil // empty repository
		}
		return 0, outcome
	}
	if resp.LastPage > 0 {
		return resp.LastPage, nil
	}
	return len(commits), nil
}

// GetRecentCommits fetches up to ceiling commits, newest first. ceiling<=0
// applies the default of 1000.
func (c *Client) GetRecentCommits(ctx context.Context, token, source, owner, repo string, ceiling int) ([]*github.RepositoryCommit, *Outcome) {
	if ceiling <= 0 {
		ceiling = defaultCommitCeiling
	}
	var all []*github.RepositoryCommit
	page := 1
	for len(all) < ceiling {
		perPage := 100
		if remaining := ceiling - len(all); remaining < perPage {
			perPage = remaining
		}
		path := fmt.Sprintf("repos/%s/%s/commits?per_page=%d&page=%d", owner, repo, perPage, page)
		var batch []*github.RepositoryCommit
		resp, outcome := c.do(ctx, http.MethodGet, path, token, source, nil, &batch)
		if outcome != nil {
			return nil, outcome
		}
		all = append(all, batch...)
		if resp.NextPage == 0 || len(batch) == 0 {
			break
		}
		page = resp.NextPage
	}
	if len(all) > ceiling {
		all = all[:ceiling]
	}
	return all, nil
}

// GetRepoMetadata fetches repository metadata.
func (c *Client) GetRepoMetadata(ctx context.Context, token, source, owner, repo string) (*github.Repository, *Outcome) {
	var r github.Repository
	path := fmt.Sprintf("repos/%s/%s", owner, repo)
	if _, outcome := c.do(ctx, http.MethodGet, path, token, source, nil, &r); outcome != nil {
		return nil, outcome
	}
	return &r, nil
}

// GetLatestRelease fetches the newest non-draft, non-prerelease release.
func (c *Client) GetLatestRelease(ctx context.Context, token, source, owner, repo string) (*github.RepositoryRelease, *Outcome) {
	var r github.RepositoryRelease
	path := fmt.Sprintf("repos/%s/%s/releases/latest", owner, repo)
	if _, outcome := c.do(ctx, http.MethodGet, path, token, source, nil, &r); outcome != nil {
		return nil, outcome
	}
	return &r, nil
}

// ListReleases fetches up to limit releases, newest first. limit<=0
// applies GitHub's default page size (30).
func (c *Client) ListReleases(ctx context.Context, token, source, owner, repo string, limit int) ([]*github.RepositoryRelease, *Outcome) {
	perPage := 30
	if limit > 0 && limit < 100 {
		perPage = limit
	} else if limit >= 100 {
		perPage = 100
	}
	path := fmt.Sprintf("repos/%s/%s/releases?per_page=%d&page=1", owner, repo, perPage)
	var releases []*github.RepositoryRelease
	if _, outcome := c.do(ctx, http.MethodGet, path, token, source, nil, &releases); outcome != nil {
		return nil, outcome
	}
	if limit > 0 && len(releases) > limit {
		releases = releases[:limit]
	}
	return releases, nil
}

// GetRateLimit fetches the current rate-limit snapshot directly, used when
// the tracker's stored snapshot is stale.
func (c *Client) GetRateLimit(ctx context.Context, token, source string) (*github.RateLimits, *Outcome) {
	var limits github.RateLimits
	if _, outcome := c.do(ctx, http.MethodGet, "rate_limit", token, source, nil, &struct {
		Resources *github.RateLimits `json:"resources"`
	}{Resources: &limits}); outcome != nil {
		return nil, outcome
	}
	return &limits, nil
}

// DownloadAsset streams downloadURL (already validated by the caller
// against the SSRF allow-list) to destPath, following redirects, using the
// distinct 300-second asset client.
func (c *Client) DownloadAsset(ctx context.Context, token, downloadURL, destPath string) *Outcome {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return &Outcome{Kind: KindInternal, Message: "concurrency ceiling: " + err.Error()}
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return &Outcome{Kind: KindInternal, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.assetClient.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Outcome{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, Message: "unexpected status downloading asset"}
	}

	f, err := os.Create(destPath)
	if err != nil {
		return &Outcome{Kind: KindInternal, Message: err.Error()}
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return &Outcome{Kind: KindNetwork, Message: err.Error()}
	}
	return nil
}
