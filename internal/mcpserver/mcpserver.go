// Package mcpserver exposes a read-only Model Context Protocol surface over
// the watchlist and rate-limit tracker, so an agent can inspect this
// instance's state without going through the inbound HTTP API.
package mcpserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"ghreplay/internal/replay"
	"ghreplay/internal/store"
)

// Server holds the shared state the MCP tools read from; it never mutates
// anything.
type Server struct {
	DB           *sql.DB
	Orchestrator *replay.Orchestrator // nil when running standalone (no replay in this process)
}

// Serve starts the MCP server over stdio and blocks until ctx is done or the
// transport closes.
func (s *Server) Serve(ctx context.Context) error {
	impl := &sdk.Implementation{
		Name:    "ghreplay",
		Title:   "ghreplay MCP",
		Version: "dev",
	}
	srv := sdk.NewServer(impl, &sdk.ServerOptions{HasTools: true})

	sdk.AddTool[struct{}, HealthOut](srv, &sdk.Tool{
		Name:        "health",
		Title:       "Health Check",
		Description: "Returns server health status.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(_ context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, HealthOut, error) {
		return nil, HealthOut{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339)}, nil
	})

	sdk.AddTool[struct{}, WatchlistListOut](srv, &sdk.Tool{
		Name:        "watchlist.list",
		Title:       "List Watchlist",
		Description: "List every tracked repository and its last-known release state.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(_ context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, WatchlistListOut, error) {
		repos, err := store.ListTrackedRepos(s.DB)
		if err != nil {
			return &sdk.CallToolResult{}, WatchlistListOut{}, fmt.Errorf("list tracked repos: %w", err)
		}
		out := WatchlistListOut{Repos: make([]WatchlistEntry, 0, len(repos))}
		for _, r := range repos {
			out.Repos = append(out.Repos, WatchlistEntry{
				ID:             r.ID,
				Owner:          r.Owner,
				RepoName:       r.RepoName,
				CurrentVersion: r.CurrentVersion,
				LatestVersion:  r.LatestVersion,
				LastChecked:    r.LastChecked,
			})
		}
		return nil, out, nil
	})

	sdk.AddTool[struct{}, RateLimitOut](srv, &sdk.Tool{
		Name:        "ratelimit.snapshot",
		Title:       "Rate Limit Snapshot",
		Description: "Returns the last-observed GitHub API rate-limit snapshot, if any.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(_ context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, RateLimitOut, error) {
		snap, err := store.GetApiStatus(s.DB)
		if err != nil {
			return &sdk.CallToolResult{}, RateLimitOut{}, fmt.Errorf("get api status: %w", err)
		}
		if snap == nil {
			return nil, RateLimitOut{Observed: false}, nil
		}
		return nil, RateLimitOut{
			Observed:    true,
			Limit:       snap.Limit,
			Remaining:   snap.Remaining,
			ResetUnix:   snap.ResetTimeUnix,
			TokenSource: string(snap.TokenSource),
		}, nil
	})

	sdk.AddTool[struct{}, ReplayListOut](srv, &sdk.Tool{
		Name:        "replay.list",
		Title:       "List Replay Instances",
		Description: "List every Replay instance known to this process (empty if Replay is not running in-process).",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(_ context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, ReplayListOut, error) {
		if s.Orchestrator == nil {
			return nil, ReplayListOut{}, nil
		}
		instances := s.Orchestrator.List()
		out := ReplayListOut{Instances: make([]ReplayInstanceOut, 0, len(instances))}
		for _, inst := range instances {
			out.Instances = append(out.Instances, ReplayInstanceOut{
				ID:         inst.ID,
				RepoName:   inst.RepoName,
				CommitHash: inst.CommitHash,
				Status:     string(inst.Status),
				Port:       inst.Port,
			})
		}
		return nil, out, nil
	})

	return srv.Run(ctx, &sdk.StdioTransport{})
}

type HealthOut struct {
	Status string `json:"status" jsonschema:"health status (ok)"`
	Time   string `json:"time" jsonschema:"server time in RFC3339"`
}

type WatchlistEntry struct {
	ID             int64  `json:"id"`
	Owner          string `json:"owner"`
	RepoName       string `json:"repo_name"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version,omitempty"`
	LastChecked    string `json:"last_checked,omitempty"`
}

type WatchlistListOut struct {
	Repos []WatchlistEntry `json:"repos"`
}

type RateLimitOut struct {
	Observed    bool   `json:"observed"`
	Limit       int    `json:"limit,omitempty"`
	Remaining   int    `json:"remaining,omitempty"`
	ResetUnix   int64  `json:"reset_unix,omitempty"`
	TokenSource string `json:"token_source,omitempty"`
}

type ReplayInstanceOut struct {
	ID         string `json:"id"`
	RepoName   string `json:"repo_name"`
	CommitHash string `json:"commit_hash"`
	Status     string `json:"status"`
	Port       int    `json:"port,omitempty"`
}

type ReplayListOut struct {
	Instances []ReplayInstanceOut `json:"instances"`
}
