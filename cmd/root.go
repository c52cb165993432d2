package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"

	"ghreplay/internal/applog"
	"ghreplay/internal/cache"
	"ghreplay/internal/config"
	"ghreplay/internal/cryptobox"
	"ghreplay/internal/envvars"
	"ghreplay/internal/githubapi"
	"ghreplay/internal/httpapi"
	"ghreplay/internal/logging"
	"ghreplay/internal/mcpserver"
	"ghreplay/internal/ratelimit"
	"ghreplay/internal/releasecache"
	"ghreplay/internal/replay"
	"ghreplay/internal/store"
	"ghreplay/internal/token"
	"ghreplay/internal/watchlist"
)

var (
	// Version information - set by version.go
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// CLI represents the command line interface structure using Kong
type CLI struct {
	Debug      bool   `help:"Enable debug mode."`
	ConfigPath string `name:"config" short:"c" help:"Path to config file." type:"path"`

	Serve     ServeCmd     `cmd:"" help:"Run the HTTP API, background watchlist loop, and log-drain worker"`
	Init      InitCmd      `cmd:"" help:"Initialize the local SQLite database"`
	Token     TokenCmd     `cmd:"" help:"Inspect or set the stored GitHub token"`
	Watchlist WatchlistCmd `cmd:"" help:"Manage tracked repositories"`
	Replay    ReplayCmd    `cmd:"" help:"Manage running replay instances"`
	Config    ConfigCmd    `cmd:"" help:"Show application settings (masked)"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
	MCP       McpCmd       `cmd:"" help:"Start the MCP server"`

	// internal cached state, built once per process
	cfgOnce sync.Once
	cfg     *config.Config
	cfgErr  error

	svcOnce sync.Once
	svc     *services
	svcErr  error
}

// Config returns the app configuration, loading it once per process.
func (cli *CLI) Config() (*config.Config, error) {
	cli.cfgOnce.Do(func() {
		config.Debug = cli.Debug
		cli.cfg, cli.cfgErr = config.GetConfig(cli.ConfigPath)
	})
	return cli.cfg, cli.cfgErr
}

// services bundles every process-wide singleton a subcommand might need,
// built once from the loaded config: store, crypto box, GitHub client, and
// every component layered over them.
type services struct {
	db           *sql.DB
	box          *cryptobox.Box
	client       *githubapi.Client
	cache        *cache.Cache
	rateTracker  *ratelimit.Tracker
	releaseCache *releasecache.Cache
	watchlist    *watchlist.Engine
	envResolver  *envvars.Resolver
	tokenRes     *token.Resolver
	orchestrator *replay.Orchestrator
}

// Services wires every collaborator from the loaded config, once per
// process. Every subcommand that touches GitHub or the database goes
// through this instead of constructing its own copies.
func (cli *CLI) Services() (*services, error) {
	cli.svcOnce.Do(func() {
		cfg, err := cli.Config()
		if err != nil {
			cli.svcErr = err
			return
		}
		cli.svc, cli.svcErr = buildServices(cfg)
	})
	return cli.svc, cli.svcErr
}

// Run implements the serve command: brings up every long-running
// component and blocks until SIGINT/SIGTERM, then shuts down in a fixed
// order: stop accepting requests, stop the log drainer, close the GitHub
// client, then stop replay instances.
func (s *ServeCmd) Run(cli *CLI) error {
	logging.Enable(cli.Debug)

	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}

	if err := os.MkdirAll(svc.orchestrator.WorkspacesRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create workspaces root: %w", err)
	}

	if err := svc.cache.Sweep(releasecache.DefaultTTL); err != nil {
		fmt.Fprintf(os.Stderr, "warning: initial cache sweep failed: %v\n", err)
	}
	purged, err := store.PurgeLogsOlderThan(svc.db, applog.Retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: log purge failed: %v\n", err)
	} else if cli.Debug {
		fmt.Printf("DEBUG: purged %d log rows older than retention\n", purged)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	drainer := applog.NewDrainer(svc.db)
	logCtx, stopLog := context.WithCancel(ctx)
	go func() {
		if err := drainer.Run(logCtx); err != nil {
			fmt.Fprintf(os.Stderr, "log drain worker exited: %v\n", err)
		}
	}()

	cfg, err := cli.Config()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	srv := &httpapi.Server{
		DB:            svc.db,
		Client:        svc.client,
		Cache:         svc.cache,
		RateTracker:   svc.rateTracker,
		ReleaseCache:  svc.releaseCache,
		Watchlist:     svc.watchlist,
		Orchestrator:  svc.orchestrator,
		TokenResolver: svc.tokenRes,
		EnvResolver:   svc.envResolver,
		Box:           svc.box,
		Config:        cfg,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpapi.ListenAndServe(ctx, addr, srv.Routes())
	}()

	select {
	case <-sigCh:
		fmt.Println("INFO: shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
		}
	}

	cancel()
	stopLog()
	<-drainer.Stopped()
	svc.client.Close()
	svc.orchestrator.StopAll()

	return nil
}

// ServeCmd starts the HTTP API and background workers.
type ServeCmd struct{}

// InitCmd creates the SQLite schema and exits.
type InitCmd struct{}

func (i *InitCmd) Run(cli *CLI) error {
	cfg, err := config.LoadConfigNoValidate(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	db, err := store.InitDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	fmt.Println("Database initialization completed")
	return nil
}

// TokenCmd inspects or sets the encrypted-at-rest stored token.
type TokenCmd struct {
	Set TokenSetCmd `cmd:"" help:"Encrypt and store a GitHub token"`
	Get TokenGetCmd `cmd:"" help:"Show whether a token is stored (never prints it)"`
}

type TokenSetCmd struct {
	Value string `arg:"" help:"The token to encrypt and store"`
}

func (t *TokenSetCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	if svc.box == nil {
		return fmt.Errorf("no encryption key configured; set GHREPLAY_ENCRYPTION_KEY or encryption_key_file")
	}
	if err := token.StoreToken(svc.db, svc.box, t.Value); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	fmt.Println("Token stored.")
	return nil
}

type TokenGetCmd struct{}

func (t *TokenGetCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	_, ok, err := store.GetAppConfig(svc.db, store.ConfigKeyGitHubToken)
	if err != nil {
		return fmt.Errorf("failed to read token state: %w", err)
	}
	if ok {
		fmt.Println("A token is stored in the database.")
	} else {
		fmt.Println("No token is stored in the database.")
	}
	return nil
}

// WatchlistCmd groups the watchlist operations useful from a shell or cron.
type WatchlistCmd struct {
	List         WatchlistListCmd         `cmd:"" help:"List tracked repositories"`
	Add          WatchlistAddCmd          `cmd:"" help:"Track a repository"`
	Remove       WatchlistRemoveCmd       `cmd:"" help:"Stop tracking a repository"`
	CheckUpdates WatchlistCheckUpdatesCmd `cmd:"" help:"Refresh latest-release info for every tracked repository"`
}

type WatchlistListCmd struct{}

func (w *WatchlistListCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	repos, err := store.ListTrackedRepos(svc.db)
	if err != nil {
		return fmt.Errorf("failed to list tracked repos: %w", err)
	}
	for _, r := range repos {
		fmt.Printf("%d\t%s/%s\tcurrent=%s latest=%s\n", r.ID, r.Owner, r.RepoName, r.CurrentVersion, r.LatestVersion)
	}
	return nil
}

type WatchlistAddCmd struct {
	Owner string `arg:"" help:"Repository owner"`
	Repo  string `arg:"" help:"Repository name"`
}

func (w *WatchlistAddCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	repo, err := store.AddTrackedRepo(svc.db, w.Owner, w.Repo, "", "", "")
	if err != nil {
		return fmt.Errorf("failed to add repo: %w", err)
	}
	fmt.Printf("Tracking %s/%s (id=%d)\n", repo.Owner, repo.RepoName, repo.ID)
	return nil
}

type WatchlistRemoveCmd struct {
	ID int64 `arg:"" help:"Tracked repository id"`
}

func (w *WatchlistRemoveCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	if err := store.RemoveTrackedRepo(svc.db, w.ID); err != nil {
		return fmt.Errorf("failed to remove repo: %w", err)
	}
	fmt.Println("Removed.")
	return nil
}

type WatchlistCheckUpdatesCmd struct{}

func (w *WatchlistCheckUpdatesCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	result, err := svc.watchlist.CheckUpdates(context.Background())
	if err != nil {
		return fmt.Errorf("check-updates failed: %w", err)
	}
	fmt.Printf("Checked %d repos, %d updates found, %d failures\n", result.Checked, result.UpdatesFound, len(result.Failures))
	for _, f := range result.Failures {
		fmt.Printf("  repo_id=%d: %v\n", f.RepoID, f.Err)
	}
	return nil
}

// ReplayCmd groups replay-instance operations driven from a shell.
type ReplayCmd struct {
	List    ReplayListCmd    `cmd:"" help:"List running replay instances"`
	Stop    ReplayStopCmd    `cmd:"" help:"Stop a replay instance"`
	StopAll ReplayStopAllCmd `cmd:"" help:"Stop every running replay instance"`
}

type ReplayListCmd struct{}

func (r *ReplayListCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	for _, inst := range svc.orchestrator.List() {
		fmt.Printf("%s\t%s\tport=%d\tstatus=%s\n", inst.ID, inst.RepoName, inst.Port, inst.Status)
	}
	return nil
}

type ReplayStopCmd struct {
	ID string `arg:"" help:"Replay instance id"`
}

func (r *ReplayStopCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	if err := svc.orchestrator.Stop(r.ID); err != nil {
		return fmt.Errorf("failed to stop instance: %w", err)
	}
	fmt.Println("Stopped.")
	return nil
}

type ReplayStopAllCmd struct{}

func (r *ReplayStopAllCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	svc.orchestrator.StopAll()
	fmt.Println("All instances stopped.")
	return nil
}

// ConfigCmd shows the masked application configuration.
type ConfigCmd struct{}

func (c *ConfigCmd) Run(cli *CLI) error {
	return ShowSettings(cli)
}

// VersionCmd represents the version command structure
type VersionCmd struct{}

// Run implements the version command execution
func (v *VersionCmd) Run(cli *CLI) error {
	fmt.Printf("ghreplay version %s\n", appVersion)
	fmt.Printf("commit: %s\n", appCommit)
	fmt.Printf("built at: %s\n", appDate)
	return nil
}

// McpCmd starts the MCP server
type McpCmd struct{}

func (m *McpCmd) Run(cli *CLI) error {
	svc, err := cli.Services()
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}
	if cli.Debug {
		fmt.Println("DEBUG: starting MCP server over stdio")
	}
	srv := &mcpserver.Server{DB: svc.db, Orchestrator: svc.orchestrator}
	return srv.Serve(context.Background())
}

// Execute is the main entry point for all commands
func Execute() error {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ghreplay"),
		kong.Description("Release watchlist and static-artifact replay tool"),
		kong.Vars{
			"version": fmt.Sprintf("%s (%s, built %s)", appVersion, appCommit, appDate),
		},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	return ctx.Run(&cli)
}

// buildServices constructs every process-wide singleton from a loaded
// config: the store, the optional encryption box, the GitHub client wired
// to the rate-limit tracker's observer, and every component layered on
// top. The encryption box is nil when no key resolves, which disables the
// token store's db tier and scoped env-var encryption without making
// either feature an error.
func buildServices(cfg *config.Config) (*services, error) {
	db, err := store.InitDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	box, err := config.ResolveEncryptionBox(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve encryption key: %w", err)
	}

	rateTracker := &ratelimit.Tracker{DB: db}

	client, err := githubapi.NewClient(cfg.APIBaseURL, rateTracker.Observer())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize github client: %w", err)
	}

	tokenRes := &token.Resolver{EnvToken: cfg.GitHubToken, Box: box, DB: db}
	effectiveToken, tokenSource := tokenRes.Resolve("")

	orchestrator := replay.NewOrchestrator(cfg.WorkspaceRoot, cfg.BasePort)

	return &services{
		db:           db,
		box:          box,
		client:       client,
		cache:        &cache.Cache{DB: db},
		rateTracker:  rateTracker,
		releaseCache: &releasecache.Cache{DB: db, Client: client, TTL: releasecache.DefaultTTL},
		watchlist:    &watchlist.Engine{DB: db, Client: client, Token: effectiveToken, Source: string(tokenSource)},
		envResolver:  &envvars.Resolver{DB: db, Box: box},
		tokenRes:     tokenRes,
		orchestrator: orchestrator,
	}, nil
}
