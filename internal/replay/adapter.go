package replay

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Adapter declares how a workspace is recognized and served.
type Adapter interface {
	Name() string
	// Validate reports whether workspace looks like something this adapter
	// can serve.
	Validate(workspace string) bool
	// Start spawns the serving child process bound to 127.0.0.1:port.
	Start(ctx context.Context, workspace string, port int, env map[string]string) (*exec.Cmd, error)
}

// staticServeMarker is argv[0]'s hidden subcommand that re-execs the current
// binary as a minimal static file server, the same self-reexec shape used by
// process-managing daemons that need a real child PID to signal rather than
// an in-process goroutine.
const staticServeMarker = "__replay_static_serve__"

// StaticHTMLAdapter is the only required adapter: a workspace qualifies
// iff index.html exists at its root.
type StaticHTMLAdapter struct {
	// Executable is the binary re-exec'd as the static server; defaults to
	// the current process's own executable path.
	Executable string
}

func (a *StaticHTMLAdapter) Name() string { return "static-html" }

func (a *StaticHTMLAdapter) Validate(workspace string) bool {
	_, err := os.Stat(filepath.Join(workspace, "index.html"))
	return err == nil
}

func (a *StaticHTMLAdapter) Start(ctx context.Context, workspace string, port int, env map[string]string) (*exec.Cmd, error) {
	exe := a.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("replay: resolving self executable: %w", err)
		}
		exe = self
	}

	cmd := exec.CommandContext(ctx, exe, staticServeMarker, "--dir", workspace, "--port", fmt.Sprintf("%d", port))
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// RunStaticServeIfRequested intercepts the hidden re-exec marker at process
// startup; main calls this before any CLI parsing. It never returns when
// the marker matches: the process becomes the static file server until
// killed.
func RunStaticServeIfRequested(args []string) bool {
	if len(args) < 2 || args[1] != staticServeMarker {
		return false
	}
	dir, port := parseStaticServeArgs(args[2:])
	serveStatic(dir, port)
	return true
}
