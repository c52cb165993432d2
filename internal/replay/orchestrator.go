// Package replay is the replay orchestrator: it materializes a commit into
// an isolated workspace via the git worktree manager, picks an adapter to
// serve it, and manages the resulting child process's lifecycle.
package replay

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"ghreplay/internal/apierr"
	"ghreplay/internal/gitrepo"
	"ghreplay/internal/logging"
	"ghreplay/validate"
)

const (
	maxStartupAttempts = 3
	livenessProbeDelay = 500 * time.Millisecond
	gracefulStopWait   = 5 * time.Second
	maxFailureListing  = 10
)

// Orchestrator owns every Replay instance for the process's lifetime.
type Orchestrator struct {
	WorkspacesRoot string
	Adapters       []Adapter

	ports *PortAllocator

	mu        sync.Mutex
	instances map[string]*Instance        // by instance id
	byTarget  map[repoCommitKey]*Instance // by (repo_id, commit_hash)
}

type repoCommitKey struct {
	repoID int64
	commit string
}

// NewOrchestrator builds an orchestrator rooted at workspacesRoot, with the
// Static HTML adapter registered by default.
func NewOrchestrator(workspacesRoot string, basePort int) *Orchestrator {
	return &Orchestrator{
		WorkspacesRoot: workspacesRoot,
		Adapters:       []Adapter{&StaticHTMLAdapter{}},
		ports:          NewPortAllocator(basePort),
		instances:      make(map[string]*Instance),
		byTarget:       make(map[repoCommitKey]*Instance),
	}
}

// Start materializes repoPath@commitHash into a workspace and starts the
// first adapter that validates it, applying idempotence, security
// preconditions, and a three-attempt startup retry.
func (o *Orchestrator) Start(ctx context.Context, repoID int64, repoName, repoPath, commitHash string, preferredPort int, env map[string]string) (*Instance, error) {
	if err := validate.ValidateCommitHash(commitHash); err != nil {
		return nil, apierr.BadInput("%v", err)
	}

	key := repoCommitKey{repoID: repoID, commit: commitHash}

	o.mu.Lock()
	if existing, ok := o.byTarget[key]; ok {
		if existing.status() == StatusRunning {
			o.mu.Unlock()
			return existing, nil
		}
		o.mu.Unlock()
		return o.restart(ctx, existing, repoPath, env)
	}
	o.mu.Unlock()

	id := uuid.NewString()
	workspace := filepath.Join(o.WorkspacesRoot, id)
	if err := o.checkWorkspaceContainment(workspace); err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:            id,
		RepoID:        repoID,
		RepoName:      repoName,
		RepoPath:      repoPath,
		CommitHash:    commitHash,
		WorkspacePath: workspace,
		Status:        StatusStarting,
	}

	o.mu.Lock()
	o.instances[id] = inst
	o.byTarget[key] = inst
	o.mu.Unlock()

	if err := gitrepo.CheckoutToWorktree(ctx, repoPath, commitHash, workspace); err != nil {
		inst.setStatus(StatusFailed, err.Error())
		return inst, nil
	}

	o.launch(ctx, inst, preferredPort, env)
	return inst, nil
}

func (o *Orchestrator) restart(ctx context.Context, inst *Instance, repoPath string, env map[string]string) (*Instance, error) {
	if _, err := os.Stat(inst.WorkspacePath); err != nil {
		if err := gitrepo.CheckoutToWorktree(ctx, repoPath, inst.CommitHash, inst.WorkspacePath); err != nil {
			inst.setStatus(StatusFailed, err.Error())
			return inst, nil
		}
	}
	inst.setStatus(StatusStarting, "")
	o.launch(ctx, inst, inst.Port, env)
	return inst, nil
}

// launch picks an adapter and runs the startup-retry loop, mutating inst in
// place to its terminal starting-phase state (running or failed).
func (o *Orchestrator) launch(ctx context.Context, inst *Instance, preferredPort int, env map[string]string) {
	adapter := o.selectAdapter(inst.WorkspacePath)
	if adapter == nil {
		inst.setStatus(StatusFailed, fmt.Sprintf("no adapter recognized the workspace; contents: %s", listFiles(inst.WorkspacePath, maxFailureListing)))
		return
	}
	inst.Adapter = adapter.Name()

	var lastErr error
	for attempt := 1; attempt <= maxStartupAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			time.Sleep(backoff)
		}

		port := preferredPort
		if attempt > 1 {
			port = 0 // attempts 2 and 3 ignore the caller-supplied preferred port
		}
		if port < minPort || port > maxPort {
			port = 0
		}
		allocated, err := o.ports.Allocate(port)
		if err != nil {
			lastErr = err
			continue
		}

		cmd, err := adapter.Start(ctx, inst.WorkspacePath, allocated, env)
		if err != nil {
			lastErr = err
			continue // port-bind-shaped failures are retryable; we don't distinguish further here
		}
		setProcessGroup(cmd)
		inst.setCmd(cmd)
		inst.Port = allocated

		time.Sleep(livenessProbeDelay)
		if !processAlive(cmd.Process.Pid) {
			lastErr = fmt.Errorf("child exited immediately after start")
			continue
		}

		now := time.Now().UTC()
		inst.mu.Lock()
		inst.Status = StatusRunning
		inst.StartedAt = &now
		inst.Error = ""
		inst.mu.Unlock()
		go o.reapOnExit(inst, cmd)
		return
	}

	inst.setStatus(StatusFailed, fmt.Sprintf("exhausted %d startup attempts: %v", maxStartupAttempts, lastErr))
}

// reapOnExit waits for the child process and flips a running instance to
// failed with a bounded tail of its output if it dies unexpectedly.
func (o *Orchestrator) reapOnExit(inst *Instance, cmd *exec.Cmd) {
	err := cmd.Wait()
	if inst.status() != StatusRunning {
		return // a deliberate Stop() already transitioned this instance
	}
	msg := "process exited"
	if err != nil {
		msg = fmt.Sprintf("process exited: %v", err)
	}
	inst.setStatus(StatusFailed, msg)
	logging.Debugf("replay: instance %s exited unexpectedly: %s", inst.ID, msg)
}

func (o *Orchestrator) selectAdapter(workspace string) Adapter {
	for _, a := range o.Adapters {
		if a.Validate(workspace) {
			return a
		}
	}
	return nil
}

// checkWorkspaceContainment is a canonicalized containment check: the
// workspace must resolve to a path inside WorkspacesRoot.
func (o *Orchestrator) checkWorkspaceContainment(workspace string) error {
	root, err := filepath.Abs(o.WorkspacesRoot)
	if err != nil {
		return apierr.Internal(err)
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return apierr.Internal(err)
	}
	root = filepath.Clean(root)
	abs = filepath.Clean(abs)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return apierr.BadInput("workspace path escapes the configured workspaces root")
	}
	return nil
}

// Stop sends a graceful-then-forced shutdown to the instance's process
// group and marks it stopped.
func (o *Orchestrator) Stop(id string) error {
	o.mu.Lock()
	inst, ok := o.instances[id]
	o.mu.Unlock()
	if !ok {
		return apierr.NotFound("replay instance %q not found", id)
	}

	cmd := inst.getCmd()
	if cmd != nil && cmd.Process != nil && processAlive(cmd.Process.Pid) {
		pid := cmd.Process.Pid
		_ = unix.Kill(-pid, syscall.SIGTERM)

		deadline := time.Now().Add(gracefulStopWait)
		for time.Now().Before(deadline) && processAlive(pid) {
			time.Sleep(100 * time.Millisecond)
		}
		if processAlive(pid) {
			_ = unix.Kill(-pid, syscall.SIGKILL)
		}
	}
	inst.setStatus(StatusStopped, "")
	return nil
}

// StopAll stops every known instance, tolerating individual failures.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.instances))
	for id := range o.instances {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Stop(id); err != nil {
			logging.Debugf("replay: stop_all: %v", err)
		}
	}
}

// List returns a snapshot of every known instance.
func (o *Orchestrator) List() []Instance {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Instance, 0, len(o.instances))
	for _, inst := range o.instances {
		out = append(out, inst.Snapshot())
	}
	return out
}

// Get returns a snapshot of a single instance.
func (o *Orchestrator) Get(id string) (Instance, bool) {
	o.mu.Lock()
	inst, ok := o.instances[id]
	o.mu.Unlock()
	if !ok {
		return Instance{}, false
	}
	return inst.Snapshot(), true
}

// Remove deletes a terminal (failed or stopped) instance's bookkeeping and
// its workspace directory.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	inst, ok := o.instances[id]
	o.mu.Unlock()
	if !ok {
		return apierr.NotFound("replay instance %q not found", id)
	}
	switch inst.status() {
	case StatusFailed, StatusStopped:
	default:
		return apierr.BadInput("instance %q must be stopped or failed before removal", id)
	}

	o.mu.Lock()
	delete(o.instances, id)
	delete(o.byTarget, repoCommitKey{repoID: inst.RepoID, commit: inst.CommitHash})
	o.mu.Unlock()

	return gitrepo.RemoveWorktree(context.Background(), inst.RepoPath, inst.WorkspacePath)
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func listFiles(dir string, limit int) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "(unreadable)"
	}
	names := make([]string, 0, limit)
	for _, e := range entries {
		if len(names) >= limit {
			break
		}
		names = append(names, e.Name())
	}
	return strings.Join(names, ", ")
}
