package replay

import (
	"os/exec"
	"sync"
	"time"
)

// Status is an instance's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Instance is one live (or terminated) Replay workspace.
type Instance struct {
	ID            string
	RepoID        int64
	RepoName      string
	RepoPath      string
	CommitHash    string
	Port          int
	WorkspacePath string
	Status        Status
	Error         string
	Adapter       string
	StartedAt     *time.Time

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Snapshot returns a value copy safe to hand to a caller without exposing
// the process handle or the mutex.
func (i *Instance) Snapshot() Instance {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Instance{
		ID:            i.ID,
		RepoID:        i.RepoID,
		RepoName:      i.RepoName,
		RepoPath:      i.RepoPath,
		CommitHash:    i.CommitHash,
		Port:          i.Port,
		WorkspacePath: i.WorkspacePath,
		Status:        i.Status,
		Error:         i.Error,
		Adapter:       i.Adapter,
		StartedAt:     i.StartedAt,
	}
}

func (i *Instance) setCmd(cmd *exec.Cmd) {
	i.mu.Lock()
	i.cmd = cmd
	i.mu.Unlock()
}

func (i *Instance) getCmd() *exec.Cmd {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cmd
}

func (i *Instance) setStatus(s Status, errMsg string) {
	i.mu.Lock()
	i.Status = s
	i.Error = errMsg
	i.mu.Unlock()
}

func (i *Instance) status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Status
}
