// Package logging provides the process-wide debug logger. Output goes to
// io.Discard unless Enable is called.
package logging

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	mu      sync.RWMutex
	enabled bool
	logger  = log.New(io.Discard, "", log.LstdFlags)
)

// Enable turns debug logging on or off, redirecting output to stderr or
// io.Discard respectively.
func Enable(on bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = on
	if on {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(io.Discard)
	}
}

// Enabled reports whether debug logging is currently on.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// Debugf logs a formatted debug message when enabled; otherwise it is a
// cheap no-op.
func Debugf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Printf(format, args...)
}
