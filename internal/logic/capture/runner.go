package capture

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyRunning is returned by Runner.Start while a session is active.
var ErrAlreadyRunning = errors.New("capture already in progress")

// Runner serializes capture runs: at most one active session per command
// channel, with cancellation reachable from any caller (web handler,
// hardware panel button, signal handler).
type Runner struct {
	monitor *Monitor

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRunner creates a runner over the given monitor.
func NewRunner(m *Monitor) *Runner {
	return &Runner{monitor: m}
}

// Start launches a run in the background. onDone receives the terminal
// session (and error, for Failed) once the run finishes. Returns
// ErrAlreadyRunning if a session is still active.
func (r *Runner) Start(requested uint32, report ReportFunc, onDone func(*Session, error)) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		s, err := r.monitor.Run(ctx, requested, report)
		cancel()

		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()

		if onDone != nil {
			onDone(s, err)
		}
	}()
	return nil
}

// Cancel requests cancellation of the active run. Reports whether there
// was a run to cancel. Safe to call at any time, from any goroutine.
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Running reports whether a session is currently active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}
