package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wbuchanan/nikonctl/internal/debug"
	"github.com/wbuchanan/nikonctl/internal/hw/device"
)

// Config tunes the progress monitor.
type Config struct {
	// PollInterval is the delay between status polls. Default 2s: single
	// captures commonly last from under a second to tens of seconds, so
	// this balances responsiveness against command-channel traffic.
	PollInterval time.Duration

	// BusyWarnThreshold is the consecutive busy count after which a
	// diagnostic warning is surfaced. Polling continues regardless; the
	// device may legitimately be unresponsive for a whole long exposure.
	BusyWarnThreshold int

	// MaxPolls is a diagnostic circuit breaker against a stuck device.
	// 0 means unlimited: captures can run arbitrarily long by design.
	MaxPolls int

	// Caps holds this connection's capability codes for the sequence.
	Caps device.CaptureCaps
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BusyWarnThreshold <= 0 {
		c.BusyWarnThreshold = 30
	}
	zero := device.CaptureCaps{}
	if c.Caps == zero {
		c.Caps = device.DefaultCaptureCaps()
	}
}

// Monitor drives one multi-shot capture sequence on the camera and reports
// its true outcome: it starts the sequence, polls at a fixed interval,
// absorbs transient busy responses, recognizes the device finishing early
// on its own, and supports cooperative cancellation. Transient and
// ambiguous conditions are resolved here and never escape to the caller;
// only precondition and protocol errors do.
type Monitor struct {
	ch  device.Channel
	cfg Config
}

// NewMonitor creates a monitor over the given command channel.
func NewMonitor(ch device.Channel, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{ch: ch, cfg: cfg}
}

// Run starts a sequence of requested shots and blocks until it reaches a
// terminal state. The returned session always carries a terminal status
// and reconciled counts; err is non-nil only for Failed. Cancelling ctx
// yields a clean Cancelled session, never an error.
func (m *Monitor) Run(ctx context.Context, requested uint32, report ReportFunc) (*Session, error) {
	s := &Session{
		ID:             uuid.New(),
		Status:         StatusIdle,
		RequestedTotal: requested,
		EffectiveTotal: requested,
		StartedAt:      time.Now(),
	}
	if report == nil {
		report = func(Progress) {}
	}

	if requested == 0 {
		return m.fail(s, report, fmt.Errorf("capture: requested shot count must be >= 1"))
	}

	debug.Session(requested, m.cfg.PollInterval.String())

	// Preconditions: the capability must answer, and no conflicting
	// sequence may already be running on the body.
	s.Status = StatusStarting
	mode, err := m.ch.QueryMode(ctx, m.cfg.Caps.Mode)
	m.drain()
	if err != nil {
		return m.fail(s, report, fmt.Errorf("capture: device not ready: %w", err))
	}
	if mode == device.ModeBurst {
		return m.fail(s, report, fmt.Errorf("capture: a sequence is already running on the device"))
	}

	initial, err := m.ch.Start(ctx, m.cfg.Caps.Start, device.StartRequest{Count: requested})
	m.drain()
	if err != nil {
		return m.fail(s, report, fmt.Errorf("capture: start sequence: %w", err))
	}

	// Seed counters from the device's initial state.
	s.Remaining = requested
	s.setRemaining(initial)
	s.Status = StatusActive
	report(m.progress(s, "sequence started"))

	if s.Remaining == 0 {
		return m.complete(s, report)
	}

	busyStreak := 0
	polls := 0

	for {
		// Cancellation, observed once per cycle before anything else.
		if ctx.Err() != nil {
			return m.cancel(s, report)
		}

		// Inter-poll wait, interruptible by cancellation.
		timer := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return m.cancel(s, report)
		case <-timer.C:
		}

		polls++
		if m.cfg.MaxPolls > 0 && polls > m.cfg.MaxPolls {
			return m.fail(s, report, fmt.Errorf("capture: no completion after %d polls, device may be stuck", m.cfg.MaxPolls))
		}

		res, err := m.ch.Query(ctx, m.cfg.Caps.Status)
		if drained := m.drain(); device.IsInvalidContext(drained) && (err == nil || device.IsBusy(err)) {
			// The background completion thread latched the fault before
			// our poll went through; same signal, different delivery. A
			// busy poll does not outrank it either: the context is dead,
			// so waiting another tick only delays the same outcome.
			err = drained
		}

		switch {
		case err == nil:
			// normal poll outcome below

		case device.IsBusy(err):
			busyStreak++
			debug.Busy(busyStreak)
			if busyStreak == m.cfg.BusyWarnThreshold {
				debug.Warn("Device busy for %d consecutive polls; still waiting (long exposure?)", busyStreak)
			}
			report(m.progress(s, "device busy"))
			continue

		case device.IsInvalidContext(err):
			// Strong (not certain) signal of early completion: the device
			// exited the capture mode between polls. Confirm with one
			// secondary mode read; if that is inconclusive we still stop
			// here, since the primary status channel is no longer usable.
			return m.earlyComplete(ctx, s, report)

		default:
			return m.fail(s, report, fmt.Errorf("capture: status poll: %w", err))
		}

		busyStreak = 0
		s.setRemaining(res.Remaining)
		debug.Poll(s.Completed, s.EffectiveTotal, s.Remaining)
		report(m.progress(s, "sequence running"))

		if res.Status == device.SequenceStopped || s.Remaining == 0 {
			return m.complete(s, report)
		}
	}
}

// progress builds a report from the session's current counters.
func (m *Monitor) progress(s *Session, msg string) Progress {
	return Progress{
		Completed: s.Completed,
		Total:     s.EffectiveTotal,
		Status:    s.Status.String(),
		Message:   msg,
	}
}

// drain clears any latched asynchronous fault from the channel. Mandatory
// after every call, win or lose, so the fault cannot leak into an
// unrelated caller's next command.
func (m *Monitor) drain() error {
	err := m.ch.Drain()
	if err != nil {
		debug.Verbose("Drained async fault: %v", err)
	}
	return err
}

// complete finishes a session on a clean stopped signal. If the device
// stopped itself with shots still outstanding, the counts are reconciled
// so progress reads 100% of what was actually taken.
func (m *Monitor) complete(s *Session, report ReportFunc) (*Session, error) {
	if s.Remaining > 0 {
		debug.Verbose("Device stopped with %d shots outstanding; reconciling totals", s.Remaining)
		s.reconcileEarly()
	}
	s.Status = StatusCompleted
	s.FinishedAt = time.Now()
	debug.Info("Sequence complete: %d/%d shots", s.Completed, s.EffectiveTotal)
	report(m.progress(s, "sequence complete"))
	return s, nil
}

// earlyComplete handles the context-invalidation signal observed while
// polling: the device's own algorithm decided fewer shots were necessary.
func (m *Monitor) earlyComplete(ctx context.Context, s *Session, report ReportFunc) (*Session, error) {
	mode, err := m.ch.QueryMode(ctx, m.cfg.Caps.Mode)
	m.drain()
	switch {
	case err == nil && mode != device.ModeBurst:
		debug.Verbose("Mode read confirms the device left capture mode")
	case err != nil:
		debug.Verbose("Confirmatory mode read failed (%v); treating as early completion anyway", err)
	default:
		debug.Verbose("Mode read inconclusive (still reports capture mode); status channel is gone, stopping")
	}

	s.reconcileEarly()
	s.Status = StatusEarlyCompleted
	s.FinishedAt = time.Now()
	debug.Info("Sequence ended early by the device: %d shots taken", s.Completed)
	report(m.progress(s, "sequence ended early by the device"))
	return s, nil
}

// cancel finishes a session after a cancellation request: exactly one
// best-effort Terminate, whose outcome is logged but never re-raised.
// From the caller's perspective cancellation always succeeds.
func (m *Monitor) cancel(s *Session, report ReportFunc) (*Session, error) {
	s.Status = StatusStopping
	report(m.progress(s, "cancelling"))

	// The caller's context is already done; give the terminate command
	// its own short deadline.
	termCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := m.ch.Terminate(termCtx, m.cfg.Caps.Terminate); err != nil {
		// "Not supported", "nothing to terminate" and even a context
		// fault all confirm the sequence is not running anymore.
		debug.Verbose("Terminate after cancel: %v", err)
	}
	m.drain()

	s.Status = StatusCancelled
	s.FinishedAt = time.Now()
	debug.Info("Capture cancelled: %d/%d shots taken", s.Completed, s.RequestedTotal)
	report(m.progress(s, "capture cancelled"))
	return s, nil
}

// fail finishes a session on a precondition or protocol error.
func (m *Monitor) fail(s *Session, report ReportFunc, err error) (*Session, error) {
	s.Status = StatusFailed
	s.FinishedAt = time.Now()
	debug.Error(err)
	report(m.progress(s, err.Error()))
	return s, err
}
