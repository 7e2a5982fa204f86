package capture

import (
	"time"

	"github.com/google/uuid"
)

// Status is the authoritative state of a capture session. Transitions are
// monotonic: once a terminal status is reached the session never re-enters
// Starting or Active.
type Status int

const (
	StatusIdle Status = iota
	StatusStarting
	StatusActive
	StatusStopping
	StatusCompleted
	StatusEarlyCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "active"
	case StatusStopping:
		return "stopping"
	case StatusCompleted:
		return "completed"
	case StatusEarlyCompleted:
		return "early_completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusEarlyCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Session is the unit of work for one capture run. A fresh Session is
// created per Run invocation, mutated only by the monitor's own polling
// goroutine, and discarded after the terminal status is reported. It owns
// no device resources; the command channel outlives it.
type Session struct {
	ID uuid.UUID `json:"id"`

	// RequestedTotal is the shot count requested at start; immutable once
	// Start succeeds.
	RequestedTotal uint32 `json:"requested_total"`

	// Remaining is the last confirmed remaining count from the device,
	// non-increasing while the session is active.
	Remaining uint32 `json:"remaining"`

	// Completed is RequestedTotal - Remaining, clamped so an inconsistent
	// device report can never underflow it.
	Completed uint32 `json:"completed"`

	// EffectiveTotal equals RequestedTotal normally; on early completion
	// it is rewritten to Completed so progress reads 100%, not K/N.
	EffectiveTotal uint32 `json:"effective_total"`

	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// setRemaining applies a device-reported remaining count defensively:
// it never exceeds RequestedTotal and never increases within a session.
func (s *Session) setRemaining(remaining uint32) {
	if remaining > s.RequestedTotal {
		remaining = s.RequestedTotal
	}
	if remaining > s.Remaining {
		// Device reports are not trusted blindly; keep progress monotonic.
		return
	}
	s.Remaining = remaining
	s.Completed = s.RequestedTotal - s.Remaining
}

// reconcileEarly freezes the session at its last confirmed progress: the
// device took Completed shots and will take no more, so that is the total.
func (s *Session) reconcileEarly() {
	s.EffectiveTotal = s.Completed
	s.Remaining = 0
}

// Progress is one update pushed to the host's progress sink.
type Progress struct {
	Completed uint32 `json:"completed"`
	Total     uint32 `json:"total"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// ReportFunc receives progress updates at each poll tick. Reports are
// strictly non-decreasing in Completed within a session.
type ReportFunc func(Progress)
