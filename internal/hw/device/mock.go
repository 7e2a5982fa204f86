package device

import (
	"context"
	"sync"

	"github.com/wbuchanan/nikonctl/internal/debug"
)

// MockChannel simulates a camera for development and tests: a started
// sequence loses ShotsPerPoll from its remaining count on every Query.
// Setting EarlyStopAfter makes the simulated body decide, after that many
// shots, that no more are needed: it leaves burst mode and latches an
// invalid-context fault exactly the way the real device model does.
type MockChannel struct {
	mu sync.Mutex

	// tuning (set before first use)
	ShotsPerPoll   uint32
	EarlyStopAfter uint32 // 0 = run to the requested count

	running   bool
	requested uint32
	remaining uint32
	mode      Mode
	latched   *Fault

	terminations int
}

// NewMockChannel returns a simulator taking one shot per poll.
func NewMockChannel() *MockChannel {
	return &MockChannel{ShotsPerPoll: 1, mode: ModeNone}
}

func (m *MockChannel) Start(ctx context.Context, cap Capability, req StartRequest) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	debug.Trace("mock: Start cap=0x%04x count=%d", uint16(cap), req.Count)

	if m.running {
		return 0, newFault(CodeNotReady, "Start", "sequence already running")
	}
	if req.Count == 0 {
		return 0, newFault(CodeProtocol, "Start", "zero shot count")
	}
	m.running = true
	m.requested = req.Count
	m.remaining = req.Count
	m.mode = ModeBurst
	return m.remaining, nil
}

func (m *MockChannel) Query(ctx context.Context, cap Capability) (PollResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		// Sequence gone: the simulated background thread already tore the
		// context down and latched the fault. Rethrow it here like the
		// vendor model rethrows on the next synchronous call.
		if m.latched != nil {
			f := m.latched
			m.latched = nil
			return PollResult{}, f
		}
		return PollResult{Status: SequenceStopped, Remaining: 0}, nil
	}

	step := m.ShotsPerPoll
	if step > m.remaining {
		step = m.remaining
	}
	m.remaining -= step

	taken := m.requested - m.remaining
	if m.EarlyStopAfter > 0 && taken >= m.EarlyStopAfter && m.remaining > 0 {
		// The body decided fewer shots were necessary. It exits burst
		// mode between polls; this poll already finds the context gone.
		m.running = false
		m.mode = ModeNone
		m.remaining = m.requested - m.EarlyStopAfter
		return PollResult{}, newFault(CodeInvalidContext, "Query", "capability context torn down")
	}

	if m.remaining == 0 {
		m.running = false
		m.mode = ModeNone
		return PollResult{Status: SequenceStopped, Remaining: 0}, nil
	}
	return PollResult{Status: SequenceRunning, Remaining: m.remaining}, nil
}

func (m *MockChannel) Terminate(ctx context.Context, cap Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	debug.Trace("mock: Terminate cap=0x%04x", uint16(cap))

	m.terminations++
	if !m.running {
		// Nothing to terminate; the real body acks this quietly.
		return nil
	}
	m.running = false
	m.mode = ModeNone
	return nil
}

func (m *MockChannel) QueryMode(ctx context.Context, cap Capability) (Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, nil
}

func (m *MockChannel) Drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latched == nil {
		return nil
	}
	f := m.latched
	m.latched = nil
	return f
}

func (m *MockChannel) Close() error {
	return nil
}

// LatchFault injects an asynchronous fault for delivery on the next Drain
// (or rethrow on the next Query once the sequence is gone).
func (m *MockChannel) LatchFault(code FaultCode, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latched = newFault(code, "async", msg)
}

// Terminations returns how many Terminate commands the mock received.
func (m *MockChannel) Terminations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminations
}
