package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wbuchanan/nikonctl/internal/hw/device"
)

// pollStep is one scripted Query outcome.
type pollStep struct {
	res device.PollResult
	err error
}

func running(remaining uint32) pollStep {
	return pollStep{res: device.PollResult{Status: device.SequenceRunning, Remaining: remaining}}
}

func stopped(remaining uint32) pollStep {
	return pollStep{res: device.PollResult{Status: device.SequenceStopped, Remaining: remaining}}
}

func faulted(code device.FaultCode) pollStep {
	return pollStep{err: &device.Fault{Code: code, Op: "Query"}}
}

// modeStep is one scripted QueryMode outcome.
type modeStep struct {
	mode device.Mode
	err  error
}

// scriptChannel replays scripted responses and records calls.
type scriptChannel struct {
	mu sync.Mutex

	initial  uint32
	startErr error

	steps   []pollStep
	stepIdx int
	onQuery func(n int) // called with the 1-based poll number

	modes   []modeStep
	modeIdx int

	drainQueue []error

	termErr error

	starts int
	terms  int
	drains int
}

func (c *scriptChannel) Start(ctx context.Context, cap device.Capability, req device.StartRequest) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return 0, c.startErr
	}
	return c.initial, nil
}

func (c *scriptChannel) Query(ctx context.Context, cap device.Capability) (device.PollResult, error) {
	c.mu.Lock()
	step := pollStep{err: &device.Fault{Code: device.CodeProtocol, Op: "Query", Msg: "script exhausted"}}
	if c.stepIdx < len(c.steps) {
		step = c.steps[c.stepIdx]
	}
	c.stepIdx++
	n := c.stepIdx
	hook := c.onQuery
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return step.res, step.err
}

func (c *scriptChannel) Terminate(ctx context.Context, cap device.Capability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terms++
	return c.termErr
}

func (c *scriptChannel) QueryMode(ctx context.Context, cap device.Capability) (device.Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.modes) == 0 {
		return device.ModeNone, nil
	}
	m := c.modes[c.modeIdx]
	if c.modeIdx < len(c.modes)-1 {
		c.modeIdx++
	}
	return m.mode, m.err
}

func (c *scriptChannel) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drains++
	if len(c.drainQueue) == 0 {
		return nil
	}
	err := c.drainQueue[0]
	c.drainQueue = c.drainQueue[1:]
	return err
}

func (c *scriptChannel) Close() error { return nil }

func (c *scriptChannel) terminations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terms
}

func testConfig() Config {
	return Config{PollInterval: time.Millisecond}
}

// collector records progress reports.
type collector struct {
	mu      sync.Mutex
	reports []Progress
}

func (r *collector) report(p Progress) {
	r.mu.Lock()
	r.reports = append(r.reports, p)
	r.mu.Unlock()
}

func (r *collector) all() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.reports...)
}

func (r *collector) last() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reports) == 0 {
		return Progress{}
	}
	return r.reports[len(r.reports)-1]
}

// Scenario A: remaining 15,10,5,0/stopped across four polls.
func TestRun_Completed(t *testing.T) {
	ch := &scriptChannel{
		initial: 15,
		steps:   []pollStep{running(15), running(10), running(5), stopped(0)},
	}
	m := NewMonitor(ch, testConfig())
	rep := &collector{}

	s, err := m.Run(context.Background(), 15, rep.report)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", s.Status)
	}
	if s.Completed != 15 || s.Remaining != 0 || s.EffectiveTotal != 15 {
		t.Errorf("counts = %d/%d remaining %d, want 15/15 remaining 0",
			s.Completed, s.EffectiveTotal, s.Remaining)
	}
	last := rep.last()
	if last.Completed != 15 || last.Total != 15 {
		t.Errorf("final report = %d/%d, want 15/15", last.Completed, last.Total)
	}
}

// Scenario B: remaining 15,12 then a context-invalidation fault. The run
// ends EarlyCompleted with completed=3 and effectiveTotal=3, and progress
// must show 100%, not 3/15.
func TestRun_EarlyCompleted(t *testing.T) {
	ch := &scriptChannel{
		initial: 15,
		steps:   []pollStep{running(15), running(12), faulted(device.CodeInvalidContext)},
	}
	m := NewMonitor(ch, testConfig())
	rep := &collector{}

	s, err := m.Run(context.Background(), 15, rep.report)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Status != StatusEarlyCompleted {
		t.Errorf("status = %v, want early_completed", s.Status)
	}
	if s.Completed != 3 || s.EffectiveTotal != 3 || s.Remaining != 0 {
		t.Errorf("counts = %d/%d remaining %d, want 3/3 remaining 0",
			s.Completed, s.EffectiveTotal, s.Remaining)
	}
	last := rep.last()
	if last.Completed != last.Total {
		t.Errorf("final report = %d/%d, want 100%%", last.Completed, last.Total)
	}
}

// Early completion must not depend on the confirmatory mode read working.
func TestRun_EarlyCompleted_InconclusiveModeRead(t *testing.T) {
	ch := &scriptChannel{
		initial: 10,
		steps:   []pollStep{running(8), faulted(device.CodeInvalidContext)},
		modes: []modeStep{
			{mode: device.ModeNone},                                                  // precondition check
			{err: &device.Fault{Code: device.CodeNotReady, Op: "QueryMode"}}, // confirm read fails
		},
	}
	m := NewMonitor(ch, testConfig())

	s, err := m.Run(context.Background(), 10, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Status != StatusEarlyCompleted {
		t.Errorf("status = %v, want early_completed", s.Status)
	}
	if s.Completed != 2 || s.EffectiveTotal != 2 {
		t.Errorf("counts = %d/%d, want 2/2", s.Completed, s.EffectiveTotal)
	}
}

// A ghost fault latched by the background thread can also arrive through
// Drain right after a successful poll. Same signal, same outcome.
func TestRun_GhostFaultViaDrain(t *testing.T) {
	ch := &scriptChannel{
		initial: 10,
		steps:   []pollStep{running(10), running(6)},
		drainQueue: []error{
			nil, // after QueryMode precondition
			nil, // after Start
			nil, // after first poll
			&device.Fault{Code: device.CodeInvalidContext, Op: "async"}, // after second poll
		},
	}
	m := NewMonitor(ch, testConfig())

	s, err := m.Run(context.Background(), 10, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Status != StatusEarlyCompleted {
		t.Errorf("status = %v, want early_completed", s.Status)
	}
}

// A latched context-invalidation fault drained alongside a busy poll ends
// the run immediately: the capture context is dead, so the busy response
// must not buy the device another tick. The script has no third step, so
// an extra poll would surface as a protocol failure.
func TestRun_GhostFaultOutranksBusyPoll(t *testing.T) {
	ch := &scriptChannel{
		initial: 10,
		steps:   []pollStep{running(8), faulted(device.CodeBusy)},
		drainQueue: []error{
			nil, // after QueryMode precondition
			nil, // after Start
			nil, // after first poll
			&device.Fault{Code: device.CodeInvalidContext, Op: "async"}, // after busy poll
		},
	}
	m := NewMonitor(ch, testConfig())

	s, err := m.Run(context.Background(), 10, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Status != StatusEarlyCompleted {
		t.Errorf("status = %v, want early_completed", s.Status)
	}
	if s.Completed != 2 || s.EffectiveTotal != 2 {
		t.Errorf("counts = %d/%d, want 2/2", s.Completed, s.EffectiveTotal)
	}
	if ch.terminations() != 0 {
		t.Errorf("terminations = %d, want 0", ch.terminations())
	}
}

// Scenario C: 40 consecutive busy polls, then a clean stop. Busy never
// terminates the loop, before or after the warning threshold.
func TestRun_BusyStreakThenCompleted(t *testing.T) {
	steps := make([]pollStep, 0, 41)
	for i := 0; i < 40; i++ {
		steps = append(steps, faulted(device.CodeBusy))
	}
	steps = append(steps, stopped(0))

	ch := &scriptChannel{initial: 10, steps: steps}
	m := NewMonitor(ch, testConfig())
	rep := &collector{}

	s, err := m.Run(context.Background(), 10, rep.report)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", s.Status)
	}
	if s.Completed != 10 {
		t.Errorf("completed = %d, want 10", s.Completed)
	}
	// Busy ticks keep reporting without ever leaving the active state.
	for _, p := range rep.all()[1 : len(rep.all())-1] {
		if p.Status != StatusActive.String() {
			t.Errorf("mid-run report status = %q, want active", p.Status)
		}
	}
}

// Scenario D: cancellation while remaining=6 of 10. Exactly one Terminate,
// terminal status Cancelled, no error.
func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &scriptChannel{
		initial: 10,
		steps:   []pollStep{running(8), running(6), running(6), running(6)},
	}
	ch.onQuery = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	m := NewMonitor(ch, testConfig())
	rep := &collector{}

	s, err := m.Run(ctx, 10, rep.report)
	if err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if s.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", s.Status)
	}
	if s.Completed != 4 || s.Remaining != 6 {
		t.Errorf("counts = completed %d remaining %d, want 4/6", s.Completed, s.Remaining)
	}
	if got := ch.terminations(); got != 1 {
		t.Errorf("terminate calls = %d, want exactly 1", got)
	}
}

// Terminate failing with "not supported" still confirms cancellation.
func TestRun_CancelledTerminateUnsupported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &scriptChannel{
		initial: 10,
		steps:   []pollStep{running(8)},
		termErr: &device.Fault{Code: device.CodeUnsupported, Op: "Terminate"},
	}
	ch.onQuery = func(n int) { cancel() }
	m := NewMonitor(ch, testConfig())

	s, err := m.Run(ctx, 10, nil)
	if err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if s.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", s.Status)
	}
	if got := ch.terminations(); got != 1 {
		t.Errorf("terminate calls = %d, want 1", got)
	}
}

// Cancellation before the first poll interrupts the inter-poll wait.
func TestRun_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &scriptChannel{initial: 10, steps: []pollStep{running(10)}}
	m := NewMonitor(ch, Config{PollInterval: time.Hour})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	s, err := m.Run(ctx, 10, nil)
	if err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if s.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", s.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %v, should interrupt the wait immediately", elapsed)
	}
}

// An inconsistent device report (remaining going back up) must not move
// the completed counter backwards.
func TestRun_RemainingMonotonic(t *testing.T) {
	ch := &scriptChannel{
		initial: 10,
		steps:   []pollStep{running(6), running(8), running(3), stopped(0)},
	}
	m := NewMonitor(ch, testConfig())
	rep := &collector{}

	s, err := m.Run(context.Background(), 10, rep.report)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", s.Status)
	}
	var prev uint32
	for i, p := range rep.all() {
		if p.Completed < prev {
			t.Errorf("report %d: completed went backwards (%d -> %d)", i, prev, p.Completed)
		}
		prev = p.Completed
	}
}

// A device stopping cleanly with shots outstanding reconciles to 100%.
func TestRun_CleanStopWithRemaining(t *testing.T) {
	ch := &scriptChannel{
		initial: 10,
		steps:   []pollStep{running(7), stopped(4)},
	}
	m := NewMonitor(ch, testConfig())

	s, err := m.Run(context.Background(), 10, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", s.Status)
	}
	if s.Completed != 6 || s.EffectiveTotal != 6 || s.Remaining != 0 {
		t.Errorf("counts = %d/%d remaining %d, want 6/6 remaining 0",
			s.Completed, s.EffectiveTotal, s.Remaining)
	}
}

func TestRun_ProtocolErrorFails(t *testing.T) {
	ch := &scriptChannel{
		initial: 10,
		steps:   []pollStep{running(8), faulted(device.CodeProtocol)},
	}
	m := NewMonitor(ch, testConfig())

	s, err := m.Run(context.Background(), 10, nil)
	if err == nil {
		t.Fatal("expected error for protocol fault, got nil")
	}
	if s.Status != StatusFailed {
		t.Errorf("status = %v, want failed", s.Status)
	}
	var f *device.Fault
	if !errors.As(err, &f) || f.Code != device.CodeProtocol {
		t.Errorf("error should carry the device fault code, got %v", err)
	}
}

func TestRun_ConflictingModeIsFatalBeforeStart(t *testing.T) {
	ch := &scriptChannel{
		initial: 10,
		modes:   []modeStep{{mode: device.ModeBurst}},
	}
	m := NewMonitor(ch, testConfig())

	s, err := m.Run(context.Background(), 10, nil)
	if err == nil {
		t.Fatal("expected error for conflicting mode, got nil")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Errorf("error = %v, want conflicting-mode message", err)
	}
	if s.Status != StatusFailed {
		t.Errorf("status = %v, want failed", s.Status)
	}
	if ch.starts != 0 {
		t.Errorf("start calls = %d, session must never start", ch.starts)
	}
}

func TestRun_ZeroCountRejected(t *testing.T) {
	ch := &scriptChannel{}
	m := NewMonitor(ch, testConfig())

	s, err := m.Run(context.Background(), 0, nil)
	if err == nil {
		t.Fatal("expected error for zero count, got nil")
	}
	if s.Status != StatusFailed {
		t.Errorf("status = %v, want failed", s.Status)
	}
}

func TestRun_StartErrorFails(t *testing.T) {
	ch := &scriptChannel{
		startErr: &device.Fault{Code: device.CodeNotReady, Op: "Start"},
	}
	m := NewMonitor(ch, testConfig())

	s, err := m.Run(context.Background(), 5, nil)
	if err == nil {
		t.Fatal("expected start error, got nil")
	}
	if s.Status != StatusFailed {
		t.Errorf("status = %v, want failed", s.Status)
	}
}

func TestRun_MaxPollsBreaker(t *testing.T) {
	steps := make([]pollStep, 10)
	for i := range steps {
		steps[i] = running(5)
	}
	ch := &scriptChannel{initial: 5, steps: steps}
	cfg := testConfig()
	cfg.MaxPolls = 3
	m := NewMonitor(ch, cfg)

	s, err := m.Run(context.Background(), 5, nil)
	if err == nil {
		t.Fatal("expected circuit breaker error, got nil")
	}
	if s.Status != StatusFailed {
		t.Errorf("status = %v, want failed", s.Status)
	}
}

// Drain must follow every channel call, including Start and Terminate.
func TestRun_DrainsAfterEveryCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &scriptChannel{
		initial: 5,
		steps:   []pollStep{running(4)},
	}
	ch.onQuery = func(n int) { cancel() }
	m := NewMonitor(ch, testConfig())

	if _, err := m.Run(ctx, 5, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// QueryMode + Start + 1 poll + Terminate = at least 4 drains.
	if ch.drains < 4 {
		t.Errorf("drain calls = %d, want >= 4", ch.drains)
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusEarlyCompleted, StatusCancelled, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	active := []Status{StatusIdle, StatusStarting, StatusActive, StatusStopping}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}
