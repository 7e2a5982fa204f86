package device

import (
	"context"
	"sync"

	"github.com/wbuchanan/nikonctl/internal/debug"
)

// Dispatcher serializes all channel commands through one owned goroutine.
// The underlying transport is only ever touched from that goroutine, so
// concurrent callers (the capture monitor, housekeeping property reads)
// cannot interleave commands or race on the latched-fault slot.
type Dispatcher struct {
	inner Channel

	reqs      chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// NewDispatcher wraps inner so that every call runs on the dispatcher's
// own goroutine, in submission order.
func NewDispatcher(inner Channel) *Dispatcher {
	d := &Dispatcher{
		inner:  inner,
		reqs:   make(chan func()),
		closed: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	for {
		select {
		case fn := <-d.reqs:
			fn()
		case <-d.closed:
			return
		}
	}
}

// submit runs fn on the dispatch goroutine and waits for it to finish.
// Enqueueing honors ctx; once the command is running it is always allowed
// to complete, since half-executed device commands are worse than a short
// extra wait.
func (d *Dispatcher) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}

	select {
	case d.reqs <- wrapped:
	case <-d.closed:
		return newFault(CodeNotReady, "dispatch", "channel closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	<-done
	return nil
}

func (d *Dispatcher) Start(ctx context.Context, cap Capability, req StartRequest) (uint32, error) {
	var (
		initial uint32
		err     error
	)
	debug.Command("Start", uint16(cap))
	if serr := d.submit(ctx, func() {
		initial, err = d.inner.Start(ctx, cap, req)
	}); serr != nil {
		return 0, serr
	}
	return initial, err
}

func (d *Dispatcher) Query(ctx context.Context, cap Capability) (PollResult, error) {
	var (
		res PollResult
		err error
	)
	debug.Command("Query", uint16(cap))
	if serr := d.submit(ctx, func() {
		res, err = d.inner.Query(ctx, cap)
	}); serr != nil {
		return PollResult{}, serr
	}
	return res, err
}

func (d *Dispatcher) Terminate(ctx context.Context, cap Capability) error {
	var err error
	debug.Command("Terminate", uint16(cap))
	if serr := d.submit(ctx, func() {
		err = d.inner.Terminate(ctx, cap)
	}); serr != nil {
		return serr
	}
	return err
}

func (d *Dispatcher) QueryMode(ctx context.Context, cap Capability) (Mode, error) {
	var (
		mode Mode
		err  error
	)
	debug.Command("QueryMode", uint16(cap))
	if serr := d.submit(ctx, func() {
		mode, err = d.inner.QueryMode(ctx, cap)
	}); serr != nil {
		return ModeUnknown, serr
	}
	return mode, err
}

func (d *Dispatcher) Drain() error {
	var err error
	if serr := d.submit(context.Background(), func() {
		err = d.inner.Drain()
	}); serr != nil {
		return nil // channel closed: nothing left to leak
	}
	if err != nil {
		debug.Trace("drained latched fault: %v", err)
	}
	return err
}

func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		_ = d.submit(context.Background(), func() {
			err = d.inner.Close()
		})
		close(d.closed)
	})
	return err
}
