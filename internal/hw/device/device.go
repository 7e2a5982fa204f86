package device

import (
	"context"
	"fmt"

	"github.com/wbuchanan/nikonctl/internal/config"
)

// Capability is an opaque, enumerated command/property identifier exposed
// by the camera's command protocol. Codes in the 0x92xx range drive the
// multi-shot capture sequence; 0x50xx codes are simple readable properties.
type Capability uint16

const (
	CapBurstStart     Capability = 0x9201 // start a multi-shot sequence
	CapBurstStatus    Capability = 0x9202 // query {status, remaining}
	CapBurstTerminate Capability = 0x9203 // best-effort graceful stop
	CapShootingMode   Capability = 0x9204 // current special-mode indicator

	CapBatteryLevel Capability = 0x5001
	CapExposureMode Capability = 0x500e
)

// CaptureCaps groups the four capability codes the capture monitor drives.
// They are per-connection state (a Capabilities context), never package
// globals, so two camera sessions can carry different code sets.
type CaptureCaps struct {
	Start     Capability
	Status    Capability
	Terminate Capability
	Mode      Capability
}

// DefaultCaptureCaps returns the standard burst-capture capability set.
func DefaultCaptureCaps() CaptureCaps {
	return CaptureCaps{
		Start:     CapBurstStart,
		Status:    CapBurstStatus,
		Terminate: CapBurstTerminate,
		Mode:      CapShootingMode,
	}
}

// StartRequest is the fixed-size request struct sent with a start command.
// It is zero-initialized before use; only Count is meaningful today, the
// reserved tail keeps the wire size stable across firmware revisions.
type StartRequest struct {
	Count    uint32
	Reserved [12]byte
}

// SequenceStatus is the device-reported state of a running sequence.
type SequenceStatus uint16

const (
	SequenceStopped SequenceStatus = 0
	SequenceRunning SequenceStatus = 1
)

// PollResult is a live {status, remaining} reading. No caching on any
// layer: every Query reflects device state at the instant of the call.
type PollResult struct {
	Status    SequenceStatus
	Remaining uint32
}

// Mode is the camera's current special shooting mode.
type Mode uint16

const (
	ModeNone    Mode = 0 // plain single-shot operation
	ModeBurst   Mode = 1 // multi-shot sequence mode active
	ModeUnknown Mode = 0xffff
)

// Channel is the narrow abstraction over the camera's command protocol.
// Implementations must serialize all commands through a single owned
// dispatch goroutine (wrap raw transports with NewDispatcher) so that no
// caller ever needs to reach past this surface to an internal scheduler.
//
// Every call may additionally surface a latent asynchronous fault latched
// by the device's own background completion signal. Callers must invoke
// Drain immediately after every call, win or lose, to keep such a fault
// from being delivered to an unrelated later caller.
type Channel interface {
	// Start sends a start command and returns the device's initial
	// remaining count. It must not block for the duration of the capture;
	// the device acknowledges quickly even for long sequences.
	Start(ctx context.Context, cap Capability, req StartRequest) (uint32, error)

	// Query reads the live {status, remaining} for a running sequence.
	Query(ctx context.Context, cap Capability) (PollResult, error)

	// Terminate requests a graceful stop. Safe to call when the device
	// has already stopped on its own.
	Terminate(ctx context.Context, cap Capability) error

	// QueryMode reads the current special-mode indicator. Used only to
	// confirm early completion when the primary status channel dies.
	QueryMode(ctx context.Context, cap Capability) (Mode, error)

	// Drain returns and clears any latched asynchronous fault, or nil.
	Drain() error

	Close() error
}

// NewChannel creates a command channel from configuration, wrapped in a
// Dispatcher so all commands run on one goroutine.
func NewChannel(cfg *config.Config) (Channel, error) {
	switch cfg.Device.Transport {
	case "mock":
		return NewDispatcher(NewMockChannel()), nil
	case "ptpip":
		ch, err := DialPTPIP(cfg.Device.Address, cfg.DialTimeout())
		if err != nil {
			return nil, fmt.Errorf("dial camera: %w", err)
		}
		return NewDispatcher(ch), nil
	default:
		return nil, fmt.Errorf("unsupported device transport: %s", cfg.Device.Transport)
	}
}
