package device

import (
	"errors"
	"fmt"
)

// FaultCode identifies a device fault category. Codes in the 0x20xx range
// mirror standard transport response codes; 0xA0xx codes are raised locally
// when a response cannot be interpreted.
type FaultCode uint16

const (
	CodeUnsupported    FaultCode = 0x2005 // capability not supported by this body
	CodeBusy           FaultCode = 0x2019 // transient, device cannot service the command now
	CodeNotReady       FaultCode = 0xA001 // precondition: device unreachable or conflicting mode
	CodeInvalidContext FaultCode = 0xA002 // capability context torn down (sequence ended out-of-band)
	CodeProtocol       FaultCode = 0xA0FF // malformed or unexpected response
)

// Fault is a typed device error. It is a first-class value rather than an
// ambient condition: asynchronous faults latched by the device's completion
// signal are surfaced through Channel.Drain as *Fault too, so they can never
// cross into an unrelated caller.
type Fault struct {
	Code FaultCode
	Op   string // operation during which the fault surfaced
	Msg  string
}

func (f *Fault) Error() string {
	if f.Msg == "" {
		return fmt.Sprintf("device: %s: fault 0x%04x", f.Op, uint16(f.Code))
	}
	return fmt.Sprintf("device: %s: fault 0x%04x: %s", f.Op, uint16(f.Code), f.Msg)
}

func newFault(code FaultCode, op, msg string) *Fault {
	return &Fault{Code: code, Op: op, Msg: msg}
}

func faultCode(err error) (FaultCode, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code, true
	}
	return 0, false
}

// IsBusy reports whether err is a transient busy response.
func IsBusy(err error) bool {
	c, ok := faultCode(err)
	return ok && c == CodeBusy
}

// IsInvalidContext reports whether err is a context-invalidation fault,
// i.e. the capability's supporting context was already torn down because a
// sequence ended without a clean stopped notification.
func IsInvalidContext(err error) bool {
	c, ok := faultCode(err)
	return ok && c == CodeInvalidContext
}

// IsUnsupported reports whether err means the capability is not supported.
func IsUnsupported(err error) bool {
	c, ok := faultCode(err)
	return ok && c == CodeUnsupported
}
