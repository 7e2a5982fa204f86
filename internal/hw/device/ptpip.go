package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/wbuchanan/nikonctl/internal/debug"
)

// Wire framing, little-endian throughout:
//
//	packet  = length uint32 (incl. header) | type uint32 | payload
//	command = op uint16 | cap uint16 | body
//	reply   = code uint16 | body
//	event   = code uint16 | text (remainder)
//
// The camera pushes event packets on the same connection from its own
// background completion thread. A non-OK event is not tied to any request;
// it is latched and handed out through Drain.
const (
	pktCommand uint32 = 6
	pktReply   uint32 = 7
	pktEvent   uint32 = 8

	opStart     uint16 = 1
	opQuery     uint16 = 2
	opTerminate uint16 = 3
	opQueryMode uint16 = 4

	replyOK uint16 = 0x2001
)

// PTPIPChannel drives the camera over a TCP command channel. It is not
// safe for concurrent use on its own; wrap it with NewDispatcher.
type PTPIPChannel struct {
	conn net.Conn

	replies chan []byte // reply payloads from the reader goroutine
	readErr chan error

	mu      sync.Mutex
	latched *Fault

	closeOnce sync.Once
}

// DialPTPIP connects to the camera's command port.
func DialPTPIP(addr string, timeout time.Duration) (*PTPIPChannel, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, newFault(CodeNotReady, "dial", err.Error())
	}
	debug.Info("Connected to camera at %s", addr)

	c := &PTPIPChannel{
		conn:    conn,
		replies: make(chan []byte, 1),
		readErr: make(chan error, 1),
	}
	go c.readLoop()
	return c, nil
}

// readLoop reads packets until the connection dies. Replies go to the
// pending command; events latch faults for the next Drain.
func (c *PTPIPChannel) readLoop() {
	for {
		pktType, payload, err := readPacket(c.conn)
		if err != nil {
			c.readErr <- err
			return
		}
		switch pktType {
		case pktReply:
			c.replies <- payload
		case pktEvent:
			c.latchEvent(payload)
		default:
			debug.Trace("ptpip: ignoring packet type %d (%d bytes)", pktType, len(payload))
		}
	}
}

func (c *PTPIPChannel) latchEvent(payload []byte) {
	if len(payload) < 2 {
		return
	}
	code := binary.LittleEndian.Uint16(payload[:2])
	if code == replyOK {
		return // clean completion notification, nothing to latch
	}
	msg := string(payload[2:])
	debug.Trace("ptpip: async event 0x%04x %q latched", code, msg)

	c.mu.Lock()
	// Keep the first fault; a later one cannot be more authoritative
	// about what killed the sequence.
	if c.latched == nil {
		c.latched = newFault(mapCode(code), "async event", msg)
	}
	c.mu.Unlock()
}

// roundTrip sends one command and waits for its reply payload.
func (c *PTPIPChannel) roundTrip(ctx context.Context, opName string, op uint16, cap Capability, body []byte) ([]byte, error) {
	cmd := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint16(cmd[0:2], op)
	binary.LittleEndian.PutUint16(cmd[2:4], uint16(cap))
	copy(cmd[4:], body)

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	// Discard a stale reply left over from a timed-out command, so this
	// command pairs with its own reply.
	select {
	case <-c.replies:
	default:
	}

	if err := writePacket(c.conn, pktCommand, cmd); err != nil {
		return nil, newFault(CodeNotReady, opName, err.Error())
	}

	select {
	case payload := <-c.replies:
		if len(payload) < 2 {
			return nil, newFault(CodeProtocol, opName, "short reply")
		}
		code := binary.LittleEndian.Uint16(payload[:2])
		if code != replyOK {
			return nil, newFault(mapCode(code), opName, "")
		}
		return payload[2:], nil
	case err := <-c.readErr:
		return nil, newFault(CodeNotReady, opName, err.Error())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *PTPIPChannel) Start(ctx context.Context, cap Capability, req StartRequest) (uint32, error) {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, req); err != nil {
		return 0, newFault(CodeProtocol, "Start", err.Error())
	}
	reply, err := c.roundTrip(ctx, "Start", opStart, cap, body.Bytes())
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, newFault(CodeProtocol, "Start", "reply missing initial count")
	}
	return binary.LittleEndian.Uint32(reply[:4]), nil
}

func (c *PTPIPChannel) Query(ctx context.Context, cap Capability) (PollResult, error) {
	reply, err := c.roundTrip(ctx, "Query", opQuery, cap, nil)
	if err != nil {
		return PollResult{}, err
	}
	if len(reply) < 6 {
		return PollResult{}, newFault(CodeProtocol, "Query", "reply missing status")
	}
	status := SequenceStatus(binary.LittleEndian.Uint16(reply[0:2]))
	if status != SequenceStopped && status != SequenceRunning {
		return PollResult{}, newFault(CodeProtocol, "Query", fmt.Sprintf("unknown sequence status %d", status))
	}
	return PollResult{
		Status:    status,
		Remaining: binary.LittleEndian.Uint32(reply[2:6]),
	}, nil
}

func (c *PTPIPChannel) Terminate(ctx context.Context, cap Capability) error {
	_, err := c.roundTrip(ctx, "Terminate", opTerminate, cap, nil)
	return err
}

func (c *PTPIPChannel) QueryMode(ctx context.Context, cap Capability) (Mode, error) {
	reply, err := c.roundTrip(ctx, "QueryMode", opQueryMode, cap, nil)
	if err != nil {
		return ModeUnknown, err
	}
	if len(reply) < 2 {
		return ModeUnknown, newFault(CodeProtocol, "QueryMode", "reply missing mode")
	}
	return Mode(binary.LittleEndian.Uint16(reply[:2])), nil
}

func (c *PTPIPChannel) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latched == nil {
		return nil
	}
	f := c.latched
	c.latched = nil
	return f
}

func (c *PTPIPChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// mapCode translates a wire response code to a fault category.
func mapCode(code uint16) FaultCode {
	switch FaultCode(code) {
	case CodeBusy, CodeUnsupported, CodeNotReady, CodeInvalidContext:
		return FaultCode(code)
	default:
		return CodeProtocol
	}
}

func writePacket(w io.Writer, pktType uint32, payload []byte) error {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(8+len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], pktType)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readPacket(r io.Reader) (uint32, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	pktType := binary.LittleEndian.Uint32(header[4:8])
	if length < 8 || length > 1<<20 {
		return 0, nil, fmt.Errorf("ptpip: bad packet length %d", length)
	}
	payload := make([]byte, length-8)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return pktType, payload, nil
}
