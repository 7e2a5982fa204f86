package web

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wbuchanan/nikonctl/internal/debug"
	"github.com/wbuchanan/nikonctl/internal/logic/capture"
)

// Message types pushed over the websocket.
const (
	MsgProgress = "progress" // one capture poll tick
	MsgTerminal = "terminal" // terminal session state
	MsgLog      = "log"      // mirrored debug log line
)

// Message is the envelope for all websocket pushes.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type client struct {
	conn *websocket.Conn

	// mu guards send against a concurrent close: a broadcast may hold a
	// snapshot of the client list while the reader goroutine removes the
	// client, and sending on a closed channel panics the whole process.
	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// trySend queues msg without blocking. It reports false only when the
// client is alive but its buffer is full.
func (c *client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub distributes progress and log messages to connected websocket
// clients. Slow clients are disconnected rather than allowed to stall
// the capture loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// AddClient registers a connection and returns its handle.
func (h *Hub) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

// RemoveClient unregisters a connection and closes its send channel.
func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastProgress pushes one poll tick to all clients.
func (h *Hub) BroadcastProgress(p capture.Progress) {
	h.broadcast(Message{Type: MsgProgress, Payload: p})
}

// BroadcastTerminal pushes a finished session to all clients.
func (h *Hub) BroadcastTerminal(s *capture.Session) {
	h.broadcast(Message{Type: MsgTerminal, Payload: s})
}

// BroadcastLog pushes a log line to all clients.
func (h *Hub) BroadcastLog(line string) {
	h.broadcast(Message{Type: MsgLog, Payload: line})
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(data) {
			debug.Verbose("web: client too slow, disconnecting")
			h.RemoveClient(c)
		}
	}
}

// LogWriter wraps the hub as an io.Writer so debug output can be mirrored
// to websocket clients via a MultiWriter.
func LogWriter(h *Hub) *logWriter {
	return &logWriter{hub: h}
}

type logWriter struct {
	hub *Hub
}

func (w *logWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line != "" {
		w.hub.BroadcastLog(line)
	}
	return len(p), nil
}
