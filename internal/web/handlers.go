package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/wbuchanan/nikonctl/internal/debug"
	"github.com/wbuchanan/nikonctl/internal/history"
	"github.com/wbuchanan/nikonctl/internal/logic/capture"
)

// CaptureRequest is the POST /api/capture body.
type CaptureRequest struct {
	Count uint32 `json:"count"`
}

// FormConfig holds default values exposed to the UI.
type FormConfig struct {
	ShotCount uint32 `json:"shot_count"`
}

// Handlers holds dependencies for HTTP handlers. If history is nil, the
// history endpoint returns 404.
type Handlers struct {
	Hub          *Hub
	Runner       *capture.Runner
	History      *history.Store
	FormDefaults FormConfig

	upgrader websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(hub *Hub, runner *capture.Runner, hist *history.Store, defaults FormConfig) *Handlers {
	return &Handlers{
		Hub:          hub,
		Runner:       runner,
		History:      hist,
		FormDefaults: defaults,
	}
}

// HandleConfig returns the form default values as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// HandleCapture handles POST /api/capture to start a run.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Count == 0 {
		req.Count = h.FormDefaults.ShotCount
	}
	if req.Count == 0 {
		http.Error(w, "count must be >= 1", http.StatusBadRequest)
		return
	}

	err := h.Runner.Start(req.Count, h.Hub.BroadcastProgress, func(s *capture.Session, err error) {
		if err != nil {
			debug.Error(err)
		}
		h.Hub.BroadcastTerminal(s)
		if h.History != nil {
			if herr := h.History.Record(s); herr != nil {
				debug.Error(herr)
			}
		}
	})
	if err == capture.ErrAlreadyRunning {
		http.Error(w, "capture already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "started",
		"count":  req.Count,
	})
}

// HandleCancel handles POST /api/capture/cancel.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.Runner.Cancel() {
		http.Error(w, "no capture in progress", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory handles GET /api/history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	entries, err := h.History.List(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleWS handles GET /ws: upgrades and streams progress until the
// client disconnects.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("web: ws upgrade failed: %v", err)
		return
	}

	c := h.Hub.AddClient(conn)
	debug.Verbose("web: ws client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			h.Hub.RemoveClient(c)
			debug.Verbose("web: ws client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
