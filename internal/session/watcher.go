package session

import (
	"encoding/json"
	"log/slog"
)

// Conn is the capability contract a watcher transport must satisfy. The ws
// boundary and test fakes both implement it; the engine never sees a
// concrete socket type.
type Conn interface {
	// Open reports whether the stream is still in a writable state.
	Open() bool
	// SendText delivers a JSON control frame.
	SendText(payload []byte) error
	// SendBinary delivers raw PTY output bytes.
	SendBinary(data []byte) error
	// Close shuts the stream down gracefully.
	Close() error
	// Terminate tears the stream down immediately, best effort.
	Terminate()
}

// Watcher is one attached bidirectional stream. It references its session by
// id so removal can never dangle.
type Watcher struct {
	SessionID string
	conn      Conn
}

// ReadyFrame is sent once per attachment, at or before the first binary
// output chunk the watcher observes.
type ReadyFrame struct {
	Type string `json:"type"`
	Log  string `json:"log"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ExitFrame is sent exactly once, immediately before the stream closes.
type ExitFrame struct {
	Type   string `json:"type"`
	Code   *int   `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`
	Error  string `json:"error,omitempty"`
}

// sendFrame marshals and delivers a control frame. A false return means the
// watcher must be evicted.
func (w *Watcher) sendFrame(frame any) bool {
	if !w.conn.Open() {
		return false
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("[session] frame marshal failed", "error", err)
		return true // encoding bug, not a dead stream
	}
	if err := w.conn.SendText(payload); err != nil {
		slog.Debug("[session] control frame send failed, evicting watcher", "session", w.SessionID, "error", err)
		return false
	}
	return true
}

// sendBinary delivers an output chunk. A false return means eviction.
func (w *Watcher) sendBinary(data []byte) bool {
	if !w.conn.Open() {
		return false
	}
	if err := w.conn.SendBinary(data); err != nil {
		slog.Debug("[session] output send failed, evicting watcher", "session", w.SessionID, "error", err)
		return false
	}
	return true
}

// watcherList copies the current watcher set so sends happen outside the
// session lock. Caller holds s.mu.
func (s *Session) watcherList() []*Watcher {
	out := make([]*Watcher, 0, len(s.watchers))
	for w := range s.watchers {
		out = append(out, w)
	}
	return out
}

// evict drops a watcher from its session and tears down the stream.
func (s *Session) evict(w *Watcher) {
	s.mu.Lock()
	_, present := s.watchers[w]
	delete(s.watchers, w)
	s.mu.Unlock()
	if present {
		w.conn.Terminate()
	}
}

// readyFrame builds the attachment frame from current state. Caller holds
// s.mu.
func (s *Session) readyFrame() ReadyFrame {
	return ReadyFrame{
		Type: "ready",
		Log:  string(s.log),
		Cols: s.cols,
		Rows: s.rows,
	}
}
