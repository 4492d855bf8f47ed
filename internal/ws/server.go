// Package ws is the WebSocket boundary: it upgrades client sockets into
// session watchers on the terminal endpoint and replays bus broadcasts plus
// a small command surface on the control endpoint.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vultuk/agentrix/internal/codex"
	"github.com/vultuk/agentrix/internal/events"
	"github.com/vultuk/agentrix/internal/launch"
	"github.com/vultuk/agentrix/internal/session"
	"github.com/vultuk/agentrix/internal/task"
	"github.com/vultuk/agentrix/internal/tunnel"
)

// wsUpgrader is shared across connections; the Upgrader is stateless.
var wsUpgrader = websocket.Upgrader{
	// The server binds to localhost; origin checks add nothing there and the
	// native clients send none.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
}

// Engine is the slice of the session engine the boundary drives.
// *session.Engine satisfies it.
type Engine interface {
	GetOrCreate(org, repo, branch string, opts session.Options) (*session.Session, bool, error)
	Attach(id string, conn session.Conn) (*session.Watcher, error)
	Detach(w *session.Watcher)
	EnqueueInput(id string, data []byte) error
	Resize(id string, cols, rows int) error
	Dispose(id string, killDelay time.Duration) error
	DisposeByKey(org, repo, branch string, killDelay time.Duration) int
	Summaries() []session.WorktreeSummary
	KillDelay() time.Duration
}

// Launcher starts agent processes. *launch.Launcher satisfies it.
type Launcher interface {
	Launch(req launch.Request) (*launch.Result, error)
}

// Tunnels manages reverse tunnels. *tunnel.Manager satisfies it.
type Tunnels interface {
	Open(ctx context.Context, port int) (tunnel.Info, error)
	Close(port int) error
	List() []tunnel.Info
}

// Codex is the slice of the codex manager the control surface exposes.
type Codex interface {
	CreateSession(org, repo, branch, label string) (codex.Info, error)
	SendUserMessage(ctx context.Context, sessionID, text string) error
	ListSessions(org, repo, branch string) ([]codex.Info, error)
	DeleteSession(sessionID string) error
}

// Tasks lists tracked background tasks. *task.Tracker satisfies it.
type Tasks interface {
	List() []task.Task
}

// Options wires a Server. Engine and Bus are required; everything else is
// optional and answers "not available" when absent.
type Options struct {
	// Addr is the listen address; "127.0.0.1:0" takes an OS-assigned port.
	Addr string

	Engine   Engine
	Bus      *events.Bus
	Tasks    Tasks
	Launcher Launcher
	Tunnels  Tunnels
	Codex    Codex

	// CreateWorktree and GenerateBranch run the corresponding tracked tasks.
	CreateWorktree func(org, repo, branch, base string) task.Task
	GenerateBranch func(org, repo, description string) task.Task

	// ListPorts enumerates listening TCP ports; defaults to tunnel.ListPorts.
	ListPorts func(ctx context.Context) ([]int, error)
}

// Server hosts the two WebSocket endpoints, /ws/terminal and /ws/control.
type Server struct {
	opts Options

	listener net.Listener
	server   *http.Server
	url      string

	closeOnce sync.Once
}

// NewServer creates a Server; Start must be called before clients connect.
func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.ListPorts == nil {
		opts.ListPorts = tunnel.ListPorts
	}
	return &Server{opts: opts}
}

// Start listens on the configured address and serves until Stop. ctx becomes
// the base context of every request handler.
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return fmt.Errorf("ws: already started")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("ws: listen: %w", err)
	}
	s.listener = ln
	s.url = fmt.Sprintf("ws://%s", ln.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/terminal", s.handleTerminal)
	mux.HandleFunc("/ws/control", s.handleControl)

	s.server = &http.Server{
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		if serveErr := s.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("[ws] server error", "error", serveErr)
		}
	}()
	slog.Info("[ws] server started", "url", s.url)
	return nil
}

// Stop shuts the HTTP server down. Idempotent.
func (s *Server) Stop() error {
	var stopErr error
	s.closeOnce.Do(func() {
		if s.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				stopErr = fmt.Errorf("ws: shutdown: %w", err)
			}
		}
		slog.Info("[ws] server stopped")
	})
	return stopErr
}

// URL returns the base ws:// URL, empty before Start.
func (s *Server) URL() string {
	return s.url
}

// sessionFrame tells a freshly attached client which session it landed on.
type sessionFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Label   string `json:"label"`
	Created bool   `json:"created"`
}

// errorFrame reports a boundary failure to the client. A single message, no
// stack traces.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// terminalMsg is the text-frame envelope the terminal read pump accepts.
// Raw binary frames are treated as input bytes directly.
type terminalMsg struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// handleTerminal attaches the socket to a session as a watcher. Query
// parameters: either id=<sessionId> to attach to a live session, or
// org/repo/branch (+ mode, forceNew, tool, kind) to get-or-create one.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[ws] terminal upgrade failed", "error", err)
		return
	}
	c := newConn(raw)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[ws] terminal handler panic", "panic", rec, "stack", string(debug.Stack()))
		}
		c.Terminate()
	}()

	raw.SetReadLimit(maxReadMessageSize)
	if err := raw.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return
	}
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(readDeadline))
	})

	q := r.URL.Query()
	id := q.Get("id")
	created := false
	label := ""
	if id == "" {
		sess, isNew, cerr := s.opts.Engine.GetOrCreate(q.Get("org"), q.Get("repo"), q.Get("branch"), session.Options{
			Mode:     session.Mode(q.Get("mode")),
			ForceNew: q.Get("forceNew") == "true",
			Tool:     session.Tool(q.Get("tool")),
			Kind:     session.Kind(q.Get("kind")),
		})
		if cerr != nil {
			s.sendError(c, cerr)
			_ = c.Close()
			return
		}
		id, created, label = sess.ID, isNew, sess.Label
	}

	// The session frame precedes the ready frame Attach may emit, so clients
	// always learn the id first.
	if payload, merr := json.Marshal(sessionFrame{Type: "session", ID: id, Label: label, Created: created}); merr == nil {
		if serr := c.SendText(payload); serr != nil {
			return
		}
	}

	watcher, err := s.opts.Engine.Attach(id, c)
	if err != nil {
		s.sendError(c, err)
		_ = c.Close()
		return
	}
	slog.Debug("[ws] watcher attached", "session", id, "remote", raw.RemoteAddr())

	pingDone := make(chan struct{})
	go c.pingLoop(pingDone)
	defer close(pingDone)
	defer s.opts.Engine.Detach(watcher)

	for {
		messageType, payload, rerr := raw.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("[ws] terminal read error", "session", id, "error", rerr)
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			_ = s.opts.Engine.EnqueueInput(id, payload)
		case websocket.TextMessage:
			var msg terminalMsg
			if jerr := json.Unmarshal(payload, &msg); jerr != nil {
				s.sendError(c, fmt.Errorf("invalid message: %s", jerr))
				continue
			}
			switch msg.Type {
			case "input":
				_ = s.opts.Engine.EnqueueInput(id, []byte(msg.Data))
			case "resize":
				if rserr := s.opts.Engine.Resize(id, msg.Cols, msg.Rows); rserr != nil {
					s.sendError(c, rserr)
				}
			default:
				s.sendError(c, fmt.Errorf("unknown message type %q", msg.Type))
			}
		}
	}
}

// sendError delivers an error frame, best effort.
func (s *Server) sendError(c *conn, cause error) {
	payload, err := json.Marshal(errorFrame{Type: "error", Message: cause.Error()})
	if err != nil {
		return
	}
	_ = c.SendText(payload)
}
