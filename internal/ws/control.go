package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vultuk/agentrix/internal/events"
	"github.com/vultuk/agentrix/internal/launch"
)

// eventFrame wraps one bus broadcast for the control stream.
type eventFrame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// commandMsg is one request on the control socket.
type commandMsg struct {
	Action string `json:"action"`
	ReqID  string `json:"reqId,omitempty"`

	// Session / worktree coordinates.
	ID     string `json:"id,omitempty"`
	Org    string `json:"org,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
	Base   string `json:"base,omitempty"`

	// Agent launches and branch generation.
	Command     string `json:"command,omitempty"`
	Workdir     string `json:"workdir,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Description string `json:"description,omitempty"`

	// Codex.
	Label string `json:"label,omitempty"`
	Text  string `json:"text,omitempty"`

	// Tunnels.
	Port int `json:"port,omitempty"`
}

// resultFrame answers one command.
type resultFrame struct {
	Type    string `json:"type"`
	ReqID   string `json:"reqId,omitempty"`
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// controlTopics are replayed from the bus to every control client.
var controlTopics = []string{
	events.TopicSessions,
	events.TopicTasks,
	events.TopicRepos,
	events.TopicLogs,
}

// handleControl streams bus broadcasts to the client and executes command
// messages. On connect the client receives the current session roster and
// task list so it never starts from a blind state.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[ws] control upgrade failed", "error", err)
		return
	}
	c := newConn(raw)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[ws] control handler panic", "panic", rec, "stack", string(debug.Stack()))
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

	unsubs := make([]func(), 0, len(controlTopics))
	for _, topic := range controlTopics {
		topic := topic
		unsubs = append(unsubs, s.opts.Bus.Subscribe(topic, func(payload any) {
			s.sendEvent(c, topic, payload)
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	s.sendEvent(c, events.TopicSessions, s.opts.Engine.Summaries())
	if s.opts.Tasks != nil {
		s.sendEvent(c, events.TopicTasks, s.opts.Tasks.List())
	}

	pingDone := make(chan struct{})
	go c.pingLoop(pingDone)
	defer close(pingDone)

	for {
		messageType, payload, rerr := raw.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("[ws] control read error", "error", rerr)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg commandMsg
		if jerr := json.Unmarshal(payload, &msg); jerr != nil {
			s.sendResult(c, resultFrame{Type: "result", OK: false, Error: fmt.Sprintf("invalid JSON: %s", jerr)})
			continue
		}
		s.sendResult(c, s.dispatch(r.Context(), msg))
	}
}

func (s *Server) sendEvent(c *conn, topic string, payload any) {
	frame, err := json.Marshal(eventFrame{Type: "event", Topic: topic, Payload: payload})
	if err != nil {
		slog.Warn("[ws] event marshal failed", "topic", topic, "error", err)
		return
	}
	// A failed send flips the conn closed; the read pump tears down shortly.
	_ = c.SendText(frame)
}

func (s *Server) sendResult(c *conn, frame resultFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("[ws] result marshal failed", "action", frame.Action, "error", err)
		return
	}
	_ = c.SendText(payload)
}

// dispatch executes one control command. Every branch returns a single-string
// error at most; collaborator absence answers uniformly.
func (s *Server) dispatch(ctx context.Context, msg commandMsg) resultFrame {
	res := resultFrame{Type: "result", ReqID: msg.ReqID, Action: msg.Action, OK: true}
	fail := func(err error) resultFrame {
		res.OK = false
		res.Error = err.Error()
		return res
	}

	switch msg.Action {
	case "list_sessions":
		res.Payload = s.opts.Engine.Summaries()

	case "dispose_session":
		if err := s.opts.Engine.Dispose(msg.ID, s.opts.Engine.KillDelay()); err != nil {
			return fail(err)
		}

	case "dispose_worktree":
		res.Payload = map[string]any{
			"disposed": s.opts.Engine.DisposeByKey(msg.Org, msg.Repo, msg.Branch, s.opts.Engine.KillDelay()),
		}

	case "list_tasks":
		if s.opts.Tasks == nil {
			return fail(errUnavailable("task tracking"))
		}
		res.Payload = s.opts.Tasks.List()

	case "create_worktree":
		if s.opts.CreateWorktree == nil {
			return fail(errUnavailable("worktree creation"))
		}
		res.Payload = s.opts.CreateWorktree(msg.Org, msg.Repo, msg.Branch, msg.Base)

	case "generate_branch":
		if s.opts.GenerateBranch == nil {
			return fail(errUnavailable("branch-name generation"))
		}
		res.Payload = s.opts.GenerateBranch(msg.Org, msg.Repo, msg.Description)

	case "launch_agent":
		if s.opts.Launcher == nil {
			return fail(errUnavailable("agent launches"))
		}
		result, err := s.opts.Launcher.Launch(launch.Request{
			Command: msg.Command,
			Workdir: msg.Workdir,
			Org:     msg.Org,
			Repo:    msg.Repo,
			Branch:  msg.Branch,
			Prompt:  msg.Prompt,
		})
		if err != nil {
			return fail(err)
		}
		res.Payload = result

	case "list_ports":
		ports, err := s.opts.ListPorts(ctx)
		if err != nil {
			return fail(err)
		}
		res.Payload = ports

	case "list_tunnels":
		if s.opts.Tunnels == nil {
			return fail(errUnavailable("tunnels"))
		}
		res.Payload = s.opts.Tunnels.List()

	case "open_tunnel":
		if s.opts.Tunnels == nil {
			return fail(errUnavailable("tunnels"))
		}
		info, err := s.opts.Tunnels.Open(ctx, msg.Port)
		if err != nil {
			return fail(err)
		}
		res.Payload = info

	case "close_tunnel":
		if s.opts.Tunnels == nil {
			return fail(errUnavailable("tunnels"))
		}
		if err := s.opts.Tunnels.Close(msg.Port); err != nil {
			return fail(err)
		}

	case "codex_create":
		if s.opts.Codex == nil {
			return fail(errUnavailable("codex sessions"))
		}
		info, err := s.opts.Codex.CreateSession(msg.Org, msg.Repo, msg.Branch, msg.Label)
		if err != nil {
			return fail(err)
		}
		res.Payload = info

	case "codex_send":
		if s.opts.Codex == nil {
			return fail(errUnavailable("codex sessions"))
		}
		if err := s.opts.Codex.SendUserMessage(ctx, msg.ID, msg.Text); err != nil {
			return fail(err)
		}

	case "codex_list":
		if s.opts.Codex == nil {
			return fail(errUnavailable("codex sessions"))
		}
		infos, err := s.opts.Codex.ListSessions(msg.Org, msg.Repo, msg.Branch)
		if err != nil {
			return fail(err)
		}
		res.Payload = infos

	case "codex_delete":
		if s.opts.Codex == nil {
			return fail(errUnavailable("codex sessions"))
		}
		if err := s.opts.Codex.DeleteSession(msg.ID); err != nil {
			return fail(err)
		}

	default:
		return fail(fmt.Errorf("unknown action %q", msg.Action))
	}
	return res
}

func errUnavailable(what string) error {
	return fmt.Errorf("%s is not available on this server", what)
}
