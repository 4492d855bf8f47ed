// Package launch starts AI coding agents inside fresh automation sessions,
// injecting the prompt through the tmux environment or a shell export and
// recording the plan on disk.
package launch

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/vultuk/agentrix/internal/plan"
	"github.com/vultuk/agentrix/internal/session"
)

// PromptEnv is the variable agents read their prompt from.
const PromptEnv = "AGENTRIX_PROMPT"

// SessionEngine is the slice of the session engine the launcher drives.
type SessionEngine interface {
	CreateIsolatedSession(org, repo, branch string, opts session.Options) (*session.Session, error)
	EnqueueInput(id string, data []byte) error
}

// TmuxEnv sets variables inside tmux sessions.
type TmuxEnv interface {
	SetEnvironment(name, key, value string) error
	UnsetEnvironment(name, key string) error
}

// Launcher wires agent launches together. Tmux may be nil when the host has
// no tmux; prompt injection then always uses the shell fallback.
type Launcher struct {
	engine   SessionEngine
	tmux     TmuxEnv
	planKeep int
}

// NewLauncher creates a Launcher. planKeep <= 0 takes the plan store default.
func NewLauncher(engine SessionEngine, tmux TmuxEnv, planKeep int) *Launcher {
	return &Launcher{engine: engine, tmux: tmux, planKeep: planKeep}
}

// Request describes one agent launch.
type Request struct {
	Command string
	Workdir string
	Org     string
	Repo    string
	Branch  string
	Prompt  string
}

// Result reports the spawned session.
type Result struct {
	PID             int     `json:"pid"`
	Command         string  `json:"command"`
	SessionID       string  `json:"sessionId"`
	TmuxSessionName *string `json:"tmuxSessionName"`
	UsingTmux       bool    `json:"usingTmux"`
	CreatedSession  bool    `json:"createdSession"`
}

var errBadRequest = errors.New("command, workdir, org, repo and branch must be non-empty")

// Launch validates the request, spawns an isolated automation session,
// records the plan, injects the prompt and enqueues the agent command.
func (l *Launcher) Launch(req Request) (*Result, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" || req.Workdir == "" || req.Org == "" || req.Repo == "" || req.Branch == "" {
		return nil, errBadRequest
	}

	s, err := l.engine.CreateIsolatedSession(req.Org, req.Repo, req.Branch, session.Options{
		Kind: session.KindAutomation,
		Tool: session.ToolAgent,
	})
	if err != nil {
		return nil, err
	}

	// Plan writes never block the launch.
	if req.Prompt != "" && s.WorktreePath != "" {
		store := plan.NewStore(s.WorktreePath, l.planKeep)
		if _, perr := store.Write(req.Branch, req.Prompt); perr != nil {
			slog.Warn("[launch] plan write failed", "session", s.ID, "error", perr)
		}
	}

	if statement := l.preparePromptEnv(s, req.Prompt); statement != "" {
		if ierr := l.engine.EnqueueInput(s.ID, []byte(NormalizeInput(statement))); ierr != nil {
			return nil, ierr
		}
	}

	final := command
	if req.Prompt != "" {
		final = command + " " + ShellQuote(req.Prompt)
	}
	if err := l.engine.EnqueueInput(s.ID, []byte(NormalizeInput(final))); err != nil {
		return nil, err
	}

	result := &Result{
		PID:            s.PID(),
		Command:        final,
		SessionID:      s.ID,
		UsingTmux:      s.UsingTmux,
		CreatedSession: true,
	}
	if s.TmuxSessionName != "" {
		name := s.TmuxSessionName
		result.TmuxSessionName = &name
	}
	slog.Info("[launch] agent launched",
		"session", s.ID, "org", req.Org, "repo", req.Repo, "branch", req.Branch,
		"tmux", s.UsingTmux)
	return result, nil
}

// preparePromptEnv makes the prompt visible to the agent. Tmux-backed
// sessions get a tmux environment variable; everything else, including tmux
// control failures, falls back to a shell statement the caller must enqueue.
func (l *Launcher) preparePromptEnv(s *session.Session, prompt string) string {
	if s.UsingTmux && s.TmuxSessionName != "" && l.tmux != nil {
		var err error
		if prompt != "" {
			err = l.tmux.SetEnvironment(s.TmuxSessionName, PromptEnv, prompt)
		} else {
			err = l.tmux.UnsetEnvironment(s.TmuxSessionName, PromptEnv)
		}
		if err == nil {
			return ""
		}
		slog.Warn("[launch] tmux prompt injection failed, using shell export",
			"session", s.ID, "tmuxSession", s.TmuxSessionName, "error", err)
	}
	if prompt != "" {
		return "export " + PromptEnv + "=" + ShellQuote(prompt)
	}
	return "unset " + PromptEnv
}
