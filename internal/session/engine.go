package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vultuk/agentrix/internal/events"
	"github.com/vultuk/agentrix/internal/terminal"
)

// Mode selects how session processes are hosted.
type Mode string

const (
	// ModeAuto uses tmux when the binary is available, plain PTYs otherwise.
	ModeAuto Mode = "auto"
	// ModeTmux requires tmux; session creation fails without it.
	ModeTmux Mode = "tmux"
	// ModePTY forbids tmux even when installed.
	ModePTY Mode = "pty"
)

// TmuxController is the slice of tmux behaviour the engine needs.
// *tmux.Controller satisfies it; tests substitute a scripted fake.
type TmuxController interface {
	Available() bool
	SessionName(org, repo, branch string) string
	SessionNameWithLabel(org, repo, branch, label string) string
	HasSession(name string) (bool, error)
	NewSession(name, dir string) error
	KillSession(name string) error
	AttachArgs(name string) []string
	SetEnvironment(name, key, value string) error
	UnsetEnvironment(name, key string) error
}

// Persister receives the roster after every mutation. Implementations must
// not block the caller for long; the state store queues internally.
type Persister interface {
	Persist(summaries []WorktreeSummary)
}

// WorktreeResolver maps a triple to an on-disk worktree path, creating the
// worktree when it does not exist yet.
type WorktreeResolver func(workdir, org, repo, branch string) (string, error)

const (
	defaultReadyDelay = 150 * time.Millisecond
	defaultKillDelay  = 2 * time.Second
	defaultIdleAfter  = 90 * time.Second
	defaultSweepEvery = 5 * time.Second
	defaultCols       = 120
	defaultRows       = 36
)

// Config carries the engine's collaborators and tunables. Zero durations take
// the defaults above; nil funcs take the production implementations.
type Config struct {
	Workdir string
	// Shell overrides $SHELL for plain PTY sessions. Empty keeps the
	// environment's shell.
	Shell           string
	Mode            Mode
	Tmux            TmuxController
	Bus             *events.Bus
	Persister       Persister
	ResolveWorktree WorktreeResolver

	ReadyDelay time.Duration
	KillDelay  time.Duration
	IdleAfter  time.Duration
	SweepEvery time.Duration

	Now           func() time.Time
	NewID         func() string
	StartTerminal func(cfg terminal.Config) (Pty, error)
}

// Engine owns every live session: creation and reuse, fan-out, input
// queueing, idle sweeping, disposal and rehydration.
type Engine struct {
	reg     *Registry
	tmux    TmuxController
	bus     *events.Bus
	persist Persister
	resolve WorktreeResolver
	workdir string
	shell   string
	mode    Mode

	readyDelay time.Duration
	killDelay  time.Duration
	idleAfter  time.Duration
	sweepEvery time.Duration

	now   func() time.Time
	newID func() string
	start func(cfg terminal.Config) (Pty, error)

	mu       sync.Mutex
	sweeping bool
	quiet    bool // suppress per-session persistence during bulk disposal
}

// NewEngine wires an Engine from cfg, applying defaults for anything unset.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		reg:        NewRegistry(),
		tmux:       cfg.Tmux,
		bus:        cfg.Bus,
		persist:    cfg.Persister,
		resolve:    cfg.ResolveWorktree,
		workdir:    cfg.Workdir,
		shell:      cfg.Shell,
		mode:       cfg.Mode,
		readyDelay: cfg.ReadyDelay,
		killDelay:  cfg.KillDelay,
		idleAfter:  cfg.IdleAfter,
		sweepEvery: cfg.SweepEvery,
		now:        cfg.Now,
		newID:      cfg.NewID,
		start:      cfg.StartTerminal,
	}
	if e.mode == "" {
		e.mode = ModeAuto
	}
	if e.readyDelay <= 0 {
		e.readyDelay = defaultReadyDelay
	}
	if e.killDelay <= 0 {
		e.killDelay = defaultKillDelay
	}
	if e.idleAfter <= 0 {
		e.idleAfter = defaultIdleAfter
	}
	if e.sweepEvery <= 0 {
		e.sweepEvery = defaultSweepEvery
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.start == nil {
		e.start = func(cfg terminal.Config) (Pty, error) {
			return terminal.Start(cfg)
		}
	}
	if e.resolve == nil {
		e.resolve = func(_, _, _, _ string) (string, error) {
			return e.workdir, nil
		}
	}
	return e
}

// Registry exposes the live session index for read-side consumers.
func (e *Engine) Registry() *Registry {
	return e.reg
}

// KillDelay returns the configured SIGTERM to SIGKILL grace period.
func (e *Engine) KillDelay() time.Duration {
	return e.killDelay
}

// Options controls session creation and reuse.
type Options struct {
	// Mode overrides the engine default for this request.
	Mode Mode
	// ForceNew skips reuse and always spawns a fresh session.
	ForceNew bool
	// Tool and Kind default to terminal/interactive.
	Tool Tool
	Kind Kind
}

func (e *Engine) effectiveMode(requested Mode) Mode {
	if requested == "" {
		requested = e.mode
	}
	if requested == "" {
		requested = ModeAuto
	}
	return requested
}

// GetOrCreate returns a session for the triple, reusing a live one where the
// reuse policy allows. The bool reports whether a new session was created.
//
// Reuse order: tmux-backed interactive sessions win when the mode permits
// tmux; automation sessions are only a fallback; anything else spawns fresh.
func (e *Engine) GetOrCreate(org, repo, branch string, opts Options) (*Session, bool, error) {
	org, repo, branch = strings.TrimSpace(org), strings.TrimSpace(repo), strings.TrimSpace(branch)
	if org == "" || repo == "" || branch == "" {
		return nil, false, ErrBadTriple
	}
	mode := e.effectiveMode(opts.Mode)
	if opts.Tool == "" {
		opts.Tool = ToolTerminal
	}
	if opts.Kind == "" {
		opts.Kind = KindInteractive
	}

	worktree, err := e.resolve(e.workdir, org, repo, branch)
	if err != nil {
		return nil, false, fmt.Errorf("resolve worktree for %s/%s@%s: %w", org, repo, branch, err)
	}

	if !opts.ForceNew {
		var automation *Session
		for _, s := range e.reg.ByKey(Key(org, repo, branch)) {
			if s.Closed() {
				continue
			}
			if s.Kind == KindAutomation {
				if automation == nil {
					automation = s
				}
				continue
			}
			if s.UsingTmux && mode != ModePTY {
				return s, false, nil
			}
		}
		if automation != nil {
			return automation, false, nil
		}
	}

	s, err := e.createSession(org, repo, branch, worktree, mode, opts)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// CreateIsolatedSession always spawns a fresh session for the triple,
// regardless of what is already running. Used by the "new terminal" surface
// and by agent launches that need a dedicated shell.
func (e *Engine) CreateIsolatedSession(org, repo, branch string, opts Options) (*Session, error) {
	opts.ForceNew = true
	s, _, err := e.GetOrCreate(org, repo, branch, opts)
	return s, err
}

func (e *Engine) createSession(org, repo, branch, worktree string, mode Mode, opts Options) (*Session, error) {
	usingTmux, err := e.decideTmux(mode)
	if err != nil {
		return nil, err
	}

	key := Key(org, repo, branch)
	label := e.reg.AllocateLabel(key, opts.Tool)

	var tmuxName string
	var command []string
	var createdTmux bool
	if usingTmux {
		// Even a forced-new spawn takes the canonical name when it is free;
		// the label suffix exists only to dodge an actual collision.
		tmuxName = e.tmux.SessionName(org, repo, branch)
		exists, herr := e.tmux.HasSession(tmuxName)
		if herr != nil {
			return nil, fmt.Errorf("probe tmux session %q: %w", tmuxName, herr)
		}
		if opts.ForceNew && exists {
			tmuxName = e.tmux.SessionNameWithLabel(org, repo, branch, label)
			exists, herr = e.tmux.HasSession(tmuxName)
			if herr != nil {
				return nil, fmt.Errorf("probe tmux session %q: %w", tmuxName, herr)
			}
		}
		if !exists {
			if nerr := e.tmux.NewSession(tmuxName, worktree); nerr != nil {
				return nil, fmt.Errorf("create tmux session %q: %w", tmuxName, nerr)
			}
			createdTmux = true
		}
		command = e.tmux.AttachArgs(tmuxName)
	} else {
		command = terminal.ShellCommandFor(e.shell)
	}

	term, err := e.start(terminal.Config{
		Command: command,
		Dir:     worktree,
		Columns: defaultCols,
		Rows:    defaultRows,
	})
	if err != nil {
		if usingTmux && createdTmux {
			// The tmux session was created for this spawn only.
			_ = e.tmux.KillSession(tmuxName)
		}
		return nil, fmt.Errorf("start session process: %w", err)
	}

	now := e.now()
	s := &Session{
		ID:              e.newID(),
		Org:             org,
		Repo:            repo,
		Branch:          branch,
		Key:             key,
		Label:           label,
		Kind:            opts.Kind,
		Tool:            opts.Tool,
		UsingTmux:       usingTmux,
		TmuxSessionName: tmuxName,
		WorktreePath:    worktree,
		term:            term,
		watchers:        make(map[*Watcher]struct{}),
		createdAt:       now,
		lastActivityAt:  now,
		cols:            defaultCols,
		rows:            defaultRows,
		done:            make(chan struct{}),
	}
	e.adopt(s)

	slog.Info("[session] created",
		"id", s.ID, "org", org, "repo", repo, "branch", branch,
		"label", label, "tmux", usingTmux, "kind", opts.Kind, "tool", opts.Tool)
	e.broadcast()
	return s, nil
}

// adopt wires the output pump, exit watcher and readiness timer for a session
// whose process is already running, then registers it. Shared by creation and
// rehydration.
func (e *Engine) adopt(s *Session) {
	s.out = terminal.NewOutputBuffer(0, 0, func(chunk []byte) {
		e.handleOutput(s, chunk)
	})
	s.out.Start()
	s.readyTimer = time.AfterFunc(e.readyDelay, func() {
		e.markReady(s)
	})

	term := s.term
	go func() {
		term.ReadLoop(s.out.Write)
		s.out.Stop()
	}()
	go e.watchExit(s)

	e.reg.Add(s)
	e.ensureSweeper()
}

func (e *Engine) decideTmux(mode Mode) (bool, error) {
	switch mode {
	case ModePTY:
		return false, nil
	case ModeTmux:
		if e.tmux == nil || !e.tmux.Available() {
			return false, ErrTmuxUnavailable
		}
		return true, nil
	default:
		return e.tmux != nil && e.tmux.Available(), nil
	}
}

// broadcast publishes the roster to the bus and hands it to the persister.
func (e *Engine) broadcast() {
	summaries := e.Summaries()
	if e.bus != nil {
		e.bus.Emit(events.TopicSessions, summaries)
	}
	e.mu.Lock()
	quiet := e.quiet
	e.mu.Unlock()
	if e.persist != nil && !quiet {
		e.persist.Persist(summaries)
	}
}
