// Package session implements the terminal session engine: PTY/tmux session
// lifecycle, multi-watcher fan-out, input queueing with the readiness
// protocol, idle detection, roster snapshots and tmux-backed rehydration.
package session

import (
	"sync"
	"syscall"
	"time"

	"github.com/vultuk/agentrix/internal/terminal"
)

// Pty is the slice of the terminal surface the engine drives. *terminal.Terminal
// satisfies it; engine tests substitute a scripted fake.
type Pty interface {
	PID() int
	Write(data []byte) (int, error)
	Resize(cols, rows int) error
	Kill(sig syscall.Signal) error
	ReadLoop(onData func([]byte))
	Exit() <-chan terminal.ExitStatus
	Close() error
}

// Kind distinguishes user-facing shells from agent automation sessions.
type Kind string

const (
	KindInteractive Kind = "interactive"
	KindAutomation  Kind = "automation"
)

// Tool records which surface owns the session.
type Tool string

const (
	ToolTerminal Tool = "terminal"
	ToolAgent    Tool = "agent"
)

// MaxTerminalBuffer bounds the per-session output log. Only the most recent
// suffix is retained.
const MaxTerminalBuffer = 256 * 1024

// Key derives the session bucket key for a worktree triple.
func Key(org, repo, branch string) string {
	return org + "::" + repo + "::" + branch
}

// Session is one live PTY-backed shell. All lifecycle fields are guarded by
// mu; the engine is the only mutator.
type Session struct {
	ID     string
	Org    string
	Repo   string
	Branch string
	Key    string

	Label           string
	Kind            Kind
	Tool            Tool
	UsingTmux       bool
	TmuxSessionName string
	WorktreePath    string

	mu             sync.Mutex
	term           Pty
	out            *terminal.OutputBuffer
	log            []byte
	watchers       map[*Watcher]struct{}
	pendingInputs  [][]byte
	ready          bool
	closed         bool
	idle           bool
	createdAt      time.Time
	lastActivityAt time.Time
	cols           int
	rows           int

	exitCode   *int
	exitSignal string
	exitErr    string

	readyTimer *time.Timer
	done       chan struct{} // closed after finalize
}

// Ready reports whether the readiness protocol has completed.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Closed reports whether the session has terminated. Once true it never
// flips back.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Idle reports whether the idle sweeper has marked the session inactive.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// CreatedAt returns the session creation (or rehydration-restored) time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastActivityAt returns the time of the most recent PTY output or input.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// PID returns the underlying process id, or 0.
func (s *Session) PID() int {
	s.mu.Lock()
	term := s.term
	s.mu.Unlock()
	if term == nil {
		return 0
	}
	return term.PID()
}

// Log returns a copy of the retained output suffix.
func (s *Session) Log() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.log...)
}

// Done returns a channel closed once the session has fully terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// appendLog retains at most MaxTerminalBuffer bytes of the most recent
// output. Caller holds mu.
func (s *Session) appendLog(chunk []byte) {
	s.log = append(s.log, chunk...)
	if overflow := len(s.log) - MaxTerminalBuffer; overflow > 0 {
		s.log = append(s.log[:0:0], s.log[overflow:]...)
	}
}
