package session

import (
	"log/slog"
	"syscall"
	"time"

	"github.com/vultuk/agentrix/internal/terminal"
)

// markReady completes the readiness protocol: flush queued input in arrival
// order, then send the ready frame to every watcher. Runs at most once, from
// either the delay timer or the first output chunk.
func (e *Engine) markReady(s *Session) {
	s.mu.Lock()
	if s.ready || s.closed {
		s.mu.Unlock()
		return
	}
	s.ready = true
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	pending := s.pendingInputs
	s.pendingInputs = nil
	term := s.term
	frame := s.readyFrame()
	watchers := s.watcherList()
	s.mu.Unlock()

	// A failed write drops that input only; the rest of the queue still
	// flushes in order.
	for _, data := range pending {
		if _, err := term.Write(data); err != nil {
			slog.Warn("[session] queued input flush failed", "id", s.ID, "error", err)
		}
	}
	for _, w := range watchers {
		if !w.sendFrame(frame) {
			s.evict(w)
		}
	}
	e.broadcast()
}

// handleOutput is the single delivery point for coalesced PTY output. The
// output buffer serialises calls, so chunk order here is production order.
func (e *Engine) handleOutput(s *Session, chunk []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	first := !s.ready
	s.mu.Unlock()

	// The ready frame must reach watchers before the chunk that triggered
	// it, and its log snapshot must not already contain that chunk.
	if first {
		e.markReady(s)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasIdle := s.idle
	s.idle = false
	s.lastActivityAt = e.now()
	s.appendLog(chunk)
	watchers := s.watcherList()
	s.mu.Unlock()
	for _, w := range watchers {
		if !w.sendBinary(chunk) {
			s.evict(w)
		}
	}
	if wasIdle {
		e.broadcast()
	}
}

// Attach registers a watcher stream on a session. When the session is already
// ready the watcher receives its ready frame (with the retained log replay)
// before any subsequent output chunk.
func (e *Engine) Attach(id string, conn Conn) (*Watcher, error) {
	s, ok := e.reg.ByID(id)
	if !ok {
		return nil, ErrNotFound
	}
	w := &Watcher{SessionID: id, conn: conn}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.watchers[w] = struct{}{}
	// Sending under the lock orders the frame ahead of any concurrent
	// fan-out, which snapshots the watcher set under the same lock.
	if s.ready {
		ok := w.sendFrame(s.readyFrame())
		if !ok {
			delete(s.watchers, w)
			s.mu.Unlock()
			conn.Terminate()
			return nil, ErrClosed
		}
	}
	s.mu.Unlock()
	return w, nil
}

// Detach removes a watcher without closing the session. The stream is left
// for the caller to close.
func (e *Engine) Detach(w *Watcher) {
	s, ok := e.reg.ByID(w.SessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

// EnqueueInput routes input bytes to a session: dropped when closed, queued
// in order when not yet ready, written through otherwise.
func (e *Engine) EnqueueInput(id string, data []byte) error {
	s, ok := e.reg.ByID(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	wasIdle := s.idle
	s.idle = false
	s.lastActivityAt = e.now()
	if !s.ready {
		s.pendingInputs = append(s.pendingInputs, append([]byte(nil), data...))
		s.mu.Unlock()
		if wasIdle {
			e.broadcast()
		}
		return nil
	}
	term := s.term
	s.mu.Unlock()

	if _, err := term.Write(data); err != nil {
		slog.Warn("[session] input write failed", "id", id, "error", err)
	}
	if wasIdle {
		e.broadcast()
	}
	return nil
}

// Resize updates the PTY window size and records it for future ready frames.
func (e *Engine) Resize(id string, cols, rows int) error {
	s, ok := e.reg.ByID(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if cols > 0 && rows > 0 {
		s.cols, s.rows = cols, rows
	}
	term := s.term
	s.mu.Unlock()
	return term.Resize(cols, rows)
}

// Dispose terminates one session: SIGTERM, then SIGKILL after killDelay (a
// non-positive delay kills immediately). Blocks until the exit is finalised
// and the session removed from the registry.
func (e *Engine) Dispose(id string, killDelay time.Duration) error {
	s, ok := e.reg.ByID(id)
	if !ok {
		return ErrNotFound
	}
	e.dispose(s, killDelay)
	return nil
}

func (e *Engine) dispose(s *Session, killDelay time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	term := s.term
	s.mu.Unlock()

	_ = term.Kill(syscall.SIGTERM)
	if killDelay > 0 {
		killer := time.AfterFunc(killDelay, func() {
			_ = term.Kill(syscall.SIGKILL)
		})
		defer killer.Stop()
	} else {
		_ = term.Kill(syscall.SIGKILL)
	}
	<-s.done
}

// DisposeAll tears down every session, used at shutdown. Per-session
// persistence is suppressed; one final empty roster is persisted at the end.
func (e *Engine) DisposeAll() {
	e.mu.Lock()
	e.quiet = true
	e.mu.Unlock()

	for _, s := range e.reg.All() {
		e.dispose(s, 0)
	}

	e.mu.Lock()
	e.quiet = false
	e.mu.Unlock()
	e.broadcast()
}

// DisposeByKey tears down every session of one worktree triple.
func (e *Engine) DisposeByKey(org, repo, branch string, killDelay time.Duration) int {
	sessions := e.reg.ByKey(Key(org, repo, branch))
	for _, s := range sessions {
		e.dispose(s, killDelay)
	}
	return len(sessions)
}

// DisposeForRepository tears down every session of one org/repo across all
// branches.
func (e *Engine) DisposeForRepository(org, repo string, killDelay time.Duration) int {
	n := 0
	for _, s := range e.reg.All() {
		if s.Org == org && s.Repo == repo {
			e.dispose(s, killDelay)
			n++
		}
	}
	return n
}

// watchExit blocks on the process exit stream and finalises the session.
func (e *Engine) watchExit(s *Session) {
	status := <-s.term.Exit()
	e.finalize(s, status)
}

// finalize runs the irreversible teardown sequence: mark closed, deliver the
// exit frame, close watcher streams, release OS resources, drop the registry
// entry. Runs exactly once per session.
func (e *Engine) finalize(s *Session, status terminal.ExitStatus) {
	// Deliver any output still sitting in the coalescing buffer first.
	s.out.Stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ready = false
	s.pendingInputs = nil
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	code := status.Code
	s.exitCode = &code
	s.exitSignal = status.Signal
	if status.Err != nil {
		s.exitErr = status.Err.Error()
	}
	frame := ExitFrame{Type: "exit", Code: s.exitCode, Signal: s.exitSignal, Error: s.exitErr}
	watchers := s.watcherList()
	s.watchers = make(map[*Watcher]struct{})
	term := s.term
	s.mu.Unlock()

	for _, w := range watchers {
		w.sendFrame(frame)
		_ = w.conn.Close()
	}
	_ = term.Close()

	e.reg.Remove(s.ID)
	close(s.done)

	slog.Info("[session] exited",
		"id", s.ID, "org", s.Org, "repo", s.Repo, "branch", s.Branch,
		"code", status.Code, "signal", status.Signal)
	e.broadcast()
}
