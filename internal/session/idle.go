package session

import (
	"time"

	"github.com/vultuk/agentrix/internal/workerutil"
)

// ensureSweeper starts the idle sweep loop if it is not already running. The
// loop stops itself once the registry empties and is restarted by the next
// session creation.
func (e *Engine) ensureSweeper() {
	e.mu.Lock()
	if e.sweeping {
		e.mu.Unlock()
		return
	}
	e.sweeping = true
	e.mu.Unlock()

	go workerutil.WithRecovery("session idle sweeper", e.sweep)
}

func (e *Engine) sweep() {
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()

	for range ticker.C {
		if e.reg.Len() == 0 {
			if e.stopSweeping() {
				return
			}
			continue
		}
		if e.sweepOnce() {
			e.broadcast()
		}
	}
}

// stopSweeping clears the sweeping flag, then re-checks the registry under
// the same lock: a session adopted between the loop's empty check and the
// flag flip would otherwise see sweeping still set, skip the restart, and
// never be swept. Returns true when the loop should exit.
func (e *Engine) stopSweeping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sweeping = false
	if e.reg.Len() != 0 {
		e.sweeping = true
		return false
	}
	return true
}

// sweepOnce flips sessions idle whose last activity is older than the
// threshold. Returns true when any session changed state. Waking back up
// happens on output or input, never here.
func (e *Engine) sweepOnce() bool {
	now := e.now()
	changed := false
	for _, s := range e.reg.All() {
		s.mu.Lock()
		last := s.lastActivityAt
		if last.IsZero() {
			last = s.createdAt
		}
		if !s.closed && !s.idle && now.Sub(last) >= e.idleAfter {
			s.idle = true
			changed = true
		}
		s.mu.Unlock()
	}
	return changed
}
