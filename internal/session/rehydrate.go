package session

import (
	"log/slog"
	"time"

	"github.com/vultuk/agentrix/internal/terminal"
)

// Rehydrate re-attaches to tmux sessions recorded in a persisted roster after
// a server restart. Only tmux-backed entries whose tmux session still exists
// come back; plain PTY sessions died with the old process. Idempotent: a
// non-empty registry or an absent tmux binary makes it a no-op. Returns the
// number of sessions restored.
func (e *Engine) Rehydrate(summaries []WorktreeSummary) int {
	if e.mode == ModePTY {
		return 0
	}
	if e.reg.Len() > 0 {
		return 0
	}
	if e.tmux == nil || !e.tmux.Available() {
		return 0
	}

	restored := 0
	for _, entry := range summaries {
		for _, snap := range entry.Sessions {
			if !snap.UsingTmux || snap.TmuxSessionName == nil || *snap.TmuxSessionName == "" {
				continue
			}
			name := *snap.TmuxSessionName
			alive, err := e.tmux.HasSession(name)
			if err != nil {
				slog.Warn("[session] rehydrate probe failed", "tmuxSession", name, "error", err)
				continue
			}
			if !alive {
				continue
			}
			if e.rehydrateOne(snap, name) {
				restored++
			}
		}
	}
	if restored > 0 {
		slog.Info("[session] rehydrated tmux sessions", "count", restored)
		e.broadcast()
	}
	return restored
}

// rehydrateOne spawns a fresh attach client for one surviving tmux session,
// restoring the persisted identity and timestamps under a new session id.
func (e *Engine) rehydrateOne(snap Snapshot, tmuxName string) bool {
	worktree := snap.WorktreePath
	if worktree == "" {
		resolved, err := e.resolve(e.workdir, snap.Org, snap.Repo, snap.Branch)
		if err != nil {
			slog.Warn("[session] rehydrate worktree resolve failed",
				"tmuxSession", tmuxName, "error", err)
			return false
		}
		worktree = resolved
	}

	term, err := e.start(terminal.Config{
		Command: e.tmux.AttachArgs(tmuxName),
		Dir:     worktree,
		Columns: defaultCols,
		Rows:    defaultRows,
	})
	if err != nil {
		slog.Warn("[session] rehydrate attach failed", "tmuxSession", tmuxName, "error", err)
		return false
	}

	kind := snap.Kind
	if kind == "" {
		kind = KindInteractive
	}
	tool := snap.Tool
	if tool == "" {
		tool = ToolTerminal
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.now()
	}
	lastActivity := snap.LastActivityAt
	if lastActivity.IsZero() {
		lastActivity = createdAt
	}

	key := Key(snap.Org, snap.Repo, snap.Branch)
	label := snap.Label
	if label == "" {
		label = e.reg.AllocateLabel(key, tool)
	} else {
		e.reg.ReserveLabel(key, tool, label)
	}

	s := &Session{
		ID:              e.newID(),
		Org:             snap.Org,
		Repo:            snap.Repo,
		Branch:          snap.Branch,
		Key:             key,
		Label:           label,
		Kind:            kind,
		Tool:            tool,
		UsingTmux:       true,
		TmuxSessionName: tmuxName,
		WorktreePath:    worktree,
		term:            term,
		watchers:        make(map[*Watcher]struct{}),
		createdAt:       createdAt,
		lastActivityAt:  lastActivity,
		idle:            snap.Idle,
		cols:            defaultCols,
		rows:            defaultRows,
		done:            make(chan struct{}),
	}
	e.adopt(s)
	return true
}

// touch is a test hook allowing activity timestamps to be forced. It keeps
// the sweeper deterministic in tests.
func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	s.lastActivityAt = at
	s.mu.Unlock()
}
