package session

import (
	"sort"
	"time"
)

// Snapshot is the immutable external projection of one session. It is built
// by explicit field copies, never by serialising live state.
type Snapshot struct {
	ID              string    `json:"id"`
	Org             string    `json:"org"`
	Repo            string    `json:"repo"`
	Branch          string    `json:"branch"`
	Label           string    `json:"label"`
	Kind            Kind      `json:"kind"`
	Tool            Tool      `json:"tool"`
	UsingTmux       bool      `json:"usingTmux"`
	TmuxSessionName *string   `json:"tmuxSessionName"`
	WorktreePath    string    `json:"worktreePath,omitempty"`
	Idle            bool      `json:"idle"`
	Ready           bool      `json:"ready"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
}

// WorktreeSummary groups the live sessions sharing one worktree key. Idle is
// the AND across members; LastActivityAt the max.
type WorktreeSummary struct {
	Org            string     `json:"org"`
	Repo           string     `json:"repo"`
	Branch         string     `json:"branch"`
	Idle           bool       `json:"idle"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	Sessions       []Snapshot `json:"sessions"`
}

// Snapshot projects the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:             s.ID,
		Org:            s.Org,
		Repo:           s.Repo,
		Branch:         s.Branch,
		Label:          s.Label,
		Kind:           s.Kind,
		Tool:           s.Tool,
		UsingTmux:      s.UsingTmux,
		WorktreePath:   s.WorktreePath,
		Idle:           s.idle,
		Ready:          s.ready,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
	}
	if s.TmuxSessionName != "" {
		name := s.TmuxSessionName
		snap.TmuxSessionName = &name
	}
	return snap
}

// Summaries derives the roster: one entry per key holding at least one live
// session, keys sorted for stable output.
func (e *Engine) Summaries() []WorktreeSummary {
	keys := e.reg.Keys()
	out := make([]WorktreeSummary, 0, len(keys))
	for _, key := range keys {
		sessions := e.reg.ByKey(key)
		if len(sessions) == 0 {
			continue
		}
		entry := WorktreeSummary{
			Org:    sessions[0].Org,
			Repo:   sessions[0].Repo,
			Branch: sessions[0].Branch,
			Idle:   true,
		}
		for _, s := range sessions {
			snap := s.Snapshot()
			entry.Sessions = append(entry.Sessions, snap)
			entry.Idle = entry.Idle && snap.Idle
			if snap.LastActivityAt.After(entry.LastActivityAt) {
				entry.LastActivityAt = snap.LastActivityAt
			}
		}
		sort.Slice(entry.Sessions, func(i, j int) bool {
			return entry.Sessions[i].CreatedAt.Before(entry.Sessions[j].CreatedAt)
		})
		out = append(out, entry)
	}
	return out
}
