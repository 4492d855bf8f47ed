// Package codex drives Codex agent conversations per worktree: each session
// owns an upstream thread, an ordered transcript of typed events, and a
// subscriber set, with turns serialised per session and the transcript
// persisted after every event.
package codex

import "time"

// EventType classifies transcript events.
type EventType string

const (
	EventUserMessage   EventType = "user_message"
	EventThinking      EventType = "thinking"
	EventAgentResponse EventType = "agent_response"
	EventUsage         EventType = "usage"
	EventError         EventType = "error"
	EventLog           EventType = "log"
)

// Usage carries the token accounting reported at the end of a turn.
type Usage struct {
	InputTokens       int `json:"inputTokens"`
	CachedInputTokens int `json:"cachedInputTokens"`
	OutputTokens      int `json:"outputTokens"`
}

// Event is one entry in a session transcript.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Text      string    `json:"text,omitempty"`
	Status    string    `json:"status,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Info is the immutable session summary returned by listings.
type Info struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	Org        string    `json:"org"`
	Repo       string    `json:"repo"`
	Branch     string    `json:"branch"`
	Worktree   string    `json:"worktree"`
	ThreadID   string    `json:"threadId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	EventCount int       `json:"eventCount"`
}
