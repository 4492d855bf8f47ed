package codex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EnvVerbose enables command-execution logging in transcripts when truthy.
const EnvVerbose = "CODEX_SDK_VERBOSE"

// DefaultLabel is assigned to sessions created without one.
const DefaultLabel = "Codex Session"

var (
	ErrSessionNotFound = errors.New("codex session not found")
	ErrEmptyMessage    = errors.New("message must not be empty")
	ErrBadTriple       = errors.New("org, repo and branch are required")
)

// WorktreeResolver maps a repository triple to its worktree path.
type WorktreeResolver func(org, repo, branch string) (string, error)

// Config wires a Manager. Zero fields take defaults; Resolve is required.
type Config struct {
	Resolve WorktreeResolver
	Command string // agent CLI binary, default "codex"
	Model   string
	Store   *Store

	// NewThread overrides the exec-based transport, for tests.
	NewThread func(threadID, worktree string) Thread
	Now       func() time.Time
	NewID     func() string
	// Verbose overrides the CODEX_SDK_VERBOSE environment flag.
	Verbose *bool
}

type session struct {
	id        string
	label     string
	org       string
	repo      string
	branch    string
	worktree  string
	createdAt time.Time

	mu       sync.Mutex
	threadID string
	thread   Thread
	history  []Event
	subs     map[int]func(Event)
	nextSub  int
	outputs  map[string]string
	turnTail chan struct{}

	persistMu sync.Mutex
}

// Manager owns the process-wide codex session map, keyed by repository
// triple, with per-session turn serialisation and chained persistence.
type Manager struct {
	resolve   WorktreeResolver
	store     *Store
	newThread func(threadID, worktree string) Thread
	now       func() time.Time
	newID     func() string
	verbose   bool

	mu       sync.Mutex
	byID     map[string]*session
	byKey    map[string][]*session
	hydrated map[string]bool
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		resolve:   cfg.Resolve,
		store:     cfg.Store,
		newThread: cfg.NewThread,
		now:       cfg.Now,
		newID:     cfg.NewID,
		byID:      make(map[string]*session),
		byKey:     make(map[string][]*session),
		hydrated:  make(map[string]bool),
	}
	command := cfg.Command
	if command == "" {
		command = "codex"
	}
	if m.store == nil {
		m.store = NewStore()
	}
	if m.newThread == nil {
		model := cfg.Model
		m.newThread = func(threadID, worktree string) Thread {
			return &execThread{command: command, model: model, worktree: worktree, threadID: threadID}
		}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if cfg.Verbose != nil {
		m.verbose = *cfg.Verbose
	} else {
		m.verbose = truthy(os.Getenv(EnvVerbose))
	}
	return m
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func tripleKey(org, repo, branch string) string {
	return org + "::" + repo + "::" + branch
}

// CreateSession starts a new session for the triple and persists its empty
// transcript before returning.
func (m *Manager) CreateSession(org, repo, branch, label string) (Info, error) {
	org, repo, branch = strings.TrimSpace(org), strings.TrimSpace(repo), strings.TrimSpace(branch)
	if org == "" || repo == "" || branch == "" {
		return Info{}, ErrBadTriple
	}
	worktree, err := m.resolve(org, repo, branch)
	if err != nil {
		return Info{}, fmt.Errorf("resolve worktree: %w", err)
	}
	if err := m.hydrate(org, repo, branch, worktree); err != nil {
		slog.Warn("[codex] hydration failed", "org", org, "repo", repo, "branch", branch, "error", err)
	}

	if strings.TrimSpace(label) == "" {
		label = DefaultLabel
	}
	s := &session{
		id:        m.newID(),
		label:     label,
		org:       org,
		repo:      repo,
		branch:    branch,
		worktree:  worktree,
		createdAt: m.now(),
		subs:      make(map[int]func(Event)),
		outputs:   make(map[string]string),
	}
	if err := m.persist(s); err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	m.byID[s.id] = s
	key := tripleKey(org, repo, branch)
	m.byKey[key] = append(m.byKey[key], s)
	m.mu.Unlock()
	return m.info(s), nil
}

// ListSessions returns the triple's sessions sorted by creation time,
// hydrating the worktree's stored transcripts on first touch.
func (m *Manager) ListSessions(org, repo, branch string) ([]Info, error) {
	org, repo, branch = strings.TrimSpace(org), strings.TrimSpace(repo), strings.TrimSpace(branch)
	if org == "" || repo == "" || branch == "" {
		return nil, ErrBadTriple
	}
	worktree, err := m.resolve(org, repo, branch)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree: %w", err)
	}
	if err := m.hydrate(org, repo, branch, worktree); err != nil {
		return nil, err
	}

	m.mu.Lock()
	sessions := append([]*session(nil), m.byKey[tripleKey(org, repo, branch)]...)
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, m.info(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// hydrate loads stored transcripts for the worktree at most once per triple.
func (m *Manager) hydrate(org, repo, branch, worktree string) error {
	key := tripleKey(org, repo, branch)
	m.mu.Lock()
	if m.hydrated[key] {
		m.mu.Unlock()
		return nil
	}
	m.hydrated[key] = true
	m.mu.Unlock()

	stored, err := m.store.List(worktree)
	if err != nil {
		return err
	}
	for _, st := range stored {
		s := &session{
			id:        st.ID,
			label:     st.Label,
			org:       org,
			repo:      repo,
			branch:    branch,
			worktree:  worktree,
			createdAt: st.CreatedAt,
			threadID:  st.ThreadID,
			history:   append([]Event(nil), st.Events...),
			subs:      make(map[int]func(Event)),
			outputs:   make(map[string]string),
		}
		if s.label == "" {
			s.label = DefaultLabel
		}
		m.mu.Lock()
		if _, exists := m.byID[s.id]; !exists {
			m.byID[s.id] = s
			m.byKey[key] = append(m.byKey[key], s)
		}
		m.mu.Unlock()
	}
	return nil
}

// SendUserMessage appends the user message to the transcript and chains a
// turn against the upstream thread. The turn itself runs asynchronously;
// turns for one session execute strictly in send order.
func (m *Manager) SendUserMessage(ctx context.Context, sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	m.appendEvent(s, Event{Type: EventUserMessage, Text: text})
	m.chainTurn(s, func() { m.runTurn(ctx, s, text) })
	return nil
}

// chainTurn appends fn to the session's pending-turn chain.
func (m *Manager) chainTurn(s *session, fn func()) {
	s.mu.Lock()
	prev := s.turnTail
	done := make(chan struct{})
	s.turnTail = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		defer func() {
			if r := recover(); r != nil {
				m.appendEvent(s, Event{Type: EventError, Text: fmt.Sprintf("turn panicked: %v", r)})
			}
		}()
		fn()
	}()
}

func (m *Manager) runTurn(ctx context.Context, s *session, text string) {
	s.mu.Lock()
	if s.thread == nil {
		s.thread = m.newThread(s.threadID, s.worktree)
	}
	thread := s.thread
	s.mu.Unlock()

	err := thread.Run(ctx, text, func(ev ThreadEvent) { m.handleThreadEvent(s, ev) })
	if err != nil {
		m.appendEvent(s, Event{Type: EventError, Text: err.Error()})
	}
}

func (m *Manager) handleThreadEvent(s *session, ev ThreadEvent) {
	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			s.mu.Lock()
			s.threadID = ev.ThreadID
			s.mu.Unlock()
			if err := m.persist(s); err != nil {
				slog.Warn("[codex] persist after thread start failed", "session", s.id, "error", err)
			}
		}
	case "item.started", "item.updated", "item.completed":
		if ev.Item == nil {
			return
		}
		status := strings.TrimPrefix(ev.Type, "item.")
		switch ev.Item.Type {
		case "reasoning":
			m.appendEvent(s, Event{Type: EventThinking, Text: ev.Item.Text, Status: status})
		case "agent_message":
			if ev.Type == "item.completed" {
				m.appendEvent(s, Event{Type: EventAgentResponse, Text: ev.Item.Text})
			}
		case "command_execution":
			if m.verbose {
				m.handleCommandItem(s, ev.Type, ev.Item)
			}
		}
	case "turn.completed":
		m.appendEvent(s, Event{Type: EventUsage, Usage: ev.Usage})
	case "turn.failed":
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		m.appendEvent(s, Event{Type: EventError, Text: msg})
	case "error":
		m.appendEvent(s, Event{Type: EventError, Text: ev.Message})
	}
}

// handleCommandItem streams command output deltas into log events using the
// per-item aggregated-output accumulator.
func (m *Manager) handleCommandItem(s *session, evType string, item *ThreadItem) {
	s.mu.Lock()
	prev, tracked := s.outputs[item.ID]
	delta := ""
	if strings.HasPrefix(item.AggregatedOutput, prev) {
		delta = item.AggregatedOutput[len(prev):]
	} else {
		delta = item.AggregatedOutput
	}
	if evType == "item.completed" {
		delete(s.outputs, item.ID)
	} else {
		s.outputs[item.ID] = item.AggregatedOutput
	}
	s.mu.Unlock()

	if evType == "item.started" && !tracked && item.Command != "" {
		m.appendEvent(s, Event{Type: EventLog, Text: "$ " + item.Command})
	}
	if delta != "" {
		m.appendEvent(s, Event{Type: EventLog, Text: delta})
	}
	if evType == "item.completed" {
		disposition := "command finished"
		if item.ExitCode != nil {
			disposition = fmt.Sprintf("command exited with code %d", *item.ExitCode)
		}
		m.appendEvent(s, Event{Type: EventLog, Text: disposition, Status: item.Status})
	}
}

// appendEvent stamps, appends, fans out and persists one transcript event.
func (m *Manager) appendEvent(s *session, ev Event) {
	ev.ID = m.newID()
	ev.Timestamp = m.now()

	s.mu.Lock()
	s.history = append(s.history, ev)
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	if err := m.persist(s); err != nil {
		slog.Warn("[codex] transcript persist failed", "session", s.id, "error", err)
	}
}

// persist writes the session transcript; writes for one session are chained
// so a later snapshot can never be overwritten by an earlier one.
func (m *Manager) persist(s *session) error {
	s.mu.Lock()
	snapshot := storedSession{
		ID:        s.id,
		Label:     s.label,
		Org:       s.org,
		Repo:      s.repo,
		Branch:    s.branch,
		Worktree:  s.worktree,
		ThreadID:  s.threadID,
		CreatedAt: s.createdAt,
		Events:    append([]Event(nil), s.history...),
	}
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return m.store.Write(s.worktree, snapshot)
}

// Subscribe registers fn for every future event on the session and returns
// an unsubscribe function.
func (m *Manager) Subscribe(sessionID string, fn func(Event)) (func(), error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

// History returns a copy of the session transcript.
func (m *Manager) History(sessionID string) ([]Event, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.history...), nil
}

// DeleteSession removes the session from memory and disk.
func (m *Manager) DeleteSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.byID, sessionID)
	key := tripleKey(s.org, s.repo, s.branch)
	bucket := m.byKey[key]
	for i, candidate := range bucket {
		if candidate.id == sessionID {
			m.byKey[key] = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	if len(m.byKey[key]) == 0 {
		delete(m.byKey, key)
	}
	m.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return m.store.Delete(s.worktree, sessionID)
}

// WaitIdle blocks until the session's pending turns have drained.
func (m *Manager) WaitIdle(ctx context.Context, sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	tail := s.turnTail
	s.mu.Unlock()
	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) info(s *session) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.id,
		Label:      s.label,
		Org:        s.org,
		Repo:       s.repo,
		Branch:     s.branch,
		Worktree:   s.worktree,
		ThreadID:   s.threadID,
		CreatedAt:  s.createdAt,
		EventCount: len(s.history),
	}
}
