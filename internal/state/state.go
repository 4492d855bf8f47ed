// Package state persists the session roster across server restarts. Writes
// are funnelled through a single writer goroutine and land atomically via a
// temp file rename, so the file is always a complete JSON document.
package state

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vultuk/agentrix/internal/session"
	"github.com/vultuk/agentrix/internal/workerutil"
)

const fileVersion = 1

// branchEntry mirrors one worktree in the nested orgs view of the file.
type branchEntry struct {
	Branch         string             `json:"branch"`
	Idle           bool               `json:"idle"`
	LastActivityAt time.Time          `json:"lastActivityAt"`
	Sessions       []session.Snapshot `json:"sessions"`
}

type repoEntry struct {
	Worktrees map[string]branchEntry `json:"worktrees"`
}

// fileSchema is the on-disk shape. The summaries array is authoritative for
// loading; the nested orgs view exists for human inspection and external
// readers.
type fileSchema struct {
	Version     int                             `json:"version"`
	GeneratedAt time.Time                       `json:"generatedAt"`
	Orgs        map[string]map[string]repoEntry `json:"orgs"`
	Summaries   []session.WorktreeSummary       `json:"summaries"`
}

// DefaultPath returns ~/.agentrix/sessions.json, falling back to a relative
// path when the home directory cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".agentrix", "sessions.json")
	}
	return filepath.Join(home, ".agentrix", "sessions.json")
}

// Store owns one roster file. It satisfies session.Persister.
type Store struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	pending []byte // marshalled summaries awaiting write, nil when none
	last    []byte // last successfully written payload
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewStore creates a Store for path and starts its writer. An empty path
// takes DefaultPath.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	s := &Store{
		path: path,
		now:  time.Now,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go workerutil.WithRecovery("state writer", s.writeLoop)
	return s
}

// Path returns the roster file location.
func (s *Store) Path() string {
	return s.path
}

// Persist queues the roster for writing. Payloads identical to the last
// successfully written one are elided (a failed write therefore never
// suppresses a retry); a payload queued behind an unwritten one replaces it.
func (s *Store) Persist(summaries []session.WorktreeSummary) {
	if summaries == nil {
		summaries = []session.WorktreeSummary{}
	}
	payload, err := json.Marshal(summaries)
	if err != nil {
		slog.Warn("[state] roster marshal failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if bytes.Equal(payload, s.last) {
		// Already on disk; anything still queued is superseded by this one.
		s.pending = nil
		s.mu.Unlock()
		return
	}
	s.pending = payload
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close flushes any pending write and stops the writer.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for {
		<-s.wake

		for {
			s.mu.Lock()
			payload := s.pending
			s.pending = nil
			closed := s.closed
			s.mu.Unlock()

			if payload == nil {
				if closed {
					return
				}
				break
			}
			if err := s.writeFile(payload); err != nil {
				slog.Warn("[state] roster write failed", "path", s.path, "error", err)
				continue
			}
			s.mu.Lock()
			s.last = payload
			s.mu.Unlock()
		}
	}
}

// writeFile lands the document atomically: temp file with a random suffix in
// the target directory, then rename. A failed rename removes the temp.
func (s *Store) writeFile(payload []byte) error {
	var summaries []session.WorktreeSummary
	if err := json.Unmarshal(payload, &summaries); err != nil {
		return err
	}

	doc := fileSchema{
		Version:     fileVersion,
		GeneratedAt: s.now(),
		Orgs:        nestSummaries(summaries),
		Summaries:   summaries,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// nestSummaries projects the flat roster into the org → repo → branch view.
func nestSummaries(summaries []session.WorktreeSummary) map[string]map[string]repoEntry {
	orgs := make(map[string]map[string]repoEntry)
	for _, wt := range summaries {
		repos := orgs[wt.Org]
		if repos == nil {
			repos = make(map[string]repoEntry)
			orgs[wt.Org] = repos
		}
		entry, ok := repos[wt.Repo]
		if !ok {
			entry = repoEntry{Worktrees: make(map[string]branchEntry)}
		}
		entry.Worktrees[wt.Branch] = branchEntry{
			Branch:         wt.Branch,
			Idle:           wt.Idle,
			LastActivityAt: wt.LastActivityAt,
			Sessions:       wt.Sessions,
		}
		repos[wt.Repo] = entry
	}
	return orgs
}

// Load reads the persisted roster, dropping anything that does not
// re-validate. Missing file and unknown versions both yield an empty roster;
// only unreadable or unparseable files are errors.
func Load(path string) ([]session.WorktreeSummary, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc fileSchema
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version != fileVersion {
		slog.Warn("[state] unsupported roster version, ignoring", "path", path, "version", doc.Version)
		return nil, nil
	}
	return sanitize(doc.Summaries), nil
}

var (
	knownKinds = map[session.Kind]bool{session.KindInteractive: true, session.KindAutomation: true}
	knownTools = map[session.Tool]bool{session.ToolTerminal: true, session.ToolAgent: true}
)

// sanitize re-validates every loaded entry. Partial damage must not poison
// rehydration.
func sanitize(summaries []session.WorktreeSummary) []session.WorktreeSummary {
	out := summaries[:0]
	for _, wt := range summaries {
		if wt.Org == "" || wt.Repo == "" || wt.Branch == "" {
			continue
		}
		sessions := wt.Sessions[:0]
		for _, snap := range wt.Sessions {
			if snap.ID == "" || snap.Org == "" || snap.Repo == "" || snap.Branch == "" {
				continue
			}
			if snap.Label == "" {
				snap.Label = "Terminal"
			}
			if !knownKinds[snap.Kind] {
				snap.Kind = session.KindInteractive
			}
			if !knownTools[snap.Tool] {
				snap.Tool = session.ToolTerminal
			}
			if snap.TmuxSessionName != nil && *snap.TmuxSessionName == "" {
				snap.TmuxSessionName = nil
			}
			sessions = append(sessions, snap)
		}
		wt.Sessions = sessions
		out = append(out, wt)
	}
	return out
}
