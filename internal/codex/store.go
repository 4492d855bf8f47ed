package codex

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	storeVersion  = 1
	storeDirParts = ".terminal-worktree/codex-sessions"
)

// storedSession is the on-disk form of one session transcript.
type storedSession struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Org       string    `json:"org"`
	Repo      string    `json:"repo"`
	Branch    string    `json:"branch"`
	Worktree  string    `json:"worktree"`
	ThreadID  string    `json:"threadId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Events    []Event   `json:"events"`
}

// Store persists session transcripts under a per-worktree directory, one
// JSON file per session, written atomically.
type Store struct{}

// NewStore creates a Store.
func NewStore() *Store { return &Store{} }

func (st *Store) dir(worktree string) string {
	return filepath.Join(worktree, filepath.FromSlash(storeDirParts))
}

func (st *Store) path(worktree, id string) string {
	return filepath.Join(st.dir(worktree), id+".json")
}

// List loads every readable session file under the worktree's store
// directory. Undecodable files are skipped with a warning.
func (st *Store) List(worktree string) ([]storedSession, error) {
	entries, err := os.ReadDir(st.dir(worktree))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list codex sessions: %w", err)
	}

	var out []storedSession
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(st.dir(worktree), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("[codex] unreadable session file", "path", path, "error", err)
			continue
		}
		var s storedSession
		if err := json.Unmarshal(data, &s); err != nil || s.ID == "" {
			slog.Warn("[codex] skipping corrupt session file", "path", path)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Write persists one session atomically via temp file and rename.
func (st *Store) Write(worktree string, s storedSession) error {
	s.Version = storeVersion
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode codex session: %w", err)
	}

	dir := st.dir(worktree)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create codex session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("create codex session temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write codex session: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod codex session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close codex session temp: %w", err)
	}
	if err := os.Rename(tmpName, st.path(worktree, s.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename codex session: %w", err)
	}
	return nil
}

// Delete removes one session file. Missing files are not an error.
func (st *Store) Delete(worktree, id string) error {
	err := os.Remove(st.path(worktree, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete codex session: %w", err)
	}
	return nil
}
