package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vultuk/agentrix/internal/session"
)

func testRoster(branch string) []session.WorktreeSummary {
	name := "tw-acme--api--" + branch
	return []session.WorktreeSummary{
		{
			Org: "acme", Repo: "api", Branch: branch,
			LastActivityAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Sessions: []session.Snapshot{
				{
					ID: "s1", Org: "acme", Repo: "api", Branch: branch,
					Label: "Terminal 1", Kind: session.KindInteractive,
					Tool: session.ToolTerminal, UsingTmux: true,
					TmuxSessionName: &name,
					CreatedAt:       time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
					LastActivityAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
				},
			},
		},
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := NewStore(path)

	roster := testRoster("main")
	store.Persist(roster)
	store.Close()

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d worktrees, want 1", len(loaded))
	}
	got := loaded[0]
	want := roster[0]
	if got.Org != want.Org || got.Repo != want.Repo || got.Branch != want.Branch {
		t.Errorf("identity = %s/%s@%s", got.Org, got.Repo, got.Branch)
	}
	if len(got.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(got.Sessions))
	}
	snap := got.Sessions[0]
	if snap.TmuxSessionName == nil || *snap.TmuxSessionName != "tw-acme--api--main" {
		t.Errorf("tmuxSessionName = %v", snap.TmuxSessionName)
	}
	if !snap.CreatedAt.Equal(want.Sessions[0].CreatedAt) {
		t.Errorf("createdAt = %v, want %v", snap.CreatedAt, want.Sessions[0].CreatedAt)
	}
}

func TestFileCarriesNestedOrgsView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := NewStore(path)
	store.Persist(testRoster("main"))
	store.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc fileSchema
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Version != 1 {
		t.Errorf("version = %d", doc.Version)
	}
	if doc.GeneratedAt.IsZero() {
		t.Error("generatedAt unset")
	}
	entry, ok := doc.Orgs["acme"]["api"].Worktrees["main"]
	if !ok {
		t.Fatalf("orgs view missing acme/api/main: %+v", doc.Orgs)
	}
	if entry.Branch != "main" || len(entry.Sessions) != 1 {
		t.Errorf("branch entry = %+v", entry)
	}
}

func TestLoadMissingFile(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Errorf("loaded = %v, want nil", loaded)
	}
}

func TestLoadCorruptAndWrongVersion(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(corrupt); err == nil {
		t.Error("corrupt file loaded without error")
	}

	// Unknown versions are ignored rather than fatal.
	wrongVersion := filepath.Join(dir, "v9.json")
	if err := os.WriteFile(wrongVersion, []byte(`{"version":9,"summaries":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(wrongVersion)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Errorf("loaded = %v, want nil", loaded)
	}
}

func TestLoadSanitisesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	doc := `{
  "version": 1,
  "generatedAt": "2026-03-01T12:00:00Z",
  "orgs": {},
  "summaries": [
    {"org":"","repo":"api","branch":"main","sessions":[]},
    {"org":"acme","repo":"api","branch":"main","sessions":[
      {"id":"ok","org":"acme","repo":"api","branch":"main","label":"","kind":"weird","tool":"weird","usingTmux":true,"tmuxSessionName":""},
      {"id":"","org":"acme","repo":"api","branch":"main","usingTmux":false,"tmuxSessionName":null}
    ]}
  ]
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d worktrees, want 1", len(loaded))
	}
	sessions := loaded[0].Sessions
	if len(sessions) != 1 || sessions[0].ID != "ok" {
		t.Fatalf("sessions = %+v", sessions)
	}
	snap := sessions[0]
	if snap.Label != "Terminal" {
		t.Errorf("label = %q, want fallback Terminal", snap.Label)
	}
	if snap.Kind != session.KindInteractive || snap.Tool != session.ToolTerminal {
		t.Errorf("kind/tool = %s/%s, want coerced defaults", snap.Kind, snap.Tool)
	}
	if snap.TmuxSessionName != nil {
		t.Errorf("empty tmuxSessionName not nulled: %v", *snap.TmuxSessionName)
	}
}

func waitForWriteAck(t *testing.T, store *Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		acked := store.last != nil
		store.mu.Unlock()
		if acked {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("write never acknowledged")
}

func TestPersistElidesDuplicatePayloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := NewStore(path)
	defer store.Close()

	store.Persist(testRoster("main"))
	waitForWriteAck(t, store)

	// Same payload again: pending must stay empty.
	store.Persist(testRoster("main"))
	store.mu.Lock()
	pending := store.pending
	store.mu.Unlock()
	if pending != nil {
		t.Error("duplicate payload was queued")
	}

	store.Persist(testRoster("dev"))
	store.mu.Lock()
	queued := store.pending
	store.mu.Unlock()
	if queued == nil {
		t.Error("changed payload was not queued")
	}
}

func TestFailedWriteKeepsRosterRepersistable(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "state")
	// A regular file where the roster directory should be makes every write
	// attempt fail.
	if err := os.WriteFile(blocked, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(blocked, "sessions.json")
	store := NewStore(path)
	defer store.Close()

	store.Persist(testRoster("main"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		attempted := store.pending == nil
		store.mu.Unlock()
		if attempted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	store.mu.Lock()
	acked := store.last
	store.mu.Unlock()
	if acked != nil {
		t.Fatal("failed write recorded as persisted")
	}

	// Once the obstruction is gone, re-persisting the identical roster must
	// not be elided against the failed attempt.
	if err := os.Remove(blocked); err != nil {
		t.Fatal(err)
	}
	store.Persist(testRoster("main"))
	waitForFile(t, path)

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Branch != "main" {
		t.Errorf("loaded = %+v, want the retried roster", loaded)
	}
}

func TestCloseFlushesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := NewStore(path)
	store.Persist(testRoster("main"))
	store.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("roster file missing after Close: %v", err)
	}
	// Persist after Close is a no-op.
	store.Persist(testRoster("dev"))
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded[0].Branch != "main" {
		t.Errorf("branch = %q, want main", loaded[0].Branch)
	}
}
