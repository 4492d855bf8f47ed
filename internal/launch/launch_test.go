package launch

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/vultuk/agentrix/internal/session"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
		{"''", `''\'''\'''`},
		{"", "''"},
		{`$HOME "x"`, `'$HOME "x"'`},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeInput(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ls", "ls\r"},
		{"ls\n", "ls\r"},
		{"ls\r\n", "ls\r"},
		{"a\nb", "a\rb\r"},
		{"a\r\nb\n", "a\rb\r"},
		{"done\r", "done\r"},
	}
	for _, tt := range tests {
		if got := NormalizeInput(tt.in); got != tt.want {
			t.Errorf("NormalizeInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeEngine struct {
	session *session.Session
	err     error
	inputs  []string
}

func (f *fakeEngine) CreateIsolatedSession(org, repo, branch string, opts session.Options) (*session.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	if opts.Kind != session.KindAutomation || opts.Tool != session.ToolAgent {
		return nil, errors.New("wrong session options")
	}
	return f.session, nil
}

func (f *fakeEngine) EnqueueInput(id string, data []byte) error {
	f.inputs = append(f.inputs, string(data))
	return nil
}

type fakeTmuxEnv struct {
	sets   [][3]string
	unsets [][2]string
	fail   bool
}

func (f *fakeTmuxEnv) SetEnvironment(name, key, value string) error {
	if f.fail {
		return errors.New("tmux refused")
	}
	f.sets = append(f.sets, [3]string{name, key, value})
	return nil
}

func (f *fakeTmuxEnv) UnsetEnvironment(name, key string) error {
	if f.fail {
		return errors.New("tmux refused")
	}
	f.unsets = append(f.unsets, [2]string{name, key})
	return nil
}

func tmuxSession() *session.Session {
	return &session.Session{
		ID: "sess-1", Org: "acme", Repo: "demo", Branch: "feature",
		UsingTmux: true, TmuxSessionName: "tw-acme--demo--feature",
	}
}

func TestLaunchValidates(t *testing.T) {
	l := NewLauncher(&fakeEngine{}, nil, 0)
	bad := []Request{
		{Command: " ", Workdir: "/w", Org: "o", Repo: "r", Branch: "b"},
		{Command: "agent", Workdir: "", Org: "o", Repo: "r", Branch: "b"},
		{Command: "agent", Workdir: "/w", Org: "", Repo: "r", Branch: "b"},
		{Command: "agent", Workdir: "/w", Org: "o", Repo: "", Branch: "b"},
		{Command: "agent", Workdir: "/w", Org: "o", Repo: "r", Branch: ""},
	}
	for _, req := range bad {
		if _, err := l.Launch(req); err == nil {
			t.Errorf("Launch(%+v) accepted", req)
		}
	}
}

func TestLaunchTmuxPromptInjection(t *testing.T) {
	engine := &fakeEngine{session: tmuxSession()}
	tmux := &fakeTmuxEnv{}
	l := NewLauncher(engine, tmux, 0)

	result, err := l.Launch(Request{
		Command: "agent --run", Workdir: "/w",
		Org: "acme", Repo: "demo", Branch: "feature",
		Prompt: "Generate diff",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(tmux.sets) != 1 {
		t.Fatalf("tmux sets = %v", tmux.sets)
	}
	set := tmux.sets[0]
	if set[0] != "tw-acme--demo--feature" || set[1] != "AGENTRIX_PROMPT" || set[2] != "Generate diff" {
		t.Errorf("set-environment args = %v", set)
	}

	if len(engine.inputs) != 1 || engine.inputs[0] != "agent --run 'Generate diff'\r" {
		t.Errorf("inputs = %q", engine.inputs)
	}
	if result.Command != "agent --run 'Generate diff'" {
		t.Errorf("result command = %q", result.Command)
	}
	if !result.UsingTmux || result.TmuxSessionName == nil || *result.TmuxSessionName != "tw-acme--demo--feature" {
		t.Errorf("result = %+v", result)
	}
	if !result.CreatedSession || result.SessionID != "sess-1" {
		t.Errorf("result = %+v", result)
	}
}

func TestLaunchTmuxFailureFallsBackToExport(t *testing.T) {
	engine := &fakeEngine{session: tmuxSession()}
	l := NewLauncher(engine, &fakeTmuxEnv{fail: true}, 0)

	if _, err := l.Launch(Request{
		Command: "agent --run", Workdir: "/w",
		Org: "acme", Repo: "demo", Branch: "feature",
		Prompt: "Generate diff",
	}); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"export AGENTRIX_PROMPT='Generate diff'\r",
		"agent --run 'Generate diff'\r",
	}
	if len(engine.inputs) != 2 || engine.inputs[0] != want[0] || engine.inputs[1] != want[1] {
		t.Errorf("inputs = %q, want %q", engine.inputs, want)
	}
}

func TestLaunchPtySessionExportsAndEmptyPromptUnsets(t *testing.T) {
	pty := &session.Session{ID: "sess-2", Org: "o", Repo: "r", Branch: "b"}
	engine := &fakeEngine{session: pty}
	l := NewLauncher(engine, &fakeTmuxEnv{}, 0)

	if _, err := l.Launch(Request{
		Command: "agent", Workdir: "/w", Org: "o", Repo: "r", Branch: "b",
		Prompt: "hi",
	}); err != nil {
		t.Fatal(err)
	}
	if engine.inputs[0] != "export AGENTRIX_PROMPT='hi'\r" {
		t.Errorf("first input = %q", engine.inputs[0])
	}

	engine.inputs = nil
	if _, err := l.Launch(Request{
		Command: "agent", Workdir: "/w", Org: "o", Repo: "r", Branch: "b",
	}); err != nil {
		t.Fatal(err)
	}
	want := []string{"unset AGENTRIX_PROMPT\r", "agent\r"}
	if len(engine.inputs) != 2 || engine.inputs[0] != want[0] || engine.inputs[1] != want[1] {
		t.Errorf("inputs = %q, want %q", engine.inputs, want)
	}
}

func TestLaunchEmptyPromptTmuxUnsets(t *testing.T) {
	engine := &fakeEngine{session: tmuxSession()}
	tmux := &fakeTmuxEnv{}
	l := NewLauncher(engine, tmux, 0)

	if _, err := l.Launch(Request{
		Command: "agent --run", Workdir: "/w",
		Org: "acme", Repo: "demo", Branch: "feature",
	}); err != nil {
		t.Fatal(err)
	}
	if len(tmux.unsets) != 1 || tmux.unsets[0][1] != "AGENTRIX_PROMPT" {
		t.Errorf("unsets = %v", tmux.unsets)
	}
	if len(engine.inputs) != 1 || engine.inputs[0] != "agent --run\r" {
		t.Errorf("inputs = %q", engine.inputs)
	}
}

func TestLaunchWritesPlan(t *testing.T) {
	worktree := t.TempDir()
	s := tmuxSession()
	s.WorktreePath = worktree
	engine := &fakeEngine{session: s}
	l := NewLauncher(engine, &fakeTmuxEnv{}, 0)

	if _, err := l.Launch(Request{
		Command: "agent", Workdir: "/w",
		Org: "acme", Repo: "demo", Branch: "feature",
		Prompt: "the plan",
	}); err != nil {
		t.Fatal(err)
	}

	plans, err := filepath.Glob(filepath.Join(worktree, ".plans", "*-feature.md"))
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 1 {
		t.Fatalf("plan files = %v", plans)
	}
}
