package session

import (
	"encoding/json"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vultuk/agentrix/internal/terminal"
)

func TestCreateValidatesTriple(t *testing.T) {
	e, _ := newTestEngine(t, ModePTY, nil)
	for _, triple := range [][3]string{
		{"", "repo", "main"},
		{"org", "  ", "main"},
		{"org", "repo", ""},
	} {
		_, _, err := e.GetOrCreate(triple[0], triple[1], triple[2], Options{})
		if !errors.Is(err, ErrBadTriple) {
			t.Errorf("GetOrCreate(%q) err = %v, want ErrBadTriple", triple, err)
		}
	}
}

func TestFirstOutputFlushesQueueAndOrdersReadyFrame(t *testing.T) {
	e, factory := newTestEngine(t, ModePTY, nil)
	s, created, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new session")
	}

	conn := &fakeConn{}
	if _, err := e.Attach(s.ID, conn); err != nil {
		t.Fatal(err)
	}

	// Queued while not yet ready; must not reach the pty.
	if err := e.EnqueueInput(s.ID, []byte("ls\r")); err != nil {
		t.Fatal(err)
	}
	if err := e.EnqueueInput(s.ID, []byte("pwd\r")); err != nil {
		t.Fatal(err)
	}
	pty := factory.last(t)
	if got := pty.written(); len(got) != 0 {
		t.Fatalf("input written before readiness: %q", got)
	}

	pty.emit("$ ")
	waitFor(t, time.Second, s.Ready, "session never became ready")
	waitFor(t, time.Second, func() bool {
		_, binary, _ := conn.frames()
		return len(binary) > 0
	}, "watcher never saw output")

	if got := pty.written(); len(got) != 2 || got[0] != "ls\r" || got[1] != "pwd\r" {
		t.Fatalf("queued input = %q, want [ls\\r pwd\\r] in order", got)
	}

	texts, binary, order := conn.frames()
	if len(order) < 2 || order[0] != "text" {
		t.Fatalf("frame order = %v, want ready frame first", order)
	}
	var ready ReadyFrame
	if err := json.Unmarshal([]byte(texts[0]), &ready); err != nil {
		t.Fatal(err)
	}
	if ready.Type != "ready" || ready.Cols != 120 || ready.Rows != 36 {
		t.Errorf("ready frame = %+v", ready)
	}
	if ready.Log != "" {
		t.Errorf("ready log = %q, want empty before triggering chunk", ready.Log)
	}
	if binary[0] != "$ " {
		t.Errorf("first binary chunk = %q, want %q", binary[0], "$ ")
	}
}

func TestReadyFlushAttemptsEveryQueuedInput(t *testing.T) {
	e, factory := newTestEngine(t, ModePTY, nil)
	flaky := newFakePty()
	flaky.failWrites = 1
	factory.next = flaky

	s, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.EnqueueInput(s.ID, []byte("first\r")); err != nil {
		t.Fatal(err)
	}
	if err := e.EnqueueInput(s.ID, []byte("second\r")); err != nil {
		t.Fatal(err)
	}

	// The first queued write fails; the rest of the queue must still flush.
	waitFor(t, time.Second, s.Ready, "session never became ready")
	if got := flaky.written(); len(got) != 1 || got[0] != "second\r" {
		t.Fatalf("written = %q, want the input queued after the failure", got)
	}
}

func TestReadyTimerFiresWithoutOutput(t *testing.T) {
	e, _ := newTestEngine(t, ModePTY, nil)
	s, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, s.Ready, "ready timer never fired")
}

func TestAttachAfterReadyReplaysLog(t *testing.T) {
	e, factory := newTestEngine(t, ModePTY, nil)
	s, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	pty := factory.last(t)
	pty.emit("hello ")
	pty.emit("world")
	waitFor(t, time.Second, func() bool {
		return strings.Contains(string(s.Log()), "world")
	}, "log never accumulated")

	conn := &fakeConn{}
	if _, err := e.Attach(s.ID, conn); err != nil {
		t.Fatal(err)
	}
	texts, _, _ := conn.frames()
	if len(texts) != 1 {
		t.Fatalf("got %d text frames on attach, want 1", len(texts))
	}
	var ready ReadyFrame
	if err := json.Unmarshal([]byte(texts[0]), &ready); err != nil {
		t.Fatal(err)
	}
	if ready.Log != "hello world" {
		t.Errorf("replayed log = %q, want %q", ready.Log, "hello world")
	}
}

func TestInputWritesThroughWhenReady(t *testing.T) {
	e, factory := newTestEngine(t, ModePTY, nil)
	s, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, s.Ready, "never ready")

	if err := e.EnqueueInput(s.ID, []byte("echo hi\r")); err != nil {
		t.Fatal(err)
	}
	pty := factory.last(t)
	if got := pty.written(); len(got) != 1 || got[0] != "echo hi\r" {
		t.Fatalf("written = %q", got)
	}
}

func TestInputToUnknownSession(t *testing.T) {
	e, _ := newTestEngine(t, ModePTY, nil)
	if err := e.EnqueueInput("nope", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDisposeDeliversExitFrameAndRemoves(t *testing.T) {
	e, factory := newTestEngine(t, ModePTY, nil)
	s, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, s.Ready, "never ready")
	conn := &fakeConn{}
	if _, err := e.Attach(s.ID, conn); err != nil {
		t.Fatal(err)
	}

	if err := e.Dispose(s.ID, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Dispose returned before finalisation")
	}

	pty := factory.last(t)
	sigs := pty.signals()
	if len(sigs) == 0 || sigs[0] != syscall.SIGTERM {
		t.Fatalf("signals = %v, want SIGTERM first", sigs)
	}

	texts, _, order := conn.frames()
	var exit ExitFrame
	if err := json.Unmarshal([]byte(texts[len(texts)-1]), &exit); err != nil {
		t.Fatal(err)
	}
	if exit.Type != "exit" {
		t.Errorf("last frame type = %q, want exit", exit.Type)
	}
	if order[len(order)-1] != "text" {
		t.Errorf("exit frame not last: %v", order)
	}
	if !conn.isClosed() {
		t.Error("watcher stream left open after exit")
	}
	if e.Registry().Len() != 0 {
		t.Error("registry still holds disposed session")
	}
	if _, ok := e.Registry().ByID(s.ID); ok {
		t.Error("session still resolvable by id")
	}
}

func TestDisposeEscalatesToSigkill(t *testing.T) {
	e, factory := newTestEngine(t, ModePTY, nil)
	stubborn := newFakePty()
	stubborn.ignoreTerm = true
	factory.next = stubborn

	s, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Dispose(s.ID, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	sigs := stubborn.signals()
	if len(sigs) != 2 || sigs[0] != syscall.SIGTERM || sigs[1] != syscall.SIGKILL {
		t.Fatalf("signals = %v, want [SIGTERM SIGKILL]", sigs)
	}
}

func TestReuseReturnsTmuxInteractiveSession(t *testing.T) {
	tm := newFakeTmux()
	e, factory := newTestEngine(t, ModeAuto, tm)

	first, created, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !created || !first.UsingTmux {
		t.Fatalf("created=%v usingTmux=%v, want new tmux session", created, first.UsingTmux)
	}
	second, created, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Errorf("expected reuse of %s, got created=%v id=%s", first.ID, created, second.ID)
	}

	// A pty-only request must not reuse the tmux session.
	third, created, err := e.GetOrCreate("acme", "api", "main", Options{Mode: ModePTY})
	if err != nil {
		t.Fatal(err)
	}
	if !created || third.ID == first.ID || third.UsingTmux {
		t.Errorf("pty request reused tmux session: created=%v usingTmux=%v", created, third.UsingTmux)
	}
	if factory.count() != 2 {
		t.Errorf("spawned %d ptys, want 2", factory.count())
	}
}

func TestAutomationSessionIsFallbackOnly(t *testing.T) {
	e, _ := newTestEngine(t, ModePTY, nil)
	auto, _, err := e.GetOrCreate("acme", "api", "main", Options{Kind: KindAutomation})
	if err != nil {
		t.Fatal(err)
	}
	got, created, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if created || got.ID != auto.ID {
		t.Errorf("expected automation fallback, got created=%v", created)
	}
}

func TestForceNewMintsDistinctTmuxSessions(t *testing.T) {
	tm := newFakeTmux()
	e, _ := newTestEngine(t, ModeTmux, tm)

	a, _, err := e.GetOrCreate("acme", "api", "main", Options{ForceNew: true})
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := e.GetOrCreate("acme", "api", "main", Options{ForceNew: true})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("forceNew reused a session")
	}
	if a.TmuxSessionName == b.TmuxSessionName {
		t.Errorf("tmux names collide: %q", a.TmuxSessionName)
	}
	for _, s := range []*Session{a, b} {
		if ok, _ := tm.HasSession(s.TmuxSessionName); !ok {
			t.Errorf("tmux session %q was not created", s.TmuxSessionName)
		}
	}
	if a.Label == b.Label {
		t.Errorf("labels collide: %q", a.Label)
	}
}

func TestIsolatedSessionTakesCanonicalTmuxNameWhenFree(t *testing.T) {
	tm := newFakeTmux()
	e, _ := newTestEngine(t, ModeTmux, tm)

	s, err := e.CreateIsolatedSession("acme", "demo", "feature", Options{
		Kind: KindAutomation, Tool: ToolAgent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.TmuxSessionName != "tw-acme--demo--feature" {
		t.Errorf("tmux session name = %q, want the canonical name", s.TmuxSessionName)
	}
	if ok, _ := tm.HasSession("tw-acme--demo--feature"); !ok {
		t.Error("canonical tmux session was not created")
	}

	// With the canonical name taken, the next isolated spawn falls back to a
	// label-suffixed one.
	second, err := e.CreateIsolatedSession("acme", "demo", "feature", Options{
		Kind: KindAutomation, Tool: ToolAgent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.TmuxSessionName == s.TmuxSessionName {
		t.Fatalf("collision not suffixed: %q", second.TmuxSessionName)
	}
	if ok, _ := tm.HasSession(second.TmuxSessionName); !ok {
		t.Errorf("suffixed tmux session %q was not created", second.TmuxSessionName)
	}
}

func TestTmuxModeRequiresTmux(t *testing.T) {
	tm := newFakeTmux()
	tm.available = false
	e, _ := newTestEngine(t, ModeTmux, tm)
	if _, _, err := e.GetOrCreate("acme", "api", "main", Options{}); !errors.Is(err, ErrTmuxUnavailable) {
		t.Errorf("err = %v, want ErrTmuxUnavailable", err)
	}
}

func TestIdleSweepAndWake(t *testing.T) {
	e, factory := newTestEngine(t, ModePTY, nil)
	s, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}

	s.touch(time.Now().Add(-time.Minute))
	waitFor(t, time.Second, s.Idle, "sweeper never marked idle")

	factory.last(t).emit("back\n")
	waitFor(t, time.Second, func() bool { return !s.Idle() }, "output did not clear idle")
}

func TestSweeperKeepsRunningWhenSessionAddedDuringStop(t *testing.T) {
	e, _ := newTestEngine(t, ModePTY, nil)

	s, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	// A session registered between the loop's empty check and the flag flip
	// must keep the sweeper alive.
	if e.stopSweeping() {
		t.Error("sweeper exited with a live session registered")
	}
	e.mu.Lock()
	sweeping := e.sweeping
	e.mu.Unlock()
	if !sweeping {
		t.Error("sweeping flag cleared with a live session registered")
	}

	if err := e.Dispose(s.ID, 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return !e.sweeping
	}, "sweeper never stopped after the registry emptied")

	// A fresh session after the stop gets a fresh sweeper.
	s2, _, err := e.GetOrCreate("acme", "api", "dev", Options{})
	if err != nil {
		t.Fatal(err)
	}
	s2.touch(time.Now().Add(-time.Minute))
	waitFor(t, time.Second, s2.Idle, "new session never swept idle")
}

func TestShellOverrideReachesPtySpawn(t *testing.T) {
	factory := &ptyFactory{}
	e := NewEngine(Config{
		Workdir:       t.TempDir(),
		Shell:         "/opt/weird/fish",
		Mode:          ModePTY,
		ReadyDelay:    10 * time.Millisecond,
		StartTerminal: factory.start,
	})
	t.Cleanup(e.DisposeAll)

	if _, _, err := e.GetOrCreate("acme", "api", "main", Options{}); err != nil {
		t.Fatal(err)
	}
	cfg := factory.lastConfig(t)
	if len(cfg.Command) == 0 || cfg.Command[0] != "/opt/weird/fish" {
		t.Errorf("spawn command = %v, want the configured shell first", cfg.Command)
	}
}

func TestRehydrateRestoresLiveTmuxSessions(t *testing.T) {
	tm := newFakeTmux()
	tm.sessions["tw-acme--api--main"] = true
	e, _ := newTestEngine(t, ModeAuto, tm)

	alive := "tw-acme--api--main"
	dead := "tw-acme--api--old"
	summaries := []WorktreeSummary{
		{
			Org: "acme", Repo: "api", Branch: "main",
			Sessions: []Snapshot{
				{
					Org: "acme", Repo: "api", Branch: "main", Label: "Terminal 2",
					Kind: KindInteractive, Tool: ToolTerminal,
					UsingTmux: true, TmuxSessionName: &alive,
					CreatedAt: time.Now().Add(-time.Hour),
				},
				{
					Org: "acme", Repo: "api", Branch: "old",
					UsingTmux: true, TmuxSessionName: &dead,
				},
				{Org: "acme", Repo: "api", Branch: "main", UsingTmux: false},
			},
		},
	}

	if got := e.Rehydrate(summaries); got != 1 {
		t.Fatalf("restored %d sessions, want 1", got)
	}
	all := e.Registry().All()
	if len(all) != 1 {
		t.Fatalf("registry has %d sessions, want 1", len(all))
	}
	restored := all[0]
	if restored.TmuxSessionName != alive || restored.Label != "Terminal 2" {
		t.Errorf("restored session = %+v", restored)
	}

	// Restored labels must be reserved against future allocations.
	if next := e.Registry().AllocateLabel(restored.Key, ToolTerminal); next != "Terminal 3" {
		t.Errorf("next label = %q, want Terminal 3", next)
	}

	// A populated registry makes rehydration a no-op.
	if got := e.Rehydrate(summaries); got != 0 {
		t.Errorf("second rehydrate restored %d sessions, want 0", got)
	}
}

func TestDisposeAllPersistsEmptyRosterOnce(t *testing.T) {
	rec := &recordingPersister{}
	factory := &ptyFactory{}
	e := NewEngine(Config{
		Workdir:       t.TempDir(),
		Mode:          ModePTY,
		Persister:     rec,
		ReadyDelay:    10 * time.Millisecond,
		StartTerminal: factory.start,
	})
	a, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.CreateIsolatedSession("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	// Let the readiness broadcasts drain before counting.
	waitFor(t, time.Second, a.Ready, "a never ready")
	waitFor(t, time.Second, b.Ready, "b never ready")

	rec.reset()
	e.DisposeAll()
	if got := rec.count(); got != 1 {
		t.Errorf("persist calls during DisposeAll = %d, want 1", got)
	}
	if roster := rec.lastRoster(); len(roster) != 0 {
		t.Errorf("final roster = %+v, want empty", roster)
	}
}

func TestSummariesAggregation(t *testing.T) {
	e, _ := newTestEngine(t, ModePTY, nil)
	a, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.CreateIsolatedSession("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.GetOrCreate("acme", "web", "dev", Options{}); err != nil {
		t.Fatal(err)
	}

	newer := time.Now().Add(time.Hour)
	a.touch(time.Now().Add(-time.Hour))
	b.touch(newer)
	a.mu.Lock()
	a.idle = true
	a.mu.Unlock()

	summaries := e.Summaries()
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	var api *WorktreeSummary
	for i := range summaries {
		if summaries[i].Repo == "api" {
			api = &summaries[i]
		}
	}
	if api == nil {
		t.Fatal("api summary missing")
	}
	if api.Idle {
		t.Error("summary idle = true with one active member")
	}
	if !api.LastActivityAt.Equal(newer) {
		t.Errorf("lastActivity = %v, want max %v", api.LastActivityAt, newer)
	}
	if len(api.Sessions) != 2 {
		t.Errorf("api sessions = %d, want 2", len(api.Sessions))
	}
	if api.Sessions[0].CreatedAt.After(api.Sessions[1].CreatedAt) {
		t.Error("sessions not ordered by creation")
	}
}

func TestExitWithoutDisposeFinalises(t *testing.T) {
	e, factory := newTestEngine(t, ModePTY, nil)
	s, _, err := e.GetOrCreate("acme", "api", "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{}
	if _, err := e.Attach(s.ID, conn); err != nil {
		t.Fatal(err)
	}

	factory.last(t).exit(terminal.ExitStatus{Code: 3})
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("exit never finalised")
	}

	texts, _, _ := conn.frames()
	var exit ExitFrame
	if err := json.Unmarshal([]byte(texts[len(texts)-1]), &exit); err != nil {
		t.Fatal(err)
	}
	if exit.Code == nil || *exit.Code != 3 {
		t.Errorf("exit code = %v, want 3", exit.Code)
	}
	if e.Registry().Len() != 0 {
		t.Error("registry not emptied")
	}
}
