package session

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/vultuk/agentrix/internal/terminal"
)

// fakePty is a scripted stand-in for a running PTY process. Output is fed
// through emit; exit is triggered by signals (configurable) or exit().
type fakePty struct {
	mu         sync.Mutex
	wrote      [][]byte
	sigs       []syscall.Signal
	resizes    [][2]int
	closed     bool
	ignoreTerm bool
	failWrites int // number of upcoming writes to refuse

	out      chan []byte
	exitCh   chan terminal.ExitStatus
	exitOnce sync.Once
}

func newFakePty() *fakePty {
	return &fakePty{
		out:    make(chan []byte, 64),
		exitCh: make(chan terminal.ExitStatus, 1),
	}
}

func (p *fakePty) PID() int { return 4242 }

func (p *fakePty) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("fake pty closed")
	}
	if p.failWrites > 0 {
		p.failWrites--
		return 0, errors.New("fake pty write refused")
	}
	p.wrote = append(p.wrote, append([]byte(nil), data...))
	return len(data), nil
}

func (p *fakePty) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{cols, rows})
	return nil
}

func (p *fakePty) Kill(sig syscall.Signal) error {
	p.mu.Lock()
	p.sigs = append(p.sigs, sig)
	ignore := p.ignoreTerm && sig == syscall.SIGTERM
	p.mu.Unlock()
	if !ignore {
		p.exit(terminal.ExitStatus{Signal: sig.String()})
	}
	return nil
}

func (p *fakePty) ReadLoop(onData func([]byte)) {
	for chunk := range p.out {
		onData(chunk)
	}
}

func (p *fakePty) Exit() <-chan terminal.ExitStatus { return p.exitCh }

func (p *fakePty) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePty) emit(data string) {
	p.out <- []byte(data)
}

func (p *fakePty) exit(status terminal.ExitStatus) {
	p.exitOnce.Do(func() {
		close(p.out)
		p.exitCh <- status
	})
}

func (p *fakePty) signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.sigs...)
}

func (p *fakePty) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.wrote))
	for i, w := range p.wrote {
		out[i] = string(w)
	}
	return out
}

// ptyFactory hands the engine fake PTYs and remembers them in spawn order.
type ptyFactory struct {
	mu      sync.Mutex
	created []*fakePty
	configs []terminal.Config
	next    *fakePty // optional pre-configured instance for the next spawn
}

func (f *ptyFactory) start(cfg terminal.Config) (Pty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.next
	f.next = nil
	if p == nil {
		p = newFakePty()
	}
	f.created = append(f.created, p)
	f.configs = append(f.configs, cfg)
	return p, nil
}

func (f *ptyFactory) last(t *testing.T) *fakePty {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		t.Fatal("no pty spawned")
	}
	return f.created[len(f.created)-1]
}

func (f *ptyFactory) lastConfig(t *testing.T) terminal.Config {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.configs) == 0 {
		t.Fatal("no pty spawned")
	}
	return f.configs[len(f.configs)-1]
}

func (f *ptyFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeConn records frames in arrival order.
type fakeConn struct {
	mu     sync.Mutex
	texts  []string
	binary []string
	order  []string // "text" / "binary"
	closed bool
	fail   bool
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) SendText(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("send failed")
	}
	c.texts = append(c.texts, string(payload))
	c.order = append(c.order, "text")
	return nil
}

func (c *fakeConn) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("send failed")
	}
	c.binary = append(c.binary, string(data))
	c.order = append(c.order, "binary")
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) frames() (texts, binary, order []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...),
		append([]string(nil), c.binary...),
		append([]string(nil), c.order...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTmuxCtl tracks tmux sessions in memory.
type fakeTmuxCtl struct {
	mu        sync.Mutex
	available bool
	sessions  map[string]bool
	killed    []string
	env       map[string]string
}

func newFakeTmux() *fakeTmuxCtl {
	return &fakeTmuxCtl{available: true, sessions: map[string]bool{}, env: map[string]string{}}
}

func (f *fakeTmuxCtl) Available() bool { return f.available }

func (f *fakeTmuxCtl) SessionName(org, repo, branch string) string {
	return "tw-" + org + "--" + repo + "--" + branch
}

func (f *fakeTmuxCtl) SessionNameWithLabel(org, repo, branch, label string) string {
	return f.SessionName(org, repo, branch) + "--" + label
}

func (f *fakeTmuxCtl) HasSession(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *fakeTmuxCtl) NewSession(name, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeTmuxCtl) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeTmuxCtl) AttachArgs(name string) []string {
	return []string{"tmux", "attach-session", "-t", "=" + name}
}

func (f *fakeTmuxCtl) SetEnvironment(name, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env[name+"/"+key] = value
	return nil
}

func (f *fakeTmuxCtl) UnsetEnvironment(name, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.env, name+"/"+key)
	return nil
}

// recordingPersister counts roster persists.
type recordingPersister struct {
	mu       sync.Mutex
	persists [][]WorktreeSummary
}

func (r *recordingPersister) Persist(summaries []WorktreeSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persists = append(r.persists, summaries)
}

func (r *recordingPersister) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persists = nil
}

func (r *recordingPersister) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.persists)
}

func (r *recordingPersister) lastRoster() []WorktreeSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.persists) == 0 {
		return nil
	}
	return r.persists[len(r.persists)-1]
}

func newTestEngine(t *testing.T, mode Mode, tm TmuxController) (*Engine, *ptyFactory) {
	t.Helper()
	factory := &ptyFactory{}
	e := NewEngine(Config{
		Workdir:       t.TempDir(),
		Mode:          mode,
		Tmux:          tm,
		ReadyDelay:    40 * time.Millisecond,
		KillDelay:     50 * time.Millisecond,
		IdleAfter:     120 * time.Millisecond,
		SweepEvery:    20 * time.Millisecond,
		StartTerminal: factory.start,
	})
	t.Cleanup(e.DisposeAll)
	return e, factory
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
