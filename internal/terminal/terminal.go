// Package terminal spawns shell or tmux-client processes attached to a
// pseudo-terminal and exposes their data/exit streams, input sink and resize.
package terminal

import (
	"io"
	"os/exec"
	"sync"
	"syscall"
)

const (
	defaultCols = 120
	defaultRows = 36
)

// Config configures a terminal process.
type Config struct {
	// Command is the argv to run. Empty means "spawn the user's shell" with
	// login+interactive flags (see ShellCommand).
	Command []string
	Dir     string
	// Env is the full child environment. Nil means BuildEnv(os.Environ()).
	Env     []string
	Columns int
	Rows    int
}

// ExitStatus is the terminal's final state: at most one of Code/Signal is
// meaningful, mirroring how a wait status reports.
type ExitStatus struct {
	Code   int
	Signal string // "SIGTERM" form; empty when the process exited normally
	Err    error  // non-nil when the wait itself failed
}

// Terminal wraps one PTY-attached process.
//
// The PTY master is the single data path: reads surface child output, writes
// feed child input. Pipe mode is the fallback when the platform cannot
// allocate a PTY.
type Terminal struct {
	mu       sync.RWMutex
	cmd      *exec.Cmd
	ptmx     ptmxFile       // PTY master; nil in pipe mode
	stdin    io.WriteCloser // pipe fallback
	stdout   io.ReadCloser  // pipe fallback
	stderr   io.ReadCloser  // pipe fallback
	closed   bool
	closeErr error

	exitOnce sync.Once
	exitCh   chan ExitStatus
}

// ptmxFile is the subset of *os.File the terminal needs from the PTY master.
// It is an interface so tests can substitute an in-memory endpoint.
type ptmxFile interface {
	io.ReadWriteCloser
}

// startPipeMode starts the process without a PTY. Output interleaving between
// stdout and stderr is not guaranteed in this mode.
func startPipeMode(cfg Config) (*Terminal, error) {
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, err
	}
	t := &Terminal{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exitCh: make(chan ExitStatus, 1),
	}
	go t.waitExit()
	return t, nil
}

// waitExit reaps the child and publishes its exit status exactly once.
func (t *Terminal) waitExit() {
	err := t.cmd.Wait()
	status := ExitStatus{}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status.Signal = signalName(ws.Signal())
			} else {
				status.Code = exitErr.ExitCode()
			}
		} else {
			status.Err = err
		}
	}
	t.publishExit(status)
}

func (t *Terminal) publishExit(status ExitStatus) {
	t.exitOnce.Do(func() {
		t.exitCh <- status
		close(t.exitCh)
	})
}

// Exit returns a channel that yields the process exit status once and is then
// closed.
func (t *Terminal) Exit() <-chan ExitStatus {
	return t.exitCh
}
