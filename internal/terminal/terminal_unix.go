//go:build !windows

package terminal

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Start launches a PTY process using creack/pty, falling back to pipe mode
// when the platform cannot allocate a PTY.
func Start(cfg Config) (*Terminal, error) {
	if len(cfg.Command) == 0 {
		cfg.Command = ShellCommand()
	}
	if cfg.Columns <= 0 {
		cfg.Columns = defaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = defaultRows
	}
	if cfg.Env == nil {
		cfg.Env = BuildEnv(os.Environ())
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cfg.Columns),
		Rows: uint16(cfg.Rows),
	})
	if err == nil {
		t := &Terminal{
			cmd:    cmd,
			ptmx:   ptmx,
			exitCh: make(chan ExitStatus, 1),
		}
		go t.waitExit()
		return t, nil
	}
	if !errors.Is(err, pty.ErrUnsupported) {
		return nil, err
	}

	return startPipeMode(cfg)
}

func resizePtmx(ptmx ptmxFile, cols, rows int) error {
	f, ok := ptmx.(*os.File)
	if !ok {
		return nil
	}
	return pty.Setsize(f, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// signalName renders a wait-status signal in its "SIGTERM" form.
func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
