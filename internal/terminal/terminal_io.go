package terminal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
)

// PID returns the process id, or 0 when no process is running.
func (t *Terminal) PID() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// IsClosed reports whether Close has been called.
func (t *Terminal) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Write writes input bytes to the PTY.
func (t *Terminal) Write(data []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, errors.New("terminal closed")
	}
	if t.ptmx != nil {
		n, err := t.ptmx.Write(data)
		if err != nil {
			slog.Warn("[terminal] write failed", "error", err, "dataLen", len(data))
		}
		return n, err
	}
	if t.stdin == nil {
		return 0, errors.New("terminal stdin unavailable")
	}
	n, err := t.stdin.Write(data)
	if err != nil {
		slog.Warn("[terminal] write (stdin) failed", "error", err, "dataLen", len(data))
	}
	return n, err
}

// Resize updates the PTY window size. Pipe mode has no window to resize.
func (t *Terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.New("invalid size")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.New("terminal closed")
	}
	if t.ptmx != nil {
		return resizePtmx(t.ptmx, cols, rows)
	}
	return nil
}

// Kill delivers a signal to the child process. os.ErrProcessDone is not an
// error: the exit stream already reported the truth.
func (t *Terminal) Kill(sig syscall.Signal) error {
	t.mu.RLock()
	cmd := t.cmd
	t.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// ReadLoop continuously reads terminal output until the PTY closes, invoking
// onData for every chunk. Blocks; run it on its own goroutine.
func (t *Terminal) ReadLoop(onData func([]byte)) {
	if onData == nil {
		return
	}
	t.mu.RLock()
	ptmx := t.ptmx
	stdout := t.stdout
	stderr := t.stderr
	t.mu.RUnlock()

	if ptmx != nil {
		readSource(ptmx, onData)
		return
	}

	var wg sync.WaitGroup
	if stdout != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readSource(stdout, onData)
		}()
	}
	if stderr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readSource(stderr, onData)
		}()
	}
	wg.Wait()
}

func readSource(reader io.Reader, onData func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			// onData must consume the bytes during this call because the
			// backing buffer is reused on the next read.
			onData(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("[terminal] read loop ended", "error", err)
			}
			return
		}
	}
}

// Close closes the PTY and terminates the process. Idempotent; later calls
// return the first error.
func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.closeErr
	}
	t.closed = true

	var firstErr error
	if t.cmd != nil && t.cmd.Process != nil {
		if killErr := t.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			slog.Debug("[terminal] process kill during close failed", "error", killErr)
		}
	}
	for _, c := range []io.Closer{t.stdin, t.stdout, t.stderr, t.ptmx} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.closeErr = firstErr
	return firstErr
}
