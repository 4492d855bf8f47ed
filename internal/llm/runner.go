// Package llm shells out to a local LLM command with hard time and output
// bounds. The child runs in its own process group so a timeout or overflow
// kills the whole tree.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Limits for the two supported invocation shapes.
const (
	BranchNameTimeout   = 30 * time.Second
	BranchNameMaxOutput = 512 * 1024
	PlanTimeout         = 5 * time.Minute
	PlanMaxOutput       = 2 * 1024 * 1024
)

// execCommand is swapped in tests.
var execCommand = exec.CommandContext

// RunOptions bounds one invocation. Zero values take the branch-name limits.
type RunOptions struct {
	Timeout   time.Duration
	MaxOutput int
	Dir       string
}

// Run executes the command line via /bin/sh with prompt on stdin and returns
// trimmed stdout. Timeout or output overflow kills the process group and
// yields an error carrying the cause; command failure surfaces the trimmed
// stderr tail.
func Run(ctx context.Context, command, prompt string, opts RunOptions) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("llm command is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = BranchNameTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = BranchNameMaxOutput
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := execCommand(ctx, "/bin/sh", "-c", command)
	cmd.Dir = opts.Dir
	cmd.Stdin = strings.NewReader(prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("start %q: %w", command, err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %q: %w", command, err)
	}

	// Reading one byte past the cap distinguishes exactly-at-cap from over.
	var buf bytes.Buffer
	n, _ := io.Copy(&buf, io.LimitReader(stdout, int64(opts.MaxOutput)+1))
	overflowed := n > int64(opts.MaxOutput)
	if overflowed {
		killProcessGroup(cmd)
	}

	waitErr := cmd.Wait()

	switch {
	case overflowed:
		return "", fmt.Errorf("output exceeded %d bytes", opts.MaxOutput)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		killProcessGroup(cmd)
		return "", fmt.Errorf("timed out after %s", opts.Timeout)
	case ctx.Err() != nil:
		killProcessGroup(cmd)
		return "", ctx.Err()
	case waitErr != nil:
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return "", errors.New(detail)
	}

	if tail := strings.TrimSpace(stderr.String()); tail != "" {
		slog.Debug("[llm] command stderr", "command", command, "stderr", tail)
	}
	return strings.TrimSpace(buf.String()), nil
}
