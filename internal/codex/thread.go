package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// maxEventLine bounds a single upstream JSONL line.
const maxEventLine = 1 << 20

// execCommand is swapped in tests.
var execCommand = exec.CommandContext

// ThreadEvent is one decoded upstream event from the agent CLI's JSON stream.
type ThreadEvent struct {
	Type     string       `json:"type"`
	ThreadID string       `json:"thread_id,omitempty"`
	Item     *ThreadItem  `json:"item,omitempty"`
	Usage    *Usage       `json:"usage,omitempty"`
	Error    *ThreadError `json:"error,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// ThreadItem is the nested item payload of item.* events.
type ThreadItem struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Text             string `json:"text,omitempty"`
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status,omitempty"`
}

// ThreadError is the error payload of turn.failed events.
type ThreadError struct {
	Message string `json:"message"`
}

// Thread is a handle on one upstream agent conversation. Run executes a
// single turn, delivering decoded events in stream order; implementations
// must make the thread id available after the first turn started.
type Thread interface {
	ID() string
	Run(ctx context.Context, prompt string, emit func(ThreadEvent)) error
}

// execThread runs turns by spawning the agent CLI per turn: the first turn
// uses `exec --json` and captures the thread id from thread.started, later
// turns use `exec resume --json <id>`.
type execThread struct {
	command  string
	model    string
	worktree string
	threadID string
}

func (t *execThread) ID() string { return t.threadID }

func (t *execThread) args(prompt string) []string {
	var args []string
	if t.threadID == "" {
		args = []string{"exec", "--json"}
	} else {
		args = []string{"exec", "resume", "--json", t.threadID}
	}
	args = append(args, "--skip-git-repo-check")
	if t.model != "" {
		args = append(args, "-m", t.model)
	}
	return append(args, prompt)
}

func (t *execThread) Run(ctx context.Context, prompt string, emit func(ThreadEvent)) error {
	cmd := execCommand(ctx, t.command, t.args(prompt)...)
	cmd.Dir = t.worktree

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("codex stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev ThreadEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("[codex] skipping undecodable event line", "error", err)
			continue
		}
		if ev.Type == "thread.started" && ev.ThreadID != "" {
			t.threadID = ev.ThreadID
		}
		emit(ev)
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if msg := lastStderrLine(stderr.String()); msg != "" {
			return fmt.Errorf("%s turn failed: %s: %w", t.command, msg, err)
		}
		return fmt.Errorf("%s turn failed: %w", t.command, err)
	}
	if scanErr != nil {
		return fmt.Errorf("read %s output: %w", t.command, scanErr)
	}
	return nil
}

func lastStderrLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
