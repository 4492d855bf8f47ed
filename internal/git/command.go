package git

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Retry settings for index.lock conflicts. Backoff doubles per attempt,
// capped at gitRetryMaxInterval.
const (
	maxGitRetries        = 10
	gitRetryBaseInterval = 100 * time.Millisecond
	gitRetryMaxInterval  = 1600 * time.Millisecond
	// Concurrent git commands are capped: several worktrees share one
	// repository, and parallel commands contend on the index lock.
	maxConcurrentGitCommands = 4
	semaphoreAcquireTimeout  = 30 * time.Second
)

var gitSemaphore = make(chan struct{}, maxConcurrentGitCommands)

func acquireGitSemaphore() error {
	select {
	case gitSemaphore <- struct{}{}:
		return nil
	case <-time.After(semaphoreAcquireTimeout):
		return fmt.Errorf("git semaphore acquisition timed out after %v", semaphoreAcquireTimeout)
	}
}

func releaseGitSemaphore() {
	<-gitSemaphore
}

// isLockFileConflict matches index.lock and the generic "Unable to
// create ... File exists" forms (shallow.lock, pack-refs.lock).
func isLockFileConflict(errMsg string) bool {
	return strings.Contains(errMsg, "index.lock") ||
		(strings.Contains(errMsg, "Unable to create") && strings.Contains(errMsg, "File exists"))
}

// runGitCLI executes one git command with concurrency limiting and
// lock-conflict retry. Args are application-constructed, never raw input.
func runGitCLI(dir string, args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("git: no command specified")
	}

	start := time.Now()
	defer func() {
		slog.Debug("[git] command completed",
			"dir", dir,
			"args", args,
			"duration_ms", time.Since(start).Milliseconds())
	}()

	if err := acquireGitSemaphore(); err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	defer releaseGitSemaphore()

	var lastErrMsg string

	for attempt := 0; attempt < maxGitRetries; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			return stdout.Bytes(), nil
		}

		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = err.Error()
		}
		lastErrMsg = errMsg

		if !isLockFileConflict(errMsg) {
			return nil, fmt.Errorf("git %s failed: %s", args[0], strings.TrimSpace(errMsg))
		}

		if attempt < maxGitRetries-1 {
			backoff := gitRetryBaseInterval << uint(attempt)
			if backoff > gitRetryMaxInterval {
				backoff = gitRetryMaxInterval
			}
			slog.Debug("[git] lock file conflict, retrying",
				"attempt", attempt+1, "maxRetries", maxGitRetries,
				"backoff_ms", backoff.Milliseconds(), "args", args,
				"dir", dir)
			time.Sleep(backoff)
		}
	}

	return nil, fmt.Errorf("git %s failed after %d retries (lock file conflict): %s",
		args[0], maxGitRetries, strings.TrimSpace(lastErrMsg))
}

func (r *Repository) executeGitCommand(args []string) ([]byte, error) {
	return runGitCLI(r.path, args)
}

// runGitCommand executes a git command and returns trimmed output.
func (r *Repository) runGitCommand(args ...string) (string, error) {
	output, err := r.executeGitCommand(args)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// executeGitCommandAt runs a git command at a directory not bound to a
// Repository.
func executeGitCommandAt(dir string, args []string) ([]byte, error) {
	return runGitCLI(dir, args)
}
