// Package tmux wraps the external tmux binary: availability probing, session
// naming, existence checks, kills and per-session environment variables.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Sentinel errors mapped from tmux stderr.
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionNotFound = errors.New("tmux session not found")
	ErrSessionExists   = errors.New("tmux session already exists")
	ErrUnavailable     = errors.New("tmux is not available")
)

// DefaultPrefix is prepended to every synthesised session name so agentrix
// sessions are distinguishable from user-created tmux sessions.
const DefaultPrefix = "tw-"

// execCommand is a test seam for subprocess construction.
var execCommand = exec.Command

// Controller drives a tmux server through the tmux CLI. The availability
// probe result is cached for the controller's lifetime.
type Controller struct {
	prefix string

	probeOnce sync.Once
	probeMu   sync.Mutex
	probed    bool
	available bool
}

// NewController creates a Controller using prefix for session names.
// An empty prefix selects DefaultPrefix.
func NewController(prefix string) *Controller {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Controller{prefix: prefix}
}

// Prefix returns the session-name prefix in effect.
func (c *Controller) Prefix() string {
	return c.prefix
}

// Available reports whether the tmux binary can be invoked. The first call
// probes `tmux -V`; the result is cached until ResetProbe.
func (c *Controller) Available() bool {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()
	if !c.probed {
		err := execCommand("tmux", "-V").Run()
		c.available = err == nil
		c.probed = true
		slog.Debug("[tmux] availability probe", "available", c.available)
	}
	return c.available
}

// ResetProbe clears the cached availability probe. Intended for tests.
func (c *Controller) ResetProbe() {
	c.probeMu.Lock()
	c.probed = false
	c.available = false
	c.probeMu.Unlock()
}

// run executes a tmux command and returns trimmed stdout.
func (c *Controller) run(args ...string) (string, error) {
	cmd := execCommand("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapError maps tmux stderr onto sentinel errors, attaching trimmed stderr
// to everything else.
func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	switch {
	case strings.Contains(stderr, "no server running"),
		strings.Contains(stderr, "error connecting to"):
		return ErrNoServer
	case strings.Contains(stderr, "session not found"),
		strings.Contains(stderr, "can't find session"),
		strings.Contains(stderr, "no such session"):
		return ErrSessionNotFound
	case strings.Contains(stderr, "duplicate session"):
		return ErrSessionExists
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// isExitCoded reports whether err carries a tmux exit status (as opposed to a
// spawn failure). Sentinels derived from stderr always originate from an
// exit-coded run.
func isExitCoded(err error) bool {
	if errors.Is(err, ErrNoServer) || errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExists) {
		return true
	}
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// HasSession reports whether a session with exactly this name exists.
// The "=" target prefix prevents tmux prefix matching. An exit-coded failure
// means "no"; spawn failures propagate.
func (c *Controller) HasSession(name string) (bool, error) {
	_, err := c.run("has-session", "-t", "="+name)
	if err != nil {
		if isExitCoded(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// NewSession creates a detached session with the given name and working
// directory.
func (c *Controller) NewSession(name, dir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	_, err := c.run(args...)
	return err
}

// KillSession terminates a session. A missing session is not an error; other
// failures propagate.
func (c *Controller) KillSession(name string) error {
	_, err := c.run("kill-session", "-t", "="+name)
	if err != nil && !errors.Is(err, ErrSessionNotFound) && !errors.Is(err, ErrNoServer) {
		return err
	}
	return nil
}

// SetEnvironment sets an environment variable inside a session, so processes
// launched in new panes observe it.
func (c *Controller) SetEnvironment(name, key, value string) error {
	_, err := c.run("set-environment", "-t", "="+name, key, value)
	return err
}

// UnsetEnvironment removes an environment variable from a session.
func (c *Controller) UnsetEnvironment(name, key string) error {
	_, err := c.run("set-environment", "-u", "-t", "="+name, key)
	return err
}

// ListSessions returns the names of every session on the server. No server
// means no sessions.
func (c *Controller) ListSessions() ([]string, error) {
	out, err := c.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// AttachArgs returns the argv that attaches a terminal to the named session.
// The engine spawns this inside a fresh PTY to re-join persisted sessions.
func (c *Controller) AttachArgs(name string) []string {
	return []string{"tmux", "attach-session", "-t", "=" + name}
}
