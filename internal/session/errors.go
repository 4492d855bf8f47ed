package session

import "errors"

var (
	// ErrNotFound reports a session id with no live session behind it.
	ErrNotFound = errors.New("session not found")
	// ErrClosed reports an operation against a session that already exited.
	ErrClosed = errors.New("session closed")
	// ErrTmuxUnavailable reports a tmux-mode request on a host without a
	// usable tmux binary.
	ErrTmuxUnavailable = errors.New("tmux requested but not available")
	// ErrBadTriple reports an org/repo/branch component that is empty.
	ErrBadTriple = errors.New("org, repo and branch must be non-empty")
)
