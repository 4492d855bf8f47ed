// Package sessionlog tees warning-level log records into a bounded
// in-memory diagnostics feed that is published on the event bus, so
// attached clients can inspect recent server trouble without shell access.
package sessionlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"
)

// EntryCallback is invoked for each record at or above the capture
// threshold. group is the accumulated dot-separated slog group name.
type EntryCallback func(ts time.Time, level slog.Level, msg string, group string)

// TeeHandler wraps a base slog.Handler and tees records at or above
// minLevel to a callback. All records still reach the base handler; only
// the callback is gated by minLevel.
type TeeHandler struct {
	base     slog.Handler
	callback EntryCallback
	minLevel slog.Level
	group    string
}

// NewTeeHandler creates a TeeHandler delegating to base. A nil callback is
// safe; the handler then only delegates.
func NewTeeHandler(base slog.Handler, minLevel slog.Level, callback EntryCallback) *TeeHandler {
	return &TeeHandler{
		base:     base,
		callback: callback,
		minLevel: minLevel,
	}
}

// Enabled defers to the base handler; the callback threshold does not
// affect visibility.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle forwards the record to the base handler, then invokes the callback
// when the record's level meets minLevel. The callback runs even when the
// base handler errored.
func (h *TeeHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.base.Handle(ctx, record)

	if h.callback != nil && record.Level >= h.minLevel {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// stderr, not slog: logging here would re-enter the handler.
					fmt.Fprintf(os.Stderr, "[sessionlog] callback panicked: %v\n%s\n", r, debug.Stack())
				}
			}()
			h.callback(record.Time, record.Level, record.Message, h.group)
		}()
	}
	return err
}

// WithAttrs returns a TeeHandler whose base has the attributes applied.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &TeeHandler{
		base:     h.base.WithAttrs(attrs),
		callback: h.callback,
		minLevel: h.minLevel,
		group:    h.group,
	}
}

// WithGroup returns a TeeHandler whose base is wrapped with the group name,
// appended dot-separated to the accumulated group.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &TeeHandler{
		base:     h.base.WithGroup(name),
		callback: h.callback,
		minLevel: h.minLevel,
		group:    newGroup,
	}
}
