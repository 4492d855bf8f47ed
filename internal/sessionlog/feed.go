package sessionlog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vultuk/agentrix/internal/events"
)

// DefaultFeedCapacity bounds the retained diagnostics records.
const DefaultFeedCapacity = 200

// Record is one retained diagnostics entry.
type Record struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Source  string    `json:"source,omitempty"`
}

// Feed retains the most recent Warn+ log records and republishes the
// rolling window on the bus after every capture.
type Feed struct {
	bus *events.Bus
	max int

	mu      sync.Mutex
	records []Record
}

// NewFeed creates a Feed publishing on bus. capacity <= 0 takes the default.
func NewFeed(bus *events.Bus, capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{bus: bus, max: capacity}
}

// Handler wraps base so Warn and above are captured into the feed.
func (f *Feed) Handler(base slog.Handler) slog.Handler {
	return NewTeeHandler(base, slog.LevelWarn, f.capture)
}

func (f *Feed) capture(ts time.Time, level slog.Level, msg string, group string) {
	rec := Record{Time: ts, Level: level.String(), Message: msg, Source: group}

	f.mu.Lock()
	f.records = append(f.records, rec)
	if len(f.records) > f.max {
		f.records = f.records[len(f.records)-f.max:]
	}
	snapshot := append([]Record(nil), f.records...)
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.Emit(events.TopicLogs, snapshot)
	}
}

// Recent returns a copy of the retained records, oldest first.
func (f *Feed) Recent() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.records...)
}
