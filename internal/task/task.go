// Package task tracks long-running background jobs (worktree creation,
// branch-name generation, agent launches) with step-granular progress and
// logs. State survives restarts via a JSON file under the workdir; tasks that
// were still in flight when the process died come back as failed.
package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vultuk/agentrix/internal/events"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

func (s StepStatus) isTerminal() bool {
	return s == StepSucceeded || s == StepSkipped || s == StepFailed
}

// Error carries a task failure. Reason distinguishes handler failures from
// restart-induced ones.
type Error struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// restartReason marks tasks rehydrated in a non-terminal state.
const restartReason = "process_restart"

const (
	defaultTTL      = 15 * time.Minute
	defaultDebounce = 200 * time.Millisecond
	maxStepLogLines = 200
)

// Step is one unit of task progress, addressed by a caller-chosen id.
type Step struct {
	ID          string     `json:"id"`
	Label       string     `json:"label,omitempty"`
	Status      StepStatus `json:"status"`
	Logs        []StepLog  `json:"logs,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// StepLog is one appended log entry on a step.
type StepLog struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is one tracked job.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Title       string         `json:"title,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       *Error         `json:"error,omitempty"`
	Steps       []Step         `json:"steps"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

type fileSchema struct {
	Version     int       `json:"version"`
	GeneratedAt time.Time `json:"generatedAt"`
	Tasks       []Task    `json:"tasks"`
}

// Removal is emitted on the bus for every pruned task.
type Removal struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// DefaultPath places the task file inside the workdir's metadata directory.
func DefaultPath(workdir string) string {
	return filepath.Join(workdir, ".terminal-worktree", "tasks.json")
}

// Spec names a task at creation.
type Spec struct {
	Type     string
	Title    string
	Metadata map[string]any
}

// Handler runs the task body. A non-nil error fails the task; a non-nil
// result is recorded on success.
type Handler func(ctx *Context) (any, error)

// Tracker owns the task table. All mutation goes through it.
type Tracker struct {
	path     string
	bus      *events.Bus
	now      func() time.Time
	newID    func() string
	ttl      time.Duration
	debounce time.Duration

	mu     sync.Mutex
	tasks  map[string]*Task
	timer  *time.Timer
	closed bool
}

// Options tunes a Tracker. Zero values take the defaults.
type Options struct {
	TTL      time.Duration
	Debounce time.Duration
	Now      func() time.Time
	NewID    func() string
}

// NewTracker loads path (if present), fails any task caught mid-flight, and
// persists the normalised roster once.
func NewTracker(path string, bus *events.Bus, opts Options) *Tracker {
	t := &Tracker{
		path:     path,
		bus:      bus,
		now:      opts.Now,
		newID:    opts.NewID,
		ttl:      opts.TTL,
		debounce: opts.Debounce,
		tasks:    make(map[string]*Task),
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	if t.ttl <= 0 {
		t.ttl = defaultTTL
	}
	if t.debounce <= 0 {
		t.debounce = defaultDebounce
	}
	if t.load() {
		t.persist()
	}
	return t
}

// load rehydrates persisted tasks, normalising timestamps and failing
// anything non-terminal. Returns true when the file held any tasks.
func (t *Tracker) load() bool {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("[task] load failed", "path", t.path, "error", err)
		}
		return false
	}
	var doc fileSchema
	if err := json.Unmarshal(data, &doc); err != nil {
		// Legacy files held a bare task array.
		var legacy []Task
		if err2 := json.Unmarshal(data, &legacy); err2 != nil {
			slog.Warn("[task] task file corrupt, starting fresh", "path", t.path, "error", err)
			return false
		}
		doc.Tasks = legacy
	}

	now := t.now()
	for i := range doc.Tasks {
		loaded := doc.Tasks[i]
		if loaded.ID == "" {
			continue
		}
		if !loaded.Status.IsTerminal() {
			loaded.Status = StatusFailed
			loaded.Error = &Error{Message: "interrupted by server restart", Reason: restartReason}
			loaded.UpdatedAt = now
			completed := now
			loaded.CompletedAt = &completed
			for j := range loaded.Steps {
				if !loaded.Steps[j].Status.isTerminal() {
					loaded.Steps[j].Status = StepFailed
					loaded.Steps[j].Logs = append(loaded.Steps[j].Logs, StepLog{
						ID:        t.newID(),
						Message:   "Step marked as failed after server restart",
						Timestamp: now,
					})
				}
			}
		}
		if loaded.Status.IsTerminal() && loaded.CompletedAt == nil {
			completed := loaded.UpdatedAt
			if completed.IsZero() {
				completed = now
			}
			loaded.CompletedAt = &completed
		}
		t.tasks[loaded.ID] = &loaded
	}
	return len(t.tasks) > 0
}

// Run creates a task and executes handler on a background goroutine. The
// returned snapshot is the pending task as first inserted.
func (t *Tracker) Run(spec Spec, handler Handler) Task {
	now := t.now()
	task := &Task{
		ID:        t.newID(),
		Type:      spec.Type,
		Title:     spec.Title,
		Metadata:  spec.Metadata,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.mu.Lock()
	t.tasks[task.ID] = task
	snapshot := snapshotTask(task)
	t.mu.Unlock()
	t.changed()

	ctx := &Context{tr: t, id: task.ID}
	go t.execute(ctx, handler)
	return snapshot
}

func (t *Tracker) execute(ctx *Context, handler Handler) {
	t.mutate(ctx.id, func(task *Task) {
		task.Status = StatusRunning
	})

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[task] handler panic",
					"task", ctx.id, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("task handler panic: %v", r)
			}
		}()
		return handler(ctx)
	}()

	t.mutate(ctx.id, func(task *Task) {
		completed := t.now()
		task.CompletedAt = &completed
		if err != nil {
			task.Status = StatusFailed
			task.Error = &Error{Message: err.Error()}
			for i := range task.Steps {
				if !task.Steps[i].Status.isTerminal() {
					task.Steps[i].Status = StepFailed
					task.Steps[i].CompletedAt = &completed
				}
			}
			return
		}
		task.Status = StatusSucceeded
		if result != nil {
			task.Result = result
		}
	})
}

// Get returns a snapshot of one task.
func (t *Tracker) Get(id string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return snapshotTask(task), true
}

// List prunes expired tasks, then returns snapshots newest first.
func (t *Tracker) List() []Task {
	t.pruneExpired()
	t.mu.Lock()
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, snapshotTask(task))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func snapshotTask(task *Task) Task {
	snapshot := *task
	snapshot.Steps = make([]Step, len(task.Steps))
	for i, st := range task.Steps {
		snapshot.Steps[i] = st
		snapshot.Steps[i].Logs = append([]StepLog(nil), st.Logs...)
	}
	if task.Metadata != nil {
		snapshot.Metadata = make(map[string]any, len(task.Metadata))
		for k, v := range task.Metadata {
			snapshot.Metadata[k] = v
		}
	}
	return snapshot
}

// mutate applies fn under the lock, stamps updatedAt, then prunes, persists
// and broadcasts. Terminal tasks are immutable.
func (t *Tracker) mutate(id string, fn func(*Task)) bool {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok || task.Status.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	fn(task)
	task.UpdatedAt = t.now()
	t.mu.Unlock()

	t.pruneExpired()
	t.changed()
	return true
}

// pruneExpired drops terminal tasks older than the TTL, announcing each
// removal.
func (t *Tracker) pruneExpired() {
	cutoff := t.now().Add(-t.ttl)
	var removed []string
	t.mu.Lock()
	for id, task := range t.tasks {
		if task.Status.IsTerminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(t.tasks, id)
			removed = append(removed, id)
		}
	}
	t.mu.Unlock()

	if t.bus != nil {
		for _, id := range removed {
			t.bus.Emit(events.TopicTasks, Removal{ID: id, Removed: true})
		}
	}
	if len(removed) > 0 {
		t.schedulePersist(false)
	}
}

// changed broadcasts the current roster and schedules a debounced persist.
func (t *Tracker) changed() {
	if t.bus != nil {
		t.bus.Emit(events.TopicTasks, t.List())
	}
	t.schedulePersist(false)
}

func (t *Tracker) schedulePersist(immediate bool) {
	if immediate {
		t.persist()
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.debounce, t.persist)
}

func (t *Tracker) persist() {
	t.mu.Lock()
	doc := fileSchema{Version: 1, GeneratedAt: t.now()}
	for _, task := range t.tasks {
		doc.Tasks = append(doc.Tasks, snapshotTask(task))
	}
	t.mu.Unlock()
	sort.Slice(doc.Tasks, func(i, j int) bool {
		return doc.Tasks[i].CreatedAt.Before(doc.Tasks[j].CreatedAt)
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		slog.Warn("[task] marshal failed", "error", err)
		return
	}
	data = append(data, '\n')

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("[task] mkdir failed", "dir", dir, "error", err)
		return
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("[task] write failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		slog.Warn("[task] rename failed", "path", t.path, "error", err)
	}
}

// Close flushes the pending persist.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.persist()
}
