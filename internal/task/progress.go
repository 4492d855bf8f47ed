package task

import (
	"strings"
	"time"
)

// Context is handed to task handlers. It scopes all progress mutation to one
// task and stays valid until the handler returns.
type Context struct {
	tr *Tracker
	id string
}

// TaskID returns the owning task's id.
func (c *Context) TaskID() string {
	return c.id
}

// Snapshot returns the current state of the task.
func (c *Context) Snapshot() (Task, bool) {
	return c.tr.Get(c.id)
}

// UpdateMetadata merges patch into the task metadata.
func (c *Context) UpdateMetadata(patch map[string]any) {
	c.tr.mutate(c.id, func(task *Task) {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			task.Metadata[k] = v
		}
	})
}

// SetResult records the task result ahead of completion.
func (c *Context) SetResult(value any) {
	c.tr.mutate(c.id, func(task *Task) {
		task.Result = value
	})
}

// EnsureStep registers a step if it does not exist yet. A non-empty label
// updates the existing one.
func (c *Context) EnsureStep(id, label string) {
	c.tr.mutate(c.id, func(task *Task) {
		if step := findStep(task, id); step != nil {
			if label != "" {
				step.Label = label
			}
			return
		}
		task.Steps = append(task.Steps, Step{ID: id, Label: label, Status: StepPending})
	})
}

// StartStep moves a step to running.
func (c *Context) StartStep(id string) {
	c.stepTransition(id, StepRunning)
}

// CompleteStep resolves a step successfully.
func (c *Context) CompleteStep(id string) {
	c.stepTransition(id, StepSucceeded)
}

// SkipStep resolves a step as skipped.
func (c *Context) SkipStep(id string) {
	c.stepTransition(id, StepSkipped)
}

// FailStep resolves a step as failed.
func (c *Context) FailStep(id string) {
	c.stepTransition(id, StepFailed)
}

// LogStep appends a log line to a step, creating the step on demand. Empty
// messages are dropped.
func (c *Context) LogStep(id, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	c.tr.mutate(c.id, func(task *Task) {
		step := findStep(task, id)
		if step == nil {
			task.Steps = append(task.Steps, Step{ID: id, Status: StepPending})
			step = &task.Steps[len(task.Steps)-1]
		}
		step.Logs = append(step.Logs, StepLog{
			ID:        c.tr.newID(),
			Message:   message,
			Timestamp: c.tr.now(),
		})
		if overflow := len(step.Logs) - maxStepLogLines; overflow > 0 {
			step.Logs = append(step.Logs[:0:0], step.Logs[overflow:]...)
		}
	})
}

func (c *Context) stepTransition(id string, to StepStatus) {
	c.tr.mutate(c.id, func(task *Task) {
		step := findStep(task, id)
		if step == nil {
			task.Steps = append(task.Steps, Step{ID: id, Status: StepPending})
			step = &task.Steps[len(task.Steps)-1]
		}
		if step.Status.isTerminal() {
			return
		}
		now := c.tr.now()
		switch to {
		case StepRunning:
			if step.Status == StepPending {
				step.Status = StepRunning
				started := now
				step.StartedAt = &started
			}
		default:
			step.Status = to
			completed := now
			step.CompletedAt = &completed
			if step.StartedAt == nil && to == StepSucceeded {
				step.StartedAt = &completed
			}
		}
	})
}

func findStep(task *Task, id string) *Step {
	for i := range task.Steps {
		if task.Steps[i].ID == id {
			return &task.Steps[i]
		}
	}
	return nil
}

// WaitTerminal blocks until the task reaches a terminal status or the
// timeout lapses, returning the latest snapshot either way.
func (t *Tracker) WaitTerminal(id string, timeout time.Duration) (Task, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if task, ok := t.Get(id); !ok || task.Status.IsTerminal() {
			return task, ok
		}
		time.Sleep(2 * time.Millisecond)
	}
	task, ok := t.Get(id)
	return task, ok
}
