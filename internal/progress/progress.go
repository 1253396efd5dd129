// Package progress tracks long-running tasks reported by producers so that
// owners and administrators can watch and cancel them.
package progress

import (
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Tyrowin/fanout/internal/apperr"
	"github.com/Tyrowin/fanout/internal/session"
)

const defaultCapacity = 1000

// Status of a task.
type Status string

const (
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Task is a snapshot of one tracked task.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Label       string     `json:"label"`
	Percent     float64    `json:"percent"`
	Message     string     `json:"message,omitempty"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	CancelledBy string     `json:"cancelledBy,omitempty"`
}

func (task *Task) snapshot() Task {
	out := *task
	if task.FinishedAt != nil {
		at := *task.FinishedAt
		out.FinishedAt = &at
	}
	return out
}

// Tracker keeps at most capacity tasks; the least recently touched task is
// evicted first. Not safe for concurrent use.
type Tracker struct {
	tasks *lru.Cache[string, *Task]
	now   func() time.Time
	newID func() string
}

// NewTracker creates a Tracker holding up to capacity tasks.
func NewTracker(capacity int, now func() time.Time) *Tracker {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	// lru.New only fails on a non-positive size.
	tasks, _ := lru.New[string, *Task](capacity)
	return &Tracker{tasks: tasks, now: now, newID: uuid.NewString}
}

// Start registers a running task owned by userID.
func (t *Tracker) Start(userID, label string) (Task, error) {
	const op = "progress.start"
	if strings.TrimSpace(userID) == "" {
		return Task{}, apperr.Validation(op, "userId is required")
	}
	now := t.now()
	task := &Task{
		ID:        t.newID(),
		UserID:    userID,
		Label:     label,
		Status:    Running,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.tasks.Add(task.ID, task)
	return task.snapshot(), nil
}

// Update records progress on a running task. Percent is clamped to
// [0, 100].
func (t *Tracker) Update(id string, percent float64, message string) (Task, error) {
	const op = "progress.update"
	task, err := t.running(op, id)
	if err != nil {
		return Task{}, err
	}
	task.Percent = clamp(percent)
	if message != "" {
		task.Message = message
	}
	task.UpdatedAt = t.now()
	return task.snapshot(), nil
}

// Finish moves a running task to Completed or Failed.
func (t *Tracker) Finish(id string, status Status, message string) (Task, error) {
	const op = "progress.finish"
	if status != Completed && status != Failed {
		return Task{}, apperr.Validation(op, "status must be %s or %s", Completed, Failed)
	}
	task, err := t.running(op, id)
	if err != nil {
		return Task{}, err
	}
	if status == Completed {
		task.Percent = 100
	}
	if message != "" {
		task.Message = message
	}
	t.finish(task, status)
	return task.snapshot(), nil
}

// Cancel stops a running task. Only the owner or a privileged role may
// cancel.
func (t *Tracker) Cancel(id, actorUserID string, actorRole session.Role) (Task, error) {
	const op = "progress.cancel"
	task, ok := t.tasks.Get(id)
	if !ok {
		return Task{}, apperr.NotFound(op, "progress %q not found", id)
	}
	if task.UserID != actorUserID && !actorRole.Privileged() {
		return Task{}, apperr.PermissionDenied(op, "progress %q belongs to another user", id)
	}
	if task.Status.Finished() {
		return Task{}, apperr.Validation(op, "progress %q is already %s", id, task.Status)
	}
	task.CancelledBy = actorUserID
	t.finish(task, Cancelled)
	return task.snapshot(), nil
}

func (t *Tracker) running(op, id string) (*Task, error) {
	task, ok := t.tasks.Get(id)
	if !ok {
		return nil, apperr.NotFound(op, "progress %q not found", id)
	}
	if task.Status.Finished() {
		return nil, apperr.Validation(op, "progress %q is already %s", id, task.Status)
	}
	return task, nil
}

func (t *Tracker) finish(task *Task, status Status) {
	now := t.now()
	task.Status = status
	task.UpdatedAt = now
	task.FinishedAt = &now
}

// Get returns a task without touching its recency.
func (t *Tracker) Get(id string) (Task, bool) {
	task, ok := t.tasks.Peek(id)
	if !ok {
		return Task{}, false
	}
	return task.snapshot(), true
}

// Len returns the number of tracked tasks.
func (t *Tracker) Len() int {
	return t.tasks.Len()
}

// Sweep removes finished tasks whose FinishedAt is older than retain.
func (t *Tracker) Sweep(retain time.Duration) int {
	cutoff := t.now().Add(-retain)
	removed := 0
	for _, id := range t.tasks.Keys() {
		task, ok := t.tasks.Peek(id)
		if !ok || task.FinishedAt == nil {
			continue
		}
		if task.FinishedAt.Before(cutoff) {
			t.tasks.Remove(id)
			removed++
		}
	}
	return removed
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
