package host

import (
	"sync"
	"time"
)

// TaskState is the lifecycle state of a launched task.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// TaskInfo is a point-in-time view of a task.
type TaskInfo struct {
	ID         string     `json:"id"`
	Identifier string     `json:"identifier"`
	State      TaskState  `json:"state"`
	Expired    bool       `json:"expired"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Task is a launched background task: a time-bounded grant to run. It
// satisfies coordinator.TaskToken.
type Task struct {
	id         string
	identifier string
	startedAt  time.Time

	mu         sync.Mutex
	completed  bool
	success    bool
	expired    bool
	finishedAt time.Time
	onExpire   func()
	budget     *time.Timer
	finished   func(*Task)
}

func newTask(id, identifier string, now time.Time) *Task {
	return &Task{id: id, identifier: identifier, startedAt: now}
}

// ID returns the task's unique ID.
func (t *Task) ID() string {
	return t.id
}

// Identifier returns the registered identifier the task was launched for.
func (t *Task) Identifier() string {
	return t.identifier
}

// SetTaskCompleted finalizes the task. Only the first call counts.
func (t *Task) SetTaskCompleted(success bool) {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	t.completed = true
	t.success = success
	t.finishedAt = time.Now().UTC()
	if t.budget != nil {
		t.budget.Stop()
	}
	finished := t.finished
	t.mu.Unlock()

	if finished != nil {
		finished(t)
	}
}

// OnExpire installs fn as the expiration handler. If the task has already
// expired, fn runs immediately.
func (t *Task) OnExpire(fn func()) {
	t.mu.Lock()
	if !t.expired {
		t.onExpire = fn
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

// Expire revokes the task's grant. The expiration handler runs first; a
// task still incomplete afterwards is completed as failed. It reports false
// if the task had already completed or expired.
func (t *Task) Expire() bool {
	t.mu.Lock()
	if t.completed || t.expired {
		t.mu.Unlock()
		return false
	}
	t.expired = true
	fn := t.onExpire
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
	t.SetTaskCompleted(false)
	return true
}

// Result reports whether the task has completed and, if so, whether it
// succeeded.
func (t *Task) Result() (completed, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.success
}

// Info returns a snapshot of the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := TaskInfo{
		ID:         t.id,
		Identifier: t.identifier,
		State:      TaskRunning,
		Expired:    t.expired,
		StartedAt:  t.startedAt,
	}
	if t.completed {
		info.State = TaskFailed
		if t.success {
			info.State = TaskSucceeded
		}
		finishedAt := t.finishedAt
		info.FinishedAt = &finishedAt
	}
	return info
}
