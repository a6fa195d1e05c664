package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/vesper/internal/model"
)

// DefaultTaskBudget is how long a launched task may run before it expires.
const DefaultTaskBudget = 30 * time.Second

// maxFinishedTasks bounds the finished tasks kept for inspection.
const maxFinishedTasks = 100

var (
	// ErrNotRegistered is returned for an identifier without a handler.
	ErrNotRegistered = errors.New("task identifier not registered")

	// ErrTaskNotFound is returned for an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSchedulerClosed is returned after Close.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// TaskHandler runs a launched task. It must eventually complete the task or
// let it expire.
type TaskHandler func(ctx context.Context, task *Task)

// Request asks the scheduler to launch the identifier's handler no earlier
// than EarliestBegin.
type Request struct {
	Identifier    string    `json:"identifier"`
	EarliestBegin time.Time `json:"earliest_begin"`
}

type pendingRequest struct {
	req   Request
	timer *time.Timer
}

// Scheduler launches registered background tasks at or after their requested
// time and expires them once their budget runs out.
type Scheduler struct {
	budget time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]TaskHandler
	pending  map[string]*pendingRequest
	tasks    map[string]*Task
	finished []string
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler granting each task budget. A non-positive
// budget uses DefaultTaskBudget.
func NewScheduler(budget time.Duration, logger *slog.Logger) *Scheduler {
	if budget <= 0 {
		budget = DefaultTaskBudget
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		budget:   budget,
		logger:   logger,
		handlers: make(map[string]TaskHandler),
		pending:  make(map[string]*pendingRequest),
		tasks:    make(map[string]*Task),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register installs the handler for identifier, replacing any previous one.
func (s *Scheduler) Register(identifier string, h TaskHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[identifier] = h
}

// Submit schedules req, replacing any pending request for the same
// identifier.
func (s *Scheduler) Submit(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if _, ok := s.handlers[req.Identifier]; !ok {
		return fmt.Errorf("submit %q: %w", req.Identifier, ErrNotRegistered)
	}
	if prev, ok := s.pending[req.Identifier]; ok {
		prev.timer.Stop()
	}

	p := &pendingRequest{req: req}
	p.timer = time.AfterFunc(time.Until(req.EarliestBegin), func() {
		s.fire(p)
	})
	s.pending[req.Identifier] = p

	s.logger.Debug("task request submitted",
		"identifier", req.Identifier,
		"earliest_begin", req.EarliestBegin,
	)
	return nil
}

// fire launches p if it is still the pending request for its identifier.
func (s *Scheduler) fire(p *pendingRequest) {
	s.mu.Lock()
	if s.closed || s.pending[p.req.Identifier] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, p.req.Identifier)
	task, h := s.launchLocked(p.req.Identifier)
	s.mu.Unlock()

	s.run(task, h)
}

// Trigger launches the identifier's handler now, consuming any pending
// request for it.
func (s *Scheduler) Trigger(identifier string) (*Task, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if _, ok := s.handlers[identifier]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("trigger %q: %w", identifier, ErrNotRegistered)
	}
	if p, ok := s.pending[identifier]; ok {
		p.timer.Stop()
		delete(s.pending, identifier)
	}
	task, h := s.launchLocked(identifier)
	s.mu.Unlock()

	s.run(task, h)
	return task, nil
}

// launchLocked creates a task for identifier and arms its budget.
// s.mu must be held.
func (s *Scheduler) launchLocked(identifier string) (*Task, TaskHandler) {
	task := newTask(model.NewID(), identifier, time.Now().UTC())
	task.finished = s.taskFinished

	task.mu.Lock()
	task.budget = time.AfterFunc(s.budget, func() {
		if task.Expire() {
			s.logger.Warn("task budget exhausted", "task_id", task.ID(), "identifier", identifier)
		}
	})
	task.mu.Unlock()
	s.tasks[task.ID()] = task
	return task, s.handlers[identifier]
}

func (s *Scheduler) run(task *Task, h TaskHandler) {
	s.logger.Info("task launched", "task_id", task.ID(), "identifier", task.Identifier())
	s.wg.Go(func() {
		h(s.ctx, task)
	})
}

// taskFinished records task as finished and prunes the oldest finished tasks.
func (s *Scheduler) taskFinished(task *Task) {
	_, success := task.Result()
	s.logger.Info("task finished", "task_id", task.ID(), "identifier", task.Identifier(), "success", success)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, task.ID())
	for len(s.finished) > maxFinishedTasks {
		delete(s.tasks, s.finished[0])
		s.finished = s.finished[1:]
	}
}

// Expire revokes the task with the given ID.
func (s *Scheduler) Expire(taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("expire %s: %w", taskID, ErrTaskNotFound)
	}
	task.Expire()
	return nil
}

// Task returns the task with the given ID.
func (s *Scheduler) Task(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return task, nil
}

// Pending returns the pending requests ordered by earliest begin.
func (s *Scheduler) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs := make([]Request, 0, len(s.pending))
	for _, p := range s.pending {
		reqs = append(reqs, p.req)
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].EarliestBegin.Before(reqs[j].EarliestBegin)
	})
	return reqs
}

// Tasks returns every known task, newest first.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID > infos[j].ID
	})
	return infos
}

// Close cancels pending requests, expires running tasks and waits for their
// handlers to return.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	running := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		running = append(running, t)
	}
	s.mu.Unlock()

	for _, t := range running {
		t.Expire()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close: %w", ctx.Err())
	}
}
