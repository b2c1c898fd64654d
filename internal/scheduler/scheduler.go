// Package scheduler runs background jobs, such as drift checks, on interval
// or cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/ruleledger/internal/clock"
	"grimm.is/ruleledger/internal/logging"
)

var (
	// ErrTaskNotFound is returned for an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotRunning is returned by RunTask before Start or after Stop.
	ErrNotRunning = errors.New("scheduler is not running")
)

// TaskFunc performs one run of a task. ctx is cancelled when the task times
// out, is removed, or the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Schedule decides when a task runs next. A zero time means never.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Task is a unit of scheduled work.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	Enabled    bool
	RunOnStart bool
	Timeout    time.Duration
}

// TaskStatus is the run history of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for due checks and run history.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTick sets how often due tasks are looked for.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// Scheduler runs tasks when their schedules come due. A task never
// overlaps itself: a run that is still going when the next one is due
// delays it.
type Scheduler struct {
	clock  clock.Clock
	tick   time.Duration
	logger *logging.Logger

	mu      sync.Mutex
	tasks   map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type entry struct {
	task   Task
	status TaskStatus
	busy   bool
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *logging.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Scheduler{
		clock:  clock.RealClock{},
		tick:   time.Second,
		logger: logger.WithComponent("scheduler"),
		tasks:  make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddTask registers a task. IDs are unique.
func (s *Scheduler) AddTask(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if t.Schedule == nil {
		return fmt.Errorf("task %s: schedule is required", t.ID)
	}
	if t.Func == nil {
		return fmt.Errorf("task %s: function is required", t.ID)
	}
	if t.Name == "" {
		t.Name = t.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}

	e := &entry{
		task:   t,
		status: TaskStatus{ID: t.ID, Name: t.Name, Enabled: t.Enabled},
	}
	if t.Enabled {
		e.status.NextRun = t.Schedule.Next(s.clock.Now())
	}
	s.tasks[t.ID] = e
	s.logger.Info("task added", "id", t.ID, "next_run", e.status.NextRun)
	return nil
}

// RemoveTask unregisters a task and cancels its current run.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(s.tasks, id)
	s.logger.Info("task removed", "id", id)
	return nil
}

// EnableTask turns scheduled runs of a task on or off.
func (s *Scheduler) EnableTask(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	e.task.Enabled = enabled
	e.status.Enabled = enabled
	e.status.NextRun = time.Time{}
	if enabled {
		e.status.NextRun = e.task.Schedule.Next(s.clock.Now())
	}
	return nil
}

// RunTask starts a run of a task now, whether or not it is enabled. It
// is a no-op while the task is already running.
func (s *Scheduler) RunTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !s.running {
		return ErrNotRunning
	}
	s.dispatch(e)
	return nil
}

// Status returns every task's status ordered by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TaskStatus returns one task's status.
func (s *Scheduler) TaskStatus(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return TaskStatus{}, false
	}
	return e.status, true
}

// Start begins dispatching due tasks. Enabled tasks marked RunOnStart run
// immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	for _, e := range s.tasks {
		if e.task.Enabled && e.task.RunOnStart {
			s.dispatch(e)
		}
	}

	s.wg.Add(1)
	go s.loop(s.ctx)
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels running tasks and waits for them to return. It is safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether Start has been called without a later Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue()
		}
	}
}

// runDue dispatches every enabled task whose next run has passed.
func (s *Scheduler) runDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	now := s.clock.Now()
	for _, e := range s.tasks {
		next := e.status.NextRun
		if !e.task.Enabled || next.IsZero() || now.Before(next) {
			continue
		}
		s.dispatch(e)
	}
}

// dispatch starts a run of e. s.mu must be held.
func (s *Scheduler) dispatch(e *entry) {
	if e.busy {
		return
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if e.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, e.task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	e.busy = true
	e.cancel = cancel
	e.status.Running = true

	s.wg.Add(1)
	go s.execute(ctx, e, e.task)
}

func (s *Scheduler) execute(ctx context.Context, e *entry, t Task) {
	defer s.wg.Done()

	s.logger.Debug("running task", "id", t.ID)
	start := s.clock.Now()
	err := t.Func(ctx)
	elapsed := s.clock.Since(start)

	s.mu.Lock()
	e.cancel()
	e.busy = false
	e.cancel = nil
	e.status.Running = false
	e.status.LastRun = start
	e.status.LastDuration = elapsed
	e.status.RunCount++
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
		e.status.ErrorCount++
	}
	if e.task.Enabled {
		e.status.NextRun = e.task.Schedule.Next(s.clock.Now())
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed", "id", t.ID, "error", err, "duration", elapsed)
		return
	}
	s.logger.Debug("task completed", "id", t.ID, "duration", elapsed)
}
