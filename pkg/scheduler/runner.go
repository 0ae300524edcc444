package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/schedule"
	"github.com/jdziat/archive-lifecycle/pkg/security"
)

// LastRunPrefix prefixes the option names holding task last-run timestamps.
const LastRunPrefix = "scheduled_task_last_run."

// RunLockKey is the lock guarding a whole scheduled run.
const RunLockKey = "scheduled-tasks"

// Priority is the tier a task runs in. Lower values run first.
type Priority int

const (
	PriorityHighest Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityLowest
)

func (p Priority) String() string {
	switch p {
	case PriorityHighest:
		return "highest"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityLowest:
		return "lowest"
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

// State is where a task is in its run cycle.
type State string

const (
	StateIdle      State = "idle"
	StateDue       State = "due"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Task is a named unit of scheduled work.
type Task struct {
	Name     string
	Schedule schedule.Schedule
	Priority Priority
	// RecordBeforeRun stores the last-run time before running, so a task that
	// crashes the process is not retried on the next trigger.
	RecordBeforeRun bool
	Run             func(ctx context.Context) error
}

// TaskRunReport is the outcome of one task in a scheduled run.
type TaskRunReport struct {
	Name     string
	State    State
	Started  time.Time
	Duration time.Duration
	// NextRun is when the task becomes due again.
	NextRun time.Time
	Err     error
}

// OptionStore persists last-run timestamps. storage.GormStorage implements it.
type OptionStore interface {
	GetOption(ctx context.Context, name string) (string, bool, error)
	SetOption(ctx context.Context, name, value string) error
}

type registered struct {
	task  Task
	state State
}

// Runner holds scheduled tasks and runs the due ones.
type Runner struct {
	store OptionStore

	mu    sync.Mutex
	tasks []*registered

	logger       *slog.Logger
	now          func() time.Time
	locker       core.Locker
	lockTTL      time.Duration
	retry        RetryConfig
	pollInterval time.Duration
	observers    []core.Observer
}

// New creates a Runner persisting its bookkeeping in store.
func New(store OptionStore, opts ...Option) *Runner {
	r := &Runner{
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		lockTTL:      time.Hour,
		retry:        DefaultRetryConfig(),
		pollInterval: time.Minute,
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// Register adds a task. Names must be unique.
func (r *Runner) Register(t Task) error {
	if err := security.ValidateTaskName(t.Name); err != nil {
		return err
	}
	if t.Schedule == nil || t.Run == nil {
		return fmt.Errorf("%w: task %q needs a schedule and a run function", core.ErrInvalidArgument, t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.tasks {
		if reg.task.Name == t.Name {
			return fmt.Errorf("%w: %s", core.ErrDuplicateTask, t.Name)
		}
	}
	r.tasks = append(r.tasks, &registered{task: t, state: StateIdle})
	return nil
}

// Tasks lists the registered tasks in run order: tier first, then registration order.
func (r *Runner) Tasks() []Task {
	ordered := r.ordered()
	out := make([]Task, len(ordered))
	for i, reg := range ordered {
		out[i] = reg.task
	}
	return out
}

// State returns the current state of a task, or "" when unknown.
func (r *Runner) State(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.tasks {
		if reg.task.Name == name {
			return reg.state
		}
	}
	return ""
}

func (r *Runner) setState(reg *registered, s State) {
	r.mu.Lock()
	reg.state = s
	r.mu.Unlock()
}

func (r *Runner) ordered() []*registered {
	r.mu.Lock()
	out := make([]*registered, len(r.tasks))
	copy(out, r.tasks)
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].task.Priority < out[j].task.Priority })
	return out
}

// LastRun returns when a task last ran; the zero time means never.
func (r *Runner) LastRun(ctx context.Context, name string) (time.Time, error) {
	v, ok, err := r.store.GetOption(ctx, LastRunPrefix+name)
	if err != nil || !ok {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.logger.Warn("ignoring malformed task last run", "task", name, "value", v)
		return time.Time{}, nil
	}
	return time.Unix(sec, 0).UTC(), nil
}

func (r *Runner) recordRun(ctx context.Context, name string, at time.Time) error {
	return withRetry(ctx, r.retry, func() error {
		return r.store.SetOption(ctx, LastRunPrefix+name, strconv.FormatInt(at.Unix(), 10))
	})
}

// RunScheduledTasks runs every due task once, in priority order. A failing or
// panicking task does not affect the others. It returns a report for every
// registered task; tasks that were not due are reported idle.
//
// With a locker configured, a run already in progress elsewhere returns
// core.ErrConcurrencyConflict and no reports.
func (r *Runner) RunScheduledTasks(ctx context.Context) ([]TaskRunReport, error) {
	var lease core.Lease
	if r.locker != nil {
		l, err := r.locker.TryLock(ctx, RunLockKey, r.lockTTL)
		if err != nil {
			if errors.Is(err, core.ErrConcurrencyConflict) {
				r.logger.Info("scheduled tasks already running in another process")
			}
			return nil, err
		}
		lease = l
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("failed to release scheduled task lock", "error", err)
			}
		}()
	}

	var reports []TaskRunReport
	for _, reg := range r.ordered() {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		reports = append(reports, r.runIfDue(ctx, reg, false))
		if lease != nil {
			if err := lease.Refresh(ctx, r.lockTTL); err != nil {
				r.logger.Warn("failed to refresh scheduled task lock", "error", err)
			}
		}
	}
	return reports, nil
}

// RunTask runs one task immediately, due or not, and records its last run.
func (r *Runner) RunTask(ctx context.Context, name string) (TaskRunReport, error) {
	for _, reg := range r.ordered() {
		if reg.task.Name == name {
			return r.runIfDue(ctx, reg, true), nil
		}
	}
	return TaskRunReport{Name: name}, fmt.Errorf("%w: unknown task %q", core.ErrInvalidArgument, name)
}

func (r *Runner) runIfDue(ctx context.Context, reg *registered, force bool) TaskRunReport {
	t := reg.task
	now := r.now()
	rep := TaskRunReport{Name: t.Name, State: StateIdle}

	last, err := r.LastRun(ctx, t.Name)
	if err != nil {
		rep.State, rep.Err = StateFailed, err
		r.logger.Error("failed to read task last run", "task", t.Name, "error", err)
		return rep
	}
	if !force && !last.IsZero() {
		if next := t.Schedule.Next(last); now.Before(next) {
			rep.NextRun = next
			return rep
		}
	}
	r.setState(reg, StateDue)

	if t.RecordBeforeRun {
		if err := r.recordRun(ctx, t.Name, now); err != nil {
			r.setState(reg, StateFailed)
			rep.State, rep.Err = StateFailed, err
			r.logger.Error("failed to record task run, task not started", "task", t.Name, "error", err)
			return rep
		}
	}

	r.setState(reg, StateRunning)
	rep.Started = now
	r.logger.Info("running scheduled task", "task", t.Name, "priority", t.Priority.String())
	start := time.Now()
	err = r.execute(ctx, t)
	rep.Duration = time.Since(start)

	if !t.RecordBeforeRun {
		if rerr := r.recordRun(ctx, t.Name, now); rerr != nil {
			r.logger.Error("failed to record task run", "task", t.Name, "error", rerr)
			err = errors.Join(err, rerr)
		}
	}
	rep.NextRun = t.Schedule.Next(now)

	if err != nil {
		rep.State, rep.Err = StateFailed, err
		r.logger.Error("scheduled task failed", "task", t.Name, "duration", rep.Duration, "error", err)
	} else {
		rep.State = StateSucceeded
		r.logger.Info("scheduled task finished", "task", t.Name, "duration", rep.Duration)
	}
	r.setState(reg, rep.State)
	core.Notify(ctx, r.observers, &core.TaskRun{
		Name:      t.Name,
		Succeeded: err == nil,
		Error:     err,
		Duration:  rep.Duration,
		Timestamp: r.now(),
	})
	return rep
}

func (r *Runner) execute(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.Run(ctx)
}

// Start runs due tasks every poll interval until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunScheduledTasks(ctx); err != nil && !errors.Is(err, core.ErrConcurrencyConflict) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("scheduled run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
