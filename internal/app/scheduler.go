package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/monitor"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/pkg/metrics"
	"go.uber.org/zap"
)

// TaskFunc is the body of one engine job type.
type TaskFunc func(ctx context.Context) (items, failed int, err error)

// JobRunner runs enabled job schedules periodically. A job never overlaps
// with itself.
type JobRunner struct {
	store    *repository.Store
	reporter monitor.Reporter
	tick     time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	tasks   map[string]TaskFunc
	running map[string]bool
	wg      sync.WaitGroup
}

func NewJobRunner(store *repository.Store, reporter monitor.Reporter, tick, timeout time.Duration) *JobRunner {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &JobRunner{
		store:    store,
		reporter: reporter,
		tick:     tick,
		timeout:  timeout,
		now:      time.Now,
		tasks:    make(map[string]TaskFunc),
		running:  make(map[string]bool),
	}
}

func (r *JobRunner) SetClock(now func() time.Time) {
	r.now = now
}

// Register binds a task type to its body.
func (r *JobRunner) Register(taskType string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskType] = fn
}

// Tasks returns the registered task types.
func (r *JobRunner) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for _, t := range domain.TaskTypes {
		if _, ok := r.tasks[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Start runs due jobs every tick until ctx is done.
func (r *JobRunner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunDue(ctx)
			}
		}
	}()
}

// Wait blocks until the loop and every job it started have returned.
func (r *JobRunner) Wait() {
	r.wg.Wait()
}

// RunDue starts every enabled job whose next_run_at has passed.
func (r *JobRunner) RunDue(ctx context.Context) {
	jobs, err := r.store.EnabledJobSchedules(ctx)
	if err != nil {
		zap.L().Error("load job schedules", zap.String("namespace", "scheduler"), zap.Error(err))
		return
	}
	now := r.now()
	for i := range jobs {
		job := jobs[i]
		if !job.NextRunAt.IsZero() && now.Before(job.NextRunAt) {
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.Run(ctx, &job); err != nil && !domain.IsConflict(err) {
				zap.L().Warn("job failed", zap.String("namespace", "scheduler"),
					zap.String("task", job.TaskType), zap.Error(err))
			}
		}()
	}
}

// Run executes job synchronously and reports it to the monitor. A run of
// the same task type already in flight is a ConflictError.
func (r *JobRunner) Run(ctx context.Context, job *domain.JobSchedule) (err error) {
	r.mu.Lock()
	fn, ok := r.tasks[job.TaskType]
	if !ok {
		r.mu.Unlock()
		return &domain.ValidationError{Field: "task_type", Reason: fmt.Sprintf("unknown task %q", job.TaskType)}
	}
	if r.running[job.TaskType] {
		r.mu.Unlock()
		return &domain.ConflictError{Action: "run_job", Guard: "running", Reason: job.TaskType + " is already running"}
	}
	r.running[job.TaskType] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, job.TaskType)
		r.mu.Unlock()
	}()

	timeout := r.timeout
	if job.Timeout > 0 {
		timeout = time.Duration(job.Timeout) * time.Second
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	run := r.reporter.Start(jctx, job)
	result := domain.JobSuccess
	defer func() {
		metrics.JobRunsTotal.WithLabelValues(job.TaskType, result).Inc()
		metrics.JobDuration.WithLabelValues(job.TaskType).Observe(time.Since(started).Seconds())
	}()
	defer func() {
		if rec := recover(); rec != nil {
			result = domain.JobError
			err = fmt.Errorf("job %s panicked: %v", job.TaskType, rec)
			zap.L().Error("job panic", zap.String("namespace", "scheduler"), zap.String("task", job.TaskType), zap.Any("panic", rec))
			run.Error(err)
		}
	}()

	items, failed, err := fn(jctx)
	switch {
	case errors.Is(jctx.Err(), context.DeadlineExceeded):
		result = domain.JobTimeout
		run.Timeout()
		return fmt.Errorf("job %s timed out after %s", job.TaskType, timeout)
	case err != nil:
		result = domain.JobError
		run.Error(err)
		return err
	}
	run.Success(items, failed)
	zap.L().Debug("job finished", zap.String("namespace", "scheduler"), zap.String("task", job.TaskType),
		zap.Int("items", items), zap.Int("failed", failed), zap.Duration("took", time.Since(started)))
	return nil
}

// RunNow executes the schedule with the given id immediately.
func (r *JobRunner) RunNow(ctx context.Context, id int64) error {
	job, err := r.store.GetJobSchedule(ctx, id)
	if err != nil {
		return err
	}
	return r.Run(ctx, job)
}

// RunTask executes the schedule of a task type, or an unscheduled one-off
// run when the task has no schedule row.
func (r *JobRunner) RunTask(ctx context.Context, taskType string) error {
	job, err := r.store.JobScheduleByTask(ctx, taskType)
	if domain.IsNotFound(err) {
		job, err = &domain.JobSchedule{Name: taskType, TaskType: taskType}, nil
	}
	if err != nil {
		return err
	}
	return r.Run(ctx, job)
}

func (a *Application) RunJobNow(ctx context.Context, id int64) error {
	return a.runner.RunNow(ctx, id)
}

func (a *Application) RunTask(ctx context.Context, taskType string) error {
	return a.runner.RunTask(ctx, taskType)
}

// registerTasks binds every engine job to the runner.
func (a *Application) registerTasks() {
	a.runner.Register(domain.TaskWarmupPlan, func(ctx context.Context) (int, int, error) {
		res, err := a.warmup.PlanDay(ctx, a.warmup.Today())
		return res.Planned, res.Failed, err
	})
	a.runner.Register(domain.TaskWarmupCloseDay, func(ctx context.Context) (int, int, error) {
		items, failed := 0, 0
		for _, date := range a.closeDates() {
			res, err := a.warmup.CloseDay(ctx, date)
			if err != nil {
				return items, failed, err
			}
			items += res.Closed
			failed += res.Failed
		}
		return items, failed, nil
	})
	a.runner.Register(domain.TaskTrustSweep, a.trust.Sweep)
	a.runner.Register(domain.TaskAlertSweep, a.alerts.Sweep)
	a.runner.Register(domain.TaskHealthAggregate, func(ctx context.Context) (int, int, error) {
		rep, err := a.health.Aggregate(ctx)
		return rep.Monitored, 0, err
	})
	a.runner.Register(domain.TaskConnectionCheck, a.machine.ConnectionSweep)
}

// closeDates returns yesterday, plus today once its operating window has
// ended.
func (a *Application) closeDates() []string {
	now := time.Now().In(a.loc)
	dates := []string{now.AddDate(0, 0, -1).Format(domain.PlanDateLayout)}
	_, end, err := a.poolCfg.Current().OperatingHours.Bounds(now)
	if err == nil && !now.Before(end) {
		dates = append(dates, now.Format(domain.PlanDateLayout))
	}
	return dates
}
