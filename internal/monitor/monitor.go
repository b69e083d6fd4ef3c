// Package monitor records engine job runs and detects jobs that stopped
// running.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/pkg/common"
	"go.uber.org/zap"
)

// Reporter is told about every job execution.
type Reporter interface {
	Start(ctx context.Context, job *domain.JobSchedule) Run
}

// Run receives exactly one terminal report.
type Run interface {
	Success(items, failed int)
	Error(err error)
	Timeout()
}

// writeTimeout bounds the bookkeeping writes of a finished run. They use a
// fresh context since the job's own context is often already done.
const writeTimeout = 5 * time.Second

// Monitor is the GORM-backed Reporter.
type Monitor struct {
	store *repository.Store
	now   func() time.Time
}

func New(store *repository.Store) *Monitor {
	return &Monitor{store: store, now: time.Now}
}

func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start creates the running history row of one execution.
func (m *Monitor) Start(ctx context.Context, job *domain.JobSchedule) Run {
	r := &run{
		m:   m,
		job: *job,
		row: domain.JobRun{
			ID:        common.UUIDint64(),
			JobID:     job.ID,
			TaskType:  job.TaskType,
			Status:    domain.JobRunning,
			StartedAt: m.now().UTC(),
		},
	}
	if err := m.store.CreateJobRun(ctx, &r.row); err != nil {
		zap.L().Error("record job start", zap.String("namespace", "monitor"), zap.String("task", job.TaskType), zap.Error(err))
	}
	return r
}

type run struct {
	m        *Monitor
	job      domain.JobSchedule
	row      domain.JobRun
	finished bool
}

func (r *run) Success(items, failed int) {
	msg := fmt.Sprintf("%d items, %d failed", items, failed)
	r.finish(domain.JobSuccess, items, failed, msg)
}

func (r *run) Error(err error) {
	r.finish(domain.JobError, 0, 0, err.Error())
}

func (r *run) Timeout() {
	r.finish(domain.JobTimeout, 0, 0, fmt.Sprintf("exceeded %ds timeout", r.job.Timeout))
}

func (r *run) finish(status string, items, failed int, msg string) {
	if r.finished {
		return
	}
	r.finished = true
	end := r.m.now().UTC()
	r.row.Status = status
	r.row.FinishedAt = &end
	r.row.DurationMs = end.Sub(r.row.StartedAt).Milliseconds()
	r.row.Items, r.row.ItemsFailed, r.row.Message = items, failed, msg

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.m.store.FinishJobRun(ctx, &r.row); err != nil {
		zap.L().Error("record job finish", zap.String("namespace", "monitor"), zap.String("task", r.job.TaskType), zap.Error(err))
	}
	if r.job.ID == 0 {
		return
	}
	next := r.row.StartedAt.Add(r.job.ExpectedEvery())
	if err := r.m.store.MarkJobRun(ctx, r.job.ID, r.row.StartedAt, next, status, msg); err != nil {
		zap.L().Error("update job schedule", zap.String("namespace", "monitor"), zap.String("task", r.job.TaskType), zap.Error(err))
	}
}

// Stale returns one StalenessError per enabled job whose last run is older
// than twice its interval. A job that never ran is measured from its
// creation.
func (m *Monitor) Stale(ctx context.Context, now time.Time) ([]*domain.StalenessError, error) {
	jobs, err := m.store.EnabledJobSchedules(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.StalenessError
	for _, job := range jobs {
		every := job.ExpectedEvery()
		if every <= 0 {
			continue
		}
		ref := job.LastRunAt
		if ref.IsZero() {
			ref = job.CreatedAt
		}
		if ref.Add(2 * every).Before(now) {
			out = append(out, &domain.StalenessError{Job: job.TaskType, LastRun: job.LastRunAt, Expected: every})
		}
	}
	return out, nil
}

// JobCount returns the number of enabled jobs, the denominator of the
// staleness sub-check.
func (m *Monitor) JobCount(ctx context.Context) (int, error) {
	jobs, err := m.store.EnabledJobSchedules(ctx)
	return len(jobs), err
}

// FailureRate is the fraction of the last n finished runs of taskType that
// errored or timed out. It is 0 when there are no runs.
func (m *Monitor) FailureRate(ctx context.Context, taskType string, n int) (float64, error) {
	runs, err := m.store.JobRuns(ctx, taskType, n)
	if err != nil {
		return 0, err
	}
	total, failed := 0, 0
	for _, r := range runs {
		switch r.Status {
		case domain.JobRunning:
			continue
		case domain.JobError, domain.JobTimeout:
			failed++
		}
		total++
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

// Abandon closes runs a crashed process left in running state.
func (m *Monitor) Abandon(ctx context.Context) error {
	n, err := m.store.AbandonRunningJobs(ctx, m.now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		zap.L().Warn("abandoned job runs", zap.String("namespace", "monitor"), zap.Int64("count", n))
	}
	return nil
}
