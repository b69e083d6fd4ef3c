package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/monitor"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/repository/repotest"
	"github.com/talkincode/chippool/pkg/common"
	"go.uber.org/goleak"
)

func ignoreDB() goleak.Option {
	return goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener")
}

func newRunner(t *testing.T, timeout time.Duration) (*JobRunner, *repository.Store) {
	store := repotest.NewStore(t)
	return NewJobRunner(store, monitor.New(store), time.Hour, timeout), store
}

func addSchedule(t *testing.T, store *repository.Store, task string, next time.Time) *domain.JobSchedule {
	job := &domain.JobSchedule{
		ID:        common.UUIDint64(),
		Name:      task,
		TaskType:  task,
		Interval:  60,
		Status:    common.ENABLED,
		NextRunAt: next,
	}
	require.NoError(t, store.CreateJobSchedule(context.Background(), job))
	return job
}

func TestRunReportsSuccess(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	r, store := newRunner(t, time.Minute)
	ctx := context.Background()
	r.Register(domain.TaskTrustSweep, func(ctx context.Context) (int, int, error) {
		return 7, 1, nil
	})
	job := addSchedule(t, store, domain.TaskTrustSweep, time.Time{})

	require.NoError(t, r.Run(ctx, job))

	got, err := store.GetJobSchedule(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, got.LastResult)
	assert.Equal(t, "7 items, 1 failed", got.LastMessage)
	assert.True(t, got.NextRunAt.After(got.LastRunAt))

	runs, err := store.JobRuns(ctx, domain.TaskTrustSweep, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.JobSuccess, runs[0].Status)
}

func TestRunErrorTimeoutAndPanic(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	r, store := newRunner(t, 50*time.Millisecond)
	ctx := context.Background()

	r.Register(domain.TaskAlertSweep, func(ctx context.Context) (int, int, error) {
		return 0, 0, errors.New("boom")
	})
	r.Register(domain.TaskHealthAggregate, func(ctx context.Context) (int, int, error) {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	})
	r.Register(domain.TaskConnectionCheck, func(ctx context.Context) (int, int, error) {
		panic("gateway exploded")
	})

	cases := []struct {
		task   string
		result string
	}{
		{domain.TaskAlertSweep, domain.JobError},
		{domain.TaskHealthAggregate, domain.JobTimeout},
		{domain.TaskConnectionCheck, domain.JobError},
	}
	for _, tc := range cases {
		t.Run(tc.task, func(t *testing.T) {
			job := addSchedule(t, store, tc.task, time.Time{})
			require.Error(t, r.Run(ctx, job))
			got, err := store.GetJobSchedule(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.result, got.LastResult)
		})
	}
}

func TestRunRejectsOverlapAndUnknownTask(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	r, store := newRunner(t, time.Minute)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	r.Register(domain.TaskWarmupPlan, func(ctx context.Context) (int, int, error) {
		close(started)
		<-release
		return 1, 0, nil
	})
	job := addSchedule(t, store, domain.TaskWarmupPlan, time.Time{})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, job) }()
	<-started

	err := r.Run(ctx, job)
	assert.True(t, domain.IsConflict(err), "got %v", err)
	close(release)
	require.NoError(t, <-done)

	err = r.Run(ctx, &domain.JobSchedule{TaskType: "nope"})
	assert.True(t, domain.IsValidation(err))
}

func TestRunDueSkipsFutureJobs(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	r, store := newRunner(t, time.Minute)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	var due, future atomic.Int32
	r.Register(domain.TaskTrustSweep, func(ctx context.Context) (int, int, error) {
		due.Add(1)
		return 0, 0, nil
	})
	r.Register(domain.TaskAlertSweep, func(ctx context.Context) (int, int, error) {
		future.Add(1)
		return 0, 0, nil
	})
	addSchedule(t, store, domain.TaskTrustSweep, now.Add(-time.Minute))
	addSchedule(t, store, domain.TaskAlertSweep, now.Add(time.Minute))

	r.RunDue(context.Background())
	r.Wait()

	assert.Equal(t, int32(1), due.Load())
	assert.Equal(t, int32(0), future.Load())
	assert.Equal(t, []string{domain.TaskTrustSweep, domain.TaskAlertSweep}, r.Tasks())
}

func TestRunTaskWithoutSchedule(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	r, store := newRunner(t, time.Minute)
	ctx := context.Background()
	var ran atomic.Bool
	r.Register(domain.TaskWarmupCloseDay, func(ctx context.Context) (int, int, error) {
		ran.Store(true)
		return 0, 0, nil
	})

	require.NoError(t, r.RunTask(ctx, domain.TaskWarmupCloseDay))
	assert.True(t, ran.Load())

	runs, err := store.JobRuns(ctx, domain.TaskWarmupCloseDay, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.JobSuccess, runs[0].Status)
}

func TestStartStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	store := repotest.NewStore(t)
	r := NewJobRunner(store, monitor.New(store), 10*time.Millisecond, time.Minute)
	var calls atomic.Int32
	r.Register(domain.TaskTrustSweep, func(ctx context.Context) (int, int, error) {
		calls.Add(1)
		return 0, 0, nil
	})
	addSchedule(t, store, domain.TaskTrustSweep, time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	r.Wait()
}
