package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/repository/repotest"
	"github.com/talkincode/chippool/pkg/metrics"
	"go.uber.org/goleak"
)

func wiredApp(t *testing.T) *Application {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.System.Workdir = t.TempDir()
	a := NewApplication(cfg)
	require.NoError(t, a.Wire(repotest.NewStore(t).DB()))
	return a
}

func TestWireSeedsDefaultJobs(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	a := wiredApp(t)
	defer a.Release()
	ctx := context.Background()

	jobs, total, err := a.Store().ListJobSchedules(ctx, repository.JobFilter{PerPage: 100})
	require.NoError(t, err)
	assert.EqualValues(t, len(domain.TaskTypes), total)
	for _, j := range jobs {
		assert.Greater(t, j.Interval, 0, j.TaskType)
	}
	assert.Equal(t, domain.TaskTypes, a.Jobs().Tasks())

	// seeding twice does not duplicate rows
	a.checkSchedulers(ctx)
	_, total, err = a.Store().ListJobSchedules(ctx, repository.JobFilter{PerPage: 100})
	require.NoError(t, err)
	assert.EqualValues(t, len(domain.TaskTypes), total)
	assert.Equal(t, int64(1), a.PoolConfig().Current().Version)
}

func TestRunTaskOnEmptyPool(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	a := wiredApp(t)
	defer a.Release()
	ctx := context.Background()

	for _, task := range []string{domain.TaskTrustSweep, domain.TaskAlertSweep, domain.TaskWarmupPlan, domain.TaskConnectionCheck} {
		require.NoError(t, a.RunTask(ctx, task), task)
	}
	job, err := a.Store().JobScheduleByTask(ctx, domain.TaskAlertSweep)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.LastResult)

	err = a.RunTask(ctx, "unknown")
	assert.True(t, domain.IsValidation(err))
}

func TestCloseDatesIncludesYesterday(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	a := wiredApp(t)
	defer a.Release()
	dates := a.closeDates()
	require.NotEmpty(t, dates)
	assert.LessOrEqual(t, len(dates), 2)
}

func TestHousekeepingTasks(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB(), goleak.IgnoreCurrent())
	a := wiredApp(t)
	defer a.Release()
	ctx := context.Background()

	require.NoError(t, a.Store().CreateChip(ctx, repotest.Chip("hk-1", domain.ChipActive)))
	require.NoError(t, a.Store().CreateChip(ctx, repotest.Chip("hk-2", domain.ChipActive)))
	a.SchedPoolGaugeTask()
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ChipsByStatus.WithLabelValues(string(domain.ChipActive))))

	assert.NotPanics(t, a.SchedClearExpireData)
	assert.NotPanics(t, func() { guarded("boom", func() { panic("boom") }) })
}
