package app

import (
	"context"
	"time"

	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/pkg/common"
	"go.uber.org/zap"
)

// checkPoolConfig seeds the pool configuration row and publishes it.
func (a *Application) checkPoolConfig(ctx context.Context) error {
	if err := a.poolCfg.Load(ctx); err != nil {
		zap.L().Error("failed to load pool config", zap.Error(err))
		return err
	}
	cur := a.poolCfg.Current()
	zap.L().Info("pool config loaded", zap.String("namespace", "app"), zap.Int64("version", cur.Version))
	return nil
}

// checkSchedulers initializes default scheduled tasks
func (a *Application) checkSchedulers(ctx context.Context) {
	defaultSchedulers := []domain.JobSchedule{
		{
			Name:     "Warmup Plan",
			TaskType: domain.TaskWarmupPlan,
			Interval: 3600, // 1 hour, planning is idempotent per chip and day
			Status:   common.ENABLED,
			Remark:   "Plans the day's warmup activities of warming chips",
		},
		{
			Name:     "Warmup Day Close",
			TaskType: domain.TaskWarmupCloseDay,
			Interval: 3600, // 1 hour
			Status:   common.ENABLED,
			Remark:   "Closes finished warmup days and auto-promotes chips",
		},
		{
			Name:     "Trust Sweep",
			TaskType: domain.TaskTrustSweep,
			Interval: 3600, // 1 hour
			Status:   common.ENABLED,
			Remark:   "Applies hourly metric penalties to monitored chips",
		},
		{
			Name:     "Alert Sweep",
			TaskType: domain.TaskAlertSweep,
			Interval: 300, // 5 minutes
			Status:   common.ENABLED,
			Remark:   "Evaluates alert predicates and pool anomalies",
		},
		{
			Name:     "Health Aggregation",
			TaskType: domain.TaskHealthAggregate,
			Interval: 60, // 1 minute
			Status:   common.ENABLED,
			Remark:   "Computes and records the pool health score",
		},
		{
			Name:     "Connection Check",
			TaskType: domain.TaskConnectionCheck,
			Interval: 120, // 2 minutes
			Status:   common.ENABLED,
			Remark:   "Checks gateway sessions of connected chips",
		},
	}

	for _, sched := range defaultSchedulers {
		_, err := a.store.JobScheduleByTask(ctx, sched.TaskType)
		if err == nil {
			continue
		}
		if !domain.IsNotFound(err) {
			zap.L().Error("failed to query scheduler", zap.String("task_type", sched.TaskType), zap.Error(err))
			continue
		}
		sched.ID = common.UUIDint64()
		sched.NextRunAt = time.Now().Add(time.Duration(sched.Interval) * time.Second)
		if err := a.store.CreateJobSchedule(ctx, &sched); err != nil {
			zap.L().Error("failed to create default scheduler",
				zap.String("name", sched.Name),
				zap.Error(err))
		} else {
			zap.L().Info("initialized default scheduler",
				zap.String("name", sched.Name),
				zap.String("task_type", sched.TaskType))
		}
	}
}
