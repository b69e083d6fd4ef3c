package app

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/pkg/metrics"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// initJob starts the housekeeping cron. Engine jobs run through the
// JobRunner instead.
func (a *Application) initJob() {
	a.sched = cron.New(cron.WithLocation(a.loc), cron.WithParser(cronParser))
	for spec, task := range map[string]func(){
		"@every 30s": func() {
			go guarded("host monitor", a.SchedHostMonitorTask)
			go guarded("pool gauge", a.SchedPoolGaugeTask)
		},
		"@daily": func() { guarded("retention", a.SchedClearExpireData) },
	} {
		if _, err := a.sched.AddFunc(spec, task); err != nil {
			zap.S().Errorf("init job %s error %s", spec, err.Error())
		}
	}
	a.sched.Start()
}

// guarded runs a housekeeping task, logging instead of crashing on panic.
func guarded(name string, fn func()) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("housekeeping panic", zap.String("namespace", "app"), zap.String("task", name), zap.Any("panic", err))
		}
	}()
	fn()
}

// SchedHostMonitorTask samples host and process usage. CPU is stored as
// percent*100, memory in MB.
func (a *Application) SchedHostMonitorTask() {
	samples := map[string]int64{}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		samples["system_cpuuse"] = int64(pct[0] * 100)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		samples["system_memuse"] = int64(vm.Used >> 20) //nolint:gosec // MB fits in int64
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil { //nolint:gosec // pid fits in int32
		if pct, err := p.CPUPercent(); err == nil {
			samples["chippool_cpuuse"] = int64(pct * 100)
		}
		if mi, err := p.MemoryInfo(); err == nil {
			samples["chippool_memuse"] = int64(mi.RSS >> 20) //nolint:gosec // MB fits in int64
		}
	}
	for name, v := range samples {
		metrics.SetGauge(name, v)
		metrics.HostUsage.WithLabelValues(name).Set(float64(v))
	}
}

// SchedPoolGaugeTask records chip counts per status.
func (a *Application) SchedPoolGaugeTask() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		zap.L().Warn("pool gauge failed", zap.String("namespace", "app"), zap.Error(err))
		return
	}
	for _, st := range domain.ChipStatuses {
		metrics.ChipsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
		metrics.SetGauge("chips_"+string(st), int64(counts[st]))
	}
}

// SchedClearExpireData prunes history past its retention.
func (a *Application) SchedClearExpireData() {
	ctx := context.Background()
	now := time.Now().UTC()
	days := func(n, def int) time.Time {
		if n <= 0 {
			n = def
		}
		return now.Add(-time.Hour * 24 * time.Duration(n))
	}
	eng := a.appConfig.Engine

	for _, p := range []struct {
		what string
		fn   func() (int64, error)
	}{
		{"trust events", func() (int64, error) { return a.store.PruneTrustEvents(ctx, days(eng.TrustRetentionDays, 180)) }},
		{"job runs", func() (int64, error) { return a.store.PruneJobRuns(ctx, days(eng.JobRunRetentionDays, 30)) }},
		{"activities", func() (int64, error) { return a.store.PruneActivities(ctx, days(eng.ActivityRetentionDay, 90)) }},
		{"operation logs", func() (int64, error) { return a.store.PruneOpLogs(ctx, days(365, 365)) }},
	} {
		n, err := p.fn()
		if err != nil {
			zap.L().Error("retention prune failed", zap.String("namespace", "app"), zap.String("what", p.what), zap.Error(err))
			continue
		}
		if n > 0 {
			zap.L().Info("retention pruned", zap.String("namespace", "app"), zap.String("what", p.what), zap.Int64("rows", n))
		}
	}
}
