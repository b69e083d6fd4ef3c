package health

import (
	"context"
	"sync"
	"time"

	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/pkg/metrics"
	"go.uber.org/zap"
)

// ScoreMetric is the time-series name of recorded health scores.
const ScoreMetric = "pool_health_score"

type ConfigSource interface {
	Current() domain.PoolConfig
}

// JobSource reports job staleness.
type JobSource interface {
	Stale(ctx context.Context, now time.Time) ([]*domain.StalenessError, error)
	JobCount(ctx context.Context) (int, error)
}

// Aggregator gathers the pool state for Compute and records the results.
type Aggregator struct {
	store *repository.Store
	cfg   ConfigSource
	jobs  JobSource
	now   func() time.Time

	mu   sync.RWMutex
	last *Report
}

func NewAggregator(store *repository.Store, cfg ConfigSource, jobs JobSource) *Aggregator {
	return &Aggregator{store: store, cfg: cfg, jobs: jobs, now: time.Now}
}

func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

func (a *Aggregator) alertCounts(ctx context.Context) (AlertCounts, error) {
	rows, err := a.store.OpenAlertSummaries(ctx)
	if err != nil {
		return AlertCounts{}, err
	}
	var out AlertCounts
	for _, r := range rows {
		switch r.Severity {
		case domain.SeverityCritico:
			out.Critico, out.CriticoChips = r.Alerts, r.Chips
		case domain.SeverityAlerta:
			out.Alerta = r.Alerts
		case domain.SeverityAtencao:
			out.Atencao = r.Alerts
		}
	}
	return out, nil
}

// Gather reads the inputs of one computation.
func (a *Aggregator) Gather(ctx context.Context) (Input, error) {
	now := a.now().UTC()
	chips, err := a.store.AllChips(ctx)
	if err != nil {
		return Input{}, err
	}
	alerts, err := a.alertCounts(ctx)
	if err != nil {
		return Input{}, err
	}
	in := Input{Config: a.cfg.Current(), Chips: chips, Alerts: alerts, Now: now}
	if a.jobs != nil {
		if in.Jobs, err = a.jobs.JobCount(ctx); err != nil {
			return Input{}, err
		}
		if in.StaleJobs, err = a.jobs.Stale(ctx, now); err != nil {
			return Input{}, err
		}
	}
	return in, nil
}

// Current computes the report without recording it.
func (a *Aggregator) Current(ctx context.Context) (Report, error) {
	in, err := a.Gather(ctx)
	if err != nil {
		return Report{}, err
	}
	return Compute(in), nil
}

// Aggregate computes the report and records the score and pool gauges.
func (a *Aggregator) Aggregate(ctx context.Context) (Report, error) {
	in, err := a.Gather(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Compute(in)
	metrics.SetGaugeAt(ScoreMetric, int64(rep.Score), rep.ComputedAt)
	metrics.PoolHealthScore.Set(float64(rep.Score))
	for _, st := range domain.ChipStatuses {
		metrics.ChipsByStatus.WithLabelValues(string(st)).Set(float64(rep.Counts[st]))
	}
	metrics.OpenAlerts.WithLabelValues(string(domain.SeverityCritico)).Set(float64(in.Alerts.Critico))
	metrics.OpenAlerts.WithLabelValues(string(domain.SeverityAlerta)).Set(float64(in.Alerts.Alerta))
	metrics.OpenAlerts.WithLabelValues(string(domain.SeverityAtencao)).Set(float64(in.Alerts.Atencao))

	a.mu.Lock()
	a.last = &rep
	a.mu.Unlock()
	zap.L().Info("pool health aggregated", zap.String("namespace", "health"),
		zap.Int("score", rep.Score), zap.String("status", rep.Status), zap.Int("issues", len(rep.Issues)))
	return rep, nil
}

// Last returns the latest aggregated report, or nil before the first run.
func (a *Aggregator) Last() *Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// Status summarizes the pool by status, trust level and capacity.
func (a *Aggregator) Status(ctx context.Context) (PoolStatus, error) {
	chips, err := a.store.AllChips(ctx)
	if err != nil {
		return PoolStatus{}, err
	}
	alerts, err := a.alertCounts(ctx)
	if err != nil {
		return PoolStatus{}, err
	}
	return Summarize(a.cfg.Current(), chips, alerts), nil
}

// History returns recorded scores between from and to.
func (a *Aggregator) History(from, to time.Time) ([]metrics.Point, error) {
	if to.Before(from) {
		return nil, &domain.ValidationError{Field: "from", Reason: "must not be after to"}
	}
	return metrics.Query(ScoreMetric, from, to)
}
