package warmup

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/talkincode/chippool/internal/chiplock"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/lifecycle"
	"github.com/talkincode/chippool/internal/limiter"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/trust"
	"github.com/talkincode/chippool/pkg/common"
	"go.uber.org/zap"
)

type ConfigSource interface {
	Current() domain.PoolConfig
}

// Promoter applies chip state transitions.
type Promoter interface {
	Transition(ctx context.Context, chipID string, action lifecycle.Action, req lifecycle.Request) (*domain.Chip, error)
}

type Scheduler struct {
	store    *repository.Store
	locks    *chiplock.Locker
	cfg      ConfigSource
	trust    *trust.Engine
	promoter Promoter
	loc      *time.Location

	rndMu sync.Mutex
	rnd   *rand.Rand
	now   func() time.Time
}

func NewScheduler(store *repository.Store, locks *chiplock.Locker, cfg ConfigSource, te *trust.Engine, promoter Promoter, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:    store,
		locks:    locks,
		cfg:      cfg,
		trust:    te,
		promoter: promoter,
		loc:      loc,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetSeed makes slot generation deterministic.
func (s *Scheduler) SetSeed(seed int64) {
	s.rndMu.Lock()
	s.rnd = rand.New(rand.NewSource(seed))
	s.rndMu.Unlock()
}

func (s *Scheduler) between(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return lo + s.rnd.Intn(hi-lo+1)
}

func (s *Scheduler) pick(types []domain.ActivityType) domain.ActivityType {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return types[s.rnd.Intn(len(types))]
}

// Today returns the plan date of the current instant.
func (s *Scheduler) Today() string {
	return s.now().In(s.loc).Format(domain.PlanDateLayout)
}

func (s *Scheduler) parseDate(date string) (time.Time, error) {
	day, err := time.ParseInLocation(domain.PlanDateLayout, date, s.loc)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"}
	}
	return day, nil
}

// PlanResult summary of one PlanDay run
type PlanResult struct {
	Date       string `json:"date"`
	Skipped    string `json:"skipped,omitempty"`
	Chips      int    `json:"chips"`
	Planned    int    `json:"planned"`
	Activities int    `json:"activities"`
	Failed     int    `json:"failed"`
}

// PlanDay generates the activities of every warming chip for date. Chips
// that already have a plan for the date keep it.
func (s *Scheduler) PlanDay(ctx context.Context, date string) (PlanResult, error) {
	res := PlanResult{Date: date}
	day, err := s.parseDate(date)
	if err != nil {
		return res, err
	}
	cfg := s.cfg.Current()
	if !cfg.OperatesOn(day) {
		res.Skipped = "not an operating day"
		return res, nil
	}
	chips, err := s.store.ChipsByStatus(ctx, domain.ChipWarming)
	if err != nil {
		return res, err
	}
	for i := range chips {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Chips++
		n, err := s.planChip(ctx, cfg, chips[i].ID, date, day)
		if err != nil {
			res.Failed++
			zap.L().Error("plan chip failed", zap.String("namespace", "warmup"), zap.String("chip", chips[i].ID), zap.Error(err))
			continue
		}
		if n > 0 {
			res.Planned++
			res.Activities += n
		}
	}
	zap.L().Info("warmup day planned", zap.String("namespace", "warmup"), zap.String("date", date),
		zap.Int("chips", res.Chips), zap.Int("activities", res.Activities))
	return res, nil
}

func (s *Scheduler) planChip(ctx context.Context, cfg domain.PoolConfig, chipID, date string, day time.Time) (int, error) {
	unlock := s.locks.Lock(chipID)
	defer unlock()

	chip, err := s.store.GetChip(ctx, chipID)
	if err != nil {
		return 0, err
	}
	if chip.Status != domain.ChipWarming {
		return 0, nil
	}
	plan, ok := PlanFor(chip.WarmupPhase)
	if !ok {
		return 0, nil
	}
	planned, err := s.store.HasPlan(ctx, chipID, date)
	if err != nil || planned {
		return 0, err
	}
	slots, err := s.slots(cfg, chip, plan, day)
	if err != nil {
		return 0, err
	}
	acts := make([]domain.ScheduledActivity, 0, len(slots))
	groups := 0
	for _, at := range slots {
		typ := s.pick(plan.candidates(groups))
		if typ == domain.ActivityEntrarGrupo {
			groups++
		}
		acts = append(acts, domain.ScheduledActivity{
			ID:          common.UUIDint64(),
			ChipID:      chip.ID,
			Type:        typ,
			Status:      domain.ActivityPlanejada,
			Phase:       chip.WarmupPhase,
			PlanDate:    date,
			ScheduledAt: at.UTC(),
		})
	}
	return len(acts), s.store.CreateActivities(ctx, acts)
}

// slots returns the instants of one chip's plan. Each slot passes the
// limiter against the slots before it: a min-interval or hourly rejection
// shifts the slot, any other rejection ends the plan.
func (s *Scheduler) slots(cfg domain.PoolConfig, chip *domain.Chip, plan PhasePlan, day time.Time) ([]time.Time, error) {
	start, _, err := cfg.OperatingHours.Bounds(day)
	if err != nil {
		return nil, &domain.ValidationError{Field: "operatingHours", Reason: err.Error()}
	}
	cursor := start
	if now := s.now().In(s.loc); now.After(cursor) {
		cursor = now.Truncate(time.Minute).Add(time.Minute)
	}
	var last time.Time
	if chip.LastActivityAt != nil {
		last = chip.LastActivityAt.In(s.loc)
	}

	quota := s.between(plan.QuotaMin, plan.QuotaMax)
	out := make([]time.Time, 0, quota)
	for len(out) < quota {
		at := cursor
		if len(out) > 0 {
			at = cursor.Add(time.Duration(s.between(plan.IntervalMin, plan.IntervalMax)) * time.Minute)
		}
		var accepted bool
		for attempt := 0; attempt < 4; attempt++ {
			usage := limiter.Usage{
				LastActionAt: last,
				LastHour:     inLastHour(out, at),
				Today:        chip.MessagesOn(day.Format(domain.PlanDateLayout)) + len(out),
				DailyLimit:   chip.DailyLimit,
			}
			err := limiter.Check(cfg, usage, at)
			if err == nil {
				accepted = true
				break
			}
			switch limiter.GuardOf(err) {
			case limiter.GuardMinInterval:
				at = last.Add(time.Duration(cfg.MinIntervalSeconds) * time.Second)
				continue
			case limiter.GuardHourly:
				at = oldestInHour(out, at).Add(time.Hour + time.Minute)
				continue
			case "":
				return nil, err
			}
			break
		}
		if !accepted {
			break
		}
		out = append(out, at)
		last, cursor = at, at
	}
	return out, nil
}

// inLastHour counts slots in [at-1h, at).
func inLastHour(slots []time.Time, at time.Time) int {
	cutoff := at.Add(-time.Hour)
	n := 0
	for _, t := range slots {
		if !t.Before(cutoff) && t.Before(at) {
			n++
		}
	}
	return n
}

func oldestInHour(slots []time.Time, at time.Time) time.Time {
	cutoff := at.Add(-time.Hour)
	for _, t := range slots {
		if !t.Before(cutoff) {
			return t
		}
	}
	return at
}

// ScheduleRequest manual activity request
type ScheduleRequest struct {
	ChipID string              `json:"chip_id" validate:"required"`
	Type   domain.ActivityType `json:"type" validate:"required"`
	At     time.Time           `json:"scheduled_at"`
}

// Schedule plans one activity by hand. It is rejected, never queued, when
// a limit would be exceeded.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*domain.ScheduledActivity, error) {
	if !req.Type.Valid() {
		return nil, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown activity type %q", req.Type)}
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.In(s.loc)
	cfg := s.cfg.Current()

	unlock := s.locks.Lock(req.ChipID)
	defer unlock()
	chip, err := s.store.GetChip(ctx, req.ChipID)
	if err != nil {
		return nil, err
	}
	if chip.Status != domain.ChipWarming {
		return nil, &domain.ConflictError{Action: "schedule", Guard: "status", Reason: fmt.Sprintf("chip is %s, only warming chips are scheduled", chip.Status)}
	}
	plan, ok := PlanFor(chip.WarmupPhase)
	if !ok || !plan.Allows(req.Type) {
		return nil, &domain.ConflictError{Action: "schedule", Guard: "phase_plan", Reason: fmt.Sprintf("%s is not part of phase %s", req.Type, chip.WarmupPhase)}
	}

	date := at.Format(domain.PlanDateLayout)
	day, _ := s.parseDate(date)
	existing, err := s.store.ChipActivitiesBetween(ctx, chip.ID, day.UTC(), day.AddDate(0, 0, 1).UTC())
	if err != nil {
		return nil, err
	}
	usage := limiter.Usage{Today: chip.MessagesOn(date), DailyLimit: chip.DailyLimit}
	var times []time.Time
	for _, a := range existing {
		t := a.ScheduledAt.In(s.loc)
		times = append(times, t)
		if a.Status == domain.ActivityPlanejada {
			usage.Today++
		}
		if !t.After(at) && t.After(usage.LastActionAt) {
			usage.LastActionAt = t
		}
	}
	if chip.LastActivityAt != nil && chip.LastActivityAt.After(usage.LastActionAt) && !chip.LastActivityAt.After(at) {
		usage.LastActionAt = chip.LastActivityAt.In(s.loc)
	}
	usage.LastHour = inLastHour(times, at)
	if err := limiter.Check(cfg, usage, at); err != nil {
		return nil, err
	}
	// the slot must also keep its distance from the next planned one
	if cfg.MinIntervalSeconds > 0 {
		min := time.Duration(cfg.MinIntervalSeconds) * time.Second
		for _, t := range times {
			if t.After(at) && t.Sub(at) < min {
				return nil, &domain.ConflictError{Action: "schedule", Guard: limiter.GuardMinInterval, Reason: fmt.Sprintf("activity planned at %s", t.Format(time.RFC3339))}
			}
		}
	}

	act := &domain.ScheduledActivity{
		ID:          common.UUIDint64(),
		ChipID:      chip.ID,
		Type:        req.Type,
		Status:      domain.ActivityPlanejada,
		Phase:       chip.WarmupPhase,
		PlanDate:    date,
		ScheduledAt: at.UTC(),
	}
	if err := s.store.CreateActivities(ctx, []domain.ScheduledActivity{*act}); err != nil {
		return nil, err
	}
	return act, nil
}
