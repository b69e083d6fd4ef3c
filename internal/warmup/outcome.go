package warmup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/lifecycle"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/trust"
	"go.uber.org/zap"
)

// OutcomeRequest result reported by the executor of an activity
type OutcomeRequest struct {
	Status domain.ActivityStatus `json:"status" validate:"required"`
	Error  string                `json:"error"`
}

// RecordOutcome settles a planned activity and applies its trust delta.
func (s *Scheduler) RecordOutcome(ctx context.Context, activityID int64, req OutcomeRequest) (*domain.ScheduledActivity, error) {
	if req.Status != domain.ActivityExecutada && req.Status != domain.ActivityFalhou {
		return nil, &domain.ValidationError{Field: "status", Reason: "must be executada or falhou"}
	}
	act, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	at := s.now().UTC()

	unlock := s.locks.Lock(act.ChipID)
	err = s.store.WithTx(ctx, func(tx *repository.Store) error {
		done, err := tx.CompleteActivity(ctx, activityID, req.Status, strings.TrimSpace(req.Error), at)
		if err != nil {
			return err
		}
		if !done {
			cur, err := tx.GetActivity(ctx, activityID)
			if err != nil {
				return err
			}
			return &domain.ConflictError{Action: "record_outcome", Guard: "status", Reason: fmt.Sprintf("activity is already %s", cur.Status)}
		}
		chip, err := tx.GetChipForUpdate(ctx, act.ChipID)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{"messages_last24h": chip.MessagesLast24h + 1}
		if req.Status == domain.ActivityExecutada {
			today := at.In(s.loc).Format(domain.PlanDateLayout)
			updates["messages_today"] = chip.MessagesOn(today) + 1
			updates["messages_date"] = today
			updates["last_activity_at"] = at
		} else {
			updates["errors_last24h"] = chip.ErrorsLast24h + 1
		}
		return tx.UpdateChip(ctx, chip.ID, updates)
	})
	unlock()
	if err != nil {
		return nil, err
	}

	delta, desc := trust.ActivityExecutedDelta, "activity executed: "+string(act.Type)
	if req.Status == domain.ActivityFalhou {
		delta, desc = trust.ActivityFailedDelta, "activity failed: "+string(act.Type)
	}
	if _, err := s.trust.Apply(ctx, trust.Adjustment{
		ChipID:      act.ChipID,
		Delta:       delta,
		Description: desc,
		FactKey:     trust.ActivityFactKey(activityID),
		At:          at,
	}); err != nil {
		return nil, err
	}
	return s.store.GetActivity(ctx, activityID)
}

// CloseResult summary of one CloseDay run
type CloseResult struct {
	Date     string `json:"date"`
	Chips    int    `json:"chips"`
	Closed   int    `json:"closed"`
	Rewarded int    `json:"rewarded"`
	Stagnant int    `json:"stagnant"`
	Promoted int    `json:"promoted"`
	Failed   int    `json:"failed"`
}

type dayClose struct {
	closed   bool
	rewarded bool
	stagnant bool
}

// CloseDay settles date for every warming chip. Closing the same date twice
// changes nothing. Daily counters older than date are zeroed and the 24h
// counters are rolled forward for every chip.
func (s *Scheduler) CloseDay(ctx context.Context, date string) (CloseResult, error) {
	res := CloseResult{Date: date}
	day, err := s.parseDate(date)
	if err != nil {
		return res, err
	}
	cfg := s.cfg.Current()
	chips, err := s.store.ChipsByStatus(ctx, domain.ChipWarming)
	if err != nil {
		return res, err
	}
	for i := range chips {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Chips++
		chipID := chips[i].ID
		dc, err := s.closeChip(ctx, chipID, date)
		if err != nil {
			res.Failed++
			zap.L().Error("close day failed", zap.String("namespace", "warmup"), zap.String("chip", chipID), zap.Error(err))
			continue
		}
		if !dc.closed {
			continue
		}
		res.Closed++
		if dc.stagnant {
			res.Stagnant++
		}
		if dc.rewarded {
			res.Rewarded++
			if cfg.Warmup.DailyTrustBonus > 0 {
				if _, err := s.trust.Apply(ctx, trust.Adjustment{
					ChipID:      chipID,
					Delta:       cfg.Warmup.DailyTrustBonus,
					Description: "warmup day completed: " + date,
					FactKey:     trust.WarmupDayFactKey(date),
				}); err != nil {
					res.Failed++
					zap.L().Error("warmup bonus failed", zap.String("namespace", "warmup"), zap.String("chip", chipID), zap.Error(err))
					continue
				}
			}
		}
		promoted, err := s.autoPromote(ctx, cfg, chipID, day)
		if err != nil {
			res.Failed++
			zap.L().Error("auto promote failed", zap.String("namespace", "warmup"), zap.String("chip", chipID), zap.Error(err))
			continue
		}
		if promoted {
			res.Promoted++
		}
	}
	if _, err := s.store.ResetMessagesToday(ctx, date); err != nil {
		return res, err
	}
	if _, err := s.store.RefreshRollingCounters(ctx, s.now().UTC()); err != nil {
		return res, err
	}
	zap.L().Info("warmup day closed", zap.String("namespace", "warmup"), zap.String("date", date),
		zap.Int("closed", res.Closed), zap.Int("promoted", res.Promoted), zap.Int("stagnant", res.Stagnant))
	return res, nil
}

func (s *Scheduler) closeChip(ctx context.Context, chipID, date string) (dayClose, error) {
	var dc dayClose
	unlock := s.locks.Lock(chipID)
	defer unlock()
	err := s.store.WithTx(ctx, func(tx *repository.Store) error {
		chip, err := tx.GetChipForUpdate(ctx, chipID)
		if err != nil {
			return err
		}
		if chip.Status != domain.ChipWarming || (chip.LastClosedDate != "" && chip.LastClosedDate >= date) {
			return nil
		}
		if _, err := tx.CancelPlanned(ctx, chipID, date); err != nil {
			return err
		}
		executed, err := tx.CountChipActivities(ctx, chipID, date, domain.ActivityExecutada)
		if err != nil {
			return err
		}
		scheduled, err := tx.HasPlan(ctx, chipID, date)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{"last_closed_date": date}
		switch {
		case executed > 0:
			updates["warming_day"] = chip.WarmingDay + 1
			updates["stagnant_days"] = 0
			dc.rewarded = true
		case scheduled:
			updates["stagnant_days"] = chip.StagnantDays + 1
			dc.stagnant = true
		}
		dc.closed = true
		return tx.UpdateChip(ctx, chipID, updates)
	})
	return dc, err
}

// PhaseDays counts calendar days spent in the current phase up to and
// including day.
func PhaseDays(chip *domain.Chip, day time.Time) int {
	if chip.PhaseStartedAt == nil {
		return 0
	}
	loc := day.Location()
	y, m, d := chip.PhaseStartedAt.In(loc).Date()
	started := time.Date(y, m, d, 0, 0, 0, 0, loc)
	y, m, d = day.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, loc)
	if end.Before(started) {
		return 0
	}
	return int(end.Sub(started).Hours()/24+0.5) + 1
}

func (s *Scheduler) autoPromote(ctx context.Context, cfg domain.PoolConfig, chipID string, day time.Time) (bool, error) {
	if !cfg.AutoPromoteEnabled {
		return false, nil
	}
	chip, err := s.store.GetChip(ctx, chipID)
	if err != nil {
		return false, err
	}
	plan, ok := PlanFor(chip.WarmupPhase)
	if !ok || chip.Status != domain.ChipWarming {
		return false, nil
	}
	if chip.TrustScore < cfg.MinTrustForPromotion || PhaseDays(chip, day) < plan.MinDays {
		return false, nil
	}
	_, err = s.promoter.Transition(ctx, chipID, lifecycle.ActPromote, lifecycle.Request{
		By:     "system",
		Reason: fmt.Sprintf("auto promotion after %d days in %s", PhaseDays(chip, day), chip.WarmupPhase),
	})
	if domain.IsConflict(err) {
		zap.L().Info("auto promotion rejected", zap.String("namespace", "warmup"), zap.String("chip", chipID), zap.Error(err))
		return false, nil
	}
	return err == nil, err
}

// Activities lists the activities of date, optionally of one chip.
func (s *Scheduler) Activities(ctx context.Context, date, chipID string) ([]domain.ScheduledActivity, error) {
	if _, err := s.parseDate(date); err != nil {
		return nil, err
	}
	return s.store.ActivitiesByDate(ctx, date, chipID)
}

// Stats returns per-type counters for plan dates in [from, to].
func (s *Scheduler) Stats(ctx context.Context, from, to string) ([]domain.ActivityTypeStats, error) {
	f, err := s.parseDate(from)
	if err != nil {
		return nil, &domain.ValidationError{Field: "from", Reason: "expected YYYY-MM-DD"}
	}
	t, err := s.parseDate(to)
	if err != nil {
		return nil, &domain.ValidationError{Field: "to", Reason: "expected YYYY-MM-DD"}
	}
	if t.Before(f) {
		return nil, &domain.ValidationError{Field: "to", Reason: "must not be before from"}
	}
	return s.store.ActivityStats(ctx, from, to)
}
