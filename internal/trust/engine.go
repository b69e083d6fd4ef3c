// Package trust maintains chip trust scores and their audit trail.
package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/talkincode/chippool/internal/chiplock"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/events"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/pkg/common"
	"go.uber.org/zap"
)

type ConfigSource interface {
	Current() domain.PoolConfig
}

type Publisher interface {
	PublishTrustChanged(ev events.TrustChanged)
}

// Adjustment is one trust-affecting fact. FactKey makes it replay-safe.
type Adjustment struct {
	ChipID      string
	Delta       int
	Description string
	FactKey     string
	At          time.Time
}

// Result describes what Apply did.
type Result struct {
	Applied   bool
	Duplicate bool
	Before    int
	After     int
	Change    *events.TrustChanged
}

type Engine struct {
	store *repository.Store
	locks *chiplock.Locker
	cfg   ConfigSource
	bus   Publisher
	now   func() time.Time
}

func NewEngine(store *repository.Store, locks *chiplock.Locker, cfg ConfigSource, bus Publisher) *Engine {
	return &Engine{store: store, locks: locks, cfg: cfg, bus: bus, now: time.Now}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Apply adds adj.Delta to the chip's score, clamped to 0..100. An unchanged
// score writes no event but still consumes adj.FactKey. TrustChanged is
// published after commit.
func (e *Engine) Apply(ctx context.Context, adj Adjustment) (Result, error) {
	if adj.ChipID == "" {
		return Result{}, &domain.ValidationError{Field: "chip_id", Reason: "required"}
	}
	if adj.At.IsZero() {
		adj.At = e.now().UTC()
	}
	cfg := e.cfg.Current()
	var res Result

	unlock := e.locks.Lock(adj.ChipID)
	err := e.store.WithTx(ctx, func(tx *repository.Store) error {
		if adj.FactKey != "" {
			seen, err := tx.HasFact(ctx, adj.ChipID, adj.FactKey)
			if err != nil {
				return err
			}
			if seen {
				res.Duplicate = true
				return nil
			}
		}
		chip, err := tx.GetChipForUpdate(ctx, adj.ChipID)
		if err != nil {
			return err
		}
		res.Before = chip.TrustScore
		res.After = domain.ClampScore(chip.TrustScore + adj.Delta)
		if res.After == res.Before {
			if adj.FactKey == "" {
				return nil
			}
			return tx.RecordFact(ctx, chip.ID, adj.FactKey, adj.At)
		}

		typ := domain.TrustIncrease
		if res.After < res.Before {
			typ = domain.TrustDecrease
		}
		ev := &domain.TrustEvent{
			ID:          common.UUIDint64(),
			ChipID:      chip.ID,
			Type:        typ,
			ScoreBefore: res.Before,
			ScoreAfter:  res.After,
			Description: adj.Description,
			FactKey:     adj.FactKey,
			Timestamp:   adj.At,
		}
		window := time.Duration(cfg.AlertThresholds.TrustWindowHours) * time.Hour
		peak, err := peakSince(ctx, tx, chip.ID, adj.At.Add(-window), res.Before)
		if err != nil {
			return err
		}
		if err := tx.AppendTrustEvent(ctx, ev); err != nil {
			return err
		}
		if err := tx.UpdateChip(ctx, chip.ID, map[string]interface{}{"trust_score": res.After}); err != nil {
			return err
		}

		drop := max(peak-res.After, 0)
		prevDrop := peak - res.Before
		crit := cfg.AlertThresholds.TrustDropCritical
		res.Applied = true
		res.Change = &events.TrustChanged{
			ChipID:           chip.ID,
			ScoreBefore:      res.Before,
			ScoreAfter:       res.After,
			Description:      adj.Description,
			FactKey:          adj.FactKey,
			WindowDrop:       drop,
			CriticalCrossing: crit > 0 && prevDrop < crit && drop >= crit,
			At:               adj.At,
		}
		return nil
	})
	unlock()
	if err != nil {
		return Result{}, err
	}
	if res.Change != nil {
		zap.L().Debug("trust changed", zap.String("namespace", "trust"),
			zap.String("chip", adj.ChipID), zap.Int("before", res.Before), zap.Int("after", res.After),
			zap.String("fact", adj.FactKey))
		e.bus.PublishTrustChanged(*res.Change)
	}
	return res, nil
}

// WindowDrop returns how far score sits below the chip's peak within the
// configured window ending at at.
func (e *Engine) WindowDrop(ctx context.Context, chipID string, score int, at time.Time) (int, error) {
	window := time.Duration(e.cfg.Current().AlertThresholds.TrustWindowHours) * time.Hour
	peak, err := peakSince(ctx, e.store, chipID, at.Add(-window), score)
	if err != nil {
		return 0, err
	}
	return max(peak-score, 0), nil
}

func peakSince(ctx context.Context, store *repository.Store, chipID string, since time.Time, floor int) (int, error) {
	evs, err := store.TrustEventsSince(ctx, chipID, since)
	if err != nil {
		return 0, err
	}
	peak := floor
	for _, ev := range evs {
		peak = max(peak, ev.ScoreBefore, ev.ScoreAfter)
	}
	return peak, nil
}

// ApplyMetrics applies the hourly rate penalties of one chip. Repeated calls
// within the same hour are no-ops.
func (e *Engine) ApplyMetrics(ctx context.Context, chipID string, at time.Time) (Result, error) {
	chip, err := e.store.GetChip(ctx, chipID)
	if err != nil {
		return Result{}, err
	}
	delta, desc := MetricDelta(chip, e.cfg.Current().AlertThresholds)
	if delta == 0 {
		return Result{Before: chip.TrustScore, After: chip.TrustScore}, nil
	}
	return e.Apply(ctx, Adjustment{
		ChipID:      chipID,
		Delta:       delta,
		Description: "metric penalty: " + desc,
		FactKey:     MetricsFactKey(chipID, at),
		At:          at,
	})
}

// Sweep rolls the 24h counters forward and applies metric penalties to
// every monitored chip.
func (e *Engine) Sweep(ctx context.Context) (items, failed int, err error) {
	at := e.now().UTC()
	if _, err := e.store.RefreshRollingCounters(ctx, at); err != nil {
		return 0, 0, err
	}
	chips, err := e.store.AllChips(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, chip := range chips {
		if !chip.Status.Monitored() {
			continue
		}
		if ctx.Err() != nil {
			return items, failed, ctx.Err()
		}
		items++
		if _, err := e.ApplyMetrics(ctx, chip.ID, at); err != nil {
			failed++
			zap.L().Error("trust sweep failed", zap.String("namespace", "trust"), zap.String("chip", chip.ID), zap.Error(err))
		}
	}
	return items, failed, nil
}

// History returns recent trust events of a chip, newest first.
func (e *Engine) History(ctx context.Context, chipID string, limit int) ([]domain.TrustEvent, error) {
	if _, err := e.store.GetChip(ctx, chipID); err != nil {
		return nil, err
	}
	return e.store.TrustEvents(ctx, chipID, limit)
}

func MetricsFactKey(chipID string, at time.Time) string {
	return fmt.Sprintf("metrics:%s:%s", chipID, at.UTC().Format("2006010215"))
}

func ActivityFactKey(activityID int64) string {
	return fmt.Sprintf("activity:%d", activityID)
}

func WarmupDayFactKey(date string) string {
	return "warmup_day:" + date
}

func BanFactKey(transitionID int64) string {
	return fmt.Sprintf("ban:%d", transitionID)
}
