package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/talkincode/chippool/internal/chiplock"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/events"
	"github.com/talkincode/chippool/internal/notify"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/pkg/common"
	"go.uber.org/zap"
)

type ConfigSource interface {
	Current() domain.PoolConfig
}

type Publisher interface {
	PublishAlertOpened(ev events.AlertOpened)
	PublishAlertResolved(ev events.AlertResolved)
}

// DropSource computes the rolling trust drop of a chip.
type DropSource interface {
	WindowDrop(ctx context.Context, chipID string, score int, at time.Time) (int, error)
}

type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

type Engine struct {
	store    *repository.Store
	locks    *chiplock.Locker
	cfg      ConfigSource
	drops    DropSource
	bus      Publisher
	notifier Notifier
	loc      *time.Location
	now      func() time.Time
}

func NewEngine(store *repository.Store, locks *chiplock.Locker, cfg ConfigSource, drops DropSource, bus Publisher, notifier Notifier, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{store: store, locks: locks, cfg: cfg, drops: drops, bus: bus, notifier: notifier, loc: loc, now: time.Now}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Outcome lists what one evaluation changed.
type Outcome struct {
	Opened    []domain.Alert
	Escalated []domain.Alert
	Resolved  []domain.Alert
}

func (o *Outcome) merge(other Outcome) {
	o.Opened = append(o.Opened, other.Opened...)
	o.Escalated = append(o.Escalated, other.Escalated...)
	o.Resolved = append(o.Resolved, other.Resolved...)
}

// EvaluateChip runs the per-chip predicates. drop is the rolling trust drop
// when the caller already knows it, or negative to compute it.
func (e *Engine) EvaluateChip(ctx context.Context, chipID string, drop int) (Outcome, error) {
	return e.evaluate(ctx, chipID, drop, nil)
}

func (e *Engine) evaluate(ctx context.Context, chipID string, drop int, anomaly *Finding) (Outcome, error) {
	chip, err := e.store.GetChip(ctx, chipID)
	if err != nil {
		return Outcome{}, err
	}
	if !chip.Status.Monitored() {
		return Outcome{}, nil
	}
	cfg := e.cfg.Current()
	now := e.now().UTC()
	if drop < 0 {
		if drop, err = e.drops.WindowDrop(ctx, chipID, chip.TrustScore, now); err != nil {
			return Outcome{}, err
		}
	}
	today := now.In(e.loc).Format(domain.PlanDateLayout)
	failed, err := e.store.CountChipActivities(ctx, chipID, today, domain.ActivityFalhou)
	if err != nil {
		return Outcome{}, err
	}
	chip.MessagesToday = chip.MessagesOn(today)
	findings := Evaluate(Facts{Chip: chip, Config: cfg, WindowDrop: drop, FailedToday: failed, Now: now})
	if anomaly != nil {
		findings = append(findings, *anomaly)
	}
	out, err := e.apply(ctx, cfg, chipID, findings, now)
	if err != nil {
		return out, err
	}
	e.announce(ctx, chip, out)
	return out, nil
}

// apply reconciles findings with the open alerts of a chip under its lock.
func (e *Engine) apply(ctx context.Context, cfg domain.PoolConfig, chipID string, findings []Finding, now time.Time) (Outcome, error) {
	var out Outcome
	unlock := e.locks.Lock(chipID)
	defer unlock()
	err := e.store.WithTx(ctx, func(tx *repository.Store) error {
		chip, err := tx.GetChipForUpdate(ctx, chipID)
		if err != nil {
			return err
		}
		for _, fd := range findings {
			open, err := tx.OpenAlert(ctx, chipID, fd.Type)
			if err != nil {
				return err
			}
			switch {
			case fd.Fires && open == nil:
				alert := domain.Alert{
					ID:        common.UUIDint64(),
					ChipID:    chipID,
					Type:      fd.Type,
					Severity:  fd.Severity,
					Message:   fd.Message,
					Value:     fd.Value,
					CreatedAt: now,
				}
				if fd.Recommendation != "" {
					rec := fd.Recommendation
					alert.Recommendation = &rec
				}
				if err := tx.CreateAlert(ctx, &alert); err != nil {
					return err
				}
				if err := tx.AppendTrustEvent(ctx, &domain.TrustEvent{
					ID:          common.UUIDint64(),
					ChipID:      chipID,
					Type:        domain.TrustAlert,
					ScoreBefore: chip.TrustScore,
					ScoreAfter:  chip.TrustScore,
					Description: fmt.Sprintf("alert %s (%s): %s", fd.Type, fd.Severity, fd.Message),
					FactKey:     fmt.Sprintf("alert:%d", alert.ID),
					Timestamp:   now,
				}); err != nil {
					return err
				}
				out.Opened = append(out.Opened, alert)
			case fd.Fires && fd.Severity.Rank() > open.Severity.Rank():
				if err := tx.EscalateAlert(ctx, open.ID, fd.Severity, fd.Message, fd.Value); err != nil {
					return err
				}
				open.Severity, open.Message, open.Value = fd.Severity, fd.Message, fd.Value
				out.Escalated = append(out.Escalated, *open)
			case !fd.Fires && open != nil && cfg.AlertAutoResolve:
				ok, err := tx.ResolveAlert(ctx, open.ID, domain.ResolvedBySystem, "condition cleared", now)
				if err != nil {
					return err
				}
				if ok {
					open.ResolvedAt, open.ResolvedBy, open.ResolutionNotes = &now, domain.ResolvedBySystem, "condition cleared"
					out.Resolved = append(out.Resolved, *open)
				}
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (e *Engine) announce(ctx context.Context, chip *domain.Chip, out Outcome) {
	for _, a := range out.Opened {
		zap.L().Warn("alert opened", zap.String("namespace", "alerting"), zap.String("chip", a.ChipID),
			zap.String("type", string(a.Type)), zap.String("severity", string(a.Severity)), zap.String("message", a.Message))
		e.bus.PublishAlertOpened(events.AlertOpened{Alert: a})
		e.notify(ctx, chip, a, false)
	}
	for _, a := range out.Escalated {
		zap.L().Warn("alert escalated", zap.String("namespace", "alerting"), zap.String("chip", a.ChipID),
			zap.String("type", string(a.Type)), zap.String("severity", string(a.Severity)))
		e.notify(ctx, chip, a, true)
	}
	for _, a := range out.Resolved {
		zap.L().Info("alert resolved", zap.String("namespace", "alerting"), zap.String("chip", a.ChipID),
			zap.String("type", string(a.Type)), zap.String("by", a.ResolvedBy))
		e.bus.PublishAlertResolved(events.AlertResolved{Alert: a})
	}
}

func (e *Engine) notify(ctx context.Context, chip *domain.Chip, a domain.Alert, escalation bool) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, notify.Notification{Alert: a, Phone: chip.Phone, Instance: chip.InstanceName, Escalation: escalation})
}

// Sweep evaluates every monitored chip, including the pool-wide anomaly
// check.
func (e *Engine) Sweep(ctx context.Context) (items, failed int, err error) {
	now := e.now().UTC()
	if _, err := e.store.RefreshRollingCounters(ctx, now); err != nil {
		return 0, 0, err
	}
	chips, err := e.store.AllChips(ctx)
	if err != nil {
		return 0, 0, err
	}
	today := now.In(e.loc).Format(domain.PlanDateLayout)
	monitored := chips[:0:0]
	for _, c := range chips {
		if c.Status.Monitored() {
			c.MessagesToday = c.MessagesOn(today)
			monitored = append(monitored, c)
		}
	}
	anomalies := DetectAnomalies(monitored, e.cfg.Current().AlertThresholds.AnomalyScore)
	var total Outcome
	for _, c := range monitored {
		if ctx.Err() != nil {
			return items, failed, ctx.Err()
		}
		items++
		var an *Finding
		if fd, ok := anomalies[c.ID]; ok {
			an = &fd
		}
		out, err := e.evaluate(ctx, c.ID, -1, an)
		if err != nil {
			failed++
			zap.L().Error("alert evaluation failed", zap.String("namespace", "alerting"), zap.String("chip", c.ID), zap.Error(err))
			continue
		}
		total.merge(out)
	}
	zap.L().Info("alert sweep finished", zap.String("namespace", "alerting"), zap.Int("chips", items),
		zap.Int("opened", len(total.Opened)), zap.Int("escalated", len(total.Escalated)), zap.Int("resolved", len(total.Resolved)))
	return items, failed, nil
}

// Resolve closes an open alert by hand. Exactly one of several concurrent
// callers wins; the others get a ConflictError.
func (e *Engine) Resolve(ctx context.Context, id int64, by, notes string) (*domain.Alert, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return nil, &domain.ValidationError{Field: "resolved_by", Reason: "required"}
	}
	now := e.now().UTC()
	ok, err := e.store.ResolveAlert(ctx, id, by, strings.TrimSpace(notes), now)
	if err != nil {
		return nil, err
	}
	alert, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.ConflictError{Action: "resolve", Guard: "resolved", Reason: fmt.Sprintf("alert was already resolved by %s", alert.ResolvedBy)}
	}
	e.bus.PublishAlertResolved(events.AlertResolved{Alert: *alert})
	return alert, nil
}

// Attach re-evaluates chips on trust and status changes.
func (e *Engine) Attach(bus *events.Bus) error {
	if err := bus.OnTrustChanged(func(ev events.TrustChanged) {
		if _, err := e.EvaluateChip(context.Background(), ev.ChipID, ev.WindowDrop); err != nil {
			zap.L().Error("alert evaluation failed", zap.String("namespace", "alerting"), zap.String("chip", ev.ChipID), zap.Error(err))
		}
	}); err != nil {
		return err
	}
	return bus.OnStatusChanged(func(ev events.StatusChanged) {
		if _, err := e.EvaluateChip(context.Background(), ev.ChipID, -1); err != nil {
			zap.L().Error("alert evaluation failed", zap.String("namespace", "alerting"), zap.String("chip", ev.ChipID), zap.Error(err))
		}
	})
}
