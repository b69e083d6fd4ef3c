package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/talkincode/chippool/internal/chiplock"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/events"
	"github.com/talkincode/chippool/internal/limiter"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/trust"
	"github.com/talkincode/chippool/pkg/common"
	"go.uber.org/zap"
)

type ConfigSource interface {
	Current() domain.PoolConfig
}

type Publisher interface {
	PublishStatusChanged(ev events.StatusChanged)
}

// Probe reports the gateway session state of an instance.
type Probe interface {
	ConnectionState(ctx context.Context, instance string) (string, error)
}

// StateOpen is the gateway state of a live session.
const StateOpen = "open"

// Request carries operator context for a transition.
type Request struct {
	Reason string
	By     string
}

type Options struct {
	BulkConcurrency  int
	CheckConcurrency int
	// Location dates the daily message counter.
	Location *time.Location
}

// Machine applies the transition table to stored chips.
type Machine struct {
	store  *repository.Store
	locks  *chiplock.Locker
	cfg    ConfigSource
	trust  *trust.Engine
	bus    Publisher
	probe  Probe
	window *limiter.Window
	// capMu serializes transitions that read pool capacity.
	capMu sync.Mutex
	opts  Options
	now   func() time.Time
}

func NewMachine(store *repository.Store, locks *chiplock.Locker, cfg ConfigSource, te *trust.Engine, bus Publisher, probe Probe, opts Options) *Machine {
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = 5
	}
	if opts.CheckConcurrency <= 0 {
		opts.CheckConcurrency = 10
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Machine{
		store:  store,
		locks:  locks,
		cfg:    cfg,
		trust:  te,
		bus:    bus,
		probe:  probe,
		window: limiter.NewWindow(),
		opts:   opts,
		now:    time.Now,
	}
}

func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Transition applies action to a chip. Rejections leave the chip
// untouched.
func (m *Machine) Transition(ctx context.Context, chipID string, action Action, req Request) (*domain.Chip, error) {
	chip, _, err := m.transition(ctx, chipID, action, req)
	return chip, err
}

func (m *Machine) transition(ctx context.Context, chipID string, action Action, req Request) (*domain.Chip, int64, error) {
	rule, ok := Rules[action]
	if !ok {
		return nil, 0, &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}
	cfg := m.cfg.Current()

	unlock := m.locks.Lock(chipID)
	capacity := rule.Capacity || action == ActPromote
	if capacity {
		m.capMu.Lock()
	}
	var (
		chip    *domain.Chip
		change  *events.StatusChanged
		eventID int64
	)
	err := m.store.WithTx(ctx, func(tx *repository.Store) error {
		cur, err := tx.GetChipForUpdate(ctx, chipID)
		if err != nil {
			return err
		}
		counts, err := tx.CountByStatus(ctx)
		if err != nil {
			return err
		}
		plan, err := Evaluate(action, Input{Chip: cur, Config: cfg, Counts: counts, Reason: req.Reason})
		if err != nil {
			return err
		}
		if plan.Noop {
			chip = cur
			return nil
		}

		now := m.now().UTC()
		updates := map[string]interface{}{
			"status":       plan.To,
			"warmup_phase": plan.ToPhase,
		}
		if plan.ToPhase != plan.FromPhase {
			updates["phase_started_at"] = now
			updates["stagnant_days"] = 0
		}
		switch action {
		case ActPause, ActDisconnect:
			updates["previous_status"] = plan.From
		case ActConnect:
			updates["previous_status"] = ""
			updates["conn_check_failures"] = 0
			updates["last_heartbeat_at"] = now
			if cur.PairedAt == nil {
				updates["paired_at"] = now
			}
			if cur.Status != domain.ChipOffline {
				updates["warming_day"] = 0
			}
		case ActResume:
			updates["previous_status"] = ""
		case ActReactivate:
			updates["previous_status"] = ""
			updates["reactivation_reason"] = strings.TrimSpace(req.Reason)
			updates["critical_drops"] = 0
			updates["conn_check_failures"] = 0
			updates["warming_day"] = 0
		case ActRecover:
			updates["critical_drops"] = 0
		}
		if plan.From == domain.ChipWarming && plan.To != domain.ChipWarming {
			if _, err := tx.CancelChipPlanned(ctx, cur.ID, "chip left warming"); err != nil {
				return err
			}
		}
		if err := tx.UpdateChip(ctx, cur.ID, updates); err != nil {
			return err
		}
		ev := &domain.TrustEvent{
			ID:          common.UUIDint64(),
			ChipID:      cur.ID,
			Type:        domain.TrustPhaseChange,
			ScoreBefore: cur.TrustScore,
			ScoreAfter:  cur.TrustScore,
			Description: describe(action, plan, req),
			Timestamp:   now,
		}
		ev.FactKey = fmt.Sprintf("transition:%d", ev.ID)
		if err := tx.AppendTrustEvent(ctx, ev); err != nil {
			return err
		}
		eventID = ev.ID
		if chip, err = tx.GetChip(ctx, cur.ID); err != nil {
			return err
		}
		change = &events.StatusChanged{
			ChipID:    cur.ID,
			Action:    string(action),
			From:      plan.From,
			To:        plan.To,
			FromPhase: plan.FromPhase,
			ToPhase:   plan.ToPhase,
			At:        now,
		}
		return nil
	})
	if capacity {
		m.capMu.Unlock()
	}
	unlock()
	if err != nil {
		return nil, 0, err
	}
	if change != nil {
		zap.L().Info("chip transition", zap.String("namespace", "lifecycle"),
			zap.String("chip", chipID), zap.String("action", string(action)),
			zap.String("from", string(change.From)), zap.String("to", string(change.To)),
			zap.String("phase", string(change.ToPhase)), zap.String("by", req.By))
		m.bus.PublishStatusChanged(*change)
	}
	return chip, eventID, nil
}

func describe(action Action, plan Plan, req Request) string {
	desc := fmt.Sprintf("%s: %s/%s -> %s/%s", action, plan.From, plan.FromPhase, plan.To, plan.ToPhase)
	if r := strings.TrimSpace(req.Reason); r != "" {
		desc += " (" + r + ")"
	}
	return desc
}

// Ban applies an external ban signal and its trust penalty.
func (m *Machine) Ban(ctx context.Context, chipID, reason string) (*domain.Chip, error) {
	chip, eventID, err := m.transition(ctx, chipID, ActBan, Request{Reason: reason, By: "signal"})
	if err != nil || eventID == 0 {
		return chip, err
	}
	if _, err := m.trust.Apply(ctx, trust.Adjustment{
		ChipID:      chipID,
		Delta:       trust.BanDelta,
		Description: "banned: " + reason,
		FactKey:     trust.BanFactKey(eventID),
	}); err != nil {
		return chip, err
	}
	return m.store.GetChip(ctx, chipID)
}

// HandleTrustChanged counts critical crossings and degrades a chip once
// the collapse guard passes.
func (m *Machine) HandleTrustChanged(ctx context.Context, ev events.TrustChanged) error {
	if !ev.CriticalCrossing {
		return nil
	}
	unlock := m.locks.Lock(ev.ChipID)
	var drops int
	err := m.store.WithTx(ctx, func(tx *repository.Store) error {
		chip, err := tx.GetChipForUpdate(ctx, ev.ChipID)
		if err != nil {
			return err
		}
		drops = chip.CriticalDrops + 1
		return tx.UpdateChip(ctx, chip.ID, map[string]interface{}{"critical_drops": drops})
	})
	unlock()
	if err != nil {
		return err
	}
	cfg := m.cfg.Current()
	if !cfg.AutoDemoteEnabled || drops < cfg.AlertThresholds.CollapseCrossings {
		return nil
	}
	_, err = m.Transition(ctx, ev.ChipID, ActDegrade, Request{By: "system", Reason: fmt.Sprintf("trust collapse, %d critical drops", drops)})
	if domain.IsConflict(err) {
		return nil
	}
	return err
}

// Attach subscribes the collapse check to trust changes.
func (m *Machine) Attach(bus *events.Bus) error {
	return bus.OnTrustChanged(func(ev events.TrustChanged) {
		if err := m.HandleTrustChanged(context.Background(), ev); err != nil {
			zap.L().Error("collapse check failed", zap.String("namespace", "lifecycle"), zap.String("chip", ev.ChipID), zap.Error(err))
		}
	})
}

// ProvisionRequest registers a new line.
type ProvisionRequest struct {
	Phone        string `json:"phone" validate:"required"`
	InstanceName string `json:"instance_name"`
	DDD          int    `json:"ddd"`
	Region       string `json:"region"`
	DailyLimit   int    `json:"daily_limit"`
}

var nonDigits = regexp.MustCompile(`\D`)

func (m *Machine) Provision(ctx context.Context, req ProvisionRequest) (*domain.Chip, error) {
	phone := nonDigits.ReplaceAllString(req.Phone, "")
	if len(phone) < 10 || len(phone) > 15 {
		return nil, &domain.ValidationError{Field: "phone", Reason: "must have 10 to 15 digits"}
	}
	if req.DailyLimit < 0 {
		return nil, &domain.ValidationError{Field: "daily_limit", Reason: "must not be negative"}
	}
	ddd := req.DDD
	if ddd == 0 && strings.HasPrefix(phone, "55") && len(phone) >= 12 {
		ddd, _ = strconv.Atoi(phone[2:4])
	}
	if ddd != 0 && (ddd < 11 || ddd > 99) {
		return nil, &domain.ValidationError{Field: "ddd", Reason: "must be between 11 and 99"}
	}
	cfg := m.cfg.Current()
	chip := &domain.Chip{
		ID:           common.NewChipID(),
		Phone:        phone,
		InstanceName: strings.TrimSpace(req.InstanceName),
		DDD:          ddd,
		Region:       strings.TrimSpace(req.Region),
		Status:       domain.ChipProvisioned,
		WarmupPhase:  domain.PhaseRepouso,
		TrustScore:   domain.ClampScore(cfg.ProvisionTrustScore),
		DailyLimit:   req.DailyLimit,
	}
	if chip.InstanceName == "" {
		chip.InstanceName = "chip-" + chip.ID
	}
	if err := m.store.CreateChip(ctx, chip); err != nil {
		return nil, err
	}
	zap.L().Info("chip provisioned", zap.String("namespace", "lifecycle"), zap.String("chip", chip.ID), zap.String("instance", chip.InstanceName))
	return chip, nil
}

// Available returns the operator actions that would pass for a chip now.
func (m *Machine) Available(ctx context.Context, chip *domain.Chip) ([]Availability, error) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return AvailableActions(Input{Chip: chip, Config: m.cfg.Current(), Counts: counts}), nil
}
