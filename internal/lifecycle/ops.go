package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/limiter"
	"github.com/talkincode/chippool/internal/repository"
	"go.uber.org/zap"
)

const maxBulkItems = 500

// BulkResult is the independent outcome of one item of a bulk action.
type BulkResult struct {
	ChipID string            `json:"chip_id"`
	OK     bool              `json:"ok"`
	Status domain.ChipStatus `json:"status,omitempty"`
	Code   string            `json:"code,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Bulk runs action over ids with bounded concurrency. A failing item never
// aborts the others.
func (m *Machine) Bulk(ctx context.Context, ids []string, action Action, req Request) ([]BulkResult, error) {
	allowed := false
	for _, a := range OperatorActions {
		if a == action {
			allowed = true
		}
	}
	if !allowed {
		return nil, &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("%q is not a bulk action", action)}
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, &domain.ValidationError{Field: "chip_ids", Reason: "at least one chip is required"}
	}
	if len(ids) > maxBulkItems {
		return nil, &domain.ValidationError{Field: "chip_ids", Reason: fmt.Sprintf("at most %d chips per request", maxBulkItems)}
	}

	pool, err := ants.NewPool(m.opts.BulkConcurrency)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	results := make([]BulkResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		i, id := i, id
		results[i].ChipID = id
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				results[i].Code, results[i].Error = domain.CodeInternal, ctx.Err().Error()
				return
			}
			chip, err := m.Transition(ctx, id, action, req)
			if err != nil {
				results[i].Code, results[i].Error = domain.ErrorCode(err), err.Error()
				return
			}
			results[i].OK, results[i].Status = true, chip.Status
		})
		if err != nil {
			wg.Done()
			results[i].Code, results[i].Error = domain.CodeInternal, err.Error()
		}
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	zap.L().Info("bulk action finished", zap.String("namespace", "lifecycle"),
		zap.String("action", string(action)), zap.Int("items", len(ids)), zap.Int("failed", failed))
	return results, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ConnectionResult is the outcome of one connection check.
type ConnectionResult struct {
	ChipID  string            `json:"chip_id"`
	State   string            `json:"state"`
	Status  domain.ChipStatus `json:"status"`
	Changed bool              `json:"changed"`
}

// CheckConnection asks the gateway for the chip's session state and applies
// connect or disconnect accordingly. An exhausted check increments the
// chip's failure counter.
func (m *Machine) CheckConnection(ctx context.Context, chipID string) (*ConnectionResult, error) {
	chip, err := m.store.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	if chip.Status == domain.ChipCancelled || chip.Status == domain.ChipBanned {
		return nil, &domain.ConflictError{Action: "check_connection", Guard: "status", Reason: fmt.Sprintf("not allowed from status %s", chip.Status)}
	}
	state, err := m.probe.ConnectionState(ctx, chip.InstanceName)
	if err != nil {
		if domain.IsDependency(err) {
			if merr := m.markCheckFailed(ctx, chipID); merr != nil {
				zap.L().Error("record connection failure", zap.String("namespace", "lifecycle"), zap.String("chip", chipID), zap.Error(merr))
			}
		}
		return nil, err
	}

	res := &ConnectionResult{ChipID: chipID, State: state, Status: chip.Status}
	var action Action
	if state == StateOpen {
		if err := m.touchHeartbeat(ctx, chipID); err != nil {
			return nil, err
		}
		switch chip.Status {
		case domain.ChipProvisioned, domain.ChipPending, domain.ChipOffline:
			action = ActConnect
		}
	} else if chip.Status.Connected() {
		action = ActDisconnect
	}
	if action != "" {
		next, err := m.Transition(ctx, chipID, action, Request{By: "connection_check", Reason: "gateway state " + state})
		if err != nil {
			return nil, err
		}
		res.Status, res.Changed = next.Status, next.Status != chip.Status
	}
	return res, nil
}

func (m *Machine) markCheckFailed(ctx context.Context, chipID string) error {
	unlock := m.locks.Lock(chipID)
	defer unlock()
	return m.store.WithTx(ctx, func(tx *repository.Store) error {
		chip, err := tx.GetChipForUpdate(ctx, chipID)
		if err != nil {
			return err
		}
		return tx.UpdateChip(ctx, chipID, map[string]interface{}{"conn_check_failures": chip.ConnCheckFailures + 1})
	})
}

func (m *Machine) touchHeartbeat(ctx context.Context, chipID string) error {
	unlock := m.locks.Lock(chipID)
	defer unlock()
	return m.store.UpdateChip(ctx, chipID, map[string]interface{}{
		"last_heartbeat_at":   m.now().UTC(),
		"conn_check_failures": 0,
	})
}

// ConnectionSweep checks every chip expected to hold or regain a session.
func (m *Machine) ConnectionSweep(ctx context.Context) (items, failed int, err error) {
	chips, err := m.store.ChipsByStatus(ctx, domain.ChipPending, domain.ChipWarming, domain.ChipReady,
		domain.ChipActive, domain.ChipDegraded, domain.ChipOffline)
	if err != nil {
		return 0, 0, err
	}
	pool, err := ants.NewPool(m.opts.CheckConcurrency)
	if err != nil {
		return 0, 0, err
	}
	defer pool.Release()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, chip := range chips {
		id := chip.ID
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if _, err := m.CheckConnection(ctx, id); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				zap.L().Warn("connection check failed", zap.String("namespace", "lifecycle"), zap.String("chip", id), zap.Error(err))
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			failed++
			mu.Unlock()
		}
	}
	wg.Wait()
	return len(chips), failed, nil
}

// SendAuthorization grants one outbound message.
type SendAuthorization struct {
	ChipID string `json:"chip_id"`
	// RemainingToday is -1 when no daily cap applies.
	RemainingToday int       `json:"remaining_today"`
	At             time.Time `json:"at"`
}

// AuthorizeSend is the outbound gate for the messaging collaborator. A grant
// is counted against the chip's limits immediately.
func (m *Machine) AuthorizeSend(ctx context.Context, chipID string, at time.Time) (*SendAuthorization, error) {
	if at.IsZero() {
		at = m.now().UTC()
	}
	cfg := m.cfg.Current()
	unlock := m.locks.Lock(chipID)
	defer unlock()

	var auth *SendAuthorization
	err := m.store.WithTx(ctx, func(tx *repository.Store) error {
		chip, err := tx.GetChipForUpdate(ctx, chipID)
		if err != nil {
			return err
		}
		if chip.Status != domain.ChipActive {
			return &domain.ConflictError{Action: "send", Guard: "status", Reason: fmt.Sprintf("chip is %s, only active chips may send", chip.Status)}
		}
		today := at.In(m.opts.Location).Format(domain.PlanDateLayout)
		sent := chip.MessagesOn(today)
		usage := limiter.Usage{
			LastHour:   m.window.Count(chipID, at),
			Today:      sent,
			DailyLimit: chip.DailyLimit,
		}
		if chip.LastActivityAt != nil {
			usage.LastActionAt = *chip.LastActivityAt
		}
		if err := limiter.Check(cfg, usage, at); err != nil {
			return err
		}
		if err := tx.UpdateChip(ctx, chipID, map[string]interface{}{
			"messages_today":   sent + 1,
			"messages_date":    today,
			"last_activity_at": at,
		}); err != nil {
			return err
		}
		remaining := -1
		if limit := limiter.DailyCap(cfg, chip.DailyLimit); limit > 0 {
			remaining = limit - sent - 1
		}
		auth = &SendAuthorization{ChipID: chipID, RemainingToday: remaining, At: at}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.window.Add(chipID, at)
	return auth, nil
}

// MetricsSignal is a partial metrics report. Nil fields are left as they
// are.
type MetricsSignal struct {
	MessagesToday   *int      `json:"messages_today"`
	MessagesLast24h *int      `json:"messages_last_24h"`
	ErrorsLast24h   *int      `json:"errors_last_24h"`
	ResponseRate    *float64  `json:"response_rate"`
	DeliveryRate    *float64  `json:"delivery_rate"`
	BlockRate       *float64  `json:"block_rate"`
	QualityRating   *string   `json:"quality_rating"`
	Heartbeat       bool      `json:"heartbeat"`
	At              time.Time `json:"at"`
}

func (s MetricsSignal) updates() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for _, f := range []struct {
		col string
		v   *int
	}{
		{"messages_today", s.MessagesToday},
		{"messages_last24h", s.MessagesLast24h},
		{"errors_last24h", s.ErrorsLast24h},
	} {
		if f.v == nil {
			continue
		}
		if *f.v < 0 {
			return nil, &domain.ValidationError{Field: f.col, Reason: "must not be negative"}
		}
		out[f.col] = *f.v
	}
	for _, f := range []struct {
		col string
		v   *float64
	}{
		{"response_rate", s.ResponseRate},
		{"delivery_rate", s.DeliveryRate},
		{"block_rate", s.BlockRate},
	} {
		if f.v == nil {
			continue
		}
		if *f.v < 0 || *f.v > 100 {
			return nil, &domain.ValidationError{Field: f.col, Reason: "must be a percentage between 0 and 100"}
		}
		out[f.col] = *f.v
	}
	if s.QualityRating != nil {
		switch *s.QualityRating {
		case "GREEN", "YELLOW", "RED", "":
			out["quality_rating"] = *s.QualityRating
		default:
			return nil, &domain.ValidationError{Field: "quality_rating", Reason: "must be GREEN, YELLOW or RED"}
		}
	}
	return out, nil
}

// ObserveMetrics stores a metrics report and applies the hourly trust
// penalties it implies.
func (m *Machine) ObserveMetrics(ctx context.Context, chipID string, sig MetricsSignal) (*domain.Chip, error) {
	updates, err := sig.updates()
	if err != nil {
		return nil, err
	}
	at := sig.At
	if at.IsZero() {
		at = m.now().UTC()
	}
	if sig.Heartbeat {
		updates["last_heartbeat_at"] = at
	}
	if sig.MessagesToday != nil {
		updates["messages_date"] = at.In(m.opts.Location).Format(domain.PlanDateLayout)
	}
	if sig.MessagesLast24h != nil || sig.ErrorsLast24h != nil {
		updates["metrics_reported_at"] = at
	}
	if len(updates) == 0 {
		return nil, &domain.ValidationError{Field: "metrics", Reason: "empty report"}
	}
	unlock := m.locks.Lock(chipID)
	err = m.store.UpdateChip(ctx, chipID, updates)
	unlock()
	if err != nil {
		return nil, err
	}
	if _, err := m.trust.ApplyMetrics(ctx, chipID, at); err != nil {
		return nil, err
	}
	return m.store.GetChip(ctx, chipID)
}
