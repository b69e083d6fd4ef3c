package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/internal/chiplock"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/events"
	"github.com/talkincode/chippool/internal/lifecycle"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/repository/repotest"
	"github.com/talkincode/chippool/internal/trust"
)

type staticConfig struct{ cfg domain.PoolConfig }

func (s *staticConfig) Current() domain.PoolConfig { return s.cfg.Clone() }

type fakeProbe struct {
	mu     sync.Mutex
	states map[string]string
	err    error
}

func (p *fakeProbe) ConnectionState(_ context.Context, instance string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return p.states[instance], nil
}

// Monday 2026-03-02 10:00 UTC
var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *repository.Store
	bus   *events.Bus
	cfg   *staticConfig
	probe *fakeProbe
	trust *trust.Engine
	m     *lifecycle.Machine
}

func newFixture(t *testing.T) *fixture {
	store := repotest.NewStore(t)
	bus := events.NewBus()
	locks := chiplock.New()
	cfg := &staticConfig{cfg: domain.DefaultPoolConfig()}
	te := trust.NewEngine(store, locks, cfg, bus)
	te.SetClock(func() time.Time { return base })
	probe := &fakeProbe{states: map[string]string{}}
	m := lifecycle.NewMachine(store, locks, cfg, te, bus, probe, lifecycle.Options{})
	m.SetClock(func() time.Time { return base })
	t.Cleanup(bus.Wait)
	return &fixture{store: store, bus: bus, cfg: cfg, probe: probe, trust: te, m: m}
}

func (f *fixture) chip(t *testing.T, id string, status domain.ChipStatus, phase domain.WarmupPhase, score int) {
	c := repotest.Chip(id, status)
	c.WarmupPhase, c.TrustScore = phase, score
	require.NoError(t, f.store.CreateChip(context.Background(), c))
}

func phaseEvents(t *testing.T, store *repository.Store, id string) []domain.TrustEvent {
	evs, err := store.TrustEvents(context.Background(), id, 100)
	require.NoError(t, err)
	var out []domain.TrustEvent
	for _, ev := range evs {
		if ev.Type == domain.TrustPhaseChange {
			out = append(out, ev)
		}
	}
	return out
}

func TestPromoteScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipWarming, domain.PhaseExpansao, 72)

	chip, err := f.m.Transition(ctx, "a1", lifecycle.ActPromote, lifecycle.Request{By: "ops"})
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePreOperacao, chip.WarmupPhase)
	assert.Equal(t, domain.ChipWarming, chip.Status)
	require.NotNil(t, chip.PhaseStartedAt)

	evs := phaseEvents(t, f.store, "a1")
	require.Len(t, evs, 1)
	assert.Equal(t, 72, evs[0].ScoreBefore)
	assert.Equal(t, 72, evs[0].ScoreAfter)
	assert.Contains(t, evs[0].Description, "expansao")
	assert.Contains(t, evs[0].Description, "pre_operacao")
}

func TestRejectedPromoteChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipWarming, domain.PhaseOperacao, 65)

	for i := 0; i < 2; i++ {
		_, err := f.m.Transition(ctx, "a1", lifecycle.ActPromote, lifecycle.Request{})
		assert.True(t, domain.IsConflict(err))
	}
	chip, err := f.store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseOperacao, chip.WarmupPhase)
	assert.Empty(t, phaseEvents(t, f.store, "a1"))
}

func TestPauseResumeRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipActive, domain.PhaseOperacao, 85)

	chip, err := f.m.Transition(ctx, "a1", lifecycle.ActPause, lifecycle.Request{})
	require.NoError(t, err)
	assert.Equal(t, domain.ChipPaused, chip.Status)
	assert.Equal(t, domain.ChipActive, chip.PreviousStatus)

	chip, err = f.m.Transition(ctx, "a1", lifecycle.ActResume, lifecycle.Request{})
	require.NoError(t, err)
	assert.Equal(t, domain.ChipActive, chip.Status)
	assert.Len(t, phaseEvents(t, f.store, "a1"), 2)
}

func TestReactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipBanned, domain.PhaseOperacao, 20)

	_, err := f.m.Transition(ctx, "a1", lifecycle.ActReactivate, lifecycle.Request{Reason: "  "})
	assert.True(t, domain.IsValidation(err))

	chip, err := f.m.Transition(ctx, "a1", lifecycle.ActReactivate, lifecycle.Request{Reason: "appeal accepted"})
	require.NoError(t, err)
	assert.Equal(t, domain.ChipPending, chip.Status)
	assert.Equal(t, "appeal accepted", chip.ReactivationReason)
	assert.Len(t, phaseEvents(t, f.store, "a1"), 1)
}

func TestCapacityGuardOnActivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cfg.cfg.MaxChipsActive = 1
	f.chip(t, "a1", domain.ChipActive, domain.PhaseOperacao, 85)
	f.chip(t, "b2", domain.ChipReady, domain.PhaseOperacao, 85)

	_, err := f.m.Transition(ctx, "b2", lifecycle.ActActivate, lifecycle.Request{})
	assert.True(t, domain.IsConflict(err))

	f.cfg.cfg.MaxChipsActive = 0
	chip, err := f.m.Transition(ctx, "b2", lifecycle.ActActivate, lifecycle.Request{})
	require.NoError(t, err)
	assert.Equal(t, domain.ChipActive, chip.Status)
}

func TestLeavingWarmingCancelsPlannedActivities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipWarming, domain.PhaseSetup, 60)
	require.NoError(t, f.store.CreateActivities(ctx, []domain.ScheduledActivity{{
		ID: 1, ChipID: "a1", Type: domain.ActivityMarcarLido, Status: domain.ActivityPlanejada,
		PlanDate: "2026-03-02", ScheduledAt: base.Add(time.Hour),
	}}))

	_, err := f.m.Transition(ctx, "a1", lifecycle.ActPause, lifecycle.Request{})
	require.NoError(t, err)
	act, err := f.store.GetActivity(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivityCancelada, act.Status)
}

func TestBanAppliesPenaltyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipActive, domain.PhaseOperacao, 85)

	chip, err := f.m.Ban(ctx, "a1", "reported by meta")
	require.NoError(t, err)
	assert.Equal(t, domain.ChipBanned, chip.Status)
	assert.Equal(t, 55, chip.TrustScore)

	chip, err = f.m.Ban(ctx, "a1", "reported again")
	require.NoError(t, err)
	assert.Equal(t, 55, chip.TrustScore, "repeated ban signal is a no-op")
	assert.Len(t, phaseEvents(t, f.store, "a1"), 1)
}

func TestCollapseDegradesAfterCrossings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipActive, domain.PhaseOperacao, 80)
	crossing := events.TrustChanged{ChipID: "a1", CriticalCrossing: true}

	require.NoError(t, f.m.HandleTrustChanged(ctx, events.TrustChanged{ChipID: "a1"}))
	require.NoError(t, f.m.HandleTrustChanged(ctx, crossing))
	chip, err := f.store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, chip.CriticalDrops)
	assert.Equal(t, domain.ChipActive, chip.Status)

	require.NoError(t, f.m.HandleTrustChanged(ctx, crossing))
	chip, err = f.store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChipDegraded, chip.Status)

	chip, err = f.m.Transition(ctx, "a1", lifecycle.ActRecover, lifecycle.Request{})
	require.NoError(t, err)
	assert.Equal(t, domain.ChipWarming, chip.Status)
	assert.Equal(t, domain.PhasePreOperacao, chip.WarmupPhase)
	assert.Equal(t, 0, chip.CriticalDrops)
}

func TestCollapseCascadeThroughBus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cfg.cfg.AlertThresholds.CollapseCrossings = 1
	require.NoError(t, f.m.Attach(f.bus))
	f.chip(t, "a1", domain.ChipActive, domain.PhaseOperacao, 80)

	_, err := f.trust.Apply(ctx, trust.Adjustment{ChipID: "a1", Delta: -25, FactKey: "activity:1"})
	require.NoError(t, err)
	f.bus.Wait()

	chip, err := f.store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChipDegraded, chip.Status)
}

func TestBulkAggregatesPerItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipActive, domain.PhaseOperacao, 85)
	f.chip(t, "b2", domain.ChipReady, domain.PhaseOperacao, 85)
	f.chip(t, "c3", domain.ChipPaused, domain.PhaseOperacao, 85)

	results, err := f.m.Bulk(ctx, []string{"a1", "b2", "c3", "zz", "a1"}, lifecycle.ActPause, lifecycle.Request{By: "ops"})
	require.NoError(t, err)
	require.Len(t, results, 4)
	byID := map[string]lifecycle.BulkResult{}
	for _, r := range results {
		byID[r.ChipID] = r
	}
	assert.True(t, byID["a1"].OK)
	assert.True(t, byID["b2"].OK)
	assert.Equal(t, domain.CodeConflict, byID["c3"].Code)
	assert.Equal(t, domain.CodeNotFound, byID["zz"].Code)

	_, err = f.m.Bulk(ctx, []string{"a1"}, lifecycle.ActBan, lifecycle.Request{})
	assert.True(t, domain.IsValidation(err))
	_, err = f.m.Bulk(ctx, nil, lifecycle.ActPause, lifecycle.Request{})
	assert.True(t, domain.IsValidation(err))
}

func TestCheckConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipPending, domain.PhaseRepouso, 50)
	f.chip(t, "b2", domain.ChipActive, domain.PhaseOperacao, 85)
	f.probe.states["inst-a1"] = lifecycle.StateOpen
	f.probe.states["inst-b2"] = "close"

	res, err := f.m.CheckConnection(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.ChipWarming, res.Status)
	chip, err := f.store.GetChip(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, chip.PairedAt)
	require.NotNil(t, chip.LastHeartbeatAt)

	res, err = f.m.CheckConnection(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, domain.ChipOffline, res.Status)

	f.probe.states["inst-b2"] = lifecycle.StateOpen
	res, err = f.m.CheckConnection(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, domain.ChipActive, res.Status, "reconnect restores the previous status")
}

func TestCheckConnectionFailureCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipActive, domain.PhaseOperacao, 85)
	f.probe.err = &domain.DependencyError{Dependency: "gateway", Attempts: 3, Err: errors.New("timeout")}

	_, err := f.m.CheckConnection(ctx, "a1")
	assert.True(t, domain.IsDependency(err))
	items, failed, err := f.m.ConnectionSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, items)
	assert.Equal(t, 1, failed)

	chip, err := f.store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, chip.ConnCheckFailures)
}

func TestAuthorizeSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipActive, domain.PhaseOperacao, 85)
	require.NoError(t, f.store.UpdateChip(ctx, "a1", map[string]interface{}{"daily_limit": 2}))
	f.chip(t, "w1", domain.ChipWarming, domain.PhaseSetup, 60)

	auth, err := f.m.AuthorizeSend(ctx, "a1", base)
	require.NoError(t, err)
	assert.Equal(t, 1, auth.RemainingToday)

	_, err = f.m.AuthorizeSend(ctx, "a1", base.Add(10*time.Second))
	assert.True(t, domain.IsConflict(err), "min interval")

	_, err = f.m.AuthorizeSend(ctx, "a1", base.Add(2*time.Minute))
	require.NoError(t, err)
	_, err = f.m.AuthorizeSend(ctx, "a1", base.Add(4*time.Minute))
	var c *domain.ConflictError
	require.ErrorAs(t, err, &c)
	assert.Equal(t, "daily_limit", c.Guard)

	_, err = f.m.AuthorizeSend(ctx, "w1", base)
	assert.True(t, domain.IsConflict(err))
}

func TestObserveMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipActive, domain.PhaseOperacao, 85)

	bad := 120.0
	_, err := f.m.ObserveMetrics(ctx, "a1", lifecycle.MetricsSignal{BlockRate: &bad})
	assert.True(t, domain.IsValidation(err))

	msgs, errs, block, delivery := 100, 15, 4.0, 95.0
	chip, err := f.m.ObserveMetrics(ctx, "a1", lifecycle.MetricsSignal{
		MessagesLast24h: &msgs, ErrorsLast24h: &errs, BlockRate: &block, DeliveryRate: &delivery,
		Heartbeat: true, At: base,
	})
	require.NoError(t, err)
	assert.Equal(t, 4.0, chip.BlockRate)
	assert.Equal(t, 85-5-2, chip.TrustScore)

	chip, err = f.m.ObserveMetrics(ctx, "a1", lifecycle.MetricsSignal{MessagesLast24h: &msgs, At: base.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 78, chip.TrustScore, "one penalty per hour")
}

func TestProvision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chip, err := f.m.Provision(ctx, lifecycle.ProvisionRequest{Phone: "+55 (21) 99876-5432", Region: "RJ"})
	require.NoError(t, err)
	assert.Equal(t, "5521998765432", chip.Phone)
	assert.Equal(t, 21, chip.DDD)
	assert.Equal(t, domain.ChipProvisioned, chip.Status)
	assert.Equal(t, 50, chip.TrustScore)
	assert.NotEmpty(t, chip.InstanceName)

	_, err = f.m.Provision(ctx, lifecycle.ProvisionRequest{Phone: "5521998765432"})
	assert.True(t, domain.IsConflict(err))
	_, err = f.m.Provision(ctx, lifecycle.ProvisionRequest{Phone: "123"})
	assert.True(t, domain.IsValidation(err))
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chip(t, "a1", domain.ChipWarming, domain.PhaseRepouso, 90)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.m.Transition(ctx, "a1", lifecycle.ActPromote, lifecycle.Request{})
		}()
	}
	wg.Wait()
	chip, err := f.store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseExpansao, chip.WarmupPhase)
	assert.Len(t, phaseEvents(t, f.store, "a1"), 3)
}
