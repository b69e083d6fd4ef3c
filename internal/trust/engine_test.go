package trust_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/internal/chiplock"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/events"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/repository/repotest"
	"github.com/talkincode/chippool/internal/trust"
)

type staticConfig struct{ cfg domain.PoolConfig }

func (s staticConfig) Current() domain.PoolConfig { return s.cfg.Clone() }

type recorder struct {
	mu     sync.Mutex
	events []events.TrustChanged
}

func (r *recorder) PublishTrustChanged(ev events.TrustChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T, score int) (*trust.Engine, *repository.Store, *recorder) {
	store := repotest.NewStore(t)
	chip := repotest.Chip("a1", domain.ChipActive)
	chip.TrustScore = score
	require.NoError(t, store.CreateChip(context.Background(), chip))
	rec := &recorder{}
	eng := trust.NewEngine(store, chiplock.New(), staticConfig{domain.DefaultPoolConfig()}, rec)
	eng.SetClock(func() time.Time { return base })
	return eng, store, rec
}

func TestDeltaFunctions(t *testing.T) {
	assert.Equal(t, 0, trust.ErrorRatePenalty(5, 5))
	assert.Equal(t, -1, trust.ErrorRatePenalty(6, 5))
	assert.Equal(t, -5, trust.ErrorRatePenalty(15, 5))
	assert.Equal(t, -20, trust.ErrorRatePenalty(100, 5))
	assert.Equal(t, -4, trust.BlockRatePenalty(5.5, 2))
	assert.Equal(t, -20, trust.BlockRatePenalty(40, 2))
	assert.Equal(t, 0, trust.DeliveryPenalty(90, 85))
	assert.Equal(t, -5, trust.DeliveryPenalty(70, 85))
}

func TestMetricDeltaNeedsSample(t *testing.T) {
	th := domain.DefaultPoolConfig().AlertThresholds
	chip := &domain.Chip{MessagesLast24h: 10, ErrorsLast24h: 5, DeliveryRate: 100}
	d, _ := trust.MetricDelta(chip, th)
	assert.Equal(t, 0, d)

	chip.MessagesLast24h = 100
	chip.ErrorsLast24h = 15
	chip.DeliveryRate = 80
	d, desc := trust.MetricDelta(chip, th)
	assert.Equal(t, -5-2, d)
	assert.Contains(t, desc, "error rate 15.0%")
}

func TestApplyClampsAndRecords(t *testing.T) {
	eng, store, rec := setup(t, 95)
	ctx := context.Background()

	res, err := eng.Apply(ctx, trust.Adjustment{ChipID: "a1", Delta: 10, Description: "bonus", FactKey: "warmup_day:2026-03-02"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 100, res.After)

	res, err = eng.Apply(ctx, trust.Adjustment{ChipID: "a1", Delta: 5, FactKey: "warmup_day:2026-03-03"})
	require.NoError(t, err)
	assert.False(t, res.Applied, "score already at the ceiling")

	evs, err := store.TrustEvents(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.TrustIncrease, evs[0].Type)
	assert.Equal(t, 95, evs[0].ScoreBefore)
	assert.Equal(t, 100, evs[0].ScoreAfter)
	assert.Len(t, rec.events, 1)
}

func TestApplyReplayIsNoop(t *testing.T) {
	eng, store, rec := setup(t, 50)
	ctx := context.Background()
	adj := trust.Adjustment{ChipID: "a1", Delta: trust.ActivityFailedDelta, Description: "activity failed", FactKey: trust.ActivityFactKey(42)}

	_, err := eng.Apply(ctx, adj)
	require.NoError(t, err)
	res, err := eng.Apply(ctx, adj)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	chip, err := store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 48, chip.TrustScore)
	evs, err := store.TrustEvents(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
	assert.Len(t, rec.events, 1)
}

func TestApplyClampedFactIsConsumed(t *testing.T) {
	eng, store, rec := setup(t, 100)
	ctx := context.Background()
	bonus := trust.Adjustment{ChipID: "a1", Delta: 5, Description: "bonus", FactKey: trust.WarmupDayFactKey("2026-03-02")}

	res, err := eng.Apply(ctx, bonus)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.False(t, res.Duplicate)
	seen, err := store.HasFact(ctx, "a1", bonus.FactKey)
	require.NoError(t, err)
	assert.True(t, seen)

	_, err = eng.Apply(ctx, trust.Adjustment{ChipID: "a1", Delta: -20, Description: "penalty", FactKey: "t:drop"})
	require.NoError(t, err)
	res, err = eng.Apply(ctx, bonus)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	chip, err := store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 80, chip.TrustScore)
	evs, err := store.TrustEvents(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
	assert.Len(t, rec.events, 1)

	n, err := store.PruneTrustEvents(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestApplyFlagsCriticalCrossingOnce(t *testing.T) {
	eng, _, rec := setup(t, 80)
	ctx := context.Background()

	for i, delta := range []int{-10, -15, -5} {
		_, err := eng.Apply(ctx, trust.Adjustment{
			ChipID: "a1", Delta: delta, FactKey: trust.ActivityFactKey(int64(i)),
			At: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	require.Len(t, rec.events, 3)
	assert.Equal(t, 10, rec.events[0].WindowDrop)
	assert.False(t, rec.events[0].CriticalCrossing)
	assert.Equal(t, 25, rec.events[1].WindowDrop)
	assert.True(t, rec.events[1].CriticalCrossing)
	assert.Equal(t, 30, rec.events[2].WindowDrop)
	assert.False(t, rec.events[2].CriticalCrossing, "already past critical")

	drop, err := eng.WindowDrop(ctx, "a1", 50, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 30, drop)
	drop, err = eng.WindowDrop(ctx, "a1", 50, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, drop, "events outside the window no longer count")
}

func TestApplyMissingChip(t *testing.T) {
	eng, _, _ := setup(t, 50)
	_, err := eng.Apply(context.Background(), trust.Adjustment{ChipID: "zz", Delta: 1})
	assert.True(t, domain.IsNotFound(err))
	_, err = eng.Apply(context.Background(), trust.Adjustment{Delta: 1})
	assert.True(t, domain.IsValidation(err))
}

func TestSweepOncePerHour(t *testing.T) {
	eng, store, _ := setup(t, 70)
	ctx := context.Background()
	require.NoError(t, store.UpdateChip(ctx, "a1", map[string]interface{}{
		"messages_last24h": 100, "errors_last24h": 15, "delivery_rate": 95.0, "metrics_reported_at": base,
	}))
	paused := repotest.Chip("p1", domain.ChipPaused)
	paused.MessagesLast24h, paused.ErrorsLast24h = 100, 50
	paused.MetricsReportedAt = &base
	require.NoError(t, store.CreateChip(ctx, paused))

	items, failed, err := eng.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, items)
	assert.Equal(t, 0, failed)
	_, _, err = eng.Sweep(ctx)
	require.NoError(t, err)

	chip, err := store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 65, chip.TrustScore)
	p, err := store.GetChip(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 50, p.TrustScore, "paused chips are not monitored")

	eng.SetClock(func() time.Time { return base.Add(time.Hour) })
	_, _, err = eng.Sweep(ctx)
	require.NoError(t, err)
	chip, err = store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 60, chip.TrustScore)
}

func TestSweepDropsUnreportedCounters(t *testing.T) {
	eng, store, _ := setup(t, 70)
	ctx := context.Background()
	stale := base.Add(-48 * time.Hour)
	require.NoError(t, store.UpdateChip(ctx, "a1", map[string]interface{}{
		"messages_last24h": 100, "errors_last24h": 15, "delivery_rate": 95.0, "metrics_reported_at": stale,
	}))

	_, _, err := eng.Sweep(ctx)
	require.NoError(t, err)
	chip, err := store.GetChip(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, chip.MessagesLast24h)
	assert.Zero(t, chip.ErrorsLast24h)
	assert.Equal(t, 70, chip.TrustScore)
}
