package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/health"
	"github.com/talkincode/chippool/internal/poolcfg"
	"github.com/talkincode/chippool/internal/repository/repotest"
	"github.com/talkincode/chippool/pkg/common"
	"github.com/talkincode/chippool/pkg/metrics"
)

type fakeJobs struct {
	count int
	stale []*domain.StalenessError
}

func (f fakeJobs) Stale(context.Context, time.Time) ([]*domain.StalenessError, error) {
	return f.stale, nil
}

func (f fakeJobs) JobCount(context.Context) (int, error) {
	return f.count, nil
}

func TestAggregateRecordsScore(t *testing.T) {
	require.NoError(t, metrics.InitMetrics(t.TempDir()))
	t.Cleanup(func() { _ = metrics.Close() })

	ctx := context.Background()
	store := repotest.NewStore(t)
	cfg := poolcfg.New(store)
	require.NoError(t, cfg.Load(ctx))
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, store.CreateChip(ctx, repotest.Chip(id, domain.ChipActive)))
	}
	require.NoError(t, store.CreateChip(ctx, repotest.Chip("o1", domain.ChipOffline)))
	require.NoError(t, store.CreateAlert(ctx, &domain.Alert{
		ID: common.UUIDint64(), ChipID: "o1", Type: domain.AlertDesconexao,
		Severity: domain.SeverityCritico, CreatedAt: time.Now().UTC(),
	}))

	at := time.Now().UTC().Truncate(time.Second)
	agg := health.NewAggregator(store, cfg, fakeJobs{count: 6, stale: []*domain.StalenessError{{Job: domain.TaskTrustSweep}}})
	agg.SetClock(func() time.Time { return at })
	assert.Nil(t, agg.Last())

	rep, err := agg.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Monitored)
	assert.Equal(t, 1, rep.Counts[domain.ChipOffline])
	require.NotNil(t, agg.Last())
	assert.Equal(t, rep.Score, agg.Last().Score)
	assert.Equal(t, float64(rep.Score), testutil.ToFloat64(metrics.PoolHealthScore))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ChipsByStatus.WithLabelValues(string(domain.ChipActive))))

	types := map[string]bool{}
	for _, is := range rep.Issues {
		types[is.Type] = true
	}
	assert.True(t, types[health.IssueCriticalAlerts])
	assert.True(t, types[health.IssueOfflineChips])
	assert.True(t, types[health.IssueStaleJobs])
	assert.True(t, types[health.IssueBelowMinReady])

	pts, err := agg.History(at.Add(-time.Hour), at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, float64(rep.Score), pts[0].Value)

	_, err = agg.History(at, at.Add(-time.Hour))
	assert.True(t, domain.IsValidation(err))

	st, err := agg.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.OpenAlerts.Critico)
	assert.Equal(t, 1, st.OpenAlerts.CriticoChips)
}

func TestCurrentDoesNotRecord(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)
	cfg := poolcfg.New(store)
	require.NoError(t, cfg.Load(ctx))
	agg := health.NewAggregator(store, cfg, nil)

	rep, err := agg.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, rep.Score)
	assert.Nil(t, agg.Last())
}
