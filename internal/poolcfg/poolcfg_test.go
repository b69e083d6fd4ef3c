package poolcfg_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/poolcfg"
	"github.com/talkincode/chippool/internal/repository/repotest"
)

func newService(t *testing.T) *poolcfg.Service {
	svc := poolcfg.New(repotest.NewStore(t))
	require.NoError(t, svc.Load(context.Background()))
	return svc
}

func TestUpdateMergesPatch(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	cfg, err := svc.Update(ctx, map[string]interface{}{
		"maxChipsActive":  float64(12),
		"operatingDays":   []interface{}{float64(1), float64(3)},
		"alertThresholds": map[string]interface{}{"errorRateCritical": float64(12)},
		"version":         float64(99),
	}, 1, "ops")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cfg.Version)
	assert.Equal(t, 12, cfg.MaxChipsActive)
	assert.Equal(t, []int{1, 3}, cfg.OperatingDays)
	assert.Equal(t, 12.0, cfg.AlertThresholds.ErrorRateCritical)
	assert.Equal(t, 5.0, cfg.AlertThresholds.ErrorRateWarning, "untouched nested fields survive")
	assert.Equal(t, "ops", cfg.UpdatedBy)

	snap := svc.Current()
	assert.Equal(t, cfg.Version, snap.Version)
	snap.OperatingDays[0] = 6
	assert.Equal(t, 1, svc.Current().OperatingDays[0], "snapshots are private copies")
}

func TestUpdateRejectsInvalidInput(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.Update(ctx, map[string]interface{}{"noSuchField": 1}, 1, "ops")
	assert.True(t, domain.IsValidation(err))

	_, err = svc.Update(ctx, map[string]interface{}{"operatingHours": map[string]interface{}{"start": "21:00"}}, 1, "ops")
	assert.True(t, domain.IsValidation(err))

	_, err = svc.Update(ctx, map[string]interface{}{"version": 3}, 1, "ops")
	assert.True(t, domain.IsValidation(err))

	assert.EqualValues(t, 1, svc.Current().Version)
}

func TestStaleVersionConflicts(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.Update(ctx, map[string]interface{}{"minChipsReady": 3}, 1, "a")
	require.NoError(t, err)
	_, err = svc.Update(ctx, map[string]interface{}{"minChipsReady": 4}, 1, "b")
	assert.True(t, domain.IsConflict(err))
	assert.Equal(t, 3, svc.Current().MinChipsReady)
}

func TestConcurrentUpdatesHaveOneWinnerPerVersion(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.Update(ctx, map[string]interface{}{"maxMsgsPerHour": 10 + n}, 1, "ops")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.True(t, domain.IsConflict(err))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.EqualValues(t, 2, svc.Current().Version)
}

func TestCrossProcessConflictReloads(t *testing.T) {
	store := repotest.NewStore(t)
	ctx := context.Background()
	a := poolcfg.New(store)
	b := poolcfg.New(store)
	require.NoError(t, a.Load(ctx))
	require.NoError(t, b.Load(ctx))

	_, err := a.Update(ctx, map[string]interface{}{"maxChipsWarming": 5}, 1, "a")
	require.NoError(t, err)
	_, err = b.Update(ctx, map[string]interface{}{"maxChipsWarming": 6}, 1, "b")
	assert.True(t, domain.IsConflict(err))
	assert.Equal(t, 5, b.Current().MaxChipsWarming)
}
