package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelForBands(t *testing.T) {
	cases := []struct {
		score int
		want  TrustLevel
	}{
		{100, TrustVerde}, {80, TrustVerde},
		{79, TrustAmarelo}, {60, TrustAmarelo},
		{59, TrustLaranja}, {40, TrustLaranja},
		{39, TrustVermelho}, {20, TrustVermelho},
		{19, TrustCritico}, {0, TrustCritico},
		{-5, TrustCritico}, {140, TrustVerde},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelFor(tc.score), "score %d", tc.score)
	}
}

func TestLevelRangeCoversEveryScore(t *testing.T) {
	for s := 0; s <= 100; s++ {
		lo, hi, ok := LevelRange(LevelFor(s))
		require.True(t, ok)
		assert.True(t, s >= lo && s <= hi, "score %d outside [%d,%d]", s, lo, hi)
	}
	_, _, ok := LevelRange("azul")
	assert.False(t, ok)
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0, ClampScore(-1))
	assert.Equal(t, 100, ClampScore(101))
	assert.Equal(t, 55, ClampScore(55))
}

func TestPhaseNext(t *testing.T) {
	next, ok := PhaseExpansao.Next()
	require.True(t, ok)
	assert.Equal(t, PhasePreOperacao, next)

	_, ok = PhaseOperacao.Next()
	assert.False(t, ok)
	_, ok = WarmupPhase("unknown").Next()
	assert.False(t, ok)
}

func TestChipErrorRate(t *testing.T) {
	c := Chip{MessagesLast24h: 100, ErrorsLast24h: 15}
	assert.InDelta(t, 15.0, c.ErrorRate(), 0.001)
	c = Chip{}
	assert.Zero(t, c.ErrorRate())
	c = Chip{ErrorsLast24h: 1}
	assert.Equal(t, 100.0, c.ErrorRate())
}

func TestDefaultPoolConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultPoolConfig().Validate())
}

func TestPoolConfigValidate(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.OperatingHours = OperatingHours{Start: "20:00", End: "08:00"}
	assert.True(t, IsValidation(cfg.Validate()))

	cfg = DefaultPoolConfig()
	cfg.OperatingDays = []int{1, 7}
	assert.True(t, IsValidation(cfg.Validate()))

	cfg = DefaultPoolConfig()
	cfg.AlertThresholds.TrustDropCritical = 5
	assert.True(t, IsValidation(cfg.Validate()))

	cfg = DefaultPoolConfig()
	cfg.Health.AttentionMin = 90
	assert.True(t, IsValidation(cfg.Validate()))

	cfg = DefaultPoolConfig()
	cfg.Health = HealthSettings{HealthyMin: 80, AttentionMin: 65, WarningMin: 50}
	assert.True(t, IsValidation(cfg.Validate()))
}

func TestPoolConfigCloneDoesNotShareSlices(t *testing.T) {
	cfg := DefaultPoolConfig()
	cp := cfg.Clone()
	cp.OperatingDays[0] = 0
	assert.Equal(t, 1, cfg.OperatingDays[0])
}

func TestOperatingHoursBounds(t *testing.T) {
	day := time.Date(2026, 10, 14, 15, 30, 0, 0, time.UTC)
	start, end, err := OperatingHours{Start: "08:00", End: "20:30"}.Bounds(day)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 10, 14, 20, 30, 0, 0, time.UTC), end)

	_, _, err = OperatingHours{Start: "8h", End: "20:00"}.Bounds(day)
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("promote: %w", &ConflictError{Action: "promote", Guard: "status", Reason: "chip is not warming"})
	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.Contains(t, wrapped.Error(), "guard status")

	dep := &DependencyError{Dependency: "gateway", Attempts: 3, Err: errors.New("timeout")}
	assert.True(t, IsDependency(dep))
	assert.Contains(t, dep.Error(), "3 attempts")

	assert.True(t, IsNotFound(fmt.Errorf("chip x: %w", ErrNotFound)))
	assert.True(t, IsStaleness(&StalenessError{Job: "alert_sweep", Expected: time.Minute}))
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritico.Rank(), SeverityAlerta.Rank())
	assert.Greater(t, SeverityAlerta.Rank(), SeverityAtencao.Rank())
	assert.Greater(t, SeverityAtencao.Rank(), SeverityInfo.Rank())
	assert.False(t, Severity("x").Valid())
}
