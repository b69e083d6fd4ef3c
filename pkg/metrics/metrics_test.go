package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGaugeWithoutInitIsNoop(t *testing.T) {
	SetGauge("pool_health_score", 80)
	pts, err := Query("pool_health_score", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, pts)
}

func TestGaugeRoundTrip(t *testing.T) {
	require.NoError(t, InitMetrics(t.TempDir()))
	defer func() { _ = Close() }()

	now := time.Now().Truncate(time.Second)
	SetGaugeAt("pool_health_score", 72, now.Add(-time.Minute))
	SetGaugeAt("pool_health_score", 75, now)

	pts, err := Query("pool_health_score", now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, float64(75), pts[1].Value)

	empty, err := Query("unknown_metric", now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
