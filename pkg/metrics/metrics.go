package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
	"go.uber.org/zap"
)

// Point is a single sample read back from the time-series store.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

var (
	storage tstorage.Storage
	mu      sync.RWMutex
)

// InitMetrics opens the time-series store under workdir/data/metrics.
func InitMetrics(workdir string) error {
	mu.Lock()
	defer mu.Unlock()
	if storage != nil {
		return nil
	}
	dir := filepath.Join(workdir, "data", "metrics")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(dir),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(30*24*time.Hour),
	)
	if err != nil {
		return err
	}
	storage = s
	return nil
}

// SetGauge records the current value of a named metric. It is a no-op until
// InitMetrics has succeeded.
func SetGauge(name string, value int64) {
	SetGaugeAt(name, value, time.Now())
}

// SetGaugeAt records value at an explicit timestamp.
func SetGaugeAt(name string, value int64, at time.Time) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return
	}
	err := storage.InsertRows([]tstorage.Row{{
		Metric:    name,
		DataPoint: tstorage.DataPoint{Timestamp: at.Unix(), Value: float64(value)},
	}})
	if err != nil {
		zap.L().Warn("metrics insert failed", zap.String("namespace", "metrics"), zap.String("metric", name), zap.Error(err))
	}
}

// Query returns samples of name between from and to.
func Query(name string, from, to time.Time) ([]Point, error) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return nil, nil
	}
	pts, err := storage.Select(name, nil, from.Unix(), to.Unix()+1)
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return []Point{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(pts))
	for _, p := range pts {
		out = append(out, Point{Timestamp: time.Unix(p.Timestamp, 0), Value: p.Value})
	}
	return out, nil
}

// Close flushes and closes the store.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
