// Package poolcfg owns the versioned pool configuration singleton.
package poolcfg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/talkincode/chippool/internal/domain"
	"go.uber.org/zap"
)

type Store interface {
	LoadPoolConfig(ctx context.Context) (*domain.PoolConfig, error)
	SeedPoolConfig(ctx context.Context, cfg domain.PoolConfig) error
	SavePoolConfig(ctx context.Context, cfg *domain.PoolConfig, expectedVersion int64) (bool, error)
}

// Service publishes immutable snapshots of the pool configuration. Reads
// never block; updates are serialized in process and guarded by the stored
// version across processes.
type Service struct {
	store Store
	mu    sync.Mutex
	cur   atomic.Pointer[domain.PoolConfig]
	now   func() time.Time
}

func New(store Store) *Service {
	s := &Service{store: store, now: time.Now}
	def := domain.DefaultPoolConfig()
	s.cur.Store(&def)
	return s
}

// Load seeds the default row when missing and publishes the stored config.
func (s *Service) Load(ctx context.Context) error {
	if err := s.store.SeedPoolConfig(ctx, domain.DefaultPoolConfig()); err != nil {
		return err
	}
	return s.Reload(ctx)
}

func (s *Service) Reload(ctx context.Context) error {
	cfg, err := s.store.LoadPoolConfig(ctx)
	if err != nil {
		return err
	}
	s.cur.Store(cfg)
	return nil
}

// Current returns a private copy of the latest snapshot.
func (s *Service) Current() domain.PoolConfig {
	return s.cur.Load().Clone()
}

// readOnly keys cannot be changed through a patch.
var readOnly = []string{"version", "updatedAt", "updatedBy"}

// Update applies a partial document (JSON field names) on top of the config
// at expectedVersion. A stale version yields a ConflictError carrying the
// current version.
func (s *Service) Update(ctx context.Context, patch map[string]interface{}, expectedVersion int64, by string) (domain.PoolConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	if expectedVersion != cur.Version {
		return domain.PoolConfig{}, versionConflict(cur.Version)
	}

	next := cur.Clone()
	clean := make(map[string]interface{}, len(patch))
	for k, v := range patch {
		clean[k] = v
	}
	for _, k := range readOnly {
		delete(clean, k)
	}
	if len(clean) == 0 {
		return domain.PoolConfig{}, &domain.ValidationError{Field: "config", Reason: "empty patch"}
	}
	// slices are merged index-wise by mapstructure
	if _, ok := clean["operatingDays"]; ok {
		next.OperatingDays = nil
	}
	if err := decode(clean, &next); err != nil {
		return domain.PoolConfig{}, err
	}
	if err := next.Validate(); err != nil {
		return domain.PoolConfig{}, err
	}

	next.Version = cur.Version + 1
	next.UpdatedBy = by
	next.UpdatedAt = s.now().UTC()
	ok, err := s.store.SavePoolConfig(ctx, &next, cur.Version)
	if err != nil {
		return domain.PoolConfig{}, err
	}
	if !ok {
		// another process won; publish what it wrote
		if rerr := s.Reload(ctx); rerr != nil {
			zap.L().Error("reload pool config failed", zap.String("namespace", "poolcfg"), zap.Error(rerr))
		}
		return domain.PoolConfig{}, versionConflict(s.cur.Load().Version)
	}
	s.cur.Store(&next)
	zap.L().Info("pool config updated", zap.String("namespace", "poolcfg"),
		zap.Int64("version", next.Version), zap.String("by", by))
	return next.Clone(), nil
}

func decode(patch map[string]interface{}, out *domain.PoolConfig) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "config decoder")
	}
	if err := dec.Decode(patch); err != nil {
		return &domain.ValidationError{Field: "config", Reason: err.Error()}
	}
	return nil
}

func versionConflict(current int64) error {
	return &domain.ConflictError{
		Action: "update_config",
		Guard:  "version",
		Reason: fmt.Sprintf("config was modified, current version is %d", current),
	}
}
