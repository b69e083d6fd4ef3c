package repository

import (
	"context"

	"github.com/pkg/errors"
	"github.com/talkincode/chippool/internal/domain"
)

// LoadPoolConfig returns the singleton row, or ErrNotFound when unseeded.
func (s *Store) LoadPoolConfig(ctx context.Context) (*domain.PoolConfig, error) {
	var cfg domain.PoolConfig
	if err := s.db.WithContext(ctx).Where("id = ?", domain.PoolConfigID).First(&cfg).Error; err != nil {
		return nil, notFound(err, "pool config")
	}
	return &cfg, nil
}

// SeedPoolConfig inserts cfg if no row exists yet.
func (s *Store) SeedPoolConfig(ctx context.Context, cfg domain.PoolConfig) error {
	cfg.ID = domain.PoolConfigID
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.PoolConfig{}).Where("id = ?", cfg.ID).Count(&count).Error; err != nil {
		return errors.Wrap(err, "check pool config")
	}
	if count > 0 {
		return nil
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(&cfg).Error, "seed pool config")
}

// SavePoolConfig writes cfg only if the stored version still equals
// expectedVersion. It reports false on a lost race.
func (s *Store) SavePoolConfig(ctx context.Context, cfg *domain.PoolConfig, expectedVersion int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.PoolConfig{}).
		Where("id = ? AND version = ?", domain.PoolConfigID, expectedVersion).
		Select("*").Omit("id").
		Updates(cfg)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "save pool config")
	}
	return res.RowsAffected == 1, nil
}
