package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/chippool/internal/domain"
)

func (s *Store) AppendOpLog(ctx context.Context, entry *domain.OpLog) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(entry).Error, "append operation log")
}

// OpLogs returns the latest audit entries, optionally for one target.
func (s *Store) OpLogs(ctx context.Context, target string, limit int) ([]domain.OpLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&domain.OpLog{})
	if target != "" {
		query = query.Where("opt_target = ?", target)
	}
	var logs []domain.OpLog
	err := query.Order("opt_time DESC").Limit(limit).Find(&logs).Error
	return logs, errors.Wrap(err, "list operation logs")
}

func (s *Store) PruneOpLogs(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("opt_time < ?", before).Delete(&domain.OpLog{})
	return res.RowsAffected, errors.Wrap(res.Error, "prune operation logs")
}
