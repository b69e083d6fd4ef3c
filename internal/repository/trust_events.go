package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/chippool/internal/domain"
)

func (s *Store) AppendTrustEvent(ctx context.Context, ev *domain.TrustEvent) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(ev).Error, "append trust event")
}

// HasFact reports whether the fact key was already consumed for the chip,
// either by a trust event or by a no-op adjustment.
func (s *Store) HasFact(ctx context.Context, chipID, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.TrustFact{}).
		Where("chip_id = ? AND fact_key = ?", chipID, key).Count(&count).Error
	if err != nil || count > 0 {
		return count > 0, errors.Wrap(err, "check trust fact")
	}
	err = s.db.WithContext(ctx).Model(&domain.TrustEvent{}).
		Where("chip_id = ? AND fact_key = ?", chipID, key).Count(&count).Error
	return count > 0, errors.Wrap(err, "check trust fact")
}

// RecordFact marks key as consumed for the chip without an event.
func (s *Store) RecordFact(ctx context.Context, chipID, key string, at time.Time) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(&domain.TrustFact{ChipID: chipID, FactKey: key, RecordedAt: at}).Error, "record trust fact")
}

// TrustEvents returns the latest events of a chip, newest first.
func (s *Store) TrustEvents(ctx context.Context, chipID string, limit int) ([]domain.TrustEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var events []domain.TrustEvent
	err := s.db.WithContext(ctx).Where("chip_id = ?", chipID).
		Order("occurred_at DESC").Order("id DESC").Limit(limit).Find(&events).Error
	return events, errors.Wrap(err, "list trust events")
}

// TrustEventsSince returns events of a chip at or after since, oldest first.
func (s *Store) TrustEventsSince(ctx context.Context, chipID string, since time.Time) ([]domain.TrustEvent, error) {
	var events []domain.TrustEvent
	err := s.db.WithContext(ctx).Where("chip_id = ? AND occurred_at >= ?", chipID, since).
		Order("occurred_at ASC").Order("id ASC").Find(&events).Error
	return events, errors.Wrap(err, "trust events since")
}

// PruneTrustEvents deletes events and consumed facts older than before.
func (s *Store) PruneTrustEvents(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("occurred_at < ?", before).Delete(&domain.TrustEvent{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "prune trust events")
	}
	facts := s.db.WithContext(ctx).Where("recorded_at < ?", before).Delete(&domain.TrustFact{})
	return res.RowsAffected + facts.RowsAffected, errors.Wrap(facts.Error, "prune trust facts")
}
