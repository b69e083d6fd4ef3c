package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/chippool/internal/domain"
)

func (s *Store) CreateActivities(ctx context.Context, acts []domain.ScheduledActivity) error {
	if len(acts) == 0 {
		return nil
	}
	return errors.Wrap(s.db.WithContext(ctx).CreateInBatches(acts, 100).Error, "create activities")
}

// HasPlan reports whether any activity was generated for the chip on date.
func (s *Store) HasPlan(ctx context.Context, chipID, date string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.ScheduledActivity{}).
		Where("chip_id = ? AND plan_date = ?", chipID, date).Count(&count).Error
	return count > 0, errors.Wrap(err, "check plan")
}

func (s *Store) GetActivity(ctx context.Context, id int64) (*domain.ScheduledActivity, error) {
	var act domain.ScheduledActivity
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&act).Error; err != nil {
		return nil, notFound(err, "activity")
	}
	return &act, nil
}

// ChipActivitiesBetween returns non-cancelled activities of a chip scheduled
// in [from, to), ordered by time.
func (s *Store) ChipActivitiesBetween(ctx context.Context, chipID string, from, to time.Time) ([]domain.ScheduledActivity, error) {
	var acts []domain.ScheduledActivity
	err := s.db.WithContext(ctx).
		Where("chip_id = ? AND scheduled_at >= ? AND scheduled_at < ? AND status <> ?", chipID, from, to, domain.ActivityCancelada).
		Order("scheduled_at ASC").Find(&acts).Error
	return acts, errors.Wrap(err, "chip activities")
}

// ActivitiesByDate lists activities of a plan date, optionally of one chip.
func (s *Store) ActivitiesByDate(ctx context.Context, date, chipID string) ([]domain.ScheduledActivity, error) {
	query := s.db.WithContext(ctx).Where("plan_date = ?", date)
	if chipID != "" {
		query = query.Where("chip_id = ?", chipID)
	}
	var acts []domain.ScheduledActivity
	err := query.Order("scheduled_at ASC").Find(&acts).Error
	return acts, errors.Wrap(err, "activities by date")
}

// CompleteActivity moves a planned activity to a terminal status. It reports
// false when the activity was no longer planned.
func (s *Store) CompleteActivity(ctx context.Context, id int64, status domain.ActivityStatus, errMsg string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.ScheduledActivity{}).
		Where("id = ? AND status = ?", id, domain.ActivityPlanejada).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"executed_at":   at,
		})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "complete activity")
	}
	return res.RowsAffected == 1, nil
}

// CountChipActivities counts activities of a chip on date with status.
func (s *Store) CountChipActivities(ctx context.Context, chipID, date string, status domain.ActivityStatus) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.ScheduledActivity{}).
		Where("chip_id = ? AND plan_date = ? AND status = ?", chipID, date, status).Count(&count).Error
	return int(count), errors.Wrap(err, "count chip activities")
}

// CancelPlanned cancels leftover planned activities of a chip on date.
func (s *Store) CancelPlanned(ctx context.Context, chipID, date string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.ScheduledActivity{}).
		Where("chip_id = ? AND plan_date = ? AND status = ?", chipID, date, domain.ActivityPlanejada).
		Updates(map[string]interface{}{"status": domain.ActivityCancelada, "error_message": "day closed"})
	return res.RowsAffected, errors.Wrap(res.Error, "cancel planned activities")
}

// CancelChipPlanned cancels every planned activity of a chip, used when it
// leaves warming.
func (s *Store) CancelChipPlanned(ctx context.Context, chipID, reason string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.ScheduledActivity{}).
		Where("chip_id = ? AND status = ?", chipID, domain.ActivityPlanejada).
		Updates(map[string]interface{}{"status": domain.ActivityCancelada, "error_message": reason})
	return res.RowsAffected, errors.Wrap(res.Error, "cancel chip activities")
}

// ActivityStats aggregates counts per type for plan dates in [from, to].
func (s *Store) ActivityStats(ctx context.Context, from, to string) ([]domain.ActivityTypeStats, error) {
	var rows []struct {
		Type   domain.ActivityType
		Status domain.ActivityStatus
		Total  int64
	}
	err := s.db.WithContext(ctx).Model(&domain.ScheduledActivity{}).
		Select("type, status, count(*) as total").
		Where("plan_date >= ? AND plan_date <= ?", from, to).
		Group("type, status").Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "activity stats")
	}
	byType := make(map[domain.ActivityType]*domain.ActivityTypeStats)
	for _, t := range domain.ActivityTypes {
		byType[t] = &domain.ActivityTypeStats{Type: t}
	}
	for _, r := range rows {
		st, ok := byType[r.Type]
		if !ok {
			continue
		}
		st.Planned += r.Total
		switch r.Status {
		case domain.ActivityExecutada:
			st.Executed += r.Total
		case domain.ActivityFalhou:
			st.Failed += r.Total
		case domain.ActivityCancelada:
			st.Cancelled += r.Total
		}
	}
	out := make([]domain.ActivityTypeStats, 0, len(byType))
	for _, t := range domain.ActivityTypes {
		out = append(out, *byType[t])
	}
	return out, nil
}

// PruneActivities deletes terminal activities scheduled before before.
func (s *Store) PruneActivities(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("scheduled_at < ? AND status <> ?", before, domain.ActivityPlanejada).
		Delete(&domain.ScheduledActivity{})
	return res.RowsAffected, errors.Wrap(res.Error, "prune activities")
}
