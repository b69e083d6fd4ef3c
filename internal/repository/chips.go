package repository

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/chippool/internal/domain"
)

// ChipFilter list query of chips
type ChipFilter struct {
	Page       int
	PerPage    int
	Statuses   []domain.ChipStatus
	TrustLevel domain.TrustLevel
	HasAlert   *bool
	Phone      string
	Sort       string
	Order      string
}

var chipSortFields = map[string]string{
	"id":               "id",
	"phone":            "phone",
	"status":           "status",
	"trust_score":      "trust_score",
	"messages_today":   "messages_today",
	"warming_day":      "warming_day",
	"created_at":       "created_at",
	"last_activity_at": "last_activity_at",
}

const openAlertExists = "EXISTS (SELECT 1 FROM alert WHERE alert.chip_id = chip.id AND alert.resolved_at IS NULL)"

func (s *Store) CreateChip(ctx context.Context, chip *domain.Chip) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.Chip{}).Where("phone = ?", chip.Phone).Count(&count).Error; err != nil {
		return errors.Wrap(err, "check chip phone")
	}
	if count > 0 {
		return &domain.ConflictError{Action: "provision", Guard: "phone", Reason: "phone already provisioned"}
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(chip).Error, "create chip")
}

func (s *Store) GetChip(ctx context.Context, id string) (*domain.Chip, error) {
	var chip domain.Chip
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&chip).Error; err != nil {
		return nil, notFound(err, "chip "+id)
	}
	return &chip, nil
}

// GetChipForUpdate loads a chip with a row lock where the dialect supports it.
func (s *Store) GetChipForUpdate(ctx context.Context, id string) (*domain.Chip, error) {
	var chip domain.Chip
	if err := s.forUpdate(ctx).Where("id = ?", id).First(&chip).Error; err != nil {
		return nil, notFound(err, "chip "+id)
	}
	return &chip, nil
}

// UpdateChip applies column updates to a chip.
func (s *Store) UpdateChip(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&domain.Chip{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update chip")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(domain.ErrNotFound, "chip "+id)
	}
	return nil
}

func (s *Store) ListChips(ctx context.Context, f ChipFilter) ([]domain.Chip, int64, error) {
	query := s.db.WithContext(ctx).Model(&domain.Chip{})
	if len(f.Statuses) > 0 {
		query = query.Where("status IN ?", f.Statuses)
	}
	if f.TrustLevel != "" {
		lo, hi, ok := domain.LevelRange(f.TrustLevel)
		if !ok {
			return nil, 0, &domain.ValidationError{Field: "trust_level", Reason: "unknown trust level " + string(f.TrustLevel)}
		}
		query = query.Where("trust_score BETWEEN ? AND ?", lo, hi)
	}
	if f.HasAlert != nil {
		if *f.HasAlert {
			query = query.Where(openAlertExists)
		} else {
			query = query.Where("NOT " + openAlertExists)
		}
	}
	if phone := strings.TrimSpace(f.Phone); phone != "" {
		query = query.Where("phone LIKE ?", "%"+phone+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count chips")
	}

	sortField, ok := chipSortFields[f.Sort]
	if !ok {
		sortField = "created_at"
	}
	offset, limit := pageBounds(f.Page, f.PerPage)
	var chips []domain.Chip
	err := query.Order(sortField + " " + normOrder(f.Order)).Order("id ASC").Limit(limit).Offset(offset).Find(&chips).Error
	return chips, total, errors.Wrap(err, "list chips")
}

// ChipsByStatus returns every chip in one of statuses.
func (s *Store) ChipsByStatus(ctx context.Context, statuses ...domain.ChipStatus) ([]domain.Chip, error) {
	var chips []domain.Chip
	err := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("id ASC").Find(&chips).Error
	return chips, errors.Wrap(err, "chips by status")
}

// AllChips returns every chip that is not cancelled.
func (s *Store) AllChips(ctx context.Context) ([]domain.Chip, error) {
	var chips []domain.Chip
	err := s.db.WithContext(ctx).Where("status <> ?", domain.ChipCancelled).Order("id ASC").Find(&chips).Error
	return chips, errors.Wrap(err, "all chips")
}

// CountByStatus returns the number of chips per status.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.ChipStatus]int, error) {
	var rows []struct {
		Status domain.ChipStatus
		Total  int
	}
	err := s.db.WithContext(ctx).Model(&domain.Chip{}).
		Select("status, count(*) as total").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "count chips by status")
	}
	out := make(map[domain.ChipStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}

// ChipsWithOpenAlerts reports, for each of ids, whether an unresolved alert
// references it. An empty ids returns every chip with an open alert.
func (s *Store) ChipsWithOpenAlerts(ctx context.Context, ids []string) (map[string]bool, error) {
	query := s.db.WithContext(ctx).Model(&domain.Alert{}).Distinct("chip_id").Where("resolved_at IS NULL")
	if len(ids) > 0 {
		query = query.Where("chip_id IN ?", ids)
	}
	var chipIDs []string
	if err := query.Pluck("chip_id", &chipIDs).Error; err != nil {
		return nil, errors.Wrap(err, "chips with open alerts")
	}
	out := make(map[string]bool, len(chipIDs))
	for _, id := range chipIDs {
		out[id] = true
	}
	return out, nil
}

// ResetMessagesToday zeroes daily message counters kept for a date before
// date. Undated counters count as stale.
func (s *Store) ResetMessagesToday(ctx context.Context, date string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.Chip{}).
		Where("messages_today <> 0 AND (messages_date IS NULL OR messages_date < ?)", date).
		Updates(map[string]interface{}{"messages_today": 0, "messages_date": date})
	return res.RowsAffected, errors.Wrap(res.Error, "reset messages today")
}

// RefreshRollingCounters recomputes messages_last24h and errors_last24h from
// the activities finished in (at-24h, at]. Chips with an external report
// newer than 24h keep the reported values. It returns how many chips changed.
func (s *Store) RefreshRollingCounters(ctx context.Context, at time.Time) (int, error) {
	since := at.Add(-24 * time.Hour)
	var rows []struct {
		ChipID string
		Total  int
		Failed int
	}
	err := s.db.WithContext(ctx).Model(&domain.ScheduledActivity{}).
		Select("chip_id, count(*) as total, sum(case when status = ? then 1 else 0 end) as failed", domain.ActivityFalhou).
		Where("executed_at > ? AND executed_at <= ? AND status IN ?", since, at,
			[]domain.ActivityStatus{domain.ActivityExecutada, domain.ActivityFalhou}).
		Group("chip_id").Scan(&rows).Error
	if err != nil {
		return 0, errors.Wrap(err, "rolling activity counts")
	}
	type count struct{ total, failed int }
	counts := make(map[string]count, len(rows))
	for _, r := range rows {
		counts[r.ChipID] = count{r.Total, r.Failed}
	}

	var chips []domain.Chip
	err = s.db.WithContext(ctx).Select("id", "messages_last24h", "errors_last24h").
		Where("metrics_reported_at IS NULL OR metrics_reported_at <= ?", since).Find(&chips).Error
	if err != nil {
		return 0, errors.Wrap(err, "rolling counter chips")
	}
	changed := 0
	for _, c := range chips {
		n := counts[c.ID]
		if c.MessagesLast24h == n.total && c.ErrorsLast24h == n.failed {
			continue
		}
		if err := s.UpdateChip(ctx, c.ID, map[string]interface{}{
			"messages_last24h": n.total,
			"errors_last24h":   n.failed,
		}); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
