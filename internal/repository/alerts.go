package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/chippool/internal/domain"
	"gorm.io/gorm"
)

// AlertFilter list query of alerts
type AlertFilter struct {
	Page     int
	PerPage  int
	ChipID   string
	Severity domain.Severity
	Type     domain.AlertType
	Resolved *bool
	Since    time.Time
	Order    string
}

// OpenAlert returns the unresolved alert of (chipID, typ), or nil.
func (s *Store) OpenAlert(ctx context.Context, chipID string, typ domain.AlertType) (*domain.Alert, error) {
	var alert domain.Alert
	err := s.db.WithContext(ctx).
		Where("chip_id = ? AND type = ? AND resolved_at IS NULL", chipID, typ).
		Order("created_at DESC").First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open alert")
	}
	return &alert, nil
}

// OpenAlertsForChip returns all unresolved alerts of a chip.
func (s *Store) OpenAlertsForChip(ctx context.Context, chipID string) ([]domain.Alert, error) {
	var alerts []domain.Alert
	err := s.db.WithContext(ctx).Where("chip_id = ? AND resolved_at IS NULL", chipID).
		Order("created_at DESC").Find(&alerts).Error
	return alerts, errors.Wrap(err, "open alerts for chip")
}

func (s *Store) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(alert).Error, "create alert")
}

func (s *Store) GetAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	var alert domain.Alert
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error; err != nil {
		return nil, notFound(err, "alert")
	}
	return &alert, nil
}

// EscalateAlert raises the severity of an open alert in place.
func (s *Store) EscalateAlert(ctx context.Context, id int64, sev domain.Severity, message string, value float64) error {
	err := s.db.WithContext(ctx).Model(&domain.Alert{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]interface{}{"severity": sev, "message": message, "value": value}).Error
	return errors.Wrap(err, "escalate alert")
}

// ResolveAlert closes an alert only if it is still open. The returned
// boolean is false when another writer resolved it first or it does not
// exist.
func (s *Store) ResolveAlert(ctx context.Context, id int64, by, notes string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Alert{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]interface{}{
			"resolved_at":      at,
			"resolved_by":      by,
			"resolution_notes": notes,
		})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "resolve alert")
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]domain.Alert, int64, error) {
	query := alertQuery(s.db.WithContext(ctx).Model(&domain.Alert{}), f)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count alerts")
	}
	offset, limit := pageBounds(f.Page, f.PerPage)
	var alerts []domain.Alert
	err := query.Order("created_at " + normOrder(f.Order)).Order("id DESC").Limit(limit).Offset(offset).Find(&alerts).Error
	return alerts, total, errors.Wrap(err, "list alerts")
}

func alertQuery(query *gorm.DB, f AlertFilter) *gorm.DB {
	if f.ChipID != "" {
		query = query.Where("chip_id = ?", f.ChipID)
	}
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if f.Type != "" {
		query = query.Where("type = ?", f.Type)
	}
	if f.Resolved != nil {
		if *f.Resolved {
			query = query.Where("resolved_at IS NOT NULL")
		} else {
			query = query.Where("resolved_at IS NULL")
		}
	}
	if !f.Since.IsZero() {
		query = query.Where("created_at >= ?", f.Since)
	}
	return query
}

// AllAlerts returns alerts matching f without paging, for export.
func (s *Store) AllAlerts(ctx context.Context, f AlertFilter) ([]domain.Alert, error) {
	var alerts []domain.Alert
	err := alertQuery(s.db.WithContext(ctx).Model(&domain.Alert{}), f).Order("created_at DESC").Find(&alerts).Error
	return alerts, errors.Wrap(err, "export alerts")
}

// OpenAlertSummary counts unresolved alerts and affected chips per severity.
type OpenAlertSummary struct {
	Severity domain.Severity
	Alerts   int
	Chips    int
}

func (s *Store) OpenAlertSummaries(ctx context.Context) ([]OpenAlertSummary, error) {
	var rows []OpenAlertSummary
	err := s.db.WithContext(ctx).Model(&domain.Alert{}).
		Select("severity, count(*) as alerts, count(distinct chip_id) as chips").
		Where("resolved_at IS NULL").Group("severity").Scan(&rows).Error
	return rows, errors.Wrap(err, "open alert summary")
}
