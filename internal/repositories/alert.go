package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// gormAlertRepository is the GORM implementation of AlertRepository.
type gormAlertRepository struct {
	db *gorm.DB
}

// NewAlertRepository returns an AlertRepository backed by the provided *gorm.DB.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &gormAlertRepository{db: db}
}

// Create inserts a new alert record into the database.
func (r *gormAlertRepository) Create(ctx context.Context, alert *db.Alert) error {
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("alerts: create: %w", err)
	}
	return nil
}

// GetByID retrieves an alert by ID. Returns ErrNotFound if no record exists.
func (r *gormAlertRepository) GetByID(ctx context.Context, id uint) (*db.Alert, error) {
	var alert db.Alert
	err := r.db.WithContext(ctx).First(&alert, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alerts: get by id: %w", err)
	}
	return &alert, nil
}

// Acknowledge marks an alert as acknowledged.
func (r *gormAlertRepository) Acknowledge(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&db.Alert{}).
		Where("id = ?", id).
		Update("acknowledged", true)
	if result.Error != nil {
		return fmt.Errorf("alerts: acknowledge: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AcknowledgeAll marks every open alert as acknowledged.
func (r *gormAlertRepository) AcknowledgeAll(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Alert{}).
		Where("acknowledged = ?", false).
		Update("acknowledged", true)
	if result.Error != nil {
		return 0, fmt.Errorf("alerts: acknowledge all: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Delete removes an alert.
func (r *gormAlertRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&db.Alert{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("alerts: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns alerts newest first, optionally filtered to unacknowledged
// ones, plus the total count matching the filter.
func (r *gormAlertRepository) List(ctx context.Context, opts ListOptions, unacknowledgedOnly bool) ([]db.Alert, int64, error) {
	var alerts []db.Alert
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Alert{})
	if unacknowledgedOnly {
		q = q.Where("acknowledged = ?", false)
	}

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("alerts: list count: %w", err)
	}

	q = q.Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&alerts).Error; err != nil {
		return nil, 0, fmt.Errorf("alerts: list: %w", err)
	}

	return alerts, total, nil
}

// CountsBySeverity tallies open alerts per severity level.
func (r *gormAlertRepository) CountsBySeverity(ctx context.Context) (map[types.AlertSeverity]int64, error) {
	var rows []struct {
		Severity types.AlertSeverity
		Total    int64
	}
	err := r.db.WithContext(ctx).
		Model(&db.Alert{}).
		Where("acknowledged = ?", false).
		Select("severity, COUNT(*) AS total").
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("alerts: counts by severity: %w", err)
	}

	counts := make(map[types.AlertSeverity]int64, len(rows))
	for _, row := range rows {
		counts[row.Severity] = row.Total
	}
	return counts, nil
}
