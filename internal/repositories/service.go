package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/db"
)

// gormServiceRepository is the GORM implementation of ServiceRepository.
type gormServiceRepository struct {
	db *gorm.DB
}

// NewServiceRepository returns a ServiceRepository backed by the provided *gorm.DB.
func NewServiceRepository(db *gorm.DB) ServiceRepository {
	return &gormServiceRepository{db: db}
}

// Create inserts a new service. Returns ErrConflict when the name or the
// (listen_port, protocol) pair is already taken.
func (r *gormServiceRepository) Create(ctx context.Context, service *db.Service) error {
	if err := r.db.WithContext(ctx).Create(service).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("services: create: %w", err)
	}
	return nil
}

// GetByID retrieves a service by ID. Returns ErrNotFound if no record exists.
func (r *gormServiceRepository) GetByID(ctx context.Context, id uint) (*db.Service, error) {
	var service db.Service
	err := r.db.WithContext(ctx).First(&service, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("services: get by id: %w", err)
	}
	return &service, nil
}

// Update persists all fields of an existing service record.
func (r *gormServiceRepository) Update(ctx context.Context, service *db.Service) error {
	result := r.db.WithContext(ctx).Save(service)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("services: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a service. Its assignments go with it via ON DELETE CASCADE.
func (r *gormServiceRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&db.Service{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("services: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of services and the total count.
func (r *gormServiceRepository) List(ctx context.Context, opts ListOptions) ([]db.Service, int64, error) {
	var services []db.Service
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Service{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("services: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&services).Error; err != nil {
		return nil, 0, fmt.Errorf("services: list: %w", err)
	}

	return services, total, nil
}

// ListByIDs returns the services whose IDs appear in ids, in ID order.
// Missing IDs are silently skipped; config assembly tolerates assignments
// whose service was deleted between the two queries.
func (r *gormServiceRepository) ListByIDs(ctx context.Context, ids []uint) ([]db.Service, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var services []db.Service
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&services).Error
	if err != nil {
		return nil, fmt.Errorf("services: list by ids: %w", err)
	}
	return services, nil
}

// Stamp summarizes the services table for config-version computation.
// Services are global, so there is no per-agent scope here.
func (r *gormServiceRepository) Stamp(ctx context.Context) (ChangeStamp, error) {
	var stamp ChangeStamp

	if err := r.db.WithContext(ctx).Model(&db.Service{}).Count(&stamp.Count).Error; err != nil {
		return stamp, fmt.Errorf("services: stamp count: %w", err)
	}
	if stamp.Count == 0 {
		return stamp, nil
	}

	var newest db.Service
	if err := r.db.WithContext(ctx).Order("updated_at DESC").First(&newest).Error; err != nil {
		return stamp, fmt.Errorf("services: stamp newest: %w", err)
	}
	stamp.LastUpdated = &newest.UpdatedAt
	return stamp, nil
}
