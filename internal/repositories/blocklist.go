package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/db"
)

// gormBlocklistRepository is the GORM implementation of BlocklistRepository.
type gormBlocklistRepository struct {
	db *gorm.DB
}

// NewBlocklistRepository returns a BlocklistRepository backed by the provided *gorm.DB.
func NewBlocklistRepository(db *gorm.DB) BlocklistRepository {
	return &gormBlocklistRepository{db: db}
}

// Create inserts a new blocklist entry. Returns ErrConflict when the IP is
// already blocked.
func (r *gormBlocklistRepository) Create(ctx context.Context, entry *db.BlocklistEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("blocklist: create: %w", err)
	}
	return nil
}

// GetByIP retrieves an entry by its IP. Returns ErrNotFound if the IP is not
// blocked. Backs the blocklist check endpoint.
func (r *gormBlocklistRepository) GetByIP(ctx context.Context, ip string) (*db.BlocklistEntry, error) {
	var entry db.BlocklistEntry
	err := r.db.WithContext(ctx).First(&entry, "ip = ?", ip).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blocklist: get by ip: %w", err)
	}
	return &entry, nil
}

// Delete removes an entry by ID.
func (r *gormBlocklistRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&db.BlocklistEntry{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("blocklist: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByIP removes an entry by its IP, which is how the unblock endpoint
// addresses entries.
func (r *gormBlocklistRepository) DeleteByIP(ctx context.Context, ip string) error {
	result := r.db.WithContext(ctx).Delete(&db.BlocklistEntry{}, "ip = ?", ip)
	if result.Error != nil {
		return fmt.Errorf("blocklist: delete by ip: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of entries and the total count.
func (r *gormBlocklistRepository) List(ctx context.Context, opts ListOptions) ([]db.BlocklistEntry, int64, error) {
	var entries []db.BlocklistEntry
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.BlocklistEntry{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("blocklist: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("blocklist: list: %w", err)
	}

	return entries, total, nil
}

// ListAll returns every entry. The whole blocklist ships with each agent
// config, so there is no per-agent variant.
func (r *gormBlocklistRepository) ListAll(ctx context.Context) ([]db.BlocklistEntry, error) {
	var entries []db.BlocklistEntry
	err := r.db.WithContext(ctx).Order("id ASC").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("blocklist: list all: %w", err)
	}
	return entries, nil
}

// Stamp summarizes the blocklist for config-version computation.
func (r *gormBlocklistRepository) Stamp(ctx context.Context) (ChangeStamp, error) {
	var stamp ChangeStamp

	if err := r.db.WithContext(ctx).Model(&db.BlocklistEntry{}).Count(&stamp.Count).Error; err != nil {
		return stamp, fmt.Errorf("blocklist: stamp count: %w", err)
	}
	if stamp.Count == 0 {
		return stamp, nil
	}

	var newest db.BlocklistEntry
	if err := r.db.WithContext(ctx).Order("updated_at DESC").First(&newest).Error; err != nil {
		return stamp, fmt.Errorf("blocklist: stamp newest: %w", err)
	}
	stamp.LastUpdated = &newest.UpdatedAt
	return stamp, nil
}
