package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/db"
)

// gormFirewallRepository is the GORM implementation of FirewallRepository.
type gormFirewallRepository struct {
	db *gorm.DB
}

// NewFirewallRepository returns a FirewallRepository backed by the provided *gorm.DB.
func NewFirewallRepository(db *gorm.DB) FirewallRepository {
	return &gormFirewallRepository{db: db}
}

// Create inserts a new firewall rule. Returns ErrConflict when a rule for
// the same (port, protocol, interface) already exists.
func (r *gormFirewallRepository) Create(ctx context.Context, rule *db.FirewallRule) error {
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("firewall: create: %w", err)
	}
	return nil
}

// GetByID retrieves a rule by ID. Returns ErrNotFound if no record exists.
func (r *gormFirewallRepository) GetByID(ctx context.Context, id uint) (*db.FirewallRule, error) {
	var rule db.FirewallRule
	err := r.db.WithContext(ctx).First(&rule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("firewall: get by id: %w", err)
	}
	return &rule, nil
}

// Update persists all fields of an existing rule record.
func (r *gormFirewallRepository) Update(ctx context.Context, rule *db.FirewallRule) error {
	result := r.db.WithContext(ctx).Save(rule)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("firewall: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled toggles a rule without deleting it.
func (r *gormFirewallRepository) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&db.FirewallRule{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("firewall: set enabled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a rule.
func (r *gormFirewallRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&db.FirewallRule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("firewall: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of rules and the total count.
func (r *gormFirewallRepository) List(ctx context.Context, opts ListOptions) ([]db.FirewallRule, int64, error) {
	var rules []db.FirewallRule
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.FirewallRule{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("firewall: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("firewall: list: %w", err)
	}

	return rules, total, nil
}

// ListEnabledForAgent returns the enabled rules visible to the given agent:
// its own rules plus global rules (NULL agent_id).
func (r *gormFirewallRepository) ListEnabledForAgent(ctx context.Context, agentID uint) ([]db.FirewallRule, error) {
	var rules []db.FirewallRule
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("agent_id IS NULL OR agent_id = ?", agentID).
		Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("firewall: list enabled for agent: %w", err)
	}
	return rules, nil
}

// StampForAgent summarizes the rules visible to the agent, disabled ones
// included, for config-version computation.
func (r *gormFirewallRepository) StampForAgent(ctx context.Context, agentID uint) (ChangeStamp, error) {
	var stamp ChangeStamp

	err := r.db.WithContext(ctx).
		Model(&db.FirewallRule{}).
		Where("agent_id IS NULL OR agent_id = ?", agentID).
		Count(&stamp.Count).Error
	if err != nil {
		return stamp, fmt.Errorf("firewall: stamp count: %w", err)
	}
	if stamp.Count == 0 {
		return stamp, nil
	}

	var newest db.FirewallRule
	err = r.db.WithContext(ctx).
		Where("agent_id IS NULL OR agent_id = ?", agentID).
		Order("updated_at DESC").
		First(&newest).Error
	if err != nil {
		return stamp, fmt.Errorf("firewall: stamp newest: %w", err)
	}
	stamp.LastUpdated = &newest.UpdatedAt
	return stamp, nil
}
