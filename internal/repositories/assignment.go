package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/db"
)

// gormAssignmentRepository is the GORM implementation of AssignmentRepository.
type gormAssignmentRepository struct {
	db *gorm.DB
}

// NewAssignmentRepository returns an AssignmentRepository backed by the provided *gorm.DB.
func NewAssignmentRepository(db *gorm.DB) AssignmentRepository {
	return &gormAssignmentRepository{db: db}
}

// Create inserts a new assignment. Returns ErrConflict when the service is
// already assigned to the same agent (or already assigned fleet-wide).
func (r *gormAssignmentRepository) Create(ctx context.Context, assignment *db.ServiceAssignment) error {
	taken, err := r.pairTaken(ctx, assignment.ServiceID, assignment.AgentID, 0)
	if err != nil {
		return fmt.Errorf("assignments: create: %w", err)
	}
	if taken {
		return ErrConflict
	}

	if err := r.db.WithContext(ctx).Create(assignment).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("assignments: create: %w", err)
	}
	return nil
}

// pairTaken reports whether another assignment already claims the
// (service, agent) pair. The unique index alone cannot enforce the
// fleet-wide case: SQL unique indexes treat NULLs as distinct, so two
// NULL-agent rows for one service would both insert without this check.
func (r *gormAssignmentRepository) pairTaken(ctx context.Context, serviceID uint, agentID *uint, excludeID uint) (bool, error) {
	q := r.db.WithContext(ctx).
		Model(&db.ServiceAssignment{}).
		Where("service_id = ?", serviceID)
	if agentID == nil {
		q = q.Where("agent_id IS NULL")
	} else {
		q = q.Where("agent_id = ?", *agentID)
	}
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}

	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetByID retrieves an assignment by ID. Returns ErrNotFound if no record exists.
func (r *gormAssignmentRepository) GetByID(ctx context.Context, id uint) (*db.ServiceAssignment, error) {
	var assignment db.ServiceAssignment
	err := r.db.WithContext(ctx).First(&assignment, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("assignments: get by id: %w", err)
	}
	return &assignment, nil
}

// Update persists all fields of an existing assignment record. Returns
// ErrConflict when the new (service, agent) pair is already taken.
func (r *gormAssignmentRepository) Update(ctx context.Context, assignment *db.ServiceAssignment) error {
	taken, err := r.pairTaken(ctx, assignment.ServiceID, assignment.AgentID, assignment.ID)
	if err != nil {
		return fmt.Errorf("assignments: update: %w", err)
	}
	if taken {
		return ErrConflict
	}

	result := r.db.WithContext(ctx).Save(assignment)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("assignments: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled toggles the enabled flag of an assignment.
func (r *gormAssignmentRepository) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&db.ServiceAssignment{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("assignments: set enabled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an assignment.
func (r *gormAssignmentRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&db.ServiceAssignment{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("assignments: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of assignments and the total count.
func (r *gormAssignmentRepository) List(ctx context.Context, opts ListOptions) ([]db.ServiceAssignment, int64, error) {
	var assignments []db.ServiceAssignment
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.ServiceAssignment{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("assignments: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&assignments).Error; err != nil {
		return nil, 0, fmt.Errorf("assignments: list: %w", err)
	}

	return assignments, total, nil
}

// ListByService returns all assignments of a service, enabled or not.
func (r *gormAssignmentRepository) ListByService(ctx context.Context, serviceID uint) ([]db.ServiceAssignment, error) {
	var assignments []db.ServiceAssignment
	err := r.db.WithContext(ctx).
		Where("service_id = ?", serviceID).
		Order("id ASC").
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("assignments: list by service: %w", err)
	}
	return assignments, nil
}

// ListEnabledForAgent returns the enabled assignments visible to the given
// agent: its own rows plus fleet-wide rows (NULL agent_id).
func (r *gormAssignmentRepository) ListEnabledForAgent(ctx context.Context, agentID uint) ([]db.ServiceAssignment, error) {
	var assignments []db.ServiceAssignment
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("agent_id IS NULL OR agent_id = ?", agentID).
		Order("id ASC").
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("assignments: list enabled for agent: %w", err)
	}
	return assignments, nil
}

// StampForAgent summarizes the assignments visible to the agent, disabled
// ones included, for config-version computation.
func (r *gormAssignmentRepository) StampForAgent(ctx context.Context, agentID uint) (ChangeStamp, error) {
	var stamp ChangeStamp

	err := r.db.WithContext(ctx).
		Model(&db.ServiceAssignment{}).
		Where("agent_id IS NULL OR agent_id = ?", agentID).
		Count(&stamp.Count).Error
	if err != nil {
		return stamp, fmt.Errorf("assignments: stamp count: %w", err)
	}
	if stamp.Count == 0 {
		return stamp, nil
	}

	var newest db.ServiceAssignment
	err = r.db.WithContext(ctx).
		Where("agent_id IS NULL OR agent_id = ?", agentID).
		Order("updated_at DESC").
		First(&newest).Error
	if err != nil {
		return stamp, fmt.Errorf("assignments: stamp newest: %w", err)
	}
	stamp.LastUpdated = &newest.UpdatedAt
	return stamp, nil
}
