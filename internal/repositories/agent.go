package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record into the database.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by ID. Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uint) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByWireguardIP retrieves an agent by its overlay IP. The overlay IP is
// the agent's identity key, so this is how registration detects that a host
// is re-registering rather than joining for the first time.
func (r *gormAgentRepository) GetByWireguardIP(ctx context.Context, ip string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "wireguard_ip = ?", ip).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by wireguard ip: %w", err)
	}
	return &agent, nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat updates only the heartbeat columns of an agent and
// promotes it to healthy. Heartbeats arrive every 30 seconds per agent, so
// the full-row Save path is deliberately avoided here.
func (r *gormAgentRepository) UpdateHeartbeat(ctx context.Context, id uint, hb db.HeartbeatUpdate) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             types.HealthStatusHealthy,
			"last_heartbeat":     hb.At,
			"active_connections": hb.ActiveConnections,
			"cpu_percent":        hb.CPUPercent,
			"memory_percent":     hb.MemoryPercent,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: update heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleUnhealthy demotes healthy agents that have gone silent. An agent
// with a NULL last_heartbeat that is already healthy (registered but never
// heartbeated, then promoted by a lost update) is demoted as well.
func (r *gormAgentRepository) MarkStaleUnhealthy(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("status = ?", types.HealthStatusHealthy).
		Where("last_heartbeat IS NULL OR last_heartbeat < ?", cutoff).
		Update("status", types.HealthStatusUnhealthy)
	if result.Error != nil {
		return 0, fmt.Errorf("agents: mark stale unhealthy: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Delete removes an agent. Dependent assignment and stats rows are removed
// by the ON DELETE CASCADE constraints in the schema.
func (r *gormAgentRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("agents: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of agents and the total count.
func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// ListHealthy returns all agents currently marked healthy. Used by the
// round-robin assignment selector and by the push-sync notifier.
func (r *gormAgentRepository) ListHealthy(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	err := r.db.WithContext(ctx).
		Where("status = ?", types.HealthStatusHealthy).
		Order("id ASC").
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("agents: list healthy: %w", err)
	}
	return agents, nil
}
