// Package repositories contains the data-access layer for the controller.
// Each repository is an interface so the agent manager, API handlers, and
// health monitor can be tested against in-memory SQLite without touching a
// real PostgreSQL instance.
package repositories

import (
	"context"
	"time"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
// A Limit of 0 means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// ChangeStamp summarizes one config table for version computation: the
// newest updated_at among the rows in scope and how many rows there are.
// The count catches deletions, which never move a timestamp forward.
type ChangeStamp struct {
	LastUpdated *time.Time
	Count       int64
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uint) (*db.Agent, error)
	GetByWireguardIP(ctx context.Context, ip string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error

	// UpdateHeartbeat records a heartbeat: status becomes healthy, the
	// reported resource figures are stored, and last_heartbeat is set.
	UpdateHeartbeat(ctx context.Context, id uint, hb db.HeartbeatUpdate) error

	// MarkStaleUnhealthy demotes every healthy agent whose last heartbeat is
	// older than the cutoff (or that never sent one). Returns the number of
	// agents demoted.
	MarkStaleUnhealthy(ctx context.Context, cutoff time.Time) (int64, error)

	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
	ListHealthy(ctx context.Context) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// ServiceRepository
// -----------------------------------------------------------------------------

type ServiceRepository interface {
	Create(ctx context.Context, service *db.Service) error
	GetByID(ctx context.Context, id uint) (*db.Service, error)
	Update(ctx context.Context, service *db.Service) error
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, opts ListOptions) ([]db.Service, int64, error)
	ListByIDs(ctx context.Context, ids []uint) ([]db.Service, error)
	Stamp(ctx context.Context) (ChangeStamp, error)
}

// -----------------------------------------------------------------------------
// AssignmentRepository
// -----------------------------------------------------------------------------

type AssignmentRepository interface {
	Create(ctx context.Context, assignment *db.ServiceAssignment) error
	GetByID(ctx context.Context, id uint) (*db.ServiceAssignment, error)
	Update(ctx context.Context, assignment *db.ServiceAssignment) error

	// SetEnabled toggles an assignment without deleting it, so a service can
	// be drained from an agent and brought back without losing the binding.
	SetEnabled(ctx context.Context, id uint, enabled bool) error

	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, opts ListOptions) ([]db.ServiceAssignment, int64, error)
	ListByService(ctx context.Context, serviceID uint) ([]db.ServiceAssignment, error)

	// ListEnabledForAgent returns the enabled assignments visible to an
	// agent: rows bound to that agent plus rows with a NULL agent_id
	// (assigned to the whole fleet).
	ListEnabledForAgent(ctx context.Context, agentID uint) ([]db.ServiceAssignment, error)

	// StampForAgent covers all assignments visible to the agent, disabled
	// ones included, so toggling an assignment bumps the config version.
	StampForAgent(ctx context.Context, agentID uint) (ChangeStamp, error)
}

// -----------------------------------------------------------------------------
// BlocklistRepository
// -----------------------------------------------------------------------------

type BlocklistRepository interface {
	Create(ctx context.Context, entry *db.BlocklistEntry) error
	GetByIP(ctx context.Context, ip string) (*db.BlocklistEntry, error)
	Delete(ctx context.Context, id uint) error
	DeleteByIP(ctx context.Context, ip string) error
	List(ctx context.Context, opts ListOptions) ([]db.BlocklistEntry, int64, error)
	ListAll(ctx context.Context) ([]db.BlocklistEntry, error)
	Stamp(ctx context.Context) (ChangeStamp, error)
}

// -----------------------------------------------------------------------------
// FirewallRepository
// -----------------------------------------------------------------------------

type FirewallRepository interface {
	Create(ctx context.Context, rule *db.FirewallRule) error
	GetByID(ctx context.Context, id uint) (*db.FirewallRule, error)
	Update(ctx context.Context, rule *db.FirewallRule) error
	SetEnabled(ctx context.Context, id uint, enabled bool) error
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, opts ListOptions) ([]db.FirewallRule, int64, error)

	// ListEnabledForAgent returns the enabled rules visible to an agent:
	// rules scoped to that agent plus global rules (NULL agent_id).
	ListEnabledForAgent(ctx context.Context, agentID uint) ([]db.FirewallRule, error)

	// StampForAgent covers all rules visible to the agent, disabled ones
	// included, so toggling a rule bumps the config version.
	StampForAgent(ctx context.Context, agentID uint) (ChangeStamp, error)
}

// -----------------------------------------------------------------------------
// StatsRepository
// -----------------------------------------------------------------------------

type StatsRepository interface {
	// BulkInsert writes a reported batch in a single transaction so a batch
	// is either fully recorded or not at all, and the agent can safely
	// retry on failure.
	BulkInsert(ctx context.Context, stats []db.ConnectionStat) error

	Summary(ctx context.Context, since time.Time) (*db.StatsAggregate, error)
	ListRecent(ctx context.Context, limit int) ([]db.ConnectionStat, error)
	ListByAgent(ctx context.Context, agentID uint, limit int) ([]db.ConnectionStat, error)

	// DeleteOlderThan removes stats rows past the retention window and
	// returns the number of rows removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AlertRepository
// -----------------------------------------------------------------------------

type AlertRepository interface {
	Create(ctx context.Context, alert *db.Alert) error
	GetByID(ctx context.Context, id uint) (*db.Alert, error)
	Acknowledge(ctx context.Context, id uint) error

	// AcknowledgeAll acknowledges every open alert and returns how many
	// were affected.
	AcknowledgeAll(ctx context.Context) (int64, error)

	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, opts ListOptions, unacknowledgedOnly bool) ([]db.Alert, int64, error)

	// CountsBySeverity tallies the open (unacknowledged) alerts per
	// severity level.
	CountsBySeverity(ctx context.Context) (map[types.AlertSeverity]int64, error)
}
