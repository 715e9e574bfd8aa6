// Package agentmanager implements the controller-side agent lifecycle:
// registration keyed by overlay IP, heartbeat processing, desired-state
// config assembly, and round-robin agent selection for new assignments.
//
// All durable state lives in the repositories; the only in-memory state is
// the round-robin cursor, which is rebuilt whenever the healthy set changes.
package agentmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// ErrAgentNotFound is returned when an operation references an agent that
// does not exist.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNoHealthyAgents is returned by NextAgent when the fleet has no healthy
// member to hand out.
var ErrNoHealthyAgents = errors.New("no healthy agents available")

// Manager coordinates agent lifecycle and configuration assembly.
// It is safe for concurrent use by the API handlers.
type Manager struct {
	agents      repositories.AgentRepository
	services    repositories.ServiceRepository
	assignments repositories.AssignmentRepository
	blocklist   repositories.BlocklistRepository
	firewall    repositories.FirewallRepository

	// heartbeatInterval is shipped to agents inside every AgentConfig, in
	// seconds. Agents adopt it on the next sync.
	heartbeatInterval int

	logger *zap.Logger

	mu        sync.Mutex
	rrIndex   int
	rrHealthy int // size of the healthy set the cursor was built for
}

// New creates a new Manager instance.
func New(
	agents repositories.AgentRepository,
	services repositories.ServiceRepository,
	assignments repositories.AssignmentRepository,
	blocklist repositories.BlocklistRepository,
	firewall repositories.FirewallRepository,
	heartbeatInterval int,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		agents:            agents,
		services:          services,
		assignments:       assignments,
		blocklist:         blocklist,
		firewall:          firewall,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.Named("agentmanager"),
	}
}

// Register creates a new agent record or, when the overlay IP is already
// known, updates the existing record in place so the agent keeps its ID
// across reinstalls and restarts. New agents start out healthy with the
// registration time as their first heartbeat; a re-registration does not
// touch status or heartbeat, the regular heartbeat flow owns those.
// The second return value reports whether a new record was created.
func (m *Manager) Register(ctx context.Context, reg types.AgentRegistration) (*types.AgentInfo, bool, error) {
	if reg.Hostname == "" || reg.WireguardIP == "" {
		return nil, false, fmt.Errorf("hostname and wireguard_ip are required")
	}

	existing, err := m.agents.GetByWireguardIP(ctx, reg.WireguardIP)
	switch {
	case err == nil:
		existing.Hostname = reg.Hostname
		existing.PublicIP = reg.PublicIP
		existing.Version = reg.Version
		if err := m.agents.Update(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("update re-registered agent: %w", err)
		}
		m.logger.Info("agent re-registered",
			zap.Uint("agent_id", existing.ID),
			zap.String("hostname", existing.Hostname),
			zap.String("wireguard_ip", existing.WireguardIP),
		)
		return toAgentInfo(existing), false, nil

	case errors.Is(err, repositories.ErrNotFound):
		now := time.Now().UTC()
		agent := &db.Agent{
			Hostname:      reg.Hostname,
			WireguardIP:   reg.WireguardIP,
			PublicIP:      reg.PublicIP,
			Version:       reg.Version,
			Status:        types.HealthStatusHealthy,
			LastHeartbeat: &now,
		}
		if err := m.agents.Create(ctx, agent); err != nil {
			return nil, false, fmt.Errorf("create agent: %w", err)
		}
		m.logger.Info("agent registered",
			zap.Uint("agent_id", agent.ID),
			zap.String("hostname", agent.Hostname),
			zap.String("wireguard_ip", agent.WireguardIP),
		)
		m.invalidateCursor()
		return toAgentInfo(agent), true, nil

	default:
		return nil, false, fmt.Errorf("look up agent by wireguard ip: %w", err)
	}
}

// Heartbeat records a heartbeat from the agent and promotes it to healthy.
// Returns the refreshed agent view, or ErrAgentNotFound for unknown IDs.
func (m *Manager) Heartbeat(ctx context.Context, agentID uint, hb types.AgentHeartbeat) (*types.AgentInfo, error) {
	err := m.agents.UpdateHeartbeat(ctx, agentID, db.HeartbeatUpdate{
		ActiveConnections: hb.ActiveConnections,
		CPUPercent:        hb.CPUPercent,
		MemoryPercent:     hb.MemoryPercent,
		At:                time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}

	agent, err := m.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent after heartbeat: %w", err)
	}
	m.logger.Debug("heartbeat",
		zap.Uint("agent_id", agentID),
		zap.String("hostname", agent.Hostname),
		zap.Int("active_connections", hb.ActiveConnections),
	)
	return toAgentInfo(agent), nil
}

// Get returns the controller's view of one agent.
func (m *Manager) Get(ctx context.Context, agentID uint) (*types.AgentInfo, error) {
	agent, err := m.agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return toAgentInfo(agent), nil
}

// List returns all agents in registration order.
func (m *Manager) List(ctx context.Context) ([]types.AgentInfo, error) {
	agents, _, err := m.agents.List(ctx, repositories.ListOptions{})
	if err != nil {
		return nil, err
	}
	infos := make([]types.AgentInfo, 0, len(agents))
	for i := range agents {
		infos = append(infos, *toAgentInfo(&agents[i]))
	}
	return infos, nil
}

// Delete removes an agent and, via the schema's cascades, its assignments
// and stats rows.
func (m *Manager) Delete(ctx context.Context, agentID uint) error {
	if err := m.agents.Delete(ctx, agentID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrAgentNotFound
		}
		return err
	}
	m.invalidateCursor()
	return nil
}

// NextAgent hands out healthy agents round-robin. The cursor is rebuilt
// whenever the healthy set changes size, matching the rotation guarantees
// of the assignment selector: consecutive calls spread across the fleet.
func (m *Manager) NextAgent(ctx context.Context) (*types.AgentInfo, error) {
	healthy, err := m.agents.ListHealthy(ctx)
	if err != nil {
		return nil, err
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyAgents
	}

	m.mu.Lock()
	if len(healthy) != m.rrHealthy {
		m.rrIndex = 0
		m.rrHealthy = len(healthy)
	}
	agent := &healthy[m.rrIndex%len(healthy)]
	m.rrIndex++
	m.mu.Unlock()

	return toAgentInfo(agent), nil
}

// invalidateCursor resets the round-robin state after fleet membership
// changes.
func (m *Manager) invalidateCursor() {
	m.mu.Lock()
	m.rrIndex = 0
	m.rrHealthy = 0
	m.mu.Unlock()
}

// toAgentInfo converts a database row into the wire representation.
func toAgentInfo(a *db.Agent) *types.AgentInfo {
	return &types.AgentInfo{
		ID:                a.ID,
		Hostname:          a.Hostname,
		WireguardIP:       a.WireguardIP,
		PublicIP:          a.PublicIP,
		Status:            a.Status,
		LastHeartbeat:     a.LastHeartbeat,
		ActiveConnections: a.ActiveConnections,
		CPUPercent:        a.CPUPercent,
		MemoryPercent:     a.MemoryPercent,
		Version:           a.Version,
		CreatedAt:         a.CreatedAt,
	}
}
