package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// newTestDB opens a fresh in-memory SQLite database with migrations applied.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return database
}

func newTestAgent(t *testing.T, database *gorm.DB, wgIP string) *db.Agent {
	t.Helper()
	agent := &db.Agent{
		Hostname:    "proxy-" + wgIP,
		WireguardIP: wgIP,
		Status:      types.HealthStatusUnknown,
	}
	require.NoError(t, NewAgentRepository(database).Create(context.Background(), agent))
	return agent
}

func TestAgentRepository_RegisterLookupCycle(t *testing.T) {
	database := newTestDB(t)
	repo := NewAgentRepository(database)
	ctx := context.Background()

	agent := &db.Agent{
		Hostname:    "edge-01",
		WireguardIP: "10.8.0.2",
		PublicIP:    "203.0.113.10",
		Status:      types.HealthStatusUnknown,
		Version:     "1.2.0",
	}
	require.NoError(t, repo.Create(ctx, agent))
	require.NotZero(t, agent.ID)

	got, err := repo.GetByWireguardIP(ctx, "10.8.0.2")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
	assert.Equal(t, "edge-01", got.Hostname)
	// The embedded timestamps must round-trip: the config version is derived
	// from updated_at, so an unmapped column would break change detection.
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())

	_, err = repo.GetByWireguardIP(ctx, "10.8.0.99")
	assert.ErrorIs(t, err, ErrNotFound)

	// The overlay IP is unique: a second row with the same IP must fail.
	dup := &db.Agent{Hostname: "edge-02", WireguardIP: "10.8.0.2"}
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrConflict)
}

func TestAgentRepository_HeartbeatPromotesAgent(t *testing.T) {
	database := newTestDB(t)
	repo := NewAgentRepository(database)
	ctx := context.Background()

	agent := newTestAgent(t, database, "10.8.0.2")
	require.Equal(t, types.HealthStatusUnknown, agent.Status)

	now := time.Now().UTC()
	err := repo.UpdateHeartbeat(ctx, agent.ID, db.HeartbeatUpdate{
		ActiveConnections: 7,
		CPUPercent:        12.5,
		MemoryPercent:     40.0,
		At:                now,
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStatusHealthy, got.Status)
	assert.Equal(t, 7, got.ActiveConnections)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, now, *got.LastHeartbeat, time.Second)

	assert.ErrorIs(t, repo.UpdateHeartbeat(ctx, 9999, db.HeartbeatUpdate{At: now}), ErrNotFound)
}

func TestAgentRepository_MarkStaleUnhealthy(t *testing.T) {
	database := newTestDB(t)
	repo := NewAgentRepository(database)
	ctx := context.Background()

	fresh := newTestAgent(t, database, "10.8.0.2")
	stale := newTestAgent(t, database, "10.8.0.3")
	silent := newTestAgent(t, database, "10.8.0.4")

	now := time.Now().UTC()
	require.NoError(t, repo.UpdateHeartbeat(ctx, fresh.ID, db.HeartbeatUpdate{At: now}))
	require.NoError(t, repo.UpdateHeartbeat(ctx, stale.ID, db.HeartbeatUpdate{At: now.Add(-5 * time.Minute)}))
	// silent is healthy but has no heartbeat on record at all.
	require.NoError(t, database.Model(&db.Agent{}).Where("id = ?", silent.ID).
		Update("status", types.HealthStatusHealthy).Error)

	demoted, err := repo.MarkStaleUnhealthy(ctx, now.Add(-90*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, demoted)

	got, err := repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStatusHealthy, got.Status)

	got, err = repo.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStatusUnhealthy, got.Status)

	healthy, err := repo.ListHealthy(ctx)
	require.NoError(t, err)
	require.Len(t, healthy, 1)
	assert.Equal(t, fresh.ID, healthy[0].ID)
}

func TestServiceRepository_PortProtocolUniqueness(t *testing.T) {
	database := newTestDB(t)
	repo := NewServiceRepository(database)
	ctx := context.Background()

	web := &db.Service{
		Name:        "web",
		ListenPort:  8080,
		BackendHost: "10.0.1.5",
		BackendPort: 80,
		Protocol:    types.ProtocolTCP,
	}
	require.NoError(t, repo.Create(ctx, web))

	// Same port, same protocol: conflict.
	clash := &db.Service{
		Name:        "web-clone",
		ListenPort:  8080,
		BackendHost: "10.0.1.6",
		BackendPort: 80,
		Protocol:    types.ProtocolTCP,
	}
	assert.ErrorIs(t, repo.Create(ctx, clash), ErrConflict)

	// Same port, different protocol: allowed.
	dns := &db.Service{
		Name:        "dns",
		ListenPort:  8080,
		BackendHost: "10.0.1.7",
		BackendPort: 53,
		Protocol:    types.ProtocolUDP,
	}
	require.NoError(t, repo.Create(ctx, dns))

	services, total, err := repo.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, services, 2)

	byIDs, err := repo.ListByIDs(ctx, []uint{web.ID, 9999})
	require.NoError(t, err)
	require.Len(t, byIDs, 1)
	assert.Equal(t, "web", byIDs[0].Name)
}

func TestAssignmentRepository_EnabledForAgent(t *testing.T) {
	database := newTestDB(t)
	repo := NewAssignmentRepository(database)
	svcRepo := NewServiceRepository(database)
	ctx := context.Background()

	agentA := newTestAgent(t, database, "10.8.0.2")
	agentB := newTestAgent(t, database, "10.8.0.3")

	var services []*db.Service
	for _, name := range []string{"one", "two", "three"} {
		svc := &db.Service{
			Name:        name,
			ListenPort:  9000 + len(services),
			BackendHost: "127.0.0.1",
			BackendPort: 80,
			Protocol:    types.ProtocolTCP,
		}
		require.NoError(t, svcRepo.Create(ctx, svc))
		services = append(services, svc)
	}

	global := &db.ServiceAssignment{ServiceID: services[0].ID, Enabled: true}
	require.NoError(t, repo.Create(ctx, global))
	onA := &db.ServiceAssignment{ServiceID: services[1].ID, AgentID: &agentA.ID, Enabled: true}
	require.NoError(t, repo.Create(ctx, onA))
	onB := &db.ServiceAssignment{ServiceID: services[2].ID, AgentID: &agentB.ID, Enabled: true}
	require.NoError(t, repo.Create(ctx, onB))

	// Duplicate binding of the same service to the same agent is rejected.
	dup := &db.ServiceAssignment{ServiceID: services[1].ID, AgentID: &agentA.ID}
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrConflict)

	forA, err := repo.ListEnabledForAgent(ctx, agentA.ID)
	require.NoError(t, err)
	require.Len(t, forA, 2) // the global one plus its own

	// Disabling drops the assignment from the agent's view without deleting it.
	require.NoError(t, repo.SetEnabled(ctx, onA.ID, false))
	forA, err = repo.ListEnabledForAgent(ctx, agentA.ID)
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, services[0].ID, forA[0].ServiceID)

	_, total, err := repo.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func TestAssignmentRepository_FleetWideUniqueness(t *testing.T) {
	database := newTestDB(t)
	repo := NewAssignmentRepository(database)
	svcRepo := NewServiceRepository(database)
	ctx := context.Background()

	svc := &db.Service{
		Name:        "web",
		ListenPort:  8080,
		BackendHost: "10.0.1.5",
		BackendPort: 80,
		Protocol:    types.ProtocolTCP,
	}
	require.NoError(t, svcRepo.Create(ctx, svc))

	first := &db.ServiceAssignment{ServiceID: svc.ID, Enabled: true}
	require.NoError(t, repo.Create(ctx, first))

	// The unique index treats NULL agents as distinct rows, so a second
	// fleet-wide binding must be caught before the insert.
	second := &db.ServiceAssignment{ServiceID: svc.ID, Enabled: true}
	assert.ErrorIs(t, repo.Create(ctx, second), ErrConflict)

	agent := newTestAgent(t, database, "10.8.0.2")
	scoped := &db.ServiceAssignment{ServiceID: svc.ID, AgentID: &agent.ID, Enabled: true}
	require.NoError(t, repo.Create(ctx, scoped))

	// Retargeting onto an occupied pair is rejected; saving a row back onto
	// its own pair is not.
	scoped.AgentID = nil
	assert.ErrorIs(t, repo.Update(ctx, scoped), ErrConflict)

	scoped.AgentID = &agent.ID
	scoped.Enabled = false
	require.NoError(t, repo.Update(ctx, scoped))
}

func TestBlocklistRepository_BlockUnblockCycle(t *testing.T) {
	database := newTestDB(t)
	repo := NewBlocklistRepository(database)
	ctx := context.Background()

	entry := &db.BlocklistEntry{IP: "198.51.100.7", Reason: "brute force"}
	require.NoError(t, repo.Create(ctx, entry))
	assert.ErrorIs(t, repo.Create(ctx, &db.BlocklistEntry{IP: "198.51.100.7"}), ErrConflict)

	got, err := repo.GetByIP(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, "brute force", got.Reason)

	_, err = repo.GetByIP(ctx, "198.51.100.8")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.DeleteByIP(ctx, "198.51.100.7"))
	assert.ErrorIs(t, repo.DeleteByIP(ctx, "198.51.100.7"), ErrNotFound)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFirewallRepository_ScopeAndUniqueness(t *testing.T) {
	database := newTestDB(t)
	repo := NewFirewallRepository(database)
	ctx := context.Background()

	agent := newTestAgent(t, database, "10.8.0.2")

	global := &db.FirewallRule{
		Port:      22,
		Protocol:  types.ProtocolTCP,
		Interface: "public",
		Action:    types.FirewallActionBlock,
		Enabled:   true,
	}
	require.NoError(t, repo.Create(ctx, global))

	scoped := &db.FirewallRule{
		Port:      8080,
		Protocol:  types.ProtocolTCP,
		Interface: "wireguard",
		Action:    types.FirewallActionAllow,
		Enabled:   true,
		AgentID:   &agent.ID,
	}
	require.NoError(t, repo.Create(ctx, scoped))

	dup := &db.FirewallRule{
		Port:      22,
		Protocol:  types.ProtocolTCP,
		Interface: "public",
		Action:    types.FirewallActionAllow,
	}
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrConflict)

	// Same port/protocol on a different interface is a distinct rule,
	// and a disabled rule never ships to agents.
	other := &db.FirewallRule{
		Port:      22,
		Protocol:  types.ProtocolTCP,
		Interface: "wireguard",
		Action:    types.FirewallActionAllow,
		Enabled:   false,
	}
	require.NoError(t, repo.Create(ctx, other))

	forAgent, err := repo.ListEnabledForAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, forAgent, 2)

	forOther, err := repo.ListEnabledForAgent(ctx, agent.ID+1)
	require.NoError(t, err)
	assert.Len(t, forOther, 1)

	// The stamp counts disabled rules too, so toggling one is still a
	// visible config change.
	stamp, err := repo.StampForAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stamp.Count)
	require.NotNil(t, stamp.LastUpdated)
}

func TestStatsRepository_InsertSummaryPrune(t *testing.T) {
	database := newTestDB(t)
	repo := NewStatsRepository(database)
	ctx := context.Background()

	agent := newTestAgent(t, database, "10.8.0.2")

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	dur := 1.5
	batch := []db.ConnectionStat{
		{AgentID: agent.ID, Timestamp: now, ClientIP: "192.0.2.1", Status: types.ConnStatusCompleted, Duration: &dur, BytesSent: 100, BytesReceived: 2000},
		{AgentID: agent.ID, Timestamp: now, ClientIP: "192.0.2.2", Status: types.ConnStatusBlocked},
		{AgentID: agent.ID, Timestamp: old, ClientIP: "192.0.2.3", Status: types.ConnStatusCompleted, BytesSent: 50, BytesReceived: 50},
	}
	require.NoError(t, repo.BulkInsert(ctx, batch))
	require.NoError(t, repo.BulkInsert(ctx, nil))

	agg, err := repo.Summary(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, agg.TotalConnections)
	assert.EqualValues(t, 1, agg.BlockedConnections)
	assert.EqualValues(t, 100, agg.TotalBytesSent)
	assert.EqualValues(t, 2000, agg.TotalBytesReceived)

	recent, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	byAgent, err := repo.ListByAgent(ctx, agent.ID, 10)
	require.NoError(t, err)
	assert.Len(t, byAgent, 3)

	removed, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestAlertRepository_AcknowledgeFlow(t *testing.T) {
	database := newTestDB(t)
	repo := NewAlertRepository(database)
	ctx := context.Background()

	port := 443
	alert := &db.Alert{
		AlertType:   "interface_unresolved",
		Severity:    types.AlertSeverityWarning,
		Port:        &port,
		Interface:   "wireguard",
		Description: "no wireguard interface found on host",
	}
	require.NoError(t, repo.Create(ctx, alert))
	require.NoError(t, repo.Create(ctx, &db.Alert{
		AlertType:   "agent_unreachable",
		Severity:    types.AlertSeverityCritical,
		Description: "push sync to 10.8.0.9 failed",
	}))

	open, total, err := repo.List(ctx, ListOptions{}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, open, 2)

	require.NoError(t, repo.Acknowledge(ctx, alert.ID))
	assert.ErrorIs(t, repo.Acknowledge(ctx, 9999), ErrNotFound)

	open, total, err = repo.List(ctx, ListOptions{}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, open, 1)
	assert.Equal(t, "agent_unreachable", open[0].AlertType)

	all, total, err := repo.List(ctx, ListOptions{}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, all, 2)
}
