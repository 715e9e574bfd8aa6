package agentmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *gorm.DB) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	m := New(
		repositories.NewAgentRepository(database),
		repositories.NewServiceRepository(database),
		repositories.NewAssignmentRepository(database),
		repositories.NewBlocklistRepository(database),
		repositories.NewFirewallRepository(database),
		30,
		zap.NewNop(),
	)
	return m, database
}

func registerAgent(t *testing.T, m *Manager, wgIP string) *types.AgentInfo {
	t.Helper()
	info, created, err := m.Register(context.Background(), types.AgentRegistration{
		Hostname:    "proxy-" + wgIP,
		WireguardIP: wgIP,
		Version:     "1.0.0",
	})
	require.NoError(t, err)
	require.True(t, created)
	return info
}

func TestRegister_NewAgentStartsHealthy(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	info, created, err := m.Register(ctx, types.AgentRegistration{
		Hostname:    "edge-01",
		WireguardIP: "10.8.0.2",
		PublicIP:    "203.0.113.10",
		Version:     "1.2.0",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, info.ID)
	assert.Equal(t, types.HealthStatusHealthy, info.Status)
	require.NotNil(t, info.LastHeartbeat)

	_, _, err = m.Register(ctx, types.AgentRegistration{WireguardIP: "10.8.0.3"})
	assert.Error(t, err, "hostname is required")
}

func TestRegister_SameOverlayIPKeepsIdentity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first := registerAgent(t, m, "10.8.0.2")

	again, created, err := m.Register(ctx, types.AgentRegistration{
		Hostname:    "edge-01-rebuilt",
		WireguardIP: "10.8.0.2",
		Version:     "1.3.0",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "edge-01-rebuilt", again.Hostname)
	assert.Equal(t, "1.3.0", again.Version)

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestHeartbeat_UpdatesResourceFigures(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	agent := registerAgent(t, m, "10.8.0.2")

	info, err := m.Heartbeat(ctx, agent.ID, types.AgentHeartbeat{
		ActiveConnections: 12,
		CPUPercent:        33.3,
		MemoryPercent:     55.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, info.ActiveConnections)
	assert.Equal(t, types.HealthStatusHealthy, info.Status)

	_, err = m.Heartbeat(ctx, 9999, types.AgentHeartbeat{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestBuildConfig_AssemblesAgentView(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()

	agent := registerAgent(t, m, "10.8.0.2")
	other := registerAgent(t, m, "10.8.0.3")

	svcRepo := repositories.NewServiceRepository(database)
	web := &db.Service{Name: "web", ListenPort: 8080, BackendHost: "10.0.1.5", BackendPort: 80, Protocol: types.ProtocolTCP}
	dns := &db.Service{Name: "dns", ListenPort: 5353, BackendHost: "10.0.1.6", BackendPort: 53, Protocol: types.ProtocolUDP}
	hidden := &db.Service{Name: "hidden", ListenPort: 9999, BackendHost: "10.0.1.7", BackendPort: 99, Protocol: types.ProtocolTCP}
	for _, s := range []*db.Service{web, dns, hidden} {
		require.NoError(t, svcRepo.Create(ctx, s))
	}

	asgRepo := repositories.NewAssignmentRepository(database)
	// web twice: fleet-wide and agent-scoped; it must appear once.
	require.NoError(t, asgRepo.Create(ctx, &db.ServiceAssignment{ServiceID: web.ID, Enabled: true}))
	require.NoError(t, asgRepo.Create(ctx, &db.ServiceAssignment{ServiceID: web.ID, AgentID: &agent.ID, Enabled: true}))
	require.NoError(t, asgRepo.Create(ctx, &db.ServiceAssignment{ServiceID: dns.ID, AgentID: &agent.ID, Enabled: true}))
	// hidden is assigned to the other agent only.
	require.NoError(t, asgRepo.Create(ctx, &db.ServiceAssignment{ServiceID: hidden.ID, AgentID: &other.ID, Enabled: true}))

	blRepo := repositories.NewBlocklistRepository(database)
	require.NoError(t, blRepo.Create(ctx, &db.BlocklistEntry{IP: "198.51.100.7"}))

	fwRepo := repositories.NewFirewallRepository(database)
	require.NoError(t, fwRepo.Create(ctx, &db.FirewallRule{
		Port: 22, Protocol: types.ProtocolTCP, Interface: "public",
		Action: types.FirewallActionBlock, Enabled: true,
	}))
	require.NoError(t, fwRepo.Create(ctx, &db.FirewallRule{
		Port: 8080, Protocol: types.ProtocolTCP, Interface: "wireguard",
		Action: types.FirewallActionAllow, Enabled: false,
	}))

	cfg, err := m.BuildConfig(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, cfg.AgentID)
	assert.Equal(t, 30, cfg.HeartbeatInterval)
	assert.Positive(t, cfg.ConfigVersion)

	require.Len(t, cfg.Services, 2)
	names := []string{cfg.Services[0].Name, cfg.Services[1].Name}
	assert.ElementsMatch(t, []string{"web", "dns"}, names)

	assert.Equal(t, []string{"198.51.100.7"}, cfg.Blocklist)

	require.Len(t, cfg.FirewallRules, 1, "disabled rules do not ship")
	assert.Equal(t, 22, cfg.FirewallRules[0].Port)

	_, err = m.BuildConfig(ctx, 9999)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestBuildConfig_VersionTracksMutations(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()

	agent := registerAgent(t, m, "10.8.0.2")

	v1, err := m.configVersion(ctx, agent.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v1, "empty config still has a valid version")

	blRepo := repositories.NewBlocklistRepository(database)
	require.NoError(t, blRepo.Create(ctx, &db.BlocklistEntry{IP: "198.51.100.7"}))

	v2, err := m.configVersion(ctx, agent.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	// Adding an entry in the same second is still visible via the count hash.
	require.NoError(t, blRepo.Create(ctx, &db.BlocklistEntry{IP: "198.51.100.8"}))
	v3, err := m.configVersion(ctx, agent.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v2, v3)

	// So is a deletion, which never advances a timestamp.
	require.NoError(t, blRepo.DeleteByIP(ctx, "198.51.100.8"))
	v4, err := m.configVersion(ctx, agent.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v3, v4)
	assert.Equal(t, v2, v4, "same rows, same version")
}

func TestNextAgent_RoundRobin(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.NextAgent(ctx)
	assert.ErrorIs(t, err, ErrNoHealthyAgents)

	a := registerAgent(t, m, "10.8.0.2")
	b := registerAgent(t, m, "10.8.0.3")

	var picked []uint
	for i := 0; i < 4; i++ {
		next, err := m.NextAgent(ctx)
		require.NoError(t, err)
		picked = append(picked, next.ID)
	}
	assert.Equal(t, []uint{a.ID, b.ID, a.ID, b.ID}, picked)
}

func TestNotifier_BroadcastHitsHealthyAgents(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/trigger-sync", r.URL.Path)
		hits.Add(1)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	// The test server stands in for the agent's control API, so the agent
	// registers with the loopback address as its overlay IP.
	registerAgent(t, m, "127.0.0.1")

	// A demoted agent must not be contacted.
	stale := registerAgent(t, m, "127.0.0.2")
	require.NoError(t, database.Model(&db.Agent{}).Where("id = ?", stale.ID).
		Update("status", types.HealthStatusUnhealthy).Error)

	n := NewNotifier(repositories.NewAgentRepository(database), port, zap.NewNop())
	n.broadcast(ctx)

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 10*time.Millisecond)
}
