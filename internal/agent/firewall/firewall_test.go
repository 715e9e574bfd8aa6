package firewall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/types"
)

// fakeRunner records every command and answers from a canned table.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	// fail maps a command prefix to an error; unmatched commands succeed.
	fail map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fail: make(map[string]error)}
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	cmd := name + " " + strings.Join(args, " ")
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()

	for prefix, err := range r.fail {
		if strings.HasPrefix(cmd, prefix) {
			return "", err
		}
	}
	return "", nil
}

func (r *fakeRunner) ran(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.commands {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func (r *fakeRunner) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cmd := range r.commands {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// fakeAlerter records posted alerts.
type fakeAlerter struct {
	mu     sync.Mutex
	alerts []types.AlertCreate
}

func (a *fakeAlerter) PostAlert(_ context.Context, alert types.AlertCreate) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, alert)
	a.mu.Unlock()
	return nil
}

func blockRule(port int, iface string) types.FirewallRuleSpec {
	return types.FirewallRuleSpec{
		ID:        uint(port),
		Port:      port,
		Protocol:  types.ProtocolTCP,
		Interface: iface,
		Action:    types.FirewallActionBlock,
		Enabled:   true,
	}
}

func TestReconcilerInitializesChain(t *testing.T) {
	runner := newFakeRunner()
	// The INPUT jump does not exist yet.
	runner.fail["iptables -C INPUT"] = errors.New("no such rule")

	r := New(runner, nil, 1, zap.NewNop())
	require.NoError(t, r.Initialize(context.Background()))

	assert.True(t, runner.ran("iptables -N NEKOPROXY"))
	assert.True(t, runner.ran("iptables -I INPUT -j NEKOPROXY"))
}

func TestReconcilerWithoutIptablesStaysInert(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["iptables -V"] = errors.New("not found")

	r := New(runner, nil, 1, zap.NewNop())
	require.NoError(t, r.Initialize(context.Background()))

	r.Sync(context.Background(), []types.FirewallRuleSpec{blockRule(22, "wg0")})
	assert.False(t, runner.ran("iptables -A"))
}

func TestSyncAddsAndRemovesRules(t *testing.T) {
	runner := newFakeRunner()
	ctx := context.Background()

	r := New(runner, nil, 1, zap.NewNop())
	require.NoError(t, r.Initialize(ctx))

	ssh := blockRule(22, "wg0")
	dns := blockRule(53, "wg0")
	r.Sync(ctx, []types.FirewallRuleSpec{ssh, dns})

	assert.True(t, runner.ran("iptables -A NEKOPROXY -i wg0 -p tcp --dport 22 -j DROP"))
	assert.True(t, runner.ran("iptables -A NEKOPROXY -i wg0 -p tcp --dport 53 -j DROP"))

	// An identical sync is idempotent: no further appends.
	r.Sync(ctx, []types.FirewallRuleSpec{ssh, dns})
	assert.Equal(t, 2, runner.count("iptables -A"))

	// Dropping the dns rule deletes exactly it.
	r.Sync(ctx, []types.FirewallRuleSpec{ssh})
	assert.True(t, runner.ran("iptables -D NEKOPROXY -i wg0 -p tcp --dport 53 -j DROP"))
	assert.False(t, runner.ran("iptables -D NEKOPROXY -i wg0 -p tcp --dport 22"))
}

func TestSyncSkipsDisabledRules(t *testing.T) {
	runner := newFakeRunner()
	ctx := context.Background()

	r := New(runner, nil, 1, zap.NewNop())
	require.NoError(t, r.Initialize(ctx))

	disabled := blockRule(22, "wg0")
	disabled.Enabled = false
	r.Sync(ctx, []types.FirewallRuleSpec{disabled})
	assert.False(t, runner.ran("iptables -A"))
}

func TestSyncResolvesSymbolicInterfaces(t *testing.T) {
	runner := newFakeRunner()
	ctx := context.Background()

	// wg0 is absent but wg1 exists; no default route, so the public
	// interface falls back to the candidate list (eth0 absent, ens3 found).
	runner.fail["ip link show wg0"] = errors.New("does not exist")
	runner.fail["ip route show default"] = errors.New("no default route")
	runner.fail["ip link show eth0"] = errors.New("does not exist")

	r := New(runner, nil, 1, zap.NewNop())
	require.NoError(t, r.Initialize(ctx))

	wg := blockRule(51820, "wireguard")
	wg.Protocol = types.ProtocolUDP
	pub := blockRule(22, "public")

	r.Sync(ctx, []types.FirewallRuleSpec{wg, pub})
	assert.True(t, runner.ran("iptables -A NEKOPROXY -i wg1 -p udp --dport 51820 -j DROP"))
	assert.True(t, runner.ran("iptables -A NEKOPROXY -i ens3 -p tcp --dport 22 -j DROP"))
}

func TestSyncAlertsOnUnresolvableInterface(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["ip link show"] = errors.New("does not exist")
	runner.fail["ip route show default"] = errors.New("no default route")
	ctx := context.Background()

	alerter := &fakeAlerter{}
	r := New(runner, alerter, 7, zap.NewNop())
	require.NoError(t, r.Initialize(ctx))

	rule := blockRule(22, "public")
	r.Sync(ctx, []types.FirewallRuleSpec{rule})
	// A second sync must not alert again for the same interface.
	r.Sync(ctx, []types.FirewallRuleSpec{rule})

	assert.False(t, runner.ran("iptables -A"))
	require.Len(t, alerter.alerts, 1)
	alert := alerter.alerts[0]
	assert.Equal(t, "firewall_interface_unresolved", alert.AlertType)
	assert.Equal(t, "public", alert.Interface)
	require.NotNil(t, alert.AgentID)
	assert.Equal(t, uint(7), *alert.AgentID)
}

func TestShutdownTearsDownChain(t *testing.T) {
	runner := newFakeRunner()
	ctx := context.Background()

	r := New(runner, nil, 1, zap.NewNop())
	require.NoError(t, r.Initialize(ctx))
	r.Sync(ctx, []types.FirewallRuleSpec{blockRule(22, "wg0")})

	r.Shutdown(ctx)
	assert.True(t, runner.ran("iptables -F NEKOPROXY"))
	assert.True(t, runner.ran("iptables -D INPUT -j NEKOPROXY"))
	assert.True(t, runner.ran("iptables -X NEKOPROXY"))
}
