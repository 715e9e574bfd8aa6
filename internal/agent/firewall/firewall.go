// Package firewall reconciles the host's iptables configuration with the
// firewall rules in the agent's config. All managed rules live in a
// dedicated chain jumped to from INPUT, so teardown never touches rules the
// agent does not own.
package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/types"
)

// ChainName is the iptables chain owned by the agent.
const ChainName = "NEKOPROXY"

// Runner executes host commands. Production uses ExecRunner; tests swap in a
// fake to assert on the exact iptables invocations.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Alerter raises controller alerts for conditions only the agent can see.
type Alerter interface {
	PostAlert(ctx context.Context, alert types.AlertCreate) error
}

// ruleKey identifies one applied iptables rule.
type ruleKey struct {
	port     int
	protocol string
	iface    string // symbolic, as configured
	action   string
}

// Reconciler applies firewall rule sets to the host.
type Reconciler struct {
	runner  Runner
	alerter Alerter // may be nil
	agentID uint
	logger  *zap.Logger

	mu          sync.Mutex
	initialized bool
	available   bool
	current     map[ruleKey]struct{}
	ifaceCache  map[string]string
	alerted     map[string]struct{} // interfaces already alerted on
}

// New creates a Reconciler. alerter may be nil.
func New(runner Runner, alerter Alerter, agentID uint, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		runner:     runner,
		alerter:    alerter,
		agentID:    agentID,
		logger:     logger.Named("firewall"),
		current:    make(map[ruleKey]struct{}),
		ifaceCache: make(map[string]string),
		alerted:    make(map[string]struct{}),
	}
}

// Initialize checks for iptables and sets up the managed chain. Without
// iptables the reconciler stays inert: syncs become no-ops and the rest of
// the agent runs normally.
func (r *Reconciler) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initLocked(ctx)
}

func (r *Reconciler) initLocked(ctx context.Context) error {
	if r.initialized {
		return nil
	}
	r.initialized = true

	if _, err := r.runner.Run(ctx, "iptables", "-V"); err != nil {
		r.logger.Error("iptables not available, firewall rules will not be applied", zap.Error(err))
		return nil
	}
	r.available = true

	// Create the chain; "already exists" is fine.
	if out, err := r.runner.Run(ctx, "iptables", "-N", ChainName); err != nil && !chainExists(out) {
		r.logger.Warn("failed to create chain", zap.String("output", strings.TrimSpace(out)), zap.Error(err))
	}

	// Jump from INPUT unless already linked.
	if _, err := r.runner.Run(ctx, "iptables", "-C", "INPUT", "-j", ChainName); err != nil {
		if _, err := r.runner.Run(ctx, "iptables", "-I", "INPUT", "-j", ChainName); err != nil {
			return fmt.Errorf("firewall: link %s chain to INPUT: %w", ChainName, err)
		}
		r.logger.Info("linked chain to INPUT", zap.String("chain", ChainName))
	}

	r.logger.Info("firewall reconciler initialized")
	return nil
}

func chainExists(output string) bool {
	return strings.Contains(output, "already exists") || strings.Contains(output, "Chain already exists")
}

// Sync brings the host's rules in line with the given set. Disabled rules
// are skipped; rules whose interface cannot be resolved are skipped with an
// alert. Rules present on the host but absent from the set are removed.
func (r *Reconciler) Sync(ctx context.Context, rules []types.FirewallRuleSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		_ = r.initLocked(ctx)
	}
	if !r.available {
		r.logger.Warn("firewall not available, skipping rule sync")
		return
	}

	type resolved struct {
		spec  types.FirewallRuleSpec
		iface string
	}
	desired := make(map[ruleKey]resolved)

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		iface, ok := r.resolveInterface(ctx, rule.Interface)
		if !ok {
			r.logger.Warn("cannot resolve interface for firewall rule",
				zap.String("interface", rule.Interface), zap.Int("port", rule.Port))
			r.alertUnresolved(ctx, rule)
			continue
		}
		key := ruleKey{
			port:     rule.Port,
			protocol: string(rule.Protocol),
			iface:    rule.Interface,
			action:   string(rule.Action),
		}
		desired[key] = resolved{spec: rule, iface: iface}
	}

	// Remove rules that vanished from the config.
	for key := range r.current {
		if _, keep := desired[key]; keep {
			continue
		}
		if iface, ok := r.resolveInterface(ctx, key.iface); ok {
			r.runRule(ctx, "-D", key.port, key.protocol, iface, key.action)
		}
		delete(r.current, key)
	}

	// Add rules not yet on the host.
	for key, res := range desired {
		if _, applied := r.current[key]; applied {
			continue
		}
		if r.runRule(ctx, "-A", key.port, key.protocol, res.iface, key.action) {
			r.current[key] = struct{}{}
		}
	}

	r.logger.Info("firewall rules synced", zap.Int("active_rules", len(r.current)))
}

// runRule issues one append or delete against the managed chain. op is "-A"
// or "-D".
func (r *Reconciler) runRule(ctx context.Context, op string, port int, protocol, iface, action string) bool {
	target := "ACCEPT"
	if action == string(types.FirewallActionBlock) {
		target = "DROP"
	}
	args := []string{
		op, ChainName,
		"-i", iface,
		"-p", protocol,
		"--dport", strconv.Itoa(port),
		"-j", target,
	}
	if out, err := r.runner.Run(ctx, "iptables", args...); err != nil {
		r.logger.Warn("iptables command failed",
			zap.Strings("args", args), zap.String("output", strings.TrimSpace(out)), zap.Error(err))
		return false
	}
	r.logger.Info("firewall rule updated",
		zap.String("op", op), zap.String("target", target),
		zap.String("protocol", protocol), zap.Int("port", port), zap.String("interface", iface))
	return true
}

// resolveInterface maps a symbolic interface name to a real device. Results
// are cached for the life of the process.
func (r *Reconciler) resolveInterface(ctx context.Context, name string) (string, bool) {
	if iface, ok := r.ifaceCache[name]; ok {
		return iface, true
	}

	var iface string
	switch name {
	case "wireguard":
		iface = r.firstExisting(ctx, "wg0", "wg1", "wg-tunnel")
	case "public":
		iface = r.defaultRouteDevice(ctx)
		if iface == "" {
			iface = r.firstExisting(ctx, "eth0", "ens3", "ens192", "enp0s3", "eno1")
		}
	default:
		if r.interfaceExists(ctx, name) {
			iface = name
		}
	}

	if iface == "" {
		return "", false
	}
	r.ifaceCache[name] = iface
	return iface, true
}

// defaultRouteDevice parses `ip route show default` for the outbound device.
func (r *Reconciler) defaultRouteDevice(ctx context.Context) string {
	out, err := r.runner.Run(ctx, "ip", "route", "show", "default")
	if err != nil {
		return ""
	}
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func (r *Reconciler) firstExisting(ctx context.Context, candidates ...string) string {
	for _, iface := range candidates {
		if r.interfaceExists(ctx, iface) {
			return iface
		}
	}
	return ""
}

func (r *Reconciler) interfaceExists(ctx context.Context, iface string) bool {
	_, err := r.runner.Run(ctx, "ip", "link", "show", iface)
	return err == nil
}

// alertUnresolved raises one controller alert per unresolvable interface.
func (r *Reconciler) alertUnresolved(ctx context.Context, rule types.FirewallRuleSpec) {
	if r.alerter == nil {
		return
	}
	if _, done := r.alerted[rule.Interface]; done {
		return
	}
	r.alerted[rule.Interface] = struct{}{}

	port := rule.Port
	agentID := r.agentID
	alert := types.AlertCreate{
		AlertType:   "firewall_interface_unresolved",
		Severity:    types.AlertSeverityWarning,
		Port:        &port,
		Interface:   rule.Interface,
		Description: fmt.Sprintf("firewall rule for port %d skipped: interface %q could not be resolved", rule.Port, rule.Interface),
		AgentID:     &agentID,
	}
	if err := r.alerter.PostAlert(ctx, alert); err != nil {
		r.logger.Warn("failed to post interface alert", zap.Error(err))
	}
}

// Clear flushes every rule in the managed chain.
func (r *Reconciler) Clear(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked(ctx)
}

func (r *Reconciler) clearLocked(ctx context.Context) {
	if !r.available {
		return
	}
	if _, err := r.runner.Run(ctx, "iptables", "-F", ChainName); err != nil {
		r.logger.Warn("failed to flush chain", zap.Error(err))
	}
	r.current = make(map[ruleKey]struct{})
	r.logger.Info("cleared all firewall rules")
}

// Shutdown removes everything the agent added: flushes the chain, unlinks it
// from INPUT, and deletes it.
func (r *Reconciler) Shutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.available {
		return
	}
	r.clearLocked(ctx)
	if _, err := r.runner.Run(ctx, "iptables", "-D", "INPUT", "-j", ChainName); err != nil {
		r.logger.Warn("failed to unlink chain from INPUT", zap.Error(err))
	}
	if _, err := r.runner.Run(ctx, "iptables", "-X", ChainName); err != nil {
		r.logger.Warn("failed to delete chain", zap.Error(err))
	}
	r.logger.Info("firewall teardown complete")
}
