package agentmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nekoproxy/nekoproxy/internal/repositories"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// BuildConfig assembles the coherent desired-state view for one agent:
// the services it should proxy (enabled assignments, fleet-wide plus its
// own), the full blocklist, the enabled firewall rules in its scope, and
// the config version the agent compares against its last applied one.
func (m *Manager) BuildConfig(ctx context.Context, agentID uint) (*types.AgentConfig, error) {
	if _, err := m.agents.GetByID(ctx, agentID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}

	assignments, err := m.assignments.ListEnabledForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	// A service assigned both fleet-wide and to this agent appears once.
	seen := make(map[uint]struct{}, len(assignments))
	serviceIDs := make([]uint, 0, len(assignments))
	for _, a := range assignments {
		if _, ok := seen[a.ServiceID]; ok {
			continue
		}
		seen[a.ServiceID] = struct{}{}
		serviceIDs = append(serviceIDs, a.ServiceID)
	}

	services, err := m.services.ListByIDs(ctx, serviceIDs)
	if err != nil {
		return nil, err
	}
	serviceSpecs := make([]types.ServiceSpec, 0, len(services))
	for _, s := range services {
		serviceSpecs = append(serviceSpecs, types.ServiceSpec{
			ID:          s.ID,
			Name:        s.Name,
			ListenPort:  s.ListenPort,
			BackendHost: s.BackendHost,
			BackendPort: s.BackendPort,
			Protocol:    s.Protocol,
		})
	}

	entries, err := m.blocklist.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	blocked := make([]string, 0, len(entries))
	for _, e := range entries {
		blocked = append(blocked, e.IP)
	}

	rules, err := m.firewall.ListEnabledForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	ruleSpecs := make([]types.FirewallRuleSpec, 0, len(rules))
	for _, r := range rules {
		ruleSpecs = append(ruleSpecs, types.FirewallRuleSpec{
			ID:        r.ID,
			Port:      r.Port,
			Protocol:  r.Protocol,
			Interface: r.Interface,
			Action:    r.Action,
			Enabled:   r.Enabled,
			AgentID:   r.AgentID,
		})
	}

	version, err := m.configVersion(ctx, agentID)
	if err != nil {
		return nil, err
	}

	return &types.AgentConfig{
		AgentID:           agentID,
		ConfigVersion:     version,
		Services:          serviceSpecs,
		Blocklist:         blocked,
		FirewallRules:     ruleSpecs,
		HeartbeatInterval: m.heartbeatInterval,
	}, nil
}

// configVersion derives the version an agent uses for change detection.
// It is never persisted; both halves are recomputed from the live tables:
//
//   - the seconds part is the newest updated_at across everything in the
//     agent's scope, so creates and updates move the version forward
//   - the count hash catches deletions, which remove the newest timestamp
//     instead of advancing it
//
// With no timestamped rows at all the counts alone form a small version,
// offset by one so an empty config is still a valid nonzero version.
func (m *Manager) configVersion(ctx context.Context, agentID uint) (int64, error) {
	fw, err := m.firewall.StampForAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	asg, err := m.assignments.StampForAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	svc, err := m.services.Stamp(ctx)
	if err != nil {
		return 0, err
	}
	bl, err := m.blocklist.Stamp(ctx)
	if err != nil {
		return 0, err
	}

	var newest *time.Time
	for _, ts := range []*time.Time{fw.LastUpdated, asg.LastUpdated, svc.LastUpdated, bl.LastUpdated} {
		if ts == nil {
			continue
		}
		if newest == nil || ts.After(*newest) {
			newest = ts
		}
	}

	if newest == nil {
		return fw.Count + asg.Count + bl.Count + 1, nil
	}

	countHash := (fw.Count*100 + asg.Count*10 + bl.Count) % 10000
	return newest.Unix()*10000 + countHash, nil
}
