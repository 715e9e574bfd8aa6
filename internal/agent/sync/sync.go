// Package sync keeps the agent's data plane in line with the controller's
// desired state. A pull loop polls the config endpoint and compares the
// config version; the control API calls ForceSync when the controller pushes
// a change notification. Applies are serialized so a push landing during a
// poll cannot interleave two snapshots.
package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/agent/firewall"
	"github.com/nekoproxy/nekoproxy/internal/agent/proxy"
	"github.com/nekoproxy/nekoproxy/internal/metrics"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// DefaultInterval is the poll interval when none is configured.
const DefaultInterval = 30 * time.Second

// ConfigSource fetches an agent's desired-state config.
type ConfigSource interface {
	FetchConfig(ctx context.Context, agentID uint) (*types.AgentConfig, error)
}

// Synchronizer applies config snapshots to the data plane in a fixed order:
// blocklist first (so new listeners never accept from blocked sources), then
// TCP and UDP listeners, then firewall rules.
type Synchronizer struct {
	source   ConfigSource
	agentID  uint
	interval time.Duration

	blocklist *proxy.Blocklist
	tcp       *proxy.TCPManager
	udp       *proxy.UDPManager
	firewall  *firewall.Reconciler // may be nil

	// onHeartbeatInterval is invoked when a config carries a heartbeat
	// interval, letting the heartbeat sender adopt it. May be nil.
	onHeartbeatInterval func(time.Duration)

	metrics *metrics.Agent // may be nil
	logger  *zap.Logger

	mu      sync.Mutex // serializes applies
	version int64
	applied bool
}

// Options configures a Synchronizer.
type Options struct {
	Source              ConfigSource
	AgentID             uint
	Interval            time.Duration
	Blocklist           *proxy.Blocklist
	TCP                 *proxy.TCPManager
	UDP                 *proxy.UDPManager
	Firewall            *firewall.Reconciler
	OnHeartbeatInterval func(time.Duration)
	Metrics             *metrics.Agent
	Logger              *zap.Logger
}

// New creates a Synchronizer.
func New(opts Options) *Synchronizer {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Synchronizer{
		source:              opts.Source,
		agentID:             opts.AgentID,
		interval:            interval,
		blocklist:           opts.Blocklist,
		tcp:                 opts.TCP,
		udp:                 opts.UDP,
		firewall:            opts.Firewall,
		onHeartbeatInterval: opts.OnHeartbeatInterval,
		metrics:             opts.Metrics,
		logger:              opts.Logger.Named("sync"),
	}
}

// Run polls for config changes until ctx is cancelled. The first fetch
// applies unconditionally; later fetches apply only when the version moves.
func (s *Synchronizer) Run(ctx context.Context) {
	if err := s.ForceSync(ctx); err != nil {
		s.logger.Error("initial config sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.poll(ctx); err != nil {
			s.logger.Warn("config poll failed", zap.Error(err))
			s.countSync("failed")
		}
	}
}

// poll fetches the config and applies it when the version changed.
func (s *Synchronizer) poll(ctx context.Context) error {
	cfg, err := s.source.FetchConfig(ctx, s.agentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	unchanged := s.applied && cfg.ConfigVersion == s.version
	s.mu.Unlock()

	if unchanged {
		s.countSync("unchanged")
		return nil
	}
	s.apply(ctx, cfg)
	return nil
}

// ForceSync fetches and applies the config regardless of version. Called by
// the control API on push notifications.
func (s *Synchronizer) ForceSync(ctx context.Context) error {
	cfg, err := s.source.FetchConfig(ctx, s.agentID)
	if err != nil {
		s.countSync("failed")
		return err
	}
	s.apply(ctx, cfg)
	return nil
}

// Version returns the last applied config version.
func (s *Synchronizer) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// apply installs one coherent snapshot.
func (s *Synchronizer) apply(ctx context.Context, cfg *types.AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.version
	s.blocklist.Replace(cfg.Blocklist)
	s.tcp.Sync(cfg.Services)
	s.udp.Sync(cfg.Services)
	if s.firewall != nil {
		s.firewall.Sync(ctx, cfg.FirewallRules)
	}
	if s.onHeartbeatInterval != nil && cfg.HeartbeatInterval > 0 {
		s.onHeartbeatInterval(time.Duration(cfg.HeartbeatInterval) * time.Second)
	}

	s.version = cfg.ConfigVersion
	s.applied = true
	s.countSync("applied")

	tcpCount, udpCount := 0, 0
	for _, svc := range cfg.Services {
		if svc.Protocol == types.ProtocolTCP {
			tcpCount++
		} else {
			udpCount++
		}
	}
	s.logger.Info("config applied",
		zap.Int64("from_version", from),
		zap.Int64("to_version", cfg.ConfigVersion),
		zap.Int("tcp_services", tcpCount),
		zap.Int("udp_services", udpCount),
		zap.Int("blocked_ips", len(cfg.Blocklist)),
		zap.Int("firewall_rules", len(cfg.FirewallRules)),
	)
}

func (s *Synchronizer) countSync(result string) {
	if s.metrics != nil {
		s.metrics.SyncsTotal.WithLabelValues(result).Inc()
	}
}
