// Package heartbeat reports the agent's liveness and resource usage to the
// controller on a fixed cadence.
package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/agent/client"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// HeartbeatClient is the part of the controller client the sender needs.
type HeartbeatClient interface {
	Heartbeat(ctx context.Context, agentID uint, hb types.AgentHeartbeat) error
}

// Sender posts periodic heartbeats carrying CPU, memory, and connection
// figures.
type Sender struct {
	client      HeartbeatClient
	agentID     uint
	connections func() int
	logger      *zap.Logger

	// interval in nanoseconds; mutable because the controller advertises the
	// cadence inside each config.
	interval atomic.Int64
}

// New creates a Sender. connections reports the current open flow count.
func New(c HeartbeatClient, agentID uint, interval time.Duration, connections func() int, logger *zap.Logger) *Sender {
	s := &Sender{
		client:      c,
		agentID:     agentID,
		connections: connections,
		logger:      logger.Named("heartbeat"),
	}
	s.interval.Store(int64(interval))
	return s
}

// SetInterval adopts a new cadence starting from the next tick.
func (s *Sender) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if s.interval.Swap(int64(d)) != int64(d) {
		s.logger.Info("heartbeat interval changed", zap.Duration("interval", d))
	}
}

// Run sends heartbeats until ctx is cancelled. Failures are logged and the
// loop continues; the controller's health monitor handles prolonged silence.
func (s *Sender) Run(ctx context.Context) {
	s.logger.Info("heartbeat sender started",
		zap.Duration("interval", time.Duration(s.interval.Load())))

	timer := time.NewTimer(time.Duration(s.interval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.send(ctx); err != nil {
			if errors.Is(err, client.ErrAgentUnknown) {
				s.logger.Error("controller does not know this agent, re-registration needed")
			} else {
				s.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
		timer.Reset(time.Duration(s.interval.Load()))
	}
}

// send gathers the resource figures and posts one heartbeat.
func (s *Sender) send(ctx context.Context) error {
	hb := types.AgentHeartbeat{
		ActiveConnections: s.connections(),
	}

	// Resource probes are best effort: a heartbeat with zeroed figures still
	// proves liveness.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		hb.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hb.MemoryPercent = vm.UsedPercent
	}

	if err := s.client.Heartbeat(ctx, s.agentID, hb); err != nil {
		return err
	}
	s.logger.Debug("heartbeat sent", zap.Int("active_connections", hb.ActiveConnections))
	return nil
}
