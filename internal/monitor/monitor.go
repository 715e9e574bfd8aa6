// Package monitor runs the controller's background maintenance: demoting
// agents whose heartbeats have gone silent and pruning connection stats past
// the retention window. It wraps gocron; both jobs run in singleton mode so
// a slow database never stacks overlapping runs.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/repositories"
)

// checkInterval is how often the heartbeat check runs. Agents heartbeat
// every 30 seconds by default, so one check per interval keeps demotion
// latency within one missed-heartbeat window of the timeout.
const checkInterval = 30 * time.Second

// pruneInterval is how often old stats are removed. Retention is measured
// in days, so hourly is plenty.
const pruneInterval = time.Hour

// Monitor owns the two periodic maintenance jobs.
// The zero value is not usable — create instances with New.
type Monitor struct {
	cron             gocron.Scheduler
	agents           repositories.AgentRepository
	stats            repositories.StatsRepository
	heartbeatTimeout time.Duration
	retention        time.Duration
	logger           *zap.Logger
}

// New creates and configures a Monitor. Call Start to begin processing.
// heartbeatTimeout is how long an agent may stay silent before demotion;
// retentionDays is how long connection stats are kept.
func New(
	agents repositories.AgentRepository,
	stats repositories.StatsRepository,
	heartbeatTimeout time.Duration,
	retentionDays int,
	logger *zap.Logger,
) (*Monitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Monitor{
		cron:             s,
		agents:           agents,
		stats:            stats,
		heartbeatTimeout: heartbeatTimeout,
		retention:        time.Duration(retentionDays) * 24 * time.Hour,
		logger:           logger.Named("monitor"),
	}, nil
}

// Start registers both jobs and starts the underlying gocron scheduler.
// Should be called once at controller startup, after the database
// connection is established.
func (m *Monitor) Start() error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(checkInterval),
		gocron.NewTask(m.checkAgents),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule heartbeat check: %w", err)
	}

	_, err = m.cron.NewJob(
		gocron.DurationJob(pruneInterval),
		gocron.NewTask(m.pruneStats),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule stats prune: %w", err)
	}

	m.cron.Start()
	m.logger.Info("health monitor started",
		zap.Duration("heartbeat_timeout", m.heartbeatTimeout),
		zap.Duration("stats_retention", m.retention),
	)
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running job functions to complete before returning.
func (m *Monitor) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("monitor shutdown error: %w", err)
	}
	m.logger.Info("health monitor stopped")
	return nil
}

// checkAgents demotes healthy agents that have missed the heartbeat
// timeout. Demotion is one-way here: only a fresh heartbeat promotes an
// agent back to healthy.
func (m *Monitor) checkAgents() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-m.heartbeatTimeout)
	demoted, err := m.agents.MarkStaleUnhealthy(ctx, cutoff)
	if err != nil {
		m.logger.Error("heartbeat check failed", zap.Error(err))
		return
	}
	if demoted > 0 {
		m.logger.Warn("agents marked unhealthy",
			zap.Int64("count", demoted),
			zap.Duration("timeout", m.heartbeatTimeout),
		)
	}
}

// pruneStats removes connection stats past the retention window.
func (m *Monitor) pruneStats() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-m.retention)
	removed, err := m.stats.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.Error("stats prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		m.logger.Info("old connection stats removed", zap.Int64("count", removed))
	}
}
