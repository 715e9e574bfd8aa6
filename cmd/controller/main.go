// Package main is the entry point for the nekoproxy-controller binary.
// It wires all internal packages together and serves the REST API.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the database and apply migrations
//  4. Build repositories, agent manager, and push-sync notifier
//  5. Start the health monitor (stale-agent demotion + stats pruning)
//  6. Serve the REST API
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/agentmanager"
	"github.com/nekoproxy/nekoproxy/internal/api"
	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/metrics"
	"github.com/nekoproxy/nekoproxy/internal/monitor"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	host               string
	port               int
	dbDriver           string
	dbDSN              string
	heartbeatInterval  int
	heartbeatTimeout   int
	statsRetentionDays int
	agentControlPort   int
	logLevel           string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "nekoproxy-controller",
		Short: "Nekoproxy controller — central management for the proxy fleet",
		Long: `Nekoproxy controller is the management plane of the proxy fleet.
It stores the desired state (services, assignments, blocklist, firewall
rules), serves it to agents over a REST API, and watches agent health.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.host, "host", envOrDefault("NEKO_HOST", "0.0.0.0"), "API listen address")
	root.PersistentFlags().IntVar(&cfg.port, "port", envOrDefaultInt("NEKO_PORT", 8001), "API listen port")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("NEKO_DB_DRIVER", "sqlite"), "Database driver (sqlite, postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "database-url", envOrDefault("NEKO_DATABASE_URL", "nekoproxy.db"), "Database DSN (file path for sqlite, connection string for postgres)")
	root.PersistentFlags().IntVar(&cfg.heartbeatInterval, "heartbeat-interval", envOrDefaultInt("NEKO_HEARTBEAT_INTERVAL", 30), "Heartbeat cadence advertised to agents, in seconds")
	root.PersistentFlags().IntVar(&cfg.heartbeatTimeout, "heartbeat-timeout", envOrDefaultInt("NEKO_HEARTBEAT_TIMEOUT", 90), "Seconds of agent silence before it is marked unhealthy")
	root.PersistentFlags().IntVar(&cfg.statsRetentionDays, "stats-retention-days", envOrDefaultInt("NEKO_STATS_RETENTION_DAYS", 30), "Days of connection stats to keep")
	root.PersistentFlags().IntVar(&cfg.agentControlPort, "agent-control-port", envOrDefaultInt("NEKO_AGENT_CONTROL_PORT", 8002), "Port of each agent's control API, used for push-sync triggers")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NEKO_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nekoproxy-controller %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting nekoproxy controller",
		zap.String("version", version),
		zap.String("db_driver", cfg.dbDriver),
		zap.Int("port", cfg.port),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// --- Repositories ---
	agents := repositories.NewAgentRepository(database)
	services := repositories.NewServiceRepository(database)
	assignments := repositories.NewAssignmentRepository(database)
	blocklist := repositories.NewBlocklistRepository(database)
	firewall := repositories.NewFirewallRepository(database)
	stats := repositories.NewStatsRepository(database)
	alerts := repositories.NewAlertRepository(database)

	// --- Agent manager and push-sync notifier ---
	manager := agentmanager.New(agents, services, assignments, blocklist, firewall, cfg.heartbeatInterval, logger)
	notifier := agentmanager.NewNotifier(agents, cfg.agentControlPort, logger)

	// --- Health monitor ---
	mon, err := monitor.New(agents, stats,
		time.Duration(cfg.heartbeatTimeout)*time.Second,
		cfg.statsRetentionDays,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}
	if err := mon.Start(); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	defer func() {
		if err := mon.Stop(); err != nil {
			logger.Warn("health monitor stop failed", zap.Error(err))
		}
	}()

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	ctrlMetrics := metrics.NewController(registry)

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Manager:        manager,
		Notifier:       notifier,
		Logger:         logger,
		DB:             database,
		Agents:         agents,
		Services:       services,
		Assignments:    assignments,
		Blocklist:      blocklist,
		Firewall:       firewall,
		Stats:          stats,
		Alerts:         alerts,
		Metrics:        ctrlMetrics,
		MetricsHandler: metrics.Handler(registry),
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	}

	// --- Graceful shutdown ---
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown failed", zap.Error(err))
	}

	logger.Info("nekoproxy controller stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
