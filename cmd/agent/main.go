// Package main is the entry point for the nekoproxy-agent binary.
// It wires all internal packages together and runs the data plane.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Register with the controller (retried with backoff)
//  4. Build the proxies, firewall reconciler, and reporters
//  5. Apply the first config snapshot and start the background loops
//  6. Serve the control API on the overlay address
//  7. Block until SIGINT/SIGTERM, then ordered shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nekoproxy/nekoproxy/internal/agent/client"
	"github.com/nekoproxy/nekoproxy/internal/agent/controlapi"
	"github.com/nekoproxy/nekoproxy/internal/agent/firewall"
	"github.com/nekoproxy/nekoproxy/internal/agent/heartbeat"
	"github.com/nekoproxy/nekoproxy/internal/agent/proxy"
	"github.com/nekoproxy/nekoproxy/internal/agent/stats"
	configsync "github.com/nekoproxy/nekoproxy/internal/agent/sync"
	"github.com/nekoproxy/nekoproxy/internal/metrics"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	hostname            string
	wireguardIP         string
	publicIP            string
	controllerURL       string
	listenIP            string
	bufferSize          int
	connectionTimeout   int
	heartbeatInterval   int
	syncInterval        int
	statsBatchSize      int
	statsReportInterval int
	controlPort         int
	noFirewall          bool
	logLevel            string
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
		Use:   "nekoproxy-agent",
		Short: "Nekoproxy agent — proxy node of the nekoproxy fleet",
		Long: `Nekoproxy agent runs on each proxy node. It registers with the
controller over the WireGuard overlay, keeps its TCP/UDP listeners,
IP blocklist, and iptables rules in sync with the controller's desired
state, and reports connection statistics and heartbeats back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.hostname, "hostname", envOrDefault("NEKO_AGENT_HOSTNAME", defaultHostname()), "Hostname reported to the controller")
	root.PersistentFlags().StringVar(&cfg.wireguardIP, "wireguard-ip", envOrDefault("NEKO_AGENT_WIREGUARD_IP", ""), "This node's WireGuard overlay IP (required)")
	root.PersistentFlags().StringVar(&cfg.publicIP, "public-ip", envOrDefault("NEKO_AGENT_PUBLIC_IP", ""), "This node's public IP (optional, informational)")
	root.PersistentFlags().StringVar(&cfg.controllerURL, "controller-url", envOrDefault("NEKO_AGENT_CONTROLLER_URL", "http://localhost:8001"), "Controller API base URL")
	root.PersistentFlags().StringVar(&cfg.listenIP, "listen-ip", envOrDefault("NEKO_AGENT_LISTEN_IP", "0.0.0.0"), "Address the proxy listeners bind to")
	root.PersistentFlags().IntVar(&cfg.bufferSize, "buffer-size", envOrDefaultInt("NEKO_AGENT_BUFFER_SIZE", 8192), "Per-connection copy buffer size in bytes")
	root.PersistentFlags().IntVar(&cfg.connectionTimeout, "connection-timeout", envOrDefaultInt("NEKO_AGENT_CONNECTION_TIMEOUT", 10), "Backend dial timeout in seconds")
	root.PersistentFlags().IntVar(&cfg.heartbeatInterval, "heartbeat-interval", envOrDefaultInt("NEKO_AGENT_HEARTBEAT_INTERVAL", 30), "Heartbeat cadence in seconds (the controller may override it)")
	root.PersistentFlags().IntVar(&cfg.syncInterval, "sync-interval", envOrDefaultInt("NEKO_AGENT_SYNC_INTERVAL", 30), "Config poll interval in seconds")
	root.PersistentFlags().IntVar(&cfg.statsBatchSize, "stats-batch-size", envOrDefaultInt("NEKO_AGENT_STATS_BATCH_SIZE", 100), "Connection records per stats upload")
	root.PersistentFlags().IntVar(&cfg.statsReportInterval, "stats-report-interval", envOrDefaultInt("NEKO_AGENT_STATS_REPORT_INTERVAL", 60), "Stats upload interval in seconds")
	root.PersistentFlags().IntVar(&cfg.controlPort, "control-port", envOrDefaultInt("NEKO_AGENT_CONTROL_PORT", 8002), "Control API port on the overlay address")
	root.PersistentFlags().BoolVar(&cfg.noFirewall, "no-firewall", os.Getenv("NEKO_AGENT_NO_FIREWALL") != "", "Disable iptables management")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NEKO_AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nekoproxy-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.wireguardIP == "" {
		return fmt.Errorf("wireguard-ip is required (set NEKO_AGENT_WIREGUARD_IP)")
	}

	logger.Info("starting nekoproxy agent",
		zap.String("version", version),
		zap.String("hostname", cfg.hostname),
		zap.String("wireguard_ip", cfg.wireguardIP),
		zap.String("controller", cfg.controllerURL),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Registration ---
	apiClient := client.New(cfg.controllerURL, logger)
	info, err := apiClient.Register(ctx, types.AgentRegistration{
		Hostname:    cfg.hostname,
		WireguardIP: cfg.wireguardIP,
		PublicIP:    cfg.publicIP,
		Version:     version,
	})
	if err != nil {
		return err
	}
	agentID := info.ID

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	agentMetrics := metrics.NewAgent(registry)

	// --- Stats reporter ---
	// Built before the proxies: its Record method is their flow sink.
	reporter := stats.New(stats.Options{
		Client:    apiClient,
		AgentID:   agentID,
		Interval:  time.Duration(cfg.statsReportInterval) * time.Second,
		BatchSize: cfg.statsBatchSize,
		Metrics:   agentMetrics,
		Logger:    logger,
	})

	// --- Data plane ---
	blocklist := proxy.NewBlocklist()
	proxyCfg := proxy.Config{
		ListenIP:    cfg.listenIP,
		BufferSize:  cfg.bufferSize,
		DialTimeout: time.Duration(cfg.connectionTimeout) * time.Second,
	}
	tcp := proxy.NewTCPManager(proxyCfg, blocklist, reporter.Record, agentMetrics, logger)
	udp := proxy.NewUDPManager(proxyCfg, blocklist, reporter.Record, agentMetrics, logger)

	// --- Firewall reconciler ---
	// Without iptables on the host it stays inert; alerts for unresolvable
	// interfaces go to the controller.
	var fw *firewall.Reconciler
	if !cfg.noFirewall {
		fw = firewall.New(firewall.ExecRunner{}, apiClient, agentID, logger)
		if err := fw.Initialize(ctx); err != nil {
			logger.Warn("firewall initialization failed, continuing without it", zap.Error(err))
		}
	}

	// --- Heartbeat sender ---
	hb := heartbeat.New(apiClient, agentID,
		time.Duration(cfg.heartbeatInterval)*time.Second,
		func() int { return tcp.ActiveConnections() + udp.ActiveConnections() },
		logger,
	)

	// --- Config synchronizer ---
	syncer := configsync.New(configsync.Options{
		Source:              apiClient,
		AgentID:             agentID,
		Interval:            time.Duration(cfg.syncInterval) * time.Second,
		Blocklist:           blocklist,
		TCP:                 tcp,
		UDP:                 udp,
		Firewall:            fw,
		OnHeartbeatInterval: hb.SetInterval,
		Metrics:             agentMetrics,
		Logger:              logger,
	})

	// --- Control API ---
	control := controlapi.New(cfg.wireguardIP, cfg.controlPort, syncer, metrics.Handler(registry), logger)
	if err := control.Start(); err != nil {
		return err
	}

	// --- Background loops ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { syncer.Run(gctx); return nil })
	g.Go(func() error { hb.Run(gctx); return nil })
	g.Go(func() error { reporter.Run(gctx); return nil })

	<-ctx.Done()
	logger.Info("shutting down")

	// --- Ordered shutdown ---
	// Stop taking triggers first, then the loops, then the data plane, then
	// tear down the firewall chain, and flush whatever stats remain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := control.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control api shutdown failed", zap.Error(err))
	}
	_ = g.Wait()

	tcp.StopAll()
	udp.StopAll()
	if fw != nil {
		fw.Shutdown(shutdownCtx)
	}
	reporter.Flush(shutdownCtx)

	logger.Info("nekoproxy agent stopped")
	return nil
}

func defaultHostname() string {
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "nekoproxy-agent"
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
