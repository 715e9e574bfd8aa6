package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/agentmanager"
	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/metrics"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
)

// SyncNotifier is the part of the push-sync notifier the handlers need.
// Mutating handlers call Broadcast after a successful commit so agents pick
// up the change without waiting for their next poll.
type SyncNotifier interface {
	Broadcast()
}

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Manager  *agentmanager.Manager
	Notifier SyncNotifier
	Logger   *zap.Logger
	DB       *gorm.DB

	// Repositories — used directly by handlers that do not need the
	// agent manager's lifecycle logic.
	Agents      repositories.AgentRepository
	Services    repositories.ServiceRepository
	Assignments repositories.AssignmentRepository
	Blocklist   repositories.BlocklistRepository
	Firewall    repositories.FirewallRepository
	Stats       repositories.StatsRepository
	Alerts      repositories.AlertRepository

	// Metrics is optional; when nil no instrumentation middleware runs and
	// no /metrics endpoint is mounted.
	Metrics        *metrics.Controller
	MetricsHandler http.Handler
}

// NewRouter builds and returns the fully configured Chi router.
// All resources are registered under /api/v1; /health and /metrics live at
// the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(Instrument(cfg.Metrics))
	}

	// --- Initialize handlers ---
	agentHandler := NewAgentHandler(cfg.Manager, cfg.Logger)
	serviceHandler := NewServiceHandler(cfg.Services, cfg.Notifier, cfg.Logger)
	assignmentHandler := NewAssignmentHandler(cfg.Assignments, cfg.Services, cfg.Agents, cfg.Manager, cfg.Notifier, cfg.Logger)
	blocklistHandler := NewBlocklistHandler(cfg.Blocklist, cfg.Notifier, cfg.Logger)
	firewallHandler := NewFirewallHandler(cfg.Firewall, cfg.Agents, cfg.Notifier, cfg.Logger)
	statsHandler := NewStatsHandler(cfg.Stats, cfg.Agents, cfg.Metrics, cfg.Logger)
	alertHandler := NewAlertHandler(cfg.Alerts, cfg.Agents, cfg.Logger)

	r.Get("/health", healthHandler(cfg.DB))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {

		// Agents: registration and heartbeat are called by agents, the
		// rest by operators.
		r.Route("/agents", func(r chi.Router) {
			r.Post("/register", agentHandler.Register)
			r.Get("/", agentHandler.List)
			r.Get("/{id}", agentHandler.GetByID)
			r.Delete("/{id}", agentHandler.Delete)
			r.Post("/{id}/heartbeat", agentHandler.Heartbeat)
			r.Get("/{id}/config", agentHandler.Config)
		})

		r.Route("/services", func(r chi.Router) {
			r.Post("/", serviceHandler.Create)
			r.Get("/", serviceHandler.List)
			r.Get("/{id}", serviceHandler.GetByID)
			r.Put("/{id}", serviceHandler.Update)
			r.Delete("/{id}", serviceHandler.Delete)
		})

		r.Route("/assignments", func(r chi.Router) {
			r.Post("/", assignmentHandler.Create)
			r.Post("/auto", assignmentHandler.AutoAssign)
			r.Get("/", assignmentHandler.List)
			r.Get("/{id}", assignmentHandler.GetByID)
			r.Put("/{id}", assignmentHandler.Update)
			r.Delete("/{id}", assignmentHandler.Delete)
			r.Post("/{id}/enable", assignmentHandler.Enable)
			r.Post("/{id}/disable", assignmentHandler.Disable)
		})

		r.Route("/blocklist", func(r chi.Router) {
			r.Post("/", blocklistHandler.Create)
			r.Get("/", blocklistHandler.List)
			r.Get("/check/{ip}", blocklistHandler.Check)
			r.Delete("/{ip}", blocklistHandler.Delete)
		})

		r.Route("/firewall", func(r chi.Router) {
			r.Post("/", firewallHandler.Create)
			r.Get("/", firewallHandler.List)
			r.Get("/{id}", firewallHandler.GetByID)
			r.Put("/{id}", firewallHandler.Update)
			r.Delete("/{id}", firewallHandler.Delete)
			r.Post("/{id}/enable", firewallHandler.Enable)
			r.Post("/{id}/disable", firewallHandler.Disable)
		})

		r.Route("/stats", func(r chi.Router) {
			r.Post("/connections", statsHandler.ReportConnections)
			r.Get("/summary", statsHandler.Summary)
			r.Get("/recent", statsHandler.Recent)
			r.Get("/agent/{id}", statsHandler.ByAgent)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Post("/", alertHandler.Create)
			r.Get("/", alertHandler.List)
			r.Get("/counts", alertHandler.Counts)
			r.Get("/{id}", alertHandler.GetByID)
			r.Post("/{id}/acknowledge", alertHandler.Acknowledge)
			r.Post("/acknowledge-all", alertHandler.AcknowledgeAll)
			r.Delete("/{id}", alertHandler.Delete)
		})
	})

	return r
}

// healthHandler reports liveness plus database reachability.
func healthHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), database); err != nil {
			JSON(w, http.StatusServiceUnavailable, envelope{"status": "unhealthy"})
			return
		}
		JSON(w, http.StatusOK, envelope{"status": "healthy"})
	}
}
