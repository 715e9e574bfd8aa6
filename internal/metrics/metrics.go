// Package metrics defines the Prometheus instrumentation for both binaries.
// The controller exposes API traffic and intake counters on its main
// listener; the agent exposes data-plane counters on its control API.
// Collectors register against an explicit prometheus.Registerer so tests can
// use throwaway registries.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller holds the controller-side collectors.
type Controller struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	statsRows prometheus.Counter
}

// NewController creates and registers the controller collectors.
func NewController(reg prometheus.Registerer) *Controller {
	c := &Controller{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nekoproxy",
			Subsystem: "controller",
			Name:      "http_requests_total",
			Help:      "API requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nekoproxy",
			Subsystem: "controller",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		statsRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nekoproxy",
			Subsystem: "controller",
			Name:      "connection_stats_ingested_total",
			Help:      "Connection records accepted by the stats intake.",
		}),
	}
	reg.MustRegister(c.requests, c.latency, c.statsRows)
	return c
}

// ObserveRequest records one finished API request.
func (c *Controller) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// AddStatsRows counts connection records accepted by the intake.
func (c *Controller) AddStatsRows(n int) {
	c.statsRows.Add(float64(n))
}

// Agent holds the agent-side data-plane collectors.
type Agent struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec // protocol, status
	BytesTotal        *prometheus.CounterVec // protocol, direction
	QueueDepth        prometheus.Gauge
	QueueDropped      prometheus.Counter
	SyncsTotal        *prometheus.CounterVec // result
}

// NewAgent creates and registers the agent collectors.
func NewAgent(reg prometheus.Registerer) *Agent {
	a := &Agent{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nekoproxy",
			Subsystem: "agent",
			Name:      "active_connections",
			Help:      "Currently open proxied TCP connections and UDP sessions.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nekoproxy",
			Subsystem: "agent",
			Name:      "connections_total",
			Help:      "Finished proxied flows by protocol and terminal status.",
		}, []string{"protocol", "status"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nekoproxy",
			Subsystem: "agent",
			Name:      "bytes_total",
			Help:      "Proxied payload bytes by protocol and direction.",
		}, []string{"protocol", "direction"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nekoproxy",
			Subsystem: "agent",
			Name:      "stats_queue_depth",
			Help:      "Connection records waiting to be reported.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nekoproxy",
			Subsystem: "agent",
			Name:      "stats_queue_dropped_total",
			Help:      "Connection records dropped because the queue was full.",
		}),
		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nekoproxy",
			Subsystem: "agent",
			Name:      "config_syncs_total",
			Help:      "Config sync attempts by result (applied, unchanged, failed).",
		}, []string{"result"}),
	}
	reg.MustRegister(
		a.ActiveConnections, a.ConnectionsTotal, a.BytesTotal,
		a.QueueDepth, a.QueueDropped, a.SyncsTotal,
	)
	return a
}

// Handler returns the /metrics endpoint for a registry, with the standard
// process and Go runtime collectors included.
func Handler(reg *prometheus.Registry) http.Handler {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
