package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/metrics"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// StatsHandler groups the connection-statistics handlers: batch intake from
// agents and the aggregate queries the dashboard reads.
type StatsHandler struct {
	repo    repositories.StatsRepository
	agents  repositories.AgentRepository
	metrics *metrics.Controller
	logger  *zap.Logger
}

// NewStatsHandler creates a new StatsHandler. metrics may be nil.
func NewStatsHandler(
	repo repositories.StatsRepository,
	agents repositories.AgentRepository,
	m *metrics.Controller,
	logger *zap.Logger,
) *StatsHandler {
	return &StatsHandler{
		repo:    repo,
		agents:  agents,
		metrics: m,
		logger:  logger.Named("stats_handler"),
	}
}

// coerceTimestamp parses an agent-reported RFC 3339 timestamp, falling back
// to the ingest time when the value is missing or malformed. A batch must
// never be rejected over one bad clock reading.
func coerceTimestamp(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return fallback
}

// ReportConnections handles POST /api/v1/stats/connections: a batch of
// completed flows from one agent, written in a single transaction.
func (h *StatsHandler) ReportConnections(w http.ResponseWriter, r *http.Request) {
	var report types.StatsReport
	if !decodeJSON(w, r, &report) {
		return
	}

	if _, err := h.agents.GetByID(r.Context(), report.AgentID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnprocessable(w, "agent not found")
			return
		}
		h.logger.Error("agent lookup failed", zap.Uint("agent_id", report.AgentID), zap.Error(err))
		ErrInternal(w)
		return
	}

	if len(report.Connections) == 0 {
		Ok(w, envelope{"recorded": 0})
		return
	}

	now := time.Now().UTC()
	rows := make([]db.ConnectionStat, len(report.Connections))
	for i, conn := range report.Connections {
		row := db.ConnectionStat{
			AgentID:       report.AgentID,
			Timestamp:     coerceTimestamp(conn.Timestamp, now),
			ClientIP:      conn.ClientIP,
			Status:        conn.Status,
			Duration:      conn.Duration,
			BytesSent:     conn.BytesSent,
			BytesReceived: conn.BytesReceived,
		}
		// Blocked flows have no service: the proxy dropped them before the
		// listener's service was involved. Zero means "none".
		if conn.ServiceID != 0 {
			serviceID := conn.ServiceID
			row.ServiceID = &serviceID
		}
		rows[i] = row
	}

	if err := h.repo.BulkInsert(r.Context(), rows); err != nil {
		h.logger.Error("failed to record stats batch",
			zap.Uint("agent_id", report.AgentID),
			zap.Int("batch_size", len(rows)),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.metrics != nil {
		h.metrics.AddStatsRows(len(rows))
	}
	h.logger.Debug("stats batch recorded",
		zap.Uint("agent_id", report.AgentID),
		zap.Int("batch_size", len(rows)))
	Ok(w, envelope{"recorded": len(rows)})
}

// Summary handles GET /api/v1/stats/summary. The optional hours query
// parameter sets the lookback window; default 24.
func (h *StatsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			ErrBadRequest(w, "hours must be a positive integer")
			return
		}
		hours = n
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	agg, err := h.repo.Summary(r.Context(), since)
	if err != nil {
		h.logger.Error("stats summary failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, types.StatsSummary{
		TotalConnections:   agg.TotalConnections,
		BlockedConnections: agg.BlockedConnections,
		TotalBytesSent:     agg.TotalBytesSent,
		TotalBytesReceived: agg.TotalBytesReceived,
		PeriodHours:        hours,
	})
}

// connectionStatResponse is the JSON representation of one recorded flow.
type connectionStatResponse struct {
	ID            uint             `json:"id"`
	AgentID       uint             `json:"agent_id"`
	ServiceID     *uint            `json:"service_id"`
	Timestamp     time.Time        `json:"timestamp"`
	ClientIP      string           `json:"client_ip"`
	Status        types.ConnStatus `json:"status"`
	Duration      *float64         `json:"duration"`
	BytesSent     int64            `json:"bytes_sent"`
	BytesReceived int64            `json:"bytes_received"`
}

func statToResponse(s *db.ConnectionStat) connectionStatResponse {
	return connectionStatResponse{
		ID:            s.ID,
		AgentID:       s.AgentID,
		ServiceID:     s.ServiceID,
		Timestamp:     s.Timestamp,
		ClientIP:      s.ClientIP,
		Status:        s.Status,
		Duration:      s.Duration,
		BytesSent:     s.BytesSent,
		BytesReceived: s.BytesReceived,
	}
}

// listStatsResponse wraps a list of recorded flows.
type listStatsResponse struct {
	Items []connectionStatResponse `json:"items"`
	Total int                      `json:"total"`
}

// recentLimit reads the limit query parameter for the recent-flow endpoints.
// Default 100, capped at 1000.
func recentLimit(r *http.Request) int {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}

// Recent handles GET /api/v1/stats/recent: the newest flows across the
// whole fleet.
func (h *StatsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.ListRecent(r.Context(), recentLimit(r))
	if err != nil {
		h.logger.Error("failed to list recent stats", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]connectionStatResponse, len(stats))
	for i := range stats {
		items[i] = statToResponse(&stats[i])
	}
	Ok(w, listStatsResponse{Items: items, Total: len(items)})
}

// ByAgent handles GET /api/v1/stats/agent/{id}: the newest flows recorded
// by one agent.
func (h *StatsHandler) ByAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.agents.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("agent lookup failed", zap.Uint("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	stats, err := h.repo.ListByAgent(r.Context(), id, recentLimit(r))
	if err != nil {
		h.logger.Error("failed to list agent stats", zap.Uint("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]connectionStatResponse, len(stats))
	for i := range stats {
		items[i] = statToResponse(&stats[i])
	}
	Ok(w, listStatsResponse{Items: items, Total: len(items)})
}
