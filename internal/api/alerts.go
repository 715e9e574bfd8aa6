package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// AlertHandler groups the alert handlers. Alerts are created by agents (a
// firewall interface that would not resolve, a backend that keeps refusing)
// and acknowledged by operators.
type AlertHandler struct {
	repo   repositories.AlertRepository
	agents repositories.AgentRepository
	logger *zap.Logger
}

// NewAlertHandler creates a new AlertHandler.
func NewAlertHandler(repo repositories.AlertRepository, agents repositories.AgentRepository, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		repo:   repo,
		agents: agents,
		logger: logger.Named("alert_handler"),
	}
}

// alertResponse is the JSON representation of an alert, enriched with the
// originating agent's hostname for display.
type alertResponse struct {
	ID            uint                `json:"id"`
	AlertType     string              `json:"alert_type"`
	Severity      types.AlertSeverity `json:"severity"`
	SourceIP      string              `json:"source_ip,omitempty"`
	Port          *int                `json:"port,omitempty"`
	Interface     string              `json:"interface,omitempty"`
	Description   string              `json:"description"`
	AgentID       *uint               `json:"agent_id"`
	AgentHostname string              `json:"agent_hostname,omitempty"`
	Acknowledged  bool                `json:"acknowledged"`
	CreatedAt     time.Time           `json:"created_at"`
}

// toResponse builds the enriched representation. The hostname lookup is best
// effort: a deleted agent just leaves it empty.
func (h *AlertHandler) toResponse(ctx context.Context, a *db.Alert) alertResponse {
	resp := alertResponse{
		ID:           a.ID,
		AlertType:    a.AlertType,
		Severity:     a.Severity,
		SourceIP:     a.SourceIP,
		Port:         a.Port,
		Interface:    a.Interface,
		Description:  a.Description,
		AgentID:      a.AgentID,
		Acknowledged: a.Acknowledged,
		CreatedAt:    a.CreatedAt,
	}
	if a.AgentID != nil {
		if agent, err := h.agents.GetByID(ctx, *a.AgentID); err == nil {
			resp.AgentHostname = agent.Hostname
		}
	}
	return resp
}

// Create handles POST /api/v1/alerts. Severity defaults to warning.
func (h *AlertHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.AlertCreate
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AlertType == "" {
		ErrUnprocessable(w, "alert_type is required")
		return
	}
	if req.Description == "" {
		ErrUnprocessable(w, "description is required")
		return
	}
	if req.Severity == "" {
		req.Severity = types.AlertSeverityWarning
	}
	switch req.Severity {
	case types.AlertSeverityInfo, types.AlertSeverityWarning, types.AlertSeverityCritical:
	default:
		ErrUnprocessable(w, "severity must be info, warning or critical")
		return
	}
	if req.AgentID != nil {
		if _, err := h.agents.GetByID(r.Context(), *req.AgentID); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				ErrUnprocessable(w, "agent not found")
				return
			}
			ErrInternal(w)
			return
		}
	}

	alert := &db.Alert{
		AlertType:   req.AlertType,
		Severity:    req.Severity,
		SourceIP:    req.SourceIP,
		Port:        req.Port,
		Interface:   req.Interface,
		Description: req.Description,
		AgentID:     req.AgentID,
	}
	if err := h.repo.Create(r.Context(), alert); err != nil {
		h.logger.Error("failed to create alert", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("alert created",
		zap.String("alert_type", alert.AlertType),
		zap.String("severity", string(alert.Severity)))
	Created(w, h.toResponse(r.Context(), alert))
}

// listAlertsResponse wraps a paginated list of alerts.
type listAlertsResponse struct {
	Items []alertResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/alerts. Passing unacknowledged_only=true narrows
// the list to open alerts.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	unackedOnly := r.URL.Query().Get("unacknowledged_only") == "true"

	alerts, total, err := h.repo.List(r.Context(), paginationOpts(r), unackedOnly)
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]alertResponse, len(alerts))
	for i := range alerts {
		items[i] = h.toResponse(r.Context(), &alerts[i])
	}
	Ok(w, listAlertsResponse{Items: items, Total: total})
}

// Counts handles GET /api/v1/alerts/counts: open alerts tallied per
// severity, plus the total.
func (h *AlertHandler) Counts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.repo.CountsBySeverity(r.Context())
	if err != nil {
		h.logger.Error("failed to count alerts", zap.Error(err))
		ErrInternal(w)
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	Ok(w, envelope{"counts": counts, "total": total})
}

// GetByID handles GET /api/v1/alerts/{id}.
func (h *AlertHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	alert, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load alert", zap.Uint("alert_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, h.toResponse(r.Context(), alert))
}

// Acknowledge handles POST /api/v1/alerts/{id}/acknowledge.
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Acknowledge(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to acknowledge alert", zap.Uint("alert_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"id": id, "acknowledged": true})
}

// AcknowledgeAll handles POST /api/v1/alerts/acknowledge-all.
func (h *AlertHandler) AcknowledgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.repo.AcknowledgeAll(r.Context())
	if err != nil {
		h.logger.Error("failed to acknowledge alerts", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"acknowledged": n})
}

// Delete handles DELETE /api/v1/alerts/{id}.
func (h *AlertHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete alert", zap.Uint("alert_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
