package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/agentmanager"
	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
)

// AssignmentHandler groups the service-assignment handlers. Assignments
// bind services to agents; a NULL agent means the whole fleet.
type AssignmentHandler struct {
	repo     repositories.AssignmentRepository
	services repositories.ServiceRepository
	agents   repositories.AgentRepository
	manager  *agentmanager.Manager
	notifier SyncNotifier
	logger   *zap.Logger
}

// NewAssignmentHandler creates a new AssignmentHandler.
func NewAssignmentHandler(
	repo repositories.AssignmentRepository,
	services repositories.ServiceRepository,
	agents repositories.AgentRepository,
	manager *agentmanager.Manager,
	notifier SyncNotifier,
	logger *zap.Logger,
) *AssignmentHandler {
	return &AssignmentHandler{
		repo:     repo,
		services: services,
		agents:   agents,
		manager:  manager,
		notifier: notifier,
		logger:   logger.Named("assignment_handler"),
	}
}

// assignmentResponse is the JSON representation of an assignment, enriched
// with the service and agent names for display.
type assignmentResponse struct {
	ID          uint      `json:"id"`
	ServiceID   uint      `json:"service_id"`
	AgentID     *uint     `json:"agent_id"`
	Enabled     bool      `json:"enabled"`
	ServiceName string    `json:"service_name,omitempty"`
	AgentName   string    `json:"agent_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// toResponse builds the enriched representation. Name lookups are best
// effort: a missing referent just leaves the name empty.
func (h *AssignmentHandler) toResponse(ctx context.Context, a *db.ServiceAssignment) assignmentResponse {
	resp := assignmentResponse{
		ID:        a.ID,
		ServiceID: a.ServiceID,
		AgentID:   a.AgentID,
		Enabled:   a.Enabled,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if service, err := h.services.GetByID(ctx, a.ServiceID); err == nil {
		resp.ServiceName = service.Name
	}
	if a.AgentID != nil {
		if agent, err := h.agents.GetByID(ctx, *a.AgentID); err == nil {
			resp.AgentName = agent.Hostname
		}
	}
	return resp
}

// assignmentCreateRequest is the JSON body for POST /api/v1/assignments.
// A nil agent_id assigns the service to every agent. Enabled defaults to
// true when omitted.
type assignmentCreateRequest struct {
	ServiceID uint  `json:"service_id"`
	AgentID   *uint `json:"agent_id"`
	Enabled   *bool `json:"enabled"`
}

// Create handles POST /api/v1/assignments.
func (h *AssignmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req assignmentCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.services.GetByID(r.Context(), req.ServiceID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnprocessable(w, "service not found")
			return
		}
		ErrInternal(w)
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

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	assignment := &db.ServiceAssignment{
		ServiceID: req.ServiceID,
		AgentID:   req.AgentID,
		Enabled:   enabled,
	}
	if err := h.repo.Create(r.Context(), assignment); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "service is already assigned to that target")
			return
		}
		h.logger.Error("failed to create assignment", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	Created(w, h.toResponse(r.Context(), assignment))
}

// autoAssignRequest is the JSON body for POST /api/v1/assignments/auto.
type autoAssignRequest struct {
	ServiceID uint `json:"service_id"`
}

// AutoAssign handles POST /api/v1/assignments/auto. The target agent is
// picked round-robin from the healthy fleet, so repeated auto-assignments
// spread services across agents.
func (h *AssignmentHandler) AutoAssign(w http.ResponseWriter, r *http.Request) {
	var req autoAssignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.services.GetByID(r.Context(), req.ServiceID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnprocessable(w, "service not found")
			return
		}
		ErrInternal(w)
		return
	}

	agent, err := h.manager.NextAgent(r.Context())
	if err != nil {
		if errors.Is(err, agentmanager.ErrNoHealthyAgents) {
			ErrUnprocessable(w, "no healthy agents available")
			return
		}
		h.logger.Error("agent selection failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	assignment := &db.ServiceAssignment{
		ServiceID: req.ServiceID,
		AgentID:   &agent.ID,
		Enabled:   true,
	}
	if err := h.repo.Create(r.Context(), assignment); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "service is already assigned to agent "+agent.Hostname)
			return
		}
		h.logger.Error("failed to create assignment", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	Created(w, h.toResponse(r.Context(), assignment))
}

// listAssignmentsResponse wraps a list of assignments.
type listAssignmentsResponse struct {
	Items []assignmentResponse `json:"items"`
	Total int64                `json:"total"`
}

// List handles GET /api/v1/assignments. An optional service_id query
// parameter narrows the list to one service.
func (h *AssignmentHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		assignments []db.ServiceAssignment
		total       int64
		err         error
	)

	if v := r.URL.Query().Get("service_id"); v != "" {
		serviceID, parseErr := strconv.ParseUint(v, 10, 32)
		if parseErr != nil {
			ErrBadRequest(w, "invalid service_id")
			return
		}
		assignments, err = h.repo.ListByService(r.Context(), uint(serviceID))
		total = int64(len(assignments))
	} else {
		assignments, total, err = h.repo.List(r.Context(), paginationOpts(r))
	}
	if err != nil {
		h.logger.Error("failed to list assignments", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]assignmentResponse, len(assignments))
	for i := range assignments {
		items[i] = h.toResponse(r.Context(), &assignments[i])
	}
	Ok(w, listAssignmentsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/assignments/{id}.
func (h *AssignmentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	assignment, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load assignment", zap.Uint("assignment_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, h.toResponse(r.Context(), assignment))
}

// assignmentUpdateRequest is the JSON body for PUT /api/v1/assignments/{id}.
// Only the fields present are changed.
type assignmentUpdateRequest struct {
	AgentID *uint `json:"agent_id"`
	Enabled *bool `json:"enabled"`
}

// Update handles PUT /api/v1/assignments/{id}, retargeting or toggling an
// existing assignment.
func (h *AssignmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req assignmentUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	assignment, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load assignment", zap.Uint("assignment_id", id), zap.Error(err))
		ErrInternal(w)
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
		assignment.AgentID = req.AgentID
	}
	if req.Enabled != nil {
		assignment.Enabled = *req.Enabled
	}

	if err := h.repo.Update(r.Context(), assignment); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "service is already assigned to that target")
			return
		}
		h.logger.Error("failed to update assignment", zap.Uint("assignment_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	Ok(w, h.toResponse(r.Context(), assignment))
}

// Delete handles DELETE /api/v1/assignments/{id}.
func (h *AssignmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete assignment", zap.Uint("assignment_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	NoContent(w)
}

// Enable handles POST /api/v1/assignments/{id}/enable.
func (h *AssignmentHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable handles POST /api/v1/assignments/{id}/disable. The assignment
// survives but its service drops out of the agent's next config.
func (h *AssignmentHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *AssignmentHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.SetEnabled(r.Context(), id, enabled); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to toggle assignment", zap.Uint("assignment_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	Ok(w, envelope{"id": id, "enabled": enabled})
}
