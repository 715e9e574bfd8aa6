package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/agentmanager"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// AgentHandler groups the agent lifecycle HTTP handlers. All business logic
// lives in the agent manager; the handler only translates HTTP.
type AgentHandler struct {
	manager *agentmanager.Manager
	logger  *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(manager *agentmanager.Manager, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		manager: manager,
		logger:  logger.Named("agent_handler"),
	}
}

// Register handles POST /api/v1/agents/register.
// An unknown overlay IP creates a new agent (201); a known one updates the
// existing record in place and returns it (200).
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req types.AgentRegistration
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Hostname == "" || req.WireguardIP == "" {
		ErrBadRequest(w, "hostname and wireguard_ip are required")
		return
	}

	info, created, err := h.manager.Register(r.Context(), req)
	if err != nil {
		h.logger.Error("agent registration failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if created {
		Created(w, info)
		return
	}
	Ok(w, info)
}

// Heartbeat handles POST /api/v1/agents/{id}/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req types.AgentHeartbeat
	if !decodeJSON(w, r, &req) {
		return
	}

	info, err := h.manager.Heartbeat(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, agentmanager.ErrAgentNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("heartbeat failed", zap.Uint("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, info)
}

// Config handles GET /api/v1/agents/{id}/config.
// Returns the coherent desired-state view the agent applies.
func (h *AgentHandler) Config(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	cfg, err := h.manager.BuildConfig(r.Context(), id)
	if err != nil {
		if errors.Is(err, agentmanager.ErrAgentNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("config assembly failed", zap.Uint("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, cfg)
}

// listAgentsResponse wraps the agent list.
type listAgentsResponse struct {
	Items []types.AgentInfo `json:"items"`
	Total int               `json:"total"`
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.manager.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listAgentsResponse{Items: agents, Total: len(agents)})
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	info, err := h.manager.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, agentmanager.ErrAgentNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load agent", zap.Uint("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, info)
}

// Delete handles DELETE /api/v1/agents/{id}.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.manager.Delete(r.Context(), id); err != nil {
		if errors.Is(err, agentmanager.ErrAgentNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete agent", zap.Uint("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// idParam extracts and parses a numeric URL parameter. Returns false after
// writing a 400 response if the value is not a positive integer.
func idParam(w http.ResponseWriter, r *http.Request, param string) (uint, bool) {
	raw := chi.URLParam(r, param)
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || n == 0 {
		ErrBadRequest(w, "invalid "+param+": must be a positive integer")
		return 0, false
	}
	return uint(n), true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}
