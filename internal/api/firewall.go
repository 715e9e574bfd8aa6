package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// FirewallHandler groups the firewall-rule CRUD handlers.
type FirewallHandler struct {
	repo     repositories.FirewallRepository
	agents   repositories.AgentRepository
	notifier SyncNotifier
	logger   *zap.Logger
}

// NewFirewallHandler creates a new FirewallHandler.
func NewFirewallHandler(
	repo repositories.FirewallRepository,
	agents repositories.AgentRepository,
	notifier SyncNotifier,
	logger *zap.Logger,
) *FirewallHandler {
	return &FirewallHandler{
		repo:     repo,
		agents:   agents,
		notifier: notifier,
		logger:   logger.Named("firewall_handler"),
	}
}

// firewallRuleResponse is the JSON representation of a firewall rule.
type firewallRuleResponse struct {
	ID          uint                 `json:"id"`
	Port        int                  `json:"port"`
	Protocol    types.Protocol       `json:"protocol"`
	Interface   string               `json:"interface"`
	Action      types.FirewallAction `json:"action"`
	Description string               `json:"description,omitempty"`
	Enabled     bool                 `json:"enabled"`
	AgentID     *uint                `json:"agent_id"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func ruleToResponse(rule *db.FirewallRule) firewallRuleResponse {
	return firewallRuleResponse{
		ID:          rule.ID,
		Port:        rule.Port,
		Protocol:    rule.Protocol,
		Interface:   rule.Interface,
		Action:      rule.Action,
		Description: rule.Description,
		Enabled:     rule.Enabled,
		AgentID:     rule.AgentID,
		CreatedAt:   rule.CreatedAt,
		UpdatedAt:   rule.UpdatedAt,
	}
}

// firewallRuleRequest is the JSON body for creating or replacing a firewall
// rule. Enabled defaults to true when omitted on create.
type firewallRuleRequest struct {
	Port        int                  `json:"port"`
	Protocol    types.Protocol       `json:"protocol"`
	Interface   string               `json:"interface"`
	Action      types.FirewallAction `json:"action"`
	Description string               `json:"description"`
	Enabled     *bool                `json:"enabled"`
	AgentID     *uint                `json:"agent_id"`
}

// validate normalizes and checks the request, returning a message for the
// first failed check.
func (req *firewallRuleRequest) validate() string {
	if req.Port < 1 || req.Port > 65535 {
		return "port must be between 1 and 65535"
	}
	if req.Protocol == "" {
		req.Protocol = types.ProtocolTCP
	}
	if !req.Protocol.Valid() {
		return "protocol must be tcp or udp"
	}
	if req.Interface == "" {
		return "interface is required"
	}
	if !req.Action.Valid() {
		return "action must be allow or block"
	}
	return ""
}

// checkAgent verifies that a non-nil agent_id names an existing agent.
// Returns false after writing the response on failure.
func (h *FirewallHandler) checkAgent(w http.ResponseWriter, r *http.Request, agentID *uint) bool {
	if agentID == nil {
		return true
	}
	if _, err := h.agents.GetByID(r.Context(), *agentID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnprocessable(w, "agent not found")
			return false
		}
		h.logger.Error("agent lookup failed", zap.Uint("agent_id", *agentID), zap.Error(err))
		ErrInternal(w)
		return false
	}
	return true
}

// Create handles POST /api/v1/firewall.
func (h *FirewallHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req firewallRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		ErrUnprocessable(w, msg)
		return
	}
	if !h.checkAgent(w, r, req.AgentID) {
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := &db.FirewallRule{
		Port:        req.Port,
		Protocol:    req.Protocol,
		Interface:   req.Interface,
		Action:      req.Action,
		Description: req.Description,
		Enabled:     enabled,
		AgentID:     req.AgentID,
	}
	if err := h.repo.Create(r.Context(), rule); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a rule for that port, protocol and interface already exists")
			return
		}
		h.logger.Error("failed to create firewall rule", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	Created(w, ruleToResponse(rule))
}

// listFirewallResponse wraps a paginated list of firewall rules.
type listFirewallResponse struct {
	Items []firewallRuleResponse `json:"items"`
	Total int64                  `json:"total"`
}

// List handles GET /api/v1/firewall.
func (h *FirewallHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list firewall rules", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]firewallRuleResponse, len(rules))
	for i := range rules {
		items[i] = ruleToResponse(&rules[i])
	}
	Ok(w, listFirewallResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/firewall/{id}.
func (h *FirewallHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	rule, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load firewall rule", zap.Uint("rule_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, ruleToResponse(rule))
}

// Update handles PUT /api/v1/firewall/{id}. A full replace, except that an
// omitted enabled keeps the stored value.
func (h *FirewallHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req firewallRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		ErrUnprocessable(w, msg)
		return
	}
	if !h.checkAgent(w, r, req.AgentID) {
		return
	}

	rule, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load firewall rule", zap.Uint("rule_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	rule.Port = req.Port
	rule.Protocol = req.Protocol
	rule.Interface = req.Interface
	rule.Action = req.Action
	rule.Description = req.Description
	rule.AgentID = req.AgentID
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	if err := h.repo.Update(r.Context(), rule); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a rule for that port, protocol and interface already exists")
			return
		}
		h.logger.Error("failed to update firewall rule", zap.Uint("rule_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	Ok(w, ruleToResponse(rule))
}

// Delete handles DELETE /api/v1/firewall/{id}.
func (h *FirewallHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete firewall rule", zap.Uint("rule_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	NoContent(w)
}

// Enable handles POST /api/v1/firewall/{id}/enable.
func (h *FirewallHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable handles POST /api/v1/firewall/{id}/disable. The rule stays in the
// database but drops out of agent configs until re-enabled.
func (h *FirewallHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *FirewallHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.SetEnabled(r.Context(), id, enabled); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to toggle firewall rule", zap.Uint("rule_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	Ok(w, envelope{"id": id, "enabled": enabled})
}
