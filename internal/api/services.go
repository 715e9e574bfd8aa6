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

// ServiceHandler groups the service CRUD handlers.
type ServiceHandler struct {
	repo     repositories.ServiceRepository
	notifier SyncNotifier
	logger   *zap.Logger
}

// NewServiceHandler creates a new ServiceHandler.
func NewServiceHandler(repo repositories.ServiceRepository, notifier SyncNotifier, logger *zap.Logger) *ServiceHandler {
	return &ServiceHandler{
		repo:     repo,
		notifier: notifier,
		logger:   logger.Named("service_handler"),
	}
}

// serviceResponse is the JSON representation of a service.
type serviceResponse struct {
	ID          uint           `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ListenPort  int            `json:"listen_port"`
	BackendHost string         `json:"backend_host"`
	BackendPort int            `json:"backend_port"`
	Protocol    types.Protocol `json:"protocol"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// serviceToResponse converts a db.Service to a serviceResponse.
func serviceToResponse(s *db.Service) serviceResponse {
	return serviceResponse{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		ListenPort:  s.ListenPort,
		BackendHost: s.BackendHost,
		BackendPort: s.BackendPort,
		Protocol:    s.Protocol,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// serviceRequest is the JSON body for creating or replacing a service.
type serviceRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ListenPort  int            `json:"listen_port"`
	BackendHost string         `json:"backend_host"`
	BackendPort int            `json:"backend_port"`
	Protocol    types.Protocol `json:"protocol"`
}

// validate normalizes and checks the request, returning a message for the
// first failed check. An empty protocol defaults to tcp.
func (req *serviceRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if req.Protocol == "" {
		req.Protocol = types.ProtocolTCP
	}
	if !req.Protocol.Valid() {
		return "protocol must be tcp or udp"
	}
	if req.ListenPort < 1 || req.ListenPort > 65535 {
		return "listen_port must be between 1 and 65535"
	}
	if req.BackendHost == "" {
		return "backend_host is required"
	}
	if req.BackendPort < 1 || req.BackendPort > 65535 {
		return "backend_port must be between 1 and 65535"
	}
	return ""
}

// Create handles POST /api/v1/services.
func (h *ServiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		ErrUnprocessable(w, msg)
		return
	}

	service := &db.Service{
		Name:        req.Name,
		Description: req.Description,
		ListenPort:  req.ListenPort,
		BackendHost: req.BackendHost,
		BackendPort: req.BackendPort,
		Protocol:    req.Protocol,
	}
	if err := h.repo.Create(r.Context(), service); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a service with that name or listen port already exists")
			return
		}
		h.logger.Error("failed to create service", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	Created(w, serviceToResponse(service))
}

// listServicesResponse wraps a paginated list of services.
type listServicesResponse struct {
	Items []serviceResponse `json:"items"`
	Total int64             `json:"total"`
}

// List handles GET /api/v1/services.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	services, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list services", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]serviceResponse, len(services))
	for i := range services {
		items[i] = serviceToResponse(&services[i])
	}
	Ok(w, listServicesResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/services/{id}.
func (h *ServiceHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	service, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load service", zap.Uint("service_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, serviceToResponse(service))
}

// Update handles PUT /api/v1/services/{id}. A full replace: all fields of
// the request body overwrite the stored service.
func (h *ServiceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req serviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		ErrUnprocessable(w, msg)
		return
	}

	service, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load service", zap.Uint("service_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	service.Name = req.Name
	service.Description = req.Description
	service.ListenPort = req.ListenPort
	service.BackendHost = req.BackendHost
	service.BackendPort = req.BackendPort
	service.Protocol = req.Protocol

	if err := h.repo.Update(r.Context(), service); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a service with that name or listen port already exists")
			return
		}
		h.logger.Error("failed to update service", zap.Uint("service_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	Ok(w, serviceToResponse(service))
}

// Delete handles DELETE /api/v1/services/{id}. Assignments of the service
// are removed by the schema's cascade.
func (h *ServiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete service", zap.Uint("service_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.notifier.Broadcast()
	NoContent(w)
}
