package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/repositories"
)

// BlocklistHandler groups the IP blocklist handlers. Entries are addressed
// by IP rather than record ID because that is how operators think about
// them: block 1.2.3.4, unblock 1.2.3.4.
type BlocklistHandler struct {
	repo     repositories.BlocklistRepository
	notifier SyncNotifier
	logger   *zap.Logger
}

// NewBlocklistHandler creates a new BlocklistHandler.
func NewBlocklistHandler(repo repositories.BlocklistRepository, notifier SyncNotifier, logger *zap.Logger) *BlocklistHandler {
	return &BlocklistHandler{
		repo:     repo,
		notifier: notifier,
		logger:   logger.Named("blocklist_handler"),
	}
}

// blocklistEntryResponse is the JSON representation of a blocklist entry.
type blocklistEntryResponse struct {
	ID        uint      `json:"id"`
	IP        string    `json:"ip"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func entryToResponse(e *db.BlocklistEntry) blocklistEntryResponse {
	return blocklistEntryResponse{
		ID:        e.ID,
		IP:        e.IP,
		Reason:    e.Reason,
		CreatedAt: e.CreatedAt,
	}
}

// blockRequest is the JSON body for POST /api/v1/blocklist.
type blockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// Create handles POST /api/v1/blocklist.
func (h *BlocklistHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if net.ParseIP(req.IP) == nil {
		ErrUnprocessable(w, "ip must be a valid IPv4 or IPv6 address")
		return
	}

	entry := &db.BlocklistEntry{IP: req.IP, Reason: req.Reason}
	if err := h.repo.Create(r.Context(), entry); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "ip is already blocked")
			return
		}
		h.logger.Error("failed to block ip", zap.String("ip", req.IP), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("ip blocked", zap.String("ip", req.IP), zap.String("reason", req.Reason))
	h.notifier.Broadcast()
	Created(w, entryToResponse(entry))
}

// listBlocklistResponse wraps a paginated list of blocklist entries.
type listBlocklistResponse struct {
	Items []blocklistEntryResponse `json:"items"`
	Total int64                    `json:"total"`
}

// List handles GET /api/v1/blocklist.
func (h *BlocklistHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list blocklist", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]blocklistEntryResponse, len(entries))
	for i := range entries {
		items[i] = entryToResponse(&entries[i])
	}
	Ok(w, listBlocklistResponse{Items: items, Total: total})
}

// Check handles GET /api/v1/blocklist/check/{ip}, reporting whether an IP
// is currently blocked without mutating anything.
func (h *BlocklistHandler) Check(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		ErrBadRequest(w, "invalid ip address")
		return
	}

	entry, err := h.repo.GetByIP(r.Context(), ip)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Ok(w, envelope{"ip": ip, "blocked": false})
			return
		}
		h.logger.Error("blocklist check failed", zap.String("ip", ip), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"ip": ip, "blocked": true, "reason": entry.Reason})
}

// Delete handles DELETE /api/v1/blocklist/{ip}.
func (h *BlocklistHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		ErrBadRequest(w, "invalid ip address")
		return
	}

	if err := h.repo.DeleteByIP(r.Context(), ip); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to unblock ip", zap.String("ip", ip), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("ip unblocked", zap.String("ip", ip))
	h.notifier.Broadcast()
	NoContent(w)
}
