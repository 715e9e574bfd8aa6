// Package controlapi is the agent's inbound HTTP surface, bound to the
// overlay (WireGuard) address only so it is reachable by the controller but
// never from the public interface. The controller POSTs /trigger-sync here
// after config mutations.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Syncer triggers an immediate config sync.
type Syncer interface {
	ForceSync(ctx context.Context) error
}

// Server is the control API HTTP server.
type Server struct {
	addr           string
	syncer         Syncer
	metricsHandler http.Handler // may be nil
	logger         *zap.Logger

	srv *http.Server
	ln  net.Listener
}

// New creates a Server listening on the given overlay IP and port.
func New(overlayIP string, port int, syncer Syncer, metricsHandler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		addr:           net.JoinHostPort(overlayIP, fmt.Sprintf("%d", port)),
		syncer:         syncer,
		metricsHandler: metricsHandler,
		logger:         logger.Named("controlapi"),
	}
}

// Start binds the listener and serves in a background goroutine. A bind
// failure is returned immediately; without the control API the agent still
// works, it just never sees push syncs.
func (s *Server) Start() error {
	r := chi.NewRouter()
	r.Post("/trigger-sync", s.handleTriggerSync)
	r.Get("/health", s.handleHealth)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("controlapi: listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control api server failed", zap.Error(err))
		}
	}()

	s.logger.Info("control api listening", zap.String("addr", s.addr))
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("sync trigger received")
	if err := s.syncer.ForceSync(r.Context()); err != nil {
		s.logger.Error("triggered sync failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "sync triggered",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
