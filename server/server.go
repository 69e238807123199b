// Package server exposes the websocket gateway and the instance's HTTP
// endpoints, and owns the order of a graceful shutdown.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/aggregation"
	"github.com/abdelmounim-dev/metrics-pooler/broker"
	"github.com/abdelmounim-dev/metrics-pooler/config"
	"github.com/abdelmounim-dev/metrics-pooler/health"
	"github.com/abdelmounim-dev/metrics-pooler/room"
	"github.com/abdelmounim-dev/metrics-pooler/session"
	"github.com/abdelmounim-dev/metrics-pooler/websocket"
)

const maxBodyBytes = 64 << 10

// Emitter accepts metric updates from producers.
type Emitter interface {
	EmitUpdate(ctx context.Context, u aggregation.Update) error
}

// Hub is the part of the fan-out hub the server drives.
type Hub interface {
	Evict(ctx context.Context, tenantID, userID, reason string) error
	Stop()
}

type Options struct {
	Config    config.ServerConfig
	WebSocket http.HandlerFunc
	Manager   *websocket.ClientManager
	Rooms     *room.Registry
	Hub       Hub
	Emitter   Emitter
	Presence  session.Store
	Health    *health.HealthChecker
	Broker    broker.MessageBroker
	Log       *zap.Logger
}

type Server struct {
	httpServer *http.Server
	opts       Options
	log        *zap.Logger
}

func NewServer(opts Options) *Server {
	s := &Server{
		opts: opts,
		log:  opts.Log.With(zap.String("module", "server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", opts.WebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/emit", s.authorized(s.handleEmit))
	mux.HandleFunc("POST /v1/evict", s.authorized(s.handleEvict))
	mux.HandleFunc("GET /v1/presence/{tenantId}", s.authorized(s.handlePresence))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(opts.Config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(opts.Config.WriteTimeout) * time.Second,
	}
	return s
}

// Handler returns the routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, stops the fan-out, closes every
// websocket with CloseGoingAway and waits for the connection goroutines
// before closing the broker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.opts.Hub != nil {
		s.opts.Hub.Stop()
	}
	s.opts.Manager.CloseAllConnections("server shutting down")
	if err := s.opts.Manager.WaitForCompletion(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for connections: %w", err))
	}
	if s.opts.Broker != nil {
		if err := s.opts.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.log.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	s.log.Info("shutdown complete")
	return nil
}

// authorized guards the /v1 endpoints with the configured bearer token. With
// no token configured they are disabled.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.opts.Config.EmitToken
		if token == "" {
			http.NotFound(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rooms := 0
	if s.opts.Rooms != nil {
		rooms = s.opts.Rooms.Rooms()
	}
	report := s.opts.Health.Report(r.Context(), s.opts.Manager.Count(), rooms)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var update aggregation.Update
	if err := decodeBody(w, r, &update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Emitter.EmitUpdate(r.Context(), update); err != nil {
		if errors.Is(err, aggregation.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("emit failed", zap.String("tenant_id", update.TenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "emit failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// EvictRequest is the body of POST /v1/evict. An empty UserID evicts every
// connection of the tenant.
type EvictRequest struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	var req EvictRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenantId is required")
		return
	}
	if err := s.opts.Hub.Evict(r.Context(), req.TenantID, req.UserID, req.Reason); err != nil {
		s.log.Error("evict broadcast failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "evict broadcast failed")
		return
	}
	s.log.Info("eviction requested", zap.String("tenant_id", req.TenantID), zap.String("user_id", req.UserID))
	w.WriteHeader(http.StatusAccepted)
}

// PresenceResponse lists the live connections of a tenant across instances.
type PresenceResponse struct {
	TenantID string            `json:"tenantId"`
	Sessions []session.Session `json:"sessions"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.opts.Presence == nil {
		writeError(w, http.StatusNotImplemented, "presence is not enabled")
		return
	}
	tenantID := r.PathValue("tenantId")
	sessions, err := s.opts.Presence.ListTenant(r.Context(), tenantID)
	if err != nil {
		s.log.Error("presence lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "presence store unavailable")
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, PresenceResponse{TenantID: tenantID, Sessions: sessions})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
