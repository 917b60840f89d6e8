package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/devherd/herd/pkg/connection"
	"github.com/devherd/herd/pkg/dispatch"
	"github.com/devherd/herd/pkg/events"
	"github.com/devherd/herd/pkg/lifecycle"
	"github.com/devherd/herd/pkg/log"
	"github.com/devherd/herd/pkg/registry"
	"github.com/devherd/herd/pkg/storage"
	"github.com/devherd/herd/pkg/types"
	"github.com/rs/zerolog"
)

// Server exposes the coordinator's REST API and the device channel endpoint
type Server struct {
	store      storage.Store
	registry   *registry.Registry
	conns      *connection.Manager
	dispatcher *dispatch.Dispatcher
	tracker    *lifecycle.Tracker
	broker     *events.Broker

	defaultMaxRetries int

	httpServer *http.Server
	logger     zerolog.Logger
}

// Config holds server dependencies
type Config struct {
	Store             storage.Store
	Registry          *registry.Registry
	Connections       *connection.Manager
	Dispatcher        *dispatch.Dispatcher
	Tracker           *lifecycle.Tracker
	Broker            *events.Broker
	DefaultMaxRetries int
}

// NewServer creates the API server
func NewServer(cfg Config) *Server {
	maxRetries := cfg.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = types.DefaultMaxRetries
	}
	return &Server{
		store:             cfg.Store,
		registry:          cfg.Registry,
		conns:             cfg.Connections,
		dispatcher:        cfg.Dispatcher,
		tracker:           cfg.Tracker,
		broker:            cfg.Broker,
		defaultMaxRetries: maxRetries,
		logger:            log.WithComponent("server"),
	}
}

// Start starts the HTTP server and blocks until it exits
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Device auth surface
	mux.HandleFunc("POST /auth/device/register", s.handleRegister)
	mux.HandleFunc("POST /auth/device/login", s.handleLogin)
	mux.Handle("POST /auth/device/heartbeat", s.authenticated(s.handleHeartbeat))

	// Task lifecycle surface
	mux.Handle("PUT /tasks/{taskId}/status", s.authenticated(s.handleTaskStatus))

	// Admin surface for the task-authoring collaborator and operators
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{taskId}", s.handleGetTask)
	mux.HandleFunc("GET /devices", s.handleListDevices)
	mux.HandleFunc("POST /devices/{deviceId}/command", s.handleDeviceCommand)
	mux.HandleFunc("POST /broadcast", s.handleBroadcast)

	// Persistent device channel
	mux.Handle("GET /ws", s.authenticated(s.handleChannel))

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}

type contextKey string

const deviceIDKey contextKey = "deviceID"

// authenticated resolves the bearer credential and stores the device id on
// the request context. Failures are fatal to the call, not the connection.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		deviceID, err := s.registry.ValidateToken(token)
		if err != nil {
			// An expired credential also forces the device's channel down so
			// the device notices and re-logs in rather than heartbeating into
			// a dead session.
			if owner, ok := s.registry.TokenOwner(token); ok {
				s.conns.Disconnect(owner)
			}
			s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
		next(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func callerDeviceID(r *http.Request) string {
	id, _ := r.Context().Value(deviceIDKey).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

// writeDomainError maps domain errors onto the HTTP contract
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrUnauthorized):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, types.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrUnsupportedTaskType):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
