package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/files"
	"github.com/agencydesk/chatcore/internal/hub"
	"github.com/agencydesk/chatcore/internal/ingest"
	"github.com/agencydesk/chatcore/internal/monitoring"
	"github.com/agencydesk/chatcore/internal/rooms"
	"github.com/agencydesk/chatcore/internal/status"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
	"github.com/agencydesk/chatcore/internal/workers"
)

// Pinger covers the broker side of the health check.
type Pinger interface {
	Ping(ctx context.Context) error
	Length(ctx context.Context, stream string) (int64, error)
}

// Server is the HTTP surface: the websocket upgrade, the REST mirror of
// the socket operations, file transfer, health, stats and metrics.
type Server struct {
	http     *http.Server
	logger   zerolog.Logger
	auth     *hub.Authenticator
	hub      *hub.Hub
	pipeline *ingest.Pipeline
	tracker  *status.Tracker
	rooms    *rooms.Registry
	gateway  *store.Gateway
	files    *files.Registry
	broker   Pinger
	fleet    *workers.Supervisor

	startedAt time.Time
}

// New wires the HTTP server. Addr is the listen address.
func New(addr string, logger zerolog.Logger, auth *hub.Authenticator, h *hub.Hub, pipeline *ingest.Pipeline, tracker *status.Tracker, roomReg *rooms.Registry, gateway *store.Gateway, fileReg *files.Registry, broker Pinger, fleet *workers.Supervisor) *Server {
	s := &Server{
		logger:    logger.With().Str("component", "http").Logger(),
		auth:      auth,
		hub:       h,
		pipeline:  pipeline,
		tracker:   tracker,
		rooms:     roomReg,
		gateway:   gateway,
		files:     fileReg,
		broker:    broker,
		fleet:     fleet,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.HandleWS)

	mux.HandleFunc("POST /messages", s.requireAuth(s.handleSendMessage))
	mux.HandleFunc("GET /messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("POST /messages/{id}/read", s.requireAuth(s.handleMarkRead))

	mux.HandleFunc("POST /conversations", s.requireAuth(s.handleCreateConversation))
	mux.HandleFunc("GET /conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("GET /conversations/{id}", s.requireAuth(s.handleGetConversation))
	mux.HandleFunc("POST /conversations/{id}/participants", s.requireAuth(s.handleAddParticipant))
	mux.HandleFunc("DELETE /conversations/{id}/participants/{identity}", s.requireAuth(s.handleRemoveParticipant))

	mux.HandleFunc("POST /files", s.requireAuth(s.handleUploadFile))
	mux.HandleFunc("GET /files/{id}", s.requireAuth(s.handleDownloadFile))
	mux.HandleFunc("DELETE /files/{id}", s.requireAuth(s.handleDeleteFile))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", monitoring.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type identityKey struct{}

// requireAuth authenticates the request and stashes the identity in the
// context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	}
}

func identityFrom(r *http.Request) string {
	id, _ := r.Context().Value(identityKey{}).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Response encode failed")
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrAuth):
		code = http.StatusUnauthorized
	case errors.Is(err, domain.ErrAuthorization):
		code = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrTransientStore),
		errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, domain.ErrTransientBroker):
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

// handleHealth reports component health. Degraded dependencies answer
// 503 so the load balancer rotates the process out.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	brokerOK := s.broker.Ping(ctx) == nil
	storeOK := s.gateway.Ping(ctx) == nil
	breakerState := s.gateway.Breaker().State().String()

	body := map[string]any{
		"status":      "ok",
		"broker":      brokerOK,
		"store":       storeOK,
		"breaker":     breakerState,
		"connections": s.hub.ActiveConnections(),
		"uptime_sec":  int64(time.Since(s.startedAt).Seconds()),
	}
	code := http.StatusOK
	if !brokerOK {
		body["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if !storeOK {
		// Broker up and store down is the degraded mode the pipeline is
		// built for; keep taking traffic.
		body["status"] = "degraded"
	}
	s.writeJSON(w, code, body)
}

// handleStats serves the operational snapshot: worker tallies, breaker
// state, stream depths and connection counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	lengths := make(map[string]int64, len(stream.All()))
	for _, st := range stream.All() {
		n, err := s.broker.Length(ctx, st)
		if err != nil {
			continue
		}
		lengths[st] = n
	}

	mem := monitoring.SampleMemory()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"uptime_sec":  int64(time.Since(s.startedAt).Seconds()),
		"connections": s.hub.ActiveConnections(),
		"breaker":     s.gateway.Breaker().State().String(),
		"workers":     s.fleet.Snapshot(),
		"streams":     lengths,
		"memory": map[string]any{
			"rss_bytes":  mem.RSSBytes,
			"heap_bytes": mem.HeapBytes,
			"goroutines": mem.Goroutines,
		},
	})
}
