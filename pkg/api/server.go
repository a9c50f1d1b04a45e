package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// OriginMode selects where the origin fingerprint of a new lamp comes from.
type OriginMode string

const (
	// OriginModeClient trusts the origin the client supplies.
	OriginModeClient OriginMode = "client"
	// OriginModeRequest replaces it with the request's remote address.
	OriginModeRequest OriginMode = "request"
)

// ParseOriginMode maps a config string to a mode. Empty means client.
func ParseOriginMode(s string) (OriginMode, error) {
	switch OriginMode(s) {
	case "", OriginModeClient:
		return OriginModeClient, nil
	case OriginModeRequest:
		return OriginModeRequest, nil
	default:
		return "", fmt.Errorf("invalid origin mode %q: must be client or request", s)
	}
}

// Config holds the HTTP surface settings.
type Config struct {
	Addr           string
	OriginMode     OriginMode
	TrustProxy     bool
	WriteRate      float64 // writes per second per remote; 0 disables
	WriteBurst     int
	MetricsEnabled bool
	MaxBodyBytes   int64
	Version        string
}

const defaultMaxBodyBytes = 16 << 10

// Server encapsulates the HTTP API server
type Server struct {
	store    lamp.Store
	cfg      Config
	logger   *zap.Logger
	mux      *http.ServeMux
	server   *http.Server
	hub      *Hub
	limiter  *writeLimiter
	validate *validator.Validate

	sub       lamp.Subscription
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewServer wires the routes over st and starts the change hub. Close or
// Stop releases the store subscription.
func NewServer(st lamp.Store, cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OriginMode == "" {
		cfg.OriginMode = OriginModeClient
	}
	if _, err := ParseOriginMode(string(cfg.OriginMode)); err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	// Use default port if addr is empty
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}

	s := &Server{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		hub:      NewHub(logger),
		validate: lamp.NewValidator(),
	}
	if cfg.WriteRate > 0 {
		s.limiter = newWriteLimiter(cfg.WriteRate, cfg.WriteBurst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := st.Subscribe(s.hub.Notify)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to store changes: %w", err)
	}
	s.sub = sub
	s.cancel = cancel
	go s.hub.Run(ctx)

	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/lamps", s.handleListLamps)
	s.mux.HandleFunc("POST /v1/lamps", s.withWriteLimit(s.handleCreateLamp))
	s.mux.HandleFunc("GET /v1/lamps/count", s.handleCountLamps)
	s.mux.HandleFunc("GET /v1/edges", s.handleListEdges)
	s.mux.HandleFunc("POST /v1/edges", s.withWriteLimit(s.handleCreateEdge))
	s.mux.HandleFunc("GET /v1/origins/{origin}", s.handleOrigin)
	s.mux.HandleFunc("GET /v1/self/origin", s.handleOriginSelf)
	s.mux.HandleFunc("POST /v1/invites/resolve", s.handleResolveInvite)
	s.mux.HandleFunc("GET /v1/changes", s.hub.ServeWS)

	if cfg.MetricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Middleware: Logging, Panic Recovery, Security Headers
	handler := withLogging(logger, withRecovery(logger, withSecureHeaders(s.mux)))

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return s, nil
}

// Mount registers an extra handler, such as the embedded tile proxy.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Hub returns the change hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("server_starting", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server_stopping")
	s.Close()
	return s.server.Shutdown(ctx)
}

// Close cancels the store subscription and disconnects change clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.sub.Cancel()
		s.cancel()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: s.cfg.Version})
}

func (s *Server) handleListLamps(w http.ResponseWriter, r *http.Request) {
	lamps, err := s.store.ListLamps(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]lamp.Lamp, 0, len(lamps))
	for _, l := range lamps {
		out = append(out, l.Public())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateLamp(w http.ResponseWriter, r *http.Request) {
	var req CreateLampRequest
	if !s.decode(w, r, &req) {
		return
	}

	in := lamp.NewLamp{
		Coordinates: req.Coordinates,
		Message:     req.Message,
		Origin:      req.Origin,
		DeviceID:    req.DeviceID,
	}
	if s.cfg.OriginMode == OriginModeRequest {
		in.Origin = remoteOrigin(r, s.cfg.TrustProxy)
	}

	l, err := s.store.CreateLamp(r.Context(), in)
	LampsCreatedTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("lamp_created",
		zap.String("trace_id", getTraceID(r.Context())),
		zap.String("lamp_id", l.ID),
	)
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleCountLamps(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CountLamps(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	edges, err := s.store.ListEdges(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if edges == nil {
		edges = []lamp.Edge{}
	}
	writeJSON(w, http.StatusOK, edges)
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var req CreateEdgeRequest
	if !s.decode(w, r, &req) {
		return
	}

	e, err := s.store.CreateEdge(r.Context(), req.ParentID, req.ChildID)
	EdgesCreatedTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleOriginSelf checks the caller's own network origin. It lives outside
// /v1/origins so every value there is a stored origin.
func (s *Server) handleOriginSelf(w http.ResponseWriter, r *http.Request) {
	origin := remoteOrigin(r, s.cfg.TrustProxy)
	ok, err := s.store.HasOrigin(r.Context(), origin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OriginResponse{Origin: origin, Contributed: ok})
}

func (s *Server) handleOrigin(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.PathValue("origin"))
	if origin == "" {
		s.writeError(w, r, &lamp.ValidationError{Field: "origin", Reason: "is required"})
		return
	}
	ok, err := s.store.HasOrigin(r.Context(), origin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OriginResponse{Origin: origin, Contributed: ok})
}

func (s *Server) handleResolveInvite(w http.ResponseWriter, r *http.Request) {
	var req ResolveInviteRequest
	if !s.decode(w, r, &req) {
		return
	}

	l, err := s.store.LookupLamp(r.Context(), req.LampID, req.Token)
	if errors.Is(err, lamp.ErrNotFound) {
		http.Error(w, `{"error":"invalid_invite"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lamp.ParentRef{ID: l.ID, Coordinates: l.Coordinates})
}

// decode reads a size-limited JSON body into dst and validates its tags.
// It writes the error response itself and reports whether to continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error":"request_too_large"}`, http.StatusRequestEntityTooLarge)
			return false
		}
		s.writeError(w, r, &lamp.ValidationError{Field: "body", Reason: "must be valid JSON"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, r, lamp.ValidationErrorFrom(err, "body"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed",
			zap.String("trace_id", getTraceID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

// classify maps a store error to its HTTP status and body. A nil error
// yields status 0.
func classify(err error) (int, ErrorResponse) {
	if err == nil {
		return 0, ErrorResponse{}
	}
	var verr *lamp.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Field: verr.Field, Reason: verr.Reason}
	case errors.Is(err, lamp.ErrDuplicateOrigin):
		return http.StatusConflict, ErrorResponse{Error: "duplicate_origin"}
	case errors.Is(err, lamp.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not_found"}
	case errors.Is(err, lamp.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "store_unavailable"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal_server_error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
