// Package server exposes the toolbridge query engine over HTTP.
//
// The surface is deliberately small: POST /query runs one natural-language
// query through the conversation engine, GET / serves a status document, and
// the usual operational endpoints (/healthz, /readyz, /metrics) hang off the
// same mux. All routes pass through the observability middleware so every
// request carries a trace span and a correlation ID.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/toolbridge/internal/engine"
	"github.com/MrWong99/toolbridge/internal/health"
	"github.com/MrWong99/toolbridge/internal/observe"
)

// QueryService resolves one natural-language query into a final answer.
// Implemented by [engine.Engine]; declared as an interface so handler tests
// can substitute a stub.
type QueryService interface {
	ProcessQuery(ctx context.Context, query string) (string, error)
}

// Server builds the HTTP handler tree for the toolbridge API.
type Server struct {
	svc     QueryService
	health  *health.Handler
	metrics *observe.Metrics

	name    string
	version string
	timeout time.Duration
}

// Option is a functional option for Server.
type Option func(*Server)

// WithHealth registers the given health handler's endpoints on the mux.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics overrides the metrics instance used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithQueryTimeout bounds the processing time of each /query request. Zero
// disables the bound; the request context still aborts in-flight work when
// the caller disconnects.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithVersion sets the version reported by the status document.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New constructs a Server around the given query service.
func New(svc QueryService, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		name:    "toolbridge",
		version: "dev",
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the full route tree wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.health != nil {
		s.health.Register(mux)
	}

	return observe.Middleware(s.metrics)(mux)
}

// queryRequest is the POST /query request body.
type queryRequest struct {
	Query string `json:"query"`
}

// queryResponse is the POST /query success body.
type queryResponse struct {
	Response string `json:"response"`
}

// errorResponse carries a human-readable failure description.
type errorResponse struct {
	Detail string `json:"detail"`
}

// handleRoot serves the service status document.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    s.name,
		"version": s.version,
		"status":  "running",
	})
}

// handleQuery runs one query through the engine.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "query must not be empty"})
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	answer, err := s.svc.ProcessQuery(ctx, req.Query)
	if err != nil {
		var qe *engine.QueryError
		if errors.As(err, &qe) {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: qe.Error()})
			return
		}
		observe.Logger(ctx).Error("query failed with unclassified error", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{Response: answer})
}

// writeJSON serialises v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
