// Package api provides the HTTP handlers for the embedbatch proxy.
//
// # Endpoints
//
//   - POST /embed  - submit one or several text inputs for embedding
//   - GET  /health - liveness check
//   - GET  /stats  - process and dispatcher diagnostics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/embedbatch/internal/diagnostics"
	"github.com/pilot-net/embedbatch/internal/dispatcher"
	"github.com/pilot-net/embedbatch/internal/gateway"
)

// Submitter is the subset of *gateway.Gateway the HTTP surface depends
// on.
type Submitter interface {
	Submit(ctx context.Context, requestID string, inputs []string) (dispatcher.Result, error)
}

// StatsProvider supplies the diagnostic snapshot for GET /stats.
type StatsProvider interface {
	Collect() diagnostics.Snapshot
}

// Server is the HTTP API server.
type Server struct {
	gateway            Submitter
	stats              StatsProvider
	maxInferenceInputs int
	logger             *slog.Logger
	mux                *http.ServeMux
}

// NewServer creates a new API server and registers its routes.
func NewServer(gw Submitter, stats StatsProvider, maxInferenceInputs int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gateway:            gw,
		stats:              stats,
		maxInferenceInputs: maxInferenceInputs,
		logger:             logger.With("component", "api"),
		mux:                http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /embed", s.handleEmbed)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("/", s.handleNotFound)
}

// ServeHTTP implements http.Handler. It logs request duration the same
// way the control-plane's Server wrapper does.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

// embedRequestBody is decoded with a pointer Inputs field so a missing
// "inputs" key (422) can be told apart from a present-but-empty array
// (400).
type embedRequestBody struct {
	Inputs *[]string `json:"inputs"`
}

type embedResponseBody struct {
	Embeddings [][]float32           `json:"embeddings"`
	BatchInfo  *dispatcher.BatchInfo `json:"batch_info,omitempty"`
}

type errorResponseBody struct {
	Error string `json:"error"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" && ct != "application/json; charset=utf-8" {
		s.writeError(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	var body embedRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	if body.Inputs == nil {
		s.writeError(w, http.StatusUnprocessableEntity, "`inputs` is required")
		return
	}

	inputs := *body.Inputs
	if len(inputs) == 0 {
		s.writeError(w, http.StatusBadRequest, "`inputs` can't be empty")
		return
	}

	if len(inputs) > s.maxInferenceInputs {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("`inputs` exceeds max_inference_inputs (%d)", s.maxInferenceInputs))
		return
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	result, err := s.gateway.Submit(r.Context(), requestID, inputs)
	if err != nil {
		s.handleGatewayError(w, requestID, err)
		return
	}

	if result.Err != nil {
		s.logger.Warn("upstream error surfaced to client", "request_id", requestID, "error", result.Err)
		s.writeError(w, result.StatusCode, result.Err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, embedResponseBody{
		Embeddings: result.Embeddings,
		BatchInfo:  result.BatchInfo,
	})
}

func (s *Server) handleGatewayError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, gateway.ErrTimedOut):
		s.writeError(w, http.StatusRequestTimeout, "Request timed out")
	case errors.Is(err, gateway.ErrChannelClosed):
		s.writeError(w, http.StatusInternalServerError, "Response channel closed")
	case errors.Is(err, gateway.ErrQueueingFailed):
		s.writeError(w, http.StatusInternalServerError, "Failed to queue request")
	default:
		s.logger.Error("unexpected gateway error", "request_id", requestID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.Collect())
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponseBody{Error: message})
}
