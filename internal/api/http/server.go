// Package http provides the REST API, WebSocket event stream and health endpoints.
package http

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/db"
)

// Server serves the API, the WebSocket hub and health probes.
type Server struct {
	server  *http.Server
	handler *Handler
	hub     *Hub
	pool    *db.Pool
	active  func() int
	logger  *zap.Logger
}

// NewServer creates a new HTTP server. pool may be nil when the database is disabled.
func NewServer(address string, handler *Handler, hub *Hub, pool *db.Pool, logger *zap.Logger) *Server {
	s := &Server{
		handler: handler,
		hub:     hub,
		pool:    pool,
		logger:  logger.With(zap.String("component", "http_server")),
	}
	handler.SetHub(hub)

	s.server = &http.Server{
		Addr:         address,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// SetActiveJobs sets the function reporting the number of running optimizations.
func (s *Server) SetActiveJobs(fn func() int) {
	s.active = fn
}

// Routes returns the request router.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	h := s.handler
	mux.HandleFunc("POST /api/v1/candles", h.HandleImportCandles)
	mux.HandleFunc("POST /api/v1/backtests", h.HandleRunBacktest)
	mux.HandleFunc("POST /api/v1/optimizations", h.HandleStartOptimization)
	mux.HandleFunc("GET /api/v1/optimizations", h.HandleListOptimizations)
	mux.HandleFunc("GET /api/v1/optimizations/{id}", h.HandleGetOptimization)
	mux.HandleFunc("GET /api/v1/optimizations/{id}/result", h.HandleGetOptimizationResult)
	mux.HandleFunc("POST /api/v1/optimizations/{id}/control", h.HandleControlOptimization)

	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.ServeWS)
	}
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("address", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// handleHealth handles the /health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:   "healthy",
		Services: map[string]string{"optimizer": "healthy"},
	}

	if s.pool == nil {
		response.Services["postgres"] = "disabled"
	} else if err := s.pool.HealthCheck(r.Context()); err != nil {
		response.Services["postgres"] = "unhealthy: " + err.Error()
		response.Status = "unhealthy"
	} else {
		response.Services["postgres"] = "healthy"
	}

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// handleLiveness handles the /health/live endpoint (Kubernetes liveness probe).
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness handles the /health/ready endpoint (Kubernetes readiness probe).
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.pool != nil {
		if err := s.pool.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "database unavailable: " + err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// MetricsResponse represents the metrics response.
type MetricsResponse struct {
	ActiveJobs       int              `json:"active_jobs"`
	WebSocketClients int              `json:"websocket_clients"`
	Database         *DatabaseMetrics `json:"database,omitempty"`
}

// DatabaseMetrics represents database-related metrics.
type DatabaseMetrics struct {
	TotalConnections int32 `json:"total_connections"`
	AcquiredConns    int32 `json:"acquired_connections"`
	IdleConns        int32 `json:"idle_connections"`
	MaxConns         int32 `json:"max_connections"`
}

// handleMetrics handles the /metrics endpoint.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var response MetricsResponse
	if s.active != nil {
		response.ActiveJobs = s.active()
	}
	if s.hub != nil {
		response.WebSocketClients = s.hub.GetClientCount()
	}
	if s.pool != nil {
		stats := s.pool.Stat()
		response.Database = &DatabaseMetrics{
			TotalConnections: stats.TotalConns(),
			AcquiredConns:    stats.AcquiredConns(),
			IdleConns:        stats.IdleConns(),
			MaxConns:         stats.MaxConns(),
		}
	}
	writeJSON(w, http.StatusOK, response)
}
