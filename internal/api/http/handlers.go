package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/backtest"
	"github.com/saltfish/stratlab/go-backend/internal/db/repository"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/events"
	"github.com/saltfish/stratlab/go-backend/internal/optimizer"
)

// maxBodyBytes bounds request bodies; inline candle series can be large.
const maxBodyBytes = 64 << 20

// OptimizerService is the part of the optimizer the API drives.
type OptimizerService interface {
	StartOptimization(ctx context.Context, req domain.OptimizationRequest, data optimizer.MarketData) (*domain.OptimizationJob, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error)
	GetResult(ctx context.Context, id uuid.UUID) (*domain.OptimizationResult, error)
	List(ctx context.Context, filter optimizer.ListFilter) ([]*domain.OptimizationJob, int, error)
	events.Controller
}

// Handler provides REST API handlers.
type Handler struct {
	engine         *backtest.Engine
	optimizer      OptimizerService
	candles        repository.CandleRepository
	deepTimeframe  domain.Timeframe
	eventPublisher events.Publisher
	hub            *Hub
	logger         *zap.Logger
}

// NewHandler creates a new Handler instance. candles may be nil, in which case
// requests must carry their candles inline.
func NewHandler(engine *backtest.Engine, opt OptimizerService, candles repository.CandleRepository, logger *zap.Logger) *Handler {
	return &Handler{
		engine:         engine,
		optimizer:      opt,
		candles:        candles,
		eventPublisher: events.NewNoOpPublisher(),
		logger:         logger.With(zap.String("component", "http_api")),
	}
}

// SetEventPublisher sets the event publisher for the handler.
func (h *Handler) SetEventPublisher(publisher events.Publisher) {
	h.eventPublisher = publisher
}

// SetHub sets the WebSocket hub notified of completed backtests.
func (h *Handler) SetHub(hub *Hub) {
	h.hub = hub
}

// SetDeepTimeframe sets the fine timeframe loaded from storage for deep backtests
// when a request does not name one.
func (h *Handler) SetDeepTimeframe(tf domain.Timeframe) {
	h.deepTimeframe = tf
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrCompile):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDataInsufficient), errors.Is(err, domain.ErrSimulation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrJobFinished):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	writeError(w, status, err, message)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid job id", domain.ErrInvalidInput)
	}
	return id, nil
}

// ========================================
// Market data
// ========================================

// MarketDataRequest supplies candles inline or names a stored series.
type MarketDataRequest struct {
	Candles       []domain.Candle  `json:"candles,omitempty"`
	FineCandles   []domain.Candle  `json:"fine_candles,omitempty"`
	Symbol        string           `json:"symbol,omitempty"`
	Timeframe     domain.Timeframe `json:"timeframe,omitempty"`
	FineTimeframe domain.Timeframe `json:"fine_timeframe,omitempty"`
	Start         *time.Time       `json:"start,omitempty"`
	End           *time.Time       `json:"end,omitempty"`
}

func (h *Handler) resolveMarketData(ctx context.Context, req MarketDataRequest) (optimizer.MarketData, error) {
	data := optimizer.MarketData{
		Candles:   req.Candles,
		Fine:      req.FineCandles,
		Timeframe: req.Timeframe,
	}
	if req.Timeframe != "" && !req.Timeframe.IsValid() {
		return data, fmt.Errorf("%w: unsupported timeframe %q", domain.ErrInvalidInput, req.Timeframe)
	}
	if len(data.Candles) > 0 {
		return data, nil
	}

	if req.Symbol == "" || req.Timeframe == "" {
		return data, fmt.Errorf("%w: supply candles or a symbol and timeframe", domain.ErrInvalidInput)
	}
	if h.candles == nil {
		return data, fmt.Errorf("%w: no candle storage configured, supply candles inline", domain.ErrInvalidInput)
	}

	var since, until time.Time
	if req.Start != nil {
		since = *req.Start
	}
	if req.End != nil {
		until = *req.End
	}

	candles, err := h.candles.GetCandles(ctx, req.Symbol, req.Timeframe, since, until)
	if err != nil {
		return data, err
	}
	if len(candles) == 0 {
		return data, domain.NewNotFoundError("candles", req.Symbol+"/"+req.Timeframe.String())
	}
	data.Candles = candles

	fineTF := req.FineTimeframe
	if fineTF == "" {
		fineTF = h.deepTimeframe
	}
	if len(data.Fine) == 0 && fineTF != "" && fineTF.Duration() < req.Timeframe.Duration() {
		fine, err := h.candles.GetCandles(ctx, req.Symbol, fineTF, since, until)
		if err != nil {
			return data, err
		}
		data.Fine = fine
	}
	return data, nil
}

// ImportCandlesRequest stores candles for later backtests.
type ImportCandlesRequest struct {
	Symbol    string           `json:"symbol"`
	Timeframe domain.Timeframe `json:"timeframe"`
	Candles   []domain.Candle  `json:"candles"`
}

// HandleImportCandles stores a candle series.
// POST /api/v1/candles
func (h *Handler) HandleImportCandles(w http.ResponseWriter, r *http.Request) {
	if h.candles == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("candle storage disabled"), "enable the database to import candles")
		return
	}

	var req ImportCandlesRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Symbol) == "" || !req.Timeframe.IsValid() || len(req.Candles) == 0 {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput, "symbol, a supported timeframe and candles are required")
		return
	}

	n, err := h.candles.UpsertCandles(r.Context(), req.Symbol, req.Timeframe, domain.NormalizeCandles(req.Candles))
	if err != nil {
		h.fail(w, err, "failed to store candles")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"stored": n})
}

// ========================================
// Backtests
// ========================================

// RunBacktestRequest represents the request body for a backtest.
type RunBacktestRequest struct {
	Strategy   domain.StrategyDefinition `json:"strategy"`
	Parameters domain.ParameterSet       `json:"parameters,omitempty"`
	Risk       *domain.RiskConfig        `json:"risk,omitempty"`
	Data       MarketDataRequest         `json:"data"`
}

// RunBacktestResponse wraps the backtest result.
type RunBacktestResponse struct {
	Result *domain.BacktestResult `json:"result"`
}

// HandleRunBacktest runs one backtest synchronously.
// POST /api/v1/backtests
func (h *Handler) HandleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req RunBacktestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	data, err := h.resolveMarketData(r.Context(), req.Data)
	if err != nil {
		h.fail(w, err, "failed to load market data")
		return
	}

	result, err := h.engine.Run(r.Context(), backtest.Request{
		Candles:    domain.NormalizeCandles(data.Candles),
		Fine:       domain.NormalizeCandles(data.Fine),
		Timeframe:  data.Timeframe,
		Strategy:   req.Strategy,
		Parameters: req.Parameters,
		Risk:       req.Risk,
	})
	if err != nil {
		h.fail(w, err, "backtest failed")
		return
	}

	if err := h.eventPublisher.PublishBacktestCompleted(r.Context(), result); err != nil {
		h.logger.Warn("Failed to publish backtest completed event", zap.Error(err))
	}
	if h.hub != nil {
		h.hub.BroadcastEvent(EventTypeBacktestCompleted, nil, events.NewBacktestCompletedEvent(result))
	}

	writeJSON(w, http.StatusOK, RunBacktestResponse{Result: result})
}

// ========================================
// Optimizations
// ========================================

// StartOptimizationRequest represents the request body for starting an optimization.
type StartOptimizationRequest struct {
	domain.OptimizationRequest
	Data MarketDataRequest `json:"data"`
}

// OptimizationJobResponse wraps a job snapshot.
type OptimizationJobResponse struct {
	Job *domain.OptimizationJob `json:"job"`
}

// HandleStartOptimization submits an optimization job.
// POST /api/v1/optimizations
func (h *Handler) HandleStartOptimization(w http.ResponseWriter, r *http.Request) {
	var req StartOptimizationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	data, err := h.resolveMarketData(r.Context(), req.Data)
	if err != nil {
		h.fail(w, err, "failed to load market data")
		return
	}

	job, err := h.optimizer.StartOptimization(r.Context(), req.OptimizationRequest, data)
	if err != nil {
		h.fail(w, err, "failed to start optimization")
		return
	}

	h.logger.Info("Optimization submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("strategy", job.Strategy),
		zap.Int("stages", len(job.Stages)),
	)
	writeJSON(w, http.StatusAccepted, OptimizationJobResponse{Job: job})
}

// ListOptimizationsResponse represents a page of jobs.
type ListOptimizationsResponse struct {
	Jobs   []*domain.OptimizationJob `json:"jobs"`
	Total  int                       `json:"total"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
}

// HandleListOptimizations lists jobs newest first.
// GET /api/v1/optimizations?status=running&limit=20&offset=0
func (h *Handler) HandleListOptimizations(w http.ResponseWriter, r *http.Request) {
	filter := optimizer.ListFilter{Limit: 20}

	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := domain.JobStatus(s)
		if !status.IsValid() {
			writeError(w, http.StatusBadRequest, domain.ErrInvalidInput, "unknown status")
			return
		}
		filter.Status = &status
	}
	if s := q.Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			filter.Limit = min(v, 200)
		}
	}
	if s := q.Get("offset"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			filter.Offset = v
		}
	}

	jobs, total, err := h.optimizer.List(r.Context(), filter)
	if err != nil {
		h.fail(w, err, "failed to list optimizations")
		return
	}

	writeJSON(w, http.StatusOK, ListOptimizationsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// HandleGetOptimization returns a job snapshot.
// GET /api/v1/optimizations/{id}
func (h *Handler) HandleGetOptimization(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}

	job, err := h.optimizer.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err, "failed to get optimization")
		return
	}
	writeJSON(w, http.StatusOK, OptimizationJobResponse{Job: job})
}

// HandleGetOptimizationResult returns the best combination and ranked results.
// GET /api/v1/optimizations/{id}/result
func (h *Handler) HandleGetOptimizationResult(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}

	result, err := h.optimizer.GetResult(r.Context(), id)
	if err != nil {
		h.fail(w, err, "failed to get optimization result")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ControlOptimizationRequest represents the request body for controlling an optimization.
type ControlOptimizationRequest struct {
	Action   string              `json:"action"` // "pause", "resume", "skip", "cancel"
	Stage    int                 `json:"stage,omitempty"`
	Defaults domain.ParameterSet `json:"defaults,omitempty"`
}

// HandleControlOptimization pauses, resumes, skips a stage of, or cancels a job.
// POST /api/v1/optimizations/{id}/control
func (h *Handler) HandleControlOptimization(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}

	var req ControlOptimizationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	var job *domain.OptimizationJob
	switch strings.ToLower(req.Action) {
	case "pause":
		job, err = h.optimizer.Pause(r.Context(), id)
	case "resume":
		job, err = h.optimizer.Resume(r.Context(), id)
	case "skip":
		job, err = h.optimizer.Skip(r.Context(), id, req.Stage, req.Defaults)
	case "cancel":
		job, err = h.optimizer.Cancel(r.Context(), id)
	default:
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput, "action must be 'pause', 'resume', 'skip' or 'cancel'")
		return
	}
	if err != nil {
		h.fail(w, err, "failed to control optimization")
		return
	}

	writeJSON(w, http.StatusOK, OptimizationJobResponse{Job: job})
}
