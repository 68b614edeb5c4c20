package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/stratlab/go-backend/internal/backtest"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/metrics"
	"github.com/saltfish/stratlab/go-backend/internal/optimizer"
)

func risingCandles(n int) []domain.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = domain.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      p,
			High:      p + 0.5,
			Low:       p - 0.5,
			Close:     p,
			Volume:    1,
		}
	}
	return out
}

// fakeCandles serves one stored series.
type fakeCandles struct {
	stored map[string][]domain.Candle
}

func (f *fakeCandles) GetCandles(_ context.Context, symbol string, tf domain.Timeframe, _, _ time.Time) ([]domain.Candle, error) {
	return f.stored[symbol+"/"+tf.String()], nil
}

func (f *fakeCandles) UpsertCandles(_ context.Context, symbol string, tf domain.Timeframe, candles []domain.Candle) (int, error) {
	f.stored[symbol+"/"+tf.String()] = candles
	return len(candles), nil
}

type testEnv struct {
	server  *httptest.Server
	svc     *optimizer.Service
	candles *fakeCandles
}

func newTestEnv(t *testing.T, withStorage bool) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	engine := backtest.NewEngine(
		backtest.Config{InitialCapital: 1000, FillPolicy: domain.FillClose},
		metrics.NewCalculator(metrics.DefaultCriteria()),
		logger,
	)
	cfg := optimizer.DefaultConfig()
	cfg.MaxConcurrentTests = 2
	svc := optimizer.NewService(cfg, engine, optimizer.NewMemoryStore(), optimizer.NewBroker(logger), logger)

	env := &testEnv{svc: svc}
	var handler *Handler
	if withStorage {
		env.candles = &fakeCandles{stored: map[string][]domain.Candle{"BTC/USDT/1h": risingCandles(60)}}
		handler = NewHandler(engine, svc, env.candles, logger)
	} else {
		handler = NewHandler(engine, svc, nil, logger)
	}

	hub := NewHub(logger)
	go hub.Run()

	srv := NewServer(":0", handler, hub, nil, logger)
	srv.SetActiveJobs(svc.Active)
	env.server = httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		env.server.Close()
		hub.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

var smaStrategy = domain.StrategyDefinition{
	Name:       "sma_trend",
	Indicators: []domain.IndicatorSpec{{Type: "SMA", Params: map[string]float64{"period": 5}}},
	EntryLogic: "close > SMA_5",
}

func TestRunBacktest_InlineCandles(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, http.MethodPost, "/api/v1/backtests", RunBacktestRequest{
		Strategy: smaStrategy,
		Data:     MarketDataRequest{Candles: risingCandles(40)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[RunBacktestResponse](t, resp)
	require.NotNil(t, body.Result)
	require.NotNil(t, body.Result.Metrics)
	assert.Equal(t, "sma_trend", body.Result.Strategy)
	assert.Equal(t, 1000.0, body.Result.Metrics.InitialCapital)
}

func TestRunBacktest_StoredCandles(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.do(t, http.MethodPost, "/api/v1/backtests", RunBacktestRequest{
		Strategy: smaStrategy,
		Data:     MarketDataRequest{Symbol: "BTC/USDT", Timeframe: domain.Timeframe1h},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/backtests", RunBacktestRequest{
		Strategy: smaStrategy,
		Data:     MarketDataRequest{Symbol: "ETH/USDT", Timeframe: domain.Timeframe1h},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunBacktest_Errors(t *testing.T) {
	env := newTestEnv(t, false)

	bad := smaStrategy
	bad.EntryLogic = "close > > SMA_5"

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed body", map[string]any{"strategy": "nope"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"strategy": smaStrategy, "extra": 1}, http.StatusBadRequest},
		{"no market data", RunBacktestRequest{Strategy: smaStrategy}, http.StatusBadRequest},
		{"storage disabled", RunBacktestRequest{Strategy: smaStrategy, Data: MarketDataRequest{Symbol: "BTC/USDT", Timeframe: domain.Timeframe1h}}, http.StatusBadRequest},
		{"syntax error", RunBacktestRequest{Strategy: bad, Data: MarketDataRequest{Candles: risingCandles(40)}}, http.StatusBadRequest},
		{"too few candles", RunBacktestRequest{Strategy: smaStrategy, Data: MarketDataRequest{Candles: risingCandles(2)}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/backtests", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestImportCandles(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.do(t, http.MethodPost, "/api/v1/candles", ImportCandlesRequest{
		Symbol:    "ETH/USDT",
		Timeframe: domain.Timeframe1h,
		Candles:   risingCandles(10),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]int{"stored": 10}, decode[map[string]int](t, resp))
	assert.Len(t, env.candles.stored["ETH/USDT/1h"], 10)

	resp = env.do(t, http.MethodPost, "/api/v1/candles", ImportCandlesRequest{Symbol: "ETH/USDT", Timeframe: "7m"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	disabled := newTestEnv(t, false)
	resp = disabled.do(t, http.MethodPost, "/api/v1/candles", ImportCandlesRequest{
		Symbol:    "ETH/USDT",
		Timeframe: domain.Timeframe1h,
		Candles:   risingCandles(10),
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOptimizationLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	req := StartOptimizationRequest{
		OptimizationRequest: domain.OptimizationRequest{
			Strategy: domain.StrategyDefinition{
				Name:       "breakout",
				Indicators: []domain.IndicatorSpec{{Type: "SMA", Params: map[string]float64{"period": 5}}},
				EntryLogic: "(close > threshold) & (close > SMA_5)",
			},
			Schema:    map[string]domain.ParamRange{"threshold": {Min: 110, Max: 140, Step: 10}},
			Objective: domain.ObjectiveTotalReturn,
		},
		Data: MarketDataRequest{Candles: risingCandles(60)},
	}

	resp := env.do(t, http.MethodPost, "/api/v1/optimizations", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[OptimizationJobResponse](t, resp).Job
	require.NotNil(t, job)

	path := "/api/v1/optimizations/" + job.ID.String()
	require.Eventually(t, func() bool {
		r := env.do(t, http.MethodGet, path, nil)
		return decode[OptimizationJobResponse](t, r).Job.Status == domain.JobStatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	resp = env.do(t, http.MethodGet, path+"/result", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[domain.OptimizationResult](t, resp)
	assert.Equal(t, 110.0, result.BestParameters["threshold"])
	assert.Len(t, result.AllResults, 4)

	resp = env.do(t, http.MethodGet, "/api/v1/optimizations?status=complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListOptimizationsResponse](t, resp)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, job.ID, list.Jobs[0].ID)
}

func TestStartOptimization_Invalid(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, http.MethodPost, "/api/v1/optimizations", StartOptimizationRequest{
		OptimizationRequest: domain.OptimizationRequest{
			Strategy: smaStrategy,
			Schema:   map[string]domain.ParamRange{"unused": {Min: 1, Max: 3, Step: 1}},
		},
		Data: MarketDataRequest{Candles: risingCandles(60)},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOptimizationNotFoundAndBadInput(t *testing.T) {
	env := newTestEnv(t, false)
	missing := "/api/v1/optimizations/6f1c7f5e-0d1c-4e68-9a7a-2f4f8c3b9d10"

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, missing, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, missing+"/result", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, missing+"/control", ControlOptimizationRequest{Action: "pause"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, missing+"/control", ControlOptimizationRequest{Action: "explode"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/optimizations/not-a-uuid", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/optimizations?status=bogus", nil).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodDelete, missing, nil).StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "disabled", health.Services["postgres"])

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health/live", nil).StatusCode)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health/ready", nil).StatusCode)

	resp = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode[MetricsResponse](t, resp)
	assert.Equal(t, 0, m.ActiveJobs)
	assert.Nil(t, m.Database)
}
