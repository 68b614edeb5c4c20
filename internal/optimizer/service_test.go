package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/stratlab/go-backend/internal/backtest"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/metrics"
)

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrentTests = workers
	cfg.ProgressInterval = time.Hour
	return cfg
}

func newTestService(t *testing.T, cfg Config, engine *backtest.Engine) *Service {
	t.Helper()
	logger := zaptest.NewLogger(t)
	svc := NewService(cfg, engine, NewMemoryStore(), NewBroker(logger), logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func waitStatus(t *testing.T, svc *Service, id uuid.UUID, want domain.JobStatus) *domain.OptimizationJob {
	t.Helper()
	var job *domain.OptimizationJob
	require.Eventually(t, func() bool {
		j, err := svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func sharpe(v float64) *domain.Metrics {
	return &domain.Metrics{SharpeRatio: domain.Float(v)}
}

// gatedEvaluator blocks every evaluation until release yields or is closed.
type gatedEvaluator struct {
	started chan domain.ParameterSet
	release chan struct{}
	score   func(p domain.ParameterSet) float64

	mu    sync.Mutex
	calls []domain.ParameterSet
}

func newGatedEvaluator(score func(p domain.ParameterSet) float64) *gatedEvaluator {
	return &gatedEvaluator{
		started: make(chan domain.ParameterSet, 100),
		release: make(chan struct{}),
		score:   score,
	}
}

func (g *gatedEvaluator) Evaluate(ctx context.Context, params domain.ParameterSet) (*domain.Metrics, error) {
	g.mu.Lock()
	g.calls = append(g.calls, params)
	g.mu.Unlock()
	g.started <- params

	select {
	case <-g.release:
		return sharpe(g.score(params)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedEvaluator) callKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, len(g.calls))
	for i, c := range g.calls {
		keys[i] = c.Key()
	}
	return keys
}

func awaitStart(t *testing.T, g *gatedEvaluator) domain.ParameterSet {
	t.Helper()
	select {
	case p := <-g.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation did not start")
		return nil
	}
}

func gridRequest() domain.OptimizationRequest {
	return domain.OptimizationRequest{
		Strategy: domain.StrategyDefinition{Name: "ema_cross"},
		Schema: map[string]domain.ParamRange{
			"fast": {Min: 3, Max: 7, Step: 2},
			"slow": {Min: 20, Max: 25, Step: 5},
		},
		CorrelatedGroups: [][]string{{"fast", "slow"}},
	}
}

func TestGridSearchFindsBest(t *testing.T) {
	svc := newTestService(t, testConfig(4), nil)
	eval := EvaluatorFunc(func(_ context.Context, p domain.ParameterSet) (*domain.Metrics, error) {
		df, ds := p["fast"]-5, p["slow"]-25
		return sharpe(-df*df - ds*ds), nil
	})

	job, err := svc.Start(context.Background(), gridRequest(), eval)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)

	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)
	assert.Len(t, done.Results, 6)
	assert.Equal(t, domain.ParameterSet{"fast": 5, "slow": 25}, done.BestCombination)
	require.NotNil(t, done.BestScore)
	assert.Equal(t, 0.0, *done.BestScore)
	require.Len(t, done.Stages, 1)
	assert.Equal(t, domain.StageStatusComplete, done.Stages[0].Status)
	assert.Equal(t, 6, done.Stages[0].CompletedTests)
	assert.NotNil(t, done.CompletedAt)

	res, err := svc.GetResult(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.BestCombination, res.BestParameters)
	require.Len(t, res.AllResults, 6)
	for i := 1; i < len(res.AllResults); i++ {
		assert.GreaterOrEqual(t, *res.AllResults[i-1].Score, *res.AllResults[i].Score)
	}
}

func TestTiesGoToFirstCandidate(t *testing.T) {
	svc := newTestService(t, testConfig(4), nil)
	eval := EvaluatorFunc(func(context.Context, domain.ParameterSet) (*domain.Metrics, error) {
		return sharpe(1), nil
	})

	job, err := svc.Start(context.Background(), gridRequest(), eval)
	require.NoError(t, err)
	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)
	assert.Equal(t, domain.ParameterSet{"fast": 3, "slow": 20}, done.BestCombination)
}

func TestSequentialRefinementStopsWhenStable(t *testing.T) {
	cfg := testConfig(2)
	cfg.RefinementRounds = 5
	svc := newTestService(t, cfg, nil)
	eval := EvaluatorFunc(func(_ context.Context, p domain.ParameterSet) (*domain.Metrics, error) {
		da, db := p["a"]-3, p["b"]-4
		return sharpe(-da*da - db*db), nil
	})
	req := domain.OptimizationRequest{
		Strategy: domain.StrategyDefinition{Name: "s"},
		Schema: map[string]domain.ParamRange{
			"a": {Min: 1, Max: 5, Step: 1},
			"b": {Min: 1, Max: 5, Step: 1},
		},
	}

	job, err := svc.Start(context.Background(), req, eval)
	require.NoError(t, err)
	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)

	// round one moves both parameters, round two confirms them
	require.Len(t, done.Stages, 4)
	assert.Equal(t, 2, done.Stages[3].Round)
	assert.Len(t, done.Results, 20)
	assert.Equal(t, domain.ParameterSet{"a": 3, "b": 4}, done.BestCombination)
}

func TestFailedTestIsRecorded(t *testing.T) {
	svc := newTestService(t, testConfig(2), nil)
	eval := EvaluatorFunc(func(_ context.Context, p domain.ParameterSet) (*domain.Metrics, error) {
		if p["fast"] == 5 && p["slow"] == 20 {
			return nil, domain.SimulationError{Bar: 7, Message: "non-finite price"}
		}
		return sharpe(p["fast"] + p["slow"]), nil
	})

	job, err := svc.Start(context.Background(), gridRequest(), eval)
	require.NoError(t, err)
	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)

	assert.Equal(t, 1, done.Stages[0].FailedTests)
	assert.Equal(t, 6, done.Stages[0].CompletedTests)
	var failed []domain.TestResult
	for _, r := range done.Results {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "stage 1")
	assert.Contains(t, failed[0].Error, "fast=5,slow=20")
	assert.Contains(t, failed[0].Error, "non-finite price")
	assert.Equal(t, domain.ParameterSet{"fast": 7, "slow": 25}, done.BestCombination)
}

func TestStageWithoutScoresKeepsValues(t *testing.T) {
	svc := newTestService(t, testConfig(1), nil)
	eval := EvaluatorFunc(func(context.Context, domain.ParameterSet) (*domain.Metrics, error) {
		return &domain.Metrics{}, nil
	})
	req := domain.OptimizationRequest{
		Strategy:          domain.StrategyDefinition{Name: "s"},
		Schema:            map[string]domain.ParamRange{"a": {Min: 1, Max: 3, Step: 1}},
		InitialParameters: domain.ParameterSet{"a": 2},
	}

	job, err := svc.Start(context.Background(), req, eval)
	require.NoError(t, err)
	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)
	assert.Equal(t, domain.ParameterSet{"a": 2}, done.BestCombination)
	assert.NotEmpty(t, done.Stages[0].Warnings)
	assert.Nil(t, done.BestScore)
}

func TestPauseStopsDispatchAndResumeContinues(t *testing.T) {
	svc := newTestService(t, testConfig(1), nil)
	gate := newGatedEvaluator(func(p domain.ParameterSet) float64 { return p["a"] })
	req := domain.OptimizationRequest{
		Strategy: domain.StrategyDefinition{Name: "s"},
		Schema:   map[string]domain.ParamRange{"a": {Min: 1, Max: 4, Step: 1}},
	}

	job, err := svc.Start(context.Background(), req, gate)
	require.NoError(t, err)
	awaitStart(t, gate)

	paused, err := svc.Pause(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)

	// the in-flight test finishes and is recorded
	gate.release <- struct{}{}
	require.Eventually(t, func() bool {
		j, err := svc.Get(context.Background(), job.ID)
		return err == nil && j.CompletedTests() == 1
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case p := <-gate.started:
		t.Fatalf("test %s dispatched while paused", p.Key())
	case <-time.After(100 * time.Millisecond):
	}

	// pausing twice is a no-op
	_, err = svc.Pause(context.Background(), job.ID)
	require.NoError(t, err)

	resumed, err := svc.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, resumed.Status)

	for i := 0; i < 3; i++ {
		awaitStart(t, gate)
		gate.release <- struct{}{}
	}
	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)

	assert.Equal(t, []string{"a=1", "a=2", "a=3", "a=4"}, gate.callKeys())
	assert.Len(t, done.Results, 4)
	assert.Equal(t, 4.0, done.BestCombination["a"])
}

func TestSkipAppliesDefaults(t *testing.T) {
	svc := newTestService(t, testConfig(1), nil)
	gate := newGatedEvaluator(func(p domain.ParameterSet) float64 { return p["a"]*10 + p["b"] })
	req := domain.OptimizationRequest{
		Strategy: domain.StrategyDefinition{Name: "s"},
		Schema: map[string]domain.ParamRange{
			"a": {Min: 1, Max: 4, Step: 1},
			"b": {Min: 1, Max: 3, Step: 1},
		},
	}

	job, err := svc.Start(context.Background(), req, gate)
	require.NoError(t, err)
	first := awaitStart(t, gate)
	assert.Equal(t, 1.0, first["a"])

	_, err = svc.Skip(context.Background(), job.ID, 1, domain.ParameterSet{"b": 2})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// a skip for a stage that is not running is ignored
	snap, err := svc.Skip(context.Background(), job.ID, 2, domain.ParameterSet{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, domain.StageStatusRunning, snap.Stages[0].Status)

	snap, err = svc.Skip(context.Background(), job.ID, 1, domain.ParameterSet{"a": 3})
	require.NoError(t, err)
	assert.Equal(t, domain.StageStatusSkipped, snap.Stages[0].Status)
	assert.Equal(t, domain.ParameterSet{"a": 3}, snap.Stages[0].BestValue)
	assert.Equal(t, 2, snap.CurrentStage)

	close(gate.release)
	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)

	assert.Equal(t, domain.ParameterSet{"a": 3, "b": 3}, done.BestCombination)
	require.Len(t, done.Results, 3)
	for _, r := range done.Results {
		assert.Equal(t, 2, r.StageNum, "results of the skipped stage are discarded")
		assert.Equal(t, 3.0, r.Parameters["a"])
	}
	assert.Equal(t, domain.StageStatusComplete, done.Stages[1].Status)

	late, err := svc.Skip(context.Background(), job.ID, 1, domain.ParameterSet{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusComplete, late.Status)
}

func TestCancelReleasesWorkers(t *testing.T) {
	svc := newTestService(t, testConfig(2), nil)
	gate := newGatedEvaluator(func(domain.ParameterSet) float64 { return 0 })

	job, err := svc.Start(context.Background(), gridRequest(), gate)
	require.NoError(t, err)
	awaitStart(t, gate)

	cancelled, err := svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status, "cancel replies with the terminal snapshot")
	assert.NotNil(t, cancelled.CompletedAt)
	done := waitStatus(t, svc, job.ID, domain.JobStatusCancelled)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Results)
	require.Eventually(t, func() bool { return svc.Active() == 0 }, 5*time.Second, 5*time.Millisecond)

	late, err := svc.Pause(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, late.Status)
	_, err = svc.Cancel(context.Background(), job.ID)
	assert.NoError(t, err)
}

func TestJobTimeout(t *testing.T) {
	cfg := testConfig(1)
	cfg.JobTimeout = 50 * time.Millisecond
	svc := newTestService(t, cfg, nil)
	gate := newGatedEvaluator(func(domain.ParameterSet) float64 { return 0 })

	job, err := svc.Start(context.Background(), gridRequest(), gate)
	require.NoError(t, err)
	done := waitStatus(t, svc, job.ID, domain.JobStatusError)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "timed out")
}

func TestTestTimeoutIsAFailedTest(t *testing.T) {
	cfg := testConfig(2)
	cfg.TestTimeout = 20 * time.Millisecond
	svc := newTestService(t, cfg, nil)
	eval := EvaluatorFunc(func(ctx context.Context, p domain.ParameterSet) (*domain.Metrics, error) {
		if p["fast"] == 3 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return sharpe(1), nil
	})

	job, err := svc.Start(context.Background(), gridRequest(), eval)
	require.NoError(t, err)
	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)
	assert.Equal(t, 2, done.Stages[0].FailedTests)
	assert.Equal(t, domain.ParameterSet{"fast": 5, "slow": 20}, done.BestCombination)
}

func TestEventsAreOrdered(t *testing.T) {
	svc := newTestService(t, testConfig(3), nil)
	events, unsubscribe := svc.SubscribeAll()
	defer unsubscribe()

	eval := EvaluatorFunc(func(_ context.Context, p domain.ParameterSet) (*domain.Metrics, error) {
		return sharpe(p["fast"]), nil
	})
	job, err := svc.Start(context.Background(), gridRequest(), eval)
	require.NoError(t, err)

	var got []domain.ProgressEvent
	timeout := time.After(5 * time.Second)
	for len(got) == 0 || got[len(got)-1].Type != domain.EventJobCompleted {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatal("job did not complete")
		}
	}

	counts := make(map[domain.EventType]int)
	for i, ev := range got {
		assert.Equal(t, job.ID, ev.JobID)
		assert.Equal(t, int64(i+1), ev.Seq)
		counts[ev.Type]++
	}
	assert.Equal(t, domain.EventStatusChanged, got[0].Type)
	assert.Equal(t, domain.JobStatusRunning, got[0].Status)
	assert.Equal(t, 6, counts[domain.EventTestCompleted])
	assert.Equal(t, 1, counts[domain.EventStageCompleted])

	last := got[len(got)-1]
	assert.Equal(t, domain.JobStatusComplete, last.Status)
	assert.Equal(t, 100.0, last.Percent)
	assert.Equal(t, 6, last.CompletedTests)
	assert.Equal(t, 7.0, last.BestParameters["fast"])
}

func TestSubscribeToJob(t *testing.T) {
	svc := newTestService(t, testConfig(1), nil)
	gate := newGatedEvaluator(func(domain.ParameterSet) float64 { return 1 })

	job, err := svc.Start(context.Background(), gridRequest(), gate)
	require.NoError(t, err)
	events, unsubscribe, err := svc.Subscribe(context.Background(), job.ID)
	require.NoError(t, err)
	defer unsubscribe()
	close(gate.release)

	var last domain.ProgressEvent
	for ev := range events {
		last = ev
	}
	assert.Equal(t, domain.EventJobCompleted, last.Type)

	// subscribing to a finished job yields a closed channel
	events, _, err = svc.Subscribe(context.Background(), job.ID)
	require.NoError(t, err)
	_, open := <-events
	assert.False(t, open)

	_, _, err = svc.Subscribe(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestControlUnknownJob(t *testing.T) {
	svc := newTestService(t, testConfig(1), nil)
	_, err := svc.Pause(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.GetResult(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStartRejectsBadRequest(t *testing.T) {
	svc := newTestService(t, testConfig(1), nil)
	eval := EvaluatorFunc(func(context.Context, domain.ParameterSet) (*domain.Metrics, error) { return sharpe(1), nil })

	req := gridRequest()
	req.Objective = "luck"
	_, err := svc.Start(context.Background(), req, eval)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	req = gridRequest()
	req.CorrelatedGroups = [][]string{{"fast", "missing"}}
	_, err = svc.Start(context.Background(), req, eval)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestShutdownCancelsJobs(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := NewMemoryStore()
	svc := NewService(testConfig(1), nil, store, NewBroker(logger), logger)
	gate := newGatedEvaluator(func(domain.ParameterSet) float64 { return 0 })

	job, err := svc.Start(context.Background(), gridRequest(), gate)
	require.NoError(t, err)
	awaitStart(t, gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, stored.Status)

	_, err = svc.Start(context.Background(), gridRequest(), gate)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func risingCandles(n int) []domain.Candle {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		c := 100 + float64(i)
		out[i] = domain.Candle{Timestamp: t0.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func TestStartOptimizationWithEngine(t *testing.T) {
	logger := zaptest.NewLogger(t)
	engine := backtest.NewEngine(backtest.Config{InitialCapital: 1000, FillPolicy: domain.FillClose},
		metrics.NewCalculator(metrics.DefaultCriteria()), logger)
	svc := newTestService(t, testConfig(2), engine)

	req := domain.OptimizationRequest{
		Strategy: domain.StrategyDefinition{
			Name:       "breakout",
			Indicators: []domain.IndicatorSpec{{Type: "SMA", Params: map[string]float64{"period": 5}}},
			EntryLogic: "(close > threshold) & (close > SMA_5)",
		},
		Schema:    map[string]domain.ParamRange{"threshold": {Min: 110, Max: 140, Step: 10}},
		Objective: domain.ObjectiveTotalReturn,
	}

	job, err := svc.StartOptimization(context.Background(), req, MarketData{Candles: risingCandles(60)})
	require.NoError(t, err)
	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)

	assert.Len(t, done.Results, 4)
	assert.Equal(t, 110.0, done.BestCombination["threshold"])
	require.NotNil(t, done.BestMetrics)
	assert.Equal(t, 1, done.BestMetrics.TotalTrades)
}

func TestOptimizationInheritsEngineFee(t *testing.T) {
	logger := zaptest.NewLogger(t)
	engine := backtest.NewEngine(backtest.Config{FeeRate: 0.05, InitialCapital: 1000, FillPolicy: domain.FillClose},
		metrics.NewCalculator(metrics.DefaultCriteria()), logger)
	svc := newTestService(t, testConfig(1), engine)

	strategy := domain.StrategyDefinition{
		Name:       "breakout",
		Indicators: []domain.IndicatorSpec{{Type: "SMA", Params: map[string]float64{"period": 5}}},
		EntryLogic: "(close > threshold) & (close > SMA_5)",
	}
	candles := risingCandles(60)

	direct, err := engine.Run(context.Background(), backtest.Request{
		Candles:    candles,
		Strategy:   strategy,
		Parameters: domain.ParameterSet{"threshold": 110},
	})
	require.NoError(t, err)
	require.Equal(t, 1, direct.Metrics.TotalTrades)

	// A risk block carrying only a stop keeps the engine fee.
	req := domain.OptimizationRequest{
		Strategy:  strategy,
		Schema:    map[string]domain.ParamRange{"threshold": {Min: 110, Max: 110, Step: 10}},
		Objective: domain.ObjectiveTotalReturn,
		Risk:      domain.RiskConfig{StopLoss: domain.Float(0.9)},
	}
	job, err := svc.StartOptimization(context.Background(), req, MarketData{Candles: candles})
	require.NoError(t, err)
	done := waitStatus(t, svc, job.ID, domain.JobStatusComplete)

	require.NotNil(t, done.BestMetrics)
	assert.InDelta(t, direct.Metrics.TotalReturnPct, done.BestMetrics.TotalReturnPct, 1e-9)

	free := domain.Float(0)
	zeroFee, err := engine.Run(context.Background(), backtest.Request{
		Candles:    candles,
		Strategy:   strategy,
		Parameters: domain.ParameterSet{"threshold": 110},
		Risk:       &domain.RiskConfig{FeeRate: free},
	})
	require.NoError(t, err)
	assert.Greater(t, zeroFee.Metrics.TotalReturnPct, done.BestMetrics.TotalReturnPct, "explicit zero fee overrides the default")
}

func TestStartOptimizationValidates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	engine := backtest.NewEngine(backtest.Config{InitialCapital: 1000}, metrics.NewCalculator(metrics.DefaultCriteria()), logger)
	svc := newTestService(t, testConfig(1), engine)
	strategy := domain.StrategyDefinition{
		Name:       "ema",
		Indicators: []domain.IndicatorSpec{{Type: "EMA", Params: map[string]float64{"period": 9}, Bind: map[string]string{"period": "fast"}}},
		EntryLogic: "close > EMA_9",
	}

	tests := []struct {
		name   string
		schema map[string]domain.ParamRange
		data   MarketData
		target error
	}{
		{"unused parameter", map[string]domain.ParamRange{"fast": {Min: 5, Max: 9, Step: 2}, "slow": {Min: 1, Max: 2, Step: 1}}, MarketData{Candles: risingCandles(50)}, domain.ErrInvalidInput},
		{"no candles", map[string]domain.ParamRange{"fast": {Min: 5, Max: 9, Step: 2}}, MarketData{}, domain.ErrInvalidInput},
		{"too few candles", map[string]domain.ParamRange{"fast": {Min: 5, Max: 9, Step: 2}}, MarketData{Candles: risingCandles(3)}, domain.ErrDataInsufficient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.StartOptimization(context.Background(), domain.OptimizationRequest{Strategy: strategy, Schema: tt.schema}, tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), fmt.Sprintf("got %v", err))
		})
	}

	bad := strategy
	bad.EntryLogic = "close > EMA_50"
	_, err := svc.StartOptimization(context.Background(), domain.OptimizationRequest{
		Strategy: bad,
		Schema:   map[string]domain.ParamRange{"fast": {Min: 5, Max: 9, Step: 2}},
	}, MarketData{Candles: risingCandles(50)})
	assert.ErrorIs(t, err, domain.ErrCompile)
}
