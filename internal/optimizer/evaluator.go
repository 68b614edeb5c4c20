package optimizer

import (
	"context"
	"math"

	"github.com/saltfish/stratlab/go-backend/internal/backtest"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// Evaluator runs one candidate parameter set and returns its metrics. Implementations
// must be safe for concurrent use and should return promptly once ctx is done.
type Evaluator interface {
	Evaluate(ctx context.Context, params domain.ParameterSet) (*domain.Metrics, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, params domain.ParameterSet) (*domain.Metrics, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, params domain.ParameterSet) (*domain.Metrics, error) {
	return f(ctx, params)
}

// MarketData is the immutable candle input shared by every test of a job.
type MarketData struct {
	Candles   []domain.Candle
	Fine      []domain.Candle
	Timeframe domain.Timeframe
}

// BacktestEvaluator scores candidates with the backtest engine.
type BacktestEvaluator struct {
	engine   *backtest.Engine
	strategy domain.StrategyDefinition
	risk     domain.RiskConfig
	data     MarketData
}

// NewBacktestEvaluator creates an evaluator that backtests strategy over data.
func NewBacktestEvaluator(engine *backtest.Engine, strategy domain.StrategyDefinition, risk domain.RiskConfig, data MarketData) *BacktestEvaluator {
	return &BacktestEvaluator{engine: engine, strategy: strategy, risk: risk, data: data}
}

// Evaluate runs one backtest with params.
func (e *BacktestEvaluator) Evaluate(ctx context.Context, params domain.ParameterSet) (*domain.Metrics, error) {
	risk := e.risk
	res, err := e.engine.Run(ctx, backtest.Request{
		Candles:    e.data.Candles,
		Fine:       e.data.Fine,
		Timeframe:  e.data.Timeframe,
		Strategy:   e.strategy,
		Parameters: params,
		Risk:       &risk,
	})
	if err != nil {
		return nil, err
	}
	return res.Metrics, nil
}

// Score extracts the objective from m. A nil result means the objective is undefined
// for this candidate.
func Score(objective domain.Objective, m *domain.Metrics) *float64 {
	if m == nil {
		return nil
	}
	var v *float64
	switch objective {
	case domain.ObjectiveSortino:
		v = m.SortinoRatio
	case domain.ObjectiveCalmar:
		v = m.CalmarRatio
	case domain.ObjectiveTotalReturn:
		v = domain.Float(m.TotalReturnPct)
	case domain.ObjectiveCAGR:
		v = m.CAGR
	case domain.ObjectiveProfitFactor:
		v = m.ProfitFactor
	case domain.ObjectiveExpectancy:
		v = m.Expectancy
	case domain.ObjectiveWinRate:
		v = m.WinRate
	default:
		v = m.SharpeRatio
	}
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	return domain.Float(*v)
}

// candidate is a scored test result used for best selection.
type candidate struct {
	index   int
	score   *float64
	params  domain.ParameterSet
	metrics *domain.Metrics
}

// better reports whether c beats best. Only scored candidates compete; equal scores
// go to the earlier candidate so the outcome does not depend on completion order.
func (c candidate) better(best *candidate) bool {
	switch {
	case c.score == nil:
		return false
	case best == nil:
		return true
	case *c.score != *best.score:
		return *c.score > *best.score
	default:
		return c.index < best.index
	}
}
