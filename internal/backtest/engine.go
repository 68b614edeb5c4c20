package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/metrics"
)

// Config holds the engine defaults applied when a request leaves them unset.
type Config struct {
	FeeRate        float64
	InitialCapital float64
	FillPolicy     domain.FillPolicy
}

// Request describes one backtest run.
type Request struct {
	Candles    []domain.Candle
	Strategy   domain.StrategyDefinition
	Parameters domain.ParameterSet
	// Risk overrides the engine defaults. A nil Risk uses them all; within a
	// non-nil Risk a nil fee, zero capital or empty fill policy still falls back.
	Risk *domain.RiskConfig
	// Timeframe of Candles. Inferred from bar spacing when empty.
	Timeframe domain.Timeframe
	// Fine candles enable the deep backtest when their spacing is below the
	// primary timeframe.
	Fine []domain.Candle
}

// Engine runs backtests. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	calc   *metrics.Calculator
	logger *zap.Logger
}

// NewEngine creates a new backtest engine.
func NewEngine(cfg Config, calc *metrics.Calculator, logger *zap.Logger) *Engine {
	if cfg.FillPolicy == "" {
		cfg.FillPolicy = domain.FillNextOpen
	}
	return &Engine{
		cfg:    cfg,
		calc:   calc,
		logger: logger.With(zap.String("component", "backtest")),
	}
}

// Run compiles the strategy, computes indicators and signals, simulates trades and
// computes metrics.
func (e *Engine) Run(ctx context.Context, req Request) (*domain.BacktestResult, error) {
	risk := e.risk(req.Risk)
	compiled, err := Compile(req.Strategy, req.Parameters, risk)
	if err != nil {
		return nil, err
	}
	return e.RunCompiled(ctx, compiled, req)
}

// RunCompiled runs an already compiled strategy. req.Strategy, req.Parameters and
// req.Risk are ignored.
func (e *Engine) RunCompiled(ctx context.Context, compiled *Compiled, req Request) (*domain.BacktestResult, error) {
	candles := ensureSorted(req.Candles)
	if len(candles) == 0 {
		return nil, domain.DataInsufficientError{Indicator: "candles", Required: 1, Available: 0}
	}

	signals, err := compiled.Signals(candles)
	if err != nil {
		return nil, err
	}

	fine := e.fineSeries(candles, req)
	sim, err := Simulate(ctx, candles, signals, compiled.Risk, compiled.Direction, fine)
	if err != nil {
		return nil, err
	}

	m := e.calc.Calculate(metrics.Input{
		Trades:         sim.Trades,
		EquityCurve:    sim.EquityCurve,
		Candles:        candles,
		InitialCapital: compiled.Risk.InitialCapital,
	})

	return &domain.BacktestResult{
		Strategy:    compiled.Strategy,
		Parameters:  req.Parameters,
		Trades:      sim.Trades,
		EquityCurve: sim.EquityCurve,
		Metrics:     m,
		DeepBars:    sim.DeepBars,
	}, nil
}

func (e *Engine) risk(override *domain.RiskConfig) domain.RiskConfig {
	r := domain.RiskConfig{
		FeeRate:        domain.Float(e.cfg.FeeRate),
		InitialCapital: e.cfg.InitialCapital,
		FillPolicy:     e.cfg.FillPolicy,
	}
	if override == nil {
		return r
	}
	r.StopLoss = override.StopLoss
	r.TakeProfit = override.TakeProfit
	if override.FeeRate != nil {
		r.FeeRate = domain.Float(*override.FeeRate)
	}
	if override.InitialCapital > 0 {
		r.InitialCapital = override.InitialCapital
	}
	if override.FillPolicy != "" {
		r.FillPolicy = override.FillPolicy
	}
	return r
}

// PrepareRisk resolves a request's risk settings against the engine defaults.
func (e *Engine) PrepareRisk(override *domain.RiskConfig) domain.RiskConfig {
	return e.risk(override)
}

func (e *Engine) fineSeries(candles []domain.Candle, req Request) *FineSeries {
	if len(req.Fine) == 0 {
		return nil
	}
	span := req.Timeframe.Duration()
	if span == 0 {
		span = spacing(candles)
	}
	fine := ensureSorted(req.Fine)
	if step := spacing(fine); span == 0 || step == 0 || step >= span {
		e.logger.Warn("Fine candles are not finer than the primary series, deep backtest disabled",
			zap.Duration("primary", span),
			zap.Duration("fine", step),
		)
		return nil
	}
	return &FineSeries{Candles: fine, Span: span}
}

// spacing returns the smallest positive gap between consecutive candles.
func spacing(candles []domain.Candle) time.Duration {
	var best time.Duration
	for i := 1; i < len(candles); i++ {
		d := candles[i].Timestamp.Sub(candles[i-1].Timestamp)
		if d > 0 && (best == 0 || d < best) {
			best = d
		}
	}
	return best
}

// ensureSorted returns candles unchanged when already strictly ascending and a
// normalized copy otherwise.
func ensureSorted(candles []domain.Candle) []domain.Candle {
	sorted := sort.SliceIsSorted(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	if sorted {
		dup := false
		for i := 1; i < len(candles); i++ {
			if candles[i].Timestamp.Equal(candles[i-1].Timestamp) {
				dup = true
				break
			}
		}
		if !dup {
			return candles
		}
	}
	return domain.NormalizeCandles(candles)
}

// String helps log a request without dumping candles.
func (r Request) String() string {
	return fmt.Sprintf("%s bars=%d fine=%d params=%s", r.Strategy.Name, len(r.Candles), len(r.Fine), r.Parameters.Key())
}
