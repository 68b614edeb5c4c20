package metrics

import (
	"fmt"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// Criteria holds the GO/NO-GO thresholds. Percentages are expressed as 35 for 35%.
type Criteria struct {
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct"`
	MinCalmar            float64 `yaml:"min_calmar"`
	MinProfitFactor      float64 `yaml:"min_profit_factor"`
	MinTrades            int     `yaml:"min_trades"`
	RequireBeatBenchmark bool    `yaml:"require_beat_benchmark"`
	AutoNoGoDrawdownPct  float64 `yaml:"auto_nogo_drawdown_pct"`
	AutoNoGoSharpe       float64 `yaml:"auto_nogo_sharpe"`
	MaxConcentrationPct  float64 `yaml:"max_concentration_pct"`
}

// DefaultCriteria returns the standard thresholds.
func DefaultCriteria() Criteria {
	return Criteria{
		MaxDrawdownPct:       35,
		MinCalmar:            1.0,
		MinProfitFactor:      1.3,
		MinTrades:            100,
		RequireBeatBenchmark: true,
		AutoNoGoDrawdownPct:  45,
		AutoNoGoSharpe:       0.8,
		MaxConcentrationPct:  50,
	}
}

// Evaluate returns GO only when every condition holds and no automatic NO-GO
// condition fires. Undefined metrics fail the condition they feed unless the reason
// they are undefined is favorable (e.g. no losing trades).
func (c Criteria) Evaluate(m *domain.Metrics) domain.CriteriaResult {
	res := domain.CriteriaResult{Reasons: []string{}, Warnings: []string{}}
	fail := func(format string, args ...any) {
		res.Reasons = append(res.Reasons, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if c.RequireBeatBenchmark {
		switch {
		case m.CAGR == nil:
			fail("CAGR is undefined")
		case m.BuyHoldCAGR == nil:
			warn("buy-and-hold CAGR is undefined, benchmark check skipped")
		case *m.CAGR <= *m.BuyHoldCAGR:
			fail("CAGR %.2f%% does not beat buy-and-hold %.2f%%", *m.CAGR, *m.BuyHoldCAGR)
		}
	}

	if m.MaxDrawdownPct > c.MaxDrawdownPct {
		fail("max drawdown %.2f%% exceeds %.2f%%", m.MaxDrawdownPct, c.MaxDrawdownPct)
	}

	switch {
	case m.CalmarRatio != nil:
		if *m.CalmarRatio < c.MinCalmar {
			fail("Calmar ratio %.2f below %.2f", *m.CalmarRatio, c.MinCalmar)
		}
	case m.TotalTrades > 0 && m.MaxDrawdownPct == 0 && m.CAGR != nil && *m.CAGR > 0:
		warn("Calmar ratio undefined: no drawdown")
	default:
		fail("Calmar ratio is undefined")
	}

	switch {
	case m.ProfitFactor != nil:
		if *m.ProfitFactor < c.MinProfitFactor {
			fail("profit factor %.2f below %.2f", *m.ProfitFactor, c.MinProfitFactor)
		}
	case m.GrossProfit > 0 && m.GrossLoss == 0:
		warn("profit factor undefined: no losing trades")
	default:
		fail("profit factor is undefined")
	}

	if m.Expectancy == nil || *m.Expectancy <= 0 {
		fail("expectancy is not positive")
	}

	if m.TotalTrades < c.MinTrades {
		fail("%d trades, need at least %d", m.TotalTrades, c.MinTrades)
	}

	if m.MaxDrawdownPct > c.AutoNoGoDrawdownPct {
		fail("automatic NO-GO: max drawdown %.2f%% above %.2f%%", m.MaxDrawdownPct, c.AutoNoGoDrawdownPct)
	}
	switch {
	case m.SharpeRatio == nil:
		fail("automatic NO-GO: Sharpe ratio is undefined")
	case *m.SharpeRatio < c.AutoNoGoSharpe:
		fail("automatic NO-GO: Sharpe ratio %.2f below %.2f", *m.SharpeRatio, c.AutoNoGoSharpe)
	}

	if m.TopDecileConcentration != nil && *m.TopDecileConcentration > c.MaxConcentrationPct {
		warn("top 10%% of trades earn %.1f%% of gross profit", *m.TopDecileConcentration)
	}
	if m.TotalTrades > 0 && m.ExposurePct < 5 {
		warn("market exposure only %.1f%%", m.ExposurePct)
	}

	res.Status = domain.VerdictGo
	if len(res.Reasons) > 0 {
		res.Status = domain.VerdictNoGo
	}
	return res
}
