// Package metrics turns a simulated trade list and equity curve into the performance
// report and its GO/NO-GO verdict.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

const (
	daysPerYear    = 365.25
	secondsPerYear = daysPerYear * 24 * 60 * 60
)

// Input is everything the calculator needs from one simulation.
type Input struct {
	Trades         []domain.Trade
	EquityCurve    []domain.EquityPoint
	Candles        []domain.Candle
	InitialCapital float64
}

// Calculator computes metrics and applies the GO/NO-GO criteria.
type Calculator struct {
	criteria Criteria
}

// NewCalculator creates a calculator with the given criteria.
func NewCalculator(criteria Criteria) *Calculator {
	return &Calculator{criteria: criteria}
}

// Criteria returns the thresholds used by the calculator.
func (c *Calculator) Criteria() Criteria {
	return c.criteria
}

// Calculate is pure: the same input always yields the same metrics.
func (c *Calculator) Calculate(in Input) *domain.Metrics {
	m := &domain.Metrics{
		InitialCapital: in.InitialCapital,
		FinalCapital:   in.InitialCapital,
	}
	if n := len(in.EquityCurve); n > 0 {
		m.FinalCapital = in.EquityCurve[n-1].Equity
	}
	if len(in.Candles) > 1 {
		m.PeriodDays = in.Candles[len(in.Candles)-1].Timestamp.Sub(in.Candles[0].Timestamp).Hours() / 24
	}
	m.BarsPerYear = barsPerYear(in.Candles)

	fillPerformance(m, in)
	fillDrawdown(m, in.EquityCurve)
	fillRiskAdjusted(m, in.EquityCurve)
	fillTradeStats(m, in.Trades)
	fillBenchmark(m, in)

	if m.TotalTrades == 0 {
		m.SharpeRatio = nil
		m.SortinoRatio = nil
		m.CalmarRatio = nil
		m.Correlation = nil
	}

	m.Criteria = c.criteria.Evaluate(m)
	return m
}

func fillPerformance(m *domain.Metrics, in Input) {
	if in.InitialCapital > 0 {
		m.TotalReturnPct = (m.FinalCapital/in.InitialCapital - 1) * 100
	}
	m.CAGR = cagr(in.InitialCapital, m.FinalCapital, m.PeriodDays)
	m.AvgMonthlyReturn = avgMonthlyReturn(in.EquityCurve, in.InitialCapital)
}

// cagr returns the compound annual growth rate in percent, or nil when the period
// is empty.
func cagr(start, end, days float64) *float64 {
	if days <= 0 || start <= 0 {
		return nil
	}
	ratio := end / start
	if ratio <= 0 {
		return domain.Float(-100)
	}
	return domain.Float((math.Pow(ratio, daysPerYear/days) - 1) * 100)
}

func avgMonthlyReturn(curve []domain.EquityPoint, initial float64) *float64 {
	if len(curve) == 0 || initial <= 0 {
		return nil
	}
	var returns []float64
	prev := initial
	month := monthOf(curve[0].Time)
	last := curve[0].Equity
	for _, p := range curve {
		if mo := monthOf(p.Time); mo != month {
			returns = append(returns, last/prev-1)
			prev = last
			month = mo
		}
		last = p.Equity
	}
	returns = append(returns, last/prev-1)
	return domain.Float(mean(returns) * 100)
}

func monthOf(t time.Time) int {
	u := t.UTC()
	return u.Year()*12 + int(u.Month())
}

// barsPerYear infers the annualization factor from the median bar spacing.
func barsPerYear(candles []domain.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	gaps := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		if d := candles[i].Timestamp.Sub(candles[i-1].Timestamp).Seconds(); d > 0 {
			gaps = append(gaps, d)
		}
	}
	if len(gaps) == 0 {
		return 0
	}
	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]
	if len(gaps)%2 == 0 {
		median = (gaps[len(gaps)/2-1] + gaps[len(gaps)/2]) / 2
	}
	return secondsPerYear / median
}

func fillRiskAdjusted(m *domain.Metrics, curve []domain.EquityPoint) {
	returns := barReturns(curve)
	if len(returns) >= 2 && m.BarsPerYear > 0 {
		mu := mean(returns)
		annual := math.Sqrt(m.BarsPerYear)
		if sd := stddev(returns, mu); sd > 0 {
			m.SharpeRatio = domain.Float(mu / sd * annual)
		}
		if dd := downsideDeviation(returns); dd > 0 {
			m.SortinoRatio = domain.Float(mu / dd * annual)
		}
	}
	if m.CAGR != nil && m.MaxDrawdownPct > 0 {
		m.CalmarRatio = domain.Float(*m.CAGR / m.MaxDrawdownPct)
	}
}

func barReturns(curve []domain.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, curve[i].Equity/prev-1)
	}
	return out
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

// stddev is the sample standard deviation.
func stddev(x []float64, mu float64) float64 {
	if len(x) < 2 {
		return 0
	}
	var ss float64
	for _, v := range x {
		d := v - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(x)-1))
}

func downsideDeviation(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var ss float64
	for _, v := range x {
		if v < 0 {
			ss += v * v
		}
	}
	return math.Sqrt(ss / float64(len(x)))
}

func correlation(a, b []float64) *float64 {
	if len(a) != len(b) || len(a) < 2 {
		return nil
	}
	ma, mb := mean(a), mean(b)
	var cov, va, vb float64
	for i := range a {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return nil
	}
	return domain.Float(cov / math.Sqrt(va*vb))
}
