package metrics

import "github.com/saltfish/stratlab/go-backend/internal/domain"

// fillBenchmark compares the strategy against buying at the first close and holding
// to the last.
func fillBenchmark(m *domain.Metrics, in Input) {
	candles := in.Candles
	if len(candles) == 0 {
		return
	}
	first, last := candles[0].Close, candles[len(candles)-1].Close
	if first > 0 {
		m.BuyHoldReturnPct = (last/first - 1) * 100
		m.BuyHoldCAGR = cagr(first, last, m.PeriodDays)
	}
	if m.CAGR != nil && m.BuyHoldCAGR != nil {
		m.Alpha = domain.Float(*m.CAGR - *m.BuyHoldCAGR)
	}

	if len(in.EquityCurve) == len(candles) && len(candles) > 1 {
		market := make([]float64, 0, len(candles)-1)
		for i := 1; i < len(candles); i++ {
			prev := candles[i-1].Close
			if prev == 0 {
				market = append(market, 0)
				continue
			}
			market = append(market, candles[i].Close/prev-1)
		}
		m.Correlation = correlation(barReturns(in.EquityCurve), market)
	}

	if len(in.EquityCurve) > 0 {
		held := 0
		for _, p := range in.EquityCurve {
			if p.InPosition {
				held++
			}
		}
		m.ExposurePct = float64(held) / float64(len(in.EquityCurve)) * 100
	}
}
