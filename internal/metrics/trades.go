package metrics

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// fillTradeStats computes the per-trade statistics. Profit factor is gross dollar
// profit over gross dollar loss, summed in decimal so long trade lists do not drift.
func fillTradeStats(m *domain.Metrics, trades []domain.Trade) {
	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	net := decimal.Zero
	var winPct, lossPct []float64
	var held float64
	best, worst := math.Inf(-1), math.Inf(1)
	streakWins, streakLosses := 0, 0

	for _, t := range trades {
		pnl := decimal.NewFromFloat(t.PnL)
		net = net.Add(pnl)
		switch {
		case pnl.IsPositive():
			grossProfit = grossProfit.Add(pnl)
		case pnl.IsNegative():
			grossLoss = grossLoss.Add(pnl.Abs())
		}

		pct := t.PnLPct * 100
		if t.IsWin() {
			m.WinningTrades++
			winPct = append(winPct, pct)
			streakWins++
			streakLosses = 0
		} else {
			m.LosingTrades++
			lossPct = append(lossPct, math.Abs(pct))
			streakLosses++
			streakWins = 0
		}
		if streakWins > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = streakWins
		}
		if streakLosses > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = streakLosses
		}

		held += t.Duration().Hours()
		best = math.Max(best, pct)
		worst = math.Min(worst, pct)
	}

	n := float64(len(trades))
	m.GrossProfit = grossProfit.InexactFloat64()
	m.GrossLoss = grossLoss.InexactFloat64()
	if grossLoss.IsPositive() {
		m.ProfitFactor = domain.Float(grossProfit.Div(grossLoss).InexactFloat64())
	}

	winRate := float64(m.WinningTrades) / n
	m.WinRate = domain.Float(winRate * 100)

	avgWin, avgLoss := 0.0, 0.0
	if len(winPct) > 0 {
		avgWin = mean(winPct)
		m.AvgWinPct = domain.Float(avgWin)
	}
	if len(lossPct) > 0 {
		avgLoss = mean(lossPct)
		m.AvgLossPct = domain.Float(avgLoss)
	}
	m.Expectancy = domain.Float(winRate*avgWin - (1-winRate)*avgLoss)
	m.ExpectancyUSD = domain.Float(net.Div(decimal.NewFromInt(int64(len(trades)))).InexactFloat64())

	m.AvgTradeDurationHours = domain.Float(held / n)
	m.BestTradePct = domain.Float(best)
	m.WorstTradePct = domain.Float(worst)
	m.TopDecileConcentration = topDecileConcentration(trades, grossProfit)
}

// topDecileConcentration is the share of gross profit, in percent, earned by the
// best 10% of trades (at least one trade).
func topDecileConcentration(trades []domain.Trade, grossProfit decimal.Decimal) *float64 {
	if !grossProfit.IsPositive() {
		return nil
	}
	pnls := make([]float64, len(trades))
	for i, t := range trades {
		pnls[i] = t.PnL
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(pnls)))

	k := int(math.Ceil(float64(len(pnls)) / 10))
	top := decimal.Zero
	for _, p := range pnls[:k] {
		if p > 0 {
			top = top.Add(decimal.NewFromFloat(p))
		}
	}
	return domain.Float(top.Div(grossProfit).Mul(decimal.NewFromInt(100)).InexactFloat64())
}
