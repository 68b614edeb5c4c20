package domain

import "time"

// Trade is one closed position.
type Trade struct {
	EntryTime      time.Time  `json:"entry_time"`
	EntryPrice     float64    `json:"entry_price"`
	ExitTime       time.Time  `json:"exit_time"`
	ExitPrice      float64    `json:"exit_price"`
	Direction      Direction  `json:"direction"`
	PnL            float64    `json:"pnl"`
	PnLPct         float64    `json:"pnl_pct"`
	ExitReason     ExitReason `json:"exit_reason"`
	InitialCapital float64    `json:"initial_capital"`
	FinalCapital   float64    `json:"final_capital"`
	EntryIndex     int        `json:"entry_index"`
	ExitIndex      int        `json:"exit_index"`
}

// Duration returns how long the position was held.
func (t Trade) Duration() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// IsWin returns true for a trade that made money after fees.
func (t Trade) IsWin() bool {
	return t.PnL > 0
}

// EquityPoint is the marked-to-market account value at the close of a bar.
type EquityPoint struct {
	Time       time.Time `json:"time"`
	Equity     float64   `json:"equity"`
	InPosition bool      `json:"in_position"`
}

// Metrics is the performance summary of one backtest. Ratios that are undefined
// for the run (no trades, no losses, zero volatility) are nil.
type Metrics struct {
	// Performance
	InitialCapital   float64  `json:"initial_capital"`
	FinalCapital     float64  `json:"final_capital"`
	TotalReturnPct   float64  `json:"total_return_pct"`
	CAGR             *float64 `json:"cagr,omitempty"`
	AvgMonthlyReturn *float64 `json:"avg_monthly_return,omitempty"`
	PeriodDays       float64  `json:"period_days"`
	BarsPerYear      float64  `json:"bars_per_year"`

	// Risk
	MaxDrawdownPct      float64  `json:"max_drawdown_pct"`
	AvgDrawdownPct      float64  `json:"avg_drawdown_pct"`
	MaxDrawdownDuration float64  `json:"max_drawdown_duration_days"`
	RecoveryFactor      *float64 `json:"recovery_factor,omitempty"`

	// Risk-adjusted
	SharpeRatio  *float64 `json:"sharpe_ratio,omitempty"`
	SortinoRatio *float64 `json:"sortino_ratio,omitempty"`
	CalmarRatio  *float64 `json:"calmar_ratio,omitempty"`

	// Trade statistics
	TotalTrades            int      `json:"total_trades"`
	WinningTrades          int      `json:"winning_trades"`
	LosingTrades           int      `json:"losing_trades"`
	WinRate                *float64 `json:"win_rate,omitempty"`
	GrossProfit            float64  `json:"gross_profit"`
	GrossLoss              float64  `json:"gross_loss"`
	ProfitFactor           *float64 `json:"profit_factor,omitempty"`
	AvgWinPct              *float64 `json:"avg_win_pct,omitempty"`
	AvgLossPct             *float64 `json:"avg_loss_pct,omitempty"`
	Expectancy             *float64 `json:"expectancy,omitempty"`
	ExpectancyUSD          *float64 `json:"expectancy_usd,omitempty"`
	MaxConsecutiveWins     int      `json:"max_consecutive_wins"`
	MaxConsecutiveLosses   int      `json:"max_consecutive_losses"`
	TopDecileConcentration *float64 `json:"top_decile_concentration,omitempty"`
	AvgTradeDurationHours  *float64 `json:"avg_trade_duration_hours,omitempty"`
	BestTradePct           *float64 `json:"best_trade_pct,omitempty"`
	WorstTradePct          *float64 `json:"worst_trade_pct,omitempty"`

	// Benchmark
	BuyHoldReturnPct float64  `json:"buy_hold_return_pct"`
	BuyHoldCAGR      *float64 `json:"buy_hold_cagr,omitempty"`
	Alpha            *float64 `json:"alpha,omitempty"`
	Correlation      *float64 `json:"correlation,omitempty"`
	ExposurePct      float64  `json:"exposure_pct"`

	Criteria CriteriaResult `json:"criteria"`
}

// CriteriaResult is the GO/NO-GO verdict with its reasons.
type CriteriaResult struct {
	Status   Verdict  `json:"status"`
	Reasons  []string `json:"reasons"`
	Warnings []string `json:"warnings"`
}

// IsGo returns true for a GO verdict.
func (c CriteriaResult) IsGo() bool {
	return c.Status == VerdictGo
}

// BacktestResult is the full output of one backtest run.
type BacktestResult struct {
	Strategy    string        `json:"strategy"`
	Parameters  ParameterSet  `json:"parameters,omitempty"`
	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"`
	Metrics     *Metrics      `json:"metrics"`
	DeepBars    int           `json:"deep_bars"`
}

// Float returns a pointer to v. Used for optional metric fields.
func Float(v float64) *float64 {
	return &v
}
