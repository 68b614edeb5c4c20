package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// ctxCheckInterval is how many bars are simulated between context checks.
const ctxCheckInterval = 1024

// FineSeries holds lower-timeframe candles used to resolve stop-loss and take-profit
// inside each primary bar.
type FineSeries struct {
	Candles []domain.Candle
	// Span is the length of one primary bar.
	Span time.Duration
}

// window returns the fine candles inside [start, start+Span).
func (f *FineSeries) window(start time.Time) []domain.Candle {
	if f == nil || len(f.Candles) == 0 {
		return nil
	}
	end := start.Add(f.Span)
	lo := sort.Search(len(f.Candles), func(i int) bool { return !f.Candles[i].Timestamp.Before(start) })
	hi := sort.Search(len(f.Candles), func(i int) bool { return !f.Candles[i].Timestamp.Before(end) })
	return f.Candles[lo:hi]
}

// Simulation is the raw output of the simulator.
type Simulation struct {
	Trades      []domain.Trade
	EquityCurve []domain.EquityPoint
	// DeepBars counts the primary bars whose risk checks used fine candles.
	DeepBars int
}

type position struct {
	entryIndex int
	entryTime  time.Time
	entryPrice float64
	stop       float64
	target     float64
}

type simulator struct {
	candles   []domain.Candle
	signals   domain.Signals
	risk      domain.RiskConfig
	direction domain.Direction
	fine      *FineSeries

	capital float64
	pos     *position
	out     Simulation
}

// Simulate runs the single-position state machine over candles. While a position is
// open, stop-loss is checked first, then take-profit, then the exit signal.
func Simulate(ctx context.Context, candles []domain.Candle, signals domain.Signals, risk domain.RiskConfig,
	direction domain.Direction, fine *FineSeries) (*Simulation, error) {
	s := &simulator{
		candles:   candles,
		signals:   signals,
		risk:      risk,
		direction: direction,
		fine:      fine,
		capital:   risk.InitialCapital,
	}
	if s.risk.FillPolicy == "" {
		s.risk.FillPolicy = domain.FillNextOpen
	}
	s.out.Trades = make([]domain.Trade, 0)
	s.out.EquityCurve = make([]domain.EquityPoint, 0, len(candles))
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	return &s.out, nil
}

func (s *simulator) run(ctx context.Context) error {
	n := len(s.candles)
	nextOpen := s.risk.FillPolicy == domain.FillNextOpen
	pendingEntry, pendingExit := false, false

	for i := 0; i < n; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		bar := s.candles[i]
		if err := validateBar(i, bar, ""); err != nil {
			return err
		}

		// orders queued on the previous bar execute at this bar's open
		if pendingExit && s.pos != nil {
			s.close(i, bar.Open, domain.ExitReasonSignal)
		}
		if pendingEntry && s.pos == nil {
			s.open(i, bar.Open)
		}
		pendingEntry, pendingExit = false, false

		closedIntrabar := false
		if s.pos != nil && (nextOpen || s.pos.entryIndex < i) {
			hit, price, reason, err := s.checkRisk(i)
			if err != nil {
				return err
			}
			if hit {
				s.close(i, price, reason)
				closedIntrabar = true
			}
		}

		switch {
		case s.pos != nil:
			if s.signals.At(i, true) == domain.SignalExit {
				if nextOpen && i < n-1 {
					pendingExit = true
				} else {
					s.close(i, bar.Close, domain.ExitReasonSignal)
					closedIntrabar = true
				}
			}
		case !closedIntrabar:
			if s.signals.At(i, false) == domain.SignalEnter {
				if !nextOpen {
					s.open(i, bar.Close)
				} else if i < n-1 {
					pendingEntry = true
				}
			}
		}

		s.mark(i)
	}

	if s.pos != nil && n > 0 {
		s.close(n-1, s.candles[n-1].Close, domain.ExitReasonEndOfData)
		s.out.EquityCurve[n-1].Equity = s.capital
		s.out.EquityCurve[n-1].InPosition = false
	}
	return nil
}

func (s *simulator) open(i int, price float64) {
	p := &position{entryIndex: i, entryTime: s.candles[i].Timestamp, entryPrice: price, stop: math.NaN(), target: math.NaN()}
	long := s.direction != domain.DirectionShort
	if sl := s.risk.StopLoss; sl != nil {
		if long {
			p.stop = price * (1 - *sl)
		} else {
			p.stop = price * (1 + *sl)
		}
	}
	if tp := s.risk.TakeProfit; tp != nil {
		if long {
			p.target = price * (1 + *tp)
		} else {
			p.target = price * (1 - *tp)
		}
	}
	s.pos = p
}

func (s *simulator) close(i int, price float64, reason domain.ExitReason) {
	p := s.pos
	pnlPct := s.grossReturn(price) - s.risk.Fee()
	before := s.capital
	s.capital = before * (1 + pnlPct)
	s.out.Trades = append(s.out.Trades, domain.Trade{
		EntryTime:      p.entryTime,
		EntryPrice:     p.entryPrice,
		ExitTime:       s.candles[i].Timestamp,
		ExitPrice:      price,
		Direction:      s.direction,
		PnL:            before * pnlPct,
		PnLPct:         pnlPct,
		ExitReason:     reason,
		InitialCapital: before,
		FinalCapital:   s.capital,
		EntryIndex:     p.entryIndex,
		ExitIndex:      i,
	})
	s.pos = nil
}

func (s *simulator) grossReturn(price float64) float64 {
	entry := s.pos.entryPrice
	if s.direction == domain.DirectionShort {
		return (entry - price) / entry
	}
	return (price - entry) / entry
}

func (s *simulator) mark(i int) {
	equity := s.capital
	if s.pos != nil {
		equity = s.capital * (1 + s.grossReturn(s.candles[i].Close))
	}
	s.out.EquityCurve = append(s.out.EquityCurve, domain.EquityPoint{
		Time:       s.candles[i].Timestamp,
		Equity:     equity,
		InPosition: s.pos != nil,
	})
}

// checkRisk tests the open position's stop and target against bar i, walking the
// fine candles of the bar when they exist.
func (s *simulator) checkRisk(i int) (bool, float64, domain.ExitReason, error) {
	if math.IsNaN(s.pos.stop) && math.IsNaN(s.pos.target) {
		return false, 0, "", nil
	}
	if sub := s.fine.window(s.candles[i].Timestamp); len(sub) > 0 {
		s.out.DeepBars++
		for j, c := range sub {
			if err := validateBar(i, c, fmt.Sprintf("fine candle %d: ", j)); err != nil {
				return false, 0, "", err
			}
			if hit, price, reason := s.touch(c); hit {
				return true, price, reason, nil
			}
		}
		return false, 0, "", nil
	}
	hit, price, reason := s.touch(s.candles[i])
	return hit, price, reason, nil
}

// touch resolves a single bar. When both levels are inside the bar the stop wins.
// A bar that opens beyond a level fills at the open.
func (s *simulator) touch(c domain.Candle) (bool, float64, domain.ExitReason) {
	p := s.pos
	if s.direction == domain.DirectionShort {
		if !math.IsNaN(p.stop) && c.High >= p.stop {
			return true, math.Max(c.Open, p.stop), domain.ExitReasonStopLoss
		}
		if !math.IsNaN(p.target) && c.Low <= p.target {
			return true, math.Min(c.Open, p.target), domain.ExitReasonTakeProfit
		}
		return false, 0, ""
	}
	if !math.IsNaN(p.stop) && c.Low <= p.stop {
		return true, math.Min(c.Open, p.stop), domain.ExitReasonStopLoss
	}
	if !math.IsNaN(p.target) && c.High >= p.target {
		return true, math.Max(c.Open, p.target), domain.ExitReasonTakeProfit
	}
	return false, 0, ""
}

func validateBar(i int, c domain.Candle, prefix string) error {
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.SimulationError{Bar: i, Message: prefix + "non-finite price"}
		}
		if v <= 0 {
			return domain.SimulationError{Bar: i, Message: prefix + "non-positive price"}
		}
	}
	return nil
}
