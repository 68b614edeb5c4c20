// Package backtest simulates a compiled strategy over a candle series.
package backtest

import (
	"fmt"
	"math"
	"strings"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/expr"
	"github.com/saltfish/stratlab/go-backend/internal/indicator"
)

// Reserved parameter names that override the risk settings.
const (
	ParamStopLoss   = "stop_loss"
	ParamTakeProfit = "take_profit"
)

// Compiled is a strategy with its parameters applied and both rules compiled.
type Compiled struct {
	Strategy   string
	Indicators []domain.IndicatorSpec
	Entry      *expr.Program
	// Exit is nil when the strategy relies on stop-loss/take-profit only.
	Exit      *expr.Program
	Direction domain.Direction
	Risk      domain.RiskConfig
	Warmup    int

	consumed map[string]bool
}

// Consumes reports whether the named parameter influences the compiled strategy.
func (c *Compiled) Consumes(name string) bool {
	return c.consumed[name]
}

// Compile binds params into def and compiles the entry and exit rules. Every
// indicator and expression error surfaces here, before any simulation.
func Compile(def domain.StrategyDefinition, params domain.ParameterSet, risk domain.RiskConfig) (*Compiled, error) {
	if strings.TrimSpace(def.EntryLogic) == "" {
		return nil, fmt.Errorf("%w: strategy %q has no entry logic", domain.ErrCompile, def.Name)
	}
	direction := def.Direction
	if direction == "" {
		direction = domain.DirectionLong
	}
	if !direction.IsValid() {
		return nil, fmt.Errorf("%w: unknown direction %q", domain.ErrCompile, def.Direction)
	}

	c := &Compiled{
		Strategy:  def.Name,
		Direction: direction,
		consumed:  make(map[string]bool),
	}

	specs, err := c.bindIndicators(def.Indicators, params)
	if err != nil {
		return nil, err
	}
	c.Indicators = specs

	c.Risk, err = c.bindRisk(def, risk, params)
	if err != nil {
		return nil, err
	}

	columns := []string{indicator.ColOpen, indicator.ColHigh, indicator.ColLow, indicator.ColClose, indicator.ColVolume}
	for _, s := range specs {
		cols, err := indicator.Columns(s)
		if err != nil {
			return nil, err
		}
		columns = append(columns, cols...)
		w, _ := indicator.Warmup(s)
		if w > c.Warmup {
			c.Warmup = w
		}
	}
	scope := expr.NewScope(columns, params)

	c.Entry, err = expr.Compile(def.EntryLogic, scope)
	if err != nil {
		return nil, fmt.Errorf("entry logic: %w", err)
	}
	c.markScalars(c.Entry)

	if strings.TrimSpace(def.ExitLogic) != "" {
		c.Exit, err = expr.Compile(def.ExitLogic, scope)
		if err != nil {
			return nil, fmt.Errorf("exit logic: %w", err)
		}
		c.markScalars(c.Exit)
	}
	return c, nil
}

// bindIndicators freezes every indicator's name before applying parameters so that
// expressions written against "EMA_9" keep resolving when period is optimized.
func (c *Compiled) bindIndicators(in []domain.IndicatorSpec, params domain.ParameterSet) ([]domain.IndicatorSpec, error) {
	out := make([]domain.IndicatorSpec, 0, len(in))
	for _, spec := range in {
		resolved, err := indicator.Resolve(spec)
		if err != nil {
			return nil, err
		}
		resolved.Alias = resolved.Name()

		for param, ref := range resolved.Bind {
			if v, ok := params[ref]; ok {
				resolved.Params[param] = v
				c.consumed[ref] = true
			}
		}
		prefix := resolved.Alias + "."
		for key, v := range params {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			param := strings.TrimPrefix(key, prefix)
			if _, known := resolved.Params[param]; !known {
				return nil, fmt.Errorf("%w: %s has no parameter %q", domain.ErrCompile, resolved.Alias, param)
			}
			resolved.Params[param] = v
			c.consumed[key] = true
		}

		// re-validate the bound values
		if _, err := indicator.Resolve(resolved); err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

func (c *Compiled) bindRisk(def domain.StrategyDefinition, risk domain.RiskConfig, params domain.ParameterSet) (domain.RiskConfig, error) {
	out := risk
	if out.StopLoss == nil && def.StopLoss != nil {
		out.StopLoss = domain.Float(*def.StopLoss)
	}
	if out.TakeProfit == nil && def.TakeProfit != nil {
		out.TakeProfit = domain.Float(*def.TakeProfit)
	}
	if v, ok := params[ParamStopLoss]; ok {
		out.StopLoss = domain.Float(v)
		c.consumed[ParamStopLoss] = true
	}
	if v, ok := params[ParamTakeProfit]; ok {
		out.TakeProfit = domain.Float(v)
		c.consumed[ParamTakeProfit] = true
	}
	// zero disables the level
	if out.StopLoss != nil && *out.StopLoss == 0 {
		out.StopLoss = nil
	}
	if out.TakeProfit != nil && *out.TakeProfit == 0 {
		out.TakeProfit = nil
	}

	if sl := out.StopLoss; sl != nil && (*sl < 0 || *sl >= 1 || math.IsNaN(*sl)) {
		return out, fmt.Errorf("%w: stop_loss must be in [0, 1), got %g", domain.ErrCompile, *sl)
	}
	if tp := out.TakeProfit; tp != nil && (*tp < 0 || math.IsNaN(*tp)) {
		return out, fmt.Errorf("%w: take_profit must be positive, got %g", domain.ErrCompile, *tp)
	}
	if fee := out.Fee(); fee < 0 || math.IsNaN(fee) {
		return out, fmt.Errorf("%w: fee rate must not be negative", domain.ErrCompile)
	}
	if out.FillPolicy == "" {
		out.FillPolicy = domain.FillNextOpen
	}
	if !out.FillPolicy.IsValid() {
		return out, fmt.Errorf("%w: unknown fill policy %q", domain.ErrCompile, out.FillPolicy)
	}
	return out, nil
}

func (c *Compiled) markScalars(p *expr.Program) {
	for _, s := range p.Scalars() {
		c.consumed[s] = true
	}
}

// Signals computes the indicator table for candles and evaluates both rules on it.
func (c *Compiled) Signals(candles []domain.Candle) (domain.Signals, error) {
	tbl, err := indicator.Compute(candles, c.Indicators)
	if err != nil {
		return domain.Signals{}, err
	}
	entry, err := c.Entry.Eval(tbl)
	if err != nil {
		return domain.Signals{}, err
	}
	exit := make([]bool, tbl.Len())
	if c.Exit != nil {
		if exit, err = c.Exit.Eval(tbl); err != nil {
			return domain.Signals{}, err
		}
	}
	return domain.Signals{Entry: entry, Exit: exit}, nil
}
