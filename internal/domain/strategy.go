package domain

import (
	"sort"
	"strconv"
	"strings"
)

// IndicatorSpec declares one indicator a strategy computes.
type IndicatorSpec struct {
	Type   string             `json:"type" yaml:"type"`
	Alias  string             `json:"alias,omitempty" yaml:"alias,omitempty"`
	Source string             `json:"source,omitempty" yaml:"source,omitempty"`
	Params map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	// Bind maps an indicator parameter (e.g. "period") to the name of an
	// optimization parameter (e.g. "fast_period").
	Bind map[string]string `json:"bind,omitempty" yaml:"bind,omitempty"`
}

// Name returns the alias, or the canonical name derived from type and parameters
// ("EMA_9", "MACD_12_26_9").
func (s IndicatorSpec) Name() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.CanonicalName()
}

// CanonicalName joins the upper-cased type with the sorted parameter values.
func (s IndicatorSpec) CanonicalName() string {
	parts := []string{strings.ToUpper(s.Type)}
	for _, k := range canonicalParamOrder(s.Params) {
		parts = append(parts, formatNumber(s.Params[k]))
	}
	return strings.Join(parts, "_")
}

// Param returns the named parameter or def when it is absent.
func (s IndicatorSpec) Param(name string, def float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return def
}

// Clone returns a deep copy so binding never mutates the caller's definition.
func (s IndicatorSpec) Clone() IndicatorSpec {
	out := s
	if s.Params != nil {
		out.Params = make(map[string]float64, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	if s.Bind != nil {
		out.Bind = make(map[string]string, len(s.Bind))
		for k, v := range s.Bind {
			out.Bind[k] = v
		}
	}
	return out
}

// well-known parameter names keep MACD_12_26_9 in its conventional order.
var paramRank = map[string]int{
	"period":  0,
	"fast":    1,
	"slow":    2,
	"signal":  3,
	"std_dev": 4,
}

func canonicalParamOrder(params map[string]float64) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := paramRank[keys[i]]
		rj, jok := paramRank[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// StrategyDefinition is a declarative, rule-based strategy.
type StrategyDefinition struct {
	Name       string          `json:"name" yaml:"name"`
	Indicators []IndicatorSpec `json:"indicators" yaml:"indicators"`
	EntryLogic string          `json:"entry_logic" yaml:"entry_logic"`
	ExitLogic  string          `json:"exit_logic" yaml:"exit_logic"`
	StopLoss   *float64        `json:"stop_loss,omitempty" yaml:"stop_loss,omitempty"`
	TakeProfit *float64        `json:"take_profit,omitempty" yaml:"take_profit,omitempty"`
	Direction  Direction       `json:"direction" yaml:"direction"`
}

// ParameterSet maps parameter names to values.
type ParameterSet map[string]float64

// Clone returns a copy of the set.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overlaid with the values of other.
func (p ParameterSet) Merge(other ParameterSet) ParameterSet {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Names returns the parameter names in sorted order.
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Key returns a stable textual form, e.g. "fast=9,slow=21".
func (p ParameterSet) Key() string {
	names := p.Names()
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + formatNumber(p[k])
	}
	return strings.Join(parts, ",")
}

// Equal reports whether both sets hold the same values.
func (p ParameterSet) Equal(other ParameterSet) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// RiskConfig carries the risk and cost settings of one simulation.
type RiskConfig struct {
	StopLoss       *float64   `json:"stop_loss,omitempty"`
	TakeProfit     *float64   `json:"take_profit,omitempty"`
	// FeeRate is the round-trip fee. Nil inherits the engine default.
	FeeRate        *float64   `json:"fee_rate,omitempty"`
	InitialCapital float64    `json:"initial_capital"`
	FillPolicy     FillPolicy `json:"fill_policy"`
}

// Fee returns the round-trip fee rate, zero when unset.
func (r RiskConfig) Fee() float64 {
	if r.FeeRate == nil {
		return 0
	}
	return *r.FeeRate
}

// Signal is the per-bar decision fed to the simulator.
type Signal int

const (
	SignalNone Signal = iota
	SignalEnter
	SignalExit
)

// Signals holds the evaluated entry and exit series of a strategy.
type Signals struct {
	Entry []bool
	Exit  []bool
}

// At returns the signal for bar i given the current position state. Exit is only
// meaningful while a position is open and entry only while flat, so a bar never
// yields both.
func (s Signals) At(i int, inPosition bool) Signal {
	if inPosition {
		if i < len(s.Exit) && s.Exit[i] {
			return SignalExit
		}
		return SignalNone
	}
	if i < len(s.Entry) && s.Entry[i] {
		return SignalEnter
	}
	return SignalNone
}
