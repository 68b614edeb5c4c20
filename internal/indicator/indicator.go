// Package indicator computes technical indicator columns over a candle series.
package indicator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// Base OHLCV column names, always present in a Table.
const (
	ColOpen   = "open"
	ColHigh   = "high"
	ColLow    = "low"
	ColClose  = "close"
	ColVolume = "volume"
)

var baseColumns = []string{ColOpen, ColHigh, ColLow, ColClose, ColVolume}

// Table is a set of named series aligned to a candle slice.
type Table struct {
	n       int
	columns map[string][]float64
	names   []string
}

// NewTable creates a table holding the OHLCV columns of candles.
func NewTable(candles []domain.Candle) *Table {
	t := &Table{n: len(candles), columns: make(map[string][]float64)}
	open := make([]float64, t.n)
	high := make([]float64, t.n)
	low := make([]float64, t.n)
	cl := make([]float64, t.n)
	vol := make([]float64, t.n)
	for i, c := range candles {
		open[i], high[i], low[i], cl[i], vol[i] = c.Open, c.High, c.Low, c.Close, c.Volume
	}
	t.Set(ColOpen, open)
	t.Set(ColHigh, high)
	t.Set(ColLow, low)
	t.Set(ColClose, cl)
	t.Set(ColVolume, vol)
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return t.n
}

// Set adds or replaces a column.
func (t *Table) Set(name string, values []float64) {
	if _, ok := t.columns[name]; !ok {
		t.names = append(t.names, name)
	}
	t.columns[name] = values
}

// Column returns the named series.
func (t *Table) Column(name string) ([]float64, bool) {
	v, ok := t.columns[name]
	return v, ok
}

// Names returns the column names in insertion order.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

type definition struct {
	// outputs lists the series of a multi-output indicator; the first is primary.
	outputs  []string
	defaults map[string]float64
	sourced  bool
	warmup   func(s domain.IndicatorSpec) int
	compute  func(t *Table, s domain.IndicatorSpec) ([][]float64, error)
}

var registry = map[string]*definition{
	"SMA": {
		defaults: map[string]float64{"period": 20},
		sourced:  true,
		warmup:   func(s domain.IndicatorSpec) int { return period(s, "period") },
		compute: func(t *Table, s domain.IndicatorSpec) ([][]float64, error) {
			src, err := source(t, s)
			if err != nil {
				return nil, err
			}
			return [][]float64{SMA(src, period(s, "period"))}, nil
		},
	},
	"EMA": {
		defaults: map[string]float64{"period": 20},
		sourced:  true,
		warmup:   func(s domain.IndicatorSpec) int { return period(s, "period") },
		compute: func(t *Table, s domain.IndicatorSpec) ([][]float64, error) {
			src, err := source(t, s)
			if err != nil {
				return nil, err
			}
			return [][]float64{EMA(src, period(s, "period"))}, nil
		},
	},
	"RSI": {
		defaults: map[string]float64{"period": 14},
		sourced:  true,
		warmup:   func(s domain.IndicatorSpec) int { return period(s, "period") + 1 },
		compute: func(t *Table, s domain.IndicatorSpec) ([][]float64, error) {
			src, err := source(t, s)
			if err != nil {
				return nil, err
			}
			return [][]float64{RSI(src, period(s, "period"))}, nil
		},
	},
	"MACD": {
		outputs:  []string{"macd", "signal", "histogram"},
		defaults: map[string]float64{"fast": 12, "slow": 26, "signal": 9},
		sourced:  true,
		warmup: func(s domain.IndicatorSpec) int {
			return period(s, "slow") + period(s, "signal") - 1
		},
		compute: func(t *Table, s domain.IndicatorSpec) ([][]float64, error) {
			if period(s, "fast") >= period(s, "slow") {
				return nil, fmt.Errorf("%w: MACD fast period must be below slow period", domain.ErrCompile)
			}
			src, err := source(t, s)
			if err != nil {
				return nil, err
			}
			line, sig, hist := MACD(src, period(s, "fast"), period(s, "slow"), period(s, "signal"))
			return [][]float64{line, sig, hist}, nil
		},
	},
	"BB": {
		outputs:  []string{"middle", "upper", "lower"},
		defaults: map[string]float64{"period": 20, "std_dev": 2},
		sourced:  true,
		warmup:   func(s domain.IndicatorSpec) int { return period(s, "period") },
		compute: func(t *Table, s domain.IndicatorSpec) ([][]float64, error) {
			src, err := source(t, s)
			if err != nil {
				return nil, err
			}
			upper, middle, lower := Bollinger(src, period(s, "period"), s.Param("std_dev", 2))
			return [][]float64{middle, upper, lower}, nil
		},
	},
	"ATR": {
		defaults: map[string]float64{"period": 14},
		warmup:   func(s domain.IndicatorSpec) int { return period(s, "period") },
		compute: func(t *Table, s domain.IndicatorSpec) ([][]float64, error) {
			h, l, c := hlc(t)
			return [][]float64{ATR(h, l, c, period(s, "period"))}, nil
		},
	},
	"ADX": {
		outputs:  []string{"adx", "plus_di", "minus_di"},
		defaults: map[string]float64{"period": 14},
		warmup:   func(s domain.IndicatorSpec) int { return 2 * period(s, "period") },
		compute: func(t *Table, s domain.IndicatorSpec) ([][]float64, error) {
			h, l, c := hlc(t)
			adx, plus, minus := ADX(h, l, c, period(s, "period"))
			return [][]float64{adx, plus, minus}, nil
		},
	},
	"VOLUME_SMA": {
		defaults: map[string]float64{"period": 20},
		warmup:   func(s domain.IndicatorSpec) int { return period(s, "period") },
		compute: func(t *Table, s domain.IndicatorSpec) ([][]float64, error) {
			vol, _ := t.Column(ColVolume)
			return [][]float64{SMA(vol, period(s, "period"))}, nil
		},
	},
}

var aliases = map[string]string{
	"BBANDS":    "BB",
	"BOLLINGER": "BB",
	"VSMA":      "VOLUME_SMA",
}

func lookup(typ string) (string, *definition, bool) {
	key := strings.ToUpper(strings.TrimSpace(typ))
	if a, ok := aliases[key]; ok {
		key = a
	}
	def, ok := registry[key]
	return key, def, ok
}

// Supported returns the supported indicator type names.
func Supported() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Resolve normalizes the type name and fills in default parameters. The returned
// spec keeps the caller's alias.
func Resolve(spec domain.IndicatorSpec) (domain.IndicatorSpec, error) {
	key, def, ok := lookup(spec.Type)
	if !ok {
		return spec, domain.UnsupportedIndicatorError{Type: spec.Type}
	}
	out := spec.Clone()
	out.Type = key
	if out.Params == nil {
		out.Params = make(map[string]float64, len(def.defaults))
	}
	for k, v := range def.defaults {
		if _, set := out.Params[k]; !set {
			out.Params[k] = v
		}
	}
	if def.sourced && out.Source != "" {
		if _, err := sourceName(out.Source); err != nil {
			return spec, err
		}
	}
	for k, v := range out.Params {
		if _, known := def.defaults[k]; !known {
			return spec, fmt.Errorf("%w: %s has no parameter %q", domain.ErrCompile, key, k)
		}
		if k != "std_dev" && (v < 1 || v != math.Trunc(v)) {
			return spec, fmt.Errorf("%w: %s %s must be a positive integer, got %g", domain.ErrCompile, key, k, v)
		}
		if k == "std_dev" && !(v > 0) {
			return spec, fmt.Errorf("%w: %s std_dev must be positive, got %g", domain.ErrCompile, key, v)
		}
	}
	return out, nil
}

// Columns returns the column names spec will produce. The bare name always refers to
// the primary output; multi-output indicators also expose "name.output" and
// "name_output".
func Columns(spec domain.IndicatorSpec) ([]string, error) {
	resolved, err := Resolve(spec)
	if err != nil {
		return nil, err
	}
	_, def, _ := lookup(resolved.Type)
	name := resolved.Name()
	cols := []string{name}
	for _, o := range def.outputs {
		cols = append(cols, name+"."+o, name+"_"+o)
	}
	return cols, nil
}

// Warmup returns the number of bars spec needs before it yields its first value.
func Warmup(spec domain.IndicatorSpec) (int, error) {
	resolved, err := Resolve(spec)
	if err != nil {
		return 0, err
	}
	_, def, _ := lookup(resolved.Type)
	return def.warmup(resolved), nil
}

// Compute evaluates specs over candles and returns a table holding the OHLCV columns
// plus one column per indicator output. Warm-up rows are NaN.
func Compute(candles []domain.Candle, specs []domain.IndicatorSpec) (*Table, error) {
	resolved := make([]domain.IndicatorSpec, len(specs))
	seen := make(map[string]bool)
	for _, b := range baseColumns {
		seen[b] = true
	}
	for i, s := range specs {
		r, err := Resolve(s)
		if err != nil {
			return nil, err
		}
		cols, _ := Columns(r)
		for _, c := range cols {
			if seen[c] {
				return nil, fmt.Errorf("%w: duplicate indicator column %q", domain.ErrCompile, c)
			}
			seen[c] = true
		}
		resolved[i] = r
	}

	for _, r := range resolved {
		_, def, _ := lookup(r.Type)
		if need := def.warmup(r); len(candles) < need {
			return nil, domain.DataInsufficientError{Indicator: r.Name(), Required: need, Available: len(candles)}
		}
	}

	t := NewTable(candles)
	for _, r := range resolved {
		_, def, _ := lookup(r.Type)
		series, err := def.compute(t, r)
		if err != nil {
			return nil, err
		}
		name := r.Name()
		t.Set(name, series[0])
		for j, o := range def.outputs {
			t.Set(name+"."+o, series[j])
			t.Set(name+"_"+o, series[j])
		}
	}
	return t, nil
}

func period(s domain.IndicatorSpec, key string) int {
	return int(s.Param(key, 0))
}

func sourceName(src string) (string, error) {
	switch s := strings.ToLower(src); s {
	case "", ColClose:
		return ColClose, nil
	case ColOpen, ColHigh, ColLow, ColVolume, "hl2", "hlc3":
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown indicator source %q", domain.ErrCompile, src)
	}
}

func source(t *Table, s domain.IndicatorSpec) ([]float64, error) {
	name, err := sourceName(s.Source)
	if err != nil {
		return nil, err
	}
	switch name {
	case "hl2", "hlc3":
		h, l, c := hlc(t)
		out := make([]float64, t.n)
		for i := range out {
			if name == "hl2" {
				out[i] = (h[i] + l[i]) / 2
			} else {
				out[i] = (h[i] + l[i] + c[i]) / 3
			}
		}
		return out, nil
	default:
		col, _ := t.Column(name)
		return col, nil
	}
}

func hlc(t *Table) (high, low, close []float64) {
	high, _ = t.Column(ColHigh)
	low, _ = t.Column(ColLow)
	close, _ = t.Column(ColClose)
	return high, low, close
}
