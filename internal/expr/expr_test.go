package expr

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/indicator"
)

func testTable(t *testing.T, closes []float64, extra map[string][]float64) (*indicator.Table, Scope) {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, len(closes))
	for i, c := range closes {
		candles[i] = domain.Candle{Timestamp: base.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c}
	}
	tbl := indicator.NewTable(candles)
	for name, col := range extra {
		require.Len(t, col, len(closes))
		tbl.Set(name, col)
	}
	return tbl, NewScope(tbl.Names(), map[string]float64{"threshold": 30})
}

func TestCompileAndEval(t *testing.T) {
	nan := math.NaN()
	tbl, scope := testTable(t, []float64{10, 20, 30, 40}, map[string][]float64{
		"fast": {nan, 25, 35, 30},
		"slow": {nan, 30, 30, 35},
	})

	tests := []struct {
		expr string
		want []bool
	}{
		{"close > 15", []bool{false, true, true, true}},
		{"close >= threshold", []bool{false, false, true, true}},
		{"(close > 15) & (close < 35)", []bool{false, true, true, false}},
		{"(close < 15) | (close > 35)", []bool{true, false, false, true}},
		{"~(close > 15)", []bool{true, false, false, false}},
		{"fast > slow", []bool{false, false, true, false}},
		{"(close + 10) / 2 == 20", []bool{false, false, true, false}},
		{"-close < -25", []bool{false, false, true, true}},
		{"crossover(fast, slow)", []bool{false, false, true, false}},
		{"crossunder(fast, slow)", []bool{false, false, false, true}},
		{"CLOSE > 35", []bool{false, false, false, true}},
		{"((close > 15) & (close < 35)) | (close == 40)", []bool{false, true, true, true}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := Compile(tt.expr, scope)
			require.NoError(t, err)
			got, err := p.Eval(tbl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	_, scope := testTable(t, []float64{1, 2}, map[string][]float64{"ema": {1, 2}})

	tests := []struct {
		name string
		expr string
	}{
		{"empty", "  "},
		{"mixed operators", "(close > 1) & (close < 3) | (close == 2)"},
		{"bare comparison in conjunction", "close > 1 & close < 3"},
		{"numeric result", "close + 1"},
		{"unbalanced", "(close > 1"},
		{"trailing tokens", "close > 1 2"},
		{"unknown function", "frobnicate(close, ema)"},
		{"wrong arity", "crossover(close)"},
		{"bad periods", "above(close, ema, 0)"},
		{"chained comparison", "1 < close < 3"},
		{"bool in arithmetic", "(close > 1) + 1 > 0"},
		{"unknown keyword", "above(close, ema, bars=2)"},
		{"bad character", "close > 1 $ 2"},
		{"bare negated comparison", "~close > 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.expr, scope)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrCompile), err.Error())
		})
	}
}

func TestUnknownReference(t *testing.T) {
	_, scope := testTable(t, []float64{1, 2}, nil)

	_, err := Compile("(close > EMA_50) & (rsi < 30)", scope)
	var ref domain.UnknownReferenceError
	require.True(t, errors.As(err, &ref))
	assert.Equal(t, "EMA_50", ref.Name)
	assert.True(t, errors.Is(err, domain.ErrCompile))
}

func TestAboveBelowPeriods(t *testing.T) {
	tbl, scope := testTable(t, []float64{5, 15, 15, 15, 5, 15}, map[string][]float64{"level": {10, 10, 10, 10, 10, 10}})

	p, err := Compile("above(close, level, periods=3)", scope)
	require.NoError(t, err)
	got, err := p.Eval(tbl)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false, true, false, false}, got)

	p, err = Compile("above(close, level, 2)", scope)
	require.NoError(t, err)
	got, err = p.Eval(tbl)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true, true, false, false}, got)

	p, err = Compile("below(close, level)", scope)
	require.NoError(t, err)
	got, err = p.Eval(tbl)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false, false, true, false}, got)
}

func TestNaNComparisonsAreFalse(t *testing.T) {
	nan := math.NaN()
	tbl, scope := testTable(t, []float64{1, 2, 3}, map[string][]float64{"x": {nan, nan, nan}})

	for _, src := range []string{"x > 0", "x < 0", "x == x", "x <= 0", "above(x, close)", "crossover(x, close)"} {
		p, err := Compile(src, scope)
		require.NoError(t, err, src)
		got, err := p.Eval(tbl)
		require.NoError(t, err)
		assert.Equal(t, []bool{false, false, false}, got, src)
	}
}

func TestNegationKeepsWarmupFalse(t *testing.T) {
	nan := math.NaN()
	tbl, scope := testTable(t, []float64{10, 20, 30, 40, 50}, map[string][]float64{
		"EMA_9": {nan, nan, 25, 35, 60},
	})

	tests := []struct {
		expr string
		want []bool
	}{
		{"~(close > EMA_9)", []bool{false, false, false, false, true}},
		{"~~(close > EMA_9)", []bool{false, false, true, true, false}},
		{"~(close > EMA_9) | (close < 15)", []bool{true, false, false, false, true}},
		{"~((close > EMA_9) & (close > 100))", []bool{true, true, true, true, true}},
		{"~((close > EMA_9) | (close > 15))", []bool{false, false, false, false, false}},
		{"~crossover(close, EMA_9)", []bool{false, false, false, true, true}},
		{"~above(close, EMA_9, periods=2)", []bool{false, false, false, false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := Compile(tt.expr, scope)
			require.NoError(t, err)
			got, err := p.Eval(tbl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCrossoverCrossunderMutuallyExclusive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := make([]float64, 500)
	b := make([]float64, 500)
	for i := range a {
		// coarse values make ties common
		a[i] = float64(rng.Intn(5))
		b[i] = float64(rng.Intn(5))
		if i%37 == 0 {
			a[i] = math.NaN()
		}
	}
	over := Crossover(a, b)
	under := Crossunder(a, b)
	crossed := 0
	for i := range a {
		assert.False(t, over[i] && under[i], "bar %d", i)
		if over[i] || under[i] {
			crossed++
		}
	}
	assert.Greater(t, crossed, 0)
}

func TestProgramColumns(t *testing.T) {
	_, scope := testTable(t, []float64{1}, map[string][]float64{"ema": {1}})
	p, err := Compile("(close > ema) & (close > threshold)", scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "ema"}, p.Columns())
	assert.Equal(t, []string{"threshold"}, p.Scalars())
	assert.Equal(t, "(close > ema) & (close > threshold)", p.String())
}
