package indicator

import "math"

// TrueRange per bar. The first bar has no previous close and uses high-low.
func TrueRange(high, low, close []float64) []float64 {
	n := len(close)
	tr := make([]float64, n)
	for i := 0; i < n; i++ {
		hl := high[i] - low[i]
		if i == 0 {
			tr[i] = hl
			continue
		}
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// ATR is the Wilder-smoothed true range; the first value lands on index p-1.
func ATR(high, low, close []float64, p int) []float64 {
	return Wilder(TrueRange(high, low, close), p)
}

// Bollinger returns the upper, middle and lower bands over p with k standard deviations.
func Bollinger(x []float64, p int, k float64) (upper, middle, lower []float64) {
	middle, std := MeanStd(x, p)
	n := len(x)
	upper = nanSeries(n)
	lower = nanSeries(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(middle[i]) {
			continue
		}
		upper[i] = middle[i] + k*std[i]
		lower[i] = middle[i] - k*std[i]
	}
	return upper, middle, lower
}
