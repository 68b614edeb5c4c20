package indicator

import "math"

// SMA over the last p points; aligned to the input with NaN during warm-up.
func SMA(x []float64, p int) []float64 {
	out := nanSeries(len(x))
	if p <= 0 {
		return out
	}
	start := firstValid(x)
	if start < 0 {
		return out
	}
	var sum float64
	for i := start; i < len(x); i++ {
		sum += x[i]
		if i-start >= p {
			sum -= x[i-p]
		}
		if i-start >= p-1 {
			out[i] = sum / float64(p)
		}
	}
	return out
}

// EMA with smoothing 2/(p+1), seeded with the SMA of the first p valid points.
// Leading NaNs in x (e.g. an upstream warm-up) shift the seed accordingly.
func EMA(x []float64, p int) []float64 {
	return smooth(x, p, 2.0/float64(p+1))
}

// Wilder applies Wilder's smoothing (alpha 1/p), seeded with an SMA.
func Wilder(x []float64, p int) []float64 {
	return smooth(x, p, 1.0/float64(p))
}

func smooth(x []float64, p int, k float64) []float64 {
	out := nanSeries(len(x))
	if p <= 0 {
		return out
	}
	start := firstValid(x)
	if start < 0 || len(x)-start < p {
		return out
	}
	var seed float64
	for i := start; i < start+p; i++ {
		seed += x[i]
	}
	seed /= float64(p)
	out[start+p-1] = seed
	for i := start + p; i < len(x); i++ {
		out[i] = (x[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// MeanStd returns the rolling mean and population standard deviation over p.
func MeanStd(x []float64, p int) (mean, std []float64) {
	n := len(x)
	mean = nanSeries(n)
	std = nanSeries(n)
	if p <= 0 {
		return mean, std
	}
	for i := p - 1; i < n; i++ {
		var sum float64
		for j := i - p + 1; j <= i; j++ {
			sum += x[j]
		}
		m := sum / float64(p)
		var ss float64
		for j := i - p + 1; j <= i; j++ {
			d := x[j] - m
			ss += d * d
		}
		mean[i] = m
		std[i] = math.Sqrt(ss / float64(p))
	}
	return mean, std
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func firstValid(x []float64) int {
	for i, v := range x {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}
