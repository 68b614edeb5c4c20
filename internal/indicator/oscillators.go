package indicator

import "math"

// RSI with Wilder smoothing. The first value lands on index p.
func RSI(close []float64, p int) []float64 {
	n := len(close)
	out := nanSeries(n)
	if p <= 0 || n <= p {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= p; i++ {
		d := close[i] - close[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(p)
	avgLoss /= float64(p)
	out[p] = rsiValue(avgGain, avgLoss)

	for i := p + 1; i < n; i++ {
		d := close[i] - close[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(p-1) + gain) / float64(p)
		avgLoss = (avgLoss*float64(p-1) + loss) / float64(p)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// MACD returns the MACD line, its signal line and the histogram.
func MACD(x []float64, fast, slow, signal int) (line, sig, hist []float64) {
	n := len(x)
	fastEMA := EMA(x, fast)
	slowEMA := EMA(x, slow)
	line = nanSeries(n)
	for i := range x {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			line[i] = fastEMA[i] - slowEMA[i]
		}
	}
	sig = EMA(line, signal)
	hist = nanSeries(n)
	for i := range x {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return line, sig, hist
}

// ADX returns the average directional index with the +DI and -DI lines.
// +DI/-DI start at index p, ADX at index 2p-1.
func ADX(high, low, close []float64, p int) (adx, plusDI, minusDI []float64) {
	n := len(close)
	adx = nanSeries(n)
	plusDI = nanSeries(n)
	minusDI = nanSeries(n)
	if p <= 0 || n <= p {
		return adx, plusDI, minusDI
	}

	tr := TrueRange(high, low, close)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	var sTR, sPlus, sMinus float64
	for i := 1; i <= p; i++ {
		sTR += tr[i]
		sPlus += plusDM[i]
		sMinus += minusDM[i]
	}

	dx := nanSeries(n)
	for i := p; i < n; i++ {
		if i > p {
			sTR = sTR - sTR/float64(p) + tr[i]
			sPlus = sPlus - sPlus/float64(p) + plusDM[i]
			sMinus = sMinus - sMinus/float64(p) + minusDM[i]
		}
		pdi, mdi := 0.0, 0.0
		if sTR > 0 {
			pdi = 100 * sPlus / sTR
			mdi = 100 * sMinus / sTR
		}
		plusDI[i] = pdi
		minusDI[i] = mdi
		if sum := pdi + mdi; sum > 0 {
			dx[i] = 100 * math.Abs(pdi-mdi) / sum
		} else {
			dx[i] = 0
		}
	}

	adx = Wilder(dx, p)
	return adx, plusDI, minusDI
}
