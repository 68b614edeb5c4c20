package domain

import (
	"fmt"
	"sort"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// NormalizeCandles returns the candles sorted by timestamp with duplicates removed.
// When two bars share a timestamp the later one in the input wins.
func NormalizeCandles(in []Candle) []Candle {
	if len(in) == 0 {
		return nil
	}
	out := make([]Candle, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	n := 0
	for i := range out {
		if n > 0 && out[n-1].Timestamp.Equal(out[i].Timestamp) {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}

// Timeframe is a candle interval such as "1h".
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Duration returns the bar length, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// IsValid returns true if the timeframe is supported.
func (tf Timeframe) IsValid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

func (tf Timeframe) String() string {
	return string(tf)
}

// ParseTimeframe validates s as a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.IsValid() {
		return "", fmt.Errorf("%w: unsupported timeframe %q", ErrInvalidInput, s)
	}
	return tf, nil
}
