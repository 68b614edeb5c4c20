package metrics

import (
	"time"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

type drawdownEpisode struct {
	depthPct float64
	start    time.Time
	end      time.Time
}

// drawdowns splits the equity curve into peak-to-recovery episodes. An episode that
// has not recovered by the end of the curve ends at the last point.
func drawdowns(curve []domain.EquityPoint) []drawdownEpisode {
	if len(curve) == 0 {
		return nil
	}
	var episodes []drawdownEpisode
	peak := curve[0].Equity
	peakTime := curve[0].Time
	var cur *drawdownEpisode

	for _, p := range curve {
		if p.Equity >= peak {
			if cur != nil {
				cur.end = p.Time
				episodes = append(episodes, *cur)
				cur = nil
			}
			peak = p.Equity
			peakTime = p.Time
			continue
		}
		if peak <= 0 {
			continue
		}
		depth := (peak - p.Equity) / peak * 100
		if cur == nil {
			cur = &drawdownEpisode{start: peakTime}
		}
		if depth > cur.depthPct {
			cur.depthPct = depth
		}
	}
	if cur != nil {
		cur.end = curve[len(curve)-1].Time
		episodes = append(episodes, *cur)
	}
	return episodes
}

func fillDrawdown(m *domain.Metrics, curve []domain.EquityPoint) {
	episodes := drawdowns(curve)
	if len(episodes) == 0 {
		return
	}
	var sum float64
	for _, e := range episodes {
		sum += e.depthPct
		if e.depthPct > m.MaxDrawdownPct {
			m.MaxDrawdownPct = e.depthPct
		}
		if days := e.end.Sub(e.start).Hours() / 24; days > m.MaxDrawdownDuration {
			m.MaxDrawdownDuration = days
		}
	}
	m.AvgDrawdownPct = sum / float64(len(episodes))
	if m.MaxDrawdownPct > 0 {
		m.RecoveryFactor = domain.Float(m.TotalReturnPct / m.MaxDrawdownPct)
	}
}
