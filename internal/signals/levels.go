package signals

import (
	"math"
	"sort"

	"smc-trade-bot-go/internal/exchange"
)

// Level is a support/resistance zone built from clustered swing points.
type Level struct {
	Price   float64
	Touches int
	// Fresh is true while no close has crossed the level since its last touch.
	Fresh    bool
	formedAt int
}

// findLevels clusters swing prices lying within tolerancePct of the
// cluster's first member.
func findLevels(candles []exchange.Candle, swings []Swing, tolerancePct float64) []Level {
	if len(swings) == 0 {
		return nil
	}
	sorted := make([]Swing, len(swings))
	copy(sorted, swings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	var levels []Level
	var cluster []Swing
	flush := func() {
		if len(cluster) == 0 {
			return
		}
		lvl := Level{Touches: len(cluster)}
		sum := 0.0
		for _, s := range cluster {
			sum += s.Price
			if s.Index > lvl.formedAt {
				lvl.formedAt = s.Index
			}
		}
		lvl.Price = sum / float64(len(cluster))
		lvl.Fresh = !crossedSince(candles, lvl.Price, lvl.formedAt)
		levels = append(levels, lvl)
		cluster = cluster[:0]
	}
	for _, s := range sorted {
		if len(cluster) > 0 && math.Abs(s.Price-cluster[0].Price)/cluster[0].Price*100 > tolerancePct {
			flush()
		}
		cluster = append(cluster, s)
	}
	flush()
	return levels
}

func crossedSince(candles []exchange.Candle, price float64, from int) bool {
	for j := from + 1; j < len(candles); j++ {
		prev, cur := candles[j-1].Close-price, candles[j].Close-price
		if prev*cur < 0 {
			return true
		}
	}
	return false
}

// levelBoost rewards a signal sitting just above support (long) or just
// below resistance (short).
func levelBoost(levels []Level, dir Direction, price, proximityPct float64) float64 {
	best := 0.0
	for _, l := range levels {
		if price <= 0 || math.Abs(price-l.Price)/price*100 > proximityPct {
			continue
		}
		if (dir == Long && l.Price > price) || (dir == Short && l.Price < price) {
			continue
		}
		boost := testedLevelBoost
		if l.Fresh {
			boost = freshLevelBoost
		}
		best = math.Max(best, boost)
	}
	return best
}
