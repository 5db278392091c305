package signals

import "smc-trade-bot-go/internal/exchange"

// Swing is a fractal pivot: a bar whose high (or low) is extreme across
// lookback bars on both sides.
type Swing struct {
	Index int
	Price float64
	High  bool
}

// findSwings returns every pivot confirmed within the window, oldest first.
// Equal extremes to the right do not disqualify a pivot, so a double top
// yields its first bar.
func findSwings(candles []exchange.Candle, lookback int) []Swing {
	var out []Swing
	for i := lookback; i < len(candles)-lookback; i++ {
		isHigh, isLow := true, true
		for j := i - lookback; j <= i+lookback && (isHigh || isLow); j++ {
			if j == i {
				continue
			}
			if j < i {
				isHigh = isHigh && candles[i].High > candles[j].High
				isLow = isLow && candles[i].Low < candles[j].Low
			} else {
				isHigh = isHigh && candles[i].High >= candles[j].High
				isLow = isLow && candles[i].Low <= candles[j].Low
			}
		}
		if isHigh {
			out = append(out, Swing{Index: i, Price: candles[i].High, High: true})
		}
		if isLow {
			out = append(out, Swing{Index: i, Price: candles[i].Low})
		}
	}
	return out
}

// breakEvent is a close beyond a confirmed swing.
type breakEvent struct {
	Index     int
	Direction Direction
	Type      SignalType
	Swing     Swing
	Close     float64
}

// structure is the chronological market-structure walk over one window.
type structure struct {
	swings []Swing
	events []breakEvent
	trend  Direction // HH+HL or LH+LL at the end of the window
}

// bias is the direction of the most recent break, empty when none happened.
func (s structure) bias() Direction {
	if len(s.events) == 0 {
		return ""
	}
	return s.events[len(s.events)-1].Direction
}

// analyzeStructure replays the window bar by bar so that every break is
// classified against the trend as it stood at that moment. A swing becomes
// usable once lookback bars have closed after it and can be broken once.
func analyzeStructure(candles []exchange.Candle, lookback int) structure {
	st := structure{swings: findSwings(candles, lookback)}
	broken := make([]bool, len(st.swings))

	var highs, lows []int // indexes into st.swings, confirmed so far
	next := 0
	for k := range candles {
		for next < len(st.swings) && st.swings[next].Index+lookback < k {
			if st.swings[next].High {
				highs = append(highs, next)
			} else {
				lows = append(lows, next)
			}
			next++
		}

		px := candles[k].Close
		if n := len(highs); n > 0 && !broken[highs[n-1]] && px > st.swings[highs[n-1]].Price {
			broken[highs[n-1]] = true
			st.events = append(st.events, st.classify(k, Long, st.swings[highs[n-1]], px, highs, lows))
		}
		if n := len(lows); n > 0 && !broken[lows[n-1]] && px < st.swings[lows[n-1]].Price {
			broken[lows[n-1]] = true
			st.events = append(st.events, st.classify(k, Short, st.swings[lows[n-1]], px, highs, lows))
		}
	}
	st.trend = swingTrend(st.swings, highs, lows)
	return st
}

// classify labels a break. CHoCH wins whenever the break opposes either the
// swing structure or the previous break.
func (s *structure) classify(k int, dir Direction, swing Swing, px float64, highs, lows []int) breakEvent {
	ev := breakEvent{Index: k, Direction: dir, Type: TypeBOS, Swing: swing, Close: px}
	if trend := swingTrend(s.swings, highs, lows); trend != "" && trend != dir {
		ev.Type = TypeCHoCH
	}
	if prev := s.bias(); prev != "" && prev != dir {
		ev.Type = TypeCHoCH
	}
	return ev
}

func swingTrend(swings []Swing, highs, lows []int) Direction {
	if len(highs) < 2 || len(lows) < 2 {
		return ""
	}
	h1, h2 := swings[highs[len(highs)-2]].Price, swings[highs[len(highs)-1]].Price
	l1, l2 := swings[lows[len(lows)-2]].Price, swings[lows[len(lows)-1]].Price
	switch {
	case h2 > h1 && l2 > l1:
		return Long
	case h2 < h1 && l2 < l1:
		return Short
	}
	return ""
}
