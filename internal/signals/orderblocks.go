package signals

import "smc-trade-bot-go/internal/exchange"

// OrderBlock is the last opposite-colour candle before a structural break.
// A bullish block forms under an upward break and is expected to act as
// demand on a return.
type OrderBlock struct {
	Direction   Direction
	Index       int
	High        float64
	Low         float64
	BreakIndex  int
	Mitigated   bool
	Invalidated bool

	event breakEvent
}

// Contains reports whether price trades inside the block.
func (ob OrderBlock) Contains(price float64) bool {
	return price >= ob.Low && price <= ob.High
}

// findOrderBlocks derives one block per break event, if a candidate candle
// exists between the broken swing and the breaking candle.
func findOrderBlocks(candles []exchange.Candle, events []breakEvent) []OrderBlock {
	last := len(candles) - 1
	var blocks []OrderBlock
	for _, ev := range events {
		idx := -1
		for j := ev.Index - 1; j >= ev.Swing.Index; j-- {
			if (ev.Direction == Long && candles[j].Bearish()) || (ev.Direction == Short && candles[j].Bullish()) {
				idx = j
				break
			}
		}
		if idx < 0 {
			continue
		}

		ob := OrderBlock{
			Direction:  ev.Direction,
			Index:      idx,
			High:       candles[idx].High,
			Low:        candles[idx].Low,
			BreakIndex: ev.Index,
			event:      ev,
		}
		for j := ev.Index + 1; j <= last; j++ {
			c := candles[j]
			if ev.Direction == Long {
				if c.Close < ob.Low {
					ob.Invalidated = true
				}
				if j < last && c.Low <= ob.High {
					ob.Mitigated = true
				}
			} else {
				if c.Close > ob.High {
					ob.Invalidated = true
				}
				if j < last && c.High >= ob.Low {
					ob.Mitigated = true
				}
			}
		}
		blocks = append(blocks, ob)
	}
	return blocks
}
