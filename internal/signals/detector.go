// Package signals detects market-structure signals (BOS, CHoCH, order block
// reactions) over candle windows. Detection is stateless: every call
// recomputes from the window it is handed.
package signals

import (
	"math"
	"sort"
	"time"

	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/exchange"
	"smc-trade-bot-go/internal/models"
)

// Direction of a signal.
type Direction string

const (
	Long  Direction = models.SideLong
	Short Direction = models.SideShort
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// SignalType is the structural category.
type SignalType string

const (
	TypeBOS        SignalType = "bos"
	TypeCHoCH      SignalType = "choch"
	TypeOrderBlock SignalType = "order_block_reaction"
)

const (
	freshLevelBoost  = 0.15
	testedLevelBoost = 0.05

	atrStopMultiple   = 1.5
	blockStopBuffer   = 0.1 // ATR beyond the far side of an order block
	rewardMultiple    = 2.0
	magnitudeCap      = 2.0 // ATRs
	invalidationScale = 3.0 // ATRs
)

// Signal is a ranked detection with suggested levels.
type Signal struct {
	Direction   Direction
	Type        SignalType
	Strength    float64
	Timeframe   string
	Price       float64
	StopLoss    float64
	TakeProfit  float64
	RiskReward  float64
	DetectedAt  time.Time // open time of the candle that produced it
	CandleIndex int
	RSI         float64
	Level       float64 // broken swing or order block edge

	magnitude    float64
	invalidation float64
	boost        float64
}

func (s *Signal) score(confluence float64) {
	s.Strength = clamp01(0.4*s.magnitude + 0.3*confluence + 0.3*s.invalidation + s.boost)
}

// Window is one timeframe's candles plus the current price. A zero Price
// falls back to the last close.
type Window struct {
	Timeframe string
	Candles   []exchange.Candle
	Price     float64
}

// Analysis is the result of a single-timeframe pass.
type Analysis struct {
	Timeframe   string
	Signals     []Signal
	Trend       Direction // empty when neither HH+HL nor LH+LL
	Bias        Direction // direction of the latest break
	ATR         float64
	ATRPercent  float64
	RSI         float64
	VolumeRatio float64
	Levels      []Level
	OrderBlocks []OrderBlock
	Swings      []Swing

	analyzed bool
}

// Analyzed reports whether the window was long enough to analyse.
func (a Analysis) Analyzed() bool { return a.analyzed }

// Detector holds the tuning knobs. The zero value is usable.
type Detector struct {
	SwingLookback     int
	Freshness         int // only breaks within this many latest candles emit signals
	LevelTolerancePct float64
	LevelProximityPct float64
	ATRPeriod         int
	RSIPeriod         int
	VolumePeriod      int
}

// NewDetector creates a Detector from the trading configuration.
func NewDetector(cfg config.Trading) *Detector {
	return &Detector{SwingLookback: cfg.SwingLookback, Freshness: cfg.SignalFreshness}
}

func (d *Detector) withDefaults() Detector {
	out := *d
	if out.SwingLookback < 1 {
		out.SwingLookback = 2
	}
	if out.Freshness < 1 {
		out.Freshness = 3
	}
	if out.LevelTolerancePct <= 0 {
		out.LevelTolerancePct = 0.3
	}
	if out.LevelProximityPct <= 0 {
		out.LevelProximityPct = 0.5
	}
	if out.ATRPeriod < 1 {
		out.ATRPeriod = 14
	}
	if out.RSIPeriod < 1 {
		out.RSIPeriod = 14
	}
	if out.VolumePeriod < 1 {
		out.VolumePeriod = 20
	}
	return out
}

// MinCandles is the shortest window Detect will analyse.
func (d *Detector) MinCandles() int {
	cfg := d.withDefaults()
	return 2*cfg.SwingLookback + 3
}

// Detect analyses one timeframe. Windows shorter than MinCandles produce an
// empty Analysis rather than an error.
func (d *Detector) Detect(w Window) Analysis {
	cfg := d.withDefaults()
	a := Analysis{Timeframe: w.Timeframe}
	candles := w.Candles
	if len(candles) < d.MinCandles() {
		return a
	}
	last := len(candles) - 1
	price := w.Price
	if price <= 0 {
		price = candles[last].Close
	}
	if price <= 0 {
		return a
	}

	st := analyzeStructure(candles, cfg.SwingLookback)
	a.analyzed = true
	a.Swings = st.swings
	a.Trend = st.trend
	a.Bias = st.bias()
	a.ATR = ATR(candles, cfg.ATRPeriod)
	a.ATRPercent = a.ATR / price * 100
	a.RSI = RSI(candles, cfg.RSIPeriod)
	a.VolumeRatio = VolumeRatio(candles, cfg.VolumePeriod)
	a.Levels = findLevels(candles, st.swings, cfg.LevelTolerancePct)
	a.OrderBlocks = findOrderBlocks(candles, st.events)

	for _, ev := range st.events {
		if ev.Index < len(candles)-cfg.Freshness {
			continue
		}
		sig := Signal{
			Direction:   ev.Direction,
			Type:        ev.Type,
			Timeframe:   w.Timeframe,
			Price:       price,
			DetectedAt:  candles[ev.Index].OpenTime,
			CandleIndex: ev.Index,
			RSI:         a.RSI,
			Level:       ev.Swing.Price,
			magnitude:   magnitude(ev.Close, ev.Swing.Price, a.ATR),
		}
		sig.StopLoss = swingStop(st.swings, ev.Direction, price, a.ATR)
		if d.finish(&sig, a, cfg) {
			a.Signals = append(a.Signals, sig)
		}
	}

	for _, ob := range a.OrderBlocks {
		if ob.Mitigated || ob.Invalidated || ob.BreakIndex >= last || !ob.Contains(price) {
			continue
		}
		sig := Signal{
			Direction:   ob.Direction,
			Type:        TypeOrderBlock,
			Timeframe:   w.Timeframe,
			Price:       price,
			DetectedAt:  candles[last].OpenTime,
			CandleIndex: last,
			RSI:         a.RSI,
			magnitude:   magnitude(ob.event.Close, ob.event.Swing.Price, a.ATR),
		}
		if ob.Direction == Long {
			sig.Level = ob.Low
			sig.StopLoss = ob.Low - blockStopBuffer*a.ATR
		} else {
			sig.Level = ob.High
			sig.StopLoss = ob.High + blockStopBuffer*a.ATR
		}
		if d.finish(&sig, a, cfg) {
			a.Signals = append(a.Signals, sig)
		}
	}

	Rank(a.Signals)
	return a
}

// finish fills target, risk/reward and strength. Signals whose stop is on
// the wrong side of price are dropped.
func (d *Detector) finish(sig *Signal, a Analysis, cfg Detector) bool {
	risk := sig.Price - sig.StopLoss
	if sig.Direction == Short {
		risk = -risk
	}
	if risk <= 0 {
		return false
	}
	if sig.Direction == Long {
		sig.TakeProfit = sig.Price + rewardMultiple*risk
	} else {
		sig.TakeProfit = sig.Price - rewardMultiple*risk
	}
	sig.RiskReward = rewardMultiple
	sig.invalidation = 1
	if a.ATR > 0 {
		sig.invalidation = 1 - math.Min(risk/(invalidationScale*a.ATR), 1)
	}
	sig.boost = levelBoost(a.Levels, sig.Direction, sig.Price, cfg.LevelProximityPct)
	sig.score(1)
	return true
}

// DetectAll analyses every window and rescales strength by how many of the
// analysed timeframes agree with each signal's direction.
func (d *Detector) DetectAll(windows []Window) []Signal {
	analyses := make([]Analysis, 0, len(windows))
	for _, w := range windows {
		analyses = append(analyses, d.Detect(w))
	}
	return Combine(analyses)
}

// Combine merges single-timeframe analyses into one ranked list with
// confluence applied. Windows that were too short do not count.
func Combine(all []Analysis) []Signal {
	analyses := make([]Analysis, 0, len(all))
	for _, a := range all {
		if a.Analyzed() {
			analyses = append(analyses, a)
		}
	}
	if len(analyses) == 0 {
		return nil
	}

	agree := func(dir Direction) int {
		n := 0
		for _, a := range analyses {
			if a.Bias == dir || a.emits(dir) {
				n++
			}
		}
		return n
	}

	var out []Signal
	for _, a := range analyses {
		for _, sig := range a.Signals {
			sig.score(float64(agree(sig.Direction)) / float64(len(analyses)))
			out = append(out, sig)
		}
	}
	Rank(out)
	return out
}

func (a Analysis) emits(dir Direction) bool {
	for _, s := range a.Signals {
		if s.Direction == dir {
			return true
		}
	}
	return false
}

// Rank orders signals by strength, then most recent first.
func Rank(sigs []Signal) {
	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].Strength != sigs[j].Strength {
			return sigs[i].Strength > sigs[j].Strength
		}
		return sigs[i].DetectedAt.After(sigs[j].DetectedAt)
	})
}

// swingStop places the stop at the nearest opposing swing, falling back to
// a multiple of ATR.
func swingStop(swings []Swing, dir Direction, price, atr float64) float64 {
	best := 0.0
	found := false
	for _, s := range swings {
		switch {
		case dir == Long && !s.High && s.Price < price && (!found || s.Price > best):
			best, found = s.Price, true
		case dir == Short && s.High && s.Price > price && (!found || s.Price < best):
			best, found = s.Price, true
		}
	}
	if found {
		return best
	}
	if dir == Long {
		return price - atrStopMultiple*atr
	}
	return price + atrStopMultiple*atr
}

func magnitude(px, level, atr float64) float64 {
	if atr <= 0 {
		return 1
	}
	return math.Min(math.Abs(px-level)/atr, magnitudeCap) / magnitudeCap
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
