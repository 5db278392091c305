package signals

import (
	"testing"
	"time"

	"smc-trade-bot-go/internal/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, o, h, l, c float64) exchange.Candle {
	return exchange.Candle{OpenTime: t0.Add(time.Duration(i) * time.Hour), Open: o, High: h, Low: l, Close: c, Volume: 100}
}

// risingSeries is an uptrend with two higher highs and higher lows whose
// last candle closes above the second swing high.
func risingSeries() []exchange.Candle {
	return []exchange.Candle{
		bar(0, 99.5, 101, 99, 100.5),
		bar(1, 100.5, 102, 100, 101.5),
		bar(2, 101.5, 104, 101, 103.5), // swing high 104
		bar(3, 102.5, 103, 101, 101.5),
		bar(4, 101.5, 102, 100, 100.5), // swing low 100
		bar(5, 101, 102.5, 100.5, 102),
		bar(6, 102, 104.5, 101.5, 104.2), // breaks 104
		bar(7, 104, 106, 103.5, 105.5),
		bar(8, 105.5, 107, 104.5, 106.5), // swing high 107
		bar(9, 106, 106, 104, 104.5),
		bar(10, 104.8, 105, 103, 103.5), // swing low 103
		bar(11, 104, 105.5, 103.5, 105),
		bar(12, 104.5, 106.5, 104, 106),
		bar(13, 106, 108, 105.5, 107.8), // breaks 107
	}
}

// mirror reflects a series around price 100 so that an uptrend becomes a
// downtrend with the same geometry.
func mirror(candles []exchange.Candle) []exchange.Candle {
	out := make([]exchange.Candle, len(candles))
	for i, c := range candles {
		out[i] = exchange.Candle{
			OpenTime: c.OpenTime,
			Open:     200 - c.Open,
			High:     200 - c.Low,
			Low:      200 - c.High,
			Close:    200 - c.Close,
			Volume:   c.Volume,
		}
	}
	return out
}

func TestDetect_RisingSeriesIsBullishBOS(t *testing.T) {
	// Arrange
	d := &Detector{}
	w := Window{Timeframe: "1h", Candles: risingSeries()}

	// Act
	a := d.Detect(w)

	// Assert
	require.True(t, a.Analyzed())
	assert.Equal(t, Long, a.Trend)
	require.Len(t, a.Signals, 1)
	sig := a.Signals[0]
	assert.Equal(t, TypeBOS, sig.Type)
	assert.Equal(t, Long, sig.Direction)
	assert.Equal(t, 107.0, sig.Level)
	assert.Equal(t, 13, sig.CandleIndex)
	assert.Equal(t, 103.0, sig.StopLoss, "stop sits at the nearest swing low")
	assert.InDelta(t, 107.8+2*4.8, sig.TakeProfit, 1e-9)
	assert.Equal(t, 2.0, sig.RiskReward)
	assert.True(t, sig.StopLoss < sig.Price && sig.Price < sig.TakeProfit)
	assert.GreaterOrEqual(t, sig.Strength, 0.0)
	assert.LessOrEqual(t, sig.Strength, 1.0)
}

func TestDetect_BreakAgainstBearishStructureIsCHoCH(t *testing.T) {
	// Arrange
	candles := mirror(risingSeries())
	candles = append(candles,
		bar(14, 92.5, 94.5, 92, 94),
		bar(15, 94, 96.5, 93.5, 96),
		bar(16, 96, 98, 95.5, 97.5), // closes above the 97 lower high
	)
	d := &Detector{}

	// Act
	a := d.Detect(Window{Timeframe: "15m", Candles: candles})

	// Assert
	assert.Equal(t, Short, a.Trend)
	require.Len(t, a.Signals, 1)
	assert.Equal(t, TypeCHoCH, a.Signals[0].Type)
	assert.Equal(t, Long, a.Signals[0].Direction)
	assert.Equal(t, 97.0, a.Signals[0].Level)
}

func TestDetect_MirroredSeriesIsBearishBOS(t *testing.T) {
	a := (&Detector{}).Detect(Window{Timeframe: "1h", Candles: mirror(risingSeries())})

	require.Len(t, a.Signals, 1)
	assert.Equal(t, TypeBOS, a.Signals[0].Type)
	assert.Equal(t, Short, a.Signals[0].Direction)
	assert.True(t, a.Signals[0].TakeProfit < a.Signals[0].Price && a.Signals[0].Price < a.Signals[0].StopLoss)
}

func TestDetect_OrderBlockReaction(t *testing.T) {
	// Arrange: pull back into the bearish candle that preceded the break.
	candles := append(risingSeries(), bar(14, 107.5, 107.6, 104.5, 104.8))

	// Act
	a := (&Detector{}).Detect(Window{Timeframe: "1h", Candles: candles})

	// Assert
	var ob *Signal
	for i := range a.Signals {
		if a.Signals[i].Type == TypeOrderBlock {
			ob = &a.Signals[i]
		}
	}
	require.NotNil(t, ob)
	assert.Equal(t, Long, ob.Direction)
	assert.Equal(t, 103.0, ob.Level)
	assert.Less(t, ob.StopLoss, 103.0)
	assert.Equal(t, 14, ob.CandleIndex)
}

func TestDetect_OldBreaksDoNotEmit(t *testing.T) {
	candles := append(risingSeries(),
		bar(14, 107.8, 108.2, 107.2, 107.9),
		bar(15, 107.9, 108.3, 107.4, 108.1),
		bar(16, 108.1, 108.4, 107.6, 108),
	)

	a := (&Detector{Freshness: 3}).Detect(Window{Timeframe: "1h", Candles: candles})

	assert.True(t, a.Analyzed())
	assert.Empty(t, a.Signals)
	assert.Equal(t, Long, a.Bias)
}

func TestDetect_ShortWindow(t *testing.T) {
	// Act
	a := (&Detector{}).Detect(Window{Timeframe: "1h", Candles: risingSeries()[:4]})

	// Assert
	assert.False(t, a.Analyzed())
	assert.Empty(t, a.Signals)
	assert.Empty(t, (&Detector{}).DetectAll([]Window{{Timeframe: "1h"}}))
}

func TestDetectAll_Confluence(t *testing.T) {
	// Arrange
	d := &Detector{}
	up := Window{Timeframe: "1h", Candles: risingSeries()}
	down := Window{Timeframe: "4h", Candles: mirror(risingSeries())}
	single := d.Detect(up).Signals[0]

	// Act
	all := d.DetectAll([]Window{up, down})

	// Assert
	require.Len(t, all, 2)
	var long Signal
	for _, s := range all {
		if s.Direction == Long {
			long = s
		}
	}
	assert.InDelta(t, single.Strength-0.15, long.Strength, 1e-9, "one of two timeframes agrees")

	agreeing := d.DetectAll([]Window{up, {Timeframe: "4h", Candles: risingSeries()}})
	for _, s := range agreeing {
		assert.InDelta(t, single.Strength, s.Strength, 1e-9)
	}
}

func TestRank(t *testing.T) {
	sigs := []Signal{
		{Type: TypeBOS, Strength: 0.5, DetectedAt: t0},
		{Type: TypeCHoCH, Strength: 0.8, DetectedAt: t0},
		{Type: TypeOrderBlock, Strength: 0.5, DetectedAt: t0.Add(time.Hour)},
	}

	Rank(sigs)

	assert.Equal(t, TypeCHoCH, sigs[0].Type)
	assert.Equal(t, TypeOrderBlock, sigs[1].Type, "ties go to the most recent")
	assert.Equal(t, TypeBOS, sigs[2].Type)
}

func TestFindLevels(t *testing.T) {
	candles := risingSeries()
	swings := []Swing{
		{Index: 2, Price: 100, High: true},
		{Index: 4, Price: 100.2},
		{Index: 8, Price: 105, High: true},
	}

	levels := findLevels(candles, swings, 0.3)

	require.Len(t, levels, 2)
	assert.Equal(t, 2, levels[0].Touches)
	assert.InDelta(t, 100.1, levels[0].Price, 1e-9)
	assert.True(t, levels[0].Fresh, "no close fell through 100.1 after bar 4")
	assert.False(t, levels[1].Fresh, "bar 9 closed back under 105")
	assert.Equal(t, freshLevelBoost, levelBoost([]Level{{Price: 99.8, Fresh: true}}, Long, 100, 0.5))
	assert.Equal(t, testedLevelBoost, levelBoost([]Level{{Price: 99.8}}, Long, 100, 0.5))
	assert.Zero(t, levelBoost([]Level{{Price: 100.2, Fresh: true}}, Long, 100, 0.5), "resistance does not support a long")
	assert.Zero(t, levelBoost([]Level{{Price: 98, Fresh: true}}, Long, 100, 0.5))
}
