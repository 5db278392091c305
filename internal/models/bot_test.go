package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validFuturesBot() Bot {
	return Bot{
		Kind:                   BotKindFutures,
		Params:                 KindParams{Futures: &FuturesParams{Leverage: 5, MarginMode: MarginCross}},
		Symbol:                 "BTC-USDT",
		Timeframes:             []string{"15m"},
		RiskPercent:            1,
		StopLossPercent:        2,
		TakeProfitPercent:      4,
		MaxConcurrentPositions: 2,
	}
}

func TestBot_Validate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		bot := validFuturesBot()
		assert.NoError(t, bot.Validate())
	})

	cases := map[string]func(b *Bot){
		"MissingSymbol":       func(b *Bot) { b.Symbol = "" },
		"NoTimeframes":        func(b *Bot) { b.Timeframes = nil },
		"UnknownKind":         func(b *Bot) { b.Kind = "options" },
		"MismatchedParams":    func(b *Bot) { b.Params = KindParams{Spot: &SpotParams{}} },
		"LeverageTooHigh":     func(b *Bot) { b.Params.Futures.Leverage = 200 },
		"RiskTooHigh":         func(b *Bot) { b.RiskPercent = 25 },
		"TrailingOutOfRange":  func(b *Bot) { b.TrailingEnabled = true; b.TrailingDistancePct = 0 },
		"BreakevenOutOfRange": func(b *Bot) { b.BreakevenEnabled = true; b.BreakevenTriggerPct = 150 },
		"QuickExitStrength":   func(b *Bot) { b.QuickExitEnabled = true; b.QuickExitStrength = 1.5 },
		"NoConcurrency":       func(b *Bot) { b.MaxConcurrentPositions = 0 },
		"BadVolatilityBounds": func(b *Bot) { b.VolatilityFilter = true; b.MinATRPercent = 3; b.MaxATRPercent = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			bot := validFuturesBot()
			mutate(&bot)
			assert.ErrorIs(t, bot.Validate(), ErrInvalidBot)
		})
	}
}

func TestBot_KindCapabilities(t *testing.T) {
	spot := Bot{Kind: BotKindSpot, Params: KindParams{Spot: &SpotParams{}}}
	assert.Equal(t, 1, spot.Leverage())
	assert.Equal(t, PositionSideLong, spot.PositionSide())
	assert.False(t, spot.AllowsSide(SideShort))
	assert.False(t, spot.IsDerivatives())

	scalper := Bot{Kind: BotKindScalping, Params: KindParams{Scalping: &ScalpingParams{
		FuturesParams:  FuturesParams{Leverage: 10, PositionSide: PositionSideShort},
		MaxHoldMinutes: 30,
	}}}
	assert.Equal(t, 10, scalper.Leverage())
	assert.Equal(t, MarginIsolated, scalper.MarginMode())
	assert.True(t, scalper.AllowsSide(SideShort))
	assert.False(t, scalper.AllowsSide(SideLong))
	assert.Equal(t, 30*time.Minute, scalper.MaxHold())
}

func TestTrade_Helpers(t *testing.T) {
	long := Trade{Side: SideLong, EntryPrice: 100}
	short := Trade{Side: SideShort, EntryPrice: 100}

	assert.InDelta(t, 5.0, long.PriceMovePct(105), 1e-9)
	assert.InDelta(t, -5.0, short.PriceMovePct(105), 1e-9)
	assert.True(t, TradeClosed.Terminal())
	assert.False(t, TradeOpen.Terminal())
}

func TestSignal_ObservePrice(t *testing.T) {
	s := Signal{Direction: SideShort, Price: 100}

	assert.True(t, s.ObservePrice(101))
	assert.True(t, s.ObservePrice(98))
	assert.False(t, s.ObservePrice(99))
	assert.InDelta(t, 2.0, s.FavorableMovePct(), 1e-9)
}

func TestTrade_Settle(t *testing.T) {
	tests := []struct {
		name       string
		side       string
		exit       float64
		wantProfit bool
	}{
		{"LongUp", SideLong, 110, true},
		{"LongDown", SideLong, 90, false},
		{"ShortDown", SideShort, 90, true},
		{"ShortUp", SideShort, 110, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trade := Trade{Side: tt.side, EntryPrice: 100, Quantity: 2, UnrealizedPnL: 5}

			trade.Settle(tt.exit, 0.001)

			assert.Equal(t, tt.wantProfit, trade.RealizedPnL > 0)
			assert.InDelta(t, 20.0, math.Abs(trade.RealizedPnL), 1e-9)
			assert.InDelta(t, (200+2*tt.exit)*0.001, trade.FeesPaid, 1e-12)
			assert.Equal(t, trade.RealizedPnL-trade.FeesPaid, trade.NetPnL)
			assert.Zero(t, trade.UnrealizedPnL)
			assert.Equal(t, tt.exit, trade.ExitPrice)
		})
	}
}
