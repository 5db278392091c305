package trader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"smc-trade-bot-go/internal/database"
	"smc-trade-bot-go/internal/exchange"
	"smc-trade-bot-go/internal/exchange/exchangetest"
	"smc-trade-bot-go/internal/journal"
	"smc-trade-bot-go/internal/models"
	"smc-trade-bot-go/internal/risk"
	"smc-trade-bot-go/internal/signals"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// setupExecutor creates an executor over a fresh in-memory database.
func setupExecutor(t *testing.T) (*Executor, *gorm.DB, *exchangetest.MockPort) {
	db, err := database.NewInMemory()
	require.NoError(t, err)
	ex := NewExecutor(db, journal.New(db, zap.NewNop()), nil, zap.NewNop(), 0.001)
	ex.now = func() time.Time { return testNow }
	return ex, db, new(exchangetest.MockPort)
}

func executorBot() *models.Bot {
	return &models.Bot{
		Model:                  gorm.Model{ID: 1},
		Kind:                   models.BotKindSpot,
		Symbol:                 "BTC-USDT",
		MaxConcurrentPositions: 2,
	}
}

func openTrade(t *testing.T, db *gorm.DB, side string, entry, stop, target float64) *models.Trade {
	opened := testNow.Add(-time.Hour)
	trade := &models.Trade{
		BotID: 1, Symbol: "BTC-USDT", Side: side, Quantity: 2,
		EntryPrice: entry, StopLoss: stop, InitialStop: stop, TakeProfit: target,
		Status: models.TradeOpen, OrderID: "entry-1", OpenedAt: &opened,
	}
	require.NoError(t, db.Create(trade).Error)
	return trade
}

func isEntry(req exchange.OrderRequest) bool { return !req.ReduceOnly }
func isExit(req exchange.OrderRequest) bool  { return req.ReduceOnly }

func TestExecutor_Open(t *testing.T) {
	order := risk.Order{Side: models.SideLong, Quantity: 2, Entry: 100, StopLoss: 98, TakeProfit: 104}

	t.Run("Filled", func(t *testing.T) {
		// Arrange
		ex, db, port := setupExecutor(t)
		sig := &models.Signal{BotID: 1, Type: "bos", Direction: models.SideLong, Timeframe: "1h", RSI: 55, CandleTime: testNow}
		require.NoError(t, db.Create(sig).Error)
		port.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool {
			return isEntry(req) && req.Side == exchange.OrderSideBuy && req.ClientOrderID != "" && req.Quantity == 2
		})).Return(exchange.OrderResult{OrderID: "42", Status: exchange.StatusFilled, AvgPrice: 100.5, ExecutedQty: 2}, nil).Once()

		// Act
		trade, err := ex.Open(context.Background(), port, executorBot(), sig, order)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, models.TradeOpen, trade.Status)
		assert.Equal(t, 100.5, trade.EntryPrice)
		assert.Equal(t, "42", trade.OrderID)
		assert.Equal(t, "bos", trade.SignalType)
		assert.Equal(t, 55.0, trade.EntryRSI)
		assert.Equal(t, 98.0, trade.InitialStop)

		var loaded models.Signal
		require.NoError(t, db.First(&loaded, sig.ID).Error)
		assert.True(t, loaded.Executed)
		require.NotNil(t, loaded.TradeID)
		assert.Equal(t, trade.ID, *loaded.TradeID)
		port.AssertExpectations(t)
	})

	t.Run("Rejected", func(t *testing.T) {
		ex, db, port := setupExecutor(t)
		sig := &models.Signal{BotID: 1, Type: "bos", Direction: models.SideLong, CandleTime: testNow}
		require.NoError(t, db.Create(sig).Error)
		port.On("PlaceOrder", mock.Anything).
			Return(exchange.OrderResult{}, fmt.Errorf("failed to create order: %w", &exchange.RejectedError{Code: -2010, Reason: "insufficient balance"}))

		trade, err := ex.Open(context.Background(), port, executorBot(), sig, order)

		require.NoError(t, err)
		assert.Equal(t, models.TradeCancelled, trade.Status)
		assert.Equal(t, models.ReasonRejected, trade.CloseReason)

		var loaded models.Signal
		require.NoError(t, db.First(&loaded, sig.ID).Error)
		assert.False(t, loaded.Executed, "a rejected entry does not consume the signal")

		var logs []models.BotLog
		require.NoError(t, db.Find(&logs).Error)
		require.Len(t, logs, 1)
		assert.Equal(t, models.CategoryExecution, logs[0].Category)
	})

	t.Run("UnknownOutcome", func(t *testing.T) {
		ex, _, port := setupExecutor(t)
		port.On("PlaceOrder", mock.Anything).Return(exchange.OrderResult{}, fmt.Errorf("request failed: %w", exchange.ErrTransient))

		trade, err := ex.Open(context.Background(), port, executorBot(), nil, order)

		require.NoError(t, err)
		assert.Equal(t, models.TradeCancelled, trade.Status)
		assert.Equal(t, models.ReasonSubmissionUnknown, trade.CloseReason)
		assert.NotEmpty(t, trade.ClientOrderID)
	})

	t.Run("PendingThenFilled", func(t *testing.T) {
		ex, db, port := setupExecutor(t)
		port.On("PlaceOrder", mock.Anything).Return(exchange.OrderResult{OrderID: "7", Status: exchange.StatusNew}, nil)
		port.On("GetOrderStatus", "BTC-USDT", "7").Return(exchange.StatusFilled, nil).Once()
		bot := executorBot()

		trade, err := ex.Open(context.Background(), port, bot, nil, order)
		require.NoError(t, err)
		assert.Equal(t, models.TradePending, trade.Status)

		require.NoError(t, ex.RefreshPending(context.Background(), port, bot))

		var loaded models.Trade
		require.NoError(t, db.First(&loaded, trade.ID).Error)
		assert.Equal(t, models.TradeOpen, loaded.Status)
		assert.NotNil(t, loaded.OpenedAt)
		port.AssertExpectations(t)
	})

	t.Run("PendingThenExpired", func(t *testing.T) {
		ex, db, port := setupExecutor(t)
		port.On("PlaceOrder", mock.Anything).Return(exchange.OrderResult{OrderID: "8", Status: exchange.StatusNew}, nil)
		port.On("GetOrderStatus", "BTC-USDT", "8").Return(exchange.StatusExpired, nil)
		bot := executorBot()

		trade, err := ex.Open(context.Background(), port, bot, nil, order)
		require.NoError(t, err)
		require.NoError(t, ex.RefreshPending(context.Background(), port, bot))

		var loaded models.Trade
		require.NoError(t, db.First(&loaded, trade.ID).Error)
		assert.Equal(t, models.TradeCancelled, loaded.Status)
		assert.Equal(t, models.ReasonOrderCancelled, loaded.CloseReason)
	})
}

type preparingPort struct {
	*exchangetest.MockPort
	leverage int
	margin   string
}

func (p *preparingPort) Prepare(ctx context.Context, symbol string, leverage int, marginMode string) error {
	p.leverage, p.margin = leverage, marginMode
	return nil
}

func TestExecutor_Open_PreparesDerivatives(t *testing.T) {
	ex, _, mp := setupExecutor(t)
	port := &preparingPort{MockPort: mp}
	bot := executorBot()
	bot.Kind = models.BotKindFutures
	bot.Params.Futures = &models.FuturesParams{Leverage: 5, MarginMode: models.MarginCross}
	mp.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Side == exchange.OrderSideSell && req.PositionSide == models.SideShort
	})).Return(exchange.OrderResult{OrderID: "9", Status: exchange.StatusFilled, AvgPrice: 100, ExecutedQty: 1}, nil)

	trade, err := ex.Open(context.Background(), port, bot, nil, risk.Order{Side: models.SideShort, Quantity: 1, Entry: 100, StopLoss: 102, TakeProfit: 96})

	require.NoError(t, err)
	assert.Equal(t, 5, port.leverage)
	assert.Equal(t, models.MarginCross, port.margin)
	assert.Equal(t, 5, trade.Leverage)
	mp.AssertExpectations(t)
}

func TestExecutor_Manage_StopAndTarget(t *testing.T) {
	tests := []struct {
		name       string
		side       string
		stop, tp   float64
		price      float64
		fill       float64
		wantReason string
		wantExit   float64
	}{
		{"LongStop", models.SideLong, 98, 104, 97.5, 0, models.ReasonStopLoss, 98},
		{"LongTarget", models.SideLong, 98, 104, 104.2, 104.1, models.ReasonTakeProfit, 104.1},
		{"ShortStop", models.SideShort, 102, 96, 102.5, 0, models.ReasonStopLoss, 102},
		{"ShortTarget", models.SideShort, 102, 96, 95, 95.5, models.ReasonTakeProfit, 95.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			ex, db, port := setupExecutor(t)
			trade := openTrade(t, db, tt.side, 100, tt.stop, tt.tp)
			port.On("PlaceOrder", mock.MatchedBy(isExit)).
				Return(exchange.OrderResult{OrderID: "exit", Status: exchange.StatusFilled, AvgPrice: tt.fill, ExecutedQty: 2}, nil).Once()

			// Act
			closed, err := ex.Manage(context.Background(), port, executorBot(), trade, tt.price, nil)

			// Assert
			require.NoError(t, err)
			assert.True(t, closed)

			var loaded models.Trade
			require.NoError(t, db.First(&loaded, trade.ID).Error)
			assert.Equal(t, models.TradeClosed, loaded.Status)
			assert.Equal(t, tt.wantReason, loaded.CloseReason)
			assert.Equal(t, tt.wantExit, loaded.ExitPrice)
			assert.Equal(t, loaded.RealizedPnL-loaded.FeesPaid, loaded.NetPnL)
			if tt.wantReason == models.ReasonTakeProfit {
				assert.Positive(t, loaded.RealizedPnL)
			} else {
				assert.Negative(t, loaded.RealizedPnL)
			}
			assert.Equal(t, "exit", loaded.ExitOrderID)
			assert.NotNil(t, loaded.ClosedAt)
			port.AssertExpectations(t)
		})
	}
}

func TestExecutor_Close_Idempotent(t *testing.T) {
	// Arrange
	ex, db, port := setupExecutor(t)
	trade := openTrade(t, db, models.SideLong, 100, 98, 104)
	port.On("PlaceOrder", mock.MatchedBy(isExit)).
		Return(exchange.OrderResult{OrderID: "exit", Status: exchange.StatusFilled, AvgPrice: 101, ExecutedQty: 2}, nil)
	stale := *trade

	// Act
	first, err1 := ex.Close(context.Background(), port, executorBot(), trade, 101, models.ReasonQuickExit)
	second, err2 := ex.Close(context.Background(), port, executorBot(), &stale, 101, models.ReasonQuickExit)
	managed, err3 := ex.Manage(context.Background(), port, executorBot(), trade, 90, nil)

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.NoError(t, err3)
	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, managed)
	assert.Equal(t, models.TradeClosed, stale.Status)
	port.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecutor_Close_ExitOrderFails(t *testing.T) {
	ex, db, port := setupExecutor(t)
	trade := openTrade(t, db, models.SideLong, 100, 98, 104)
	port.On("PlaceOrder", mock.Anything).Return(exchange.OrderResult{}, fmt.Errorf("boom: %w", exchange.ErrTransient))

	closed, err := ex.Close(context.Background(), port, executorBot(), trade, 97, models.ReasonStopLoss)

	assert.Error(t, err)
	assert.False(t, closed)
	var loaded models.Trade
	require.NoError(t, db.First(&loaded, trade.ID).Error)
	assert.Equal(t, models.TradeOpen, loaded.Status)
}

func TestExecutor_Manage_BreakevenAndTrailing(t *testing.T) {
	// Arrange
	ex, db, port := setupExecutor(t)
	bot := executorBot()
	bot.BreakevenEnabled, bot.BreakevenTriggerPct = true, 1
	bot.TrailingEnabled, bot.TrailingDistancePct = true, 2
	trade := openTrade(t, db, models.SideLong, 100, 97, 120)
	ctx := context.Background()

	// Act & Assert: +1.5% arms breakeven only.
	_, err := ex.Manage(ctx, port, bot, trade, 101.5, nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, trade.StopLoss)
	assert.True(t, trade.BreakevenApplied)
	assert.False(t, trade.TrailingActivated)

	// +5%: trail 2% under price.
	_, err = ex.Manage(ctx, port, bot, trade, 105, nil)
	require.NoError(t, err)
	assert.InDelta(t, 102.9, trade.StopLoss, 1e-9)
	assert.True(t, trade.TrailingActivated)

	// Pullback to +3%: the stop never loosens.
	_, err = ex.Manage(ctx, port, bot, trade, 103, nil)
	require.NoError(t, err)
	assert.InDelta(t, 102.9, trade.StopLoss, 1e-9)

	var loaded models.Trade
	require.NoError(t, db.First(&loaded, trade.ID).Error)
	assert.InDelta(t, 102.9, loaded.StopLoss, 1e-9)
	assert.InDelta(t, 5.0, loaded.MaxFavorablePct, 1e-9)
	assert.InDelta(t, 6.0, loaded.UnrealizedPnL, 1e-9)
	port.AssertNotCalled(t, "PlaceOrder", mock.Anything)
}

func TestExecutor_Manage_ShortTrailing(t *testing.T) {
	ex, db, port := setupExecutor(t)
	bot := executorBot()
	bot.TrailingEnabled, bot.TrailingDistancePct = true, 1
	trade := openTrade(t, db, models.SideShort, 100, 103, 80)

	_, err := ex.Manage(context.Background(), port, bot, trade, 95, nil)

	require.NoError(t, err)
	assert.InDelta(t, 95.95, trade.StopLoss, 1e-9)
	assert.InDelta(t, 10.0, trade.UnrealizedPnL, 1e-9)
}

func TestExecutor_Manage_QuickExit(t *testing.T) {
	t.Run("OpposingSignals", func(t *testing.T) {
		ex, db, port := setupExecutor(t)
		bot := executorBot()
		bot.QuickExitEnabled = true
		trade := openTrade(t, db, models.SideLong, 100, 95, 110)
		port.On("PlaceOrder", mock.MatchedBy(isExit)).Return(exchange.OrderResult{OrderID: "x", Status: exchange.StatusFilled}, nil)
		opposing := []signals.Signal{
			{Direction: signals.Short, Strength: 0.8},
			{Direction: signals.Short, Strength: 0.75},
		}

		closed, err := ex.Manage(context.Background(), port, bot, trade, 100.5, opposing)

		require.NoError(t, err)
		assert.True(t, closed)
		assert.Equal(t, models.ReasonQuickExit, trade.CloseReason)
		assert.Equal(t, 100.5, trade.ExitPrice)
	})

	t.Run("OneStrongSignalIsNotEnough", func(t *testing.T) {
		ex, db, port := setupExecutor(t)
		bot := executorBot()
		bot.QuickExitEnabled = true
		trade := openTrade(t, db, models.SideLong, 100, 95, 110)
		opposing := []signals.Signal{{Direction: signals.Short, Strength: 0.9}, {Direction: signals.Short, Strength: 0.7}}

		closed, err := ex.Manage(context.Background(), port, bot, trade, 100.5, opposing)

		require.NoError(t, err)
		assert.False(t, closed)
	})

	t.Run("HalfStopDistance", func(t *testing.T) {
		ex, db, port := setupExecutor(t)
		bot := executorBot()
		bot.QuickExitEnabled = true
		trade := openTrade(t, db, models.SideLong, 100, 95, 110)
		port.On("PlaceOrder", mock.MatchedBy(isExit)).Return(exchange.OrderResult{OrderID: "x", Status: exchange.StatusFilled}, nil)

		closed, err := ex.Manage(context.Background(), port, bot, trade, 97.4, nil)

		require.NoError(t, err)
		assert.True(t, closed)
		assert.Equal(t, models.ReasonQuickExit, trade.CloseReason)
	})
}

func TestExecutor_Manage_TimeStop(t *testing.T) {
	ex, db, port := setupExecutor(t)
	bot := executorBot()
	bot.Kind = models.BotKindScalping
	bot.Params.Scalping = &models.ScalpingParams{FuturesParams: models.FuturesParams{Leverage: 2}, MaxHoldMinutes: 30}
	trade := openTrade(t, db, models.SideLong, 100, 95, 110)
	port.On("PlaceOrder", mock.MatchedBy(isExit)).Return(exchange.OrderResult{OrderID: "x", Status: exchange.StatusFilled}, nil)

	closed, err := ex.Manage(context.Background(), port, bot, trade, 100.2, nil)

	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, models.ReasonTimeStop, trade.CloseReason)
}
