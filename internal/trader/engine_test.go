package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/database"
	"smc-trade-bot-go/internal/exchange"
	"smc-trade-bot-go/internal/exchange/exchangetest"
	"smc-trade-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// staticFactory hands the same port to every bot.
type staticFactory struct {
	port exchange.MarketDataPort
}

func (f staticFactory) ForBot(*models.Bot) (exchange.MarketDataPort, error) { return f.port, nil }

var candleStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func candle(i int, o, h, l, c float64) exchange.Candle {
	return exchange.Candle{OpenTime: candleStart.Add(time.Duration(i) * time.Hour), Open: o, High: h, Low: l, Close: c, Volume: 100}
}

// uptrend ends with a close above the last swing high at 107; the nearest
// swing low is 103.
func uptrend() []exchange.Candle {
	return []exchange.Candle{
		candle(0, 99.5, 101, 99, 100.5),
		candle(1, 100.5, 102, 100, 101.5),
		candle(2, 101.5, 104, 101, 103.5),
		candle(3, 102.5, 103, 101, 101.5),
		candle(4, 101.5, 102, 100, 100.5),
		candle(5, 101, 102.5, 100.5, 102),
		candle(6, 102, 104.5, 101.5, 104.2),
		candle(7, 104, 106, 103.5, 105.5),
		candle(8, 105.5, 107, 104.5, 106.5),
		candle(9, 106, 106, 104, 104.5),
		candle(10, 104.8, 105, 103, 103.5),
		candle(11, 104, 105.5, 103.5, 105),
		candle(12, 104.5, 106.5, 104, 106),
		candle(13, 106, 108, 105.5, 107.8),
	}
}

func setupRunner(t *testing.T) (*Runner, *gorm.DB, *exchangetest.MockPort) {
	db, err := database.NewInMemory()
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Trading.MinSignalStrength = 0.01
	port := new(exchangetest.MockPort)
	r := NewRunner(zap.NewNop(), &cfg, db, staticFactory{port: port}, nil)
	return r, db, port
}

func spotBot(t *testing.T, db *gorm.DB) *models.Bot {
	bot := &models.Bot{
		Name:                   "btc-spot",
		Kind:                   models.BotKindSpot,
		Symbol:                 "BTC-USDT",
		Timeframes:             []string{"1h"},
		Active:                 true,
		RiskPercent:            1,
		MaxConcurrentPositions: 1,
	}
	require.NoError(t, db.Create(bot).Error)
	return bot
}

func expectMarket(port *exchangetest.MockPort) {
	port.On("GetCurrentPrice", "BTC-USDT").Return(107.8, nil)
	port.On("GetCandles", "BTC-USDT", "1h", 150).Return(uptrend(), nil)
}

func TestRunner_RunCycle_OpensTradeOnce(t *testing.T) {
	// Arrange
	r, db, port := setupRunner(t)
	bot := spotBot(t, db)
	expectMarket(port)
	port.On("GetAccountBalance").Return([]exchange.Balance{{Asset: "USDT", Free: 10000}}, nil)
	port.On("GetInstrument", "BTC-USDT").Return(exchange.Instrument{StepSize: 0.001, MinQty: 0.001, MinNotional: 10, TickSize: 0.01}, nil)
	port.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Side == exchange.OrderSideBuy && !req.ReduceOnly
	})).Return(exchange.OrderResult{OrderID: "1", Status: exchange.StatusFilled, AvgPrice: 107.8}, nil).Once()
	ctx := context.Background()

	// Act
	first, err := r.RunCycle(ctx, bot)
	require.NoError(t, err)
	second, err := r.RunCycle(ctx, bot)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 1, first.NewSignals)
	require.NotNil(t, first.Opened)
	assert.Equal(t, models.TradeOpen, first.Opened.Status)
	assert.Equal(t, 103.0, first.Opened.StopLoss)
	assert.InDelta(t, 100.0, (first.Opened.EntryPrice-first.Opened.StopLoss)*first.Opened.Quantity, 0.05,
		"risk is one percent of equity")

	assert.Zero(t, second.NewSignals, "the same break is recorded once")
	assert.Nil(t, second.Opened)
	assert.Equal(t, 1, second.Open)

	var sig models.Signal
	require.NoError(t, db.First(&sig).Error)
	assert.True(t, sig.Executed)
	assert.Equal(t, "bos", sig.Type)

	var reloaded models.Bot
	require.NoError(t, db.First(&reloaded, bot.ID).Error)
	assert.Empty(t, reloaded.LockOwner, "the lease is released after the cycle")
	port.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestRunner_RunCycle_ConcurrentCyclesOpenOneTrade(t *testing.T) {
	tests := []struct {
		name    string
		runners int // one runner per process
	}{
		{"SameProcess", 1},
		{"TwoProcesses", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			r, db, port := setupRunner(t)
			runners := []*Runner{r, r}
			if tt.runners == 2 {
				cfg := config.Default()
				cfg.Trading.MinSignalStrength = 0.01
				runners[1] = NewRunner(zap.NewNop(), &cfg, db, staticFactory{port: port}, nil)
			}
			bot := spotBot(t, db)
			expectMarket(port)
			port.On("GetAccountBalance").Return([]exchange.Balance{{Asset: "USDT", Free: 10000}}, nil)
			port.On("GetInstrument", "BTC-USDT").Return(exchange.Instrument{StepSize: 0.001, MinQty: 0.001, MinNotional: 10, TickSize: 0.01}, nil)
			port.On("PlaceOrder", mock.Anything).Return(exchange.OrderResult{OrderID: "1", Status: exchange.StatusFilled, AvgPrice: 107.8}, nil)

			bots := make([]*models.Bot, len(runners))
			for i := range bots {
				bots[i] = &models.Bot{}
				require.NoError(t, db.First(bots[i], bot.ID).Error)
			}

			// Act
			var wg sync.WaitGroup
			start := make(chan struct{})
			errs := make([]error, len(runners))
			for i := range runners {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, errs[i] = runners[i].RunCycle(context.Background(), bots[i])
				}(i)
			}
			close(start)
			wg.Wait()

			// Assert
			for _, err := range errs {
				assert.NoError(t, err)
			}
			var trades []models.Trade
			require.NoError(t, db.Where("bot_id = ?", bot.ID).Find(&trades).Error)
			require.Len(t, trades, 1, "max_concurrent_positions=1 admits a single trade")
			assert.Equal(t, models.TradeOpen, trades[0].Status)
			port.AssertNumberOfCalls(t, "PlaceOrder", 1)
		})
	}
}

func TestRunner_RunCycle_CooldownDenies(t *testing.T) {
	// Arrange
	r, db, port := setupRunner(t)
	bot := spotBot(t, db)
	bot.CooldownSeconds = 3600
	require.NoError(t, db.Save(bot).Error)
	closedAt := time.Now().Add(-5 * time.Minute)
	prev := &models.Trade{
		Model:    gorm.Model{CreatedAt: time.Now().Add(-10 * time.Minute)},
		BotID:    bot.ID,
		Symbol:   "BTC-USDT",
		Side:     models.SideLong,
		Status:   models.TradeClosed,
		ClosedAt: &closedAt,
		NetPnL:   5,
	}
	require.NoError(t, db.Create(prev).Error)
	expectMarket(port)

	// Act
	res, err := r.RunCycle(context.Background(), bot)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "cooldown", res.Denied)
	assert.Nil(t, res.Opened)
	port.AssertNotCalled(t, "PlaceOrder", mock.Anything)

	var sig models.Signal
	require.NoError(t, db.First(&sig).Error)
	assert.False(t, sig.Executed)
}

func TestRunner_RunCycle_LockedBotIsSkipped(t *testing.T) {
	r, db, port := setupRunner(t)
	bot := spotBot(t, db)
	until := time.Now().UTC().Add(time.Hour)
	require.NoError(t, db.Model(bot).Updates(map[string]any{"lock_owner": "other-host", "locked_until": until}).Error)

	res, err := r.RunCycle(context.Background(), bot)

	require.NoError(t, err)
	assert.Equal(t, "locked", res.Skipped)
	port.AssertNotCalled(t, "GetCurrentPrice", mock.Anything)
}

func TestRunner_RunCycle_NoPrice(t *testing.T) {
	r, db, port := setupRunner(t)
	bot := spotBot(t, db)
	port.On("GetCurrentPrice", "BTC-USDT").Return(0.0, exchange.ErrInsufficientData)

	res, err := r.RunCycle(context.Background(), bot)

	require.NoError(t, err)
	assert.Equal(t, "no_price", res.Skipped)
	port.AssertNotCalled(t, "GetCandles", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunner_RunAll_IsolatesFailures(t *testing.T) {
	// Arrange
	r, db, port := setupRunner(t)
	spotBot(t, db)
	broken := &models.Bot{Name: "broken", Kind: models.BotKindSpot, Symbol: "ETH-USDT", Timeframes: []string{"1h"}, Active: true, MaxConcurrentPositions: 1}
	require.NoError(t, db.Create(broken).Error)
	port.On("GetCurrentPrice", "BTC-USDT").Return(0.0, exchange.ErrInsufficientData)

	// Act
	err := r.RunAll(context.Background())

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidBot)
	assert.Contains(t, err.Error(), "broken")
	port.AssertCalled(t, "GetCurrentPrice", "BTC-USDT")

	st := r.Status()
	assert.False(t, st.LastRun.IsZero())
	assert.Equal(t, err, st.LastError)

	var logs []models.BotLog
	require.NoError(t, db.Where("bot_id = ? AND category = ?", broken.ID, models.CategoryConfig).Find(&logs).Error)
	assert.Len(t, logs, 1)
}

func TestRunner_RunBot_Unknown(t *testing.T) {
	r, _, _ := setupRunner(t)

	_, err := r.RunBot(context.Background(), 99)

	assert.Error(t, err)
}
