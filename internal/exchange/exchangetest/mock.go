// Package exchangetest provides a testify mock of the market data port.
package exchangetest

import (
	"context"

	"smc-trade-bot-go/internal/exchange"

	"github.com/stretchr/testify/mock"
)

// MockPort is a mock implementation of exchange.MarketDataPort.
type MockPort struct {
	mock.Mock
}

var _ exchange.MarketDataPort = (*MockPort)(nil)

func (m *MockPort) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	args := m.Called(symbol, interval, limit)
	candles, _ := args.Get(0).([]exchange.Candle)
	return candles, args.Error(1)
}

func (m *MockPort) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(symbol)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockPort) GetBookTicker(ctx context.Context, symbol string) (exchange.BookTicker, error) {
	args := m.Called(symbol)
	return args.Get(0).(exchange.BookTicker), args.Error(1)
}

func (m *MockPort) GetInstrument(ctx context.Context, symbol string) (exchange.Instrument, error) {
	args := m.Called(symbol)
	return args.Get(0).(exchange.Instrument), args.Error(1)
}

func (m *MockPort) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	args := m.Called(req)
	return args.Get(0).(exchange.OrderResult), args.Error(1)
}

func (m *MockPort) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	args := m.Called(symbol, orderID)
	return args.Get(0).(exchange.OrderStatus), args.Error(1)
}

func (m *MockPort) CancelOrder(ctx context.Context, symbol, orderID string) error {
	args := m.Called(symbol, orderID)
	return args.Error(0)
}

func (m *MockPort) GetOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	args := m.Called(symbol)
	positions, _ := args.Get(0).([]exchange.Position)
	return positions, args.Error(1)
}

func (m *MockPort) GetAccountBalance(ctx context.Context) ([]exchange.Balance, error) {
	args := m.Called()
	balances, _ := args.Get(0).([]exchange.Balance)
	return balances, args.Error(1)
}
