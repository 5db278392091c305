package exchange

import (
	"context"
	"time"
)

// Order sides and types understood by every adapter.
const (
	OrderSideBuy    = "BUY"
	OrderSideSell   = "SELL"
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// OrderStatus as reported by the venue.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Dead reports whether the order can no longer fill.
func (s OrderStatus) Dead() bool {
	return s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports whether the candle closed below its open.
func (c Candle) Bearish() bool { return c.Close < c.Open }

// BookTicker is the best bid/ask.
type BookTicker struct {
	Bid float64
	Ask float64
}

// SpreadPercent is the bid/ask spread relative to the mid price.
func (b BookTicker) SpreadPercent() float64 {
	mid := (b.Bid + b.Ask) / 2
	if mid <= 0 || b.Ask < b.Bid {
		return 0
	}
	return (b.Ask - b.Bid) / mid * 100
}

// Instrument holds the venue's trading constraints for a symbol.
type Instrument struct {
	Symbol      string
	StepSize    float64
	MinQty      float64
	MinNotional float64
	TickSize    float64
}

// OrderRequest describes an order to submit. Side is BUY/SELL; PositionSide
// is long/short and only matters for hedge-mode derivatives.
type OrderRequest struct {
	Symbol        string
	Side          string
	PositionSide  string
	Type          string
	Quantity      float64
	Price         float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is what the venue reported back on submission.
type OrderResult struct {
	OrderID     string
	Status      OrderStatus
	AvgPrice    float64
	ExecutedQty float64
}

// Position is an exchange-reported open position.
type Position struct {
	Symbol        string
	Side          string // long or short
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
	Leverage      int
	MarginType    string
	// Holding marks a spot wallet balance. It may include coins the bot never
	// bought, so it cannot grow or revive a trade.
	Holding bool
}

// Balance is one asset balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total is free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// MarketDataPort is everything the engine needs from a venue. Symbols passed
// in are the engine's own format; adapters translate to venue symbols.
type MarketDataPort interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetBookTicker(ctx context.Context, symbol string) (BookTicker, error)
	GetInstrument(ctx context.Context, symbol string) (Instrument, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenPositions(ctx context.Context, symbol string) ([]Position, error)
	GetAccountBalance(ctx context.Context) ([]Balance, error)
}

// EquityIn sums the balance of asset.
func EquityIn(balances []Balance, asset string) float64 {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Total()
		}
	}
	return 0
}
