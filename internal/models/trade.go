package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeOpen      TradeStatus = "open"
	TradeClosed    TradeStatus = "closed"
	TradeCancelled TradeStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed (reconciliation
// reopen excepted).
func (s TradeStatus) Terminal() bool {
	return s == TradeClosed || s == TradeCancelled
}

// Close and cancel reasons.
const (
	ReasonStopLoss          = "stop_loss"
	ReasonTakeProfit        = "take_profit"
	ReasonQuickExit         = "quick_exit"
	ReasonTimeStop          = "time_stop"
	ReasonExchangeClosed    = "exchange_closed"
	ReasonDuplicate         = "duplicate"
	ReasonRejected          = "rejected"
	ReasonSubmissionUnknown = "submission_unknown"
	ReasonOrderCancelled    = "order_cancelled"
	ReasonStaleOrder        = "stale_order"
)

// Trade is a position opened by a bot.
type Trade struct {
	gorm.Model
	BotID         uint        `gorm:"index;not null" json:"bot_id"`
	Symbol        string      `gorm:"index;not null" json:"symbol"`
	Side          string      `gorm:"not null" json:"side"`
	Quantity      float64     `json:"quantity"`
	EntryPrice    float64     `json:"entry_price"`
	ExitPrice     float64     `json:"exit_price"`
	StopLoss      float64     `json:"stop_loss"`
	TakeProfit    float64     `json:"take_profit"`
	InitialStop   float64     `json:"initial_stop"`
	Leverage      int         `json:"leverage"`
	MarginMode    string      `json:"margin_mode"`
	UnrealizedPnL float64     `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	RealizedPnL   float64     `gorm:"column:realized_pnl" json:"realized_pnl"`
	FeesPaid      float64     `json:"fees_paid"`
	NetPnL        float64     `gorm:"column:net_pnl" json:"net_pnl"`
	Status        TradeStatus `gorm:"index;not null" json:"status"`
	CloseReason   string      `json:"close_reason"`

	OrderID       string `gorm:"index" json:"order_id"`
	ClientOrderID string `gorm:"index" json:"client_order_id"`
	ExitOrderID   string `json:"exit_order_id"`

	SignalType string  `json:"signal_type"`
	Timeframe  string  `json:"timeframe"`
	EntryRSI   float64 `json:"entry_rsi"`

	MaxFavorablePct   float64 `json:"max_favorable_pct"`
	MaxAdversePct     float64 `json:"max_adverse_pct"`
	BreakevenApplied  bool    `json:"breakeven_applied"`
	TrailingActivated bool    `json:"trailing_activated"`

	OpenedAt *time.Time `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at"`
}

// SideSign is +1 for longs and -1 for shorts.
func (t *Trade) SideSign() float64 {
	if t.Side == SideShort {
		return -1
	}
	return 1
}

// PriceMovePct is the favorable move from entry to price in percent.
func (t *Trade) PriceMovePct(price float64) float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	return (price - t.EntryPrice) / t.EntryPrice * 100 * t.SideSign()
}

// Winner reports whether a closed trade made money after fees.
func (t *Trade) Winner() bool {
	return t.NetPnL > 0
}

// Duration is how long the trade was held, zero if it never opened or closed.
func (t *Trade) Duration() time.Duration {
	if t.OpenedAt == nil || t.ClosedAt == nil {
		return 0
	}
	return t.ClosedAt.Sub(*t.OpenedAt)
}

// Settle fills the exit figures for a close at exit. Fees are charged on the
// entry and exit notional at feeRate.
func (t *Trade) Settle(exit, feeRate float64) {
	qty := decimal.NewFromFloat(t.Quantity)
	entry := decimal.NewFromFloat(t.EntryPrice)
	out := decimal.NewFromFloat(exit)
	rate := decimal.NewFromFloat(feeRate)

	realized := out.Sub(entry).Mul(qty).Mul(decimal.NewFromFloat(t.SideSign()))
	fees := entry.Mul(qty).Add(out.Mul(qty)).Mul(rate)

	t.ExitPrice = exit
	t.RealizedPnL = realized.InexactFloat64()
	t.FeesPaid = fees.InexactFloat64()
	t.NetPnL = t.RealizedPnL - t.FeesPaid
	t.UnrealizedPnL = 0
}

// UnrealizedAt is the open PnL at price.
func (t *Trade) UnrealizedAt(price float64) float64 {
	return (price - t.EntryPrice) * t.Quantity * t.SideSign()
}
