package models

import (
	"time"

	"gorm.io/gorm"
)

// Signal is a persisted detection. Apart from the executed flag and the
// retrospective score it is immutable.
type Signal struct {
	gorm.Model
	BotID      uint      `gorm:"uniqueIndex:idx_signal_event;not null" json:"bot_id"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `gorm:"uniqueIndex:idx_signal_event" json:"timeframe"`
	Type       string    `gorm:"uniqueIndex:idx_signal_event" json:"type"`
	Direction  string    `gorm:"uniqueIndex:idx_signal_event" json:"direction"`
	CandleTime time.Time `gorm:"uniqueIndex:idx_signal_event" json:"candle_time"`
	Strength   float64   `json:"strength"`
	Price      float64   `json:"price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	RiskReward float64   `json:"risk_reward"`
	RSI        float64   `json:"rsi"`

	Executed bool  `gorm:"index" json:"executed"`
	TradeID  *uint `json:"trade_id"`

	// Best price seen in the signal's direction after detection; zero until
	// the first observation.
	BestPrice     float64 `json:"best_price"`
	Scored        bool    `gorm:"index" json:"scored"`
	Score         float64 `json:"score"`
	MaxMovePct    float64 `json:"max_move_pct"`
	WasSuccessful *bool   `json:"was_successful"`
}

// ObservePrice records price if it improves on the best excursion so far.
func (s *Signal) ObservePrice(price float64) bool {
	if price <= 0 {
		return false
	}
	better := s.BestPrice == 0 ||
		(s.Direction == SideLong && price > s.BestPrice) ||
		(s.Direction == SideShort && price < s.BestPrice)
	if better {
		s.BestPrice = price
	}
	return better
}

// FavorableMovePct is the best recorded move in the signal's direction.
func (s *Signal) FavorableMovePct() float64 {
	if s.Price == 0 || s.BestPrice == 0 {
		return 0
	}
	move := (s.BestPrice - s.Price) / s.Price * 100
	if s.Direction == SideShort {
		move = -move
	}
	return move
}
