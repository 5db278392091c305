package models

import "gorm.io/gorm"

// Strategy is a reusable parameter set. Non-zero values override both the
// signal's suggested levels and the bot's own percentages.
type Strategy struct {
	gorm.Model
	Name              string   `gorm:"uniqueIndex;not null" json:"name"`
	StopLossPercent   float64  `json:"stop_loss_percent"`
	TakeProfitPercent float64  `json:"take_profit_percent"`
	MinRiskReward     float64  `json:"min_risk_reward"`
	MinSignalStrength float64  `json:"min_signal_strength"`
	SignalTypes       []string `gorm:"serializer:json" json:"signal_types"`
}

// AllowsSignalType reports whether the strategy trades signals of type t.
// An empty list allows everything.
func (s *Strategy) AllowsSignalType(t string) bool {
	if len(s.SignalTypes) == 0 {
		return true
	}
	for _, st := range s.SignalTypes {
		if st == t {
			return true
		}
	}
	return false
}

// StrategyAssignment attaches a strategy to a bot through an explicit
// {kind, id} reference. Lower priority values win.
type StrategyAssignment struct {
	gorm.Model
	BotKind    BotKind  `gorm:"uniqueIndex:idx_assignment;not null" json:"bot_kind"`
	BotID      uint     `gorm:"uniqueIndex:idx_assignment;not null" json:"bot_id"`
	StrategyID uint     `gorm:"uniqueIndex:idx_assignment;not null" json:"strategy_id"`
	Priority   int      `json:"priority"`
	Active     bool     `gorm:"default:true" json:"active"`
	Strategy   Strategy `json:"strategy"`
}
