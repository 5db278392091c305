package trader

import (
	"fmt"

	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/models"
	"smc-trade-bot-go/internal/risk"
	"smc-trade-bot-go/internal/signals"

	"gorm.io/gorm"
)

// ResolveStrategy returns the bot's active strategy with the lowest priority
// value, or nil when none is attached.
func ResolveStrategy(db *gorm.DB, bot *models.Bot) (*models.Strategy, error) {
	var assignments []models.StrategyAssignment
	err := db.Preload("Strategy").
		Where("bot_kind = ? AND bot_id = ? AND active = ?", bot.Kind, bot.ID, true).
		Order("priority ASC, id ASC").
		Limit(1).
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve strategy for bot %d: %w", bot.ID, err)
	}
	if len(assignments) == 0 || assignments[0].Strategy.ID == 0 {
		return nil, nil
	}
	return &assignments[0].Strategy, nil
}

// EntryRules are the effective entry thresholds for one bot.
type EntryRules struct {
	Strategy          *models.Strategy
	MinSignalStrength float64
	MinRiskReward     float64
}

// NewEntryRules layers a strategy over the trading defaults.
func NewEntryRules(cfg config.Trading, strategy *models.Strategy) EntryRules {
	r := EntryRules{Strategy: strategy, MinSignalStrength: cfg.MinSignalStrength, MinRiskReward: cfg.MinRiskReward}
	if strategy != nil {
		if strategy.MinSignalStrength > 0 {
			r.MinSignalStrength = strategy.MinSignalStrength
		}
		if strategy.MinRiskReward > 0 {
			r.MinRiskReward = strategy.MinRiskReward
		}
	}
	return r
}

// Eligible reports whether sig may be traded by bot under these rules.
func (r EntryRules) Eligible(bot *models.Bot, sig signals.Signal) bool {
	if sig.Strength < r.MinSignalStrength || !bot.AllowsSide(string(sig.Direction)) {
		return false
	}
	return r.Strategy == nil || r.Strategy.AllowsSignalType(string(sig.Type))
}

// SizingRequest builds the sizing input for sig. Strategy percentages beat
// the signal's own levels, which beat the bot's percentages.
func (r EntryRules) SizingRequest(bot *models.Bot, sig signals.Signal, price, equity float64) risk.Request {
	req := risk.Request{
		Side:          string(sig.Direction),
		CurrentPrice:  price,
		Equity:        equity,
		RiskPercent:   bot.RiskPercent,
		Leverage:      bot.Leverage(),
		SignalStop:    sig.StopLoss,
		SignalTarget:  sig.TakeProfit,
		BotStopPct:    bot.StopLossPercent,
		BotTargetPct:  bot.TakeProfitPercent,
		MinRiskReward: r.MinRiskReward,
	}
	if r.Strategy != nil {
		req.StrategyStopPct = r.Strategy.StopLossPercent
		req.StrategyTargetPct = r.Strategy.TakeProfitPercent
	}
	return req
}
