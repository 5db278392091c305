// Package admission decides whether a bot may open a new position now.
package admission

import (
	"fmt"
	"time"

	"smc-trade-bot-go/internal/models"

	"gorm.io/gorm"
)

// DefaultPauseThreshold is the consecutive-loss count that stops a bot.
const DefaultPauseThreshold = 5

// Deny reasons, in evaluation order.
const (
	ReasonPaused     = "paused"
	ReasonRiskPause  = "risk_management_pause"
	ReasonConcurrent = "max_concurrent_positions"
	ReasonHourlyCap  = "max_trades_per_hour"
	ReasonCooldown   = "cooldown"
	ReasonSpread     = "spread"
	ReasonVolatility = "volatility"
	ReasonVolume     = "volume"
	ReasonWorstHour  = "worst_hour"
)

// Market is the live market quality at decision time.
type Market struct {
	SpreadPercent float64
	ATRPercent    float64
	VolumeRatio   float64
}

// Snapshot is the bot's trade history as read inside the admission
// transaction.
type Snapshot struct {
	OpenTrades     int
	TradesLastHour int
	LastTradeAt    *time.Time
	RecentClosed   []models.Trade // most recent first
	Market         Market
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Controller evaluates admission with a configurable risk-pause threshold.
type Controller struct {
	PauseThreshold int
}

// NewController creates a Controller; threshold <= 0 selects the default.
func NewController(threshold int) *Controller {
	if threshold <= 0 {
		threshold = DefaultPauseThreshold
	}
	return &Controller{PauseThreshold: threshold}
}

// Evaluate runs every check against snap with the default threshold.
func Evaluate(bot *models.Bot, snap Snapshot, now time.Time) Decision {
	return NewController(DefaultPauseThreshold).Evaluate(bot, snap, now)
}

// Evaluate is a pure function of its inputs. All checks must pass; the first
// failing one is reported.
func (c *Controller) Evaluate(bot *models.Bot, snap Snapshot, now time.Time) Decision {
	if bot.Paused {
		return deny(ReasonPaused, "%s", bot.PauseReason)
	}
	if ShouldPauseRiskManagement(snap.RecentClosed, c.PauseThreshold) {
		return deny(ReasonRiskPause, "%d consecutive losses", ConsecutiveLosses(snap.RecentClosed))
	}
	if snap.OpenTrades >= bot.MaxConcurrentPositions {
		return deny(ReasonConcurrent, "%d open of %d", snap.OpenTrades, bot.MaxConcurrentPositions)
	}
	if bot.MaxTradesPerHour > 0 && snap.TradesLastHour >= bot.MaxTradesPerHour {
		return deny(ReasonHourlyCap, "%d trades in the last hour", snap.TradesLastHour)
	}
	if bot.CooldownSeconds > 0 && snap.LastTradeAt != nil {
		cooldown := time.Duration(bot.CooldownSeconds) * time.Second
		if since := now.Sub(*snap.LastTradeAt); since < cooldown {
			return deny(ReasonCooldown, "%s since last trade, cooldown %s", since.Round(time.Second), cooldown)
		}
	}
	m := snap.Market
	if bot.MaxSpreadPercent > 0 && m.SpreadPercent > bot.MaxSpreadPercent {
		return deny(ReasonSpread, "spread %.4f%% > %.4f%%", m.SpreadPercent, bot.MaxSpreadPercent)
	}
	if bot.VolatilityFilter {
		if m.ATRPercent < bot.MinATRPercent || (bot.MaxATRPercent > 0 && m.ATRPercent > bot.MaxATRPercent) {
			return deny(ReasonVolatility, "atr %.4f%% outside [%.4f, %.4f]", m.ATRPercent, bot.MinATRPercent, bot.MaxATRPercent)
		}
	}
	if bot.VolumeFilter && m.VolumeRatio < bot.MinVolumeRatio {
		return deny(ReasonVolume, "volume ratio %.2f < %.2f", m.VolumeRatio, bot.MinVolumeRatio)
	}
	if bot.AvoidWorstHours && bot.Learning.IsWorstHour(now.UTC().Hour()) {
		return deny(ReasonWorstHour, "hour %d is a learned worst hour", now.UTC().Hour())
	}
	return allow()
}

// ConsecutiveLosses counts losing trades from the most recent backwards,
// stopping at the first win. Break-even trades neither count nor stop.
func ConsecutiveLosses(trades []models.Trade) int {
	n := 0
	for i := range trades {
		switch {
		case trades[i].NetPnL > 0:
			return n
		case trades[i].NetPnL < 0:
			n++
		}
	}
	return n
}

// ShouldPauseRiskManagement reports whether the loss streak has reached
// threshold.
func ShouldPauseRiskManagement(trades []models.Trade, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultPauseThreshold
	}
	return ConsecutiveLosses(trades) >= threshold
}

// recentClosedLimit bounds the history read for the loss streak.
const recentClosedLimit = 50

// LoadSnapshot reads the trade history the decision needs. Call it with the
// transaction the trade insert will use so the check and the insert see the
// same state.
func LoadSnapshot(tx *gorm.DB, botID uint, now time.Time, market Market) (Snapshot, error) {
	snap := Snapshot{Market: market}

	var open int64
	if err := tx.Model(&models.Trade{}).
		Where("bot_id = ? AND status IN ?", botID, []models.TradeStatus{models.TradeOpen, models.TradePending}).
		Count(&open).Error; err != nil {
		return snap, fmt.Errorf("failed to count open trades: %w", err)
	}
	snap.OpenTrades = int(open)

	// Rejected submissions never reached the market and do not count.
	counted := tx.Model(&models.Trade{}).
		Where("bot_id = ? AND NOT (status = ? AND close_reason = ?)", botID, models.TradeCancelled, models.ReasonRejected)

	var hour int64
	if err := counted.Session(&gorm.Session{}).Where("created_at > ?", now.Add(-time.Hour)).Count(&hour).Error; err != nil {
		return snap, fmt.Errorf("failed to count recent trades: %w", err)
	}
	snap.TradesLastHour = int(hour)

	var last models.Trade
	res := counted.Session(&gorm.Session{}).Order("created_at DESC").Limit(1).Find(&last)
	if res.Error != nil {
		return snap, fmt.Errorf("failed to load last trade: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		at := last.CreatedAt
		snap.LastTradeAt = &at
	}

	if err := tx.Where("bot_id = ? AND status = ?", botID, models.TradeClosed).
		Order("closed_at DESC").Limit(recentClosedLimit).
		Find(&snap.RecentClosed).Error; err != nil {
		return snap, fmt.Errorf("failed to load closed trades: %w", err)
	}
	return snap, nil
}
