package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// BotKind discriminates the bot families that share the trading engine.
type BotKind string

const (
	BotKindSpot     BotKind = "spot"
	BotKindFutures  BotKind = "futures"
	BotKindScalping BotKind = "scalping"
)

// Position side restrictions.
const (
	PositionSideBoth  = "both"
	PositionSideLong  = "long"
	PositionSideShort = "short"
)

// Margin modes supported by the futures venue.
const (
	MarginIsolated = "isolated"
	MarginCross    = "cross"
)

// SpotParams holds spot-only settings.
type SpotParams struct {
	QuoteReserve float64 `json:"quote_reserve"` // quote balance never committed to positions
}

// FuturesParams holds derivatives settings.
type FuturesParams struct {
	Leverage     int    `json:"leverage"`
	MarginMode   string `json:"margin_mode"`
	PositionSide string `json:"position_side"`
}

// ScalpingParams holds scalping settings. Scalpers trade on the futures venue.
type ScalpingParams struct {
	FuturesParams
	MaxHoldMinutes int `json:"max_hold_minutes"`
}

// KindParams is a tagged variant: exactly the member matching Bot.Kind is set.
type KindParams struct {
	Spot     *SpotParams     `json:"spot,omitempty"`
	Futures  *FuturesParams  `json:"futures,omitempty"`
	Scalping *ScalpingParams `json:"scalping,omitempty"`
}

// Bot is one independently running trading bot.
type Bot struct {
	gorm.Model
	UserID         uint       `json:"user_id"`
	Name           string     `json:"name"`
	Kind           BotKind    `gorm:"index;not null" json:"kind"`
	Params         KindParams `gorm:"serializer:json" json:"params"`
	Symbol         string     `gorm:"not null" json:"symbol"`
	Timeframes     []string   `gorm:"serializer:json" json:"timeframes"`
	CredentialsRef string     `json:"credentials_ref"`
	Active         bool       `gorm:"default:true" json:"active"`

	RiskPercent       float64 `json:"risk_percent"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`

	TrailingEnabled     bool    `json:"trailing_enabled"`
	TrailingDistancePct float64 `json:"trailing_distance_pct"`
	BreakevenEnabled    bool    `json:"breakeven_enabled"`
	BreakevenTriggerPct float64 `json:"breakeven_trigger_pct"`
	QuickExitEnabled    bool    `json:"quick_exit_enabled"`
	QuickExitStrength   float64 `json:"quick_exit_strength"`

	MaxTradesPerHour       int     `json:"max_trades_per_hour"`
	CooldownSeconds        int     `json:"cooldown_seconds"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
	MaxSpreadPercent       float64 `json:"max_spread_percent"`

	VolatilityFilter bool    `json:"volatility_filter"`
	MinATRPercent    float64 `json:"min_atr_percent"`
	MaxATRPercent    float64 `json:"max_atr_percent"`
	VolumeFilter     bool    `json:"volume_filter"`
	MinVolumeRatio   float64 `json:"min_volume_ratio"`
	AvoidWorstHours  bool    `json:"avoid_worst_hours"`

	Paused      bool   `gorm:"index" json:"paused"`
	PauseReason string `json:"pause_reason"`

	Learning  LearningProfile `gorm:"serializer:json" json:"learning"`
	LearnedAt *time.Time      `json:"learned_at"`

	// Lease used to serialize the runner and reconciliation across processes.
	LockOwner   string     `json:"-"`
	LockedUntil *time.Time `json:"-"`
}

// Leverage returns the leverage applied to the bot's positions (1 for spot).
func (b *Bot) Leverage() int {
	if fp := b.futuresParams(); fp != nil && fp.Leverage > 0 {
		return fp.Leverage
	}
	return 1
}

// MarginMode returns the configured margin mode, empty for spot.
func (b *Bot) MarginMode() string {
	if fp := b.futuresParams(); fp != nil {
		if fp.MarginMode == "" {
			return MarginIsolated
		}
		return fp.MarginMode
	}
	return ""
}

// PositionSide returns which sides the bot may open. Spot bots are long only.
func (b *Bot) PositionSide() string {
	if fp := b.futuresParams(); fp != nil && fp.PositionSide != "" {
		return fp.PositionSide
	}
	if b.Kind == BotKindSpot {
		return PositionSideLong
	}
	return PositionSideBoth
}

// AllowsSide reports whether the bot may open a position on side.
func (b *Bot) AllowsSide(side string) bool {
	ps := b.PositionSide()
	return ps == PositionSideBoth || ps == side
}

// MaxHold returns the scalping time stop, zero when not applicable.
func (b *Bot) MaxHold() time.Duration {
	if b.Kind == BotKindScalping && b.Params.Scalping != nil {
		return time.Duration(b.Params.Scalping.MaxHoldMinutes) * time.Minute
	}
	return 0
}

// IsDerivatives reports whether the bot trades on the futures venue.
func (b *Bot) IsDerivatives() bool {
	return b.Kind == BotKindFutures || b.Kind == BotKindScalping
}

func (b *Bot) futuresParams() *FuturesParams {
	switch b.Kind {
	case BotKindFutures:
		return b.Params.Futures
	case BotKindScalping:
		if b.Params.Scalping != nil {
			return &b.Params.Scalping.FuturesParams
		}
	}
	return nil
}

// ErrInvalidBot is returned (wrapped) by Validate.
var ErrInvalidBot = errors.New("invalid bot configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidBot, fmt.Sprintf(format, args...))
}

func inRange(v, lo, hi float64) bool { return v >= lo && v <= hi }

// Validate bounds-checks the configuration. The engine never trusts that the
// values were validated by whatever wrote them.
func (b *Bot) Validate() error {
	if b.Symbol == "" {
		return invalid("symbol is required")
	}
	if len(b.Timeframes) == 0 {
		return invalid("at least one timeframe is required")
	}
	switch b.Kind {
	case BotKindSpot:
		if b.Params.Futures != nil || b.Params.Scalping != nil {
			return invalid("spot bot carries non-spot params")
		}
	case BotKindFutures:
		if b.Params.Futures == nil || b.Params.Spot != nil || b.Params.Scalping != nil {
			return invalid("futures bot requires exactly futures params")
		}
	case BotKindScalping:
		if b.Params.Scalping == nil || b.Params.Spot != nil || b.Params.Futures != nil {
			return invalid("scalping bot requires exactly scalping params")
		}
		if b.Params.Scalping.MaxHoldMinutes < 0 {
			return invalid("max_hold_minutes must not be negative")
		}
	default:
		return invalid("unknown bot kind %q", b.Kind)
	}
	if fp := b.futuresParams(); fp != nil {
		if fp.Leverage < 1 || fp.Leverage > 125 {
			return invalid("leverage %d outside [1,125]", fp.Leverage)
		}
		if fp.MarginMode != "" && fp.MarginMode != MarginIsolated && fp.MarginMode != MarginCross {
			return invalid("unknown margin mode %q", fp.MarginMode)
		}
		switch fp.PositionSide {
		case "", PositionSideBoth, PositionSideLong, PositionSideShort:
		default:
			return invalid("unknown position side %q", fp.PositionSide)
		}
	}
	if !inRange(b.RiskPercent, 0.01, 10) {
		return invalid("risk_percent %.4f outside [0.01,10]", b.RiskPercent)
	}
	if !inRange(b.StopLossPercent, 0, 50) {
		return invalid("stop_loss_percent %.4f outside [0,50]", b.StopLossPercent)
	}
	if !inRange(b.TakeProfitPercent, 0, 500) {
		return invalid("take_profit_percent %.4f outside [0,500]", b.TakeProfitPercent)
	}
	if b.TrailingEnabled && !inRange(b.TrailingDistancePct, 0.05, 50) {
		return invalid("trailing_distance_pct %.4f outside [0.05,50]", b.TrailingDistancePct)
	}
	if b.BreakevenEnabled && !inRange(b.BreakevenTriggerPct, 0.05, 100) {
		return invalid("breakeven_trigger_pct %.4f outside [0.05,100]", b.BreakevenTriggerPct)
	}
	if b.QuickExitEnabled && !inRange(b.QuickExitStrength, 0, 1) {
		return invalid("quick_exit_strength %.4f outside [0,1]", b.QuickExitStrength)
	}
	if b.MaxConcurrentPositions < 1 {
		return invalid("max_concurrent_positions must be at least 1")
	}
	if b.MaxTradesPerHour < 0 || b.CooldownSeconds < 0 {
		return invalid("admission limits must not be negative")
	}
	if b.MaxSpreadPercent < 0 {
		return invalid("max_spread_percent must not be negative")
	}
	if b.VolatilityFilter && (b.MinATRPercent < 0 || (b.MaxATRPercent > 0 && b.MaxATRPercent < b.MinATRPercent)) {
		return invalid("volatility bounds [%.4f,%.4f] are inconsistent", b.MinATRPercent, b.MaxATRPercent)
	}
	if b.VolumeFilter && b.MinVolumeRatio < 0 {
		return invalid("min_volume_ratio must not be negative")
	}
	return nil
}
