// Package risk turns a signal into a concrete, risk-bounded order.
package risk

import (
	"errors"
	"fmt"
	"math"

	"smc-trade-bot-go/internal/exchange"
	"smc-trade-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// Rejection reasons.
const (
	ReasonInvalidInput     = "invalid_input"
	ReasonInvalidGeometry  = "invalid_geometry"
	ReasonBelowMinQty      = "below_min_qty"
	ReasonBelowMinNotional = "below_min_notional"
	ReasonRiskReward       = "risk_reward_below_minimum"
)

// SizingRejected means the signal cannot be traded under the constraints.
// It is an expected outcome; callers skip the signal.
type SizingRejected struct {
	Reason string
	Detail string
}

func (e *SizingRejected) Error() string {
	if e.Detail == "" {
		return "sizing rejected: " + e.Reason
	}
	return fmt.Sprintf("sizing rejected: %s (%s)", e.Reason, e.Detail)
}

// IsRejected reports whether err is a SizingRejected.
func IsRejected(err error) bool {
	var rej *SizingRejected
	return errors.As(err, &rej)
}

func reject(reason, format string, args ...any) error {
	return &SizingRejected{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Request carries everything needed to size one entry.
type Request struct {
	Side         string // models.SideLong or models.SideShort
	CurrentPrice float64
	Equity       float64
	RiskPercent  float64
	Leverage     int
	Instrument   exchange.Instrument

	// Levels suggested by the detector; zero when absent.
	SignalStop   float64
	SignalTarget float64

	// Percent distances from entry. Strategy values take precedence over the
	// signal's levels, which take precedence over the bot's.
	StrategyStopPct   float64
	StrategyTargetPct float64
	BotStopPct        float64
	BotTargetPct      float64

	MinRiskReward float64
}

// Order is a sized entry.
type Order struct {
	Side       string
	Quantity   float64
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	RiskReward float64
	Notional   float64
	RiskAmount float64
}

// Size computes the order. quantity × |entry − stop| never exceeds
// equity × risk%, and quantity × entry never exceeds equity × leverage.
func Size(req Request) (Order, error) {
	entry := req.CurrentPrice
	if entry <= 0 || req.Equity <= 0 || req.RiskPercent <= 0 {
		return Order{}, reject(ReasonInvalidInput, "price=%g equity=%g risk=%g", entry, req.Equity, req.RiskPercent)
	}
	if req.Side != models.SideLong && req.Side != models.SideShort {
		return Order{}, reject(ReasonInvalidInput, "unknown side %q", req.Side)
	}
	sign := 1.0
	if req.Side == models.SideShort {
		sign = -1
	}

	stop := resolveLevel(entry, -sign, req.StrategyStopPct, req.SignalStop, req.BotStopPct)
	target := resolveLevel(entry, sign, req.StrategyTargetPct, req.SignalTarget, req.BotTargetPct)
	if stop <= 0 || target <= 0 || (target-entry)*sign <= 0 || (entry-stop)*sign <= 0 {
		return Order{}, reject(ReasonInvalidGeometry, "side=%s stop=%g entry=%g target=%g", req.Side, stop, entry, target)
	}

	riskPerUnit := math.Abs(entry - stop)
	rr := math.Abs(target-entry) / riskPerUnit
	if req.MinRiskReward > 0 && rr < req.MinRiskReward {
		return Order{}, reject(ReasonRiskReward, "%.2f < %.2f", rr, req.MinRiskReward)
	}

	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}
	dEntry := decimal.NewFromFloat(entry)
	budget := decimal.NewFromFloat(req.Equity).Mul(decimal.NewFromFloat(req.RiskPercent)).Div(decimal.NewFromInt(100))
	qty := budget.Div(decimal.NewFromFloat(riskPerUnit))
	maxQty := decimal.NewFromFloat(req.Equity).Mul(decimal.NewFromInt(int64(leverage))).Div(dEntry)
	qty = decimal.Min(qty, maxQty)
	qty = floorToStep(qty, req.Instrument.StepSize)

	inst := req.Instrument
	if !qty.IsPositive() || qty.LessThan(decimal.NewFromFloat(inst.MinQty)) {
		return Order{}, reject(ReasonBelowMinQty, "qty %s < min %g", qty, inst.MinQty)
	}
	notional := qty.Mul(dEntry)
	if notional.LessThan(decimal.NewFromFloat(inst.MinNotional)) {
		return Order{}, reject(ReasonBelowMinNotional, "notional %s < min %g", notional.StringFixed(4), inst.MinNotional)
	}

	q, _ := qty.Float64()
	n, _ := notional.Float64()
	return Order{
		Side:       req.Side,
		Quantity:   q,
		Entry:      entry,
		StopLoss:   stop,
		TakeProfit: target,
		RiskReward: rr,
		Notional:   n,
		RiskAmount: q * riskPerUnit,
	}, nil
}

// resolveLevel applies the precedence strategy% > signal level > bot%.
// dir is +1 when the level lies above entry.
func resolveLevel(entry, dir, strategyPct, signalLevel, botPct float64) float64 {
	switch {
	case strategyPct > 0:
		return entry * (1 + dir*strategyPct/100)
	case signalLevel > 0:
		return signalLevel
	case botPct > 0:
		return entry * (1 + dir*botPct/100)
	}
	return 0
}

// floorToStep rounds qty down to a multiple of step. Without a step the
// quantity is truncated to 8 decimals.
func floorToStep(qty decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return qty.Truncate(8)
	}
	s := decimal.NewFromFloat(step)
	return qty.Div(s).Floor().Mul(s)
}

// FloorToStep is floorToStep for callers holding plain floats, such as
// reducing orders sized from exchange-reported quantities.
func FloorToStep(qty, step float64) float64 {
	f, _ := floorToStep(decimal.NewFromFloat(qty), step).Float64()
	return f
}
