package trader

import (
	"context"
	"fmt"
	"math"
	"time"

	"smc-trade-bot-go/internal/exchange"
	"smc-trade-bot-go/internal/journal"
	"smc-trade-bot-go/internal/logger"
	"smc-trade-bot-go/internal/metrics"
	"smc-trade-bot-go/internal/models"
	"smc-trade-bot-go/internal/risk"
	"smc-trade-bot-go/internal/signals"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultQuickExitStrength is used when a bot enables quick exit without a
// threshold of its own.
const DefaultQuickExitStrength = 0.7

// quickExitSignals is how many strong opposing signals force a quick exit.
const quickExitSignals = 2

// Preparer is implemented by derivatives adapters that must apply leverage
// and margin mode before an entry.
type Preparer interface {
	Prepare(ctx context.Context, symbol string, leverage int, marginMode string) error
}

// Executor places orders and owns the trade state machine:
// pending -> open -> closed, or cancelled when the entry never filled.
type Executor struct {
	db      *gorm.DB
	journal *journal.Journal
	metrics *metrics.Recorder
	logger  *zap.Logger
	feeRate float64
	now     func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(db *gorm.DB, jr *journal.Journal, rec *metrics.Recorder, logger *zap.Logger, feeRate float64) *Executor {
	return &Executor{
		db:      db,
		journal: jr,
		metrics: rec,
		logger:  logger.Named("executor"),
		feeRate: feeRate,
		now:     time.Now,
	}
}

func entrySide(side string) string {
	if side == models.SideShort {
		return exchange.OrderSideSell
	}
	return exchange.OrderSideBuy
}

func exitSide(side string) string {
	if side == models.SideShort {
		return exchange.OrderSideBuy
	}
	return exchange.OrderSideSell
}

// Open submits a market entry for order and records the outcome. A rejected
// or ambiguous submission is still recorded, as cancelled, so that
// reconciliation can arbitrate it later. The returned error is non-nil only
// when nothing could be recorded.
func (e *Executor) Open(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot, sig *models.Signal, order risk.Order) (*models.Trade, error) {
	l := logger.ForBot(e.logger, bot.ID, bot.Symbol).With(zap.String("side", order.Side))

	if bot.IsDerivatives() {
		if p, ok := port.(Preparer); ok {
			if err := p.Prepare(ctx, bot.Symbol, bot.Leverage(), bot.MarginMode()); err != nil {
				return nil, fmt.Errorf("failed to prepare %s: %w", bot.Symbol, err)
			}
		}
	}

	req := exchange.OrderRequest{
		Symbol:        bot.Symbol,
		Side:          entrySide(order.Side),
		PositionSide:  order.Side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      order.Quantity,
		ClientOrderID: uuid.NewString(),
	}
	l.Info("Submitting entry order", zap.Float64("quantity", order.Quantity), zap.String("client_order_id", req.ClientOrderID))
	res, err := port.PlaceOrder(ctx, req)

	now := e.now().UTC()
	trade := &models.Trade{
		BotID:         bot.ID,
		Symbol:        bot.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		EntryPrice:    order.Entry,
		StopLoss:      order.StopLoss,
		TakeProfit:    order.TakeProfit,
		InitialStop:   order.StopLoss,
		Leverage:      bot.Leverage(),
		MarginMode:    bot.MarginMode(),
		ClientOrderID: req.ClientOrderID,
	}
	if sig != nil {
		trade.SignalType = sig.Type
		trade.Timeframe = sig.Timeframe
		trade.EntryRSI = sig.RSI
	}

	switch {
	case exchange.IsRejected(err):
		trade.Status = models.TradeCancelled
		trade.CloseReason = models.ReasonRejected
		trade.ClosedAt = &now
	case err != nil:
		// Exhausted retries or a dropped connection: the order may be live.
		trade.Status = models.TradeCancelled
		trade.CloseReason = models.ReasonSubmissionUnknown
		trade.ClosedAt = &now
	default:
		trade.OrderID = res.OrderID
		if res.AvgPrice > 0 {
			trade.EntryPrice = res.AvgPrice
		}
		if res.ExecutedQty > 0 {
			trade.Quantity = res.ExecutedQty
		}
		switch {
		case res.Status == exchange.StatusFilled || res.Status == exchange.StatusPartiallyFilled:
			trade.Status = models.TradeOpen
			trade.OpenedAt = &now
		case res.Status.Dead():
			trade.Status = models.TradeCancelled
			trade.CloseReason = models.ReasonOrderCancelled
			trade.ClosedAt = &now
		default:
			trade.Status = models.TradePending
		}
	}

	if dbErr := e.db.WithContext(ctx).Create(trade).Error; dbErr != nil {
		l.Error("Failed to record trade", zap.Error(dbErr), zap.String("order_id", trade.OrderID))
		return nil, fmt.Errorf("failed to record trade for order %q: %w", trade.OrderID, dbErr)
	}

	fields := journal.Fields{
		"trade_id":        trade.ID,
		"client_order_id": trade.ClientOrderID,
		"order_id":        trade.OrderID,
		"quantity":        trade.Quantity,
		"entry_price":     trade.EntryPrice,
		"stop_loss":       trade.StopLoss,
		"take_profit":     trade.TakeProfit,
	}
	switch trade.Status {
	case models.TradeCancelled:
		fields["reason"] = trade.CloseReason
		if err != nil {
			fields["error"] = err.Error()
		}
		level := models.LevelWarning
		if trade.CloseReason == models.ReasonSubmissionUnknown {
			level = models.LevelError
		}
		e.journal.Record(bot.ID, level, models.CategoryExecution, "Entry order not filled", fields)
		e.metrics.TradeClosed(trade.CloseReason)
		return trade, nil
	case models.TradeOpen:
		e.journal.Info(bot.ID, models.CategoryExecution, "Trade opened", fields)
		e.metrics.TradeOpened(trade.Side)
	default:
		e.journal.Info(bot.ID, models.CategoryExecution, "Entry order pending", fields)
	}

	if sig != nil && sig.ID != 0 {
		res := e.db.WithContext(ctx).Model(&models.Signal{}).
			Where("id = ? AND executed = ?", sig.ID, false).
			Updates(map[string]any{"executed": true, "trade_id": trade.ID})
		if res.Error != nil {
			l.Warn("Failed to mark signal executed", zap.Uint("signal_id", sig.ID), zap.Error(res.Error))
		} else if res.RowsAffected == 1 {
			sig.Executed = true
			sig.TradeID = &trade.ID
		}
	}
	return trade, nil
}

// RefreshPending polls the venue for every pending entry of bot.
func (e *Executor) RefreshPending(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot) error {
	var pending []models.Trade
	if err := e.db.WithContext(ctx).Where("bot_id = ? AND status = ?", bot.ID, models.TradePending).Find(&pending).Error; err != nil {
		return fmt.Errorf("failed to load pending trades: %w", err)
	}

	for i := range pending {
		t := &pending[i]
		if t.OrderID == "" {
			continue
		}
		status, err := port.GetOrderStatus(ctx, t.Symbol, t.OrderID)
		if err != nil {
			e.logger.Warn("Failed to poll pending order", zap.Uint("trade_id", t.ID), zap.Error(err))
			continue
		}

		now := e.now().UTC()
		updates := map[string]any{}
		switch {
		case status == exchange.StatusFilled:
			updates["status"] = models.TradeOpen
			updates["opened_at"] = now
		case status.Dead():
			updates["status"] = models.TradeCancelled
			updates["close_reason"] = models.ReasonOrderCancelled
			updates["closed_at"] = now
		default:
			continue
		}
		res := e.db.WithContext(ctx).Model(&models.Trade{}).
			Where("id = ? AND status = ?", t.ID, models.TradePending).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update pending trade %d: %w", t.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		if status == exchange.StatusFilled {
			e.journal.Info(bot.ID, models.CategoryExecution, "Pending entry filled", journal.Fields{"trade_id": t.ID, "order_id": t.OrderID})
			e.metrics.TradeOpened(t.Side)
		} else {
			e.journal.Warn(bot.ID, models.CategoryExecution, "Pending entry cancelled by exchange",
				journal.Fields{"trade_id": t.ID, "order_id": t.OrderID, "status": string(status)})
			e.metrics.TradeClosed(models.ReasonOrderCancelled)
		}
	}
	return nil
}

// exitDecision is what Manage concluded for one tick.
type exitDecision struct {
	reason string
	price  float64
}

// Manage updates an open trade with the latest price and applies the exit
// rules in priority order: stop/target, quick exit, time stop, then stop
// adjustments (breakeven, trailing). It reports whether the trade closed.
func (e *Executor) Manage(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot, trade *models.Trade, price float64, opposing []signals.Signal) (bool, error) {
	if trade.Status != models.TradeOpen || price <= 0 {
		return false, nil
	}

	move := trade.PriceMovePct(price)
	trade.UnrealizedPnL = trade.UnrealizedAt(price)
	trade.MaxFavorablePct = math.Max(trade.MaxFavorablePct, move)
	trade.MaxAdversePct = math.Min(trade.MaxAdversePct, move)

	if exit, ok := e.exitFor(bot, trade, price, move, opposing); ok {
		return e.Close(ctx, port, bot, trade, exit.price, exit.reason)
	}

	updates := map[string]any{
		"unrealized_pnl":    trade.UnrealizedPnL,
		"max_favorable_pct": trade.MaxFavorablePct,
		"max_adverse_pct":   trade.MaxAdversePct,
	}
	oldStop := trade.StopLoss

	if bot.BreakevenEnabled && !trade.BreakevenApplied && move >= bot.BreakevenTriggerPct && tighter(trade, trade.EntryPrice) {
		trade.StopLoss = trade.EntryPrice
		trade.BreakevenApplied = true
		updates["breakeven_applied"] = true
	}
	if bot.TrailingEnabled && move > bot.TrailingDistancePct {
		candidate := price * (1 - trade.SideSign()*bot.TrailingDistancePct/100)
		if tighter(trade, candidate) {
			trade.StopLoss = candidate
			trade.TrailingActivated = true
			updates["trailing_activated"] = true
		}
	}
	if trade.StopLoss != oldStop {
		updates["stop_loss"] = trade.StopLoss
	}

	res := e.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ?", trade.ID, models.TradeOpen).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update trade %d: %w", trade.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if trade.StopLoss != oldStop {
		msg := "Trailing stop moved"
		if trade.StopLoss == trade.EntryPrice {
			msg = "Stop moved to breakeven"
		}
		e.journal.Info(bot.ID, models.CategoryPrice, msg, journal.Fields{
			"trade_id": trade.ID, "price": price, "old_stop": oldStop, "new_stop": trade.StopLoss,
		})
	}
	return false, nil
}

func (e *Executor) exitFor(bot *models.Bot, trade *models.Trade, price, move float64, opposing []signals.Signal) (exitDecision, bool) {
	long := trade.Side == models.SideLong
	switch {
	case trade.StopLoss > 0 && ((long && price <= trade.StopLoss) || (!long && price >= trade.StopLoss)):
		return exitDecision{reason: models.ReasonStopLoss, price: trade.StopLoss}, true
	case trade.TakeProfit > 0 && ((long && price >= trade.TakeProfit) || (!long && price <= trade.TakeProfit)):
		return exitDecision{reason: models.ReasonTakeProfit, price: trade.TakeProfit}, true
	}

	if bot.QuickExitEnabled {
		threshold := bot.QuickExitStrength
		if threshold <= 0 {
			threshold = DefaultQuickExitStrength
		}
		strong := 0
		for _, s := range opposing {
			if string(s.Direction) != trade.Side && s.Strength > threshold {
				strong++
			}
		}
		stopDistPct := 0.0
		if trade.InitialStop > 0 && trade.EntryPrice > 0 {
			stopDistPct = math.Abs(trade.EntryPrice-trade.InitialStop) / trade.EntryPrice * 100
		}
		if strong >= quickExitSignals || (stopDistPct > 0 && -move > stopDistPct/2) {
			e.journal.Info(bot.ID, models.CategoryAnalysis, "Quick exit triggered", journal.Fields{
				"trade_id": trade.ID, "opposing_signals": strong, "move_pct": move,
			})
			return exitDecision{reason: models.ReasonQuickExit, price: price}, true
		}
	}

	if hold := bot.MaxHold(); hold > 0 && trade.OpenedAt != nil && e.now().Sub(*trade.OpenedAt) >= hold {
		return exitDecision{reason: models.ReasonTimeStop, price: price}, true
	}
	return exitDecision{}, false
}

// tighter reports whether stop would reduce the trade's risk.
func tighter(trade *models.Trade, stop float64) bool {
	if trade.Side == models.SideShort {
		return trade.StopLoss == 0 || stop < trade.StopLoss
	}
	return stop > trade.StopLoss
}

// Close exits an open trade at price (the fill price wins when the venue
// reports one). Closing a trade that is no longer open is a no-op.
func (e *Executor) Close(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot, trade *models.Trade, price float64, reason string) (bool, error) {
	var current models.Trade
	if err := e.db.WithContext(ctx).Select("id", "status").First(&current, trade.ID).Error; err != nil {
		return false, fmt.Errorf("failed to re-read trade %d: %w", trade.ID, err)
	}
	if current.Status != models.TradeOpen {
		trade.Status = current.Status
		return false, nil
	}

	l := e.logger.With(zap.Uint("bot_id", bot.ID), zap.Uint("trade_id", trade.ID), zap.String("reason", reason))
	req := exchange.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          exitSide(trade.Side),
		PositionSide:  trade.Side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      trade.Quantity,
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	}
	res, err := port.PlaceOrder(ctx, req)
	if err != nil {
		l.Error("Exit order failed", zap.Error(err))
		e.journal.Error(bot.ID, models.CategoryExecution, "Exit order failed", journal.Fields{
			"trade_id": trade.ID, "reason": reason, "error": err.Error(),
		})
		return false, fmt.Errorf("failed to close trade %d: %w", trade.ID, err)
	}

	exit := price
	if res.AvgPrice > 0 {
		exit = res.AvgPrice
	}
	closed := *trade
	closed.Settle(exit, e.feeRate)
	now := e.now().UTC()

	updated, err := e.markClosed(ctx, &closed, reason, res.OrderID, now)
	if err != nil {
		return false, err
	}
	if !updated {
		l.Warn("Trade closed elsewhere while the exit order was in flight")
		return false, nil
	}
	*trade = closed

	e.journal.Info(bot.ID, models.CategoryExecution, "Trade closed", journal.Fields{
		"trade_id":     trade.ID,
		"reason":       reason,
		"exit_price":   trade.ExitPrice,
		"realized_pnl": trade.RealizedPnL,
		"fees_paid":    trade.FeesPaid,
		"net_pnl":      trade.NetPnL,
	})
	e.metrics.TradeClosed(reason)
	return true, nil
}

// markClosed is the status-guarded transition open -> closed.
func (e *Executor) markClosed(ctx context.Context, t *models.Trade, reason, exitOrderID string, at time.Time) (bool, error) {
	res := e.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ?", t.ID, models.TradeOpen).
		Updates(map[string]any{
			"status":         models.TradeClosed,
			"close_reason":   reason,
			"exit_price":     t.ExitPrice,
			"realized_pnl":   t.RealizedPnL,
			"fees_paid":      t.FeesPaid,
			"net_pnl":        t.NetPnL,
			"unrealized_pnl": 0,
			"exit_order_id":  exitOrderID,
			"closed_at":      at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark trade %d closed: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	t.Status = models.TradeClosed
	t.CloseReason = reason
	t.ExitOrderID = exitOrderID
	t.ClosedAt = &at
	return true, nil
}
