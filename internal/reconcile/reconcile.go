// Package reconcile corrects drift between the local trade records and what
// the exchange reports. The exchange is authoritative for live positions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/exchange"
	"smc-trade-bot-go/internal/journal"
	"smc-trade-bot-go/internal/locks"
	"smc-trade-bot-go/internal/logger"
	"smc-trade-bot-go/internal/metrics"
	"smc-trade-bot-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Actions counted in a Report.
const (
	ActionCancelled = "cancelled"
	ActionFilled    = "filled"
	ActionStale     = "stale"
	ActionClosed    = "closed"
	ActionRefreshed = "refreshed"
	ActionReopened  = "reopened"
	ActionDuplicate = "duplicate"
	ActionUntracked = "untracked"
)

// Ports builds the venue adapter for a bot.
type Ports interface {
	ForBot(bot *models.Bot) (exchange.MarketDataPort, error)
}

// Report counts what one bot's sync changed.
type Report struct {
	BotID   uint
	Skipped bool
	Actions map[string]int
}

func newReport(botID uint) Report {
	return Report{BotID: botID, Actions: make(map[string]int)}
}

func (r *Report) add(action string) { r.Actions[action]++ }

// Count returns how many times action was taken.
func (r Report) Count(action string) int { return r.Actions[action] }

// Changes is the number of corrections, untracked positions excluded.
func (r Report) Changes() int {
	n := 0
	for action, c := range r.Actions {
		if action != ActionUntracked {
			n += c
		}
	}
	return n
}

// Service reconciles bots against the exchange.
type Service struct {
	db         *gorm.DB
	ports      Ports
	locker     *locks.Locker
	journal    *journal.Journal
	metrics    *metrics.Recorder
	logger     *zap.Logger
	feeRate    float64
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewService creates a Service. The locker must be shared with the runner
// when both live in one process.
func NewService(db *gorm.DB, ports Ports, locker *locks.Locker, jr *journal.Journal, rec *metrics.Recorder, logger *zap.Logger, cfg *config.Config) *Service {
	return &Service{
		db:         db,
		ports:      ports,
		locker:     locker,
		journal:    jr,
		metrics:    rec,
		logger:     logger.Named("reconcile"),
		feeRate:    cfg.Trading.FeeRate,
		staleAfter: cfg.Reconciliation.StaleOrderAfter,
		interval:   cfg.Reconciliation.Interval,
		now:        time.Now,
	}
}

// Run calls SyncAll every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting reconciliation loop", zap.Duration("interval", interval))
	for {
		if _, err := s.SyncAll(ctx); err != nil {
			s.logger.Error("Reconciliation finished with errors", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping reconciliation loop...")
			return
		case <-ticker.C:
		}
	}
}

// SyncAll reconciles every active bot and every inactive bot that still has
// live trades. Failures are collected per bot.
func (s *Service) SyncAll(ctx context.Context) ([]Report, error) {
	live := s.db.Model(&models.Trade{}).Select("bot_id").
		Where("status IN ?", []models.TradeStatus{models.TradeOpen, models.TradePending})
	var bots []models.Bot
	if err := s.db.WithContext(ctx).Where("active = ? OR id IN (?)", true, live).Order("id").Find(&bots).Error; err != nil {
		return nil, fmt.Errorf("failed to load bots: %w", err)
	}

	reports := make([]Report, 0, len(bots))
	var errs []error
	for i := range bots {
		rep, err := s.SyncBot(ctx, &bots[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("bot %d (%s): %w", bots[i].ID, bots[i].Name, err))
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

// SyncBot applies the resolution rules to one bot under its lock.
func (s *Service) SyncBot(ctx context.Context, bot *models.Bot) (Report, error) {
	rep := newReport(bot.ID)
	l := logger.ForBot(s.logger, bot.ID, bot.Symbol)

	port, err := s.ports.ForBot(bot)
	if err != nil {
		return rep, err
	}
	release, err := s.locker.Acquire(ctx, bot.ID)
	if errors.Is(err, locks.ErrLocked) {
		l.Info("Bot is busy, skipping reconciliation")
		rep.Skipped = true
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	defer release()

	reported, err := port.GetOpenPositions(ctx, bot.Symbol)
	if err != nil {
		return rep, fmt.Errorf("failed to fetch positions: %w", err)
	}
	positions := make(map[string]exchange.Position)
	for _, p := range reported {
		if p.Quantity > 0 && exchange.SameSymbol(p.Symbol, bot.Symbol) {
			positions[p.Side] = p
		}
	}

	if err := s.syncOrders(ctx, port, bot, positions, &rep); err != nil {
		return rep, err
	}
	for _, side := range []string{models.SideLong, models.SideShort} {
		pos, ok := positions[side]
		var p *exchange.Position
		if ok {
			p = &pos
		}
		if err := s.syncSide(ctx, port, bot, side, p, &rep); err != nil {
			return rep, err
		}
	}

	for action, n := range rep.Actions {
		s.metrics.Reconciled(action, n)
	}
	if rep.Changes() > 0 {
		l.Info("Reconciled bot", zap.Any("actions", rep.Actions))
	}
	return rep, nil
}

// syncOrders checks the entry order of every pending or open trade. A dead
// order on an open trade only cancels it when no position backs it: a
// partially filled order that was later cancelled still left a position.
func (s *Service) syncOrders(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot, positions map[string]exchange.Position, rep *Report) error {
	var trades []models.Trade
	if err := s.db.WithContext(ctx).
		Where("bot_id = ? AND status IN ? AND order_id <> ''", bot.ID, []models.TradeStatus{models.TradePending, models.TradeOpen}).
		Order("id").Find(&trades).Error; err != nil {
		return fmt.Errorf("failed to load trades: %w", err)
	}

	for i := range trades {
		t := &trades[i]
		status, err := port.GetOrderStatus(ctx, t.Symbol, t.OrderID)
		if err != nil {
			s.logger.Warn("Failed to fetch order status", zap.Uint("trade_id", t.ID), zap.String("order_id", t.OrderID), zap.Error(err))
			continue
		}
		_, backed := positions[t.Side]
		now := s.now().UTC()

		switch {
		case status.Dead() && (t.Status == models.TradePending || !backed):
			ok, err := s.transition(ctx, t, map[string]any{
				"status": models.TradeCancelled, "close_reason": models.ReasonOrderCancelled, "closed_at": now,
			})
			if err != nil {
				return err
			}
			if ok {
				rep.add(ActionCancelled)
				s.journal.Warn(bot.ID, models.CategoryExecution, "Trade cancelled: order is dead on exchange", journal.Fields{
					"trade_id": t.ID, "order_id": t.OrderID, "status": string(status),
				})
			}
		case t.Status == models.TradePending && (status == exchange.StatusFilled || status == exchange.StatusPartiallyFilled):
			ok, err := s.transition(ctx, t, map[string]any{"status": models.TradeOpen, "opened_at": now})
			if err != nil {
				return err
			}
			if ok {
				rep.add(ActionFilled)
				s.journal.Info(bot.ID, models.CategoryExecution, "Pending entry filled", journal.Fields{"trade_id": t.ID, "order_id": t.OrderID})
			}
		case t.Status == models.TradePending && s.staleAfter > 0 && now.Sub(t.CreatedAt) > s.staleAfter:
			if err := port.CancelOrder(ctx, t.Symbol, t.OrderID); err != nil {
				s.logger.Warn("Failed to cancel stale order", zap.Uint("trade_id", t.ID), zap.String("order_id", t.OrderID), zap.Error(err))
				continue
			}
			ok, err := s.transition(ctx, t, map[string]any{
				"status": models.TradeCancelled, "close_reason": models.ReasonStaleOrder, "closed_at": now,
			})
			if err != nil {
				return err
			}
			if ok {
				rep.add(ActionStale)
				s.journal.Warn(bot.ID, models.CategoryExecution, "Stale entry order cancelled", journal.Fields{
					"trade_id": t.ID, "order_id": t.OrderID, "age": now.Sub(t.CreatedAt).String(),
				})
			}
		}
	}
	return nil
}

// syncSide makes the open trades of one side agree with the exchange
// position on that side, which may be nil.
func (s *Service) syncSide(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot, side string, pos *exchange.Position, rep *Report) error {
	var open []models.Trade
	if err := s.db.WithContext(ctx).
		Where("bot_id = ? AND side = ? AND status = ?", bot.ID, side, models.TradeOpen).
		Order("id DESC").Find(&open).Error; err != nil {
		return fmt.Errorf("failed to load open trades: %w", err)
	}

	// At most one open trade per side: the newest survives.
	for i := 1; i < len(open); i++ {
		dup := &open[i]
		ok, err := s.closeTrade(ctx, dup, dup.EntryPrice, 0, models.ReasonDuplicate)
		if err != nil {
			return err
		}
		if ok {
			rep.add(ActionDuplicate)
			s.journal.Error(bot.ID, models.CategoryExecution, "Duplicate open trade closed", journal.Fields{
				"trade_id": dup.ID, "kept_trade_id": open[0].ID, "side": side,
			})
		}
	}

	switch {
	case len(open) > 0 && pos == nil:
		return s.closeOrphan(ctx, port, bot, &open[0], rep)
	case len(open) > 0:
		return s.refresh(ctx, bot, &open[0], *pos, rep)
	case pos != nil:
		return s.reopen(ctx, bot, *pos, rep)
	}
	return nil
}

// closeOrphan closes a trade the exchange no longer holds at the current
// price, or at entry with zero PnL when no price is available.
func (s *Service) closeOrphan(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot, t *models.Trade, rep *Report) error {
	price, err := port.GetCurrentPrice(ctx, t.Symbol)
	feeRate := s.feeRate
	if err != nil || price <= 0 {
		s.journal.Warn(bot.ID, models.CategoryPrice, "No price for orphaned trade, closing at entry", journal.Fields{
			"trade_id": t.ID, "error": fmt.Sprint(err),
		})
		price, feeRate = t.EntryPrice, 0
	}
	ok, err := s.closeTrade(ctx, t, price, feeRate, models.ReasonExchangeClosed)
	if err != nil || !ok {
		return err
	}
	rep.add(ActionClosed)
	s.journal.Info(bot.ID, models.CategoryExecution, "Trade closed: no position on exchange", journal.Fields{
		"trade_id": t.ID, "exit_price": t.ExitPrice, "realized_pnl": t.RealizedPnL, "net_pnl": t.NetPnL,
	})
	return nil
}

// refresh copies the exchange's live figures onto the trade. A wallet
// holding can only shrink the trade to what is left of it.
func (s *Service) refresh(ctx context.Context, bot *models.Bot, t *models.Trade, pos exchange.Position, rep *Report) error {
	updates := map[string]any{}
	qty := pos.Quantity
	if pos.Holding && qty > t.Quantity {
		qty = t.Quantity
	}
	if qty != t.Quantity {
		updates["quantity"] = qty
	}
	if pos.EntryPrice > 0 && pos.EntryPrice != t.EntryPrice {
		updates["entry_price"] = pos.EntryPrice
	}
	if !pos.Holding && pos.UnrealizedPnL != t.UnrealizedPnL {
		updates["unrealized_pnl"] = pos.UnrealizedPnL
	}
	if len(updates) == 0 {
		return nil
	}
	ok, err := s.transition(ctx, t, updates)
	if err != nil || !ok {
		return err
	}
	rep.add(ActionRefreshed)
	fields := journal.Fields{"trade_id": t.ID}
	for k, v := range updates {
		fields[k] = v
	}
	s.journal.Debug(bot.ID, models.CategoryExecution, "Trade refreshed from exchange", fields)
	return nil
}

// reopen revives the newest trade that was closed locally, or whose entry
// had an unknown outcome, for a position the exchange still holds. Wallet
// holdings are never attributed to a trade.
func (s *Service) reopen(ctx context.Context, bot *models.Bot, pos exchange.Position, rep *Report) error {
	if pos.Holding {
		rep.add(ActionUntracked)
		s.logger.Debug("Wallet holding not attributed to any trade",
			zap.Uint("bot_id", bot.ID), zap.String("side", pos.Side), zap.Float64("quantity", pos.Quantity))
		return nil
	}

	var candidate models.Trade
	res := s.db.WithContext(ctx).
		Where("bot_id = ? AND side = ? AND (status = ? OR (status = ? AND close_reason = ?))",
			bot.ID, pos.Side, models.TradeClosed, models.TradeCancelled, models.ReasonSubmissionUnknown).
		Order("id DESC").Limit(1).Find(&candidate)
	if res.Error != nil {
		return fmt.Errorf("failed to look up closed trades: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		rep.add(ActionUntracked)
		s.journal.Warn(bot.ID, models.CategoryExecution, "Exchange position has no local trade", journal.Fields{
			"side": pos.Side, "quantity": pos.Quantity, "entry_price": pos.EntryPrice,
		})
		return nil
	}

	updates := map[string]any{
		"status":         models.TradeOpen,
		"quantity":       pos.Quantity,
		"unrealized_pnl": pos.UnrealizedPnL,
		"exit_price":     0,
		"realized_pnl":   0,
		"fees_paid":      0,
		"net_pnl":        0,
		"close_reason":   "",
		"exit_order_id":  "",
		"closed_at":      nil,
	}
	if pos.EntryPrice > 0 {
		updates["entry_price"] = pos.EntryPrice
	}
	if candidate.OpenedAt == nil {
		updates["opened_at"] = s.now().UTC()
	}
	prevReason := candidate.CloseReason
	res = s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ? AND close_reason = ?", candidate.ID, candidate.Status, candidate.CloseReason).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to reopen trade %d: %w", candidate.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	rep.add(ActionReopened)
	s.journal.Warn(bot.ID, models.CategoryExecution, "Trade reopened: exchange still holds the position", journal.Fields{
		"trade_id": candidate.ID, "previous_status": string(candidate.Status), "previous_reason": prevReason,
		"quantity": pos.Quantity, "entry_price": pos.EntryPrice,
	})
	return nil
}

// closeTrade settles t at price and marks it closed if it is still open.
func (s *Service) closeTrade(ctx context.Context, t *models.Trade, price, feeRate float64, reason string) (bool, error) {
	closed := *t
	closed.Settle(price, feeRate)
	now := s.now().UTC()
	ok, err := s.transition(ctx, t, map[string]any{
		"status":         models.TradeClosed,
		"close_reason":   reason,
		"exit_price":     closed.ExitPrice,
		"realized_pnl":   closed.RealizedPnL,
		"fees_paid":      closed.FeesPaid,
		"net_pnl":        closed.NetPnL,
		"unrealized_pnl": 0,
		"closed_at":      now,
	})
	if err != nil || !ok {
		return ok, err
	}
	closed.Status, closed.CloseReason, closed.ClosedAt = models.TradeClosed, reason, &now
	*t = closed
	s.metrics.TradeClosed(reason)
	return true, nil
}

// transition applies updates only if the trade is still in the status it
// was read with.
func (s *Service) transition(ctx context.Context, t *models.Trade, updates map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ?", t.ID, t.Status).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update trade %d: %w", t.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
