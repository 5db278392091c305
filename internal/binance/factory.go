package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/exchange"
	"smc-trade-bot-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// paperStartingCash seeds the simulated quote balance in dry-run mode.
const paperStartingCash = 10_000

// maxClockSkew is how far the local clock may drift from the venue before
// signed requests risk falling outside their recv window.
const maxClockSkew = 2 * time.Second

// Factory builds the venue adapter matching a bot's kind.
type Factory struct {
	cfg    *config.Config
	db     *gorm.DB
	logger *zap.Logger

	mu    sync.Mutex
	paper map[uint]*exchange.PaperBroker // restored from the bot's trades on first use
}

// NewFactory creates a Factory. db is read to restore dry-run accounts.
func NewFactory(cfg *config.Config, db *gorm.DB, logger *zap.Logger) *Factory {
	return &Factory{cfg: cfg, db: db, logger: logger, paper: make(map[uint]*exchange.PaperBroker)}
}

// ForBot returns the port for bot. Credentials are resolved here and nowhere else.
func (f *Factory) ForBot(bot *models.Bot) (exchange.MarketDataPort, error) {
	cred, err := exchange.ResolveCredentials(f.cfg.Credentials, bot.CredentialsRef)
	if err != nil && !f.cfg.Trading.DryRun {
		return nil, fmt.Errorf("bot %d: %w", bot.ID, err)
	}

	var port exchange.MarketDataPort
	if bot.IsDerivatives() {
		port = NewFuturesClient(&f.cfg.Exchange, cred, f.logger)
	} else {
		port = NewRestClient(&f.cfg.Exchange, cred, f.logger)
	}

	if f.cfg.Trading.DryRun {
		f.mu.Lock()
		defer f.mu.Unlock()
		if broker, ok := f.paper[bot.ID]; ok {
			return broker, nil
		}
		broker := exchange.NewPaperBroker(port, exchange.QuoteAsset(bot.Symbol), paperStartingCash)
		if err := f.restore(broker, bot); err != nil {
			return nil, err
		}
		f.paper[bot.ID] = broker
		return broker, nil
	}
	return port, nil
}

// restore replays the bot's persisted trades into a fresh paper account.
func (f *Factory) restore(broker *exchange.PaperBroker, bot *models.Bot) error {
	if f.db == nil {
		return nil
	}
	var open []models.Trade
	if err := f.db.Where("bot_id = ? AND status = ?", bot.ID, models.TradeOpen).Order("id").Find(&open).Error; err != nil {
		return fmt.Errorf("bot %d: failed to load open trades: %w", bot.ID, err)
	}
	var realized float64
	if err := f.db.Model(&models.Trade{}).Where("bot_id = ? AND status = ?", bot.ID, models.TradeClosed).
		Select("COALESCE(SUM(realized_pnl), 0)").Scan(&realized).Error; err != nil {
		return fmt.Errorf("bot %d: failed to sum realized pnl: %w", bot.ID, err)
	}

	positions := make([]exchange.Position, 0, len(open))
	orders := make([]string, 0, len(open))
	for _, t := range open {
		positions = append(positions, exchange.Position{
			Symbol:        t.Symbol,
			Side:          t.Side,
			Quantity:      t.Quantity,
			EntryPrice:    t.EntryPrice,
			UnrealizedPnL: t.UnrealizedPnL,
			Leverage:      t.Leverage,
			MarginType:    t.MarginMode,
		})
		if t.OrderID != "" {
			orders = append(orders, t.OrderID)
		}
	}
	broker.Restore(positions, orders, realized)
	if len(positions) > 0 {
		f.logger.Info("Restored paper account",
			zap.Uint("bot_id", bot.ID), zap.Int("positions", len(positions)), zap.Float64("realized_pnl", realized))
	}
	return nil
}

// CheckConnectivity pings the spot API and warns when the local clock has
// drifted from the venue's.
func (f *Factory) CheckConnectivity(ctx context.Context) error {
	client := NewRestClient(&f.cfg.Exchange, config.Credential{}, f.logger)
	serverTime, err := client.GetServerTime(ctx)
	if err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}
	skew := time.Since(time.UnixMilli(serverTime))
	if skew > maxClockSkew || skew < -maxClockSkew {
		f.logger.Warn("Local clock differs from exchange time", zap.Duration("skew", skew))
	}
	return nil
}
