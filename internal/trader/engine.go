package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"smc-trade-bot-go/internal/admission"
	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/exchange"
	"smc-trade-bot-go/internal/journal"
	"smc-trade-bot-go/internal/locks"
	"smc-trade-bot-go/internal/logger"
	"smc-trade-bot-go/internal/metrics"
	"smc-trade-bot-go/internal/models"
	"smc-trade-bot-go/internal/risk"
	"smc-trade-bot-go/internal/signals"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// signalTrackingWindow bounds which unscored signals get their excursion
// updated each cycle.
const signalTrackingWindow = 24 * time.Hour

// PortFactory builds the venue adapter for a bot.
type PortFactory interface {
	ForBot(bot *models.Bot) (exchange.MarketDataPort, error)
}

// CycleResult summarizes one bot cycle.
type CycleResult struct {
	BotID      uint
	Skipped    string
	NewSignals int
	Closed     int
	Open       int // open and pending trades after exits
	Opened     *models.Trade
	Denied     string
}

// Runner orchestrates bot cycles: fetch data, detect, manage open trades,
// admit, size and execute.
type Runner struct {
	UUID      string
	StartTime time.Time

	logger    *zap.Logger
	cfg       *config.Config
	db        *gorm.DB
	ports     PortFactory
	detector  *signals.Detector
	admission *admission.Controller
	executor  *Executor
	locker    *locks.Locker
	journal   *journal.Journal
	metrics   *metrics.Recorder
	now       func() time.Time

	mu        sync.Mutex
	lastRun   time.Time
	lastError error
}

// NewRunner creates a Runner.
func NewRunner(logger *zap.Logger, cfg *config.Config, db *gorm.DB, ports PortFactory, rec *metrics.Recorder) *Runner {
	jr := journal.New(db, logger)
	return &Runner{
		UUID:      uuid.NewString(),
		StartTime: time.Now(),
		logger:    logger.Named("runner"),
		cfg:       cfg,
		db:        db,
		ports:     ports,
		detector:  signals.NewDetector(cfg.Trading),
		admission: admission.NewController(cfg.Admission.RiskPauseThreshold),
		executor:  NewExecutor(db, jr, rec, logger, cfg.Trading.FeeRate),
		locker:    locks.NewLocker(db, cfg.Trading.LockTTL, logger),
		journal:   jr,
		metrics:   rec,
		now:       time.Now,
	}
}

// Run executes RunAll on every tick until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.Trading.TickInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Starting bot loop", zap.Duration("interval", interval))
	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping bot loop...")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if err := r.RunAll(ctx); err != nil {
		r.logger.Error("Cycle finished with errors", zap.Error(err))
	}
}

// RunAll runs one cycle for every active bot with bounded parallelism. One
// bot's failure never stops the others; the errors are joined.
func (r *Runner) RunAll(ctx context.Context) error {
	var bots []models.Bot
	if err := r.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&bots).Error; err != nil {
		return fmt.Errorf("failed to load active bots: %w", err)
	}
	r.logger.Info("Running cycle", zap.Int("bots", len(bots)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if n := r.cfg.Trading.MaxParallelBots; n > 0 {
		g.SetLimit(n)
	}
	for i := range bots {
		bot := &bots[i]
		g.Go(func() error {
			if _, err := r.RunCycle(gctx, bot); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("bot %d (%s): %w", bot.ID, bot.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	r.mu.Lock()
	r.lastRun, r.lastError = r.now(), err
	r.mu.Unlock()
	return err
}

// RunBot runs one cycle for the bot with the given id.
func (r *Runner) RunBot(ctx context.Context, botID uint) (CycleResult, error) {
	var bot models.Bot
	if err := r.db.WithContext(ctx).First(&bot, botID).Error; err != nil {
		return CycleResult{BotID: botID}, fmt.Errorf("failed to load bot %d: %w", botID, err)
	}
	return r.RunCycle(ctx, &bot)
}

// RunCycle runs the full decision pipeline for one bot. Expected negative
// outcomes (no data, no signal, denied admission, rejected sizing) are not
// errors.
func (r *Runner) RunCycle(ctx context.Context, bot *models.Bot) (res CycleResult, err error) {
	start := r.now()
	res.BotID = bot.ID
	l := logger.ForBot(r.logger, bot.ID, bot.Symbol).With(zap.String("kind", string(bot.Kind)))
	defer func() {
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case res.Skipped != "":
			result = "skipped"
		}
		r.metrics.Cycle(result, r.now().Sub(start))
	}()

	if err := bot.Validate(); err != nil {
		r.journal.Error(bot.ID, models.CategoryConfig, "Invalid bot configuration", journal.Fields{"error": err.Error()})
		return res, err
	}
	port, err := r.ports.ForBot(bot)
	if err != nil {
		r.journal.Error(bot.ID, models.CategoryConfig, "Failed to build exchange adapter", journal.Fields{"error": err.Error()})
		return res, err
	}

	release, err := r.locker.Acquire(ctx, bot.ID)
	if errors.Is(err, locks.ErrLocked) {
		l.Info("Bot is busy elsewhere, skipping cycle")
		res.Skipped = "locked"
		return res, nil
	}
	if err != nil {
		return res, err
	}
	defer release()

	price, err := port.GetCurrentPrice(ctx, bot.Symbol)
	if err != nil || price <= 0 {
		if err == nil || errors.Is(err, exchange.ErrInsufficientData) {
			r.journal.Warn(bot.ID, models.CategoryPrice, "No usable price, skipping cycle", nil)
			res.Skipped = "no_price"
			return res, nil
		}
		r.journal.Error(bot.ID, models.CategoryPrice, "Failed to fetch price", journal.Fields{"error": err.Error()})
		return res, fmt.Errorf("failed to fetch price: %w", err)
	}

	analyses, err := r.analyze(ctx, port, bot, price)
	if err != nil {
		return res, err
	}
	ranked := signals.Combine(analyses)

	fresh, err := r.persistSignals(ctx, bot, ranked)
	if err != nil {
		return res, err
	}
	res.NewSignals = len(fresh)
	if err := r.trackSignals(ctx, bot, price); err != nil {
		l.Warn("Failed to update signal excursions", zap.Error(err))
	}

	if err := r.executor.RefreshPending(ctx, port, bot); err != nil {
		return res, err
	}
	closed, open, err := r.manageOpen(ctx, port, bot, price, ranked)
	if err != nil {
		return res, err
	}
	res.Closed, res.Open = closed, open

	if len(fresh) == 0 {
		return res, nil
	}
	trade, denied, err := r.enter(ctx, port, bot, price, analyses, fresh)
	res.Opened, res.Denied = trade, denied
	return res, err
}

// analyze fetches every timeframe and runs detection. A timeframe the venue
// has no data for is skipped.
func (r *Runner) analyze(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot, price float64) ([]signals.Analysis, error) {
	analyses := make([]signals.Analysis, 0, len(bot.Timeframes))
	for _, tf := range bot.Timeframes {
		candles, err := port.GetCandles(ctx, bot.Symbol, tf, r.cfg.Trading.CandleLimit)
		if errors.Is(err, exchange.ErrInsufficientData) {
			continue
		}
		if err != nil {
			r.journal.Error(bot.ID, models.CategoryAnalysis, "Failed to fetch candles", journal.Fields{"timeframe": tf, "error": err.Error()})
			return nil, fmt.Errorf("failed to fetch %s candles: %w", tf, err)
		}
		a := r.detector.Detect(signals.Window{Timeframe: tf, Candles: candles, Price: price})
		if !a.Analyzed() {
			r.journal.Debug(bot.ID, models.CategoryAnalysis, "Not enough candles to analyse", journal.Fields{"timeframe": tf, "candles": len(candles)})
		}
		analyses = append(analyses, a)
	}
	return analyses, nil
}

// detection pairs a detector signal with its persisted row.
type detection struct {
	signal signals.Signal
	row    *models.Signal
}

// persistSignals stores the ranked signals, ignoring ones already recorded
// for the same candle. Only newly recorded ones are returned, in rank order.
func (r *Runner) persistSignals(ctx context.Context, bot *models.Bot, ranked []signals.Signal) ([]detection, error) {
	var fresh []detection
	for _, s := range ranked {
		row := &models.Signal{
			BotID:      bot.ID,
			Symbol:     bot.Symbol,
			Timeframe:  s.Timeframe,
			Type:       string(s.Type),
			Direction:  string(s.Direction),
			CandleTime: s.DetectedAt.UTC(),
			Strength:   s.Strength,
			Price:      s.Price,
			StopLoss:   s.StopLoss,
			TakeProfit: s.TakeProfit,
			RiskReward: s.RiskReward,
			RSI:        s.RSI,
			BestPrice:  s.Price,
		}
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to persist signal: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		fresh = append(fresh, detection{signal: s, row: row})
		r.metrics.SignalDetected(row.Type, row.Direction)
		r.journal.Info(bot.ID, models.CategorySignals, "Signal detected", journal.Fields{
			"signal_id": row.ID,
			"type":      row.Type,
			"direction": row.Direction,
			"timeframe": row.Timeframe,
			"strength":  row.Strength,
			"price":     row.Price,
		})
	}
	return fresh, nil
}

// trackSignals records the best price seen since detection for signals
// awaiting their retrospective score.
func (r *Runner) trackSignals(ctx context.Context, bot *models.Bot, price float64) error {
	var pending []models.Signal
	err := r.db.WithContext(ctx).
		Where("bot_id = ? AND scored = ? AND created_at > ?", bot.ID, false, r.now().Add(-signalTrackingWindow)).
		Find(&pending).Error
	if err != nil {
		return err
	}
	for i := range pending {
		if !pending[i].ObservePrice(price) {
			continue
		}
		if err := r.db.WithContext(ctx).Model(&pending[i]).Update("best_price", pending[i].BestPrice).Error; err != nil {
			return err
		}
	}
	return nil
}

// manageOpen runs the exit state machine over every open trade and returns
// how many closed and how many positions remain.
func (r *Runner) manageOpen(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot, price float64, ranked []signals.Signal) (closed, remaining int, err error) {
	var open []models.Trade
	if err := r.db.WithContext(ctx).Where("bot_id = ? AND status IN ?", bot.ID,
		[]models.TradeStatus{models.TradeOpen, models.TradePending}).Find(&open).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to load open trades: %w", err)
	}

	var errs []error
	for i := range open {
		t := &open[i]
		if t.Status != models.TradeOpen {
			remaining++
			continue
		}
		var opposing []signals.Signal
		for _, s := range ranked {
			if string(s.Direction) != t.Side {
				opposing = append(opposing, s)
			}
		}
		done, err := r.executor.Manage(ctx, port, bot, t, price, opposing)
		if err != nil {
			errs = append(errs, err)
		}
		if done {
			closed++
		} else if t.Status == models.TradeOpen {
			remaining++
		}
	}
	return closed, remaining, errors.Join(errs...)
}

// enter picks the best eligible new signal and, if admitted and sizable,
// opens a trade. The per-bot lock held by RunCycle makes the admission check
// and the trade insert one critical section.
func (r *Runner) enter(ctx context.Context, port exchange.MarketDataPort, bot *models.Bot, price float64, analyses []signals.Analysis, fresh []detection) (*models.Trade, string, error) {
	strategy, err := ResolveStrategy(r.db.WithContext(ctx), bot)
	if err != nil {
		return nil, "", err
	}
	rules := NewEntryRules(r.cfg.Trading, strategy)

	var pick *detection
	for i := range fresh {
		if rules.Eligible(bot, fresh[i].signal) {
			pick = &fresh[i]
			break
		}
	}
	if pick == nil {
		r.journal.Debug(bot.ID, models.CategoryAnalysis, "No eligible signal", journal.Fields{"new_signals": len(fresh)})
		return nil, "", nil
	}

	market := admission.Market{}
	if primary := primaryAnalysis(analyses, bot); primary != nil {
		market.ATRPercent = primary.ATRPercent
		market.VolumeRatio = primary.VolumeRatio
	}
	if bot.MaxSpreadPercent > 0 {
		book, err := port.GetBookTicker(ctx, bot.Symbol)
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch book ticker: %w", err)
		}
		market.SpreadPercent = book.SpreadPercent()
	}

	var decision admission.Decision
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap, err := admission.LoadSnapshot(tx, bot.ID, r.now(), market)
		if err != nil {
			return err
		}
		decision = r.admission.Evaluate(bot, snap, r.now())
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if !decision.Allowed {
		r.metrics.AdmissionDenied(decision.Reason)
		r.journal.Info(bot.ID, models.CategoryAnalysis, "Entry denied", journal.Fields{
			"reason": decision.Reason, "detail": decision.Detail, "signal_id": pick.row.ID,
		})
		return nil, decision.Reason, nil
	}

	balances, err := port.GetAccountBalance(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch balances: %w", err)
	}
	equity := exchange.EquityIn(balances, exchange.QuoteAsset(bot.Symbol))
	if bot.Kind == models.BotKindSpot && bot.Params.Spot != nil {
		equity -= bot.Params.Spot.QuoteReserve
	}
	inst, err := port.GetInstrument(ctx, bot.Symbol)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch instrument: %w", err)
	}

	req := rules.SizingRequest(bot, pick.signal, price, equity)
	req.Instrument = inst
	order, err := risk.Size(req)
	if err != nil {
		var rej *risk.SizingRejected
		if errors.As(err, &rej) {
			r.journal.Info(bot.ID, models.CategoryAnalysis, "Sizing rejected", journal.Fields{
				"reason": rej.Reason, "detail": rej.Detail, "signal_id": pick.row.ID, "equity": equity,
			})
			return nil, rej.Reason, nil
		}
		return nil, "", err
	}

	trade, err := r.executor.Open(ctx, port, bot, pick.row, order)
	return trade, "", err
}

// primaryAnalysis is the analysis of the bot's first timeframe.
func primaryAnalysis(analyses []signals.Analysis, bot *models.Bot) *signals.Analysis {
	for i := range analyses {
		if len(bot.Timeframes) > 0 && analyses[i].Timeframe == bot.Timeframes[0] && analyses[i].Analyzed() {
			return &analyses[i]
		}
	}
	for i := range analyses {
		if analyses[i].Analyzed() {
			return &analyses[i]
		}
	}
	return nil
}

// Status is the runner's health snapshot.
type Status struct {
	LastRun   time.Time
	LastError error
}

// Status returns the outcome of the latest batch.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{LastRun: r.lastRun, LastError: r.lastError}
}
