// Package learning scores past signals and trades and writes the results
// back into each bot's LearningProfile.
package learning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"smc-trade-bot-go/internal/admission"
	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/journal"
	"smc-trade-bot-go/internal/metrics"
	"smc-trade-bot-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcomes reported to metrics.
const (
	OutcomeUpdated      = "updated"
	OutcomeInsufficient = "insufficient_trades"
	OutcomeError        = "error"
)

const (
	maxProfitFactor  = 100.0
	bestHourWinRate  = 60.0
	worstHourWinRate = 40.0
	successScore     = 0.6
)

// Result is what AnalyzeBot did for one bot.
type Result struct {
	BotID   uint
	Trades  int
	Updated bool
	Paused  bool
	Profile models.LearningProfile
}

// Engine runs the feedback loop.
type Engine struct {
	db             *gorm.DB
	journal        *journal.Journal
	metrics        *metrics.Recorder
	logger         *zap.Logger
	cfg            config.Learning
	pauseThreshold int
	now            func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(db *gorm.DB, jr *journal.Journal, rec *metrics.Recorder, logger *zap.Logger, cfg *config.Config) *Engine {
	lc := cfg.Learning
	if lc.LookbackDays <= 0 {
		lc.LookbackDays = 7
	}
	if lc.MinTrades <= 0 {
		lc.MinTrades = 10
	}
	if lc.MinBucketTrades <= 0 {
		lc.MinBucketTrades = 3
	}
	if lc.ScoreDelay <= 0 {
		lc.ScoreDelay = 15 * time.Minute
	}
	threshold := cfg.Admission.RiskPauseThreshold
	if threshold <= 0 {
		threshold = admission.DefaultPauseThreshold
	}
	return &Engine{
		db:             db,
		journal:        jr,
		metrics:        rec,
		logger:         logger.Named("learning"),
		cfg:            lc,
		pauseThreshold: threshold,
		now:            time.Now,
	}
}

// RunAll scores pending signals and then analyses every active bot.
func (e *Engine) RunAll(ctx context.Context) error {
	var errs []error
	if _, err := e.ScoreSignals(ctx, 0); err != nil {
		errs = append(errs, err)
	}

	var bots []models.Bot
	if err := e.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&bots).Error; err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to load active bots: %w", err))...)
	}
	for i := range bots {
		if _, err := e.AnalyzeBot(ctx, &bots[i]); err != nil {
			errs = append(errs, fmt.Errorf("bot %d (%s): %w", bots[i].ID, bots[i].Name, err))
		}
	}
	return errors.Join(errs...)
}

// AnalyzeBot rebuilds the bot's LearningProfile from its closed trades in
// the lookback window. Too few trades leave the profile untouched.
func (e *Engine) AnalyzeBot(ctx context.Context, bot *models.Bot) (Result, error) {
	res := Result{BotID: bot.ID}
	now := e.now().UTC()
	since := now.AddDate(0, 0, -e.cfg.LookbackDays)

	var trades []models.Trade
	if err := e.db.WithContext(ctx).
		Where("bot_id = ? AND status = ? AND closed_at >= ?", bot.ID, models.TradeClosed, since).
		Order("closed_at DESC, id DESC").
		Find(&trades).Error; err != nil {
		e.metrics.LearningRun(OutcomeError)
		return res, fmt.Errorf("failed to load closed trades: %w", err)
	}
	res.Trades = len(trades)
	if len(trades) < e.cfg.MinTrades {
		e.metrics.LearningRun(OutcomeInsufficient)
		e.journal.Debug(bot.ID, models.CategoryAnalysis, "Not enough closed trades to learn from", journal.Fields{
			"trades": len(trades), "required": e.cfg.MinTrades,
		})
		return res, nil
	}

	profile := BuildProfile(trades, e.cfg.MinBucketTrades)
	res.Profile = profile

	update := models.Bot{Learning: profile, LearnedAt: &now}
	columns := []string{"learning", "learned_at"}
	if !bot.Paused && profile.ConsecutiveLosses >= e.pauseThreshold {
		update.Paused = true
		update.PauseReason = fmt.Sprintf("%s: %d consecutive losses", admission.ReasonRiskPause, profile.ConsecutiveLosses)
		columns = append(columns, "paused", "pause_reason")
		res.Paused = true
	}
	if err := e.db.WithContext(ctx).Model(&models.Bot{}).Where("id = ?", bot.ID).
		Select(columns).Updates(&update).Error; err != nil {
		e.metrics.LearningRun(OutcomeError)
		return res, fmt.Errorf("failed to store learning profile: %w", err)
	}
	bot.Learning, bot.LearnedAt = profile, &now
	if res.Paused {
		bot.Paused, bot.PauseReason = true, update.PauseReason
		e.journal.Warn(bot.ID, models.CategoryConfig, "Bot paused by risk management", journal.Fields{
			"consecutive_losses": profile.ConsecutiveLosses, "threshold": e.pauseThreshold,
		})
	}
	res.Updated = true
	e.metrics.LearningRun(OutcomeUpdated)
	e.journal.Info(bot.ID, models.CategoryAnalysis, "Learning profile updated", journal.Fields{
		"trades":           profile.TradesAnalyzed,
		"win_rate":         profile.WinRate,
		"profit_factor":    profile.ProfitFactor,
		"best_signal_type": profile.BestSignalType,
		"best_timeframe":   profile.BestTimeframe,
		"best_rsi_band":    profile.BestRSIBand,
	})
	return res, nil
}

// BuildProfile computes a profile from closed trades ordered most recent
// first. The result depends only on the trades, so repeated runs over the
// same history produce the same profile.
func BuildProfile(trades []models.Trade, minBucket int) models.LearningProfile {
	p := models.LearningProfile{
		Version:           models.LearningProfileVersion,
		TradesAnalyzed:    len(trades),
		ConsecutiveLosses: admission.ConsecutiveLosses(trades),
	}
	if len(trades) == 0 {
		return p
	}

	var wins, losses int
	var grossWin, grossLoss, minutes float64
	var timed int
	for i := range trades {
		t := &trades[i]
		switch {
		case t.NetPnL > 0:
			wins++
			grossWin += t.NetPnL
		case t.NetPnL < 0:
			losses++
			grossLoss -= t.NetPnL
		}
		if d := t.Duration(); d > 0 {
			minutes += d.Minutes()
			timed++
		}
	}
	p.WinRate = float64(wins) / float64(len(trades)) * 100
	if wins > 0 {
		p.AvgWin = grossWin / float64(wins)
	}
	if losses > 0 {
		p.AvgLoss = grossLoss / float64(losses)
	}
	switch {
	case grossLoss > 0:
		p.ProfitFactor = math.Min(grossWin/grossLoss, maxProfitFactor)
	case grossWin > 0:
		p.ProfitFactor = maxProfitFactor
	}
	if timed > 0 {
		p.AvgDurationMinutes = minutes / float64(timed)
	}

	p.SignalTypes = groupBy(trades, func(t *models.Trade) string { return t.SignalType })
	p.Timeframes = groupBy(trades, func(t *models.Trade) string { return t.Timeframe })

	var bestScore float64
	for _, g := range p.SignalTypes {
		if g.Score > bestScore {
			p.BestSignalType, bestScore = g.Key, g.Score
		}
	}
	var bestRate float64
	for _, g := range p.Timeframes {
		if g.WinRate > bestRate {
			p.BestTimeframe, bestRate = g.Key, g.WinRate
		}
	}

	p.RSIBands = rsiBands(trades, minBucket)
	bestRate = 0
	for _, g := range p.RSIBands {
		if g.WinRate > bestRate {
			p.BestRSIBand, bestRate = g.Key, g.WinRate
		}
	}

	p.BestHours, p.WorstHours = hourBuckets(trades, minBucket)
	return p
}

// groupBy collects stats per non-empty key, sorted by key.
func groupBy(trades []models.Trade, key func(*models.Trade) string) []models.GroupStats {
	groups := make(map[string][]*models.Trade)
	for i := range trades {
		if k := key(&trades[i]); k != "" {
			groups[k] = append(groups[k], &trades[i])
		}
	}
	out := make([]models.GroupStats, 0, len(groups))
	for k, ts := range groups {
		out = append(out, stats(k, ts))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func stats(key string, trades []*models.Trade) models.GroupStats {
	g := models.GroupStats{Key: key, Trades: len(trades)}
	var total float64
	for _, t := range trades {
		if t.Winner() {
			g.Wins++
		}
		total += t.NetPnL
	}
	g.WinRate = float64(g.Wins) / float64(g.Trades) * 100
	g.AvgPnL = total / float64(g.Trades)
	g.Score = g.WinRate * g.AvgPnL / 100
	return g
}

// rsiBands buckets trades by entry RSI decile. Trades without a recorded
// RSI are ignored and buckets smaller than minBucket are dropped.
func rsiBands(trades []models.Trade, minBucket int) []models.GroupStats {
	var bands [10][]*models.Trade
	for i := range trades {
		rsi := trades[i].EntryRSI
		if rsi <= 0 {
			continue
		}
		b := int(rsi / 10)
		if b > 9 {
			b = 9
		}
		bands[b] = append(bands[b], &trades[i])
	}
	var out []models.GroupStats
	for b, ts := range bands {
		if len(ts) < minBucket {
			continue
		}
		out = append(out, stats(fmt.Sprintf("%d-%d", b*10, b*10+10), ts))
	}
	return out
}

// hourBuckets returns the UTC entry hours with a high and a low win rate.
func hourBuckets(trades []models.Trade, minBucket int) (best, worst []int) {
	var hours [24][]*models.Trade
	for i := range trades {
		at := trades[i].CreatedAt
		if trades[i].OpenedAt != nil {
			at = *trades[i].OpenedAt
		}
		h := at.UTC().Hour()
		hours[h] = append(hours[h], &trades[i])
	}
	for h, ts := range hours {
		if len(ts) < minBucket {
			continue
		}
		g := stats("", ts)
		switch {
		case g.WinRate >= bestHourWinRate:
			best = append(best, h)
		case g.WinRate <= worstHourWinRate:
			worst = append(worst, h)
		}
	}
	return best, worst
}

// ScoreMove maps a favorable move in percent to a score band.
func ScoreMove(movePct float64) float64 {
	switch {
	case movePct >= 2.0:
		return 1.0
	case movePct >= 1.0:
		return 0.8
	case movePct >= 0.5:
		return 0.6
	case movePct >= 0:
		return 0.4
	default:
		return 0.2
	}
}

// ScoreSignals scores every unscored signal older than the scoring delay
// from its recorded best excursion. botID 0 scores every bot's signals. It
// returns how many signals were scored.
func (e *Engine) ScoreSignals(ctx context.Context, botID uint) (int, error) {
	cutoff := e.now().Add(-e.cfg.ScoreDelay)
	q := e.db.WithContext(ctx).Where("scored = ? AND created_at <= ?", false, cutoff)
	if botID != 0 {
		q = q.Where("bot_id = ?", botID)
	}
	var pending []models.Signal
	if err := q.Order("id").Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("failed to load unscored signals: %w", err)
	}

	scored := 0
	for i := range pending {
		s := &pending[i]
		move := s.FavorableMovePct()
		score := ScoreMove(move)
		success := score >= successScore
		res := e.db.WithContext(ctx).Model(&models.Signal{}).
			Where("id = ? AND scored = ?", s.ID, false).
			Updates(map[string]any{
				"scored":         true,
				"score":          score,
				"max_move_pct":   move,
				"was_successful": success,
			})
		if res.Error != nil {
			return scored, fmt.Errorf("failed to score signal %d: %w", s.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			scored++
		}
	}
	if scored > 0 {
		e.logger.Info("Scored signals", zap.Int("count", scored), zap.Uint("bot_id", botID))
	}
	return scored, nil
}
