package main

import (
	"flag"
	"fmt"
	"os"

	"smc-trade-bot-go/internal/app"
	"smc-trade-bot-go/internal/learning"
	"smc-trade-bot-go/internal/models"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "./configs", "Directory holding config.yml")
	botID := flag.Uint("bot", 0, "Analyse only the bot with this id (0 analyses every active bot)")
	flag.Parse()

	a, err := app.New(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer a.Close()
	log := a.Logger

	ctx, stop := a.SignalContext()
	defer stop()

	engine := learning.NewEngine(a.DB, a.Journal, a.Metrics, log, &a.Config)

	if *botID == 0 {
		if err := engine.RunAll(ctx); err != nil {
			log.Error("Learning finished with errors", zap.Error(err))
			return 1
		}
		return 0
	}

	var bot models.Bot
	if err := a.DB.WithContext(ctx).First(&bot, *botID).Error; err != nil {
		log.Error("Failed to load bot", zap.Uint("bot_id", *botID), zap.Error(err))
		return 1
	}
	scored, err := engine.ScoreSignals(ctx, bot.ID)
	if err != nil {
		log.Error("Signal scoring failed", zap.Uint("bot_id", bot.ID), zap.Error(err))
		return 1
	}
	res, err := engine.AnalyzeBot(ctx, &bot)
	if err != nil {
		log.Error("Learning failed", zap.Uint("bot_id", bot.ID), zap.Error(err))
		return 1
	}
	log.Info("Learning finished",
		zap.Uint("bot_id", bot.ID),
		zap.Int("signals_scored", scored),
		zap.Int("trades", res.Trades),
		zap.Bool("updated", res.Updated),
		zap.Bool("paused", res.Paused),
		zap.String("best_signal_type", res.Profile.BestSignalType),
		zap.String("best_timeframe", res.Profile.BestTimeframe),
	)
	return 0
}
