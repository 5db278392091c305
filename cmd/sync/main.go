package main

import (
	"flag"
	"fmt"
	"os"

	"smc-trade-bot-go/internal/app"
	"smc-trade-bot-go/internal/models"
	"smc-trade-bot-go/internal/reconcile"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "./configs", "Directory holding config.yml")
	botID := flag.Uint("bot", 0, "Sync only the bot with this id (0 syncs every bot)")
	loop := flag.Bool("loop", false, "Keep syncing on the configured reconciliation interval")
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

	if err := a.Ports.CheckConnectivity(ctx); err != nil {
		log.Error("Exchange connectivity check failed", zap.Error(err))
		return 1
	}

	svc := reconcile.NewService(a.DB, a.Ports, a.Locker, a.Journal, a.Metrics, log, &a.Config)

	switch {
	case *loop:
		svc.Run(ctx)
		return 0
	case *botID != 0:
		var bot models.Bot
		if err := a.DB.WithContext(ctx).First(&bot, *botID).Error; err != nil {
			log.Error("Failed to load bot", zap.Uint("bot_id", *botID), zap.Error(err))
			return 1
		}
		rep, err := svc.SyncBot(ctx, &bot)
		logReport(log, rep)
		if err != nil {
			log.Error("Sync failed", zap.Uint("bot_id", *botID), zap.Error(err))
			return 1
		}
		return 0
	}

	reports, err := svc.SyncAll(ctx)
	for _, rep := range reports {
		logReport(log, rep)
	}
	if err != nil {
		log.Error("Sync finished with errors", zap.Error(err))
		return 1
	}
	return 0
}

func logReport(log *zap.Logger, rep reconcile.Report) {
	log.Info("Sync report",
		zap.Uint("bot_id", rep.BotID),
		zap.Bool("skipped", rep.Skipped),
		zap.Int("changes", rep.Changes()),
		zap.Any("actions", rep.Actions),
	)
}
