package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"smc-trade-bot-go/internal/app"
	"smc-trade-bot-go/internal/trader"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "./configs", "Directory holding config.yml")
	botID := flag.Uint("bot", 0, "Run only the bot with this id (0 runs every active bot)")
	loop := flag.Bool("loop", false, "Keep running on the configured tick interval")
	flag.Parse()

	a, err := app.New(*configDir)
	if err != nil {
		// The logger is not available yet.
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

	runner := trader.NewRunner(log, &a.Config, a.DB, a.Ports, a.Metrics)

	if *loop {
		api := trader.NewAPIServer(runner, a.Config.Server.Port, a.Registry, log)
		api.Start()
		runner.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop API server", zap.Error(err))
		}
		log.Info("Bot has been shut down.")
		return 0
	}

	if *botID != 0 {
		res, err := runner.RunBot(ctx, *botID)
		if err != nil {
			log.Error("Bot cycle failed", zap.Uint("bot_id", *botID), zap.Error(err))
			return 1
		}
		log.Info("Bot cycle finished",
			zap.Uint("bot_id", res.BotID),
			zap.String("skipped", res.Skipped),
			zap.Int("new_signals", res.NewSignals),
			zap.Int("closed", res.Closed),
			zap.Int("open", res.Open),
			zap.Bool("opened", res.Opened != nil),
			zap.String("denied", res.Denied),
		)
		return 0
	}

	if err := runner.RunAll(ctx); err != nil {
		log.Error("Cycle finished with errors", zap.Error(err))
		return 1
	}
	return 0
}
