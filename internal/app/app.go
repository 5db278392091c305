// Package app wires the dependencies shared by the commands.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"smc-trade-bot-go/internal/binance"
	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/database"
	"smc-trade-bot-go/internal/journal"
	"smc-trade-bot-go/internal/locks"
	"smc-trade-bot-go/internal/logger"
	"smc-trade-bot-go/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App bundles configuration, logging, storage and the exchange factory.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	DB       *gorm.DB
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder
	Ports    *binance.Factory
	Locker   *locks.Locker
	Journal  *journal.Journal
}

// New loads the configuration from configDir and opens everything else.
func New(configDir string) (*App, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return nil, fmt.Errorf("could not build logger: %w", err)
	}
	log.Info("Configuration loaded", zap.Bool("dry_run", cfg.Trading.DryRun), zap.Bool("testnet", cfg.Exchange.Testnet))

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	log.Info("Database connection successful and schema migrated.")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Logger:   log,
		DB:       db,
		Registry: reg,
		Metrics:  metrics.New(reg),
		Journal:  journal.New(db, log),
		Locker:   locks.NewLocker(db, cfg.Trading.LockTTL, log),
	}
	a.Ports = binance.NewFactory(&a.Config, db, log)
	return a, nil
}

// Close releases the database and flushes the logger.
func (a *App) Close() {
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func (a *App) SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		a.Logger.Info("Shutdown signal received, gracefully shutting down...")
	}()
	return ctx, cancel
}
