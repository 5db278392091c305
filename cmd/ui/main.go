package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"smc-trade-bot-go/internal/app"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "./configs", "Directory holding config.yml")
	flag.Parse()

	a, err := app.New(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer a.Close()
	log := a.Logger

	a.Registry.MustRegister(newTradeCollector(a.DB, log))

	apiHandler := NewAPIHandler(log, a.DB)
	mux := apiHandler.Routes()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", a.Config.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := a.SignalContext()
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to stop web server", zap.Error(err))
		}
	}()

	log.Info("Starting web server", zap.String("address", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error("Web server failed", zap.Error(err))
		return 1
	}
	return 0
}
