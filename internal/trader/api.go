package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer provides an HTTP interface for the runner.
type APIServer struct {
	server *http.Server
	runner *Runner
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer listening on port.
func NewAPIServer(runner *Runner, port int, gatherer prometheus.Gatherer, logger *zap.Logger) *APIServer {
	s := &APIServer{
		runner: runner,
		logger: logger.Named("api-server"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *APIServer) Handler() http.Handler { return s.server.Handler }

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	st := s.runner.Status()
	status := struct {
		UUID      string `json:"uuid"`
		StartTime string `json:"start_time"`
		Uptime    string `json:"uptime"`
		LastRun   string `json:"last_run,omitempty"`
		LastError string `json:"last_error,omitempty"`
	}{
		UUID:      s.runner.UUID,
		StartTime: s.runner.StartTime.Format(time.RFC3339),
		Uptime:    time.Since(s.runner.StartTime).Round(time.Second).String(),
	}
	if !st.LastRun.IsZero() {
		status.LastRun = st.LastRun.Format(time.RFC3339)
	}
	if st.LastError != nil {
		status.LastError = st.LastError.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
