// Package service holds the start-up plumbing shared by the commands:
// configuration and logging, the coordination session, blob storage, the
// metrics side port and the HTTP server lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob/backend"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord/redisstore"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/middleware"
)

// Load reads the configuration and installs the default logger.
func Load(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// OpenCoordination validates the coordination settings and opens a session.
func OpenCoordination(ctx context.Context, cfg *config.Config) (*redisstore.Store, error) {
	if err := cfg.ValidateCoordination(); err != nil {
		return nil, err
	}
	store, err := redisstore.New(ctx, cfg.Coordination)
	if err != nil {
		return nil, fmt.Errorf("connecting to coordination store: %w", err)
	}
	slog.Info("coordination session opened", "addr", cfg.Coordination.Addr, "session", store.SessionID())
	return store, nil
}

// OpenBlob validates the blob settings and opens the configured backend.
func OpenBlob(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if err := cfg.ValidateBlob(); err != nil {
		return nil, err
	}
	store, err := backend.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("opening blob storage: %w", err)
	}
	slog.Info("blob storage opened", "backend", cfg.Blob.Backend)
	return store, nil
}

// StartMetrics starts the scrape endpoint when enabled and returns its
// shutdown func, which is a no-op otherwise.
func StartMetrics(cfg *config.Config) func(context.Context) error {
	if !cfg.Metrics.Enabled {
		return func(context.Context) error { return nil }
	}
	return metrics.StartServer(cfg.Metrics.Port)
}

// Routes builds the standard mux: health probes plus whatever register adds,
// wrapped in request-id, metrics and timeout middleware.
func Routes(cfg *config.Config, m *metrics.Metrics, checker *health.Checker, register func(*http.ServeMux), extra ...func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	register(mux)

	mws := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Metrics(m),
	}
	mws = append(mws, extra...)
	if cfg.Server.WriteTimeout > time.Second {
		mws = append(mws, middleware.Timeout(cfg.Server.WriteTimeout-time.Second))
	}
	return middleware.Chain(mux, mws...)
}

// Serve runs an HTTP server until ctx is done and then shuts it down
// gracefully.
func Serve(ctx context.Context, name string, cfg config.ServerConfig, h http.Handler) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received", "service", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "service", name, "error", err)
		}
	}()
	slog.Info("service listening", "service", name, "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
