// Command applier promotes next_target to current_target once every
// partition of the staged target is fully served, and flushes the routing
// cache after each promotion when Redis caching is enabled.
//
// Usage:
//
//	go run ./cmd/applier [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/distributor/api"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/distributor/applier"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/service"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := service.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateDistributor(); err != nil {
		slog.Error("invalid distributor config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := service.OpenCoordination(ctx, cfg)
	if err != nil {
		slog.Error("coordination unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	m := metrics.New()
	checker := health.NewChecker()
	checker.Register("coordination", health.PingCheck(store.Ping))

	var opts []applier.Option
	if cfg.Frontend.CacheEnabled {
		cache, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, promotions will not flush the prefix cache", "error", err)
		} else {
			defer cache.Close()
			opts = append(opts, applier.WithInvalidator(cache))
		}
	}

	a := applier.New(applier.Config{
		NodesPerPartition: cfg.Distributor.NodesPerPartition,
		Interval:          cfg.Distributor.ApplyInterval,
	}, store, m, opts...)

	shutdownMetrics := service.StartMetrics(cfg)
	defer shutdownMetrics(context.Background())

	h := service.Routes(cfg, m, checker, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /api/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
			readiness, err := a.Ready(r.Context())
			if err != nil {
				slog.Error("readiness check failed", "error", err)
				api.WriteError(w, http.StatusInternalServerError, "readiness check failed")
				return
			}
			api.WriteJSON(w, http.StatusOK, readiness)
		})
	})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return service.Serve(gctx, "applier", cfg.Server, h) })
	if err := g.Wait(); err != nil {
		slog.Error("applier stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("applier stopped")
}
