// Command frontend is the routing tier. It answers GET /top-phrases?prefix=
// by forwarding the lookup to a replica of the partition containing the
// prefix in the current target, caching answers in Redis when enabled.
//
// Usage:
//
//	go run ./cmd/frontend [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/distributor/frontend"
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

	var opts []frontend.Option
	if cfg.Frontend.CacheEnabled {
		rc, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, serving without prefix cache", "error", err)
		} else {
			defer rc.Close()
			checker.Register("redis", health.PingCheck(rc.Ping))
			opts = append(opts, frontend.WithCache(frontend.NewCache(rc, cfg.Frontend.CacheTTL, m)))
			slog.Info("prefix cache enabled", "ttl", cfg.Frontend.CacheTTL)
		}
	}

	router := frontend.NewRouter(store, frontend.NewClient(cfg.Frontend.BackendTimeout, m), m, opts...)

	shutdownMetrics := service.StartMetrics(cfg)
	defer shutdownMetrics(context.Background())

	h := service.Routes(cfg, m, checker, frontend.NewHandler(router).RegisterRoutes)
	if err := service.Serve(ctx, "frontend", cfg.Server, h); err != nil {
		slog.Error("frontend stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("frontend stopped")
}
