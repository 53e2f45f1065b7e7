// Command backend runs a serving replica. It claims a slot in a partition of
// the current or next target, loads that partition's trie and answers
// GET /top-phrases?prefix= while active.
//
// Usage:
//
//	go run ./cmd/backend [-config configs/development.yaml] [-advertise host:port]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/distributor/backend"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/service"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	advertise := flag.String("advertise", "", "address the routing tier uses to reach this replica")
	flag.Parse()
	cfg, err := service.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *advertise != "" {
		cfg.Distributor.AdvertiseAddress = *advertise
	}
	if err := cfg.ValidateDistributor(); err != nil {
		slog.Error("invalid distributor config", "error", err)
		os.Exit(1)
	}
	if cfg.Distributor.AdvertiseAddress == "" {
		host, err := os.Hostname()
		if err != nil {
			slog.Error("no advertise address and hostname unavailable", "error", err)
			os.Exit(1)
		}
		cfg.Distributor.AdvertiseAddress = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := service.OpenCoordination(ctx, cfg)
	if err != nil {
		slog.Error("coordination unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	blobs, err := service.OpenBlob(ctx, cfg)
	if err != nil {
		slog.Error("blob storage unavailable", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	membership := backend.New(backend.ConfigFrom(cfg.Distributor), store, blobs, m)

	checker := health.NewChecker()
	checker.Register("coordination", health.PingCheck(store.Ping))
	checker.Register("membership", health.CondCheck(membership.Active, "replica is not serving a partition"))

	shutdownMetrics := service.StartMetrics(cfg)
	defer shutdownMetrics(context.Background())

	h := service.Routes(cfg, m, checker, backend.NewHandler(membership, m).RegisterRoutes)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return membership.Run(gctx) })
	g.Go(func() error { return service.Serve(gctx, "backend", cfg.Server, h) })

	slog.Info("replica starting",
		"advertise", cfg.Distributor.AdvertiseAddress,
		"nodes_per_partition", cfg.Distributor.NodesPerPartition,
	)
	if err := g.Wait(); err != nil {
		slog.Error("backend stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("backend stopped")
}
