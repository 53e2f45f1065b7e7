// Command triebuilder builds one serialized trie per partition from the
// weight-ordered corpus and publishes the target as next_target.
//
// By default it watches /phrases/assembler/last_built_target and rebuilds on
// every change. With -once it builds the most recent corpus target and exits.
//
// Usage:
//
//	go run ./cmd/triebuilder [-config configs/development.yaml] [-once]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/assembler/builder"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/assembler/history"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/service"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	once := flag.Bool("once", false, "build the most recent corpus target and exit")
	flag.Parse()
	cfg, err := service.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	builderCfg, err := builder.ConfigFrom(cfg.Assembler)
	if err != nil {
		slog.Error("invalid assembler config", "error", err)
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

	blobs, err := service.OpenBlob(ctx, cfg)
	if err != nil {
		slog.Error("blob storage unavailable", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	checker := health.NewChecker()
	checker.Register("coordination", health.PingCheck(store.Ping))

	var opts []builder.Option
	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		hist := history.New(db)
		if err := hist.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare build history", "error", err)
			os.Exit(1)
		}
		checker.Register("postgres", health.PingCheck(db.Ping))
		opts = append(opts, builder.WithRecorder(hist))
		slog.Info("build history enabled")
	}

	b := builder.New(builderCfg, store, blobs, m, opts...)

	if *once {
		target, err := b.BuildMostRecent(ctx)
		if err != nil && !errors.Is(err, apperrors.ErrAlreadyBuilt) {
			slog.Error("build failed", "target", target, "error", err)
			os.Exit(1)
		}
		slog.Info("build finished", "target", target)
		return
	}

	shutdownMetrics := service.StartMetrics(cfg)
	defer shutdownMetrics(context.Background())

	h := service.Routes(cfg, m, checker, func(*http.ServeMux) {})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return service.Serve(gctx, "triebuilder", cfg.Server, h) })
	if err := g.Wait(); err != nil {
		slog.Error("triebuilder stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("triebuilder stopped")
}
