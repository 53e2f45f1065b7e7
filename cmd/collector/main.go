// Command collector accepts phrases on POST /collect-phrase and publishes
// them to Kafka. Unless -sink=false it also consumes the topic and writes
// hourly batches of raw phrases to blob storage.
//
// Usage:
//
//	go run ./cmd/collector [-config configs/development.yaml] [-sink=false]
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

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/assembler/collector"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/assembler/sink"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/service"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	runSink := flag.Bool("sink", true, "also run the Kafka to blob storage sink")
	flag.Parse()
	cfg, err := service.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		slog.Error("kafka.brokers is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	topic := cfg.Kafka.Topics.Phrases
	producer := kafka.NewProducer(cfg.Kafka, topic)
	defer producer.Close()
	slog.Info("kafka producer initialized", "topic", topic)

	checker := health.NewChecker()
	g, gctx := errgroup.WithContext(ctx)

	if *runSink {
		blobs, err := service.OpenBlob(ctx, cfg)
		if err != nil {
			slog.Error("blob storage unavailable", "error", err)
			os.Exit(1)
		}
		s := sink.New(cfg.Assembler.SinkStage, blobs, m)
		consumer := kafka.NewConsumer(cfg.Kafka, topic, kafka.BatchConfig{
			Size:     cfg.Assembler.SinkBatchSize,
			Interval: cfg.Assembler.SinkFlush,
		}, s.Handle)
		g.Go(func() error { return consumer.Start(gctx) })
		slog.Info("phrase sink started", "stage", cfg.Assembler.SinkStage)
	}

	shutdownMetrics := service.StartMetrics(cfg)
	defer shutdownMetrics(context.Background())

	h := service.Routes(cfg, m, checker,
		collector.NewHandler(collector.New(producer, m)).RegisterRoutes,
		middleware.RateLimit(cfg.Collector.RatePerSecond, cfg.Collector.Burst),
	)
	g.Go(func() error { return service.Serve(gctx, "collector", cfg.Server, h) })

	if err := g.Wait(); err != nil {
		slog.Error("collector stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("collector stopped")
}
