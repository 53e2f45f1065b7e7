// Package builder turns a weight-ordered phrase corpus into one serialized
// trie per partition range, registers each trie in the coordination store
// and finally publishes the target as next_target for the distributor.
package builder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/assembler/history"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/layout"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/partition"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/trie"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/tracing"
)

const maxCorpusLine = 1 << 20

// Recorder receives one entry per persisted partition trie.
type Recorder interface {
	Record(ctx context.Context, b history.Build) error
}

// Config selects the partitions and blob locations a Builder works with.
type Config struct {
	Ranges      []partition.Range
	CorpusStage string
	CorpusFile  string
	TrieStage   string
	Compression trie.Compression
	Concurrency int
	Retry       resilience.RetryConfig
}

// ConfigFrom validates the assembler section of the application config.
func ConfigFrom(cfg config.AssemblerConfig) (Config, error) {
	ranges, err := partition.ParseAll(cfg.Partitions)
	if err != nil {
		return Config{}, fmt.Errorf("assembler.partitions: %w", err)
	}
	compression, err := trie.ParseCompression(cfg.Compression)
	if err != nil {
		return Config{}, fmt.Errorf("assembler.compression: %w", err)
	}
	return Config{
		Ranges:      ranges,
		CorpusStage: cfg.CorpusStage,
		CorpusFile:  cfg.CorpusFile,
		TrieStage:   cfg.TrieStage,
		Compression: compression,
		Concurrency: cfg.BuildConcurrency,
	}, nil
}

// Builder builds and publishes targets. Builds are serialized.
type Builder struct {
	cfg      Config
	store    coord.Store
	blobs    blob.Store
	metrics  *metrics.Metrics
	recorder Recorder
	logger   *slog.Logger

	mu sync.Mutex
}

// Option customizes a Builder.
type Option func(*Builder)

// WithRecorder reports every persisted partition to r.
func WithRecorder(r Recorder) Option {
	return func(b *Builder) { b.recorder = r }
}

func New(cfg Config, store coord.Store, blobs blob.Store, m *metrics.Metrics, opts ...Option) *Builder {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	b := &Builder{
		cfg:     cfg,
		store:   store,
		blobs:   blobs,
		metrics: m,
		logger:  slog.Default().With("component", "trie-builder"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build builds every partition of target and publishes it as next_target.
// It returns ErrAlreadyBuilt when target is already the published
// next_target. Any partition failure aborts the whole target before
// next_target is touched.
func (b *Builder) Build(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("%w: target id is required", apperrors.ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	next, err := coord.GetString(ctx, b.store, layout.NextTarget)
	if err != nil {
		return fmt.Errorf("reading next target: %w", err)
	}
	if next == target {
		return fmt.Errorf("%w: %s", apperrors.ErrAlreadyBuilt, target)
	}

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "build", tracing.NewTraceID())
	span.SetAttr("target", target)
	defer func() {
		span.End()
		span.Log()
	}()

	b.logger.Info("building target", "target", target, "partitions", len(b.cfg.Ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for _, rng := range b.cfg.Ranges {
		g.Go(func() error {
			return b.buildPartition(gctx, target, rng)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("building target %s: %w", target, err)
	}

	if err := coord.Upsert(ctx, b.store, layout.NextTarget, []byte(target)); err != nil {
		return fmt.Errorf("publishing next target %s: %w", target, err)
	}
	b.logger.Info("target published as next target",
		"target", target,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func (b *Builder) buildPartition(ctx context.Context, target string, rng partition.Range) (err error) {
	name := rng.String()
	start := time.Now()
	logger := b.logger.With("target", target, "partition", name)
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		b.metrics.TrieBuildsTotal.WithLabelValues(status).Inc()
	}()

	sctx, span := tracing.StartChildSpan(ctx, "stream")
	t, err := b.readPartition(sctx, target, rng)
	span.SetAttr("partition", name)
	span.End()
	if err != nil {
		return err
	}

	_, span = tracing.StartChildSpan(ctx, "encode")
	var buf bytes.Buffer
	size, err := trie.Encode(&buf, t, b.cfg.Compression)
	span.SetAttr("bytes", size)
	span.End()
	if err != nil {
		return fmt.Errorf("encoding trie %s: %w", name, err)
	}

	blobPath := layout.Trie(b.cfg.TrieStage, target, name)
	uctx, span := tracing.StartChildSpan(ctx, "upload")
	err = resilience.Retry(uctx, "upload trie", b.cfg.Retry, func() error {
		return blob.PutBytes(uctx, b.blobs, blobPath, buf.Bytes())
	})
	span.End()
	if err != nil {
		return fmt.Errorf("uploading trie %s: %w", blobPath, err)
	}

	rctx, span := tracing.StartChildSpan(ctx, "register")
	err = b.register(rctx, target, name, blobPath)
	span.End()
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	b.metrics.TrieBuildDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	b.metrics.TriePhrases.WithLabelValues(name).Set(float64(t.Len()))
	b.metrics.TrieBlobBytes.WithLabelValues(name).Set(float64(size))
	logger.Info("partition trie persisted",
		"phrases", t.Len(),
		"nodes", t.NodeCount(),
		"bytes", size,
		"blob", blobPath,
		"duration", elapsed.Round(time.Millisecond),
	)

	if b.recorder != nil {
		rec := history.Build{
			TargetID:    target,
			Partition:   name,
			PhraseCount: t.Len(),
			NodeCount:   t.NodeCount(),
			BlobPath:    blobPath,
			BlobSize:    size,
			Duration:    elapsed,
			BuiltAt:     time.Now().UTC(),
		}
		if err := b.recorder.Record(ctx, rec); err != nil {
			logger.Warn("failed to record build history", "error", err)
		}
	}
	return nil
}

// readPartition streams the ordered corpus and inserts the phrases that fall
// in rng. Lines are "weight<TAB>phrase" in descending weight order.
func (b *Builder) readPartition(ctx context.Context, target string, rng partition.Range) (*trie.Trie, error) {
	corpus := layout.Corpus(b.cfg.CorpusStage, target, b.cfg.CorpusFile)
	var t *trie.Trie
	err := resilience.Retry(ctx, "read corpus", b.cfg.Retry, func() error {
		rc, err := b.blobs.Open(ctx, corpus)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return resilience.Permanent(err)
			}
			return err
		}
		defer rc.Close()

		t = trie.New()
		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, 64*1024), maxCorpusLine)
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), "\r")
			if line == "" {
				continue
			}
			_, phrase, ok := strings.Cut(line, "\t")
			if !ok {
				b.logger.Debug("skipping malformed corpus line", "target", target, "line", line)
				continue
			}
			if rng.Contains(strings.ToLower(phrase)) {
				t.Insert(phrase)
			}
		}
		return sc.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", apperrors.ErrSourceUnreadable, corpus, err)
	}
	return t, nil
}

func (b *Builder) register(ctx context.Context, target, name, blobPath string) error {
	if err := b.store.EnsurePath(ctx, layout.Nodes(target, name)); err != nil {
		return fmt.Errorf("registering nodes for %s/%s: %w", target, name, err)
	}
	if err := coord.Upsert(ctx, b.store, layout.TrieDataPath(target, name), []byte(blobPath)); err != nil {
		return fmt.Errorf("registering trie path for %s/%s: %w", target, name, err)
	}
	return nil
}

// LatestTarget returns the greatest target id present in the corpus stage,
// or "" when there is none.
func (b *Builder) LatestTarget(ctx context.Context) (string, error) {
	root := layout.CorpusRoot(b.cfg.CorpusStage)
	names, err := b.blobs.List(ctx, root)
	if err != nil {
		return "", fmt.Errorf("%w: listing %s: %w", apperrors.ErrSourceUnreadable, root, err)
	}
	targets := blob.Dirs(names, root)
	if len(targets) == 0 {
		return "", nil
	}
	return targets[len(targets)-1], nil
}

// BuildMostRecent builds the greatest available target. It returns the
// target id it attempted, or "" when the corpus stage is empty.
func (b *Builder) BuildMostRecent(ctx context.Context) (string, error) {
	target, err := b.LatestTarget(ctx)
	if err != nil {
		return "", err
	}
	if target == "" {
		b.logger.Info("no corpus targets available")
		return "", nil
	}
	return target, b.Build(ctx, target)
}

// Run rebuilds whenever last_built_target changes until ctx is done. Builds
// run on their own goroutine; if several changes arrive during a build only
// the latest one is built next.
func (b *Builder) Run(ctx context.Context) error {
	pending := make(chan string, 1)
	offer := func(target string) {
		for {
			select {
			case pending <- target:
				return
			default:
			}
			select {
			case <-pending:
			default:
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case target := <-pending:
				err := b.Build(ctx, target)
				switch {
				case err == nil:
				case errors.Is(err, apperrors.ErrAlreadyBuilt):
					b.logger.Info("target already built", "target", target)
				case ctx.Err() != nil:
					return
				default:
					b.logger.Error("build failed", "target", target, "error", err)
				}
			}
		}
	}()

	b.logger.Info("watching for new corpus targets", "path", layout.LastBuiltTarget)
	backoff := time.Second
	for ctx.Err() == nil {
		err := coord.WatchData(ctx, b.store, layout.LastBuiltTarget, func(data []byte, exists bool) {
			if exists && len(data) > 0 {
				offer(string(data))
			}
		})
		if ctx.Err() != nil {
			break
		}
		b.logger.Warn("watch on last built target ended, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
	wg.Wait()
	return nil
}
