// Package applier promotes next_target to current_target once every
// partition of the staged target has a full set of advertised replicas.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/layout"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
)

// CachePattern matches every prefix answer cached by the routing tier.
const CachePattern = "top-phrases:*"

// Invalidator drops cached prefix answers after a promotion.
type Invalidator interface {
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Readiness explains whether the staged target can be promoted.
type Readiness struct {
	Ready  bool   `json:"ready"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Config struct {
	NodesPerPartition int
	Interval          time.Duration
}

type Applier struct {
	cfg         Config
	store       coord.Store
	invalidator Invalidator
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

type Option func(*Applier)

// WithInvalidator flushes the routing cache after every promotion.
func WithInvalidator(inv Invalidator) Option {
	return func(a *Applier) { a.invalidator = inv }
}

func New(cfg Config, store coord.Store, m *metrics.Metrics, opts ...Option) *Applier {
	if cfg.NodesPerPartition <= 0 {
		cfg.NodesPerPartition = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	a := &Applier{
		cfg:     cfg,
		store:   store,
		metrics: m,
		logger:  slog.Default().With("component", "applier"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ready reports whether next_target names an existing target whose every
// partition lists at least NodesPerPartition claims, each advertising an
// address.
func (a *Applier) Ready(ctx context.Context) (Readiness, error) {
	target, err := coord.GetString(ctx, a.store, layout.NextTarget)
	if err != nil {
		return Readiness{}, fmt.Errorf("reading next target: %w", err)
	}
	if target == "" {
		return Readiness{Reason: "no next target"}, nil
	}
	r := Readiness{Target: target}

	partitions, err := a.store.Children(ctx, layout.Partitions(target))
	if errors.Is(err, coord.ErrNoNode) {
		r.Reason = "target has no partitions node"
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("listing partitions of %s: %w", target, err)
	}
	if len(partitions) == 0 {
		r.Reason = "target has no partitions"
		return r, nil
	}

	for _, rng := range partitions {
		nodesPath := layout.Nodes(target, rng)
		claims, err := a.store.Children(ctx, nodesPath)
		if errors.Is(err, coord.ErrNoNode) {
			r.Reason = fmt.Sprintf("partition %s has no nodes", rng)
			return r, nil
		}
		if err != nil {
			return r, fmt.Errorf("listing claims of %s: %w", nodesPath, err)
		}
		if len(claims) < a.cfg.NodesPerPartition {
			r.Reason = fmt.Sprintf("partition %s has %d/%d nodes", rng, len(claims), a.cfg.NodesPerPartition)
			return r, nil
		}
		for _, claim := range claims {
			addr, err := coord.GetString(ctx, a.store, coord.Join(nodesPath, claim))
			if err != nil {
				return r, fmt.Errorf("reading claim %s: %w", claim, err)
			}
			if addr == "" {
				r.Reason = fmt.Sprintf("partition %s node %s is still loading", rng, claim)
				return r, nil
			}
		}
	}
	r.Ready = true
	return r, nil
}

// Apply atomically clears next_target and makes target the current one.
// It fails with coord.ErrValueChanged, leaving both pointers untouched, if
// next_target no longer names target.
func (a *Applier) Apply(ctx context.Context, target string) error {
	if target == "" {
		return fmt.Errorf("%w: target id is required", apperrors.ErrInvalidInput)
	}
	if err := a.store.EnsurePath(ctx, layout.CurrentTarget); err != nil {
		return fmt.Errorf("ensuring current target: %w", err)
	}
	if err := a.store.EnsurePath(ctx, layout.NextTarget); err != nil {
		return fmt.Errorf("ensuring next target: %w", err)
	}
	err := a.store.Commit(ctx,
		coord.SetIfOp(layout.NextTarget, []byte(target), nil),
		coord.SetOp(layout.CurrentTarget, []byte(target)),
	)
	if err != nil {
		return fmt.Errorf("promoting %s: %w", target, err)
	}
	a.metrics.PromotionsTotal.Inc()
	a.logger.Info("target promoted to current", "target", target)
	a.invalidate(ctx)
	return nil
}

func (a *Applier) invalidate(ctx context.Context) {
	if a.invalidator == nil {
		return
	}
	n, err := a.invalidator.FlushByPattern(ctx, CachePattern)
	if err != nil {
		a.logger.Warn("failed to invalidate prefix cache", "error", err)
		return
	}
	a.metrics.CacheInvalidations.Add(float64(n))
	a.logger.Info("prefix cache invalidated", "keys", n)
}

// AttemptApply promotes the staged target if it is ready. It returns
// whether a promotion happened.
func (a *Applier) AttemptApply(ctx context.Context) (bool, error) {
	r, err := a.Ready(ctx)
	if err != nil {
		return false, err
	}
	if !r.Ready {
		a.logger.Debug("next target not ready", "target", r.Target, "reason", r.Reason)
		return false, nil
	}
	if err := a.Apply(ctx, r.Target); err != nil {
		if errors.Is(err, coord.ErrValueChanged) {
			a.logger.Info("next target replaced during promotion", "target", r.Target)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Run attempts a promotion immediately and then on every interval until
// ctx is done.
func (a *Applier) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := a.AttemptApply(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("apply attempt failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
