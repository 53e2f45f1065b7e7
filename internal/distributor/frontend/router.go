// Package frontend routes prefix lookups to a replica serving the partition
// that contains the prefix in the current target.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/layout"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/partition"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
)

// Replica answers a prefix lookup on the replica at addr.
type Replica interface {
	TopPhrases(ctx context.Context, addr, prefix string) ([]string, error)
}

type Router struct {
	store   coord.Store
	replica Replica
	cache   *Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Router)

func WithCache(c *Cache) Option {
	return func(r *Router) { r.cache = c }
}

func NewRouter(store coord.Store, replica Replica, m *metrics.Metrics, opts ...Option) *Router {
	r := &Router{
		store:   store,
		replica: replica,
		metrics: m,
		logger:  slog.Default().With("component", "query-router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TopPhrases returns the top phrases for prefix, from the cache when one is
// configured, otherwise from a replica of the current target.
func (r *Router) TopPhrases(ctx context.Context, prefix string) ([]string, error) {
	// Tries store lowercase phrases, so the partition bounds and cache keys
	// must see the same form.
	prefix = strings.ToLower(prefix)
	start := time.Now()
	defer func() {
		r.metrics.PrefixQueryLatency.WithLabelValues("frontend").Observe(time.Since(start).Seconds())
	}()

	var (
		phrases []string
		err     error
	)
	if r.cache != nil {
		phrases, _, err = r.cache.GetOrCompute(ctx, prefix, func(ctx context.Context) ([]string, error) {
			return r.route(ctx, prefix)
		})
	} else {
		phrases, err = r.route(ctx, prefix)
	}

	switch {
	case errors.Is(err, apperrors.ErrNoBackendAvailable):
		r.metrics.PrefixQueriesTotal.WithLabelValues("frontend", "no_backend").Inc()
	case err != nil:
		r.metrics.PrefixQueriesTotal.WithLabelValues("frontend", "error").Inc()
	case len(phrases) == 0:
		r.metrics.PrefixQueriesTotal.WithLabelValues("frontend", "empty").Inc()
	default:
		r.metrics.PrefixQueriesTotal.WithLabelValues("frontend", "hit").Inc()
	}
	return phrases, err
}

// Replicas lists the advertised addresses serving the partition of the
// current target that contains prefix, in random order.
func (r *Router) Replicas(ctx context.Context, prefix string) (target, rng string, addrs []string, err error) {
	target, err = coord.GetString(ctx, r.store, layout.CurrentTarget)
	if err != nil {
		return "", "", nil, fmt.Errorf("reading current target: %w", err)
	}
	if target == "" {
		return "", "", nil, fmt.Errorf("%w: no current target", apperrors.ErrNoBackendAvailable)
	}

	partitions, err := r.store.Children(ctx, layout.Partitions(target))
	if errors.Is(err, coord.ErrNoNode) {
		return target, "", nil, fmt.Errorf("%w: target %s has no partitions", apperrors.ErrNoBackendAvailable, target)
	}
	if err != nil {
		return target, "", nil, fmt.Errorf("listing partitions of %s: %w", target, err)
	}
	rng, ok := partition.Find(partitions, strings.ToLower(prefix))
	if !ok {
		return target, "", nil, fmt.Errorf("%w: no partition of %s contains %q", apperrors.ErrNoBackendAvailable, target, prefix)
	}

	nodesPath := layout.Nodes(target, rng)
	claims, err := r.store.Children(ctx, nodesPath)
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		return target, rng, nil, fmt.Errorf("listing claims of %s: %w", nodesPath, err)
	}
	rand.Shuffle(len(claims), func(i, j int) { claims[i], claims[j] = claims[j], claims[i] })
	for _, claim := range claims {
		addr, err := coord.GetString(ctx, r.store, coord.Join(nodesPath, claim))
		if err != nil {
			return target, rng, nil, fmt.Errorf("reading claim %s: %w", claim, err)
		}
		if addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return target, rng, addrs, nil
}

func (r *Router) route(ctx context.Context, prefix string) ([]string, error) {
	target, rng, addrs, err := r.Replicas(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		r.logger.Warn("partition has no active replicas", "target", target, "partition", rng)
		return nil, fmt.Errorf("%w: partition %s of %s has no replicas", apperrors.ErrNoBackendAvailable, rng, target)
	}

	var lastErr error
	for _, addr := range addrs {
		phrases, err := r.replica.TopPhrases(ctx, addr, prefix)
		if err == nil {
			return phrases, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("replica query failed", "addr", addr, "partition", rng, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: all replicas of %s failed: %w", apperrors.ErrNoBackendAvailable, rng, lastErr)
}
