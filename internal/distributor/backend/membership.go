// Package backend implements a serving replica: it claims a slot in one
// partition of the current or next target, loads that partition's trie and
// answers prefix lookups from it until the target is retired.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/layout"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/trie"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/resilience"
)

type State int

const (
	StateIdle State = iota
	StateAttempting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the result of one join attempt.
type Outcome int

const (
	OutcomeJoined Outcome = iota
	OutcomePartitionFull
	OutcomeRaceLost
	OutcomeLoadFailed
	OutcomeTargetMissing
	OutcomeAlreadyActive
)

func (o Outcome) String() string {
	switch o {
	case OutcomeJoined:
		return "joined"
	case OutcomePartitionFull:
		return "partition_full"
	case OutcomeRaceLost:
		return "race_lost"
	case OutcomeLoadFailed:
		return "load_failed"
	case OutcomeTargetMissing:
		return "target_missing"
	case OutcomeAlreadyActive:
		return "already_active"
	default:
		return "unknown"
	}
}

// Assignment is an immutable snapshot of what the replica is serving.
// A new snapshot replaces the old one on every transition, so a lookup that
// already loaded one keeps a consistent trie until it returns.
type Assignment struct {
	State     State     `json:"state"`
	Target    string    `json:"target,omitempty"`
	Partition string    `json:"partition,omitempty"`
	Claim     string    `json:"claim,omitempty"`
	Phrases   int       `json:"phrases,omitempty"`
	Since     time.Time `json:"since"`

	trie *trie.Trie
}

type Config struct {
	NodesPerPartition int
	Address           string
	JoinInterval      time.Duration
	LoadTimeout       time.Duration
	Retry             resilience.RetryConfig
}

func ConfigFrom(cfg config.DistributorConfig) Config {
	return Config{
		NodesPerPartition: cfg.NodesPerPartition,
		Address:           cfg.AdvertiseAddress,
		JoinInterval:      cfg.JoinInterval,
		LoadTimeout:       cfg.LoadTimeout,
	}
}

// Membership owns the replica's slot claim and the trie it serves.
type Membership struct {
	cfg     Config
	store   coord.Store
	blobs   blob.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	current atomic.Pointer[Assignment]
	signal  chan struct{}
	mu      sync.Mutex
}

func New(cfg Config, store coord.Store, blobs blob.Store, m *metrics.Metrics) *Membership {
	if cfg.NodesPerPartition <= 0 {
		cfg.NodesPerPartition = 1
	}
	if cfg.JoinInterval <= 0 {
		cfg.JoinInterval = time.Minute
	}
	ms := &Membership{
		cfg:     cfg,
		store:   store,
		blobs:   blobs,
		metrics: m,
		logger:  slog.Default().With("component", "membership"),
		signal:  make(chan struct{}, 1),
	}
	ms.publish(&Assignment{State: StateIdle, Since: time.Now().UTC()})
	return ms
}

// Snapshot returns the current assignment.
func (m *Membership) Snapshot() Assignment {
	return *m.current.Load()
}

func (m *Membership) Active() bool {
	return m.current.Load().State == StateActive
}

// TopPhrases answers a prefix lookup from the active trie.
func (m *Membership) TopPhrases(prefix string) ([]string, error) {
	a := m.current.Load()
	if a.State != StateActive || a.trie == nil {
		return nil, apperrors.ErrInactiveNode
	}
	return a.trie.TopPhrases(prefix), nil
}

// Trigger schedules a reconcile without blocking.
func (m *Membership) Trigger() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Run reconciles on every pointer change and on a fixed interval until ctx
// is done, then releases the claim.
func (m *Membership) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, p := range []string{layout.CurrentTarget, layout.NextTarget} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.watch(ctx, p)
		}()
	}

	ticker := time.NewTicker(m.cfg.JoinInterval)
	defer ticker.Stop()
	m.Trigger()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.Leave(leaveCtx)
			cancel()
			return nil
		case <-ticker.C:
			m.reconcileLogged(ctx)
		case <-m.signal:
			m.reconcileLogged(ctx)
		}
	}
}

func (m *Membership) watch(ctx context.Context, p string) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := coord.WatchData(ctx, m.store, p, func([]byte, bool) {
			m.Trigger()
		})
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("watch ended, retrying", "path", p, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (m *Membership) reconcileLogged(ctx context.Context) {
	outcome, err := m.Reconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("reconcile failed", "error", err)
		}
		return
	}
	m.logger.Debug("reconciled", "outcome", outcome, "state", m.Snapshot().State)
}

// Reconcile drops a retired or lost assignment and, when idle, tries to
// join the current target and then the next target.
func (m *Membership) Reconcile(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := coord.GetString(ctx, m.store, layout.CurrentTarget)
	if err != nil {
		return OutcomeTargetMissing, fmt.Errorf("reading current target: %w", err)
	}
	next, err := coord.GetString(ctx, m.store, layout.NextTarget)
	if err != nil {
		return OutcomeTargetMissing, fmt.Errorf("reading next target: %w", err)
	}

	if a := m.current.Load(); a.State == StateActive {
		exists, err := m.store.Exists(ctx, a.Claim)
		switch {
		case err != nil:
			return OutcomeAlreadyActive, fmt.Errorf("checking claim %s: %w", a.Claim, err)
		case !exists:
			m.logger.Warn("claim vanished, dropping assignment", "target", a.Target, "partition", a.Partition, "claim", a.Claim)
			m.setIdle()
		case a.Target != current && a.Target != next:
			m.logger.Info("deactivating retired target",
				"target", a.Target, "current", current, "next", next)
			m.release(ctx, a)
		default:
			return OutcomeAlreadyActive, nil
		}
	}

	outcome := OutcomeTargetMissing
	for _, target := range []string{current, next} {
		if target == "" {
			continue
		}
		outcome, err = m.joinTarget(ctx, target)
		if err != nil || outcome == OutcomeJoined {
			return outcome, err
		}
	}
	return outcome, nil
}

// JoinTarget tries each partition of target in order until one accepts the
// replica.
func (m *Membership) JoinTarget(ctx context.Context, target string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joinTarget(ctx, target)
}

func (m *Membership) joinTarget(ctx context.Context, target string) (Outcome, error) {
	if m.current.Load().State == StateActive {
		return OutcomeAlreadyActive, nil
	}
	partitions, err := m.store.Children(ctx, layout.Partitions(target))
	if errors.Is(err, coord.ErrNoNode) || (err == nil && len(partitions) == 0) {
		m.record(OutcomeTargetMissing)
		return OutcomeTargetMissing, nil
	}
	if err != nil {
		return OutcomeTargetMissing, fmt.Errorf("listing partitions of %s: %w", target, err)
	}

	m.logger.Info("attempting to join target", "target", target, "partitions", len(partitions))
	outcome := OutcomePartitionFull
	for _, rng := range partitions {
		outcome, err = m.joinPartition(ctx, target, rng)
		m.record(outcome)
		if err != nil {
			m.setIdle()
			return outcome, err
		}
		if outcome == OutcomeJoined {
			return outcome, nil
		}
	}
	m.setIdle()
	return outcome, nil
}

func (m *Membership) joinPartition(ctx context.Context, target, rng string) (Outcome, error) {
	nodesPath := layout.Nodes(target, rng)
	logger := m.logger.With("target", target, "partition", rng)

	claims, err := m.store.Children(ctx, nodesPath)
	if errors.Is(err, coord.ErrNoNode) {
		return OutcomeTargetMissing, nil
	}
	if err != nil {
		return OutcomePartitionFull, fmt.Errorf("listing claims of %s: %w", nodesPath, err)
	}
	if len(claims) >= m.cfg.NodesPerPartition {
		logger.Debug("partition has enough replicas", "claims", len(claims))
		return OutcomePartitionFull, nil
	}

	m.publish(&Assignment{State: StateAttempting, Target: target, Partition: rng, Since: time.Now().UTC()})

	claim, err := m.store.Create(ctx, nodesPath+"/", nil, coord.EphemeralSequential)
	if errors.Is(err, coord.ErrNoNode) {
		return OutcomeTargetMissing, nil
	}
	if err != nil {
		return OutcomeRaceLost, fmt.Errorf("claiming slot under %s: %w", nodesPath, err)
	}
	name := coord.Base(claim)

	claims, err = m.store.Children(ctx, nodesPath)
	if err != nil {
		m.deleteClaim(ctx, claim)
		return OutcomeRaceLost, fmt.Errorf("re-listing claims of %s: %w", nodesPath, err)
	}
	slices.Sort(claims)
	winners := claims[:min(len(claims), m.cfg.NodesPerPartition)]
	if !slices.Contains(winners, name) {
		logger.Info("lost slot race", "claim", name, "claims", claims)
		m.deleteClaim(ctx, claim)
		return OutcomeRaceLost, nil
	}

	t, err := m.loadTrie(ctx, target, rng)
	if err != nil {
		logger.Error("failed to load trie", "error", err)
		m.deleteClaim(ctx, claim)
		return OutcomeLoadFailed, nil
	}

	a := &Assignment{
		State:     StateActive,
		Target:    target,
		Partition: rng,
		Claim:     claim,
		Phrases:   t.Len(),
		Since:     time.Now().UTC(),
		trie:      t,
	}
	m.publish(a)

	if err := m.store.Set(ctx, claim, []byte(m.cfg.Address)); err != nil {
		logger.Error("failed to advertise address", "claim", claim, "error", err)
		m.release(ctx, a)
		return OutcomeLoadFailed, nil
	}
	logger.Info("replica active", "claim", name, "address", m.cfg.Address, "phrases", t.Len())
	return OutcomeJoined, nil
}

func (m *Membership) loadTrie(ctx context.Context, target, rng string) (*trie.Trie, error) {
	if m.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.LoadTimeout)
		defer cancel()
	}
	blobPath, err := coord.GetString(ctx, m.store, layout.TrieDataPath(target, rng))
	if err != nil {
		return nil, fmt.Errorf("reading trie path: %w", err)
	}
	if blobPath == "" {
		return nil, fmt.Errorf("no trie registered for %s/%s", target, rng)
	}

	var t *trie.Trie
	err = resilience.Retry(ctx, "load trie", m.cfg.Retry, func() error {
		rc, err := m.blobs.Open(ctx, blobPath)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return resilience.Permanent(err)
			}
			return err
		}
		defer rc.Close()
		t, err = trie.Decode(rc)
		if trie.IsCorrupt(err) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", blobPath, err)
	}
	return t, nil
}

// Leave releases the claim, if any, and returns to idle.
func (m *Membership) Leave(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.current.Load(); a.State == StateActive {
		m.logger.Info("leaving partition", "target", a.Target, "partition", a.Partition)
		m.release(ctx, a)
	}
}

func (m *Membership) release(ctx context.Context, a *Assignment) {
	m.setIdle()
	m.deleteClaim(ctx, a.Claim)
}

func (m *Membership) deleteClaim(ctx context.Context, claim string) {
	if err := m.store.Delete(ctx, claim); err != nil && !errors.Is(err, coord.ErrNoNode) {
		m.logger.Warn("failed to delete claim", "claim", claim, "error", err)
	}
}

func (m *Membership) setIdle() {
	if m.current.Load().State != StateIdle {
		m.publish(&Assignment{State: StateIdle, Since: time.Now().UTC()})
	}
}

func (m *Membership) publish(a *Assignment) {
	m.current.Store(a)
	m.metrics.MembershipState.Set(float64(a.State))
}

func (m *Membership) record(o Outcome) {
	m.metrics.JoinOutcomesTotal.WithLabelValues(o.String()).Inc()
}
