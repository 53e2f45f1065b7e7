package applier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/layout"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord/memstore"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
)

type fakeCache struct {
	patterns []string
	err      error
}

func (f *fakeCache) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	f.patterns = append(f.patterns, pattern)
	return 3, f.err
}

func stage(t *testing.T, s coord.Store, target string, ranges ...string) {
	t.Helper()
	ctx := context.Background()
	for _, rng := range ranges {
		require.NoError(t, s.EnsurePath(ctx, layout.Nodes(target, rng)))
		require.NoError(t, coord.Upsert(ctx, s, layout.TrieDataPath(target, rng), []byte("/blob")))
	}
	require.NoError(t, coord.Upsert(ctx, s, layout.NextTarget, []byte(target)))
}

func claim(t *testing.T, s coord.Store, target, rng, addr string) string {
	t.Helper()
	p, err := s.Create(context.Background(), layout.Nodes(target, rng)+"/", []byte(addr), coord.EphemeralSequential)
	require.NoError(t, err)
	return p
}

func pointers(t *testing.T, s coord.Store) (current, next string) {
	t.Helper()
	ctx := context.Background()
	current, err := coord.GetString(ctx, s, layout.CurrentTarget)
	require.NoError(t, err)
	next, err = coord.GetString(ctx, s, layout.NextTarget)
	require.NoError(t, err)
	return current, next
}

func TestReadyRequiresFullAdvertisedPartitions(t *testing.T) {
	s := memstore.NewCluster().Session()
	ctx := context.Background()
	a := New(Config{NodesPerPartition: 2}, s, metrics.NewNop())

	r, err := a.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, "no next target", r.Reason)

	stage(t, s, "t1", "|mod", "mod|")
	claim(t, s, "t1", "|mod", "a")
	claim(t, s, "t1", "|mod", "b")
	claim(t, s, "t1", "mod|", "c")

	r, err = a.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, "t1", r.Target)
	assert.Contains(t, r.Reason, "1/2")

	loading := claim(t, s, "t1", "mod|", "")
	r, err = a.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Contains(t, r.Reason, "loading")

	require.NoError(t, s.Set(ctx, loading, []byte("d")))
	r, err = a.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, r.Ready)
}

func TestReadyMissingTarget(t *testing.T) {
	s := memstore.NewCluster().Session()
	ctx := context.Background()
	require.NoError(t, coord.Upsert(ctx, s, layout.NextTarget, []byte("ghost")))

	r, err := New(Config{NodesPerPartition: 1}, s, metrics.NewNop()).Ready(ctx)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.NotEmpty(t, r.Reason)
}

func TestAttemptApplyPromotesAtomically(t *testing.T) {
	cluster := memstore.NewCluster()
	s := cluster.Session()
	ctx := context.Background()
	cache := &fakeCache{}
	a := New(Config{NodesPerPartition: 1}, s, metrics.NewNop(), WithInvalidator(cache))

	stage(t, s, "t1", "|")
	ok, err := a.AttemptApply(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	current, next := pointers(t, s)
	assert.Equal(t, "", current)
	assert.Equal(t, "t1", next)

	claim(t, s, "t1", "|", "host:1")

	// An observer must never see both pointers cleared or both set.
	watcher := cluster.Session()
	events, err := watcher.Subscribe(ctx, layout.CurrentTarget)
	require.NoError(t, err)

	ok, err = a.AttemptApply(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case <-events:
		c, n := pointers(t, watcher)
		assert.Equal(t, "t1", c)
		assert.Equal(t, "", n)
	case <-time.After(time.Second):
		t.Fatal("no change event for current target")
	}
	assert.Equal(t, []string{CachePattern}, cache.patterns)

	ok, err = a.AttemptApply(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyIgnoresCacheFailure(t *testing.T) {
	s := memstore.NewCluster().Session()
	require.NoError(t, coord.Upsert(context.Background(), s, layout.NextTarget, []byte("t9")))
	a := New(Config{}, s, metrics.NewNop(), WithInvalidator(&fakeCache{err: errors.New("redis down")}))
	require.NoError(t, a.Apply(context.Background(), "t9"))
	current, _ := pointers(t, s)
	assert.Equal(t, "t9", current)
}

func TestApplyKeepsNextTargetStagedMeanwhile(t *testing.T) {
	s := memstore.NewCluster().Session()
	ctx := context.Background()
	stage(t, s, "t1", "|")
	claim(t, s, "t1", "|", "host:1")
	cache := &fakeCache{}
	a := New(Config{NodesPerPartition: 1}, s, metrics.NewNop(), WithInvalidator(cache))

	r, err := a.Ready(ctx)
	require.NoError(t, err)
	require.True(t, r.Ready)

	// A newer build lands between the readiness check and the promotion.
	require.NoError(t, coord.Upsert(ctx, s, layout.NextTarget, []byte("t2")))

	assert.ErrorIs(t, a.Apply(ctx, r.Target), coord.ErrValueChanged)
	current, next := pointers(t, s)
	assert.Equal(t, "", current)
	assert.Equal(t, "t2", next)
	assert.Empty(t, cache.patterns)
}

func TestApplyRejectsEmptyTarget(t *testing.T) {
	a := New(Config{}, memstore.NewCluster().Session(), metrics.NewNop())
	assert.ErrorIs(t, a.Apply(context.Background(), ""), apperrors.ErrInvalidInput)
}

func TestRunAppliesAtStartup(t *testing.T) {
	s := memstore.NewCluster().Session()
	stage(t, s, "t1", "|")
	claim(t, s, "t1", "|", "host:1")
	a := New(Config{NodesPerPartition: 1, Interval: time.Hour}, s, metrics.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		current, _ := coord.GetString(ctx, s, layout.CurrentTarget)
		return current == "t1"
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
