package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
)

// testConfig points at a local Redis and skips the test when none answers.
func testConfig(t *testing.T) config.CoordinationConfig {
	t.Helper()
	addr := os.Getenv("AC_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	return config.CoordinationConfig{
		Addr:              addr,
		DB:                15,
		KeyPrefix:         "coordtest:" + uuid.NewString() + ":",
		SessionTTL:        2 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
	}
}

func open(t *testing.T, cfg config.CoordinationConfig) *Store {
	t.Helper()
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateGetChildren(t *testing.T) {
	cfg := testConfig(t)
	s := open(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.EnsurePath(ctx, "/phrases/distributor/t1/partitions/|mod/nodes"))
	require.NoError(t, coord.Upsert(ctx, s, "/phrases/distributor/t1/partitions/|mod/trie_data_path", []byte("/phrases/5_tries/t1/|mod")))

	got, err := s.Get(ctx, "/phrases/distributor/t1/partitions/|mod/trie_data_path")
	require.NoError(t, err)
	assert.Equal(t, "/phrases/5_tries/t1/|mod", string(got))

	a, err := s.Create(ctx, "/phrases/distributor/t1/partitions/|mod/nodes/", nil, coord.EphemeralSequential)
	require.NoError(t, err)
	b, err := s.Create(ctx, "/phrases/distributor/t1/partitions/|mod/nodes/", nil, coord.EphemeralSequential)
	require.NoError(t, err)
	assert.Less(t, a, b)

	kids, err := s.Children(ctx, "/phrases/distributor/t1/partitions/|mod/nodes")
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000000", "0000000001"}, kids)

	parts, err := s.Children(ctx, "/phrases/distributor/t1/partitions")
	require.NoError(t, err)
	assert.Equal(t, []string{"|mod"}, parts)
}

func TestEphemeralsVanishOnClose(t *testing.T) {
	cfg := testConfig(t)
	owner, err := New(context.Background(), cfg)
	require.NoError(t, err)
	observer := open(t, cfg)
	ctx := context.Background()

	require.NoError(t, owner.EnsurePath(ctx, "/nodes"))
	claim, err := owner.Create(ctx, "/nodes/", []byte("host:1"), coord.EphemeralSequential)
	require.NoError(t, err)

	ok, err := observer.Exists(ctx, claim)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, owner.Close())

	ok, err = observer.Exists(ctx, claim)
	require.NoError(t, err)
	assert.False(t, ok)
	kids, err := observer.Children(ctx, "/nodes")
	require.NoError(t, err)
	assert.Empty(t, kids)
}

func TestCommitAndWatch(t *testing.T) {
	cfg := testConfig(t)
	s := open(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, coord.Upsert(ctx, s, "/d/next_target", []byte("t1")))
	require.NoError(t, s.EnsurePath(ctx, "/d/current_target"))

	values := make(chan string, 16)
	go func() {
		_ = coord.WatchData(ctx, s, "/d/current_target", func(data []byte, _ bool) {
			values <- string(data)
		})
	}()
	assert.Equal(t, "", <-values)

	require.NoError(t, s.Commit(ctx,
		coord.SetOp("/d/next_target", nil),
		coord.SetOp("/d/current_target", []byte("t1")),
	))

	select {
	case v := <-values:
		assert.Equal(t, "t1", v)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event after commit")
	}
	next, err := coord.GetString(ctx, s, "/d/next_target")
	require.NoError(t, err)
	assert.Equal(t, "", next)

	assert.ErrorIs(t, s.Commit(ctx, coord.SetOp("/d/missing", nil)), coord.ErrNoNode)

	require.NoError(t, coord.Upsert(ctx, s, "/d/next_target", []byte("t3")))
	err = s.Commit(ctx,
		coord.SetIfOp("/d/next_target", []byte("t2"), nil),
		coord.SetOp("/d/current_target", []byte("t2")),
	)
	assert.ErrorIs(t, err, coord.ErrValueChanged)
	next, err = coord.GetString(ctx, s, "/d/next_target")
	require.NoError(t, err)
	assert.Equal(t, "t3", next)
}
