package history

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/postgres"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "autocomplete_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "autocomplete"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndRecent(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	s := New(db)
	require.NoError(t, s.EnsureSchema(ctx))

	target := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.DB.Exec("DELETE FROM trie_builds WHERE target_id = $1", target)
	})

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i, rng := range []string{"|mod", "mod|"} {
		require.NoError(t, s.Record(ctx, Build{
			TargetID:    target,
			Partition:   rng,
			PhraseCount: 10 + i,
			NodeCount:   40 + i,
			BlobPath:    "/phrases/5_tries/" + target + "/" + rng,
			BlobSize:    1024,
			Duration:    1500 * time.Millisecond,
			BuiltAt:     now.Add(time.Duration(i) * time.Second),
		}))
	}

	builds, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, "mod|", builds[0].Partition)
	assert.Equal(t, target, builds[0].TargetID)
	assert.Equal(t, 1500*time.Millisecond, builds[1].Duration)
}
