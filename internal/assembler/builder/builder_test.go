package builder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/assembler/history"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/layout"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/partition"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/trie"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord/memstore"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/resilience"
)

const corpus = "50\tapple\n40\tapply\n\n30\tmody\n20\tmocha\nnot-a-valid-line\n10\tapril\n"

type recorder struct {
	mu     sync.Mutex
	builds []history.Build
}

func (r *recorder) Record(_ context.Context, b history.Build) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds = append(r.builds, b)
	return nil
}

type fixture struct {
	store coord.Store
	blobs *blob.MemoryStore
	rec   *recorder
	b     *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := ConfigFrom(config.AssemblerConfig{
		Partitions:       []string{"|mod", "mod|"},
		CorpusStage:      "4_with_weight_ordered",
		CorpusFile:       "part-r-00000",
		TrieStage:        "5_tries",
		Compression:      "zstd",
		BuildConcurrency: 2,
	})
	require.NoError(t, err)
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 1}

	f := &fixture{
		store: memstore.NewCluster().Session(),
		blobs: blob.NewMemoryStore(),
		rec:   &recorder{},
	}
	f.b = New(cfg, f.store, f.blobs, metrics.NewNop(), WithRecorder(f.rec))
	return f
}

func (f *fixture) putCorpus(t *testing.T, target, body string) {
	t.Helper()
	require.NoError(t, blob.PutBytes(context.Background(), f.blobs,
		layout.Corpus("4_with_weight_ordered", target, "part-r-00000"), []byte(body)))
}

func (f *fixture) loadTrie(t *testing.T, target, rng string) *trie.Trie {
	t.Helper()
	ctx := context.Background()
	p, err := coord.GetString(ctx, f.store, layout.TrieDataPath(target, rng))
	require.NoError(t, err)
	assert.Equal(t, layout.Trie("5_tries", target, rng), p)
	rc, err := f.blobs.Open(ctx, p)
	require.NoError(t, err)
	defer rc.Close()
	tr, err := trie.Decode(rc)
	require.NoError(t, err)
	return tr
}

func TestBuildPublishesPartitionsAndNextTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putCorpus(t, "20200101", corpus)

	require.NoError(t, f.b.Build(ctx, "20200101"))

	low := f.loadTrie(t, "20200101", "|mod")
	assert.Equal(t, []string{"apple", "apply"}, low.TopPhrases("app"))
	assert.Equal(t, []string{"april"}, low.TopPhrases("apr"))
	assert.Equal(t, []string{"mocha"}, low.TopPhrases("mo"))
	assert.Empty(t, low.TopPhrases("z"))

	high := f.loadTrie(t, "20200101", "mod|")
	assert.Equal(t, []string{"mody"}, high.TopPhrases("mo"))
	assert.Empty(t, high.TopPhrases("app"))

	kids, err := f.store.Children(ctx, layout.Nodes("20200101", "|mod"))
	require.NoError(t, err)
	assert.Empty(t, kids)

	next, err := coord.GetString(ctx, f.store, layout.NextTarget)
	require.NoError(t, err)
	assert.Equal(t, "20200101", next)

	assert.Len(t, f.rec.builds, 2)
}

func TestBuildIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putCorpus(t, "20200101", corpus)

	require.NoError(t, f.b.Build(ctx, "20200101"))
	err := f.b.Build(ctx, "20200101")
	assert.ErrorIs(t, err, apperrors.ErrAlreadyBuilt)
	assert.Len(t, f.rec.builds, 2)
}

func TestBuildRejectsEmptyTarget(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.b.Build(context.Background(), " "), apperrors.ErrInvalidInput)
}

func TestBuildMissingCorpusLeavesNextTargetUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, coord.Upsert(ctx, f.store, layout.NextTarget, []byte("20191231")))

	err := f.b.Build(ctx, "20200101")
	assert.ErrorIs(t, err, apperrors.ErrSourceUnreadable)

	next, err := coord.GetString(ctx, f.store, layout.NextTarget)
	require.NoError(t, err)
	assert.Equal(t, "20191231", next)
}

func TestBuildMostRecent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putCorpus(t, "20200101", "1\told\n")
	f.putCorpus(t, "20200103", corpus)
	f.putCorpus(t, "20200102", "1\tmiddle\n")

	target, err := f.b.BuildMostRecent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "20200103", target)

	next, _ := coord.GetString(ctx, f.store, layout.NextTarget)
	assert.Equal(t, "20200103", next)
}

func TestBuildMostRecentEmpty(t *testing.T) {
	f := newFixture(t)
	target, err := f.b.BuildMostRecent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", target)
}

func TestRunBuildsOnLastBuiltTargetChange(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.putCorpus(t, "20200105", corpus)

	done := make(chan error, 1)
	go func() { done <- f.b.Run(ctx) }()

	require.NoError(t, coord.Upsert(ctx, f.store, layout.LastBuiltTarget, []byte("20200105")))
	require.Eventually(t, func() bool {
		next, _ := coord.GetString(ctx, f.store, layout.NextTarget)
		return next == "20200105"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConfigFromRejectsBadPartitions(t *testing.T) {
	_, err := ConfigFrom(config.AssemblerConfig{Partitions: []string{"|mod"}, Compression: "zstd"})
	assert.Error(t, err)

	_, err = ConfigFrom(config.AssemblerConfig{Partitions: []string{"|"}, Compression: "brotli"})
	assert.Error(t, err)
}

func TestReadPartitionBoundary(t *testing.T) {
	f := newFixture(t)
	f.putCorpus(t, "t", strings.Join([]string{"3\tmoc", "2\tmod", "1\tmody"}, "\n"))

	low, err := f.b.readPartition(context.Background(), "t", partition.Range{End: "mod"})
	require.NoError(t, err)
	assert.Equal(t, []string{"moc"}, low.TopPhrases("mo"))

	high, err := f.b.readPartition(context.Background(), "t", partition.Range{Start: "mod"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mod", "mody"}, high.TopPhrases("mo"))
}

func TestReadPartitionAssignsByLowercasePhrase(t *testing.T) {
	f := newFixture(t)
	f.putCorpus(t, "t", strings.Join([]string{"3\tModel", "2\tMOCHA"}, "\n"))

	low, err := f.b.readPartition(context.Background(), "t", partition.Range{End: "mod"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mocha"}, low.TopPhrases("mo"))

	high, err := f.b.readPartition(context.Background(), "t", partition.Range{Start: "mod"})
	require.NoError(t, err)
	assert.Equal(t, []string{"model"}, high.TopPhrases("MO"))
}
