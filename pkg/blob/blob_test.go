package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"local":  local,
		"memory": NewMemoryStore(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, PutBytes(ctx, s, "/phrases/5_tries/t1/|mod", []byte("low")))
			require.NoError(t, PutBytes(ctx, s, "/phrases/5_tries/t1/mod|", []byte("high")))

			got, err := ReadAll(ctx, s, "/phrases/5_tries/t1/|mod")
			require.NoError(t, err)
			assert.Equal(t, "low", string(got))

			names, err := s.List(ctx, "/phrases/5_tries/")
			require.NoError(t, err)
			assert.Equal(t, []string{"/phrases/5_tries/t1/mod|", "/phrases/5_tries/t1/|mod"}, names)

			require.NoError(t, s.Delete(ctx, "/phrases/5_tries/t1/|mod"))
			require.NoError(t, s.Delete(ctx, "/phrases/5_tries/t1/|mod"))
			_, err = ReadAll(ctx, s, "/phrases/5_tries/t1/|mod")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListMissingPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			names, err := s.List(ctx, "/phrases/nothing/")
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestDirs(t *testing.T) {
	names := []string{
		"/phrases/4_with_weight_ordered/20200101/part-r-00000",
		"/phrases/4_with_weight_ordered/20200102/part-r-00000",
		"/phrases/4_with_weight_ordered/20200102/_SUCCESS",
		"/phrases/4_with_weight_ordered/stray",
		"/phrases/5_tries/20200101/|mod",
	}
	assert.Equal(t, []string{"20200101", "20200102"}, Dirs(names, "/phrases/4_with_weight_ordered"))
	assert.Empty(t, Dirs(names, "/phrases/none"))
}
