package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
)

func TestHandleGroupsByHour(t *testing.T) {
	blobs := blob.NewMemoryStore()
	s := New("1_sink", blobs, metrics.NewNop())
	fixed := time.Date(2020, 1, 2, 3, 4, 5, 6, time.UTC)
	s.now = func() time.Time { return fixed }

	h1 := time.Date(2020, 1, 2, 3, 10, 0, 0, time.UTC)
	h2 := time.Date(2020, 1, 2, 4, 0, 0, 0, time.UTC)
	batch := []kafka.Message{
		{Value: []byte(`{"phrase":"apple"}`), Time: h1},
		{Value: []byte(`not json`), Time: h1},
		{Value: []byte(`{"phrase":"apply"}`), Time: h1},
		{Value: []byte(`{"phrase":""}`), Time: h1},
		{Value: []byte(`{"phrase":"mody"}`), Time: h2},
	}
	require.NoError(t, s.Handle(context.Background(), batch))

	ctx := context.Background()
	names, err := blobs.List(ctx, "/phrases/1_sink/")
	require.NoError(t, err)
	file := "1577934245000000006"
	assert.Equal(t, []string{
		"/phrases/1_sink/phrases/2020010203/" + file,
		"/phrases/1_sink/phrases/2020010204/" + file,
	}, names)

	data, err := blob.ReadAll(ctx, blobs, names[0])
	require.NoError(t, err)
	assert.Equal(t, "apple\napply\n", string(data))
}

func TestHandleEmptyBatch(t *testing.T) {
	blobs := blob.NewMemoryStore()
	require.NoError(t, New("1_sink", blobs, metrics.NewNop()).Handle(context.Background(), nil))
	names, err := blobs.List(context.Background(), "/")
	require.NoError(t, err)
	assert.Empty(t, names)
}
