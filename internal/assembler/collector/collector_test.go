package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/middleware"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, e kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Apple", "apple"},
		{"  Mod|y Pie ", "mody pie"},
		{"|||", ""},
		{"ÁRVORE", "árvore"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("apple pie"))
	assert.ErrorIs(t, Validate(""), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, Validate(strings.Repeat("a", MaxPhraseLength+1)), apperrors.ErrInvalidInput)
	assert.NoError(t, Validate(strings.Repeat("a", MaxPhraseLength)))
	assert.ErrorIs(t, Validate("a\tb"), apperrors.ErrInvalidInput)
}

func TestCollectPublishesNormalizedPhrase(t *testing.T) {
	pub := &fakePublisher{}
	c := New(pub, metrics.NewNop())

	phrase, err := c.Collect(context.Background(), " Apple|Pie ")
	require.NoError(t, err)
	assert.Equal(t, "applepie", phrase)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "applepie", pub.events[0].Key)
	assert.Equal(t, PhraseEvent{Phrase: "applepie"}, pub.events[0].Value)
}

func TestHandler(t *testing.T) {
	pub := &fakePublisher{}
	mux := http.NewServeMux()
	NewHandler(New(pub, metrics.NewNop())).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/collect-phrase?phrase=Apple", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","message":"Phrase sent for collection"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/collect-phrase", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	pub.err = errors.New("broker down")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/collect-phrase?phrase=x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"status":"error","message":"An error occurred when processing the request"}`, rec.Body.String())

	assert.Len(t, pub.events, 1)
}

func TestHandlerRateLimited(t *testing.T) {
	pub := &fakePublisher{}
	mux := http.NewServeMux()
	NewHandler(New(pub, metrics.NewNop())).RegisterRoutes(mux)
	h := middleware.Chain(mux, middleware.RequestID, middleware.RateLimit(1, 1))

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/collect-phrase?phrase=a", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}
