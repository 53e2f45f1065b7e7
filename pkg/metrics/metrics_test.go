package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.JoinOutcomesTotal.WithLabelValues("joined").Inc()
	m.JoinOutcomesTotal.WithLabelValues("race_lost").Add(2)
	m.MembershipState.Set(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JoinOutcomesTotal.WithLabelValues("joined")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JoinOutcomesTotal.WithLabelValues("race_lost")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MembershipState))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewNopIsolated(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
