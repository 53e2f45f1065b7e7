package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("coordination", PingCheck(func(context.Context) error { return nil }))
	c.Register("cache", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded}
	})

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Len(t, report.Components, 2)

	c.Register("membership", CondCheck(func() bool { return false }, "not serving a partition"))
	report = c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, "not serving a partition", report.Components["membership"].Message)
}

func TestReadyHandler(t *testing.T) {
	active := false
	c := NewChecker()
	c.Register("membership", CondCheck(func() bool { return active }, "idle"))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	active = true
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusUp, report.Status)
}

func TestPingCheckReportsError(t *testing.T) {
	got := PingCheck(func(context.Context) error { return errors.New("connection refused") })(context.Background())
	assert.Equal(t, StatusDown, got.Status)
	assert.Equal(t, "connection refused", got.Message)
}
