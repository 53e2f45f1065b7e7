package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/distributor/api"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/resilience"
)

// Client queries replicas over HTTP, guarding each address with its own
// circuit breaker.
type Client struct {
	http     *http.Client
	timeout  time.Duration
	breaker  resilience.CircuitBreakerConfig
	breakers *xsync.MapOf[string, *resilience.CircuitBreaker]
	logger   *slog.Logger
}

func NewClient(timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		http:    &http.Client{},
		timeout: timeout,
		breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     10 * time.Second,
			OnStateChange: func(name string, to resilience.State) {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		},
		breakers: xsync.NewMapOf[string, *resilience.CircuitBreaker](),
		logger:   slog.Default().With("component", "replica-client"),
	}
}

func (c *Client) breakerFor(addr string) *resilience.CircuitBreaker {
	cb, _ := c.breakers.LoadOrCompute(addr, func() *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker("replica:"+addr, c.breaker)
	})
	return cb
}

// TopPhrases asks the replica at addr for the top phrases of prefix.
func (c *Client) TopPhrases(ctx context.Context, addr, prefix string) ([]string, error) {
	var phrases []string
	err := c.breakerFor(addr).Execute(func() error {
		return resilience.WithTimeout(ctx, c.timeout, "replica "+addr, func(ctx context.Context) error {
			got, err := c.fetch(ctx, addr, prefix)
			if err == nil {
				phrases = got
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return phrases, nil
}

func (c *Client) fetch(ctx context.Context, addr, prefix string) ([]string, error) {
	u := baseURL(addr) + "/top-phrases?prefix=" + url.QueryEscape(prefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", addr, err)
	}
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying replica %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("replica %s returned %d: %s", addr, resp.StatusCode, body.Message)
	}
	var body api.TopPhrasesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding replica %s response: %w", addr, err)
	}
	return body.Data.TopPhrases, nil
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}
