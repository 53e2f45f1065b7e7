// Command loadtest drives prefix lookups against the routing tier and,
// optionally, phrase submissions against the collector, then reports
// throughput, latency percentiles and status codes.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8003 -concurrency 20 -duration 30s
//	go run ./cmd/loadtest -collect-url http://localhost:8004 -collect-every 10
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL      string
	CollectURL   string
	CollectEvery int
	Concurrency  int
	Duration     time.Duration
	RPS          float64
	Phrases      []string
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	emptyCount    atomic.Int64
	collected     atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   *xsync.MapOf[int, *atomic.Int64]
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: xsync.NewMapOf[int, *atomic.Int64](),
	}
}

func (s *Stats) RecordRequest(duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)
	if err != nil {
		s.errorCount.Add(1)
		return
	}
	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	counter, _ := s.statusCodes.LoadOrCompute(statusCode, func() *atomic.Int64 { return &atomic.Int64{} })
	counter.Add(1)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8003", "base URL of the frontend")
	collectURL := flag.String("collect-url", "", "base URL of the collector (empty disables submissions)")
	collectEvery := flag.Int("collect-every", 10, "submit one phrase per this many lookups")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	rps := flag.Float64("rps", 0, "overall request rate limit (0 is unlimited)")
	flag.Parse()

	cfg := Config{
		BaseURL:      *baseURL,
		CollectURL:   *collectURL,
		CollectEvery: max(*collectEvery, 1),
		Concurrency:  *concurrency,
		Duration:     *duration,
		RPS:          *rps,
		Phrases: []string{
			"apple pie recipe",
			"apply for passport",
			"april weather",
			"modern art museum",
			"mortgage calculator",
			"zebra facts",
			"how to tie a tie",
			"best pizza near me",
			"python tutorial",
			"world cup schedule",
		},
	}

	fmt.Println("=== Phrase Autocomplete Load Test ===")
	fmt.Printf("Frontend:    %s\n", cfg.BaseURL)
	if cfg.CollectURL != "" {
		fmt.Printf("Collector:   %s (1 in %d)\n", cfg.CollectURL, cfg.CollectEvery)
	}
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

// prefixes expands every phrase into its non-empty prefixes, the sequence a
// user produces while typing.
func prefixes(phrases []string) []string {
	var out []string
	for _, p := range phrases {
		for i := 1; i <= len(p); i++ {
			out = append(out, p[:i])
		}
	}
	return out
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	limiter := rate.NewLimiter(limit, cfg.Concurrency)
	queries := prefixes(cfg.Phrases)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	fmt.Print("Running")
	for w := range cfg.Concurrency {
		g.Go(func() error {
			for i := w; ; i++ {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				prefix := queries[i%len(queries)]
				lookup(gctx, client, cfg.BaseURL, prefix, stats)
				if cfg.CollectURL != "" && i%cfg.CollectEvery == 0 {
					collect(gctx, client, cfg.CollectURL, cfg.Phrases[i%len(cfg.Phrases)], stats)
				}
			}
		})
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	_ = g.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func lookup(ctx context.Context, client *http.Client, baseURL, prefix string, stats *Stats) {
	u := fmt.Sprintf("%s/top-phrases?prefix=%s", baseURL, url.QueryEscape(prefix))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		stats.RecordRequest(0, 0, err)
		return
	}
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			stats.RecordRequest(elapsed, 0, err)
		}
		return
	}
	defer resp.Body.Close()

	var body struct {
		Data struct {
			TopPhrases []string `json:"top_phrases"`
		} `json:"data"`
	}
	if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&body) == nil && len(body.Data.TopPhrases) == 0 {
		stats.emptyCount.Add(1)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	stats.RecordRequest(elapsed, resp.StatusCode, nil)
}

func collect(ctx context.Context, client *http.Client, baseURL, phrase string, stats *Stats) {
	u := fmt.Sprintf("%s/collect-phrase?phrase=%s", baseURL, url.QueryEscape(phrase))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		stats.collected.Add(1)
	}
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Lookups:   %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Empty Results:   %d\n", stats.emptyCount.Load())
	fmt.Printf("Errors:          %d\n", errors)
	fmt.Printf("Phrases Sent:    %d\n", stats.collected.Load())

	if total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(errors)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	stats.latenciesMu.Lock()
	latencies := slices.Clone(stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	var codes []int
	stats.statusCodes.Range(func(code int, _ *atomic.Int64) bool {
		codes = append(codes, code)
		return true
	})
	slices.Sort(codes)
	for _, code := range codes {
		n, _ := stats.statusCodes.Load(code)
		fmt.Printf("  %d: %d\n", code, n.Load())
	}

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the frontend running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
