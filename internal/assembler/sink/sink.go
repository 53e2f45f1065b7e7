// Package sink writes batches of collected phrases from Kafka into blob
// storage as newline-delimited files grouped by hour.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/assembler/collector"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/layout"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/resilience"
)

// WindowLayout formats the hourly directory a phrase is filed under.
const WindowLayout = "2006010215"

type Sink struct {
	stage   string
	blobs   blob.Store
	metrics *metrics.Metrics
	retry   resilience.RetryConfig
	now     func() time.Time
	logger  *slog.Logger
}

func New(stage string, blobs blob.Store, m *metrics.Metrics) *Sink {
	return &Sink{
		stage:   stage,
		blobs:   blobs,
		metrics: m,
		now:     time.Now,
		logger:  slog.Default().With("component", "phrase-sink"),
	}
}

// Handle is a kafka.BatchHandler. Malformed messages are dropped; a blob
// write failure fails the whole batch so it is redelivered.
func (s *Sink) Handle(ctx context.Context, batch []kafka.Message) error {
	windows := make(map[string]*bytes.Buffer)
	dropped := 0
	for _, msg := range batch {
		ev, err := kafka.DecodeJSON[collector.PhraseEvent](msg.Value)
		if err != nil || collector.Validate(ev.Phrase) != nil {
			dropped++
			continue
		}
		ts := msg.Time
		if ts.IsZero() {
			ts = s.now()
		}
		window := ts.UTC().Format(WindowLayout)
		buf, ok := windows[window]
		if !ok {
			buf = &bytes.Buffer{}
			windows[window] = buf
		}
		buf.WriteString(ev.Phrase)
		buf.WriteByte('\n')
	}
	if dropped > 0 {
		s.logger.Warn("dropped malformed phrase messages", "count", dropped)
	}

	keys := make([]string, 0, len(windows))
	for k := range windows {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	file := strconv.FormatInt(s.now().UnixNano(), 10)
	for _, window := range keys {
		name := layout.Sink(s.stage, window, file)
		data := windows[window].Bytes()
		err := resilience.Retry(ctx, "write phrase batch", s.retry, func() error {
			return blob.PutBytes(ctx, s.blobs, name, data)
		})
		if err != nil {
			s.metrics.SinkFlushesTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("writing %s: %w", name, err)
		}
		s.metrics.SinkFlushesTotal.WithLabelValues("success").Inc()
		s.logger.Info("phrase batch written", "blob", name, "bytes", len(data))
	}
	return nil
}
