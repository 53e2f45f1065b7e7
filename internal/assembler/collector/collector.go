// Package collector accepts phrases typed by users and publishes them to
// Kafka, where the sink batches them into blob storage for the offline
// aggregation stages.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
)

// MaxPhraseLength is the longest accepted phrase in bytes, after
// normalization.
const MaxPhraseLength = 256

// PhraseEvent is the Kafka message value for one collected phrase.
type PhraseEvent struct {
	Phrase string `json:"phrase"`
}

// Normalize lowercases phrase, removes "|" (it separates range bounds in
// partition names) and trims surrounding whitespace.
func Normalize(phrase string) string {
	phrase = strings.ToLower(phrase)
	phrase = strings.ReplaceAll(phrase, "|", "")
	return strings.TrimSpace(phrase)
}

// Validate checks a normalized phrase.
func Validate(phrase string) error {
	switch {
	case phrase == "":
		return fmt.Errorf("%w: phrase is required", apperrors.ErrInvalidInput)
	case len(phrase) > MaxPhraseLength:
		return fmt.Errorf("%w: phrase must be at most %d bytes", apperrors.ErrInvalidInput, MaxPhraseLength)
	case strings.ContainsAny(phrase, "\t\n\r"):
		return fmt.Errorf("%w: phrase must be a single line without tabs", apperrors.ErrInvalidInput)
	}
	return nil
}

type Collector struct {
	publisher kafka.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(pub kafka.Publisher, m *metrics.Metrics) *Collector {
	return &Collector{
		publisher: pub,
		metrics:   m,
		logger:    slog.Default().With("component", "collector"),
	}
}

// Collect normalizes, validates and publishes one phrase. It returns the
// phrase as published.
func (c *Collector) Collect(ctx context.Context, raw string) (string, error) {
	phrase := Normalize(raw)
	if err := Validate(phrase); err != nil {
		c.metrics.PhrasesCollectedTotal.WithLabelValues("rejected").Inc()
		return "", err
	}
	err := c.publisher.Publish(ctx, kafka.Event{
		Key:   phrase,
		Value: PhraseEvent{Phrase: phrase},
	})
	if err != nil {
		c.metrics.PhrasesCollectedTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("publishing phrase: %w", err)
	}
	c.metrics.PhrasesCollectedTotal.WithLabelValues("accepted").Inc()
	return phrase, nil
}
