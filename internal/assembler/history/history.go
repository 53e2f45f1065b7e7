// Package history records every partition trie the builder publishes in
// PostgreSQL so operators can see what was built, when, and how large it was.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/postgres"
)

// Build describes one persisted partition trie.
type Build struct {
	TargetID    string        `json:"target_id"`
	Partition   string        `json:"partition"`
	PhraseCount int           `json:"phrase_count"`
	NodeCount   int           `json:"node_count"`
	BlobPath    string        `json:"blob_path"`
	BlobSize    int64         `json:"blob_size"`
	Duration    time.Duration `json:"duration"`
	BuiltAt     time.Time     `json:"built_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS trie_builds (
	id              BIGSERIAL PRIMARY KEY,
	target_id       TEXT        NOT NULL,
	partition_range TEXT        NOT NULL,
	phrase_count    INTEGER     NOT NULL,
	node_count      INTEGER     NOT NULL,
	blob_path       TEXT        NOT NULL,
	blob_size       BIGINT      NOT NULL,
	duration_ms     BIGINT      NOT NULL,
	built_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS trie_builds_target_idx ON trie_builds (target_id);
`

// Store persists builds in the trie_builds table.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "build-history"),
	}
}

// EnsureSchema creates the table and index if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating trie_builds schema: %w", err)
	}
	return nil
}

// Record inserts one build.
func (s *Store) Record(ctx context.Context, b Build) error {
	if b.BuiltAt.IsZero() {
		b.BuiltAt = time.Now().UTC()
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trie_builds
				(target_id, partition_range, phrase_count, node_count, blob_path, blob_size, duration_ms, built_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			b.TargetID, b.Partition, b.PhraseCount, b.NodeCount,
			b.BlobPath, b.BlobSize, b.Duration.Milliseconds(), b.BuiltAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("recording build %s %s: %w", b.TargetID, b.Partition, err)
	}
	s.logger.Debug("build recorded", "target", b.TargetID, "partition", b.Partition)
	return nil
}

// Recent lists the most recent builds, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT target_id, partition_range, phrase_count, node_count, blob_path, blob_size, duration_ms, built_at
		FROM trie_builds
		ORDER BY built_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying build history: %w", err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		var b Build
		var durationMS int64
		if err := rows.Scan(&b.TargetID, &b.Partition, &b.PhraseCount, &b.NodeCount,
			&b.BlobPath, &b.BlobSize, &durationMS, &b.BuiltAt); err != nil {
			return nil, fmt.Errorf("scanning build history: %w", err)
		}
		b.Duration = time.Duration(durationMS) * time.Millisecond
		builds = append(builds, b)
	}
	return builds, rows.Err()
}
