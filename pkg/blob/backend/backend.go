// Package backend opens the blob store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob/minio"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob/s3"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
)

// Open returns the configured blob.Store.
func Open(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	logger := slog.Default().With("component", "blob")
	switch cfg.Backend {
	case "local":
		logger.Info("using local blob store", "root", cfg.LocalRoot)
		return blob.NewLocalStore(cfg.LocalRoot)
	case "memory":
		logger.Warn("using in-memory blob store; blobs are lost on exit")
		return blob.NewMemoryStore(), nil
	case "minio":
		logger.Info("using minio blob store", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
		return minio.New(ctx, cfg)
	case "s3":
		logger.Info("using s3 blob store", "bucket", cfg.Bucket, "region", cfg.Region)
		return s3.New(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
