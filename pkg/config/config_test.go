package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"|mod", "mod|"}, cfg.Assembler.Partitions)
	assert.Equal(t, "4_with_weight_ordered", cfg.Assembler.CorpusStage)
	assert.Equal(t, "5_tries", cfg.Assembler.TrieStage)
	assert.Equal(t, time.Minute, cfg.Distributor.JoinInterval)
	assert.Equal(t, 30*time.Minute, cfg.Frontend.CacheTTL)
	assert.Equal(t, "phrases", cfg.Kafka.Topics.Phrases)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
distributor:
  nodesPerPartition: 3
  joinInterval: 15s
assembler:
  partitions: ["|g", "g|t", "t|"]
blob:
  backend: minio
  endpoint: localhost:9000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("AC_ADVERTISE_ADDRESS", "replica-7:8001")
	t.Setenv("AC_LOGGING_LEVEL", "debug")
	t.Setenv("AC_METRICS_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Distributor.NodesPerPartition)
	assert.Equal(t, 15*time.Second, cfg.Distributor.JoinInterval)
	assert.Equal(t, []string{"|g", "g|t", "t|"}, cfg.Assembler.Partitions)
	assert.Equal(t, "replica-7:8001", cfg.Distributor.AdvertiseAddress)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "minio", cfg.Blob.Backend)
	assert.Equal(t, "phrases", cfg.Blob.Bucket)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateDistributor(t *testing.T) {
	cfg := defaultConfig()
	require.Error(t, cfg.ValidateDistributor(), "nodes per partition has no default")

	cfg.Distributor.NodesPerPartition = 2
	require.NoError(t, cfg.ValidateDistributor())

	cfg.Coordination.Addr = ""
	require.Error(t, cfg.ValidateDistributor())
}

func TestValidateCoordinationSessionTTL(t *testing.T) {
	cfg := defaultConfig()
	cfg.Coordination.SessionTTL = cfg.Coordination.HeartbeatInterval
	require.Error(t, cfg.ValidateCoordination())
}

func TestValidateBlob(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.ValidateBlob())

	cfg.Blob.Backend = "minio"
	cfg.Blob.Endpoint = ""
	require.Error(t, cfg.ValidateBlob())

	cfg.Blob.Backend = "s3"
	require.NoError(t, cfg.ValidateBlob())

	cfg.Blob.Backend = "hdfs"
	require.Error(t, cfg.ValidateBlob())
}
