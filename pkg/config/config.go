// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Coordination, Blob, Kafka, Redis, Postgres, Assembler,
// Distributor, Frontend, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Blob         BlobConfig         `yaml:"blob"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Assembler    AssemblerConfig    `yaml:"assembler"`
	Distributor  DistributorConfig  `yaml:"distributor"`
	Frontend     FrontendConfig     `yaml:"frontend"`
	Collector    CollectorConfig    `yaml:"collector"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// CoordinationConfig holds the Redis connection used as the hierarchical
// metadata store, plus session liveness settings for ephemeral nodes.
type CoordinationConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	KeyPrefix         string        `yaml:"keyPrefix"`
	SessionTTL        time.Duration `yaml:"sessionTTL"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// BlobConfig selects and configures the blob storage backend.
// Backend is one of "local", "memory", "minio" or "s3".
type BlobConfig struct {
	Backend   string `yaml:"backend"`
	LocalRoot string `yaml:"localRoot"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Phrases string `yaml:"phrases"`
}

// RedisConfig holds Redis connection and caching parameters for the
// routing tier's cache-aside layer.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// PostgresConfig holds PostgreSQL connection parameters for build history.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// AssemblerConfig controls how tries are built from the ordered corpus.
// Partitions is an ordered list of "start|end" ranges; an empty bound is
// open.
type AssemblerConfig struct {
	Partitions       []string      `yaml:"partitions"`
	CorpusStage      string        `yaml:"corpusStage"`
	CorpusFile       string        `yaml:"corpusFile"`
	TrieStage        string        `yaml:"trieStage"`
	SinkStage        string        `yaml:"sinkStage"`
	Compression      string        `yaml:"compression"`
	BuildConcurrency int           `yaml:"buildConcurrency"`
	SinkBatchSize    int           `yaml:"sinkBatchSize"`
	SinkFlush        time.Duration `yaml:"sinkFlush"`
}

// DistributorConfig controls replica membership and target promotion.
type DistributorConfig struct {
	NodesPerPartition int           `yaml:"nodesPerPartition"`
	JoinInterval      time.Duration `yaml:"joinInterval"`
	ApplyInterval     time.Duration `yaml:"applyInterval"`
	AdvertiseAddress  string        `yaml:"advertiseAddress"`
	LoadTimeout       time.Duration `yaml:"loadTimeout"`
}

// FrontendConfig controls the routing tier.
type FrontendConfig struct {
	CacheEnabled   bool          `yaml:"cacheEnabled"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
	BackendTimeout time.Duration `yaml:"backendTimeout"`
}

// CollectorConfig controls the phrase collection front door.
type CollectorConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads .env files, a YAML config file (if provided) and applies
// environment-variable overrides. It returns a Config populated with
// sensible defaults for any missing values.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8001,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Coordination: CoordinationConfig{
			Addr:              "localhost:6379",
			DB:                1,
			KeyPrefix:         "coord:",
			SessionTTL:        10 * time.Second,
			HeartbeatInterval: 3 * time.Second,
		},
		Blob: BlobConfig{
			Backend:   "local",
			LocalRoot: "data/blobs",
			Region:    "us-east-1",
			Bucket:    "phrases",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "phrases-sink",
			Topics: KafkaTopics{
				Phrases: "phrases",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 30 * time.Minute,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "autocomplete",
			User:            "autocomplete",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Assembler: AssemblerConfig{
			Partitions:       []string{"|mod", "mod|"},
			CorpusStage:      "4_with_weight_ordered",
			CorpusFile:       "part-r-00000",
			TrieStage:        "5_tries",
			SinkStage:        "1_sink",
			Compression:      "zstd",
			BuildConcurrency: 2,
			SinkBatchSize:    1000,
			SinkFlush:        30 * time.Second,
		},
		Distributor: DistributorConfig{
			JoinInterval:  time.Minute,
			ApplyInterval: time.Minute,
			LoadTimeout:   2 * time.Minute,
		},
		Frontend: FrontendConfig{
			CacheEnabled:   true,
			CacheTTL:       30 * time.Minute,
			BackendTimeout: 2 * time.Second,
		},
		Collector: CollectorConfig{
			RatePerSecond: 500,
			Burst:         1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// ValidateCoordination reports missing coordination-store parameters.
func (c *Config) ValidateCoordination() error {
	if strings.TrimSpace(c.Coordination.Addr) == "" {
		return errors.New("coordination.addr is required")
	}
	if c.Coordination.SessionTTL <= c.Coordination.HeartbeatInterval {
		return fmt.Errorf("coordination.sessionTTL (%v) must exceed heartbeatInterval (%v)",
			c.Coordination.SessionTTL, c.Coordination.HeartbeatInterval)
	}
	return nil
}

// ValidateDistributor reports missing replica/applier parameters. The
// number of nodes per partition has no safe default and must be set.
func (c *Config) ValidateDistributor() error {
	if err := c.ValidateCoordination(); err != nil {
		return err
	}
	if c.Distributor.NodesPerPartition <= 0 {
		return errors.New("distributor.nodesPerPartition must be a positive integer")
	}
	return nil
}

// ValidateBlob reports missing blob-storage parameters for the selected
// backend.
func (c *Config) ValidateBlob() error {
	switch c.Blob.Backend {
	case "local":
		if c.Blob.LocalRoot == "" {
			return errors.New("blob.localRoot is required for the local backend")
		}
	case "memory":
	case "minio":
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			return errors.New("blob.endpoint and blob.bucket are required for the minio backend")
		}
	case "s3":
		if c.Blob.Bucket == "" {
			return errors.New("blob.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown blob backend %q (expected local, memory, minio or s3)", c.Blob.Backend)
	}
	return nil
}

// applyEnvOverrides reads AC_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AC_COORDINATION_ADDR"); v != "" {
		cfg.Coordination.Addr = v
	}
	if v := os.Getenv("AC_COORDINATION_PASSWORD"); v != "" {
		cfg.Coordination.Password = v
	}
	if v := os.Getenv("AC_BLOB_BACKEND"); v != "" {
		cfg.Blob.Backend = v
	}
	if v := os.Getenv("AC_BLOB_LOCAL_ROOT"); v != "" {
		cfg.Blob.LocalRoot = v
	}
	if v := os.Getenv("AC_BLOB_ENDPOINT"); v != "" {
		cfg.Blob.Endpoint = v
	}
	if v := os.Getenv("AC_BLOB_ACCESS_KEY"); v != "" {
		cfg.Blob.AccessKey = v
	}
	if v := os.Getenv("AC_BLOB_SECRET_KEY"); v != "" {
		cfg.Blob.SecretKey = v
	}
	if v := os.Getenv("AC_BLOB_BUCKET"); v != "" {
		cfg.Blob.Bucket = v
	}
	if v := os.Getenv("AC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("AC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AC_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("AC_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("AC_POSTGRES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = b
		}
	}
	if v := os.Getenv("AC_ASSEMBLER_PARTITIONS"); v != "" {
		cfg.Assembler.Partitions = strings.Split(v, ",")
	}
	if v := os.Getenv("AC_NODES_PER_PARTITION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Distributor.NodesPerPartition = n
		}
	}
	if v := os.Getenv("AC_ADVERTISE_ADDRESS"); v != "" {
		cfg.Distributor.AdvertiseAddress = v
	}
	if v := os.Getenv("AC_FRONTEND_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Frontend.CacheEnabled = b
		}
	}
	if v := os.Getenv("AC_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("AC_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AC_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
