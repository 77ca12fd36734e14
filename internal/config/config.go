package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const Prefix = "TASKGRAPH"

// Config struct for environment variables.
type Config struct {
	LogLevel     string `envconfig:"LOG_LEVEL" default:"INFO"`
	ManifestPath string `envconfig:"MANIFEST_PATH"`
	TargetDir    string `envconfig:"TARGET_DIR" required:"true"`
	CacheDir     string `envconfig:"CACHE_DIR" default:".taskgraph/cache"`
	DBPath       string `envconfig:"DB_PATH" default:".taskgraph/taskgraph.db"`
	// CacheIndex selects where cache records are kept: sqlite or redis.
	CacheIndex string `envconfig:"CACHE_INDEX" default:"sqlite"`
	RedisURL   string `envconfig:"REDIS_URL"`
	NodeID     int64  `envconfig:"NODE_ID" default:"1"`

	// FetchConcurrency of 0 sizes the fetch pool from the number of CPUs.
	FetchConcurrency int           `envconfig:"FETCH_CONCURRENCY" default:"0"`
	IOWorkers        int           `envconfig:"IO_WORKERS" default:"4"`
	FetchRetry       int           `envconfig:"FETCH_RETRY" default:"3"`
	ConnectTimeout   time.Duration `envconfig:"CONNECT_TIMEOUT" default:"8s"`
	ReadTimeout      time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	Segments         int           `envconfig:"SEGMENTS" default:"4"`
	// SegmentThreshold is the size above which artifacts are fetched in
	// ranges.
	SegmentThreshold int64         `envconfig:"SEGMENT_THRESHOLD" default:"33554432"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	Strategy         string        `envconfig:"STRATEGY" default:"future"`

	KeepCachedFor   time.Duration `envconfig:"KEEP_CACHED_FOR" default:"720h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	PutioToken    string `envconfig:"PUTIO_TOKEN"`
	PutioFolderID int64  `envconfig:"PUTIO_FOLDER_ID" default:"0"`

	Web struct {
		Enabled         bool          `split_words:"true" default:"true"`
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"taskgraph"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads a .env file when one exists, then environment variables
// prefixed with TASKGRAPH_, and populates the Config struct.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.CacheIndex {
	case "sqlite":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when CACHE_INDEX is redis")
		}
	default:
		return fmt.Errorf("unknown cache index %q", c.CacheIndex)
	}

	if c.Segments < 1 {
		return fmt.Errorf("SEGMENTS must be at least 1, got %d", c.Segments)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
