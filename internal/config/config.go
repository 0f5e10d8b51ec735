package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Ingest    IngestConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

// IngestConfig tunes fetching, crawling, chunking and the queue workers.
type IngestConfig struct {
	ChunkSize        int
	ChunkOverlap     int
	BatchSize        int
	FetchTimeout     time.Duration
	CrawlTimeout     time.Duration
	CrawlConcurrency int
	Workers          int
	JobVisibility    time.Duration
	MaxAttempts      int
	UserAgent        string
	MaxFetchBytes    int
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

// BlobDir is where remote file bytes are stored.
func (c Config) BlobDir() string {
	return filepath.Join(c.Storage.DataDir, "blobs")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			ChunkSize:        1000,
			ChunkOverlap:     200,
			BatchSize:        10,
			FetchTimeout:     30 * time.Second,
			CrawlTimeout:     10 * time.Minute,
			CrawlConcurrency: 4,
			Workers:          4,
			JobVisibility:    5 * time.Minute,
			MaxAttempts:      3,
			UserAgent:        "sourcesync/1.0 (+https://github.com/kalambet/sourcesync)",
			MaxFetchBytes:    10 * 1024 * 1024,
		},
		Scheduler: SchedulerConfig{
			Enabled:  false,
			Interval: time.Hour,
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory and environment variables.
//
// On macOS the backend is UserDefaults (domain: com.sourcesync.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/sourcesync/config.json.
//
// Variables from .env never replace variables already set in the
// environment. Environment variables (SOURCESYNC_*) override backend values
// on all platforms.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("reading .env: %w", err)
	}
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be in [0, chunk_size), got %d", c.Ingest.ChunkOverlap)
	}
	// Queue batches hold at most ten messages.
	if c.Ingest.BatchSize <= 0 || c.Ingest.BatchSize > 10 {
		c.Ingest.BatchSize = 10
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	return nil
}
