package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SOURCESYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "SOURCESYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SOURCESYNC_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "SOURCESYNC_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SOURCESYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "SOURCESYNC_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "SOURCESYNC_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.batch_size", typ: kInt, env: "SOURCESYNC_INGEST_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.BatchSize },
	},
	{
		key: "ingest.fetch_timeout", typ: kDuration, env: "SOURCESYNC_INGEST_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.FetchTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.FetchTimeout },
	},
	{
		key: "ingest.crawl_timeout", typ: kDuration, env: "SOURCESYNC_INGEST_CRAWL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.CrawlTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.CrawlTimeout },
	},
	{
		key: "ingest.crawl_concurrency", typ: kInt, env: "SOURCESYNC_INGEST_CRAWL_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.CrawlConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.CrawlConcurrency },
	},
	{
		key: "ingest.workers", typ: kInt, env: "SOURCESYNC_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.job_visibility", typ: kDuration, env: "SOURCESYNC_INGEST_JOB_VISIBILITY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.JobVisibility = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.JobVisibility },
	},
	{
		key: "ingest.max_attempts", typ: kInt, env: "SOURCESYNC_INGEST_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxAttempts },
	},
	{
		key: "ingest.user_agent", typ: kString, env: "SOURCESYNC_INGEST_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.UserAgent },
	},
	{
		key: "ingest.max_fetch_bytes", typ: kInt, env: "SOURCESYNC_INGEST_MAX_FETCH_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxFetchBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxFetchBytes },
	},
	{
		key: "scheduler.enabled", typ: kBool, env: "SOURCESYNC_SCHEDULER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.Enabled },
	},
	{
		key: "scheduler.interval", typ: kDuration, env: "SOURCESYNC_SCHEDULER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.Interval },
	},
}

// parse converts a raw string into the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err == nil && d <= 0 {
			err = fmt.Errorf("duration must be positive")
		}
		return d, err
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || v == "" {
			continue
		}
		parsed, err := s.parse(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			continue
		}
		s.apply(cfg, parsed)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		parsed, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, parsed)
	}
}
