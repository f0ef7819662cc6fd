package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// AdminPort serves the scheduler's health and run-status endpoints.
	AdminPort string `yaml:"admin_port"`
}

type SyncConfig struct {
	// MaxPerFolder caps messages fetched from a single folder per run.
	MaxPerFolder int `yaml:"max_per_folder"`
	// MaxPerRun caps messages fetched across all folders of one account run.
	MaxPerRun int `yaml:"max_per_run"`
	// EmbedAtFetch attaches embedding vectors at insert time when the
	// embedding service is reachable.
	EmbedAtFetch bool `yaml:"embed_at_fetch"`
	// RetentionDays is how long soft-deleted records are kept before purge.
	RetentionDays int `yaml:"retention_days"`
	// SchedulerIntervalSec is how often the scheduler enqueues due accounts.
	SchedulerIntervalSec int `yaml:"scheduler_interval_sec"`
}

type PipelineConfig struct {
	BatchLimit        int     `yaml:"batch_limit"`
	RunTimeoutSec     int     `yaml:"run_timeout_sec"`
	// MaxStageRetries caps how many times a record parked by a stage
	// failure is offered back to that stage on later runs.
	MaxStageRetries   int     `yaml:"max_stage_retries"`
	ChunkSize         int     `yaml:"chunk_size"`
	ChunkOverlap      int     `yaml:"chunk_overlap"`
	MaxTranslateChars int     `yaml:"max_translate_chars"`
	ContextMaxBytes   int     `yaml:"context_max_bytes"`
	ContextHistory    int     `yaml:"context_history"`
	OverrideConfidence float64 `yaml:"override_confidence"`
	AutoTagThreshold  float64 `yaml:"auto_tag_threshold"`
	SuggestTagThreshold float64 `yaml:"suggest_tag_threshold"`
	MaxTagsPerMessage int     `yaml:"max_tags_per_message"`
}

type ServiceEndpoint struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// External marks a remotely hosted deployment. An external classifier
	// must never receive unmasked content.
	External bool `yaml:"external"`
}

type ServicesConfig struct {
	Classifier ServiceEndpoint `yaml:"classifier"`
	Anonymizer ServiceEndpoint `yaml:"anonymizer"`
	Translator ServiceEndpoint `yaml:"translator"`
	Embedder   ServiceEndpoint `yaml:"embedder"`
}

type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffBaseSec int `yaml:"backoff_base_sec"`
	BackoffMaxSec  int `yaml:"backoff_max_sec"`
}

type CryptoConfig struct {
	// Key is the hex-encoded 256-bit content encryption key.
	Key string `yaml:"key"`
}

type Config struct {
	DB       DBConfig       `yaml:"db"`
	MQ       MQConfig       `yaml:"mq"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Sync     SyncConfig     `yaml:"sync"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Services ServicesConfig `yaml:"services"`
	Retry    RetryConfig    `yaml:"retry"`
	Crypto   CryptoConfig   `yaml:"crypto"`
}

func (c *PipelineConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSec) * time.Second
}

func (c *RetryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

func (c *RetryConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSec) * time.Second
}

func Load() *Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	cfg := defaults()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		log.Fatalf("failed to decode %s: %v", path, err)
	}

	overrideFromEnv(cfg)

	return cfg
}

func defaults() *Config {
	return &Config{
		DB: DBConfig{
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 2,
		},
		Server: ServerConfig{
			Port:      "8090",
			AdminPort: "8091",
		},
		Sync: SyncConfig{
			MaxPerFolder:         500,
			MaxPerRun:            2000,
			RetentionDays:        30,
			SchedulerIntervalSec: 300,
		},
		Pipeline: PipelineConfig{
			BatchLimit:          200,
			RunTimeoutSec:       600,
			MaxStageRetries:     3,
			ChunkSize:           2000,
			ChunkOverlap:        200,
			MaxTranslateChars:   8000,
			ContextMaxBytes:     4096,
			ContextHistory:      5,
			OverrideConfidence:  0.8,
			AutoTagThreshold:    0.85,
			SuggestTagThreshold: 0.7,
			MaxTagsPerMessage:   3,
		},
		Retry: RetryConfig{
			MaxAttempts:    4,
			BackoffBaseSec: 30,
			BackoffMaxSec:  1800,
		},
	}
}

func overrideFromEnv(cfg *Config) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if key := os.Getenv("CONTENT_KEY"); key != "" {
		cfg.Crypto.Key = key
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
}
