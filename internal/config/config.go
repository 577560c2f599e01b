// Package config resolves the process configuration once at startup:
// defaults, then an optional YAML file, then DEVMESH_* environment
// overrides. There is no mid-flight reconfiguration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Canon     CanonConfig     `yaml:"canon"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Cache     CacheConfig     `yaml:"cache"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Retention RetentionConfig `yaml:"retention"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"` // empty disables auth
}

type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	EmbedModel     string `yaml:"embed_model"`
	EmbedDim       int    `yaml:"embed_dim"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	BatchSize      int    `yaml:"batch_size"`
	Concurrency    int    `yaml:"concurrency"`
	BatchDelayMS   int    `yaml:"batch_delay_ms"`
}

type CanonConfig struct {
	Version string `yaml:"version"`
}

type IngestConfig struct {
	MaxBatches           int `yaml:"max_batches"`
	SkewToleranceSeconds int `yaml:"skew_tolerance_seconds"`
}

type CacheConfig struct {
	Capacity   int `yaml:"capacity"`
	WarmOnBoot int `yaml:"warm_on_boot"`
}

type BackfillConfig struct {
	BatchSize       int `yaml:"batch_size"`
	DelaySeconds    int `yaml:"delay_seconds"`
	MaxRows         int `yaml:"max_rows"`
	IntervalMinutes int `yaml:"interval_minutes"` // 0 disables the in-server loop
}

type RetentionConfig struct {
	Days      int `yaml:"days"`
	BatchSize int `yaml:"batch_size"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr: "0.0.0.0",
			Port: 8000,
		},
		Gateway: GatewayConfig{
			BaseURL:        "http://192.168.1.184:8001",
			EmbedModel:     "qwen3-embedding:8b",
			EmbedDim:       4096,
			TimeoutSeconds: 60,
			BatchSize:      50,
			Concurrency:    2,
		},
		Canon: CanonConfig{
			Version: "v1",
		},
		Ingest: IngestConfig{
			MaxBatches:           4,
			SkewToleranceSeconds: 300,
		},
		Cache: CacheConfig{
			Capacity:   100000,
			WarmOnBoot: 10000,
		},
		Backfill: BackfillConfig{
			BatchSize:       100,
			DelaySeconds:    2,
			MaxRows:         10000,
			IntervalMinutes: 360,
		},
		Retention: RetentionConfig{
			Days:      90,
			BatchSize: 5000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "devmesh-data"
		}
	}
	return filepath.Join(dir, "devmesh")
}

// Load resolves the configuration: defaults, the YAML file named by
// DEVMESH_CONFIG (if set), then DEVMESH_* environment overrides.
func Load() (Config, error) {
	return loadWith(os.Getenv("DEVMESH_CONFIG"), os.Getenv)
}

func loadWith(configPath string, getenv func(string) string) (Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(&cfg, getenv)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("DEVMESH_ADDR", &cfg.Server.Addr)
	setInt("DEVMESH_PORT", &cfg.Server.Port)
	setString("DEVMESH_API_KEY", &cfg.Server.APIKey)
	setString("DEVMESH_GATEWAY_URL", &cfg.Gateway.BaseURL)
	setString("DEVMESH_EMBEDDING_MODEL", &cfg.Gateway.EmbedModel)
	setInt("DEVMESH_EMBEDDING_DIM", &cfg.Gateway.EmbedDim)
	setInt("DEVMESH_EMBEDDING_TIMEOUT", &cfg.Gateway.TimeoutSeconds)
	setInt("DEVMESH_EMBEDDING_BATCH_SIZE", &cfg.Gateway.BatchSize)
	setInt("DEVMESH_EMBEDDING_CONCURRENCY", &cfg.Gateway.Concurrency)
	setString("DEVMESH_CANON_VERSION", &cfg.Canon.Version)
	setInt("DEVMESH_INGEST_MAX_BATCHES", &cfg.Ingest.MaxBatches)
	setInt("DEVMESH_CACHE_CAPACITY", &cfg.Cache.Capacity)
	setInt("DEVMESH_RETENTION_DAYS", &cfg.Retention.Days)
	setString("DEVMESH_DATA_DIR", &cfg.Storage.DataDir)
	setString("DEVMESH_LOG_LEVEL", &cfg.Log.Level)
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base URL is required")
	}
	if cfg.Gateway.EmbedDim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", cfg.Gateway.EmbedDim)
	}
	if cfg.Retention.Days <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", cfg.Retention.Days)
	}
	return nil
}

// EmbedTimeout returns the gateway timeout as a duration.
func (c Config) EmbedTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// EmbedBatchDelay returns the inter-batch delay as a duration.
func (c Config) EmbedBatchDelay() time.Duration {
	return time.Duration(c.Gateway.BatchDelayMS) * time.Millisecond
}

// SkewTolerance returns the ingest clock-skew allowance as a duration.
func (c Config) SkewTolerance() time.Duration {
	return time.Duration(c.Ingest.SkewToleranceSeconds) * time.Second
}

// RetentionHorizon returns the retention window as a duration.
func (c Config) RetentionHorizon() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// BackfillDelay returns the safety-net inter-batch pause as a duration.
func (c Config) BackfillDelay() time.Duration {
	return time.Duration(c.Backfill.DelaySeconds) * time.Second
}

// BackfillInterval returns the in-server safety-net cadence; zero disables
// the loop.
func (c Config) BackfillInterval() time.Duration {
	return time.Duration(c.Backfill.IntervalMinutes) * time.Minute
}
