// Package config loads and validates backfill service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BACKFILL_GATEWAY_TOKEN.
const EnvPrefix = "BACKFILL"

// Storage backends for image bytes.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Backfill BackfillConfig `mapstructure:"backfill"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// GatewayConfig configures the IPFS gateway client.
type GatewayConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	UserAgent         string        `mapstructure:"user_agent"`
	ContentTimeout    time.Duration `mapstructure:"content_timeout"`
	ImageTimeout      time.Duration `mapstructure:"image_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxContentBytes   int64         `mapstructure:"max_content_bytes"`
	MaxImageBytes     int64         `mapstructure:"max_image_bytes"`
}

// BackfillConfig governs both pipelines.
type BackfillConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	CycleInterval    time.Duration `mapstructure:"cycle_interval"`
	LaunchStagger    time.Duration `mapstructure:"launch_stagger"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	ContentEnabled   bool          `mapstructure:"content_enabled"`
	ImagesEnabled    bool          `mapstructure:"images_enabled"`
}

// DBConfig controls access to the relational store. An empty DSN selects the
// in-memory store, optionally seeded from SeedFile.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	OwnerTable      string        `mapstructure:"owner_table"`
	RecordTable     string        `mapstructure:"record_table"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
	SeedFile        string        `mapstructure:"seed_file"`
}

// StorageConfig selects where image bytes are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	ImageDir  string `mapstructure:"image_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for backfill notifications. An empty topic
// disables publishing; a topic without a project keeps notifications in
// memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the operational HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the rotated file sink.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key needs a default so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.base_url", "https://gateway.pinata.cloud/ipfs")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.user_agent", "ipfs-backfill/1.0")
	v.SetDefault("gateway.content_timeout", 10*time.Second)
	v.SetDefault("gateway.image_timeout", 20*time.Second)
	v.SetDefault("gateway.requests_per_second", 0.0)
	v.SetDefault("gateway.burst", 1)
	v.SetDefault("gateway.max_content_bytes", 10<<20)
	v.SetDefault("gateway.max_image_bytes", 20<<20)

	v.SetDefault("backfill.concurrency", 5)
	v.SetDefault("backfill.max_attempts", 5)
	v.SetDefault("backfill.cycle_interval", time.Second)
	v.SetDefault("backfill.launch_stagger", time.Second)
	v.SetDefault("backfill.rate_limit_backoff", 30*time.Second)
	v.SetDefault("backfill.content_enabled", true)
	v.SetDefault("backfill.images_enabled", true)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("db.owner_table", "Atom")
	v.SetDefault("db.record_table", "atom_ipfs_data")
	v.SetDefault("db.ensure_schema", false)
	v.SetDefault("db.seed_file", "")

	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.image_dir", "data/images")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("server.port", 9090)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Gateway.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("gateway.base_url must be an absolute http(s) URL")
	}
	if c.Gateway.ContentTimeout <= 0 || c.Gateway.ImageTimeout <= 0 {
		return fmt.Errorf("gateway timeouts must be > 0")
	}
	if c.Gateway.RequestsPerSecond < 0 {
		return fmt.Errorf("gateway.requests_per_second must be >= 0")
	}
	if c.Gateway.RequestsPerSecond > 0 && c.Gateway.Burst <= 0 {
		return fmt.Errorf("gateway.burst must be > 0 when rate limiting is enabled")
	}
	if c.Gateway.MaxContentBytes <= 0 || c.Gateway.MaxImageBytes <= 0 {
		return fmt.Errorf("gateway body limits must be > 0")
	}
	if c.Backfill.Concurrency <= 0 {
		return fmt.Errorf("backfill.concurrency must be > 0")
	}
	if c.Backfill.MaxAttempts <= 0 {
		return fmt.Errorf("backfill.max_attempts must be > 0")
	}
	if c.Backfill.CycleInterval <= 0 {
		return fmt.Errorf("backfill.cycle_interval must be > 0")
	}
	if c.Backfill.LaunchStagger < 0 || c.Backfill.RateLimitBackoff < 0 {
		return fmt.Errorf("backfill.launch_stagger and backfill.rate_limit_backoff must be >= 0")
	}
	if c.DB.MaxConns < 0 || c.DB.MinConns < 0 || (c.DB.MaxConns > 0 && c.DB.MinConns > c.DB.MaxConns) {
		return fmt.Errorf("db.min_conns must be between 0 and db.max_conns")
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if strings.TrimSpace(c.Storage.ImageDir) == "" {
			return fmt.Errorf("storage.image_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}
	if c.PubSub.ProjectID != "" && strings.TrimSpace(c.PubSub.TopicName) == "" {
		return fmt.Errorf("pubsub.topic_name is required when pubsub.project_id is set")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	return nil
}
