// Package config provides configuration for the variantd service and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	// DBPath is the SQLite database file
	DBPath string `yaml:"db_path"`

	HTTP      HTTPConfig      `yaml:"http"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Registry  RegistryConfig  `yaml:"registry"`
	Results   ResultsConfig   `yaml:"results"`
	Retention RetentionConfig `yaml:"retention"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Display   DisplayConfig   `yaml:"display"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// TokenFile receives the operator token so `variantd token` can show it.
	// Defaults to a file next to the database.
	TokenFile string `yaml:"token_file"`

	// OperatorToken guards the operator endpoints. Generated at startup when empty.
	OperatorToken string `yaml:"operator_token"`
}

// IngestConfig controls event batching.
type IngestConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RegistryConfig controls the active-experiment snapshot.
type RegistryConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ResultsConfig controls result computation.
type ResultsConfig struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// AutoCompleteInterval is how often active experiments are checked for
	// auto-completion. Zero disables the sweep.
	AutoCompleteInterval time.Duration `yaml:"auto_complete_interval"`
}

// RetentionConfig controls event cleanup.
type RetentionConfig struct {
	// Days of events to keep. Zero disables the retention loop.
	Days     int           `yaml:"days"`
	Interval time.Duration `yaml:"interval"`
	Archive  ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig selects where purged events are written before deletion.
type ArchiveConfig struct {
	// Type is none, local or s3
	Type string   `yaml:"type"`
	Path string   `yaml:"path"`
	S3   S3Config `yaml:"s3"`
}

// S3Config holds S3 archive settings.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Prefix       string `yaml:"prefix"`
}

// RedisConfig enables the assignment cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// EventsConfig overrides the event vocabulary. Kinds maps each event kind to
// the fields it requires. Nil keeps the built-in vocabulary.
type EventsConfig struct {
	Kinds map[string][]string `yaml:"kinds"`
}

// DisplayConfig configures the product-display experiment wrapper.
type DisplayConfig struct {
	Experiment string          `yaml:"experiment"`
	Default    DisplayDefaults `yaml:"default"`
}

// DisplayDefaults is served when no display variant applies.
type DisplayDefaults struct {
	Strategy          string `yaml:"strategy"`
	MaxItems          int    `yaml:"max_items"`
	PrioritizeRevenue bool   `yaml:"prioritize_revenue"`
	FallbackToRelated bool   `yaml:"fallback_to_related"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DBPath: "./variantd.db",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			BatchSize:     100,
			FlushInterval: 30 * time.Second,
		},
		Registry: RegistryConfig{
			RefreshInterval: 5 * time.Minute,
		},
		Results: ResultsConfig{
			QueryTimeout:         10 * time.Second,
			AutoCompleteInterval: 15 * time.Minute,
		},
		Retention: RetentionConfig{
			Days:     90,
			Interval: 24 * time.Hour,
			Archive:  ArchiveConfig{Type: "none"},
		},
		Redis: RedisConfig{
			TTL: 30 * 24 * time.Hour,
		},
		Display: DisplayConfig{
			Experiment: "product_display_strategy",
			Default: DisplayDefaults{
				Strategy:          "default",
				MaxItems:          8,
				PrioritizeRevenue: false,
				FallbackToRelated: true,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional file and the
// environment, in that order of precedence (environment wins).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("VARIANTD_CONFIG")
	}
	if path != "" {
		var err error
		cfg, err = LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		// JSON is a subset of YAML, and yaml.v3 decodes "30s" into time.Duration.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}

	return cfg, nil
}

// LoadFromEnv applies VARIANTD_* environment overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VARIANTD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VARIANTD_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("VARIANTD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Addr = fmt.Sprintf(":%d", p)
		}
	}
	if v := os.Getenv("VARIANTD_OPERATOR_TOKEN"); v != "" {
		cfg.HTTP.OperatorToken = v
	}
	if v := os.Getenv("VARIANTD_INGEST_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.BatchSize = n
		}
	}
	setDuration("VARIANTD_INGEST_FLUSH_INTERVAL", &cfg.Ingest.FlushInterval)
	setDuration("VARIANTD_REGISTRY_REFRESH_INTERVAL", &cfg.Registry.RefreshInterval)
	setDuration("VARIANTD_RESULTS_QUERY_TIMEOUT", &cfg.Results.QueryTimeout)
	setDuration("VARIANTD_RESULTS_AUTO_COMPLETE_INTERVAL", &cfg.Results.AutoCompleteInterval)
	if v := os.Getenv("VARIANTD_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.Days = n
		}
	}
	if v := os.Getenv("VARIANTD_ARCHIVE_TYPE"); v != "" {
		cfg.Retention.Archive.Type = v
	}
	if v := os.Getenv("VARIANTD_ARCHIVE_PATH"); v != "" {
		cfg.Retention.Archive.Path = v
	}
	if v := os.Getenv("VARIANTD_S3_BUCKET"); v != "" {
		cfg.Retention.Archive.S3.Bucket = v
	}
	if v := os.Getenv("VARIANTD_S3_REGION"); v != "" {
		cfg.Retention.Archive.S3.Region = v
	}
	if v := os.Getenv("VARIANTD_S3_ENDPOINT"); v != "" {
		cfg.Retention.Archive.S3.Endpoint = v
	}
	if v := os.Getenv("VARIANTD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VARIANTD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VARIANTD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VARIANTD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Resolve fills paths derived from DBPath.
func (c *Config) Resolve() {
	if c.DBPath == "" {
		c.DBPath = "./variantd.db"
	}
	if c.HTTP.TokenFile == "" {
		c.HTTP.TokenFile = filepath.Join(filepath.Dir(c.DBPath), ".variantd-token")
	}
	if c.Retention.Archive.Type == "local" && c.Retention.Archive.Path == "" {
		c.Retention.Archive.Path = filepath.Join(filepath.Dir(c.DBPath), "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize)
	}
	if c.Ingest.FlushInterval <= 0 {
		return fmt.Errorf("ingest.flush_interval must be positive")
	}
	if c.Registry.RefreshInterval <= 0 {
		return fmt.Errorf("registry.refresh_interval must be positive")
	}
	if c.Results.QueryTimeout <= 0 {
		return fmt.Errorf("results.query_timeout must be positive")
	}
	if c.Results.AutoCompleteInterval < 0 {
		return fmt.Errorf("results.auto_complete_interval must not be negative")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days must not be negative")
	}
	if c.Retention.Days > 0 && c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive when retention is enabled")
	}

	switch c.Retention.Archive.Type {
	case "", "none", "local":
	case "s3":
		if c.Retention.Archive.S3.Bucket == "" {
			return fmt.Errorf("retention.archive.s3.bucket is required when archive type is s3")
		}
	default:
		return fmt.Errorf("invalid archive type: %s (must be none, local or s3)", c.Retention.Archive.Type)
	}

	if c.Display.Experiment == "" {
		return fmt.Errorf("display.experiment is required")
	}
	if c.Display.Default.MaxItems <= 0 {
		return fmt.Errorf("display.default.max_items must be positive")
	}
	for kind := range c.Events.Kinds {
		if strings.TrimSpace(kind) == "" {
			return fmt.Errorf("events.kinds contains an empty kind")
		}
	}

	return nil
}
