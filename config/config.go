// Package config provides configuration management for tokenmeter.
//
// Values come from, in increasing priority: built-in defaults, an optional
// YAML file (with ${VAR} and ${VAR:-default} placeholders), and environment
// variables. A .env file in the working directory is loaded first, without
// overriding variables that are already set.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort              = "8080"
	DefaultBodySizeLimit     = 1 << 20
	DefaultPriceBookPath     = "pricing/price_book.yaml"
	DefaultProvider          = "openai"
	DefaultRegion            = "global"
	DefaultJSONLPath         = "data/usage_events.jsonl"
	DefaultSQLitePath        = "data/tokenmeter.db"
	DefaultMongoDatabase     = "tokenmeter"
	DefaultPostgresMaxConns  = 10
	DefaultRedisStream       = "tokenmeter:usage_events"
	DefaultFlushIntervalSecs = 5
	DefaultMetricsEndpoint   = "/metrics"
	DefaultHTTPTimeoutSecs   = 600
)

// candidatePaths are searched when Load is given no explicit path.
var candidatePaths = []string{"config.yaml", "config/config.yaml"}

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Metering  MeteringConfig  `yaml:"metering"`
	Sink      SinkConfig      `yaml:"sink"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey enables bearer authentication when non-empty.
	MasterKey     string `yaml:"master_key"`
	BodySizeLimit int64  `yaml:"body_size_limit"`
}

// PricingConfig locates the price catalog.
type PricingConfig struct {
	BookPath string `yaml:"book_path"`
	// Watch reloads the catalog when the file changes.
	Watch bool `yaml:"watch"`
}

// MeteringConfig holds the defaults applied to calls that omit them.
type MeteringConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	DefaultRegion   string `yaml:"default_region"`
}

// SinkConfig selects where usage events are appended.
type SinkConfig struct {
	// Type is one of jsonl, redis, sqlite, postgresql, mongodb.
	Type      string `yaml:"type"`
	JSONLPath string `yaml:"jsonl_path"`
	Fsync     bool   `yaml:"fsync"`
	// BufferSize > 0 makes database sinks asynchronous.
	BufferSize           int `yaml:"buffer_size"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
	// RetentionDays <= 0 keeps events forever.
	RetentionDays int `yaml:"retention_days"`
}

// StorageConfig selects the analytics database.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`

	// MaxLen trims the stream to roughly this many entries, evicting the
	// oldest events. 0 keeps every event.
	MaxLen int64 `yaml:"max_len"`
}

// ProvidersConfig holds upstream credentials.
type ProvidersConfig struct {
	OpenAI ProviderConfig `yaml:"openai"`
	VLLM   ProviderConfig `yaml:"vllm"`
	Gemini ProviderConfig `yaml:"gemini"`

	// Upstream HTTP timeouts, in seconds.
	TimeoutSeconds               int `yaml:"timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Format is auto, json or text.
	Format string `yaml:"format"`
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
}

// LoadResult is the outcome of Load.
type LoadResult struct {
	Config *Config
	// Path is the YAML file that was read, or "" when none was found.
	Path string
}

// Load builds the configuration. An empty path searches the default locations
// and tolerates their absence; an explicit path must exist.
func Load(path string) (*LoadResult, error) {
	return load(path, ".env")
}

func load(path, envFile string) (*LoadResult, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load env file", "path", envFile, "error", err)
	}

	cfg := buildDefaultConfig()
	result := &LoadResult{Config: cfg}

	file, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
		result.Path = file
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func findConfigFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}
	for _, candidate := range candidatePaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          DefaultPort,
			BodySizeLimit: DefaultBodySizeLimit,
		},
		Pricing: PricingConfig{BookPath: DefaultPriceBookPath},
		Metering: MeteringConfig{
			DefaultProvider: DefaultProvider,
			DefaultRegion:   DefaultRegion,
		},
		Sink: SinkConfig{
			Type:                 "jsonl",
			JSONLPath:            DefaultJSONLPath,
			FlushIntervalSeconds: DefaultFlushIntervalSecs,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: DefaultSQLitePath},
			PostgreSQL: PostgreSQLConfig{MaxConns: DefaultPostgresMaxConns},
			MongoDB:    MongoDBConfig{Database: DefaultMongoDatabase},
		},
		Redis: RedisConfig{Stream: DefaultRedisStream},
		Providers: ProvidersConfig{
			TimeoutSeconds:               DefaultHTTPTimeoutSecs,
			ResponseHeaderTimeoutSeconds: DefaultHTTPTimeoutSecs,
		},
		Metrics: MetricsConfig{Endpoint: DefaultMetricsEndpoint},
		Logging: LoggingConfig{Format: "auto", Level: "info"},
	}
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves ${VAR} and ${VAR:-default}. A variable that is unset
// or empty takes its default; without a default the placeholder is kept.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config) error {
	envString("PORT", &cfg.Server.Port)
	envString("TOKENMETER_MASTER_KEY", &cfg.Server.MasterKey)

	envString("PRICE_BOOK_PATH", &cfg.Pricing.BookPath)
	envString("REGION_DEFAULT", &cfg.Metering.DefaultRegion)
	envString("PROVIDER_DEFAULT", &cfg.Metering.DefaultProvider)

	envString("SINK_TYPE", &cfg.Sink.Type)
	envString("EVENTS_JSONL_PATH", &cfg.Sink.JSONLPath)

	envString("STORAGE_TYPE", &cfg.Storage.Type)
	envString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	envString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	envString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	envString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	envString("REDIS_URL", &cfg.Redis.URL)
	envString("REDIS_STREAM", &cfg.Redis.Stream)

	envString("OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey)
	envString("OPENAI_BASE_URL", &cfg.Providers.OpenAI.BaseURL)
	envString("VLLM_BASE_URL", &cfg.Providers.VLLM.BaseURL)
	envString("VLLM_API_KEY", &cfg.Providers.VLLM.APIKey)
	envString("GEMINI_API_KEY", &cfg.Providers.Gemini.APIKey)
	envString("GEMINI_BASE_URL", &cfg.Providers.Gemini.BaseURL)

	envString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)
	envString("LOG_FORMAT", &cfg.Logging.Format)
	envString("LOG_LEVEL", &cfg.Logging.Level)

	return errors.Join(
		envBool("WATCH_PRICE_BOOK", &cfg.Pricing.Watch),
		envBool("EVENTS_FSYNC", &cfg.Sink.Fsync),
		envBool("METRICS_ENABLED", &cfg.Metrics.Enabled),
		envInt("SINK_BUFFER_SIZE", &cfg.Sink.BufferSize),
		envInt("SINK_FLUSH_INTERVAL", &cfg.Sink.FlushIntervalSeconds),
		envInt("USAGE_RETENTION_DAYS", &cfg.Sink.RetentionDays),
		envInt("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns),
		envInt64("REDIS_MAX_LEN", &cfg.Redis.MaxLen),
		envInt64("BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit),
		envInt("HTTP_TIMEOUT", &cfg.Providers.TimeoutSeconds),
		envInt("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.Providers.ResponseHeaderTimeoutSeconds),
	)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

var (
	sinkTypes    = []string{"jsonl", "redis", "sqlite", "postgresql", "mongodb"}
	storageTypes = []string{"sqlite", "postgresql", "mongodb"}
	logFormats   = []string{"auto", "json", "text"}
	logLevels    = []string{"debug", "info", "warn", "error"}
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, portErr := strconv.Atoi(c.Server.Port)
	check(portErr == nil, "server.port must be numeric, got %q", c.Server.Port)
	check(c.Server.BodySizeLimit > 0, "server.body_size_limit must be positive")
	check(c.Pricing.BookPath != "", "pricing.book_path is required")
	check(c.Metering.DefaultRegion != "", "metering.default_region is required")

	check(slices.Contains(sinkTypes, c.Sink.Type), "sink.type must be one of %v, got %q", sinkTypes, c.Sink.Type)
	check(slices.Contains(storageTypes, c.Storage.Type), "storage.type must be one of %v, got %q", storageTypes, c.Storage.Type)
	if slices.Contains(storageTypes, c.Sink.Type) {
		check(c.Sink.Type == c.Storage.Type, "sink.type %q requires storage.type %q, got %q", c.Sink.Type, c.Sink.Type, c.Storage.Type)
	}
	check(c.Sink.Type != "jsonl" || c.Sink.JSONLPath != "", "sink.jsonl_path is required for the jsonl sink")
	check(c.Sink.Type != "redis" || c.Redis.URL != "", "redis.url is required for the redis sink")
	check(c.Sink.BufferSize >= 0, "sink.buffer_size must be non-negative")
	check(c.Sink.FlushIntervalSeconds > 0, "sink.flush_interval_seconds must be positive")
	check(c.Sink.RetentionDays >= 0, "sink.retention_days must be non-negative")

	check(c.Providers.TimeoutSeconds > 0, "providers.timeout_seconds must be positive")
	check(c.Providers.ResponseHeaderTimeoutSeconds > 0, "providers.response_header_timeout_seconds must be positive")

	check(c.Storage.Type != "postgresql" || c.Storage.PostgreSQL.URL != "", "storage.postgresql.url is required")
	check(c.Storage.Type != "mongodb" || c.Storage.MongoDB.URL != "", "storage.mongodb.url is required")

	check(slices.Contains(logFormats, c.Logging.Format), "logging.format must be one of %v, got %q", logFormats, c.Logging.Format)
	check(slices.Contains(logLevels, strings.ToLower(c.Logging.Level)), "logging.level must be one of %v, got %q", logLevels, c.Logging.Level)

	return errors.Join(errs...)
}
