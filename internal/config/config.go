// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leakwatch/leakwatch/errs"
)

// DefaultPath is where the CLI looks for configuration when no flag is given.
const DefaultPath = "config.yaml"

const (
	defaultScrapeInterval = 60
	defaultLogLevel       = "debug"
	defaultPostgresPort   = 5432
	defaultRedisPort      = 6379
)

var defaultRulePaths = []string{"yara/*.yar"}

// Config is the fully resolved application configuration. Load applies
// defaults and validates before returning, so a Config in hand is usable
// as-is.
type Config struct {
	GlobalScrapeInterval int               `yaml:"global_scrape_interval"`
	YaraRulesPaths       []string          `yaml:"yara_rules_paths"`
	YaraExternalVars     map[string]string `yaml:"yara_external_vars"`
	ProcessingQueueSize  int               `yaml:"processing_queue_size"`
	LogLevel             string            `yaml:"log_level"`
	Postgres             *PostgresConfig   `yaml:"postgres"`
	Redis                *RedisConfig      `yaml:"redis"`
	CSVExport            *CSVExportConfig  `yaml:"csv_export"`
	Telemetry            *TelemetryConfig  `yaml:"telemetry"`
	Sources              map[string]Source `yaml:"sources"`
}

// PostgresConfig describes the store connection pool.
type PostgresConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	Database      string `yaml:"database"`
	MaxConns      int    `yaml:"max_conns"`
	RunMigrations *bool  `yaml:"run_migrations"`
}

// DSN renders the pool connection string.
func (c *PostgresConfig) DSN() string {
	parts := []string{
		"host=" + c.Host,
		"port=" + strconv.Itoa(c.Port),
		"user=" + c.User,
		"dbname=" + c.Database,
	}
	if c.Password != "" {
		parts = append(parts, "password="+c.Password)
	}
	if c.MaxConns > 0 {
		parts = append(parts, "pool_max_conns="+strconv.Itoa(c.MaxConns))
	}
	return strings.Join(parts, " ")
}

// Migrate reports whether startup should apply embedded migrations.
// Unset means yes.
func (c *PostgresConfig) Migrate() bool {
	return c.RunMigrations == nil || *c.RunMigrations
}

// RedisConfig selects the broker-backed queue variant when present.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr renders the broker dial address.
func (c *RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CSVExportConfig enables the sink's append-only CSV results file.
type CSVExportConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig enables OTLP metric export when an endpoint is set.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Source is the per-source configuration block, keyed by origin tag.
type Source struct {
	ScrapeInterval    int     `yaml:"scrape_interval"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	OAuth             string  `yaml:"oauth"`
	Username          string  `yaml:"username"`
	DevKey            string  `yaml:"dev_key"`
	Path              string  `yaml:"path"`
}

// Interval resolves the effective poll period, falling back to the global
// default when the source does not override it.
func (s Source) Interval(global int) time.Duration {
	seconds := s.ScrapeInterval
	if seconds <= 0 {
		seconds = global
	}
	return time.Duration(seconds) * time.Second
}

// Load reads, defaults, and validates the configuration at path. A missing
// file yields pure defaults; malformed YAML or a failed validation is a
// fatal startup error.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only; no sources means the pipeline idles.
	case err != nil:
		return nil, errs.New("config", errs.CodeConfig,
			errs.WithMessage("reading "+path), errs.WithCause(err))
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.New("config", errs.CodeConfig,
				errs.WithMessage("parsing "+path), errs.WithCause(err))
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.GlobalScrapeInterval == 0 {
		c.GlobalScrapeInterval = defaultScrapeInterval
	}
	if len(c.YaraRulesPaths) == 0 {
		c.YaraRulesPaths = append([]string(nil), defaultRulePaths...)
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Postgres != nil && c.Postgres.Port == 0 {
		c.Postgres.Port = defaultPostgresPort
	}
	if c.Redis != nil && c.Redis.Port == 0 {
		c.Redis.Port = defaultRedisPort
	}
}

// Validate checks cross-field consistency. It does not verify that source
// tags are known; the source registry owns that and fails fast at wiring
// time.
func (c *Config) Validate() error {
	if c.GlobalScrapeInterval < 0 {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("global_scrape_interval must not be negative"))
	}
	if c.ProcessingQueueSize < 0 {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("processing_queue_size must not be negative"))
	}
	if c.Postgres != nil {
		if strings.TrimSpace(c.Postgres.Host) == "" {
			return errs.New("config", errs.CodeConfig, errs.WithMessage("postgres.host is required"))
		}
		if strings.TrimSpace(c.Postgres.Database) == "" {
			return errs.New("config", errs.CodeConfig, errs.WithMessage("postgres.database is required"))
		}
	}
	if c.Redis != nil && strings.TrimSpace(c.Redis.Host) == "" {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("redis.host is required"))
	}
	if c.CSVExport != nil && strings.TrimSpace(c.CSVExport.Path) == "" {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("csv_export.path is required"))
	}
	for tag, src := range c.Sources {
		if src.ScrapeInterval < 0 {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage(fmt.Sprintf("sources.%s.scrape_interval must not be negative", tag)))
		}
		if src.RequestsPerSecond < 0 {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage(fmt.Sprintf("sources.%s.requests_per_second must not be negative", tag)))
		}
	}
	return nil
}
