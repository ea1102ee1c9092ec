package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
)

// DefaultPath is the configuration file read when no --config flag is given.
const DefaultPath = "config.yaml"

// Config holds all configuration for ekaya-catalog-sync.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, client secrets) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Admin listener (health, metrics, manual resync)
	Server ServerConfig `yaml:"server"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Upstream identity and list API
	Upstream UpstreamConfig `yaml:"upstream"`

	// Retry, backoff, rate and breaker settings for every upstream call
	Executor ExecutorConfig `yaml:"executor"`

	// Catalog lists to reconcile
	Catalog CatalogConfig `yaml:"catalog"`

	// People directory feed
	Directory DirectoryConfig `yaml:"directory"`
}

// ServerConfig holds the admin HTTP listener settings.
type ServerConfig struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_catalog"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// UpstreamConfig holds the client-credential exchange settings.
type UpstreamConfig struct {
	TokenURL       string        `yaml:"token_url" env:"UPSTREAM_TOKEN_URL"`
	ClientID       string        `yaml:"client_id" env:"UPSTREAM_CLIENT_ID"`
	ClientSecret   string        `yaml:"-" env:"UPSTREAM_CLIENT_SECRET"` // Secret - not in YAML
	Scope          string        `yaml:"scope" env:"UPSTREAM_SCOPE"`
	TokenMargin    time.Duration `yaml:"token_margin" env:"UPSTREAM_TOKEN_MARGIN" env-default:"60s"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"UPSTREAM_REQUEST_TIMEOUT" env-default:"30s"`
}

// ExecutorConfig controls the resilient request executor.
type ExecutorConfig struct {
	// MaxRetries is the total number of attempts per request, including the first.
	MaxRetries int           `yaml:"max_retries" env:"EXECUTOR_MAX_RETRIES" env-default:"3"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"EXECUTOR_BASE_DELAY" env-default:"1s"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"EXECUTOR_MAX_DELAY" env-default:"30s"`
	// RequestsPerSecond caps outgoing request rate. Zero disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"EXECUTOR_REQUESTS_PER_SECOND" env-default:"0"`
	// BreakerThreshold is the number of consecutive failed attempts that opens
	// the upstream circuit. Zero disables the breaker.
	BreakerThreshold uint32        `yaml:"breaker_threshold" env:"EXECUTOR_BREAKER_THRESHOLD" env-default:"10"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" env:"EXECUTOR_BREAKER_TIMEOUT" env-default:"1m"`
}

// ListConfig describes one upstream catalog list.
type ListConfig struct {
	// Origin is the origin reference stored with every record from this list.
	Origin        string `yaml:"origin"`
	URL           string `yaml:"url"`
	SchemaVersion string `yaml:"schema_version" env-default:"V1"`
	// ItemLimit caps how many items are drained from the list. Zero means unbounded.
	ItemLimit int `yaml:"item_limit"`
}

// CatalogConfig holds catalog reconciliation settings.
type CatalogConfig struct {
	Lists             []ListConfig  `yaml:"lists"`
	SecondaryLanguage string        `yaml:"secondary_language" env:"CATALOG_SECONDARY_LANGUAGE" env-default:"de"`
	Concurrency       int           `yaml:"concurrency" env:"CATALOG_CONCURRENCY" env-default:"20"`
	RunTimeout        time.Duration `yaml:"run_timeout" env:"CATALOG_RUN_TIMEOUT" env-default:"0s"`
}

// DirectoryConfig holds people directory reconciliation settings.
type DirectoryConfig struct {
	Origin          string   `yaml:"origin" env:"DIRECTORY_ORIGIN" env-default:"directory"`
	URL             string   `yaml:"url" env:"DIRECTORY_URL"`
	InternalDomains []string `yaml:"internal_domains" env:"DIRECTORY_INTERNAL_DOMAINS" env-separator:","`
	Concurrency     int      `yaml:"concurrency" env:"DIRECTORY_CONCURRENCY" env-default:"20"`
	ItemLimit       int      `yaml:"item_limit" env:"DIRECTORY_ITEM_LIMIT" env-default:"0"`
}

// Load reads configuration from the given YAML file with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.normalize()

	return cfg, nil
}

// normalize fills per-list defaults that cleanenv cannot apply to slice elements.
func (c *Config) normalize() {
	for i := range c.Catalog.Lists {
		if c.Catalog.Lists[i].SchemaVersion == "" {
			c.Catalog.Lists[i].SchemaVersion = "V1"
		}
	}
}

// ValidateUpstream checks the credentials needed for any upstream call.
// Failures are fatal: a run must not start without them.
func (c *Config) ValidateUpstream() error {
	if c.Upstream.TokenURL == "" || c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return fmt.Errorf("upstream token_url, client_id and UPSTREAM_CLIENT_SECRET are required: %w", apperrors.ErrMissingCredentials)
	}
	if _, err := parseAbsoluteURL(c.Upstream.TokenURL); err != nil {
		return fmt.Errorf("upstream token_url: %v: %w", err, apperrors.ErrFatal)
	}
	if c.Executor.MaxRetries < 1 {
		return fmt.Errorf("executor max_retries must be at least 1: %w", apperrors.ErrFatal)
	}
	return nil
}

// ValidateCatalog checks the catalog list configuration.
// supported lists the schema versions the source adapter can normalize.
func (c *Config) ValidateCatalog(supported func(version string) bool) error {
	if err := c.ValidateUpstream(); err != nil {
		return err
	}
	if len(c.Catalog.Lists) == 0 {
		return fmt.Errorf("no catalog lists configured: %w", apperrors.ErrFatal)
	}

	seen := make(map[string]bool, len(c.Catalog.Lists))
	for i, l := range c.Catalog.Lists {
		origin := strings.TrimSpace(l.Origin)
		if origin == "" {
			return fmt.Errorf("catalog list %d has no origin: %w", i, apperrors.ErrUnknownOrigin)
		}
		if seen[origin] {
			return fmt.Errorf("catalog origin %q configured twice: %w", origin, apperrors.ErrFatal)
		}
		seen[origin] = true

		if _, err := parseAbsoluteURL(l.URL); err != nil {
			return fmt.Errorf("catalog list %q url: %v: %w", origin, err, apperrors.ErrUnknownOrigin)
		}
		if supported != nil && !supported(l.SchemaVersion) {
			return fmt.Errorf("catalog list %q schema %q: %w", origin, l.SchemaVersion, apperrors.ErrUnsupportedSchema)
		}
	}
	return nil
}

// ValidateDirectory checks the directory feed configuration.
func (c *Config) ValidateDirectory() error {
	if err := c.ValidateUpstream(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Directory.Origin) == "" {
		return fmt.Errorf("directory origin is required: %w", apperrors.ErrUnknownOrigin)
	}
	if _, err := parseAbsoluteURL(c.Directory.URL); err != nil {
		return fmt.Errorf("directory url: %v: %w", err, apperrors.ErrUnknownOrigin)
	}
	return nil
}

// List returns the list configured for origin.
func (c *Config) List(origin string) (ListConfig, error) {
	for _, l := range c.Catalog.Lists {
		if l.Origin == origin {
			return l, nil
		}
	}
	return ListConfig{}, fmt.Errorf("catalog origin %q: %w", origin, apperrors.ErrUnknownOrigin)
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// ListenAddr returns the admin listener address.
func (c *ServerConfig) ListenAddr() string {
	return c.BindAddr + ":" + c.Port
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url %q must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}
