// Package config handles TOML configuration loading, default persistence and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
// The last entry is also where the default config is written when none exists.
var configSearchPaths = []string{
	"/etc/maven-proxy/config.toml",
	"config.toml",
}

// DefaultRepository is the single backend written into a freshly created config.
const DefaultRepository = "https://repo1.maven.org/maven2"

// Policies for backend statuses other than 200, 304 and 404.
const (
	StatusPolicyNotFound   = "not_found"
	StatusPolicyBadGateway = "bad_gateway"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string           `kong:"short='c',help='Path to TOML config file (created with defaults when missing).',env='CONFIG_PATH'"`
	Host       string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Repository []string         `kong:"short='r',help='Backend repository base URL, repeatable (replaces config list).',env='REPOSITORIES'"`
	Timeout    time.Duration    `kong:"help='Per-backend request timeout (overrides config).',env='PROXY_TIMEOUT'"`
	LogLevel   string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version    kong.VersionFlag `kong:"short='v',help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
	created  bool   // true when Load wrote the default file
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (8080)
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the backend repositories and how they are contacted.
type UpstreamConfig struct {
	Repositories     []string `toml:"repositories"`
	Timeout          Duration `toml:"timeout"`
	IdleConnections  int      `toml:"idle_connections"`
	UnexpectedStatus string   `toml:"unexpected_status"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Duration is a time.Duration stored as a Go duration string ("15s").
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// Default returns the configuration persisted when no config file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Upstream: UpstreamConfig{
			Repositories:     []string{DefaultRepository},
			Timeout:          Duration{15 * time.Second},
			IdleConnections:  100,
			UnexpectedStatus: StatusPolicyNotFound,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/maven-proxy/config.toml then config.toml. A missing file is created
// with the defaults before being read.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		path = configSearchPaths[len(configSearchPaths)-1]
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := writeDefault(path); err != nil {
			return nil, fmt.Errorf("config: create default %s: %w", path, err)
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.filePath = path
	cfg.created = created

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// writeDefault persists Default() to path. It never overwrites an existing file.
func writeDefault(path string) error {
	data, err := toml.Marshal(Default())
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if len(cli.Repository) > 0 {
		c.Upstream.Repositories = append([]string(nil), cli.Repository...)
	}
	if cli.Timeout != 0 {
		c.Upstream.Timeout = Duration{cli.Timeout}
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	return validation.Errors{
		"server.port": validation.Validate(c.Server.Port,
			validation.Min(0), validation.Max(65535)),
		"server.rate_limit.requests_per_second": validation.Validate(c.Server.RateLimit.RequestsPerSecond,
			validation.When(c.Server.RateLimit.Enabled, validation.Required, validation.Min(0.0).Exclusive())),
		"upstream.repositories": validation.Validate(c.Upstream.Repositories,
			validation.Each(validation.By(validateRepository))),
		"upstream.timeout": validation.Validate(int64(c.Upstream.Timeout.Duration),
			validation.Min(int64(0))),
		"upstream.idle_connections": validation.Validate(c.Upstream.IdleConnections,
			validation.Min(0)),
		"upstream.unexpected_status": validation.Validate(strings.ToLower(c.Upstream.UnexpectedStatus),
			validation.In(StatusPolicyNotFound, StatusPolicyBadGateway)),
		"log.level": validation.Validate(strings.ToLower(c.Log.Level),
			validation.In("debug", "info", "warn", "error")),
		"log.format": validation.Validate(strings.ToLower(c.Log.Format),
			validation.In("json", "text")),
		"metrics.path": validation.Validate(c.Metrics.Path,
			validation.When(c.Metrics.Enabled, validation.By(validateMetricsPath))),
	}.Filter()
}

// validateRepository accepts absolute http(s) URLs with a host.
func validateRepository(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if err := validation.Validate(raw, validation.Required, is.URL); err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", fmt.Sprintf("%q must use http or https", raw))
	}
	if u.Host == "" {
		return validation.NewError("validation_missing_host", fmt.Sprintf("%q must have a host", raw))
	}
	return nil
}

// validateMetricsPath rejects paths that would shadow the proxy's own routes.
func validateMetricsPath(value interface{}) error {
	p, _ := value.(string)
	if p == "" {
		return nil
	}
	if p[0] != '/' {
		return validation.NewError("validation_metrics_path", fmt.Sprintf("must start with '/'; got %q", p))
	}
	if p == "/" || p == "/favicon.ico" {
		return validation.NewError("validation_metrics_path", fmt.Sprintf("%q conflicts with a reserved route", p))
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// A zero port or timeout means "unset" because TOML cannot distinguish an
// explicit 0 from an omitted key. An empty repository list stays empty.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Upstream.Timeout.Duration == 0 {
		c.Upstream.Timeout = Duration{15 * time.Second}
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.UnexpectedStatus == "" {
		c.Upstream.UnexpectedStatus = StatusPolicyNotFound
	}
	c.Upstream.UnexpectedStatus = strings.ToLower(c.Upstream.UnexpectedStatus)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RepositoryURLs parses the configured repositories, preserving order and duplicates.
func (c *UpstreamConfig) RepositoryURLs() ([]*url.URL, error) {
	urls := make([]*url.URL, 0, len(c.Repositories))
	for _, raw := range c.Repositories {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse repository %q: %w", raw, err)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// FilePath returns the file the configuration was loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}

// Created reports whether Load wrote the default config file.
func (c *Config) Created() bool {
	return c.created
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
