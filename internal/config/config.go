// Package config handles CLI, environment, and optional TOML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/openai-proxy/config.toml",
	"configs/config.toml",
}

// ForwardProxyEnv lists the environment variables probed, in order, for the
// forward proxy URI. The first non-empty value wins.
var ForwardProxyEnv = []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy"}

// lookupEnv is swapped out in tests.
var lookupEnv = os.LookupEnv

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int              `kong:"short='p',help='Listen port (overrides config).',env='openai_proxy_port'"`
	ForwardProxy string           `kong:"help='Forward proxy URI for outbound traffic (overrides HTTP_PROXY and friends).'"`
	LogFilter    string           `kong:"help='Log filter, e.g. info,upstream=debug (overrides config).',env='OPENAI_PROXY_LOG'"`
	LogFormat    string           `kong:"help='Log format: text|json (overrides config).',env='LOG_FORMAT'"`
	Version      kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (4000)
	RoutePrefix  string `toml:"route_prefix"`
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL          string `toml:"base_url"`
	ForwardProxy     string `toml:"forward_proxy"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	IdleConnections  int    `toml:"idle_connections"`
	MaxResponseBytes int64  `toml:"max_response_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Filter string `toml:"filter"`
	Format string `toml:"format"`
	// BinaryBodies logs non-UTF-8 bodies as a size summary instead of
	// failing the request.
	BinaryBodies bool `toml:"binary_bodies"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the optional TOML config file, then applies environment and CLI
// overrides. When no explicit path is given (via --config or CONFIG_PATH) it
// searches /etc/openai-proxy/config.toml then configs/config.toml, and runs
// on defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	if v := LookupForwardProxy(lookupEnv); v != "" {
		cfg.Upstream.ForwardProxy = v
	}
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// LookupForwardProxy returns the first non-empty value among ForwardProxyEnv.
func LookupForwardProxy(lookup func(string) (string, bool)) string {
	for _, name := range ForwardProxyEnv {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ParseForwardProxy parses a forward proxy URI. A bare host:port is treated
// as an http:// proxy.
func ParseForwardProxy(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("forward proxy %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("forward proxy %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("forward proxy %q: missing host", raw)
	}
	if p := u.Port(); p != "" {
		if _, err := strconv.ParseUint(p, 10, 16); err != nil {
			return nil, fmt.Errorf("forward proxy %q: invalid port %q", raw, p)
		}
	}
	return u, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.ForwardProxy != "" {
		c.Upstream.ForwardProxy = cli.ForwardProxy
	}
	if cli.LogFilter != "" {
		c.Log.Filter = cli.LogFilter
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
}

// setDefaults fills zero-valued fields. For integer fields zero means
// "unset" because TOML cannot distinguish an explicit 0 from an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4000
	}
	if c.Server.RoutePrefix == "" {
		c.Server.RoutePrefix = "/openai/"
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 32 << 20
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.openai.com"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 600
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = 64 << 20
	}
	if c.Log.Filter == "" {
		c.Log.Filter = "debug"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// validate reports every problem at once.
func (c *Config) validate() error {
	var errs error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port))
	}
	if c.Server.BodyMaxBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes))
	}
	p := c.Server.RoutePrefix
	if !strings.HasPrefix(p, "/") || !strings.HasSuffix(p, "/") || len(p) < 3 {
		errs = multierr.Append(errs, fmt.Errorf("server.route_prefix must look like /name/; got %q", p))
	}

	if u, err := url.Parse(c.Upstream.BaseURL); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url is not a valid URL: %w", err))
	} else {
		if u.Scheme != "https" {
			errs = multierr.Append(errs, fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL))
		}
		if u.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL))
		}
		if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
			errs = multierr.Append(errs, fmt.Errorf("upstream.base_url must not carry a path or query; got %q", c.Upstream.BaseURL))
		}
	}
	if c.Upstream.ForwardProxy != "" {
		if _, err := ParseForwardProxy(c.Upstream.ForwardProxy); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("upstream.forward_proxy: %w", err))
		}
	}
	if c.Upstream.TimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds))
	}
	if c.Upstream.IdleConnections < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections))
	}
	if c.Upstream.MaxResponseBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	if c.Metrics.Enabled {
		mp := c.Metrics.Path
		if mp == "" || mp[0] != '/' {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path must start with '/'; got %q", mp))
		} else if strings.HasPrefix(mp, p) {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path %q conflicts with route prefix %q", mp, p))
		}
	}

	return errs
}

// ErrNoForwardProxy is returned by ForwardProxyURL when none is configured.
var ErrNoForwardProxy = errors.New("no forward proxy configured")

// ForwardProxyURL returns the parsed forward proxy, or ErrNoForwardProxy.
func (c *UpstreamConfig) ForwardProxyURL() (*url.URL, error) {
	if c.ForwardProxy == "" {
		return nil, ErrNoForwardProxy
	}
	return ParseForwardProxy(c.ForwardProxy)
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
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
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
