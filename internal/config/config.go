// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/link-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Password       string   `kong:"help='Shared secret for the password gate (overrides config).',env='PASSWORD'"`
	AllowedDomains []string `kong:"help='Comma-separated domain whitelist, e.g. *.example.com,foo.org (overrides config).',env='ALLOWED_DOMAINS'"`
	TrustedOrigin  string   `kong:"help='Value for Access-Control-Allow-Origin (overrides config).',env='TRUSTED_ORIGIN'"`
	PublicURL      string   `kong:"help='Public base URL of this proxy (overrides config).',env='PUBLIC_URL'"`
	LogLevel       string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	TrustedProxies []string `kong:"help='Comma-separated CIDRs of reverse proxies whose X-Forwarded-For is trusted (overrides config).',env='TRUSTED_PROXIES'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server          ServerConfig                 `toml:"server"`
	Proxy           ProxyConfig                  `toml:"proxy"`
	Auth            AuthConfig                   `toml:"auth"`
	Upstream        UpstreamConfig               `toml:"upstream"`
	HeaderRules     map[string]map[string]string `toml:"header_rules"`
	HeaderRulesFile string                       `toml:"header_rules_file"`
	Cache           CacheConfig                  `toml:"cache"`
	Log             LogConfig                    `toml:"log"`
	Metrics         MetricsConfig                `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	// TrustedProxies lists the CIDRs (or single IPs) of reverse proxies in
	// front of this server. Empty means the client IP is the socket peer and
	// X-Forwarded-For is ignored.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// ProxyConfig holds the forwarding and rewriting settings.
type ProxyConfig struct {
	// PublicURL is the externally visible base URL. Empty means rewritten
	// links are root-relative ("/https://...").
	PublicURL      string   `toml:"public_url"`
	AllowedDomains []string `toml:"allowed_domains"`
	TrustedOrigin  string   `toml:"trusted_origin"`
	DisableRewrite bool     `toml:"disable_rewrite"`
}

// AuthConfig holds the password gate settings. An empty password disables the gate.
type AuthConfig struct {
	Password string `toml:"password"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	MaxRedirects    int    `toml:"max_redirects"`
	SOCKS5URL       string `toml:"socks5_url"`
}

// CacheConfig controls the best-effort image cache.
type CacheConfig struct {
	Enabled      bool  `toml:"enabled"`
	MaxEntries   int   `toml:"max_entries"`
	MaxItemBytes int64 `toml:"max_item_bytes"`
	TTLSeconds   int   `toml:"ttl_seconds"`
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

// reservedPaths are served by the proxy itself and never forwarded.
var reservedPaths = []string{"/healthz", "/proxy/status", "/favicon.ico"}

// Load reads the TOML config file, if any, and applies CLI overrides.
// An explicit path (via --config or CONFIG_PATH) must exist. Otherwise
// /etc/link-proxy/config.toml then configs/config.toml are tried, and the
// proxy runs on defaults plus environment when neither exists.
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

	cfg.applyCLI(cli)
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Password != "" {
		c.Auth.Password = cli.Password
	}
	if len(cli.AllowedDomains) > 0 {
		c.Proxy.AllowedDomains = cli.AllowedDomains
	}
	if cli.TrustedOrigin != "" {
		c.Proxy.TrustedOrigin = cli.TrustedOrigin
	}
	if cli.PublicURL != "" {
		c.Proxy.PublicURL = cli.PublicURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.TrustedProxies) > 0 {
		c.Server.TrustedProxies = cli.TrustedProxies
	}
}

// normalize splits comma-joined list entries and trims the public URL.
func (c *Config) normalize() {
	c.Proxy.AllowedDomains = splitList(c.Proxy.AllowedDomains)
	c.Server.TrustedProxies = splitList(c.Server.TrustedProxies)
	c.Proxy.PublicURL = strings.TrimRight(strings.TrimSpace(c.Proxy.PublicURL), "/")
}

func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Auth.Password == "CHANGE_ME" {
		return errors.New("auth.password contains placeholder value; set a real secret or leave empty to disable the password gate")
	}

	if c.Proxy.PublicURL != "" {
		u, err := url.Parse(c.Proxy.PublicURL)
		if err != nil {
			return fmt.Errorf("proxy.public_url is not a valid URL: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("proxy.public_url must be an absolute http(s) URL; got %q", c.Proxy.PublicURL)
		}
		if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("proxy.public_url must not carry a path, query or fragment; got %q", c.Proxy.PublicURL)
		}
	}

	for _, d := range c.Proxy.AllowedDomains {
		if strings.Contains(d, "*") && (!strings.HasPrefix(d, "*.") || strings.Count(d, "*") > 1 || len(d) < 3) {
			return fmt.Errorf("proxy.allowed_domains: wildcard must be a leading \"*.\"; got %q", d)
		}
		if strings.ContainsAny(d, "/:") {
			return fmt.Errorf("proxy.allowed_domains: entries are hostnames, not URLs; got %q", d)
		}
	}

	if o := c.Proxy.TrustedOrigin; o != "" && o != "*" {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxy.trusted_origin must be \"*\" or an origin like https://app.example; got %q", o)
		}
	}

	if _, err := c.Server.TrustedProxyNets(); err != nil {
		return err
	}

	if c.Upstream.SOCKS5URL != "" {
		u, err := url.Parse(c.Upstream.SOCKS5URL)
		if err != nil {
			return fmt.Errorf("upstream.socks5_url is not a valid URL: %w", err)
		}
		if u.Scheme != "socks5" && u.Scheme != "socks5h" {
			return fmt.Errorf("upstream.socks5_url must use the socks5 scheme; got %q", c.Upstream.SOCKS5URL)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit.burst must be non-negative; got %d", c.Server.RateLimit.Burst)
	}
	if c.Cache.MaxEntries < 0 || c.Cache.MaxItemBytes < 0 || c.Cache.TTLSeconds < 0 {
		return errors.New("cache.max_entries, cache.max_item_bytes and cache.ttl_seconds must be non-negative")
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}

	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return errors.New("metrics.path must not be the landing page \"/\"")
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024 * 1024 // 64 MB
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = max(1, int(c.Server.RateLimit.RequestsPerSecond))
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	if c.Proxy.TrustedOrigin == "" {
		c.Proxy.TrustedOrigin = "*"
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 512
	}
	if c.Cache.MaxItemBytes == 0 {
		c.Cache.MaxItemBytes = 1024 * 1024 // 1 MB
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 600
	}
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

// TrustedProxyNets parses TrustedProxies. A bare IP is taken as a single-host range.
func (c *ServerConfig) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.TrustedProxies))
	for _, p := range c.TrustedProxies {
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("server.trusted_proxies: invalid IP or CIDR %q", p)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: invalid IP or CIDR %q", p)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// PasswordProtected reports whether the password gate is active.
func (c *Config) PasswordProtected() bool {
	return c.Auth.Password != ""
}

// ReservedPaths returns the paths the proxy serves itself, including the
// metrics path when metrics are enabled.
func (c *Config) ReservedPaths() []string {
	paths := append([]string{"/"}, reservedPaths...)
	if c.Metrics.Enabled {
		paths = append(paths, c.Metrics.Path)
	}
	return paths
}

// WarnPermissions logs a warning if the config file is readable by group or
// others while it holds the gate password.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" || c.Auth.Password == "" {
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
