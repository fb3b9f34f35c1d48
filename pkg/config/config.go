package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/upstream"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultTenant is used when a request names no tenant.
const DefaultTenant = "default"

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Breaker  BreakerConfig  `yaml:"breaker" toml:"breaker"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Tenants  []TenantConfig `yaml:"tenants" toml:"tenants"`
}

// ServerConfig holds the client-facing listener settings.
type ServerConfig struct {
	Addr         string   `yaml:"addr" toml:"addr"`
	Path         string   `yaml:"path" toml:"path"`
	TenantHeader string   `yaml:"tenant_header" toml:"tenant_header"`
	CORSOrigins  []string `yaml:"cors_origins" toml:"cors_origins"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// GatewayConfig tunes routing and fan-out.
type GatewayConfig struct {
	Name           string `yaml:"name" toml:"name"`
	Separator      string `yaml:"separator" toml:"separator"`
	// MaxConcurrency caps parallel upstream requests per fan-out. Zero, the
	// default, leaves it unbounded.
	MaxConcurrency int `yaml:"max_concurrency" toml:"max_concurrency"`

	CallTimeout     time.Duration `yaml:"-" toml:"-"`
	ListTimeout     time.Duration `yaml:"-" toml:"-"`
	ToolCacheTTL    time.Duration `yaml:"-" toml:"-"`
	Heartbeat       time.Duration `yaml:"-" toml:"-"`
	RefreshInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	CallTimeoutRaw     string `yaml:"call_timeout" toml:"call_timeout"`
	ListTimeoutRaw     string `yaml:"list_timeout" toml:"list_timeout"`
	ToolCacheTTLRaw    string `yaml:"tool_cache_ttl" toml:"tool_cache_ttl"`
	HeartbeatRaw       string `yaml:"heartbeat" toml:"heartbeat"`
	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval"`
}

// BreakerConfig configures the per-upstream circuit breakers.
type BreakerConfig struct {
	Threshold int `yaml:"threshold" toml:"threshold"`

	MinBackoff time.Duration `yaml:"-" toml:"-"`
	MaxBackoff time.Duration `yaml:"-" toml:"-"`

	MinBackoffRaw string `yaml:"min_backoff" toml:"min_backoff"`
	MaxBackoffRaw string `yaml:"max_backoff" toml:"max_backoff"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// TenantConfig lists the upstreams one tenant routes to.
type TenantConfig struct {
	Name      string           `yaml:"name" toml:"name"`
	Upstreams []UpstreamConfig `yaml:"upstreams" toml:"upstreams"`
}

// UpstreamConfig describes one upstream MCP server.
type UpstreamConfig struct {
	ID             string            `yaml:"id" toml:"id"`
	Name           string            `yaml:"name" toml:"name"`
	Transport      string            `yaml:"transport" toml:"transport"`
	Endpoint       string            `yaml:"endpoint" toml:"endpoint"`
	Command        string            `yaml:"command" toml:"command"`
	Args           []string          `yaml:"args" toml:"args"`
	Env            map[string]string `yaml:"env" toml:"env"`
	Headers        map[string]string `yaml:"headers" toml:"headers"`
	CredentialsRef string            `yaml:"credentials_ref" toml:"credentials_ref"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled" toml:"enabled"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// Instance converts the entry into the router's view of an upstream.
func (u UpstreamConfig) Instance() upstream.Instance {
	enabled := true
	if u.Enabled != nil {
		enabled = *u.Enabled
	}
	return upstream.Instance{
		ID:             u.ID,
		Name:           u.Name,
		Transport:      upstream.TransportKind(u.Transport),
		Endpoint:       u.Endpoint,
		Command:        u.Command,
		Args:           u.Args,
		Env:            u.Env,
		Headers:        u.Headers,
		CredentialsRef: u.CredentialsRef,
		Enabled:        enabled,
		Timeout:        u.Timeout,
	}
}

// Load reads a configuration file, picking the format from its extension.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, format)
}

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported config format %q: use .yaml, .yml or .toml", ext)
	}
}

// Parse decodes, defaults and validates configuration data.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	var cfg Config
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8700"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/mcp"
	}
	if c.Server.TenantHeader == "" {
		c.Server.TenantHeader = "X-Tenant-ID"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	g := &c.Gateway
	if g.Name == "" {
		g.Name = "mcp-gateway"
	}
	if g.Separator == "" {
		g.Separator = ":"
	}
	if g.CallTimeout == 0 {
		g.CallTimeout = 30 * time.Second
	}
	if g.ListTimeout == 0 {
		g.ListTimeout = 10 * time.Second
	}
	if g.ToolCacheTTL == 0 {
		g.ToolCacheTTL = time.Minute
	}
	if g.Heartbeat == 0 {
		g.Heartbeat = 15 * time.Second
	}
	if g.RefreshInterval == 0 {
		g.RefreshInterval = 30 * time.Second
	}
	b := &c.Breaker
	if b.Threshold == 0 {
		b.Threshold = 5
	}
	if b.MinBackoff == 0 {
		b.MinBackoff = time.Second
	}
	if b.MaxBackoff == 0 {
		b.MaxBackoff = time.Minute
	}
}

// Validate checks that all configuration fields are usable. It returns the
// first failure encountered.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	if c.Metrics.Enabled && c.Metrics.Path == c.Server.Path {
		return errors.New("metrics.path must differ from server.path")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Gateway.MaxConcurrency < 0 {
		return errors.New("gateway.max_concurrency must not be negative")
	}
	if c.Breaker.Threshold < 0 {
		return errors.New("breaker.threshold must not be negative")
	}
	if c.Breaker.MaxBackoff < c.Breaker.MinBackoff {
		return fmt.Errorf("breaker.max_backoff (%s) is shorter than breaker.min_backoff (%s)", c.Breaker.MaxBackoff, c.Breaker.MinBackoff)
	}

	tenants := make(map[string]struct{}, len(c.Tenants))
	for i, tenant := range c.Tenants {
		if tenant.Name == "" {
			return fmt.Errorf("tenants[%d].name is required", i)
		}
		if _, dup := tenants[tenant.Name]; dup {
			return fmt.Errorf("tenants[%d]: duplicate tenant %q", i, tenant.Name)
		}
		tenants[tenant.Name] = struct{}{}

		names := make(map[string]struct{}, len(tenant.Upstreams))
		for j, u := range tenant.Upstreams {
			if err := u.Instance().Validate(c.Gateway.Separator); err != nil {
				return fmt.Errorf("tenants[%d].upstreams[%d]: %w", i, j, err)
			}
			if _, dup := names[u.Name]; dup {
				return fmt.Errorf("tenants[%d].upstreams[%d]: duplicate upstream %q", i, j, u.Name)
			}
			names[u.Name] = struct{}{}
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"gateway.call_timeout", cfg.Gateway.CallTimeoutRaw, &cfg.Gateway.CallTimeout},
		{"gateway.list_timeout", cfg.Gateway.ListTimeoutRaw, &cfg.Gateway.ListTimeout},
		{"gateway.tool_cache_ttl", cfg.Gateway.ToolCacheTTLRaw, &cfg.Gateway.ToolCacheTTL},
		{"gateway.heartbeat", cfg.Gateway.HeartbeatRaw, &cfg.Gateway.Heartbeat},
		{"gateway.refresh_interval", cfg.Gateway.RefreshIntervalRaw, &cfg.Gateway.RefreshInterval},
		{"breaker.min_backoff", cfg.Breaker.MinBackoffRaw, &cfg.Breaker.MinBackoff},
		{"breaker.max_backoff", cfg.Breaker.MaxBackoffRaw, &cfg.Breaker.MaxBackoff},
	}
	for _, f := range fields {
		if err := parseDuration(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}
	for i := range cfg.Tenants {
		for j := range cfg.Tenants[i].Upstreams {
			u := &cfg.Tenants[i].Upstreams[j]
			name := fmt.Sprintf("tenants[%d].upstreams[%d].timeout", i, j)
			if err := parseDuration(name, u.TimeoutRaw, &u.Timeout); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseDuration(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %q", name, raw)
	}
	*dst = d
	return nil
}

// Tenant returns the named tenant section.
func (c *Config) Tenant(name string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.Name == name {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// TenantNames lists configured tenants in file order.
func (c *Config) TenantNames() []string {
	out := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		out = append(out, t.Name)
	}
	return out
}

// Instances returns the tenant's upstreams in configuration order. An unknown
// tenant has none.
func (c *Config) Instances(tenant string) []upstream.Instance {
	t, ok := c.Tenant(tenant)
	if !ok {
		return nil
	}
	out := make([]upstream.Instance, 0, len(t.Upstreams))
	for _, u := range t.Upstreams {
		out = append(out, u.Instance())
	}
	return out
}

// FileSource rereads a configuration file on every call so that upstream
// edits take effect on the next refresh without a restart.
type FileSource struct {
	Path   string
	Tenant string
}

// Upstreams satisfies router.Source.
func (s FileSource) Upstreams(ctx context.Context) ([]upstream.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := Load(s.Path)
	if err != nil {
		return nil, err
	}
	tenant := s.Tenant
	if tenant == "" {
		tenant = DefaultTenant
	}
	return cfg.Instances(tenant), nil
}
