package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/metrics"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/router"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SourceFunc returns the upstream source for a tenant. ok is false for
// tenants the gateway should refuse.
type SourceFunc func(tenant string) (src router.Source, ok bool)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway in initialize responses.
	Implementation *mcp.Implementation
	// Instructions is returned to clients on initialize.
	Instructions string
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the MCP endpoint. Defaults to "/mcp".
	Path string
	// TenantHeader names the request header carrying the tenant. Defaults to
	// "X-Tenant-ID".
	TenantHeader string
	// DefaultTenant is used when the header is absent. Defaults to "default".
	DefaultTenant string
	// Sources supplies each tenant's upstreams. Required.
	Sources SourceFunc
	// Router is the template for per-tenant routers. Source, Tenant, Metrics
	// and Logger are filled in per tenant.
	Router router.Options
	// RefreshInterval is how often every tenant's upstream set is reloaded.
	// Defaults to 30s; negative disables the refresh loop.
	RefreshInterval time.Duration
	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string
	// Metrics receives request and upstream metrics. Defaults to a no-op.
	Metrics metrics.Metrics
	// MetricsPath mounts the Prometheus handler when set.
	MetricsPath string
	// Audit receives one entry per routed call.
	Audit AuditSink
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
	// MaxRequestBytes caps request bodies. Defaults to 4 MiB.
	MaxRequestBytes int64
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcpgateway",
			Title:   "MCP Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.TenantHeader == "" {
		opts.TenantHeader = "X-Tenant-ID"
	}
	if opts.DefaultTenant == "" {
		opts.DefaultTenant = "default"
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = 4 << 20
	}
	return opts
}
