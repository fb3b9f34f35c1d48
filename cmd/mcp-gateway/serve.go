package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	mcpgateway "github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/mcp-gateway"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/breaker"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/config"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/logging"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/metrics"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/router"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/store"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/upstream"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Start the gateway",
	Flags: []cli.Flag{
		configFlag(),
		&cli.StringFlag{
			Name:    "listen",
			Aliases: []string{"l"},
			Usage:   "Override server.addr from the configuration",
		},
	},
	Action: serveAction,
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return cli.Exit(fmt.Errorf("failed to load config: %w", err), 1)
	}
	if addr := cmd.String("listen"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := logging.Setup(cfg.Logging.Format, cfg.Logging.Level, os.Stderr)
	if err != nil {
		return cli.Exit(fmt.Errorf("failed to set up logging: %w", err), 1)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, cleanup, err := buildGateway(ctx, cfg, configPath, logger)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer func() {
		if err := cleanup(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	opts := gw.Options()
	logger.Info("gateway listening", "addr", opts.Addr, "path", opts.Path, "tenants", cfg.TenantNames())
	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

// buildGateway assembles a gateway from cfg. The returned cleanup closes
// upstream connections and the database.
func buildGateway(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) (*mcpgateway.Gateway, func() error, error) {
	impl := &mcp.Implementation{Name: cfg.Gateway.Name, Version: Version}

	var m metrics.Metrics = metrics.NewNoopMetrics()
	metricsPath := ""
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(metrics.InstanceInfo{Version: Version})
		metricsPath = cfg.Metrics.Path
	}

	sources, st, err := buildSources(ctx, cfg, configPath, logger)
	if err != nil {
		return nil, nil, err
	}

	dialer := &upstream.Dialer{Implementation: impl, Logger: logger.With("component", "upstream")}
	opts := &mcpgateway.Options{
		Implementation: impl,
		Addr:           cfg.Server.Addr,
		Path:           cfg.Server.Path,
		TenantHeader:   cfg.Server.TenantHeader,
		DefaultTenant:  config.DefaultTenant,
		Sources:        sources,
		Router: router.Options{
			Namespace: router.ServerPrefixNamespace{Sep: cfg.Gateway.Separator},
			Dial:      dialer.Dial,
			Breaker: breaker.Config{
				Threshold:  cfg.Breaker.Threshold,
				MinBackoff: cfg.Breaker.MinBackoff,
				MaxBackoff: cfg.Breaker.MaxBackoff,
			},
			CallTimeout:    cfg.Gateway.CallTimeout,
			ListTimeout:    cfg.Gateway.ListTimeout,
			ToolCacheTTL:   cfg.Gateway.ToolCacheTTL,
			MaxConcurrency: cfg.Gateway.MaxConcurrency,
			Heartbeat:      cfg.Gateway.Heartbeat,
		},
		RefreshInterval: cfg.Gateway.RefreshInterval,
		AllowedOrigins:  cfg.Server.CORSOrigins,
		Metrics:         m,
		MetricsPath:     metricsPath,
		Logger:          logger.With("component", "gateway"),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	if st != nil {
		opts.Audit = st
	}

	gw, err := mcpgateway.New(opts)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, nil, fmt.Errorf("failed to build gateway: %w", err)
	}
	cleanup := func() error {
		err := gw.Close()
		if st != nil {
			err = errors.Join(err, st.Close())
		}
		return err
	}
	return gw, cleanup, nil
}

// buildSources picks where tenants' upstreams come from. With a database the
// configured tenants seed it and the store is authoritative; otherwise the
// configuration file is reread on every refresh.
func buildSources(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) (mcpgateway.SourceFunc, *store.Store, error) {
	if cfg.Database.Path == "" {
		return func(tenant string) (router.Source, bool) {
			if _, ok := cfg.Tenant(tenant); !ok {
				return nil, false
			}
			return config.FileSource{Path: configPath, Tenant: tenant}, true
		}, nil, nil
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, tenant := range cfg.TenantNames() {
		added, err := st.Seed(ctx, tenant, cfg.Instances(tenant))
		if err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("failed to seed tenant %s: %w", tenant, err)
		}
		if added > 0 {
			logger.Info("seeded upstreams", "tenant", tenant, "added", added)
		}
	}
	return func(tenant string) (router.Source, bool) {
		if _, ok := cfg.Tenant(tenant); !ok {
			known, err := st.Tenants(context.Background())
			if err != nil || !slices.Contains(known, tenant) {
				return nil, false
			}
		}
		return store.TenantSource{Store: st, Tenant: tenant}, true
	}, st, nil
}
