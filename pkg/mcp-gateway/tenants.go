package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/router"
)

// ErrUnknownTenant is returned for tenants the source function refuses.
var ErrUnknownTenant = errors.New("mcpgateway: unknown tenant")

// tenantEntry is published before its first refresh completes; callers wait
// on ready so they never route against an empty upstream set.
type tenantEntry struct {
	router *router.Router
	ready  chan struct{}
}

type tenantRegistry struct {
	mu      sync.RWMutex
	entries map[string]*tenantEntry
	closed  bool
}

func newTenantRegistry() *tenantRegistry {
	return &tenantRegistry{entries: make(map[string]*tenantEntry)}
}

// Router returns the router of tenant, building and loading it on first use.
func (g *Gateway) Router(ctx context.Context, tenant string) (*router.Router, error) {
	g.tenants.mu.RLock()
	entry, ok := g.tenants.entries[tenant]
	g.tenants.mu.RUnlock()
	if !ok {
		var err error
		entry, err = g.createTenant(tenant)
		if err != nil {
			return nil, err
		}
	}
	select {
	case <-entry.ready:
		return entry.router, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) createTenant(tenant string) (*tenantEntry, error) {
	src, ok := g.opts.Sources(tenant)
	if !ok || src == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownTenant, tenant)
	}

	g.tenants.mu.Lock()
	if g.tenants.closed {
		g.tenants.mu.Unlock()
		return nil, errors.New("mcpgateway: gateway closed")
	}
	if entry, ok := g.tenants.entries[tenant]; ok {
		g.tenants.mu.Unlock()
		return entry, nil
	}
	opts := g.opts.Router
	opts.Source = src
	opts.Tenant = tenant
	opts.Metrics = g.opts.Metrics
	opts.Logger = g.opts.Logger
	entry := &tenantEntry{router: router.New(&opts), ready: make(chan struct{})}
	g.tenants.entries[tenant] = entry
	g.tenants.mu.Unlock()

	go func() {
		defer close(entry.ready)
		ctx, cancel := context.WithTimeout(context.Background(), g.refreshTimeout())
		defer cancel()
		if err := entry.router.Refresh(ctx); err != nil {
			g.logError("initial upstream load", err, "tenant", tenant)
		}
	}()
	return entry, nil
}

// Tenants lists tenants that have been served so far.
func (g *Gateway) Tenants() []string {
	g.tenants.mu.RLock()
	defer g.tenants.mu.RUnlock()
	return slices.Sorted(maps.Keys(g.tenants.entries))
}

// RefreshAll reloads the upstream set of every active tenant.
func (g *Gateway) RefreshAll(ctx context.Context) error {
	g.tenants.mu.RLock()
	entries := maps.Clone(g.tenants.entries)
	g.tenants.mu.RUnlock()

	var errs []error
	for tenant, entry := range entries {
		select {
		case <-entry.ready:
		default:
			continue
		}
		if err := entry.router.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) refreshLoop(ctx context.Context) {
	if g.opts.RefreshInterval < 0 {
		return
	}
	ticker := time.NewTicker(g.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, g.refreshTimeout())
			g.logError("refresh upstreams", g.RefreshAll(refreshCtx))
			cancel()
		}
	}
}

func (g *Gateway) refreshTimeout() time.Duration {
	if g.opts.RefreshInterval > 0 && g.opts.RefreshInterval < 30*time.Second {
		return g.opts.RefreshInterval
	}
	return 30 * time.Second
}

// tenantOf reads the tenant header, falling back to the default tenant.
func (g *Gateway) tenantOf(headerValue string) string {
	tenant := strings.TrimSpace(headerValue)
	if tenant == "" {
		return g.opts.DefaultTenant
	}
	return tenant
}

func (g *Gateway) closeTenants() error {
	g.tenants.mu.Lock()
	entries := g.tenants.entries
	g.tenants.entries = make(map[string]*tenantEntry)
	g.tenants.closed = true
	g.tenants.mu.Unlock()

	var errs []error
	for tenant, entry := range entries {
		<-entry.ready
		if err := entry.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	return errors.Join(errs...)
}
