package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/metrics"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/router"
	"github.com/rs/cors"
)

// Gateway serves the MCP endpoint for every tenant.
type Gateway struct {
	opts Options

	tenants  *tenantRegistry
	inflight *inflightCalls

	mux         *http.ServeMux
	httpHandler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Gateway. Tenant routers are created on first request.
func New(opts *Options) (*Gateway, error) {
	if opts == nil || opts.Sources == nil {
		return nil, fmt.Errorf("mcpgateway: upstream sources are required")
	}
	options := opts.withDefaults()
	if !strings.HasPrefix(options.Path, "/") {
		options.Path = "/" + options.Path
	}
	g := &Gateway{
		opts:     options,
		tenants:  newTenantRegistry(),
		inflight: newInflightCalls(),
	}
	g.httpHandler = g.mountHandler()
	return g, nil
}

// Options returns the effective options.
func (g *Gateway) Options() Options {
	return g.opts
}

// Handler exposes the HTTP handler that serves the MCP endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux exposes the underlying mux so callers can add routes next to the
// MCP endpoint, before or after serving starts.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// ListenAndServe runs an HTTP server and the upstream refresh loop until the
// provided context is cancelled or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{
		Addr:              g.opts.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go g.refreshLoop(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// Close cancels in-flight calls and disconnects every upstream of every
// tenant.
func (g *Gateway) Close() error {
	g.inflight.cancelAll()
	return g.closeTenants()
}

func (g *Gateway) mountHandler() http.Handler {
	mux := http.NewServeMux()
	mcpHandler := http.HandlerFunc(g.serveMCP)
	mux.Handle(g.opts.Path, mcpHandler)
	if !strings.HasSuffix(g.opts.Path, "/") {
		mux.Handle(g.opts.Path+"/", mcpHandler)
	}
	mux.HandleFunc("/healthz", g.serveHealth)
	if g.opts.MetricsPath != "" {
		mux.Handle(g.opts.MetricsPath, metrics.NewMetricsHandler(g.opts.Metrics, g.opts.Logger))
	}
	g.mux = mux

	var handler http.Handler = g.instrument(mux)
	if len(g.opts.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: g.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{
				"Accept", "Authorization", "Content-Type",
				g.opts.TenantHeader, sessionIDHeader, protocolVersionHeader,
			},
			ExposedHeaders: []string{sessionIDHeader},
		}).Handler(handler)
	}
	return handler
}

type healthResponse struct {
	Status  string                             `json:"status"`
	Tenants map[string][]router.UpstreamStatus `json:"tenants"`
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Tenants: make(map[string][]router.UpstreamStatus)}
	g.tenants.mu.RLock()
	for tenant, entry := range g.tenants.entries {
		resp.Tenants[tenant] = entry.router.Status()
	}
	g.tenants.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (g *Gateway) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		g.opts.Metrics.IncrementHTTPRequests()
		if rec.status >= http.StatusBadRequest {
			g.opts.Metrics.IncrementHTTPErrors()
		}
		// the mux records the matched pattern on r
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		g.opts.Metrics.ObserveAPIEndpointDuration(pattern, r.Method, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
