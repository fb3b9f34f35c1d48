// Package router decides where each client request goes. Tool names are
// namespaced "{upstream}:{tool}"; a call is routed by prefix to one upstream
// through its circuit breaker, and tools/list fans out to every enabled
// upstream, tolerating the ones that fail.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/breaker"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/metrics"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/stream"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/upstream"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"
)

// Source supplies the current upstream set.
type Source interface {
	Upstreams(ctx context.Context) ([]upstream.Instance, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]upstream.Instance, error)

func (f SourceFunc) Upstreams(ctx context.Context) ([]upstream.Instance, error) { return f(ctx) }

// StaticSource always returns the same instances.
type StaticSource []upstream.Instance

func (s StaticSource) Upstreams(context.Context) ([]upstream.Instance, error) {
	return append([]upstream.Instance(nil), s...), nil
}

// Options configure a Router.
type Options struct {
	// Namespace maps tool names. Defaults to ServerPrefixNamespace with ":".
	Namespace NamespaceStrategy
	// Source is consulted by Refresh.
	Source Source
	// Dial builds upstream clients. Defaults to a zero upstream.Dialer.
	Dial upstream.DialFunc
	// Breaker configures the per-upstream circuit breakers.
	Breaker breaker.Config
	// CallTimeout bounds a tools/call unless the instance sets its own.
	// Defaults to 30s.
	CallTimeout time.Duration
	// ListTimeout bounds a per-upstream tools/list. Defaults to 10s.
	ListTimeout time.Duration
	// ToolCacheTTL is how long a tools/list answer is trusted for binding
	// checks. Defaults to 60s.
	ToolCacheTTL time.Duration
	// MaxConcurrency bounds parallel upstream requests in a fan-out. Zero
	// dispatches to every upstream at once, so a fan-out takes as long as its
	// slowest upstream.
	MaxConcurrency int
	// Heartbeat is the interval between heartbeat events on streamed
	// requests. Defaults to 15s.
	Heartbeat time.Duration
	// Tenant labels logs and metrics.
	Tenant  string
	Metrics metrics.Metrics
	Logger  *slog.Logger
	// Now replaces time.Now, mainly for tests.
	Now func() time.Time
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.Source == nil {
		opts.Source = StaticSource(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dial == nil {
		dialer := &upstream.Dialer{Logger: opts.Logger}
		opts.Dial = dialer.Dial
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 10 * time.Second
	}
	if opts.ToolCacheTTL <= 0 {
		opts.ToolCacheTTL = time.Minute
	}
	if opts.MaxConcurrency < 0 {
		opts.MaxConcurrency = 0
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Tenant == "" {
		opts.Tenant = "default"
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// Router routes client requests across a dynamic upstream set.
type Router struct {
	opts     Options
	logger   *slog.Logger
	breakers *breaker.Manager
	bindings *bindingIndex

	refreshMu sync.Mutex
	set       atomic.Pointer[upstreamSet]
	lists     singleflight.Group
}

// New builds a Router with an empty upstream set. Call Refresh or
// SetInstances to populate it.
func New(opts *Options) *Router {
	options := opts.withDefaults()
	r := &Router{
		opts:     options,
		logger:   options.Logger.With("tenant", options.Tenant),
		bindings: newBindingIndex(options.Namespace),
	}
	r.breakers = breaker.NewManager(options.Breaker,
		breaker.WithClock(options.Now),
		breaker.WithStateChange(r.onBreakerChange))
	r.set.Store(&upstreamSet{byName: map[string]*member{}})
	return r
}

// Refresh reloads the upstream set from the Source.
func (r *Router) Refresh(ctx context.Context) error {
	insts, err := r.opts.Source.Upstreams(ctx)
	if err != nil {
		return fmt.Errorf("router: refresh upstreams: %w", err)
	}
	r.SetInstances(insts)
	return nil
}

// SetInstances replaces the upstream set. Unchanged upstreams keep their
// connection; changed and removed ones are closed and forgotten. Invalid or
// duplicate entries are skipped.
func (r *Router) SetInstances(insts []upstream.Instance) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	old := r.set.Load()
	next := &upstreamSet{byName: make(map[string]*member, len(insts))}
	kept := make(map[*member]bool, len(old.order))
	added := 0
	for _, inst := range insts {
		if err := inst.Validate(r.opts.Namespace.Separator()); err != nil {
			r.logger.Warn("skipping invalid upstream", "upstream", inst.Name, "error", err)
			continue
		}
		if _, dup := next.byName[inst.Name]; dup {
			r.logger.Warn("skipping duplicate upstream", "upstream", inst.Name)
			continue
		}
		m, ok := old.lookup(inst.Name)
		if ok && m.inst.Equal(inst) {
			kept[m] = true
		} else {
			m = newMember(inst)
			added++
		}
		next.order = append(next.order, m)
		next.byName[inst.Name] = m
	}
	r.set.Store(next)

	var stale []string
	for _, m := range old.order {
		if kept[m] {
			continue
		}
		stale = append(stale, m.inst.Name)
		r.breakers.Reset(m.inst.Key())
		if err := m.close(); err != nil {
			r.logger.Debug("close upstream", "upstream", m.inst.Name, "error", err)
		}
	}
	r.bindings.drop(stale...)

	routable := len(next.routable())
	r.opts.Metrics.SetUpstreams(r.opts.Tenant, routable)
	if added > 0 || len(stale) > 0 {
		r.logger.Info("upstreams updated", "routable", routable, "added", added, "removed", len(stale))
	}
}

// Upstreams returns every known instance in configuration order, including
// disabled ones.
func (r *Router) Upstreams() []upstream.Instance {
	set := r.set.Load()
	out := make([]upstream.Instance, 0, len(set.order))
	for _, m := range set.order {
		out = append(out, m.inst)
	}
	return out
}

// UpstreamStatus is a point-in-time health view of one upstream.
type UpstreamStatus struct {
	Name      string                 `json:"name"`
	ID        string                 `json:"id,omitempty"`
	Transport upstream.TransportKind `json:"transport"`
	Enabled   bool                   `json:"enabled"`
	Breaker   breaker.State          `json:"breaker"`
	Failures  int                    `json:"failures"`
	Tools     int                    `json:"tools"`
	ListedAt  time.Time              `json:"listedAt,omitzero"`
}

// Status reports breaker and cache state for every known upstream.
func (r *Router) Status() []UpstreamStatus {
	set := r.set.Load()
	snap := r.bindings.load()
	out := make([]UpstreamStatus, 0, len(set.order))
	for _, m := range set.order {
		b := r.breakers.Snapshot(m.inst.Key())
		st := UpstreamStatus{
			Name:      m.inst.Name,
			ID:        m.inst.ID,
			Transport: m.inst.TransportOf(),
			Enabled:   m.inst.Enabled,
			Breaker:   b.State,
			Failures:  b.Failures,
		}
		if listing, ok := snap.listings[m.inst.Name]; ok {
			st.Tools = len(listing.tools)
			st.ListedAt = listing.listedAt
		}
		out = append(out, st)
	}
	return out
}

// Resolve maps a namespaced tool name to its binding without contacting the
// upstream.
func (r *Router) Resolve(name string) (Binding, error) {
	b, _, err := r.resolve(name)
	return b, err
}

func (r *Router) resolve(name string) (Binding, *member, error) {
	upstreamName, tool, ok := r.opts.Namespace.Split(name)
	if !ok {
		return Binding{}, nil, &protocol.Error{Kind: protocol.KindUnknownTool, Tool: name, Message: "tool name has no upstream prefix"}
	}
	m, ok := r.set.Load().lookup(upstreamName)
	if !ok || !m.inst.Enabled {
		return Binding{}, nil, &protocol.Error{Kind: protocol.KindUnknownTool, Tool: name, Message: fmt.Sprintf("no upstream named %q", upstreamName)}
	}
	return Binding{Name: name, Upstream: upstreamName, UpstreamID: m.inst.ID, Tool: tool}, m, nil
}

// CallTool routes a tools/call to the owning upstream.
func (r *Router) CallTool(ctx context.Context, name string, args json.RawMessage) (*upstream.ToolResult, error) {
	b, m, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := r.checkBinding(ctx, m, b); err != nil {
		return nil, err
	}
	return r.invoke(ctx, m, b, args)
}

// StreamCallTool is CallTool delivered as a stream session. Upstream progress
// notifications are relayed as progress events. Routing errors are returned
// directly; upstream errors arrive as the terminal error event.
func (r *Router) StreamCallTool(ctx context.Context, name string, args json.RawMessage) (*stream.Session, error) {
	b, m, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := r.checkBinding(ctx, m, b); err != nil {
		return nil, err
	}
	dispatch := func(ctx context.Context, session *stream.Session, _ string) (any, error) {
		ctx = upstream.WithProgress(ctx, upstream.ProgressFunc(func(_ context.Context, p *mcp.ProgressNotificationParams) error {
			session.Notify(stream.Progress{Current: p.Progress, Total: p.Total, Message: p.Message})
			return nil
		}))
		return r.invoke(ctx, m, b, args)
	}
	return r.aggregator().Run(ctx, []string{m.inst.Name}, mergeSingle, dispatch), nil
}

func mergeSingle(results []stream.Result) (any, error) {
	return results[0].Data, results[0].Err
}

func (r *Router) invoke(ctx context.Context, m *member, b Binding, args json.RawMessage) (*upstream.ToolResult, error) {
	timeout := r.callTimeout(m)
	start := r.opts.Now()
	res, err := breaker.Do(ctx, r.breakers, m.inst.Key(), func(ctx context.Context) (*upstream.ToolResult, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		client, err := m.get(ctx, r.opts.Dial)
		if err != nil {
			return nil, err
		}
		res, err := client.CallTool(ctx, b.Tool, args, timeout)
		m.observe(client, err)
		return res, err
	})
	if err := r.finish(ctx, m, protocol.MethodToolsCall, b.Name, start, err); err != nil {
		return nil, err
	}
	return res, nil
}

// checkBinding rejects a tool that a fresh listing says the upstream does not
// have, after one refresh-on-miss. Without a fresh listing the call is routed
// by prefix alone.
func (r *Router) checkBinding(ctx context.Context, m *member, b Binding) error {
	listing, ok := r.bindings.fresh(m.inst.Name, r.opts.ToolCacheTTL, r.opts.Now())
	if !ok || listing.has(b.Tool) {
		return nil
	}
	listing, err := r.relist(ctx, m)
	if err != nil {
		r.logger.Debug("refresh on miss failed", "upstream", m.inst.Name, "tool", b.Name, "error", err)
		return nil
	}
	if listing.has(b.Tool) {
		return nil
	}
	return &protocol.Error{
		Kind:     protocol.KindUnknownTool,
		Upstream: m.inst.Name,
		Tool:     b.Name,
		Message:  fmt.Sprintf("upstream does not expose %q", b.Tool),
	}
}

// relist performs a deduplicated tools/list for one upstream. The shared
// listing is detached from any single caller's cancellation.
func (r *Router) relist(ctx context.Context, m *member) (*toolListing, error) {
	ch := r.lists.DoChan(m.inst.Name, func() (any, error) {
		return r.listUpstream(context.WithoutCancel(ctx), m)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*toolListing), nil
	}
}

func (r *Router) listUpstream(ctx context.Context, m *member) (*toolListing, error) {
	timeout := r.listTimeout(m)
	start := r.opts.Now()
	tools, err := breaker.Do(ctx, r.breakers, m.inst.Key(), func(ctx context.Context) ([]*mcp.Tool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		client, err := m.get(ctx, r.opts.Dial)
		if err != nil {
			return nil, err
		}
		tools, err := client.ListTools(ctx)
		m.observe(client, err)
		return tools, err
	})
	if err := r.finish(ctx, m, protocol.MethodToolsList, "", start, err); err != nil {
		return nil, err
	}
	listing := r.bindings.update(m.inst, tools, r.opts.Now())
	if cur, ok := r.set.Load().lookup(m.inst.Name); !ok || cur != m {
		r.bindings.drop(m.inst.Name)
	}
	return listing, nil
}

// ListTools fans tools/list out to every enabled upstream and merges the
// answers in configuration order.
func (r *Router) ListTools(ctx context.Context) (*protocol.ToolsListResult, error) {
	session := r.StreamListTools(ctx)
	res, err := stream.Collect(ctx, session.Events())
	if err != nil {
		return nil, err
	}
	return res.(*protocol.ToolsListResult), nil
}

// StreamListTools is ListTools delivered as a stream session.
func (r *Router) StreamListTools(ctx context.Context) *stream.Session {
	set := r.set.Load()
	members := set.routable()
	targets := make([]string, 0, len(members))
	for _, m := range members {
		targets = append(targets, m.inst.Name)
	}
	dispatch := func(ctx context.Context, _ *stream.Session, target string) (any, error) {
		m, ok := set.lookup(target)
		if !ok {
			return nil, protocol.NewError(protocol.KindTransport, target, "upstream removed")
		}
		listing, err := r.listUpstream(ctx, m)
		if err != nil {
			return nil, err
		}
		return listing.tools, nil
	}
	return r.aggregator().Run(ctx, targets, r.mergeTools, dispatch)
}

func (r *Router) mergeTools(results []stream.Result) (any, error) {
	out := &protocol.ToolsListResult{
		Tools: []*mcp.Tool{},
		Meta: &protocol.AggregateMeta{
			Contributors: []string{},
			Unavailable:  []protocol.Cause{},
		},
	}
	for _, res := range results {
		if res.Err != nil {
			out.Meta.Unavailable = append(out.Meta.Unavailable, stream.CauseOf(res.Target, res.Err))
			continue
		}
		out.Meta.Contributors = append(out.Meta.Contributors, res.Target)
		tools, _ := res.Data.([]*mcp.Tool)
		out.Tools = append(out.Tools, tools...)
	}
	r.opts.Metrics.ObserveFanOut(protocol.MethodToolsList, len(out.Meta.Contributors), len(out.Meta.Unavailable))
	if err := stream.AllFailed(results); err != nil {
		return nil, err
	}
	return out, nil
}

// finish classifies the outcome of one guarded upstream attempt and records
// it. Rejections and caller cancellations are not completed attempts.
func (r *Router) finish(ctx context.Context, m *member, method, tool string, start time.Time, err error) error {
	name := m.inst.Name
	if err == nil {
		r.opts.Metrics.ObserveUpstreamCall(name, method, metrics.OutcomeSuccess, r.opts.Now().Sub(start).Seconds())
		return nil
	}
	var open *breaker.OpenError
	if errors.As(err, &open) {
		r.opts.Metrics.IncrementRejected(name)
		return &protocol.Error{Kind: protocol.KindRejected, Upstream: name, Tool: tool, Err: open}
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if protocol.KindOf(err) == "" && errors.Is(err, context.DeadlineExceeded) {
		err = protocol.WrapError(protocol.KindTimeout, name, err)
	}
	if gwErr, ok := protocol.AsError(err); ok && tool != "" {
		err = gwErr.WithTool(tool)
	}
	outcome := string(protocol.KindOf(err))
	if outcome == "" {
		outcome = "error"
	}
	r.opts.Metrics.ObserveUpstreamCall(name, method, outcome, r.opts.Now().Sub(start).Seconds())
	r.logger.Debug("upstream attempt failed", "upstream", name, "method", method, "error", err)
	return err
}

func (r *Router) callTimeout(m *member) time.Duration {
	if m.inst.Timeout > 0 {
		return m.inst.Timeout
	}
	return r.opts.CallTimeout
}

func (r *Router) listTimeout(m *member) time.Duration {
	if m.inst.Timeout > 0 && m.inst.Timeout < r.opts.ListTimeout {
		return m.inst.Timeout
	}
	return r.opts.ListTimeout
}

func (r *Router) aggregator() *stream.Aggregator {
	return &stream.Aggregator{
		Heartbeat:      r.opts.Heartbeat,
		MaxConcurrency: r.opts.MaxConcurrency,
		Logger:         r.logger,
	}
}

func (r *Router) onBreakerChange(id string, from, to breaker.State) {
	name := id
	for _, m := range r.set.Load().order {
		if m.inst.Key() == id {
			name = m.inst.Name
			break
		}
	}
	r.opts.Metrics.SetBreakerState(name, string(to))
	r.logger.Info("circuit breaker state changed", "upstream", name, "from", from, "to", to)
}

// Close disconnects every upstream. The router keeps answering with an empty
// upstream set afterwards.
func (r *Router) Close() error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	old := r.set.Swap(&upstreamSet{byName: map[string]*member{}})
	var errs []error
	for _, m := range old.order {
		if err := m.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.inst.Name, err))
		}
	}
	r.bindings.drop(namesOf(old.order)...)
	return errors.Join(errs...)
}

func namesOf(members []*member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.inst.Name)
	}
	return out
}
