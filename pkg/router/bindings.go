package router

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/upstream"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Binding maps a namespaced tool name to its owner.
type Binding struct {
	Name       string
	Upstream   string
	UpstreamID string
	Tool       string
}

type toolListing struct {
	tools    []*mcp.Tool
	native   map[string]struct{}
	listedAt time.Time
}

func (l *toolListing) has(tool string) bool {
	_, ok := l.native[tool]
	return ok
}

// bindingSnapshot is immutable once published. Tool names are not indexed:
// the namespace strategy already names the owner, and the listing confirms
// the tool exists.
type bindingSnapshot struct {
	listings map[string]*toolListing
}

// bindingIndex publishes tool listings copy-on-write: readers load a snapshot
// without locking, writers serialize on mu and swap the pointer.
type bindingIndex struct {
	ns NamespaceStrategy

	mu   sync.Mutex
	snap atomic.Pointer[bindingSnapshot]
}

func newBindingIndex(ns NamespaceStrategy) *bindingIndex {
	b := &bindingIndex{ns: ns}
	b.snap.Store(&bindingSnapshot{listings: map[string]*toolListing{}})
	return b
}

func (b *bindingIndex) load() *bindingSnapshot { return b.snap.Load() }

// update replaces the listing of one upstream.
func (b *bindingIndex) update(inst upstream.Instance, tools []*mcp.Tool, now time.Time) *toolListing {
	listing := &toolListing{
		tools:    make([]*mcp.Tool, 0, len(tools)),
		native:   make(map[string]struct{}, len(tools)),
		listedAt: now,
	}
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		gatewayName := b.ns.ToolName(inst.Name, tool.Name)
		listing.tools = append(listing.tools, cloneTool(tool, gatewayName, inst))
		listing.native[tool.Name] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	next := &bindingSnapshot{listings: maps.Clone(b.load().listings)}
	next.listings[inst.Name] = listing
	b.snap.Store(next)
	return listing
}

// drop forgets the listings of the named upstreams.
func (b *bindingIndex) drop(names ...string) {
	if len(names) == 0 {
		return
	}
	gone := make(map[string]struct{}, len(names))
	for _, n := range names {
		gone[n] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.load()
	next := &bindingSnapshot{listings: make(map[string]*toolListing, len(old.listings))}
	for upstreamName, listing := range old.listings {
		if _, ok := gone[upstreamName]; !ok {
			next.listings[upstreamName] = listing
		}
	}
	b.snap.Store(next)
}

// fresh returns the listing for upstreamName if it is younger than ttl.
func (b *bindingIndex) fresh(upstreamName string, ttl time.Duration, now time.Time) (*toolListing, bool) {
	listing, ok := b.load().listings[upstreamName]
	if !ok || now.Sub(listing.listedAt) >= ttl {
		return nil, false
	}
	return listing, true
}

func cloneTool(tool *mcp.Tool, gatewayName string, inst upstream.Instance) *mcp.Tool {
	clone := *tool
	clone.Name = gatewayName
	clone.Meta = withMeta(tool.Meta, map[string]any{
		protocol.MetaKeyUpstream:   inst.Name,
		protocol.MetaKeyUpstreamID: inst.Key(),
		protocol.MetaKeyNativeName: tool.Name,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
