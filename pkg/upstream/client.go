package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrConnectionBroken is wrapped into errors after which a client can no
// longer be used, whatever their kind. Owners should replace the client.
var ErrConnectionBroken = errors.New("connection broken")

// Client is the capability set the router needs from an upstream.
type Client interface {
	// Initialize performs the MCP handshake. It is idempotent: later calls
	// return the capabilities negotiated by the first successful one.
	Initialize(ctx context.Context) (*Capabilities, error)
	// ListTools returns every tool the upstream exposes, following pagination.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	// CallTool invokes a tool by its native name. args are forwarded verbatim.
	// A zero timeout means the caller's context alone bounds the call.
	CallTool(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*ToolResult, error)
	Close() error
}

// Capabilities is what an upstream announced during initialize.
type Capabilities struct {
	ProtocolVersion string                  `json:"protocolVersion"`
	ServerInfo      *mcp.Implementation     `json:"serverInfo"`
	Capabilities    *mcp.ServerCapabilities `json:"capabilities"`
	Instructions    string                  `json:"instructions,omitempty"`
}

// ToolResult is an opaque tools/call result. Only isError is inspected.
type ToolResult struct {
	Raw     json.RawMessage
	IsError bool
}

// MarshalJSON forwards the upstream's result untouched.
func (r *ToolResult) MarshalJSON() ([]byte, error) {
	if r == nil || len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// ClientOptions tune every client the package builds.
type ClientOptions struct {
	// Implementation is announced to upstreams as clientInfo.
	Implementation *mcp.Implementation
	Logger         *slog.Logger
	// MaxToolPages bounds tools/list pagination. Defaults to 32.
	MaxToolPages int
	// CancelTimeout bounds the best-effort notifications/cancelled sent after
	// a call times out. Defaults to 2s.
	CancelTimeout time.Duration
}

func (o *ClientOptions) withDefaults() ClientOptions {
	if o == nil {
		o = &ClientOptions{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{Name: "mcpgateway", Version: "1.0.0"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxToolPages <= 0 {
		opts.MaxToolPages = 32
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 2 * time.Second
	}
	return opts
}

// rpcConn is the connection half of a client: one request, one matching
// response.
type rpcConn interface {
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
	notify(ctx context.Context, method string, params any) error
	// negotiated records the protocol version agreed during initialize.
	negotiated(version string)
	close() error
}

// client implements Client on top of an rpcConn.
type client struct {
	name     string
	conn     rpcConn
	opts     ClientOptions
	progress *progressTracker

	initMu sync.Mutex
	caps   *Capabilities
}

func newClient(name string, conn rpcConn, opts ClientOptions, progress *progressTracker) *client {
	return &client{name: name, conn: conn, opts: opts, progress: progress}
}

func (c *client) Initialize(ctx context.Context) (*Capabilities, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.caps != nil {
		return c.caps, nil
	}
	params := map[string]any{
		"protocolVersion": protocol.LatestVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      c.opts.Implementation,
	}
	raw, err := c.conn.call(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	caps, err := decodeCapabilities(c.name, raw)
	if err != nil {
		return nil, err
	}
	c.conn.negotiated(caps.ProtocolVersion)
	if err := c.conn.notify(ctx, protocol.MethodInitialized, nil); err != nil {
		return nil, err
	}
	c.caps = caps
	c.opts.Logger.Debug("upstream initialized",
		"upstream", c.name,
		"protocol_version", caps.ProtocolVersion,
		"server", serverName(caps.ServerInfo))
	return caps, nil
}

func (c *client) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if _, err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	var tools []*mcp.Tool
	cursor := ""
	for page := 0; page < c.opts.MaxToolPages; page++ {
		var params any
		if cursor != "" {
			params = protocol.ListToolsParams{Cursor: cursor}
		}
		raw, err := c.conn.call(ctx, protocol.MethodToolsList, params)
		if err != nil {
			return nil, err
		}
		var result struct {
			Tools      []*mcp.Tool `json:"tools"`
			NextCursor string      `json:"nextCursor,omitempty"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, protocol.WrapError(protocol.KindProtocol, c.name, fmt.Errorf("decode tools/list result: %w", err))
		}
		for _, tool := range result.Tools {
			if tool == nil || tool.Name == "" {
				return nil, protocol.NewError(protocol.KindProtocol, c.name, "tools/list returned a tool without a name")
			}
			tools = append(tools, tool)
		}
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	c.opts.Logger.Warn("tools/list pagination truncated", "upstream", c.name, "pages", c.opts.MaxToolPages)
	return tools, nil
}

func (c *client) CallTool(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if _, err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	params := protocol.CallToolParams{Name: name, Arguments: args}
	if sink := ProgressFrom(ctx); sink != nil && c.progress != nil {
		token := c.progress.nextToken(c.name)
		params.Meta = map[string]any{protocol.MetaKeyProgressToken: token}
		release := c.progress.register(c.name, token, sink)
		defer release()
	}
	raw, err := c.conn.call(ctx, protocol.MethodToolsCall, params)
	if err != nil {
		if gwErr, ok := protocol.AsError(err); ok {
			return nil, gwErr.WithTool(name)
		}
		return nil, err
	}
	return decodeToolResult(c.name, name, raw)
}

func (c *client) Close() error { return c.conn.close() }

func decodeCapabilities(upstream string, raw json.RawMessage) (*Capabilities, error) {
	var caps Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, protocol.WrapError(protocol.KindProtocol, upstream, fmt.Errorf("decode initialize result: %w", err))
	}
	if caps.ProtocolVersion == "" {
		return nil, protocol.NewError(protocol.KindProtocol, upstream, "initialize result has no protocolVersion")
	}
	if !protocol.IsSupportedVersion(caps.ProtocolVersion) {
		return nil, protocol.NewError(protocol.KindProtocol, upstream, "unsupported protocol version %q", caps.ProtocolVersion)
	}
	return &caps, nil
}

func decodeToolResult(upstream, tool string, raw json.RawMessage) (*ToolResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, protocol.NewError(protocol.KindProtocol, upstream, "tools/call result is not an object").WithTool(tool)
	}
	var shape struct {
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(trimmed, &shape); err != nil {
		return nil, protocol.WrapError(protocol.KindProtocol, upstream, fmt.Errorf("decode tools/call result: %w", err)).WithTool(tool)
	}
	return &ToolResult{Raw: append(json.RawMessage(nil), trimmed...), IsError: shape.IsError}, nil
}

// remoteError converts a JSON-RPC error response into an UpstreamError that
// keeps the upstream's code, message and data.
func remoteError(upstream string, err error) *protocol.Error {
	obj := protocol.ErrorObject{Message: err.Error()}
	if raw, mErr := json.Marshal(err); mErr == nil {
		_ = json.Unmarshal(raw, &obj)
	}
	return &protocol.Error{
		Kind:     protocol.KindUpstream,
		Upstream: upstream,
		Code:     obj.Code,
		Message:  obj.Message,
		Data:     obj.Data,
	}
}

// deadlineError reduces a finished context to the matching gateway error.
// Plain cancellation is returned as-is so the breaker does not count it.
func deadlineError(ctx context.Context, upstream string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return protocol.WrapError(protocol.KindTimeout, upstream, ctx.Err())
	}
	return ctx.Err()
}

func serverName(impl *mcp.Implementation) string {
	if impl == nil {
		return ""
	}
	return impl.Name
}
