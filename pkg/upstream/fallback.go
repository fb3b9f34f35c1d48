package upstream

import (
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

// fallbackClient runs over the streamable HTTP transport and switches to the
// HTTP+SSE transport once, when the first handshake fails at the transport
// level.
type fallbackClient struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	active   Client
	fallback func() Client
}

func (f *fallbackClient) current(ctx context.Context) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, streamErr := f.active.Initialize(ctx)
	if streamErr == nil {
		f.fallback = nil
		return f.active, nil
	}
	if f.fallback == nil || !errors.Is(streamErr, protocol.ErrTransport) {
		return nil, streamErr
	}
	next := f.fallback
	f.fallback = nil
	_ = f.active.Close()
	f.logger.Debug("streamable handshake failed, trying sse", "upstream", f.name, "error", streamErr)
	f.active = next()
	if _, err := f.active.Initialize(ctx); err != nil {
		gwErr, ok := protocol.AsError(err)
		if !ok {
			return nil, err
		}
		return nil, &protocol.Error{
			Kind:     gwErr.Kind,
			Upstream: f.name,
			Err:      fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err),
		}
	}
	return f.active, nil
}

func (f *fallbackClient) Initialize(ctx context.Context) (*Capabilities, error) {
	c, err := f.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.Initialize(ctx)
}

func (f *fallbackClient) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	c, err := f.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.ListTools(ctx)
}

func (f *fallbackClient) CallTool(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	c, err := f.current(ctx)
	if err != nil {
		if gwErr, ok := protocol.AsError(err); ok {
			return nil, gwErr.WithTool(name)
		}
		return nil, err
	}
	return c.CallTool(ctx, name, args, 0)
}

func (f *fallbackClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = nil
	return f.active.Close()
}
