package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProgressSink receives progress notifications for one in-flight tool call.
type ProgressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(context.Context, *mcp.ProgressNotificationParams) error

func (f ProgressFunc) NotifyProgress(ctx context.Context, p *mcp.ProgressNotificationParams) error {
	return f(ctx, p)
}

type progressContextKey struct{}

// WithProgress makes CallTool request progress from the upstream and deliver
// each notification to sink while the call is in flight.
func WithProgress(ctx context.Context, sink ProgressSink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, progressContextKey{}, sink)
}

// ProgressFrom returns the sink installed by WithProgress, or nil. Client
// implementations that do not speak JSON-RPC use it to report progress.
func ProgressFrom(ctx context.Context) ProgressSink {
	sink, _ := ctx.Value(progressContextKey{}).(ProgressSink)
	return sink
}

// progressTracker maps the tokens the gateway hands to upstreams back to the
// sink of the call that minted them. Registrations linger for a short grace
// period so a notification racing the final response is still delivered.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]progressRegistration

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRegistration struct {
	sink ProgressSink
	seq  uint64
}

const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		sessions:     make(map[string]progressRegistration),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

func (pt *progressTracker) nextToken(upstream string) string {
	return fmt.Sprintf("gw/%s/%d", upstream, pt.counter.Add(1))
}

func (pt *progressTracker) register(upstream string, token any, sink ProgressSink) func() {
	key, ok := progressMapKey(upstream, token)
	if !ok {
		pt.logWarn("progress token unsupported", upstream, token)
		return func() {}
	}
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.sessions[key] = progressRegistration{sink: sink, seq: seq}
	pt.mu.Unlock()
	return func() {
		pt.removeLater(key, seq)
	}
}

func (pt *progressTracker) removeLater(key string, seq uint64) {
	if pt.cleanupGrace <= 0 {
		pt.removeIfMatch(key, seq)
		return
	}
	time.AfterFunc(pt.cleanupGrace, func() {
		pt.removeIfMatch(key, seq)
	})
}

func (pt *progressTracker) removeIfMatch(key string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.sessions[key]; ok && current.seq == seq {
		delete(pt.sessions, key)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) lookup(upstream string, token any) ProgressSink {
	key, ok := progressMapKey(upstream, token)
	if !ok {
		return nil
	}
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.sessions[key].sink
}

// dispatch decodes a notifications/progress payload and forwards it. Unknown
// tokens are dropped.
func (pt *progressTracker) dispatch(ctx context.Context, upstream string, raw json.RawMessage) {
	var params mcp.ProgressNotificationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		pt.logWarn("malformed progress notification", upstream, string(raw))
		return
	}
	sink := pt.lookup(upstream, params.ProgressToken)
	if sink == nil {
		pt.logger.Debug("progress for unknown token", "upstream", upstream, "token", params.ProgressToken)
		return
	}
	if err := sink.NotifyProgress(ctx, &params); err != nil {
		pt.logger.Debug("progress sink failed", "upstream", upstream, "error", err)
	}
}

func (pt *progressTracker) logWarn(msg, upstream string, token any) {
	if pt.logger == nil {
		return
	}
	pt.logger.Warn(msg, "upstream", upstream, "token", token)
}

func progressMapKey(upstream string, token any) (string, bool) {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		return "", false
	}
	switch v := normalized.(type) {
	case string:
		return upstream + "|s|" + v, true
	case int64:
		return fmt.Sprintf("%s|i|%d", upstream, v), true
	default:
		return "", false
	}
}

// normalizeProgressToken folds the shapes a token takes after a JSON round
// trip (float64, json.Number) onto string or int64.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}
