package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/stream"
)

// eventMessage carries JSON-RPC messages on the stream: relayed
// notifications/progress and the final response.
const eventMessage = "message"

type sseWriter struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	seq int
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// frame writes one event and flushes it to the client.
func (s *sseWriter) frame(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", strconv.Itoa(s.seq), event, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// streamSession relays a fan-out session as server-sent events. Each event
// is written under its type; the terminal event is followed by the JSON-RPC
// response so plain MCP clients still see an answer.
func (g *Gateway) streamSession(ctx context.Context, w http.ResponseWriter, call *rpcCall, session *stream.Session) {
	sse := newSSEWriter(w)
	logger := g.opts.Logger.With("tenant", call.tenant, "method", call.req.Method, "session", session.ID())

	for {
		select {
		case <-ctx.Done():
			g.audit(call, ctx.Err())
			logger.Debug("client left stream", "error", ctx.Err())
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			if err := sse.frame(string(ev.EventType()), ev); err != nil {
				logger.Debug("stream write failed", "error", err)
				g.audit(call, err)
				return
			}
			switch e := ev.(type) {
			case stream.Progress:
				g.relayProgress(sse, call, e, logger)
			case stream.FinalResult:
				g.audit(call, nil)
				resp, err := protocol.NewResult(call.req.ID, e.Response)
				if err != nil {
					resp = protocol.NewErrorResponse(call.req.ID, err)
				}
				g.writeFinal(sse, resp, logger)
				return
			case stream.ErrorEvent:
				g.audit(call, e.Err)
				g.logCallError(call, e.Err)
				g.writeFinal(sse, protocol.NewErrorResponse(call.req.ID, e.Err), logger)
				return
			}
		}
	}
}

func (g *Gateway) relayProgress(sse *sseWriter, call *rpcCall, p stream.Progress, logger *slog.Logger) {
	if len(call.progressToken) == 0 {
		return
	}
	params, err := json.Marshal(progressParams{
		ProgressToken: call.progressToken,
		Progress:      p.Current,
		Total:         p.Total,
		Message:       p.Message,
	})
	if err != nil {
		return
	}
	note := &protocol.Notification{JSONRPC: "2.0", Method: protocol.MethodProgress, Params: params}
	if err := sse.frame(eventMessage, note); err != nil {
		logger.Debug("progress relay failed", "error", err)
	}
}

func (g *Gateway) writeFinal(sse *sseWriter, resp *protocol.Response, logger *slog.Logger) {
	if err := sse.frame(eventMessage, resp); err != nil {
		logger.Debug("final frame failed", "error", err)
	}
}

type progressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         float64         `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}
