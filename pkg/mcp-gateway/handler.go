package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
)

// rpcCall carries one client request through dispatch and auditing.
type rpcCall struct {
	req     *protocol.Request
	tenant  string
	session string
	start   time.Time

	tool          string
	upstream      string
	progressToken json.RawMessage
}

func (g *Gateway) serveMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		if session := r.Header.Get(sessionIDHeader); session != "" {
			tenant := g.tenantOf(r.Header.Get(g.opts.TenantHeader))
			n := g.inflight.cancelSession(tenant, session)
			g.opts.Logger.Debug("session closed", "tenant", tenant, "session", session, "cancelled", n)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.opts.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := protocol.DecodeRequest(body)
	if err != nil {
		var id json.RawMessage
		if req != nil && req.HasValidID() {
			id = req.ID
		}
		g.writeResponse(w, protocol.NewErrorResponse(id, err))
		return
	}

	call := &rpcCall{
		req:     req,
		tenant:  g.tenantOf(r.Header.Get(g.opts.TenantHeader)),
		session: r.Header.Get(sessionIDHeader),
		start:   time.Now(),
	}
	if req.IsNotification() {
		g.handleNotification(call)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx, done := g.inflight.track(r.Context(), call.tenant, call.session, req.ID)
	defer done()

	switch req.Method {
	case protocol.MethodInitialize:
		g.handleInitialize(w, call)
	case protocol.MethodPing:
		g.writeResult(w, req.ID, struct{}{})
	case protocol.MethodToolsList:
		g.handleToolsList(ctx, w, r, call)
	case protocol.MethodToolsCall:
		g.handleToolsCall(ctx, w, r, call)
	default:
		g.writeResponse(w, protocol.NewErrorResponse(req.ID, &protocol.ErrorObject{
			Code:    protocol.CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", req.Method),
		}))
	}
}

func (g *Gateway) handleNotification(call *rpcCall) {
	switch call.req.Method {
	case protocol.MethodCancelled:
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(call.req.Params, &params); err != nil || len(params.RequestID) == 0 {
			g.opts.Logger.Debug("malformed cancellation", "tenant", call.tenant, "error", err)
			return
		}
		found := g.inflight.cancel(call.tenant, call.session, params.RequestID)
		g.opts.Logger.Debug("client cancelled request", "tenant", call.tenant, "request", string(params.RequestID), "found", found, "reason", params.Reason)
	case protocol.MethodInitialized:
	default:
		g.opts.Logger.Debug("ignoring notification", "method", call.req.Method)
	}
}

func (g *Gateway) handleInitialize(w http.ResponseWriter, call *rpcCall) {
	var params protocol.InitializeParams
	if len(call.req.Params) > 0 {
		if err := json.Unmarshal(call.req.Params, &params); err != nil {
			g.writeResponse(w, protocol.NewErrorResponse(call.req.ID, invalidParams("initialize: %v", err)))
			return
		}
	}
	version := protocol.NegotiateVersion(params.ProtocolVersion)
	if call.session == "" {
		w.Header().Set(sessionIDHeader, uuid.NewString())
	}
	g.opts.Logger.Debug("client initialized", "tenant", call.tenant, "requested", params.ProtocolVersion, "negotiated", version)
	g.writeResult(w, call.req.ID, &protocol.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      g.opts.Implementation,
		Capabilities:    &mcp.ServerCapabilities{Tools: &mcp.ToolCapabilities{}},
		Instructions:    g.opts.Instructions,
	})
}

func (g *Gateway) handleToolsList(ctx context.Context, w http.ResponseWriter, r *http.Request, call *rpcCall) {
	rt, err := g.Router(ctx, call.tenant)
	if err != nil {
		g.finishCall(w, call, nil, tenantError(err))
		return
	}
	if wantsEventStream(r) {
		g.streamSession(ctx, w, call, rt.StreamListTools(ctx))
		return
	}
	res, err := rt.ListTools(ctx)
	g.finishCall(w, call, res, err)
}

func (g *Gateway) handleToolsCall(ctx context.Context, w http.ResponseWriter, r *http.Request, call *rpcCall) {
	var params protocol.CallToolParams
	if err := json.Unmarshal(call.req.Params, &params); err != nil {
		g.finishCall(w, call, nil, invalidParams("tools/call: %v", err))
		return
	}
	if params.Name == "" {
		g.finishCall(w, call, nil, invalidParams("tools/call: name is required"))
		return
	}
	call.tool = params.Name
	if token, ok := params.Meta[protocol.MetaKeyProgressToken]; ok {
		call.progressToken, _ = json.Marshal(token)
	}

	rt, err := g.Router(ctx, call.tenant)
	if err != nil {
		g.finishCall(w, call, nil, tenantError(err))
		return
	}
	if b, err := rt.Resolve(params.Name); err == nil {
		call.upstream = b.Upstream
	}

	if wantsEventStream(r) {
		session, err := rt.StreamCallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			g.finishCall(w, call, nil, err)
			return
		}
		g.streamSession(ctx, w, call, session)
		return
	}
	res, err := rt.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		g.finishCall(w, call, nil, err)
		return
	}
	g.finishCall(w, call, res, nil)
}

// finishCall answers a routed request with a single JSON-RPC response.
func (g *Gateway) finishCall(w http.ResponseWriter, call *rpcCall, result any, err error) {
	g.audit(call, err)
	if err != nil {
		g.logCallError(call, err)
		g.writeResponse(w, protocol.NewErrorResponse(call.req.ID, err))
		return
	}
	g.writeResult(w, call.req.ID, result)
}

func (g *Gateway) logCallError(call *rpcCall, err error) {
	g.opts.Logger.Debug("request failed",
		"tenant", call.tenant,
		"method", call.req.Method,
		"tool", call.tool,
		"outcome", outcomeOf(err),
		"error", err)
}

func (g *Gateway) writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp, err := protocol.NewResult(id, result)
	if err != nil {
		resp = protocol.NewErrorResponse(id, err)
	}
	g.writeResponse(w, resp)
}

func (g *Gateway) writeResponse(w http.ResponseWriter, resp *protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.opts.Logger.Debug("write response", "error", err)
	}
}

func invalidParams(format string, args ...any) error {
	return &protocol.ErrorObject{Code: protocol.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func tenantError(err error) error {
	if errors.Is(err, ErrUnknownTenant) {
		return &protocol.ErrorObject{Code: protocol.CodeInvalidRequest, Message: err.Error()}
	}
	return err
}

// wantsEventStream reports whether the client listed text/event-stream in
// Accept. Clients that accept both get the stream.
func wantsEventStream(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == "text/event-stream" {
			return true
		}
	}
	return false
}
