package mcpgateway

import (
	"context"
	"errors"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/metrics"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/store"
)

// AuditSink records routed calls. *store.Store satisfies it.
type AuditSink interface {
	AppendAudit(ctx context.Context, e *store.AuditEntry) error
}

const auditTimeout = 5 * time.Second

func outcomeOf(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	if kind := protocol.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}

func (g *Gateway) audit(call *rpcCall, err error) {
	if g.opts.Audit == nil {
		return
	}
	entry := &store.AuditEntry{
		Tenant:    call.tenant,
		RequestID: string(call.req.ID),
		Method:    call.req.Method,
		Tool:      call.tool,
		Upstream:  call.upstream,
		Outcome:   outcomeOf(err),
		Duration:  time.Since(call.start),
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if aErr := g.opts.Audit.AppendAudit(ctx, entry); aErr != nil {
		g.opts.Logger.Warn("audit append failed", "tenant", call.tenant, "method", call.req.Method, "error", aErr)
	}
}
