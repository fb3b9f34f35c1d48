package mcpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
)

// inflightCalls lets notifications/cancelled and session teardown reach the
// request they name. Calls are keyed by tenant, session id and request id, so
// one tenant can never reach another's calls. Requests sent without a session
// id are not addressable; they end with their HTTP request or on shutdown.
type inflightCalls struct {
	mu        sync.Mutex
	calls     map[inflightKey]*inflightCall
	anonymous map[*inflightCall]struct{}
}

type inflightCall struct {
	cancel context.CancelFunc
}

type inflightKey struct {
	tenant  string
	session string
	id      string
}

func newInflightCalls() *inflightCalls {
	return &inflightCalls{
		calls:     make(map[inflightKey]*inflightCall),
		anonymous: make(map[*inflightCall]struct{}),
	}
}

func keyOf(tenant, session string, id json.RawMessage) inflightKey {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return inflightKey{tenant: tenant, session: session, id: string(id)}
	}
	return inflightKey{tenant: tenant, session: session, id: buf.String()}
}

// track derives a cancellable context for one request. The returned func
// must be called when the request finishes.
func (c *inflightCalls) track(ctx context.Context, tenant, session string, id json.RawMessage) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	call := &inflightCall{cancel: cancel}
	if session == "" {
		c.mu.Lock()
		c.anonymous[call] = struct{}{}
		c.mu.Unlock()
		return ctx, func() {
			c.mu.Lock()
			delete(c.anonymous, call)
			c.mu.Unlock()
			cancel()
		}
	}
	key := keyOf(tenant, session, id)

	c.mu.Lock()
	c.calls[key] = call
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		if c.calls[key] == call {
			delete(c.calls, key)
		}
		c.mu.Unlock()
		cancel()
	}
}

// cancel aborts the named request. It reports whether one was found.
func (c *inflightCalls) cancel(tenant, session string, id json.RawMessage) bool {
	if session == "" {
		return false
	}
	c.mu.Lock()
	call, ok := c.calls[keyOf(tenant, session, id)]
	c.mu.Unlock()
	if ok {
		call.cancel()
	}
	return ok
}

func (c *inflightCalls) cancelSession(tenant, session string) int {
	if session == "" {
		return 0
	}
	var matched []*inflightCall
	c.mu.Lock()
	for key, call := range c.calls {
		if key.tenant == tenant && key.session == session {
			matched = append(matched, call)
		}
	}
	c.mu.Unlock()
	for _, call := range matched {
		call.cancel()
	}
	return len(matched)
}

func (c *inflightCalls) cancelAll() {
	c.mu.Lock()
	calls, anonymous := c.calls, c.anonymous
	c.calls = make(map[inflightKey]*inflightCall)
	c.anonymous = make(map[*inflightCall]struct{})
	c.mu.Unlock()
	for _, call := range calls {
		call.cancel()
	}
	for call := range anonymous {
		call.cancel()
	}
}
