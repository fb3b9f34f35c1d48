package mcpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/router"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/store"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/upstream"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	tools    []string
	progress bool
	// block holds calls until the context ends; started is signalled first.
	block   bool
	started chan struct{}
}

type fakeClient struct{ up *fakeUpstream }

func (c *fakeClient) Initialize(context.Context) (*upstream.Capabilities, error) {
	return &upstream.Capabilities{ProtocolVersion: protocol.LatestVersion}, nil
}

func (c *fakeClient) ListTools(context.Context) ([]*mcp.Tool, error) {
	tools := make([]*mcp.Tool, 0, len(c.up.tools))
	for _, name := range c.up.tools {
		tools = append(tools, &mcp.Tool{Name: name, InputSchema: map[string]any{"type": "object"}})
	}
	return tools, nil
}

func (c *fakeClient) CallTool(ctx context.Context, name string, args json.RawMessage, _ time.Duration) (*upstream.ToolResult, error) {
	if c.up.block {
		c.up.started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if sink := upstream.ProgressFrom(ctx); sink != nil && c.up.progress {
		_ = sink.NotifyProgress(ctx, &mcp.ProgressNotificationParams{Progress: 1, Total: 2, Message: "halfway"})
	}
	raw, _ := json.Marshal(map[string]any{
		"content": []any{map[string]any{"type": "text", "text": name + " " + string(args)}},
	})
	return &upstream.ToolResult{Raw: raw}, nil
}

func (c *fakeClient) Close() error { return nil }

type fleet map[string]*fakeUpstream

func (f fleet) dial(_ context.Context, inst upstream.Instance) (upstream.Client, error) {
	up, ok := f[inst.Name]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &fakeClient{up: up}, nil
}

func httpInstance(name string) upstream.Instance {
	return upstream.Instance{Name: name, Endpoint: "http://" + name + ".invalid/mcp", Enabled: true}
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []store.AuditEntry
}

func (a *recordingAudit) AppendAudit(_ context.Context, e *store.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, *e)
	a.mu.Unlock()
	return nil
}

func (a *recordingAudit) snapshot() []store.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]store.AuditEntry(nil), a.entries...)
}

type testGateway struct {
	gw  *Gateway
	srv *httptest.Server
}

// newTestGateway serves tenants from a name -> instances table over the
// fake fleet.
func newTestGateway(t *testing.T, f fleet, tenants map[string][]upstream.Instance, mutate func(*Options)) *testGateway {
	t.Helper()
	opts := &Options{
		Sources: func(tenant string) (router.Source, bool) {
			insts, ok := tenants[tenant]
			return router.StaticSource(insts), ok
		},
		Router:          router.Options{Dial: f.dial},
		RefreshInterval: -1,
	}
	if mutate != nil {
		mutate(opts)
	}
	gw, err := New(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Close()
	})
	return &testGateway{gw: gw, srv: srv}
}

type rpcOptions struct {
	tenant  string
	session string
	accept  string
}

func (tg *testGateway) post(t *testing.T, body string, o rpcOptions) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, tg.srv.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if o.accept != "" {
		req.Header.Set("Accept", o.accept)
	}
	if o.tenant != "" {
		req.Header.Set("X-Tenant-ID", o.tenant)
	}
	if o.session != "" {
		req.Header.Set(sessionIDHeader, o.session)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (tg *testGateway) call(t *testing.T, body string, o rpcOptions) *protocol.Response {
	t.Helper()
	res, data := tg.post(t, body, o)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(data, &resp), string(data))
	return &resp
}

func errorData(t *testing.T, resp *protocol.Response) protocol.ErrorData {
	t.Helper()
	require.NotNil(t, resp.Error)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(resp.Error.Data, &data))
	return data
}

func TestInitializeNegotiatesVersionAndSession(t *testing.T) {
	tg := newTestGateway(t, fleet{}, map[string][]upstream.Instance{"default": nil}, nil)

	res, data := tg.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`, rpcOptions{})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get(sessionIDHeader))

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Nil(t, resp.Error)
	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Equal(t, "mcpgateway", result.ServerInfo.Name)
	require.NotNil(t, result.Capabilities)
	assert.NotNil(t, result.Capabilities.Tools)

	res, _ = tg.post(t, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`, rpcOptions{session: "kept"})
	assert.Empty(t, res.Header.Get(sessionIDHeader), "an existing session is not replaced")

	ping := tg.call(t, `{"jsonrpc":"2.0","id":"p","method":"ping"}`, rpcOptions{})
	assert.JSONEq(t, `{}`, string(ping.Result))
	assert.Equal(t, json.RawMessage(`"p"`), ping.ID)
}

func TestToolsListAggregatesAndAnnotates(t *testing.T) {
	f := fleet{"github": {tools: []string{"create_issue", "search"}}}
	tg := newTestGateway(t, f, map[string][]upstream.Instance{
		"default": {httpInstance("github"), httpInstance("offline")},
	}, nil)

	resp := tg.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, rpcOptions{})
	require.Nil(t, resp.Error)
	var result protocol.ToolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"github:create_issue", "github:search"}, names)
	require.NotNil(t, result.Meta)
	assert.Equal(t, []string{"github"}, result.Meta.Contributors)
	require.Len(t, result.Meta.Unavailable, 1)
	assert.Equal(t, "offline", result.Meta.Unavailable[0].Upstream)
	assert.Equal(t, protocol.KindTransport, result.Meta.Unavailable[0].Kind)
}

func TestToolsCallRoutesByPrefix(t *testing.T) {
	f := fleet{
		"github": {tools: []string{"search"}},
		"jira":   {tools: []string{"search"}},
	}
	tg := newTestGateway(t, f, map[string][]upstream.Instance{
		"default": {httpInstance("github"), httpInstance("jira")},
	}, nil)

	resp := tg.call(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"jira:search","arguments":{"q":"bug"}}}`, rpcOptions{})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `search {\"q\":\"bug\"}`)
}

func TestToolsCallErrors(t *testing.T) {
	f := fleet{"github": {tools: []string{"search"}}}
	tg := newTestGateway(t, f, map[string][]upstream.Instance{"default": {httpInstance("github")}}, nil)

	unknown := tg.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nowhere:search"}}`, rpcOptions{})
	assert.Equal(t, protocol.CodeInvalidParams, unknown.Error.Code)
	data := errorData(t, unknown)
	assert.Equal(t, protocol.KindUnknownTool, data.Kind)
	assert.Equal(t, "nowhere:search", data.Tool)

	unprefixed := tg.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search"}}`, rpcOptions{})
	assert.Equal(t, protocol.KindUnknownTool, errorData(t, unprefixed).Kind)

	missing := tg.call(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{}}`, rpcOptions{})
	require.NotNil(t, missing.Error)
	assert.Equal(t, protocol.CodeInvalidParams, missing.Error.Code)

	method := tg.call(t, `{"jsonrpc":"2.0","id":4,"method":"resources/list"}`, rpcOptions{})
	require.NotNil(t, method.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, method.Error.Code)
}

func TestMalformedRequests(t *testing.T) {
	tg := newTestGateway(t, fleet{}, map[string][]upstream.Instance{"default": nil}, func(o *Options) {
		o.MaxRequestBytes = 64
	})

	parse := tg.call(t, `{`, rpcOptions{})
	assert.Equal(t, protocol.CodeParseError, parse.Error.Code)
	assert.Equal(t, json.RawMessage("null"), parse.ID)

	invalid := tg.call(t, `{"jsonrpc":"1.0","id":9,"method":"ping"}`, rpcOptions{})
	assert.Equal(t, protocol.CodeInvalidRequest, invalid.Error.Code)
	assert.Equal(t, json.RawMessage("9"), invalid.ID)

	res, _ := tg.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"padding":"`+strings.Repeat("x", 128)+`"}}`, rpcOptions{})
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)

	get, err := http.Get(tg.srv.URL + "/mcp")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
	assert.Equal(t, "POST, DELETE", get.Header.Get("Allow"))
}

func TestNotificationsAreAccepted(t *testing.T) {
	tg := newTestGateway(t, fleet{}, map[string][]upstream.Instance{"default": nil}, nil)

	res, body := tg.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, rpcOptions{})
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Empty(t, body)

	res, _ = tg.post(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42}}`, rpcOptions{})
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestTenantsAreIsolated(t *testing.T) {
	f := fleet{
		"github": {tools: []string{"search"}},
		"jira":   {tools: []string{"search"}},
	}
	tg := newTestGateway(t, f, map[string][]upstream.Instance{
		"default": {httpInstance("github")},
		"acme":    {httpInstance("jira")},
	}, nil)

	list := func(tenant string) []string {
		resp := tg.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, rpcOptions{tenant: tenant})
		require.Nil(t, resp.Error)
		var result protocol.ToolsListResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		var names []string
		for _, tool := range result.Tools {
			names = append(names, tool.Name)
		}
		return names
	}
	assert.Equal(t, []string{"github:search"}, list(""))
	assert.Equal(t, []string{"jira:search"}, list("acme"))

	cross := tg.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"github:search"}}`, rpcOptions{tenant: "acme"})
	require.NotNil(t, cross.Error)
	assert.Equal(t, protocol.KindUnknownTool, errorData(t, cross).Kind)

	ghost := tg.call(t, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, rpcOptions{tenant: "ghost"})
	require.NotNil(t, ghost.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, ghost.Error.Code)

	assert.Equal(t, []string{"acme", "default"}, tg.gw.Tenants())
}

type sseFrame struct {
	event string
	data  string
}

func parseFrames(t *testing.T, body []byte) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(strings.TrimSpace(string(body)), "\n\n") {
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
		require.NotEmpty(t, f.event, "frame without event: %q", block)
		frames = append(frames, f)
	}
	return frames
}

func TestToolsCallStreamsEvents(t *testing.T) {
	f := fleet{"github": {tools: []string{"search"}, progress: true}}
	tg := newTestGateway(t, f, map[string][]upstream.Instance{"default": {httpInstance("github")}}, nil)

	res, body := tg.post(t,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"github:search","_meta":{"progressToken":"tok"}}}`,
		rpcOptions{accept: "application/json, text/event-stream"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	frames := parseFrames(t, body)
	require.NotEmpty(t, frames)

	var events []string
	var progressNotes int
	for _, fr := range frames {
		events = append(events, fr.event)
		if fr.event == eventMessage && strings.Contains(fr.data, protocol.MethodProgress) {
			progressNotes++
			assert.Contains(t, fr.data, `"progressToken":"tok"`)
		}
	}
	assert.Contains(t, events, "progress")
	assert.Contains(t, events, "partial_result")
	assert.Contains(t, events, "final_result")
	assert.Positive(t, progressNotes)

	last := frames[len(frames)-1]
	require.Equal(t, eventMessage, last.event)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal([]byte(last.data), &resp))
	assert.Equal(t, json.RawMessage("7"), resp.ID)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "search")
	assert.Equal(t, "final_result", frames[len(frames)-2].event)
}

func TestToolsListStreamsUnavailableUpstream(t *testing.T) {
	f := fleet{"github": {tools: []string{"search"}}}
	tg := newTestGateway(t, f, map[string][]upstream.Instance{
		"default": {httpInstance("github"), httpInstance("offline")},
	}, nil)

	_, body := tg.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, rpcOptions{accept: "text/event-stream"})
	frames := parseFrames(t, body)

	var partials []string
	for _, fr := range frames {
		if fr.event == "partial_result" {
			partials = append(partials, fr.data)
		}
	}
	require.Len(t, partials, 2)
	joined := strings.Join(partials, "\n")
	assert.Contains(t, joined, `"source":"offline"`)
	assert.Contains(t, joined, `"error"`)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1].data), &resp))
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "github:search")
}

func TestCancelledNotificationAbortsCall(t *testing.T) {
	up := &fakeUpstream{tools: []string{"slow"}, block: true, started: make(chan struct{}, 1)}
	audit := &recordingAudit{}
	tg := newTestGateway(t, fleet{"github": up}, map[string][]upstream.Instance{"default": {httpInstance("github")}}, func(o *Options) {
		o.Audit = audit
	})

	done := make(chan *protocol.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, tg.srv.URL+"/mcp",
			strings.NewReader(`{"jsonrpc":"2.0","id":"c1","method":"tools/call","params":{"name":"github:slow"}}`))
		req.Header.Set(sessionIDHeader, "s1")
		var resp protocol.Response
		if res, err := http.DefaultClient.Do(req); err == nil {
			_ = json.NewDecoder(res.Body).Decode(&resp)
			res.Body.Close()
		}
		done <- &resp
	}()

	select {
	case <-up.started:
	case <-time.After(5 * time.Second):
		t.Fatal("call never reached the upstream")
	}
	res, _ := tg.post(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"c1"}}`, rpcOptions{session: "s1"})
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	select {
	case resp := <-done:
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeCancelled, resp.Error.Code)
		assert.Equal(t, protocol.KindCancelled, errorData(t, resp).Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("call was not cancelled")
	}

	entries := audit.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "cancelled", entries[0].Outcome)
	assert.Equal(t, "github", entries[0].Upstream)
}

// startBlockedCall issues a tools/call in the background and waits until it
// reaches the upstream. Cancelling ctx aborts the HTTP request itself.
func (tg *testGateway) startBlockedCall(t *testing.T, ctx context.Context, up *fakeUpstream, body string, o rpcOptions) <-chan *protocol.Response {
	t.Helper()
	done := make(chan *protocol.Response, 1)
	go func() {
		var resp protocol.Response
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tg.srv.URL+"/mcp", strings.NewReader(body))
		if err == nil {
			req.Header.Set("X-Tenant-ID", o.tenant)
			if o.session != "" {
				req.Header.Set(sessionIDHeader, o.session)
			}
			if res, err := http.DefaultClient.Do(req); err == nil {
				_ = json.NewDecoder(res.Body).Decode(&resp)
				res.Body.Close()
			}
		}
		done <- &resp
	}()
	select {
	case <-up.started:
	case <-time.After(5 * time.Second):
		t.Fatal("call never reached the upstream")
	}
	return done
}

func TestCancellationIsScopedToTenant(t *testing.T) {
	up := &fakeUpstream{tools: []string{"slow"}, block: true, started: make(chan struct{}, 1)}
	tg := newTestGateway(t, fleet{"github": up}, map[string][]upstream.Instance{
		"acme": {httpInstance("github")},
		"evil": {httpInstance("github")},
	}, nil)

	done := tg.startBlockedCall(t, context.Background(), up,
		`{"jsonrpc":"2.0","id":"c1","method":"tools/call","params":{"name":"github:slow"}}`,
		rpcOptions{tenant: "acme", session: "s1"})

	res, _ := tg.post(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"c1"}}`,
		rpcOptions{tenant: "evil", session: "s1"})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	del, err := http.NewRequest(http.MethodDelete, tg.srv.URL+"/mcp", nil)
	require.NoError(t, err)
	del.Header.Set("X-Tenant-ID", "evil")
	del.Header.Set(sessionIDHeader, "s1")
	delRes, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	delRes.Body.Close()

	select {
	case <-done:
		t.Fatal("another tenant cancelled the call")
	case <-time.After(200 * time.Millisecond):
	}

	res, _ = tg.post(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"c1"}}`,
		rpcOptions{tenant: "acme", session: "s1"})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	select {
	case resp := <-done:
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeCancelled, resp.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("owner could not cancel the call")
	}
}

func TestSessionlessCallIgnoresCancelledNotification(t *testing.T) {
	up := &fakeUpstream{tools: []string{"slow"}, block: true, started: make(chan struct{}, 1)}
	tg := newTestGateway(t, fleet{"github": up}, map[string][]upstream.Instance{"default": {httpInstance("github")}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tg.startBlockedCall(t, ctx, up,
		`{"jsonrpc":"2.0","id":"c1","method":"tools/call","params":{"name":"github:slow"}}`, rpcOptions{})

	res, _ := tg.post(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"c1"}}`, rpcOptions{})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	select {
	case <-done:
		t.Fatal("a call without a session was cancelled by notification")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dropping the HTTP request did not end the call")
	}
}

func TestAuditRecordsRoutedCalls(t *testing.T) {
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := fleet{"github": {tools: []string{"search"}}}
	tg := newTestGateway(t, f, map[string][]upstream.Instance{"default": {httpInstance("github")}}, func(o *Options) {
		o.Audit = st
	})

	tg.call(t, `{"jsonrpc":"2.0","id":"l","method":"tools/list"}`, rpcOptions{})
	tg.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"github:search"}}`, rpcOptions{})
	tg.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"github:missing"}}`, rpcOptions{})
	tg.call(t, `{"jsonrpc":"2.0","id":3,"method":"ping"}`, rpcOptions{})

	entries, err := st.ListAudit(context.Background(), store.AuditFilter{Tenant: "default"})
	require.NoError(t, err)
	require.Len(t, entries, 3, "ping is not audited")

	outcomes := map[string]string{}
	for _, e := range entries {
		outcomes[e.Method+" "+e.Tool] = e.Outcome
	}
	assert.Equal(t, "success", outcomes["tools/list "])
	assert.Equal(t, "success", outcomes["tools/call github:search"])
	assert.Equal(t, string(protocol.KindUnknownTool), outcomes["tools/call github:missing"])
}

func TestDeleteEndsSession(t *testing.T) {
	tg := newTestGateway(t, fleet{}, map[string][]upstream.Instance{"default": nil}, nil)
	req, err := http.NewRequest(http.MethodDelete, tg.srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(sessionIDHeader, "s1")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	tg := newTestGateway(t, fleet{}, map[string][]upstream.Instance{"default": nil}, func(o *Options) {
		o.AllowedOrigins = []string{"https://app.example.com"}
	})
	req, err := http.NewRequest(http.MethodOptions, tg.srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Tenant-ID")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "https://app.example.com", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthReportsTenantUpstreams(t *testing.T) {
	f := fleet{"github": {tools: []string{"search"}}}
	tg := newTestGateway(t, f, map[string][]upstream.Instance{"default": {httpInstance("github")}}, nil)
	tg.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, rpcOptions{})

	res, err := http.Get(tg.srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	var health struct {
		Status  string `json:"status"`
		Tenants map[string][]struct {
			Name    string `json:"name"`
			Breaker string `json:"breaker"`
			Tools   int    `json:"tools"`
		} `json:"tenants"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	require.Len(t, health.Tenants["default"], 1)
	assert.Equal(t, "github", health.Tenants["default"][0].Name)
}

func TestWantsEventStream(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"application/json", false},
		{"application/json, text/event-stream", true},
		{"text/event-stream;q=0.9", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(nil))
		r.Header.Set("Accept", tt.accept)
		assert.Equal(t, tt.want, wantsEventStream(r), tt.accept)
	}
}
