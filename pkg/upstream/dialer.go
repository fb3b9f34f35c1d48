package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DialFunc builds a Client for an instance. The router depends on this
// rather than on Dialer so tests can substitute fakes.
type DialFunc func(ctx context.Context, inst Instance) (Client, error)

// CredentialResolver turns an Instance.CredentialsRef into an Authorization
// header value.
type CredentialResolver func(ctx context.Context, ref string) (string, error)

// Dialer builds clients for both transport kinds.
type Dialer struct {
	// Implementation is announced to every upstream.
	Implementation *mcp.Implementation
	// HTTPClient is the base client for HTTP upstreams. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Credentials resolves CredentialsRef. Defaults to ResolveCredentials.
	Credentials CredentialResolver
	// RPCLogger, when set, observes every JSON-RPC message exchanged with
	// any upstream.
	RPCLogger RPCLogger
	Logger    *slog.Logger
	// MaxToolPages bounds tools/list pagination per upstream.
	MaxToolPages int
}

// Dial returns a client for inst. The connection itself is established by the
// client's first call.
func (d *Dialer) Dial(ctx context.Context, inst Instance) (Client, error) {
	opts := &ClientOptions{
		Implementation: d.Implementation,
		Logger:         d.Logger,
		MaxToolPages:   d.MaxToolPages,
	}
	switch inst.TransportOf() {
	case TransportStdio:
		transport, err := buildStdioTransport(inst)
		if err != nil {
			return nil, err
		}
		return NewSessionClient(inst.Name, d.wrapTransport(inst.Name, transport), opts), nil
	case TransportHTTP, TransportSSE:
		return d.dialHTTP(inst, opts)
	default:
		return nil, fmt.Errorf("upstream: unsupported transport %q for %q", inst.Transport, inst.Name)
	}
}

// dialHTTP prefers the streamable HTTP transport and keeps the HTTP+SSE
// transport as a fallback for servers that only speak the older protocol.
func (d *Dialer) dialHTTP(inst Instance, opts *ClientOptions) (Client, error) {
	if inst.Endpoint == "" {
		return nil, fmt.Errorf("upstream: endpoint missing for %q", inst.Name)
	}
	version := &versionTracker{}
	httpClient := decorateHTTPClient(d.HTTPClient, inst.Headers, version, d.authProvider(inst.CredentialsRef))
	options := opts.withDefaults()

	streamable := d.wrapTransport(inst.Name, &mcp.StreamableClientTransport{
		Endpoint:   inst.Endpoint,
		HTTPClient: httpClient,
	})
	sse := func() Client {
		transport := d.wrapTransport(inst.Name, &mcp.SSEClientTransport{Endpoint: inst.Endpoint, HTTPClient: httpClient})
		return newSessionClient(inst.Name, transport, options, version.Set)
	}
	if shouldPreferSSE(inst) {
		return sse(), nil
	}
	return &fallbackClient{
		name:     inst.Name,
		logger:   options.Logger,
		active:   newSessionClient(inst.Name, streamable, options, version.Set),
		fallback: sse,
	}, nil
}

func (d *Dialer) wrapTransport(upstream string, transport mcp.Transport) mcp.Transport {
	if d.RPCLogger == nil {
		return transport
	}
	return &loggingTransport{upstream: upstream, delegate: transport, logger: d.RPCLogger}
}

func shouldPreferSSE(inst Instance) bool {
	if inst.Transport == TransportSSE {
		return true
	}
	return strings.HasSuffix(strings.TrimSpace(inst.Endpoint), "/sse")
}

func (d *Dialer) authProvider(ref string) func(context.Context) (string, error) {
	if ref == "" {
		return nil
	}
	resolve := d.Credentials
	if resolve == nil {
		resolve = ResolveCredentials
	}
	return func(ctx context.Context) (string, error) {
		return resolve(ctx, ref)
	}
}

// ResolveCredentials understands "env:NAME" and "file:/path". A bare token is
// sent as a bearer token; a value that already names a scheme is sent as-is.
func ResolveCredentials(_ context.Context, ref string) (string, error) {
	scheme, rest, found := strings.Cut(ref, ":")
	var secret string
	switch {
	case found && scheme == "env":
		v, ok := os.LookupEnv(rest)
		if !ok {
			return "", fmt.Errorf("upstream: credential env %s is not set", rest)
		}
		secret = v
	case found && scheme == "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			return "", fmt.Errorf("upstream: read credential file: %w", err)
		}
		secret = string(data)
	default:
		secret = ref
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", nil
	}
	if strings.HasPrefix(secret, "Bearer ") || strings.HasPrefix(secret, "Basic ") {
		return secret, nil
	}
	return "Bearer " + secret, nil
}

func buildStdioTransport(inst Instance) (mcp.Transport, error) {
	if inst.Command == "" {
		return nil, fmt.Errorf("upstream: command missing for %q", inst.Name)
	}
	cmd := exec.Command(inst.Command, inst.Args...)
	if len(inst.Env) > 0 {
		env := os.Environ()
		for k, v := range inst.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func decorateHTTPClient(base *http.Client, headers map[string]string, version *versionTracker, provider func(context.Context) (string, error)) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:         defaultRoundTripper(base.Transport),
		headers:      headerFromMap(headers),
		version:      version,
		authProvider: provider,
	}
	return &clone
}

func headerFromMap(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

const protocolVersionHeader = "Mcp-Protocol-Version"

// versionTracker holds the protocol version agreed during initialize so that
// later HTTP requests can announce it.
type versionTracker struct {
	mu    sync.RWMutex
	value string
}

func (v *versionTracker) Set(value string) {
	v.mu.Lock()
	v.value = value
	v.mu.Unlock()
}

func (v *versionTracker) Value() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// headerDecorator stamps static headers, the negotiated protocol version and
// a lazily resolved Authorization value onto every outbound request.
type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	version      *versionTracker
	authProvider func(context.Context) (string, error)
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.version != nil && req.Header.Get(protocolVersionHeader) == "" {
		if v := d.version.Value(); v != "" {
			req.Header.Set(protocolVersionHeader, v)
		}
	}
	if d.authProvider != nil && req.Header.Get("Authorization") == "" {
		token, err := d.authProvider(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
