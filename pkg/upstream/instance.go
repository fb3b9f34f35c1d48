package upstream

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// TransportKind identifies how an upstream is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	// TransportSSE is an HTTP upstream that only speaks the older
	// HTTP+SSE transport. Plain "http" upstreams fall back to it when the
	// streamable handshake fails.
	TransportSSE TransportKind = "sse"
)

// Instance describes one upstream MCP server. The core treats it as read-only
// and swaps whole snapshots on refresh.
type Instance struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Transport TransportKind `json:"transport"`
	// Endpoint is the MCP URL for HTTP upstreams.
	Endpoint string `json:"endpoint,omitempty"`
	// Command, Args and Env launch a stdio upstream.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Headers are sent with every HTTP request.
	Headers map[string]string `json:"headers,omitempty"`
	// CredentialsRef names where the Authorization value comes from, for
	// example "env:GITHUB_TOKEN". It is resolved at dial time.
	CredentialsRef string        `json:"credentialsRef,omitempty"`
	Enabled        bool          `json:"enabled"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// TransportOf returns the effective transport. An unset kind is inferred from
// which of Command or Endpoint is present.
func (i Instance) TransportOf() TransportKind {
	if i.Transport != "" {
		return i.Transport
	}
	if i.Command != "" {
		return TransportStdio
	}
	return TransportHTTP
}

// IsStdio reports whether the upstream is a spawned process.
func (i Instance) IsStdio() bool { return i.TransportOf() == TransportStdio }

// IsHTTP reports whether the upstream is reached over HTTP.
func (i Instance) IsHTTP() bool {
	kind := i.TransportOf()
	return kind == TransportHTTP || kind == TransportSSE
}

// Key identifies the instance for breaker and metrics accounting. It falls
// back to the name when no ID was assigned.
func (i Instance) Key() string {
	if i.ID != "" {
		return i.ID
	}
	return i.Name
}

// Validate checks that the instance can be routed to. separator is the
// namespace separator, which may not appear in the name.
func (i Instance) Validate(separator string) error {
	var errs []error
	switch {
	case strings.TrimSpace(i.Name) == "":
		errs = append(errs, errors.New("name is required"))
	case separator != "" && strings.Contains(i.Name, separator):
		errs = append(errs, fmt.Errorf("name %q must not contain %q", i.Name, separator))
	}
	switch i.TransportOf() {
	case TransportStdio:
		if i.Command == "" {
			errs = append(errs, fmt.Errorf("%s: command is required for stdio", i.Name))
		}
	case TransportHTTP, TransportSSE:
		if i.Endpoint == "" {
			errs = append(errs, fmt.Errorf("%s: endpoint is required for http", i.Name))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unknown transport %q", i.Name, i.Transport))
	}
	if i.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s: timeout must not be negative", i.Name))
	}
	return errors.Join(errs...)
}

// Equal reports whether two instances would produce the same connection.
func (i Instance) Equal(o Instance) bool {
	return i.ID == o.ID &&
		i.Name == o.Name &&
		i.TransportOf() == o.TransportOf() &&
		i.Endpoint == o.Endpoint &&
		i.Command == o.Command &&
		slices.Equal(i.Args, o.Args) &&
		maps.Equal(i.Env, o.Env) &&
		maps.Equal(i.Headers, o.Headers) &&
		i.CredentialsRef == o.CredentialsRef &&
		i.Enabled == o.Enabled &&
		i.Timeout == o.Timeout
}
