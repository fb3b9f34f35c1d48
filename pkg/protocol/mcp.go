package protocol

import (
	"encoding/json"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCP method names the gateway routes on.
const (
	MethodInitialize     = "initialize"
	MethodInitialized    = "notifications/initialized"
	MethodPing           = "ping"
	MethodToolsList      = "tools/list"
	MethodToolsCall      = "tools/call"
	MethodProgress       = "notifications/progress"
	MethodCancelled      = "notifications/cancelled"
	MethodToolsChanged   = "notifications/tools/list_changed"
	LatestVersion        = "2025-06-18"
	MetaKeyUpstream      = "mcpgateway.upstream"
	MetaKeyUpstreamID    = "mcpgateway.upstream_id"
	MetaKeyNativeName    = "mcpgateway.native_name"
	MetaKeyProgressToken = "progressToken"
	MetaKeyContributors  = "mcpgateway.contributors"
	MetaKeyUnavailable   = "mcpgateway.unavailable"
)

// SupportedVersions lists negotiable MCP protocol versions, newest first.
var SupportedVersions = []string{LatestVersion, "2025-03-26", "2024-11-05"}

// IsSupportedVersion reports whether v is a protocol version the gateway accepts.
func IsSupportedVersion(v string) bool {
	return slices.Contains(SupportedVersions, v)
}

// NegotiateVersion returns the version to answer a client that asked for requested.
func NegotiateVersion(requested string) string {
	if IsSupportedVersion(requested) {
		return requested
	}
	return LatestVersion
}

// CallToolParams are the tools/call parameters. Arguments stay opaque.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      map[string]any  `json:"_meta,omitempty"`
}

// ListToolsParams are the tools/list parameters.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// CancelledParams are the notifications/cancelled parameters.
type CancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ToolsListResult is the aggregate tools/list answer. The contributor and
// unavailable annotations ride in _meta so plain MCP clients can ignore them.
type ToolsListResult struct {
	Tools []*mcp.Tool    `json:"tools"`
	Meta  *AggregateMeta `json:"_meta,omitempty"`
}

// AggregateMeta lists which upstreams contributed to a fan-out and which did not.
type AggregateMeta struct {
	Contributors []string `json:"mcpgateway.contributors"`
	Unavailable  []Cause  `json:"mcpgateway.unavailable"`
}

// InitializeResult is what the gateway answers to a client initialize.
type InitializeResult struct {
	ProtocolVersion string                  `json:"protocolVersion"`
	ServerInfo      *mcp.Implementation     `json:"serverInfo"`
	Capabilities    *mcp.ServerCapabilities `json:"capabilities"`
	Instructions    string                  `json:"instructions,omitempty"`
}

// InitializeParams is the subset of a client initialize the gateway reads.
type InitializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ClientInfo      *mcp.Implementation `json:"clientInfo,omitempty"`
}
