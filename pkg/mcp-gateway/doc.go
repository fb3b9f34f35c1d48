// Package mcpgateway exposes the router over HTTP. Each POST to the MCP
// endpoint carries one JSON-RPC request; the tenant named by a request header
// selects a lazily built router whose upstream set is refreshed in the
// background. tools/list and tools/call answer with a single JSON-RPC
// response, or with a server-sent event stream of progress, partial results
// and heartbeats when the client accepts text/event-stream.
package mcpgateway
