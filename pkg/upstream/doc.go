// Package upstream speaks MCP to the servers behind the gateway. Spawned stdio
// processes and HTTP endpoints (streamable HTTP, falling back to HTTP+SSE)
// both run over go-sdk transports behind one Client interface, so the router
// and the circuit breaker never see transport details.
//
// Every terminal failure is reported as a *protocol.Error: TransportError for
// connection loss (the next call may redial), ProtocolError for malformed or
// incompatible upstream messages, Timeout when the caller's deadline expires,
// and UpstreamError when the server answered with a JSON-RPC error.
package upstream
