// Package protocol holds the wire shapes shared by every layer of the gateway:
// the client-facing JSON-RPC 2.0 envelope, the MCP method names and parameter
// structs the gateway inspects while routing, and the error taxonomy that every
// terminal outcome is reduced to before it reaches a client.
//
// The package carries data only. Routing, breaker accounting, and transport
// behavior live in the router, breaker, and upstream packages.
package protocol
