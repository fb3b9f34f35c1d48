package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a terminal gateway outcome.
type Kind string

const (
	// KindRejected means the upstream's circuit breaker is open. No I/O happened.
	KindRejected Kind = "rejected"
	// KindTimeout means the caller's deadline expired before the upstream answered.
	KindTimeout Kind = "timeout"
	// KindTransport covers connection-level failures. A later call may reconnect.
	KindTransport Kind = "transport"
	// KindProtocol covers malformed or incompatible upstream messages.
	KindProtocol Kind = "protocol"
	// KindUnknownTool is a routing miss. No upstream was contacted.
	KindUnknownTool Kind = "unknown_tool"
	// KindUpstream is a well-formed JSON-RPC error returned by the upstream.
	KindUpstream Kind = "upstream"
	// KindUnavailable is a fan-out where no upstream could contribute.
	KindUnavailable Kind = "unavailable"
	// KindCancelled marks a request the client cancelled. It only appears in
	// error data sent back to that client.
	KindCancelled Kind = "cancelled"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrRejected    = &Error{Kind: KindRejected}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrTransport   = &Error{Kind: KindTransport}
	ErrProtocol    = &Error{Kind: KindProtocol}
	ErrUnknownTool = &Error{Kind: KindUnknownTool}
	ErrUpstream    = &Error{Kind: KindUpstream}
	ErrUnavailable = &Error{Kind: KindUnavailable}
)

// Cause annotates one upstream that did not contribute to a fan-out.
type Cause struct {
	Upstream string `json:"upstream"`
	Kind     Kind   `json:"kind"`
	Message  string `json:"message,omitempty"`
}

// Error is the single error type surfaced by the gateway core.
type Error struct {
	Kind     Kind
	Upstream string
	Tool     string
	Message  string
	// Code and Data carry the upstream's own JSON-RPC error for KindUpstream.
	Code   int64
	Data   json.RawMessage
	Causes []Cause
	Err    error
}

// NewError builds an *Error of the given kind for upstream.
func NewError(kind Kind, upstream string, format string, args ...any) *Error {
	return &Error{Kind: kind, Upstream: upstream, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error of the given kind around cause.
func WrapError(kind Kind, upstream string, cause error) *Error {
	return &Error{Kind: kind, Upstream: upstream, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Upstream != "" {
		b.WriteString(" [")
		b.WriteString(e.Upstream)
		if e.Tool != "" {
			b.WriteString(" ")
			b.WriteString(e.Tool)
		}
		b.WriteString("]")
	} else if e.Tool != "" {
		b.WriteString(" [")
		b.WriteString(e.Tool)
		b.WriteString("]")
	}
	switch {
	case e.Message != "" && e.Err != nil:
		fmt.Fprintf(&b, ": %s: %v", e.Message, e.Err)
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels: a target with only Kind set matches any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Upstream == "" && t.Tool == "" && t.Message == "" && t.Err == nil
}

// WithTool returns a copy of e annotated with the tool name.
func (e *Error) WithTool(tool string) *Error {
	clone := *e
	clone.Tool = tool
	return &clone
}

func (e *Error) code() int64 {
	switch e.Kind {
	case KindRejected:
		return CodeRejected
	case KindTimeout:
		return CodeTimeout
	case KindTransport:
		return CodeTransport
	case KindProtocol:
		return CodeProtocol
	case KindUnknownTool:
		return CodeInvalidParams
	case KindUnavailable:
		return CodeUnavailable
	case KindUpstream:
		if e.Code != 0 {
			return e.Code
		}
		return CodeInternalError
	default:
		return CodeInternalError
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var gwErr *Error
	ok := errors.As(err, &gwErr)
	return gwErr, ok
}

// Unavailable summarizes a fan-out in which every target failed.
func Unavailable(causes []Cause) *Error {
	parts := make([]string, 0, len(causes))
	for _, c := range causes {
		parts = append(parts, fmt.Sprintf("%s (%s)", c.Upstream, c.Kind))
	}
	msg := "no upstream available"
	if len(parts) > 0 {
		msg = "no upstream available: " + strings.Join(parts, ", ")
	}
	return &Error{Kind: KindUnavailable, Message: msg, Causes: causes}
}
