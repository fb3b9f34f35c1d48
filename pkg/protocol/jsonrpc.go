package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only JSON-RPC version the gateway speaks.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     int64 = -32700
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603
)

// Gateway error codes, allocated from the implementation-defined server range.
const (
	CodeRejected    int64 = -32001
	CodeTimeout     int64 = -32002
	CodeTransport   int64 = -32003
	CodeProtocol    int64 = -32004
	CodeUnavailable int64 = -32005
	CodeCancelled   int64 = -32006
)

// Request is a client-issued JSON-RPC request or notification. The ID is kept
// as raw JSON so it can be echoed back byte-for-byte.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response is a JSON-RPC response. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Notification is a JSON-RPC message without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ErrorObject is the error member of a JSON-RPC response.
type ErrorObject struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

var nullID = json.RawMessage("null")

// DecodeRequest parses and validates a single client request. The returned
// error is an *ErrorObject suitable for answering the client directly.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, &ErrorObject{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if req.JSONRPC != Version {
		return &req, &ErrorObject{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC)}
	}
	if req.Method == "" {
		return &req, &ErrorObject{Code: CodeInvalidRequest, Message: "missing method"}
	}
	if !req.IsNotification() && !validID(req.ID) {
		return &req, &ErrorObject{Code: CodeInvalidRequest, Message: "id must be a string or number"}
	}
	return &req, nil
}

// HasValidID reports whether the id is a string or number and can be echoed.
func (r *Request) HasValidID() bool {
	return !r.IsNotification() && validID(r.ID)
}

func validID(raw json.RawMessage) bool {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return false
	}
	switch v.(type) {
	case string, json.Number:
		return true
	default:
		return false
	}
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: responseID(id), Result: raw}, nil
}

// NewRawResult builds a success response from an already encoded result.
func NewRawResult(id json.RawMessage, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	return &Response{JSONRPC: Version, ID: responseID(id), Result: result}
}

// NewErrorResponse builds an error response for id, reducing err to a
// JSON-RPC error object.
func NewErrorResponse(id json.RawMessage, err error) *Response {
	return &Response{JSONRPC: Version, ID: responseID(id), Error: ToErrorObject(err)}
}

func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// ToErrorObject maps any error onto a JSON-RPC error object. Gateway errors
// keep their kind and context in the data member, a cancelled context becomes
// a cancelled error and anything else becomes an internal error.
func ToErrorObject(err error) *ErrorObject {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return cancelledObject(err)
	}
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		var obj *ErrorObject
		if errors.As(err, &obj) {
			return obj
		}
		return &ErrorObject{Code: CodeInternalError, Message: err.Error()}
	}
	data := ErrorData{
		Kind:     gwErr.Kind,
		Upstream: gwErr.Upstream,
		Tool:     gwErr.Tool,
		Causes:   gwErr.Causes,
	}
	if len(gwErr.Data) > 0 {
		data.UpstreamData = gwErr.Data
	}
	raw, mErr := json.Marshal(data)
	if mErr != nil {
		raw = nil
	}
	return &ErrorObject{Code: gwErr.code(), Message: gwErr.Error(), Data: raw}
}

func cancelledObject(err error) *ErrorObject {
	data := ErrorData{Kind: KindCancelled}
	if gwErr, ok := AsError(err); ok {
		data.Upstream = gwErr.Upstream
		data.Tool = gwErr.Tool
	}
	raw, mErr := json.Marshal(data)
	if mErr != nil {
		raw = nil
	}
	return &ErrorObject{Code: CodeCancelled, Message: "request cancelled", Data: raw}
}

// ErrorData is the data member attached to gateway error responses.
type ErrorData struct {
	Kind         Kind            `json:"kind"`
	Upstream     string          `json:"upstream,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	Causes       []Cause         `json:"causes,omitempty"`
	UpstreamData json.RawMessage `json:"upstreamData,omitempty"`
}
