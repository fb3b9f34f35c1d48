package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	require.NoError(t, err)
	assert.Equal(t, "tools/list", req.Method)
	assert.Equal(t, json.RawMessage("7"), req.ID)
	assert.False(t, req.IsNotification())

	note, err := DecodeRequest([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.True(t, note.IsNotification())
}

func TestDecodeRequestRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int64
	}{
		{"not json", `{`, CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"object id", `{"jsonrpc":"2.0","id":{"a":1},"method":"ping"}`, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.body))
			var obj *ErrorObject
			require.ErrorAs(t, err, &obj)
			assert.Equal(t, tt.code, obj.Code)
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("call failed: %w", NewError(KindTimeout, "github", "deadline after %s", "5s"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorMessageCarriesContext(t *testing.T) {
	err := NewError(KindRejected, "github", "circuit open").WithTool("create_issue")
	assert.Equal(t, "rejected [github create_issue]: circuit open", err.Error())

	unknown := (&Error{Kind: KindUnknownTool, Message: "no upstream named \"x\""}).WithTool("x:y")
	assert.Equal(t, `unknown_tool [x:y]: no upstream named "x"`, unknown.Error())
}

func TestToErrorObjectMapsKinds(t *testing.T) {
	obj := ToErrorObject(NewError(KindUnknownTool, "", "no binding").WithTool("unknown:x"))
	assert.Equal(t, CodeInvalidParams, obj.Code)

	var data ErrorData
	require.NoError(t, json.Unmarshal(obj.Data, &data))
	assert.Equal(t, KindUnknownTool, data.Kind)
	assert.Equal(t, "unknown:x", data.Tool)

	upstream := &Error{Kind: KindUpstream, Upstream: "a", Code: -32050, Message: "boom"}
	assert.Equal(t, int64(-32050), ToErrorObject(upstream).Code)

	assert.Equal(t, CodeInternalError, ToErrorObject(errors.New("x")).Code)
	assert.Nil(t, ToErrorObject(nil))
}

func TestToErrorObjectMapsCancellation(t *testing.T) {
	for _, err := range []error{
		context.Canceled,
		fmt.Errorf("route: %w", context.Canceled),
		WrapError(KindTransport, "github", context.Canceled).WithTool("search"),
	} {
		obj := ToErrorObject(err)
		require.NotNil(t, obj)
		assert.Equal(t, CodeCancelled, obj.Code, err.Error())
		assert.Equal(t, "request cancelled", obj.Message)

		var data ErrorData
		require.NoError(t, json.Unmarshal(obj.Data, &data))
		assert.Equal(t, KindCancelled, data.Kind)
	}

	obj := ToErrorObject(WrapError(KindTransport, "github", context.Canceled).WithTool("search"))
	var data ErrorData
	require.NoError(t, json.Unmarshal(obj.Data, &data))
	assert.Equal(t, "github", data.Upstream)
	assert.Equal(t, "search", data.Tool)

	assert.Equal(t, CodeTimeout, ToErrorObject(WrapError(KindTimeout, "a", context.DeadlineExceeded)).Code)
}

func TestUnavailableSummarizesCauses(t *testing.T) {
	err := Unavailable([]Cause{
		{Upstream: "a", Kind: KindRejected},
		{Upstream: "b", Kind: KindTimeout, Message: "slow"},
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "a (rejected)")
	assert.Contains(t, err.Error(), "b (timeout)")

	obj := ToErrorObject(err)
	assert.Equal(t, CodeUnavailable, obj.Code)
	var data ErrorData
	require.NoError(t, json.Unmarshal(obj.Data, &data))
	assert.Len(t, data.Causes, 2)
}

func TestNewErrorResponseEchoesID(t *testing.T) {
	resp := NewErrorResponse(json.RawMessage(`"abc"`), NewError(KindTransport, "a", "refused"))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":"abc"`)
	assert.Contains(t, string(raw), `"code":-32003`)

	nullResp := NewErrorResponse(nil, errors.New("x"))
	assert.Equal(t, json.RawMessage("null"), nullResp.ID)
}

func TestNegotiateVersion(t *testing.T) {
	assert.Equal(t, "2025-03-26", NegotiateVersion("2025-03-26"))
	assert.Equal(t, LatestVersion, NegotiateVersion("1999-01-01"))
}
