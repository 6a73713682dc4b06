// ABOUTME: Tests for JSON-RPC envelope helpers: ID classification and response building.
// ABOUTME: Covers string, number, null, and absent ID forms plus response routing shapes.

package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_IsNotification(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"absent id", `{"jsonrpc":"2.0","method":"ping"}`, true},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, true},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, false},
		{"number id", `{"jsonrpc":"2.0","id":7,"method":"ping"}`, false},
		{"zero id", `{"jsonrpc":"2.0","id":0,"method":"ping"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))
			assert.Equal(t, tt.want, req.IsNotification())
		})
	}
}

func TestRequest_IsResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"result response", `{"jsonrpc":"2.0","id":9001,"result":{"ok":true}}`, true},
		{"error response", `{"jsonrpc":"2.0","id":9001,"error":{"code":-32000,"message":"no"}}`, true},
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, false},
		{"bare id", `{"jsonrpc":"2.0","id":5}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))
			assert.Equal(t, tt.want, req.IsResponse())
		})
	}
}

func TestIDKey_StringAndNumberForms(t *testing.T) {
	// String and number spellings of the same value share a key.
	assert.Equal(t, "7", IDKey(json.RawMessage(`7`)))
	assert.Equal(t, "7", IDKey(json.RawMessage(`"7"`)))
	assert.Equal(t, "req-1", IDKey(json.RawMessage(`"req-1"`)))
}

func TestNumericID(t *testing.T) {
	n, ok := NumericID(json.RawMessage(`9001`))
	require.True(t, ok)
	assert.Equal(t, int64(9001), n)

	_, ok = NumericID(json.RawMessage(`"not-a-number"`))
	assert.False(t, ok)

	_, ok = NumericID(json.RawMessage(`1.5`))
	assert.False(t, ok)
}

func TestNewErrorResponse_NullIDFallback(t *testing.T) {
	resp := NewErrorResponse(nil, CodeParseError, "Parse error: bad input")

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error: bad input"}}`, string(out))
}

func TestNewResponse_PreservesID(t *testing.T) {
	resp := NewResponse(json.RawMessage(`"abc"`), map[string]string{"status": "ok"})

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc","result":{"status":"ok"}}`, string(out))
}

func TestError_ImplementsError(t *testing.T) {
	var err error = NewError(CodeInvalidParams, "Missing tool name")
	assert.Equal(t, "Missing tool name", err.Error())
}
