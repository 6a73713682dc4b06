// ABOUTME: JSON-RPC 2.0 envelope types, error codes, and ID helpers.
// ABOUTME: Request IDs stay as raw JSON so string, number, and null forms round-trip.

package mcp

import (
	"encoding/json"
	"strconv"
)

// Version is the JSON-RPC protocol version used by MCP.
const Version = "2.0"

// LatestProtocolVersion is the MCP revision advertised in initialize responses.
const LatestProtocolVersion = "2025-11-25"

// SupportedProtocolVersions lists the MCP revisions accepted from clients.
var SupportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-11-25": true,
}

// Request represents a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`

	// Result and Error are set when the message is a response to a
	// server-initiated request (sampling, elicitation) rather than a
	// request proper.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. It implements error so handler
// plumbing can return one directly and have it unwrapped at the
// dispatch boundary.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC error codes, plus the MCP-specific codes this
// server emits.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerError covers application-level rejections: rate
	// limiting, vetoed calls, auth failures, task failures.
	CodeServerError = -32000

	// CodeTaskNotComplete signals "retry later" for tasks/result on a
	// task that has not reached a terminal state.
	CodeTaskNotComplete = -32002
)

// NewError builds an error object with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewResponse wraps a result for the given request ID.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

// NewErrorResponse wraps an error object for the given request ID.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Error: NewError(code, message)}
}

// NullID is the literal null request ID used on responses to requests
// whose ID could not be recovered (e.g. parse errors).
var NullID = json.RawMessage("null")

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return NullID
	}
	return id
}

// IsNotification reports whether the request carries no usable ID:
// absent or literal null. Such requests get no response body.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// IsResponse reports whether the message is a response to a
// server-initiated request: no method, an ID, and a result or error.
func (r *Request) IsResponse() bool {
	return r.Method == "" && !r.IsNotification() && (len(r.Result) > 0 || r.Error != nil)
}

// IDKey returns a map key for the request ID. String IDs key by their
// unquoted value, numbers by their decimal text, so `"7"` and `7`
// collide deliberately: the tracker treats them as the same request.
func IDKey(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// NumericID extracts an integer request ID, used to correlate
// responses to server-initiated sampling/elicitation requests.
func NumericID(id json.RawMessage) (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(id, &n); err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
