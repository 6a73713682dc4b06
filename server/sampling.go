// ABOUTME: Server-initiated sampling and elicitation over the push channel.
// ABOUTME: Responses are matched to their callback by numeric request ID.

package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/mcpd/mcp"
)

// ErrTooManyPending rejects new server-initiated requests while the
// pending store is full.
var ErrTooManyPending = errors.New("too many pending requests")

// SamplingHandler receives the client's answer to a sampling request.
// Exactly one of result and rpcErr is non-nil.
type SamplingHandler func(result *mcp.CreateMessageResult, rpcErr *mcp.Error)

// ElicitHandler receives the client's answer to an elicitation request.
// Exactly one of result and rpcErr is non-nil.
type ElicitHandler func(result *mcp.ElicitResult, rpcErr *mcp.Error)

// UserMessage builds a user-role text message for a sampling request.
func UserMessage(text string) mcp.SamplingMessage {
	return mcp.SamplingMessage{Role: mcp.RoleUser, Content: mcp.TextContent(text)}
}

// AssistantMessage builds an assistant-role text message for a
// sampling request.
func AssistantMessage(text string) mcp.SamplingMessage {
	return mcp.SamplingMessage{Role: mcp.RoleAssistant, Content: mcp.TextContent(text)}
}

// ElicitField describes one requested field of an elicitation schema.
type ElicitField struct {
	Name        string
	Type        string // string, number, integer, boolean; empty means string
	Title       string
	Description string
	Required    bool
	Enum        []string
}

// ElicitSchema builds the requestedSchema object for an elicitation
// from a typed field list.
func ElicitSchema(fields ...ElicitField) json.RawMessage {
	props := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		typ := f.Type
		if typ == "" {
			typ = "string"
		}
		spec := map[string]any{"type": typ}
		if f.Title != "" {
			spec["title"] = f.Title
		}
		if f.Description != "" {
			spec["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			spec["enum"] = f.Enum
		}
		props[f.Name] = spec
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// serverRequest is the envelope for requests the server sends to the
// client over the push channel.
type serverRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RequestSampling asks the session's client to run model inference.
// The callback fires when the response arrives; requests unanswered
// after a minute are dropped without firing it. Returns the assigned
// request ID.
func (s *Server) RequestSampling(sessionID string, params mcp.CreateMessageParams, cb SamplingHandler) (int64, error) {
	return s.sendPending(sessionID, mcp.MethodSamplingCreateMessage, params, &pendingRequest{kind: pendingSampling, sampling: cb})
}

// RequestElicitation asks the session's client to collect structured
// user input. Build the schema with ElicitSchema.
func (s *Server) RequestElicitation(sessionID, message string, schema json.RawMessage, cb ElicitHandler) (int64, error) {
	params := mcp.ElicitParams{Message: message, RequestedSchema: schema}
	return s.sendPending(sessionID, mcp.MethodElicitationCreate, params, &pendingRequest{kind: pendingElicitation, elicit: cb})
}

func (s *Server) sendPending(sessionID, method string, params any, entry *pendingRequest) (int64, error) {
	id, err := s.pending.add(entry)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(serverRequest{JSONRPC: mcp.Version, ID: id, Method: method, Params: params})
	if err != nil {
		s.pending.take(id)
		return 0, fmt.Errorf("encoding %s request: %w", method, err)
	}
	if err := s.pushTo(sessionID, payload); err != nil {
		s.pending.take(id)
		return 0, err
	}
	s.logger.Debug("sent server-initiated request", "method", method, "id", id, "session", sessionID)
	return id, nil
}

// routeResponse delivers a client response to the callback waiting on
// its ID. Responses with no matching entry are dropped.
func (s *Server) routeResponse(req *mcp.Request) {
	id, ok := mcp.NumericID(req.ID)
	if !ok {
		return
	}
	entry, ok := s.pending.take(id)
	if !ok {
		s.logger.Debug("response for unknown or expired request", "id", id)
		return
	}
	switch entry.kind {
	case pendingSampling:
		if entry.sampling == nil {
			return
		}
		if req.Error != nil {
			entry.sampling(nil, req.Error)
			return
		}
		var res mcp.CreateMessageResult
		if err := json.Unmarshal(req.Result, &res); err != nil {
			entry.sampling(nil, mcp.NewError(mcp.CodeParseError, "malformed sampling result"))
			return
		}
		entry.sampling(&res, nil)
	case pendingElicitation:
		if entry.elicit == nil {
			return
		}
		if req.Error != nil {
			entry.elicit(nil, req.Error)
			return
		}
		var res mcp.ElicitResult
		if err := json.Unmarshal(req.Result, &res); err != nil {
			entry.elicit(nil, mcp.NewError(mcp.CodeParseError, "malformed elicitation result"))
			return
		}
		entry.elicit(&res, nil)
	}
}
