// ABOUTME: Inbound message dispatch: envelope validation, batches, method routing.
// ABOUTME: Each dispatched request records metrics exactly once; notifications reply nothing.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/2389/mcpd/mcp"
)

// HandleMessage processes one inbound transport message and returns the
// serialized response, or nil when nothing must be sent: notifications,
// client responses to server-initiated requests, and batches of such.
// The second return carries the session ID minted by an initialize
// request so transports can expose it as Mcp-Session-Id.
func (s *Server) HandleMessage(ctx context.Context, sessionID string, body []byte) ([]byte, string) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return s.handleBatch(ctx, sessionID, trimmed)
	}

	var req mcp.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.metrics.recordError()
		return marshalResponse(mcp.NewErrorResponse(mcp.NullID, mcp.CodeParseError, "Parse error: "+err.Error())), ""
	}
	resp, newSession := s.handleSingle(ctx, sessionID, &req)
	if resp == nil {
		return nil, newSession
	}
	return marshalResponse(resp), newSession
}

// handleBatch executes batch elements strictly in order. Responses are
// collected for id-bearing elements only; a batch of notifications
// yields no body at all.
func (s *Server) handleBatch(ctx context.Context, sessionID string, body []byte) ([]byte, string) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		s.metrics.recordError()
		return marshalResponse(mcp.NewErrorResponse(mcp.NullID, mcp.CodeParseError, "Parse error: "+err.Error())), ""
	}
	if len(items) == 0 {
		s.metrics.recordError()
		return marshalResponse(mcp.NewErrorResponse(mcp.NullID, mcp.CodeInvalidRequest, "Invalid Request: empty batch")), ""
	}

	var responses []*mcp.Response
	newSession := ""
	for _, item := range items {
		var req mcp.Request
		if err := json.Unmarshal(item, &req); err != nil {
			// The array itself parsed; elements of the wrong shape are
			// skipped rather than failing the whole batch.
			s.metrics.recordError()
			continue
		}
		resp, ns := s.handleSingle(ctx, sessionID, &req)
		if ns != "" {
			newSession = ns
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil, newSession
	}
	payload, err := json.Marshal(responses)
	if err != nil {
		return marshalResponse(mcp.NewErrorResponse(mcp.NullID, mcp.CodeInternalError, "Internal error: unserializable batch response")), newSession
	}
	return payload, newSession
}

// handleSingle validates the envelope and routes one message. A nil
// response means nothing is sent.
func (s *Server) handleSingle(ctx context.Context, sessionID string, req *mcp.Request) (*mcp.Response, string) {
	if req.JSONRPC != mcp.Version {
		s.metrics.recordError()
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidRequest, "Invalid Request: missing or wrong jsonrpc version"), ""
	}
	if req.Method == "" {
		if req.IsResponse() {
			s.routeResponse(req)
			return nil, ""
		}
		s.metrics.recordError()
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidRequest, "Invalid Request: missing method"), ""
	}

	start := time.Now()
	result, newSession, rpcErr := s.dispatch(ctx, sessionID, req)
	s.metrics.record(req.Method, time.Since(start), rpcErr != nil)

	if req.IsNotification() {
		return nil, newSession
	}
	if rpcErr != nil {
		resp := mcp.NewResponse(req.ID, nil)
		resp.Error = rpcErr
		return resp, newSession
	}
	if result == nil {
		// Handlers return a nil result to suppress the response: the
		// notification methods, and calls cancelled mid-flight.
		return nil, newSession
	}
	return mcp.NewResponse(req.ID, result), newSession
}

// dispatch resolves the method and runs its handler.
func (s *Server) dispatch(ctx context.Context, sessionID string, req *mcp.Request) (any, string, *mcp.Error) {
	method, known := mcp.ParseMethod(req.Method)
	if !known {
		return nil, "", mcp.NewError(mcp.CodeMethodNotFound, "Method not found: "+req.Method)
	}
	if method == mcp.MethodInitialize {
		return s.handleInitialize(req)
	}

	var (
		result any
		rpcErr *mcp.Error
	)
	switch method {
	case mcp.MethodPing:
		result = map[string]any{}
	case mcp.MethodToolsList:
		result, rpcErr = s.handleToolsList(req)
	case mcp.MethodToolsCall:
		result, rpcErr = s.handleToolsCall(ctx, sessionID, req)
	case mcp.MethodResourcesList:
		result, rpcErr = s.handleResourcesList(req)
	case mcp.MethodResourcesRead:
		result, rpcErr = s.handleResourcesRead(ctx, req)
	case mcp.MethodResourcesTemplatesList:
		result, rpcErr = s.handleTemplatesList(req)
	case mcp.MethodResourcesSubscribe:
		result, rpcErr = s.handleSubscribe(sessionID, req, true)
	case mcp.MethodResourcesUnsubscribe:
		result, rpcErr = s.handleSubscribe(sessionID, req, false)
	case mcp.MethodPromptsList:
		result, rpcErr = s.handlePromptsList(req)
	case mcp.MethodPromptsGet:
		result, rpcErr = s.handlePromptsGet(ctx, req)
	case mcp.MethodLoggingSetLevel:
		result, rpcErr = s.handleSetLevel(sessionID, req)
	case mcp.MethodCompletionComplete:
		result, rpcErr = s.handleComplete(req)
	case mcp.MethodRootsList:
		result, rpcErr = s.handleRootsList()
	case mcp.MethodTasksGet:
		result, rpcErr = s.handleTasksGet(ctx, req)
	case mcp.MethodTasksResult:
		result, rpcErr = s.handleTasksResult(ctx, req)
	case mcp.MethodTasksList:
		result, rpcErr = s.handleTasksList(ctx, req)
	case mcp.MethodTasksCancel:
		result, rpcErr = s.handleTasksCancel(ctx, req)
	case mcp.MethodNotifInitialized:
		s.logger.Debug("client initialized", "session", sessionID)
	case mcp.MethodNotifCancelled:
		s.handleCancelled(sessionID, req)
	default:
		return nil, "", mcp.NewError(mcp.CodeMethodNotFound, "Method not found: "+req.Method)
	}
	return result, "", rpcErr
}

// marshalResponse serializes a response, falling back to a plain
// internal error when the result payload cannot be encoded.
func marshalResponse(resp *mcp.Response) []byte {
	payload, err := json.Marshal(resp)
	if err != nil {
		fallback := mcp.NewErrorResponse(resp.ID, mcp.CodeInternalError, "Internal error: unserializable response")
		payload, _ = json.Marshal(fallback)
	}
	return payload
}
