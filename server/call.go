// ABOUTME: The tools/call pipeline: tracking, task augmentation, validation, hooks,
// ABOUTME: cache short-circuit, handler invocation, and structured output checks.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/2389/mcpd/mcp"
)

// emptyArgs stands in for an absent arguments object so cache keys and
// hooks always see canonical input.
var emptyArgs = json.RawMessage("{}")

// errorResult builds a tool-level failure. Handler failures surface
// this way rather than as transport errors, so the client always gets
// a well-formed success envelope wrapping an isError payload.
func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(text)}, IsError: true}
}

// visibleGet resolves a callable tool. Individually disabled tools and
// tools disabled through groups report not-found, indistinguishable
// from tools that were never registered.
func (r *toolRegistry) visibleGet(name string, groupDisabled func(string) bool) (*toolEntry, bool) {
	r.mu.RLock()
	e, ok := r.tools[name]
	enabled := ok && e.enabled
	r.mu.RUnlock()
	if !ok || !enabled {
		return nil, false
	}
	if groupDisabled != nil && groupDisabled(name) {
		return nil, false
	}
	return e, true
}

func (s *Server) handleToolsCall(ctx context.Context, sessionID string, req *mcp.Request) (any, *mcp.Error) {
	var params mcp.CallToolParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Name == "" {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Missing tool name")
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = emptyArgs
	}

	var progressToken any
	if params.Meta != nil {
		progressToken = params.Meta.ProgressToken
	}
	requestKey := mcp.IDKey(req.ID)
	ctx, finish := s.tracker.begin(ctx, sessionID, requestKey, progressToken)

	if params.Task != nil {
		result, rpcErr := s.startTaskCall(ctx, sessionID, params.Name, args, params.Task)
		finish()
		return result, rpcErr
	}

	if strings.HasPrefix(params.Name, pipelinePrefix) {
		result, rpcErr := s.callPipeline(ctx, sessionID, strings.TrimPrefix(params.Name, pipelinePrefix), args)
		finish()
		return result, rpcErr
	}

	info := ToolCallInfo{Name: params.Name, Arguments: args, SessionID: sessionID}
	before, after := s.toolCallHooks()

	entry, ok := s.tools.visibleGet(params.Name, s.groups.disabled)
	if !ok {
		finish()
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Tool not found: "+params.Name)
	}

	validateIn, validateOut := s.validationFlags()
	if validateIn && entry.input != nil {
		if err := entry.input.ValidateJSON(args); err != nil {
			finish()
			return nil, mcp.NewError(mcp.CodeInvalidParams, err.Error())
		}
	}

	if entry.def.TaskSupport == mcp.TaskRequired {
		finish()
		return nil, mcp.NewError(mcp.CodeMethodNotFound, "Tool requires task execution")
	}

	if before != nil && !before(info) {
		finish()
		if after != nil {
			after(info, nil, 0)
		}
		return nil, mcp.NewError(mcp.CodeInvalidRequest, "Tool call rejected")
	}

	// Cache hit: skip the handler entirely and return the stored
	// payload verbatim, its original isError status included.
	if payload, hit := s.cache.Get(params.Name, args); hit {
		finish()
		if after != nil {
			var cached mcp.CallToolResult
			if json.Unmarshal(payload, &cached) == nil {
				after(info, &cached, 0)
			}
		}
		s.logger.Debug("tool call served from cache", "tool", params.Name)
		return json.RawMessage(payload), nil
	}

	start := time.Now()
	treq := ToolRequest{
		Name:      params.Name,
		Arguments: args,
		SessionID: sessionID,
		requestID: requestKey,
		srv:       s,
	}
	result := s.invokeTool(ctx, entry.def.Handler, treq)
	duration := time.Since(start)
	cancelled := finish()

	result = s.applyOutputSchema(entry, result, validateOut)
	if payload, err := json.Marshal(result); err == nil {
		s.cache.Put(params.Name, args, payload)
	}

	if after != nil {
		after(info, result, duration)
	}
	if cancelled {
		// The caller gave up on this request; side effects stand but no
		// response is sent.
		s.logger.Debug("tool call cancelled", "tool", params.Name, "request", requestKey)
		return nil, nil
	}
	return result, nil
}

// invokeTool runs the handler with a hard failure boundary: a returned
// error or a panic becomes an isError result, never a transport fault.
func (s *Server) invokeTool(ctx context.Context, handler ToolHandler, req ToolRequest) (result *mcp.CallToolResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked", "tool", req.Name, "panic", r)
			result = errorResult(fmt.Sprintf("Internal tool error: %v", r))
		}
	}()
	if handler == nil {
		return errorResult("Internal tool error: no synchronous handler")
	}
	res, err := handler.Invoke(ctx, req)
	if err != nil {
		return errorResult(err.Error())
	}
	if res == nil {
		res = &mcp.CallToolResult{Content: []mcp.Content{}}
	}
	if res.Content == nil {
		res.Content = []mcp.Content{}
	}
	return res
}

// applyOutputSchema attaches structuredContent when the tool declares
// an output schema and the primary text output parses as JSON. With
// output validation on, a schema failure replaces the whole result.
func (s *Server) applyOutputSchema(entry *toolEntry, result *mcp.CallToolResult, validateOut bool) *mcp.CallToolResult {
	if entry.output == nil || result.IsError {
		return result
	}
	if result.StructuredContent == nil {
		if text, ok := primaryText(result); ok {
			var parsed any
			if err := json.Unmarshal([]byte(text), &parsed); err == nil {
				result.StructuredContent = parsed
			}
		}
	}
	if !validateOut || result.StructuredContent == nil {
		return result
	}
	if err := entry.output.Validate(result.StructuredContent); err != nil {
		s.logger.Warn("tool output failed validation", "tool", entry.def.Name, "error", err)
		return errorResult("Output validation failed: " + err.Error())
	}
	return result
}

// primaryText returns the first text block of a result.
func primaryText(result *mcp.CallToolResult) (string, bool) {
	for _, c := range result.Content {
		if c.Type == mcp.ContentText {
			return c.Text, true
		}
	}
	return "", false
}

// startTaskCall starts a task-augmented tool execution. The response
// returns immediately; the runner drives the task to a terminal state
// from its own goroutine.
func (s *Server) startTaskCall(ctx context.Context, sessionID, name string, args json.RawMessage, taskParams *mcp.TaskParams) (any, *mcp.Error) {
	if !s.tasksOn {
		return nil, mcp.NewError(mcp.CodeMethodNotFound, "Tasks not supported")
	}
	entry, ok := s.tools.visibleGet(name, s.groups.disabled)
	if !ok {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Tool not found: "+name)
	}
	if entry.def.TaskSupport != mcp.TaskOptional && entry.def.TaskSupport != mcp.TaskRequired {
		return nil, mcp.NewError(mcp.CodeMethodNotFound, "Tool does not support task execution")
	}
	if entry.def.Runner == nil {
		return nil, mcp.NewError(mcp.CodeMethodNotFound, "No async handler for tool")
	}

	validateIn, _ := s.validationFlags()
	if validateIn && entry.input != nil {
		if err := entry.input.ValidateJSON(args); err != nil {
			return nil, mcp.NewError(mcp.CodeInvalidParams, err.Error())
		}
	}

	ttl := time.Duration(taskParams.TTL) * time.Millisecond
	rec, err := s.tasks.Create(ctx, name, sessionID, ttl)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInternalError, "Creating task failed: "+err.Error())
	}

	treq := ToolRequest{Name: name, Arguments: args, SessionID: sessionID, srv: s}
	taskCtx := &TaskContext{id: rec.ID, srv: s}
	go s.runTask(taskCtx, entry.def.Runner, treq)

	s.logger.Debug("task started", "task_id", rec.ID, "tool", name, "session", sessionID)
	return mcp.CreateTaskResult{Task: rec.Wire()}, nil
}

// runTask executes a task runner on its own goroutine, detached from
// the request that started it. A panicking runner fails the task.
func (s *Server) runTask(task *TaskContext, runner TaskRunner, req ToolRequest) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task runner panicked", "task_id", task.ID(), "tool", req.Name, "panic", r)
			_ = task.Fail(ctx, fmt.Sprintf("Internal tool error: %v", r))
		}
	}()
	runner(ctx, task, req)
}
