// ABOUTME: Method handlers for everything the dispatcher routes except tools/call.
// ABOUTME: Not-found conditions report -32602, deliberately matching validation errors.

package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/mcpd/mcp"
	"github.com/2389/mcpd/task"
)

// decodeParams unmarshals request params into dst. Absent params are
// left at their zero value.
func decodeParams(raw json.RawMessage, dst any) *mcp.Error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return mcp.NewError(mcp.CodeInvalidParams, "Invalid params: "+err.Error())
	}
	return nil
}

// handleInitialize performs the handshake: negotiate the protocol
// revision, mint a session, and describe the server's capabilities.
func (s *Server) handleInitialize(req *mcp.Request) (any, string, *mcp.Error) {
	var params mcp.InitializeParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, "", rpcErr
	}

	protocol := params.ProtocolVersion
	if !mcp.SupportedProtocolVersions[protocol] {
		// Unknown revisions get the server's latest; the client decides
		// whether it can proceed.
		protocol = mcp.LatestProtocolVersion
	}

	sess := s.sessions.Create(params.ClientInfo.Name, params.ClientInfo.Version, protocol)
	s.logger.Info("session initialized",
		"session", sess.ID,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol", protocol)
	s.fireInitialize(sess.ID, params.ClientInfo)

	result := mcp.InitializeResult{
		ProtocolVersion: protocol,
		Capabilities:    s.capabilities(),
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}
	return result, sess.ID, nil
}

func (s *Server) handleToolsList(req *mcp.Request) (any, *mcp.Error) {
	var params mcp.ListToolsParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	tools := make([]mcp.Tool, 0, s.tools.count()+s.pipelines.count())
	for _, e := range s.tools.visible(s.groups.disabled) {
		tools = append(tools, e.wire())
	}
	// Pipelines sort after plain tools: the reserved "pipeline:" prefix
	// is greater than no prefix only by accident of naming, so merge
	// explicitly to keep the listing order-stable.
	tools = append(tools, s.pipelines.wireTools()...)

	start, end, next, err := pageWindow(len(tools), s.listPageSize(), params.Cursor)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Invalid cursor: "+params.Cursor)
	}
	return mcp.ListToolsResult{Tools: tools[start:end], NextCursor: next}, nil
}

func (s *Server) handleResourcesList(req *mcp.Request) (any, *mcp.Error) {
	var params mcp.ListResourcesParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	defs := s.resources.list()
	resources := make([]mcp.Resource, 0, len(defs))
	for _, def := range defs {
		resources = append(resources, def.wire())
	}
	start, end, next, err := pageWindow(len(resources), s.listPageSize(), params.Cursor)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Invalid cursor: "+params.Cursor)
	}
	return mcp.ListResourcesResult{Resources: resources[start:end], NextCursor: next}, nil
}

func (s *Server) handleTemplatesList(req *mcp.Request) (any, *mcp.Error) {
	var params mcp.ListResourcesParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	defs := s.templates.list()
	templates := make([]mcp.ResourceTemplate, 0, len(defs))
	for _, def := range defs {
		templates = append(templates, def.wire())
	}
	start, end, next, err := pageWindow(len(templates), s.listPageSize(), params.Cursor)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Invalid cursor: "+params.Cursor)
	}
	return mcp.ListResourceTemplatesResult{ResourceTemplates: templates[start:end], NextCursor: next}, nil
}

// handleResourcesRead serves a static resource when the URI is
// registered directly, otherwise the first matching template.
func (s *Server) handleResourcesRead(ctx context.Context, req *mcp.Request) (any, *mcp.Error) {
	var params mcp.ReadResourceParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.URI == "" {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Missing resource uri")
	}

	if def, ok := s.resources.get(params.URI); ok {
		contents, err := def.Handler.Read(ctx, params.URI)
		if err != nil {
			s.logger.Warn("resource read failed", "uri", params.URI, "error", err)
			return nil, mcp.NewError(mcp.CodeInternalError, "Resource read failed: "+err.Error())
		}
		return mcp.ReadResourceResult{Contents: fillResourceMeta(contents, params.URI, def.MimeType)}, nil
	}

	if def, vars, ok := s.templates.match(params.URI); ok {
		contents, err := def.Handler.Read(ctx, params.URI, vars)
		if err != nil {
			s.logger.Warn("templated resource read failed", "uri", params.URI, "error", err)
			return nil, mcp.NewError(mcp.CodeInternalError, "Resource read failed: "+err.Error())
		}
		return mcp.ReadResourceResult{Contents: fillResourceMeta(contents, params.URI, def.MimeType)}, nil
	}

	return nil, mcp.NewError(mcp.CodeInvalidParams, "Resource not found: "+params.URI)
}

// fillResourceMeta backfills the URI and MIME type handlers commonly
// leave empty.
func fillResourceMeta(contents []mcp.ResourceContents, uri, mimeType string) []mcp.ResourceContents {
	for i := range contents {
		if contents[i].URI == "" {
			contents[i].URI = uri
		}
		if contents[i].MimeType == "" {
			contents[i].MimeType = mimeType
		}
	}
	return contents
}

// handleSubscribe serves resources/subscribe and resources/unsubscribe.
// Subscription requires the URI to resolve to a known resource or
// template; unsubscribe is always a silent success.
func (s *Server) handleSubscribe(sessionID string, req *mcp.Request, subscribe bool) (any, *mcp.Error) {
	var params mcp.SubscribeParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.URI == "" {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Missing resource uri")
	}

	if !subscribe {
		s.unsubscribe(sessionID, params.URI)
		return map[string]any{}, nil
	}

	_, known := s.resources.get(params.URI)
	if !known {
		_, _, known = s.templates.match(params.URI)
	}
	if !known {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Resource not found: "+params.URI)
	}
	s.subscribe(sessionID, params.URI)
	return map[string]any{}, nil
}

func (s *Server) handlePromptsList(req *mcp.Request) (any, *mcp.Error) {
	var params mcp.ListPromptsParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	defs := s.prompts.list()
	prompts := make([]mcp.Prompt, 0, len(defs))
	for _, def := range defs {
		prompts = append(prompts, def.wire())
	}
	start, end, next, err := pageWindow(len(prompts), s.listPageSize(), params.Cursor)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Invalid cursor: "+params.Cursor)
	}
	return mcp.ListPromptsResult{Prompts: prompts[start:end], NextCursor: next}, nil
}

func (s *Server) handlePromptsGet(ctx context.Context, req *mcp.Request) (any, *mcp.Error) {
	var params mcp.GetPromptParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Name == "" {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Missing prompt name")
	}

	def, ok := s.prompts.get(params.Name)
	if !ok {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Prompt not found: "+params.Name)
	}
	for _, arg := range def.Arguments {
		if arg.Required {
			if _, present := params.Arguments[arg.Name]; !present {
				return nil, mcp.NewError(mcp.CodeInvalidParams, "Missing required argument: "+arg.Name)
			}
		}
	}

	result, err := def.Handler.Render(ctx, params.Arguments)
	if err != nil {
		s.logger.Warn("prompt render failed", "name", params.Name, "error", err)
		return nil, mcp.NewError(mcp.CodeInternalError, "Prompt render failed: "+err.Error())
	}
	if result.Description == "" {
		result.Description = def.Description
	}
	return result, nil
}

func (s *Server) handleSetLevel(sessionID string, req *mcp.Request) (any, *mcp.Error) {
	var params mcp.SetLevelParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if !params.Level.Valid() {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Invalid log level: "+string(params.Level))
	}
	s.sessions.SetLogLevel(sessionID, params.Level)
	return map[string]any{}, nil
}

func (s *Server) handleRootsList() (any, *mcp.Error) {
	return mcp.ListRootsResult{Roots: s.roots.list()}, nil
}

func (s *Server) requireTasks() *mcp.Error {
	if !s.tasksOn {
		return mcp.NewError(mcp.CodeMethodNotFound, "Tasks not supported")
	}
	return nil
}

func (s *Server) handleTasksGet(ctx context.Context, req *mcp.Request) (any, *mcp.Error) {
	if rpcErr := s.requireTasks(); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.TaskParamsRef
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.TaskID == "" {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Missing taskId")
	}

	rec, err := s.tasks.Get(ctx, params.TaskID)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Task not found: "+params.TaskID)
	}
	return rec.Wire(), nil
}

// handleTasksResult returns the stored result of a terminal task. The
// payload is augmented with the related-task metadata so clients can
// correlate it back to the task without carrying their own state.
func (s *Server) handleTasksResult(ctx context.Context, req *mcp.Request) (any, *mcp.Error) {
	if rpcErr := s.requireTasks(); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.TaskParamsRef
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.TaskID == "" {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Missing taskId")
	}

	payload, err := s.tasks.Result(ctx, params.TaskID)
	switch {
	case err == nil:
	case errors.Is(err, task.ErrNotFound):
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Task not found: "+params.TaskID)
	case errors.Is(err, task.ErrNotComplete):
		return nil, mcp.NewError(mcp.CodeTaskNotComplete, "Task not yet complete")
	default:
		// Failed or cancelled: the original message, preserved verbatim.
		return nil, mcp.NewError(mcp.CodeServerError, err.Error())
	}

	result := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, mcp.NewError(mcp.CodeInternalError, "Stored task result is not an object")
		}
	}
	meta, _ := result["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[mcp.RelatedTaskMetaKey] = map[string]any{"taskId": params.TaskID}
	result["_meta"] = meta
	return result, nil
}

func (s *Server) handleTasksList(ctx context.Context, req *mcp.Request) (any, *mcp.Error) {
	if rpcErr := s.requireTasks(); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.ListTasksParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	records, next, err := s.tasks.List(ctx, params.Cursor)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Invalid cursor: "+params.Cursor)
	}
	tasks := make([]mcp.Task, 0, len(records))
	for _, rec := range records {
		tasks = append(tasks, rec.Wire())
	}
	return mcp.ListTasksResult{Tasks: tasks, NextCursor: next}, nil
}

func (s *Server) handleTasksCancel(ctx context.Context, req *mcp.Request) (any, *mcp.Error) {
	if rpcErr := s.requireTasks(); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.TaskParamsRef
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.TaskID == "" {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Missing taskId")
	}

	if err := s.tasks.Cancel(ctx, params.TaskID, "cancelled by client"); err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Task not found or already terminal")
	}
	rec, err := s.tasks.Get(ctx, params.TaskID)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInternalError, "Task vanished during cancel")
	}
	return rec.Wire(), nil
}

// handleCancelled aborts the in-flight call named by a
// notifications/cancelled message. Cancellation is advisory: the
// call's context is cancelled and handlers decide how fast to stop.
func (s *Server) handleCancelled(sessionID string, req *mcp.Request) {
	var params mcp.CancelledParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || len(params.RequestID) == 0 {
		return
	}
	key := mcp.IDKey(params.RequestID)
	if s.tracker.cancelCall(sessionID, key) {
		s.logger.Debug("request cancelled", "session", sessionID, "request", key, "reason", params.Reason)
	}
}
