// ABOUTME: Tool definitions, handler interfaces, and the thread-safe tool registry.
// ABOUTME: Handlers are interfaces with func adapters; duplicate names are rejected.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/mcpd/mcp"
	"github.com/2389/mcpd/schema"
)

// ErrToolExists indicates a tool with the same name is already registered.
var ErrToolExists = errors.New("tool already registered")

// ErrToolNotFound indicates the named tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrInvalidTool indicates a tool definition that cannot be registered.
var ErrInvalidTool = errors.New("invalid tool definition")

// pipelinePrefix is reserved for pipeline pseudo-tools (see pipeline.go).
const pipelinePrefix = "pipeline:"

// ToolRequest carries one tool invocation to its handler.
type ToolRequest struct {
	// Name is the tool name from tools/call.
	Name string
	// Arguments is the raw `arguments` object, "{}" when absent.
	Arguments json.RawMessage
	// SessionID identifies the calling session ("" on stdio or internal calls).
	SessionID string

	requestID string
	srv       *Server
}

// Args decodes the arguments object into a map. A missing or null
// arguments payload decodes to an empty map.
func (r ToolRequest) Args() (map[string]any, error) {
	args := map[string]any{}
	if len(r.Arguments) == 0 || string(r.Arguments) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(r.Arguments, &args); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	return args, nil
}

// ReportProgress emits notifications/progress for this request when the
// caller supplied a progress token. A total of 0 means indeterminate.
func (r ToolRequest) ReportProgress(progress, total float64, message string) {
	if r.srv == nil || r.requestID == "" {
		return
	}
	r.srv.reportProgress(r.SessionID, r.requestID, progress, total, message)
}

// ToolHandler executes a tool call and returns its result. Returning a
// non-nil error produces an isError result for the client; it never
// becomes a transport-level fault.
type ToolHandler interface {
	Invoke(ctx context.Context, req ToolRequest) (*mcp.CallToolResult, error)
}

// ToolFunc adapts a function to ToolHandler.
type ToolFunc func(ctx context.Context, req ToolRequest) (*mcp.CallToolResult, error)

// Invoke implements ToolHandler.
func (f ToolFunc) Invoke(ctx context.Context, req ToolRequest) (*mcp.CallToolResult, error) {
	return f(ctx, req)
}

// SimpleFunc is the common tool shape: decoded arguments in, one text
// block out.
type SimpleFunc func(ctx context.Context, args map[string]any) (string, error)

// Invoke implements ToolHandler.
func (f SimpleFunc) Invoke(ctx context.Context, req ToolRequest) (*mcp.CallToolResult, error) {
	args, err := req.Args()
	if err != nil {
		return nil, err
	}
	text, err := f(ctx, args)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(text)}}, nil
}

// TaskContext lets an asynchronous tool handler drive its task through
// the lifecycle. Complete, Fail, and Cancel are terminal; calling any of
// them twice returns task.ErrAlreadyTerminal.
type TaskContext struct {
	id  string
	srv *Server
}

// ID returns the task ID.
func (t *TaskContext) ID() string { return t.id }

// Working updates the task's status message while it runs.
func (t *TaskContext) Working(ctx context.Context, message string) error {
	return t.srv.tasks.MarkWorking(ctx, t.id, message)
}

// Complete stores the tool result and moves the task to completed.
func (t *TaskContext) Complete(ctx context.Context, result *mcp.CallToolResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding task result: %w", err)
	}
	return t.srv.tasks.Complete(ctx, t.id, payload)
}

// Fail moves the task to failed, preserving the message verbatim for
// tasks/result.
func (t *TaskContext) Fail(ctx context.Context, message string) error {
	return t.srv.tasks.Fail(ctx, t.id, message)
}

// Cancel moves the task to cancelled.
func (t *TaskContext) Cancel(ctx context.Context, message string) error {
	return t.srv.tasks.Cancel(ctx, t.id, message)
}

// TaskRunner executes a task-augmented tool call in the background. The
// runner owns the task's terminal transition: it must call
// task.Complete, task.Fail, or task.Cancel (a panic fails the task).
type TaskRunner func(ctx context.Context, task *TaskContext, req ToolRequest)

// ToolDef describes a tool to register.
type ToolDef struct {
	Name         string
	Title        string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Annotations  *mcp.ToolAnnotations
	Icons        []mcp.Icon

	// TaskSupport states whether the tool may, must, or must not run as
	// a task. The zero value means forbidden.
	TaskSupport mcp.TaskSupport

	// CacheTTL enables result caching for this tool. Zero disables it.
	CacheTTL time.Duration

	// Handler serves synchronous tools/call invocations.
	Handler ToolHandler
	// Runner serves task-augmented invocations. Required when
	// TaskSupport is Required; at least one of Handler and Runner must
	// be set.
	Runner TaskRunner
}

// toolEntry is a registered tool with its compiled schemas.
type toolEntry struct {
	def     ToolDef
	input   *schema.Schema
	output  *schema.Schema
	enabled bool
}

// wire builds the tools/list representation.
func (e *toolEntry) wire() mcp.Tool {
	t := mcp.Tool{
		Name:         e.def.Name,
		Title:        e.def.Title,
		Description:  e.def.Description,
		InputSchema:  e.def.InputSchema,
		OutputSchema: e.def.OutputSchema,
		Annotations:  e.def.Annotations,
		Icons:        e.def.Icons,
	}
	if t.InputSchema == nil {
		t.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	if e.def.TaskSupport == mcp.TaskOptional || e.def.TaskSupport == mcp.TaskRequired {
		t.Execution = &mcp.ToolExecution{TaskSupport: e.def.TaskSupport}
	}
	return t
}

// toolRegistry holds registered tools keyed by name.
type toolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*toolEntry
}

func newToolRegistry() *toolRegistry {
	return &toolRegistry{tools: make(map[string]*toolEntry)}
}

func (r *toolRegistry) register(def ToolDef) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	if strings.HasPrefix(def.Name, pipelinePrefix) {
		return fmt.Errorf("%w: %q uses the reserved pipeline prefix", ErrInvalidTool, def.Name)
	}
	if def.Handler == nil && def.Runner == nil {
		return fmt.Errorf("%w: %q has no handler", ErrInvalidTool, def.Name)
	}
	if def.TaskSupport == mcp.TaskRequired && def.Runner == nil {
		return fmt.Errorf("%w: %q requires task execution but has no runner", ErrInvalidTool, def.Name)
	}

	entry := &toolEntry{def: def, enabled: true}
	if len(def.InputSchema) > 0 {
		compiled, err := schema.Compile(def.InputSchema)
		if err != nil {
			return fmt.Errorf("%w: %q input schema: %v", ErrInvalidTool, def.Name, err)
		}
		entry.input = compiled
	}
	if len(def.OutputSchema) > 0 {
		compiled, err := schema.Compile(def.OutputSchema)
		if err != nil {
			return fmt.Errorf("%w: %q output schema: %v", ErrInvalidTool, def.Name, err)
		}
		entry.output = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrToolExists, def.Name)
	}
	r.tools[def.Name] = entry
	return nil
}

func (r *toolRegistry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	return true
}

func (r *toolRegistry) get(name string) (*toolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

func (r *toolRegistry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	e.enabled = enabled
	return nil
}

func (r *toolRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// names returns all registered tool names, sorted.
func (r *toolRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// visible returns the entries eligible for listing and calling, sorted
// by name. Individually disabled tools and tools disabled through
// groups are filtered out.
func (r *toolRegistry) visible(groupDisabled func(string) bool) []*toolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*toolEntry, 0, len(r.tools))
	for name, e := range r.tools {
		if !e.enabled {
			continue
		}
		if groupDisabled != nil && groupDisabled(name) {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].def.Name < entries[j].def.Name
	})
	return entries
}
