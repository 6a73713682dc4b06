// ABOUTME: Admission and observation hooks around tool execution.
// ABOUTME: The before hook can veto a call; the after hook always fires with timing.

package server

import (
	"encoding/json"
	"time"

	"github.com/2389/mcpd/mcp"
)

// ToolCallInfo gives hooks read-only context about one tool call.
type ToolCallInfo struct {
	// Name is the called tool.
	Name string
	// Arguments is the raw arguments object, "{}" when absent.
	Arguments json.RawMessage
	// SessionID identifies the calling session ("" on stdio or
	// internal calls).
	SessionID string
}

// BeforeToolCall runs before a tool executes. Returning false vetoes
// the call: the client receives a -32600 "Tool call rejected" error
// and the handler never runs.
type BeforeToolCall func(info ToolCallInfo) bool

// AfterToolCall runs after every tool call, vetoed and cached calls
// included. Cached hits report a zero duration.
type AfterToolCall func(info ToolCallInfo, result *mcp.CallToolResult, duration time.Duration)

// SetBeforeToolCall installs the veto hook. Pass nil to remove it.
func (s *Server) SetBeforeToolCall(fn BeforeToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeToolCall = fn
}

// SetAfterToolCall installs the observation hook. Pass nil to remove it.
func (s *Server) SetAfterToolCall(fn AfterToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterToolCall = fn
}

func (s *Server) toolCallHooks() (BeforeToolCall, AfterToolCall) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.beforeToolCall, s.afterToolCall
}
