// ABOUTME: The built-in server_diagnostics tool: version, uptime, metrics,
// ABOUTME: session summary, cache and rate limiter stats, task count.

package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/mcpd/mcp"
)

// RegisterDiagnostics adds the read-only server_diagnostics built-in
// tool. It reports a JSON snapshot of the server's runtime state:
// serverInfo, uptime, per-method metrics, session summary, cache and
// rate limiter stats when those subsystems are enabled, and the task
// count when tasks are on.
func (s *Server) RegisterDiagnostics() error {
	readOnly := true
	return s.RegisterTool(ToolDef{
		Name:        "server_diagnostics",
		Description: "Report server health: uptime, request metrics, sessions, cache and rate limiter statistics.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: &readOnly},
		Handler: SimpleFunc(func(ctx context.Context, _ map[string]any) (string, error) {
			return s.diagnosticsJSON(ctx)
		}),
	})
}

func (s *Server) diagnosticsJSON(ctx context.Context) (string, error) {
	report := map[string]any{
		"server":   s.info,
		"metrics":  s.metrics.snapshot(),
		"sessions": s.sessions.Summarize(),
	}
	if s.cache.Enabled() {
		report["cache"] = s.cache.Stats()
	}
	if s.limiter.Enabled() {
		report["rateLimit"] = s.limiter.Stats()
	}
	if s.tasksOn {
		count, err := s.tasks.Count(ctx)
		if err == nil {
			report["tasks"] = map[string]any{"count": count}
		}
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encoding diagnostics: %w", err)
	}
	return string(payload), nil
}
