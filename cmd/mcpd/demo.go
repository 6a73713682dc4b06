// ABOUTME: The demo catalog: example tools, resources, prompts, pipelines,
// ABOUTME: and the health/alert wiring exercised by the serve subcommand.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/mcpd/alerts"
	"github.com/2389/mcpd/health"
	"github.com/2389/mcpd/mcp"
	"github.com/2389/mcpd/server"
)

const readmeMarkdown = `# mcpd demo server

This server exposes a small catalog for trying out MCP clients.

## Tools

- **add** — adds two integers
- **echo** — returns its input verbatim
- **sleep** — waits asynchronously as a task

## Resources

- ` + "`doc://readme`" + ` — this document
- ` + "`sensor://{id}/reading`" + ` — a synthetic sensor reading
`

// registerDemo fills the server with the example catalog.
func registerDemo(srv *server.Server, logger *slog.Logger) error {
	if err := registerDemoTools(srv); err != nil {
		return err
	}
	if err := registerDemoResources(srv); err != nil {
		return err
	}
	if err := registerDemoPrompt(srv); err != nil {
		return err
	}
	if err := srv.RegisterDiagnostics(); err != nil {
		return err
	}

	// Forward host log records to connected clients too.
	bridged := slog.New(server.NewLogHandler(srv, "mcpd"))
	srv.OnInitialize(func(sessionID string, client mcp.Info) {
		logger.Info("client initialized", "session", sessionID, "client", client.Name, "version", client.Version)
		bridged.Info("welcome", "server", srv.Info().Name)
	})
	return nil
}

func registerDemoTools(srv *server.Server) error {
	if err := srv.RegisterTool(server.ToolDef{
		Name:        "add",
		Description: "Add two integers.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"a": {"type": "integer"},
				"b": {"type": "integer"}
			},
			"required": ["a", "b"]
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"sum": {"type": "integer"}},
			"required": ["sum"]
		}`),
		CacheTTL: time.Minute,
		Handler: server.SimpleFunc(func(_ context.Context, args map[string]any) (string, error) {
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			return fmt.Sprintf(`{"sum":%d}`, int64(a)+int64(b)), nil
		}),
	}); err != nil {
		return err
	}

	if err := srv.RegisterTool(server.ToolDef{
		Name:        "echo",
		Description: "Echo the message back.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"]
		}`),
		Handler: server.SimpleFunc(func(_ context.Context, args map[string]any) (string, error) {
			msg, _ := args["message"].(string)
			return msg, nil
		}),
	}); err != nil {
		return err
	}

	// sleep demonstrates task-augmented execution with progress.
	return srv.RegisterTool(server.ToolDef{
		Name:        "sleep",
		Description: "Wait for the given number of seconds, reporting progress.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"seconds": {"type": "number", "minimum": 0, "maximum": 300}},
			"required": ["seconds"]
		}`),
		TaskSupport: mcp.TaskRequired,
		Runner: func(ctx context.Context, t *server.TaskContext, req server.ToolRequest) {
			args, err := req.Args()
			if err != nil {
				_ = t.Fail(ctx, err.Error())
				return
			}
			seconds, _ := args["seconds"].(float64)
			total := time.Duration(seconds * float64(time.Second))
			_ = t.Working(ctx, fmt.Sprintf("sleeping for %s", total))

			step := total / 10
			if step <= 0 {
				step = time.Millisecond
			}
			for elapsed := time.Duration(0); elapsed < total; elapsed += step {
				select {
				case <-ctx.Done():
					_ = t.Cancel(ctx, "cancelled while sleeping")
					return
				case <-time.After(step):
					req.ReportProgress(elapsed.Seconds(), total.Seconds(), "sleeping")
				}
			}
			_ = t.Complete(ctx, &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent(fmt.Sprintf("slept %s", total))},
			})
		},
	})
}

func registerDemoResources(srv *server.Server) error {
	var html bytes.Buffer
	if err := goldmark.Convert([]byte(readmeMarkdown), &html); err != nil {
		return fmt.Errorf("rendering readme: %w", err)
	}
	if err := srv.RegisterResource(server.ResourceDef{
		URI:         "doc://readme",
		Name:        "readme",
		Description: "What this demo server offers.",
		MimeType:    "text/html",
		Handler:     server.StaticResource(html.String()),
	}); err != nil {
		return err
	}

	if err := srv.RegisterTemplate(server.TemplateDef{
		URITemplate: "sensor://{id}/reading",
		Name:        "sensor reading",
		Description: "Synthetic reading for any sensor ID.",
		MimeType:    "application/json",
		Handler: server.TemplateFunc(func(_ context.Context, _ string, vars map[string]string) ([]mcp.ResourceContents, error) {
			reading := map[string]any{
				"sensor":    vars["id"],
				"value":     21.5,
				"unit":      "C",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}
			payload, err := json.Marshal(reading)
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{{Text: string(payload)}}, nil
		}),
	}); err != nil {
		return err
	}

	return srv.RegisterTemplateCompletion("sensor://{id}/reading", func(arg, value string) []string {
		if arg != "id" {
			return nil
		}
		return []string{"temp1", "temp2", "humidity1"}
	})
}

func registerDemoPrompt(srv *server.Server) error {
	if err := srv.RegisterPrompt(server.PromptDef{
		Name:        "summarize-readings",
		Description: "Ask the model to summarize recent sensor readings.",
		Arguments: []mcp.PromptArgument{
			{Name: "sensor", Description: "Sensor ID to focus on", Required: true},
			{Name: "window", Description: "Time window, e.g. 1h"},
		},
		Handler: server.PromptFunc(func(_ context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
			window := args["window"]
			if window == "" {
				window = "1h"
			}
			text := fmt.Sprintf("Summarize the readings from sensor %s over the last %s. Call out anomalies.", args["sensor"], window)
			return &mcp.GetPromptResult{
				Description: "Sensor summary request",
				Messages: []mcp.PromptMessage{
					{Role: mcp.RoleUser, Content: mcp.TextContent(text)},
				},
			}, nil
		}),
	}); err != nil {
		return err
	}

	return srv.RegisterPromptCompletion("summarize-readings", func(arg, value string) []string {
		switch arg {
		case "sensor":
			return []string{"temp1", "temp2", "humidity1"}
		case "window":
			return []string{"15m", "1h", "24h"}
		default:
			return nil
		}
	})
}

// newHealthChecker watches session pressure and the task backlog.
func newHealthChecker(srv *server.Server) *health.Checker {
	checker := health.NewChecker(health.Config{})
	_ = checker.AddCheck("sessions", func() health.Status {
		count := srv.Sessions().ActiveCount()
		return health.OK(fmt.Sprintf("%d active", count))
	})
	_ = checker.AddNonCriticalCheck("error_rate", func() health.Status {
		snap := srv.MetricsSnapshot()
		if snap.TotalRequests == 0 {
			return health.OK("no traffic")
		}
		ratio := float64(snap.TotalErrors) / float64(snap.TotalRequests)
		if ratio > 0.5 {
			return health.Fail(fmt.Sprintf("error ratio %.2f", ratio))
		}
		if ratio > 0.1 {
			return health.Warn(fmt.Sprintf("error ratio %.2f", ratio))
		}
		return health.OK(fmt.Sprintf("error ratio %.2f", ratio))
	})
	return checker
}

// newAlertEngine logs threshold transitions on the request counters.
func newAlertEngine(srv *server.Server, logger *slog.Logger) *alerts.Engine {
	engine := alerts.NewEngine(alerts.Config{})
	_ = engine.AddRule("request_errors", alerts.OpGreaterThan, 100, alerts.SeverityWarning)
	_ = engine.AddRule("latency_ms", alerts.OpGreaterThan, 5000, alerts.SeverityError)
	engine.AddListener(func(ev alerts.Event) {
		if ev.Fired {
			logger.Warn("alert fired", "rule", ev.Rule, "value", ev.Value, "severity", string(ev.Severity))
			return
		}
		logger.Info("alert cleared", "rule", ev.Rule, "value", ev.Value)
	})
	return engine
}
