// Package server is the aggregate root of the MCP server: it owns the
// capability registries (tools, resources, resource templates, prompts,
// roots), the JSON-RPC dispatcher, and the managers the dispatcher
// consults (sessions, tasks, cache, rate limiter, request tracker,
// sampling/elicitation queues, metrics).
//
// # Message flow
//
// A transport hands each inbound JSON-RPC payload to
// (*Server).HandleMessage together with the caller's session ID. The
// dispatcher validates the envelope, routes single messages and batches
// to the method handlers, and returns the serialized response (nil for
// pure notifications, which the transport acknowledges with no body).
// Unsolicited traffic — log messages, progress, task status updates,
// sampling and elicitation requests — flows the other way through a
// registered Pusher.
//
// # Registration
//
// Capabilities are registered up front and may be mutated at runtime:
//
//	srv, _ := server.New(server.Config{Name: "demo", Version: "1.0.0"})
//	srv.RegisterTool(server.ToolDef{
//		Name:        "add",
//		Description: "Add two numbers",
//		InputSchema: json.RawMessage(`{"type":"object","required":["a","b"]}`),
//		Handler: server.SimpleFunc(func(ctx context.Context, args map[string]any) (string, error) {
//			return fmt.Sprint(args["a"].(float64) + args["b"].(float64)), nil
//		}),
//	})
//
// Duplicate names are rejected; listings are sorted and stable.
package server
