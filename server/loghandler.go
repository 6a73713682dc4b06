// ABOUTME: An slog.Handler that forwards log records to connected MCP clients
// ABOUTME: as notifications/message, gated per session by logging/setLevel.

package server

import (
	"context"
	"log/slog"

	"github.com/2389/mcpd/mcp"
)

// LogHandler adapts the server's notification channel into an
// slog.Handler so host-program log records reach subscribed clients.
// Wrap it in slog.New, typically fanned out next to a local handler.
type LogHandler struct {
	srv    *Server
	name   string
	attrs  []slog.Attr
	groups []string
}

// NewLogHandler builds a handler publishing under the given logger
// name. Per-session minimum levels still apply on delivery.
func NewLogHandler(srv *Server, name string) *LogHandler {
	return &LogHandler{srv: srv, name: name}
}

// Enabled reports whether any session could receive the level. The
// cheap check is global; per-session filtering happens on delivery.
func (h *LogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return h.srv.pusherRef() != nil && h.srv.sessions.ActiveCount() > 0
}

// Handle converts the record into a notifications/message payload.
func (h *LogHandler) Handle(_ context.Context, rec slog.Record) error {
	data := map[string]any{"message": rec.Message}
	addAttr := func(a slog.Attr) {
		key := a.Key
		for i := len(h.groups) - 1; i >= 0; i-- {
			key = h.groups[i] + "." + key
		}
		data[key] = a.Value.Resolve().Any()
	}
	for _, a := range h.attrs {
		addAttr(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		addAttr(a)
		return true
	})
	h.srv.Log(mapSlogLevel(rec.Level), h.name, data)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

// mapSlogLevel converts slog levels to the RFC 5424 names MCP uses.
func mapSlogLevel(level slog.Level) mcp.LogLevel {
	switch {
	case level < slog.LevelInfo:
		return mcp.LogDebug
	case level < slog.LevelWarn:
		return mcp.LogInfo
	case level < slog.LevelError:
		return mcp.LogWarning
	default:
		return mcp.LogError
	}
}
