// ABOUTME: Stdio transport: newline-delimited JSON-RPC on stdin/stdout
// ABOUTME: with one implicit session and notifications interleaved on stdout.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/2389/mcpd/server"
)

// StdioConfig controls the stdio transport. Server is required; In and
// Out default to the process's stdin and stdout.
type StdioConfig struct {
	Server *server.Server
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

// StdioTransport reads one JSON-RPC message per line from In and writes
// responses and pushed notifications to Out, one per line. The client
// on the other end is a single implicit session: its ID is captured
// from the initialize exchange and reused for every later message, so
// no session header exists on this binding.
type StdioTransport struct {
	srv    *server.Server
	in     io.Reader
	logger *slog.Logger

	mu        sync.Mutex
	out       io.Writer
	sessionID string
}

// NewStdio builds the transport and attaches it as the server's pusher.
func NewStdio(cfg StdioConfig) (*StdioTransport, error) {
	if cfg.Server == nil {
		return nil, fmt.Errorf("transport: server is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	t := &StdioTransport{
		srv:    cfg.Server,
		in:     cfg.In,
		out:    cfg.Out,
		logger: cfg.Logger,
	}
	cfg.Server.SetPusher(t)
	return t, nil
}

// Run pumps messages until EOF on In or context cancellation. The
// implicit session ends when the loop exits.
func (t *StdioTransport) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), server.MaxRequestBodySize)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			buf := make([]byte, len(line))
			copy(buf, line)
			select {
			case lines <- buf:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	defer t.endSession()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("reading stdin: %w", err)
					}
				default:
				}
				return nil
			}
			t.handleLine(ctx, line)
		}
	}
}

func (t *StdioTransport) handleLine(ctx context.Context, line []byte) {
	payload, newSession := t.srv.HandleMessage(ctx, t.currentSession(), line)
	if newSession != "" {
		t.adoptSession(newSession)
	}
	if payload == nil {
		return
	}
	if err := t.writeLine(payload); err != nil {
		t.logger.Error("writing response", "error", err)
	}
}

// Push implements server.Pusher. Stdio has exactly one peer, so any
// session's traffic lands on the same stream; messages for sessions
// other than the implicit one are dropped.
func (t *StdioTransport) Push(sessionID string, payload []byte) error {
	if sessionID != t.currentSession() {
		return fmt.Errorf("session %s is not bound to this transport", sessionID)
	}
	return t.writeLine(payload)
}

// Broadcast implements server.Pusher.
func (t *StdioTransport) Broadcast(payload []byte) {
	if t.currentSession() == "" {
		return
	}
	if err := t.writeLine(payload); err != nil {
		t.logger.Debug("broadcast delivery failed", "error", err)
	}
}

func (t *StdioTransport) writeLine(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(payload); err != nil {
		return err
	}
	_, err := t.out.Write([]byte("\n"))
	return err
}

func (t *StdioTransport) currentSession() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// adoptSession binds the implicit session. A re-initialize replaces the
// old session, which is ended so its state does not linger.
func (t *StdioTransport) adoptSession(id string) {
	t.mu.Lock()
	old := t.sessionID
	t.sessionID = id
	t.mu.Unlock()
	if old != "" && old != id {
		t.srv.EndSession(old)
	}
	t.srv.ClientConnected(id)
}

func (t *StdioTransport) endSession() {
	t.mu.Lock()
	id := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()
	if id != "" {
		t.srv.ClientDisconnected(id)
		t.srv.EndSession(id)
	}
}
