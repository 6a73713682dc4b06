// ABOUTME: Streamable HTTP transport: POST dispatch, per-session SSE push
// ABOUTME: streams, session teardown, and the auth/rate-limit admission gates.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
	"golang.org/x/sync/errgroup"

	"github.com/2389/mcpd/auth"
	"github.com/2389/mcpd/health"
	"github.com/2389/mcpd/mcp"
	"github.com/2389/mcpd/server"
)

// SessionHeader carries the session ID on every request after initialize.
const SessionHeader = "Mcp-Session-Id"

// DefaultPath is the single MCP endpoint when the config names none.
const DefaultPath = "/mcp"

// defaultShutdownTimeout bounds graceful shutdown.
const defaultShutdownTimeout = 5 * time.Second

// HTTPConfig controls the HTTP transport. Server is required.
type HTTPConfig struct {
	// Addr is the TCP listen address, e.g. ":8080". Ignored when Serve
	// is called with an explicit listener.
	Addr string

	// Path is the MCP endpoint path. Empty means DefaultPath.
	Path string

	// Server handles the protocol.
	Server *server.Server

	// Auth gates every request when set and enabled. Unauthenticated
	// requests are rejected before any dispatch.
	Auth *auth.Authenticator

	// Health serves GET /healthz when set: 200 while healthy or
	// degraded, 503 when unhealthy.
	Health *health.Checker

	// MetricsPath serves the server's Prometheus rendering when set,
	// e.g. "/metrics".
	MetricsPath string

	// ShutdownTimeout bounds graceful shutdown. Zero means 5s.
	ShutdownTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// HTTPTransport serves the MCP protocol on a single streamable endpoint:
// POST dispatches messages, GET opens the session's SSE push stream,
// DELETE ends the session.
type HTTPTransport struct {
	cfg    HTTPConfig
	srv    *server.Server
	logger *slog.Logger
	hub    *sseHub
	http   *http.Server
}

// NewHTTP builds the transport and attaches its push hub to the server.
func NewHTTP(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Server == nil {
		return nil, errors.New("transport: server is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &HTTPTransport{
		cfg:    cfg,
		srv:    cfg.Server,
		logger: cfg.Logger,
		hub:    newSSEHub(cfg.Logger),
	}
	t.srv.SetPusher(t.hub)
	t.srv.SetSSEClientsFunc(t.hub.connCount)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, t.handleMCP)
	if cfg.Health != nil {
		mux.HandleFunc("/healthz", t.handleHealth)
	}
	if cfg.MetricsPath != "" {
		mux.HandleFunc(cfg.MetricsPath, t.handleMetrics)
	}
	t.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t, nil
}

// Handler exposes the transport's routes for embedding in another mux
// or serving over a custom listener.
func (t *HTTPTransport) Handler() http.Handler {
	return t.http.Handler
}

// Run listens on the configured address and blocks until the context is
// canceled or the server fails. Shutdown is graceful and bounded.
func (t *HTTPTransport) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.cfg.Addr, err)
	}
	return t.Serve(ctx, ln)
}

// Serve runs the transport on an existing listener, e.g. one handed out
// by tsnet. It blocks like Run.
func (t *HTTPTransport) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		t.logger.Info("http transport listening", "addr", ln.Addr().String(), "path", t.cfg.Path)
		if err := t.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		timeout := t.cfg.ShutdownTimeout
		if timeout == 0 {
			timeout = defaultShutdownTimeout
		}
		// The run context is already canceled; shutdown gets its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		t.hub.closeAll()
		if err := t.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// handleMCP is the single protocol endpoint.
func (t *HTTPTransport) handleMCP(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleSSE(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	if t.cfg.Auth != nil && !t.cfg.Auth.Authenticate(r) {
		auth.WriteUnauthorized(w)
		return
	}
	if !t.srv.Limiter().Allow() {
		writeRPCError(w, http.StatusTooManyRequests, -32000, "Rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, server.MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, -32600, "Request body too large")
			return
		}
		writeRPCError(w, http.StatusBadRequest, -32700, "Parse error: reading body: "+err.Error())
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID != "" {
		if !t.srv.Sessions().Validate(sessionID) {
			writeRPCError(w, http.StatusNotFound, -32000, "Invalid or missing session")
			return
		}
	} else if requiresSession(body) {
		writeRPCError(w, http.StatusNotFound, -32000, "Invalid or missing session")
		return
	}

	payload, newSession := t.srv.HandleMessage(r.Context(), sessionID, body)
	if newSession != "" {
		w.Header().Set(SessionHeader, newSession)
	}
	if payload == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// handleSSE upgrades the connection into the session's push stream. The
// handler blocks while the stream is open; the server delivers
// notifications and server-initiated requests through the hub.
func (t *HTTPTransport) handleSSE(w http.ResponseWriter, r *http.Request) {
	if t.cfg.Auth != nil && !t.cfg.Auth.Authenticate(r) {
		auth.WriteUnauthorized(w)
		return
	}
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	if !t.srv.Sessions().Validate(sessionID) {
		writeRPCError(w, http.StatusNotFound, -32000, "Invalid or missing session")
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "upgrading to SSE: "+err.Error(), http.StatusInternalServerError)
		return
	}
	// go-sse writes the response headers lazily on the first send; flush
	// now so the client sees the stream open before any event arrives.
	if err := sess.Flush(); err != nil {
		return
	}

	conn := t.hub.attach(sessionID, sess)
	t.srv.ClientConnected(sessionID)
	t.logger.Debug("sse stream opened", "session", sessionID)
	defer func() {
		t.hub.detach(sessionID, conn)
		t.srv.ClientDisconnected(sessionID)
		t.logger.Debug("sse stream closed", "session", sessionID)
	}()

	select {
	case <-r.Context().Done():
	case <-conn.closed:
	}
}

func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	if t.cfg.Auth != nil && !t.cfg.Auth.Authenticate(r) {
		auth.WriteUnauthorized(w)
		return
	}
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" || !t.srv.EndSession(sessionID) {
		writeRPCError(w, http.StatusNotFound, -32000, "Invalid or missing session")
		return
	}
	t.hub.closeSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	level := t.cfg.Health.Run()
	w.Header().Set("Content-Type", "application/json")
	if level == health.Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, `{"status":%q}`, level.String())
}

func (t *HTTPTransport) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = io.WriteString(w, t.srv.RenderPrometheus())
}

// requiresSession reports whether a request body must carry a session
// header: everything except initialize and ping. Batches and malformed
// payloads pass through so dispatch produces the protocol-level error.
func requiresSession(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] == '[' {
		return false
	}
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return false
	}
	switch mcp.Method(probe.Method) {
	case mcp.MethodInitialize, mcp.MethodPing, "":
		return false
	}
	return true
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, Authorization, X-API-Key")
	h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":%q}}`, code, message)
}

// sseConn is one open stream of a session. A session may hold several,
// e.g. a reconnecting client whose old stream has not timed out yet.
type sseConn struct {
	sess   *sse.Session
	mu     sync.Mutex
	closed chan struct{}
}

func (c *sseConn) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("stream closed")
	default:
	}
	msg := sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(payload))
	if err := c.sess.Send(&msg); err != nil {
		return err
	}
	return c.sess.Flush()
}

func (c *sseConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// sseHub implements server.Pusher over per-session SSE streams.
type sseHub struct {
	mu     sync.RWMutex
	conns  map[string][]*sseConn
	logger *slog.Logger
}

func newSSEHub(logger *slog.Logger) *sseHub {
	return &sseHub{conns: make(map[string][]*sseConn), logger: logger}
}

func (h *sseHub) attach(sessionID string, sess *sse.Session) *sseConn {
	conn := &sseConn{sess: sess, closed: make(chan struct{})}
	h.mu.Lock()
	h.conns[sessionID] = append(h.conns[sessionID], conn)
	h.mu.Unlock()
	return conn
}

func (h *sseHub) detach(sessionID string, conn *sseConn) {
	conn.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.conns[sessionID]
	for i, c := range conns {
		if c == conn {
			h.conns[sessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[sessionID]) == 0 {
		delete(h.conns, sessionID)
	}
}

func (h *sseHub) closeSession(sessionID string) {
	h.mu.Lock()
	conns := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (h *sseHub) closeAll() {
	h.mu.Lock()
	all := h.conns
	h.conns = make(map[string][]*sseConn)
	h.mu.Unlock()
	for _, conns := range all {
		for _, c := range conns {
			c.close()
		}
	}
}

func (h *sseHub) connCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.conns {
		n += len(conns)
	}
	return n
}

// Push implements server.Pusher for one session.
func (h *sseHub) Push(sessionID string, payload []byte) error {
	h.mu.RLock()
	conns := append([]*sseConn{}, h.conns[sessionID]...)
	h.mu.RUnlock()
	if len(conns) == 0 {
		return fmt.Errorf("session %s has no open stream", sessionID)
	}
	var lastErr error
	delivered := false
	for _, c := range conns {
		if err := c.send(payload); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if !delivered {
		return lastErr
	}
	return nil
}

// Broadcast implements server.Pusher for all sessions.
func (h *sseHub) Broadcast(payload []byte) {
	h.mu.RLock()
	all := make([]*sseConn, 0, len(h.conns))
	for _, conns := range h.conns {
		all = append(all, conns...)
	}
	h.mu.RUnlock()
	for _, c := range all {
		if err := c.send(payload); err != nil {
			h.logger.Debug("broadcast delivery failed", "error", err)
		}
	}
}
