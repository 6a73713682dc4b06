// ABOUTME: Tests for the HTTP transport: admission gates, session headers,
// ABOUTME: SSE push delivery, DELETE teardown, and CORS.

package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcpd/auth"
	"github.com/2389/mcpd/health"
	"github.com/2389/mcpd/server"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func newTestTransport(t *testing.T, cfg HTTPConfig) (*HTTPTransport, *httptest.Server) {
	t.Helper()
	if cfg.Server == nil {
		srv, err := server.NewServer(server.Config{Name: "transport-test"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = srv.Close() })
		cfg.Server = srv
	}
	tr, err := NewHTTP(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(tr.Handler())
	t.Cleanup(ts.Close)
	return tr, ts
}

func postJSON(t *testing.T, url, sessionID, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+DefaultPath, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) rpcEnvelope {
	t.Helper()
	defer resp.Body.Close()
	var env rpcEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","clientInfo":{"name":"test","version":"1.0"},"capabilities":{}}}`

func initOverHTTP(t *testing.T, url string, headers map[string]string) string {
	t.Helper()
	resp := postJSON(t, url, "", initializeBody, headers)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get(SessionHeader)
	require.Len(t, sessionID, 32)
	_, _ = io.Copy(io.Discard, resp.Body)
	return sessionID
}

func TestHTTP_InitializeMintsSessionHeader(t *testing.T) {
	_, ts := newTestTransport(t, HTTPConfig{})

	resp := postJSON(t, ts.URL, "", initializeBody, nil)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Len(t, resp.Header.Get(SessionHeader), 32)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, SessionHeader, resp.Header.Get("Access-Control-Expose-Headers"))

	env := decodeEnvelope(t, resp)
	require.Nil(t, env.Error)
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &result))
	assert.Equal(t, "2025-11-25", result.ProtocolVersion)
}

func TestHTTP_SessionRequired(t *testing.T) {
	_, ts := newTestTransport(t, HTTPConfig{})

	// No header on a normal method.
	resp := postJSON(t, ts.URL, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.NotNil(t, env.Error)
	assert.Equal(t, -32000, env.Error.Code)
	assert.Equal(t, "Invalid or missing session", env.Error.Message)

	// A bogus header fails the same way.
	resp = postJSON(t, ts.URL, "ffffffffffffffffffffffffffffffff", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Ping is exempt.
	resp = postJSON(t, ts.URL, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// A minted session passes.
	sessionID := initOverHTTP(t, ts.URL, nil)
	resp = postJSON(t, ts.URL, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	env = decodeEnvelope(t, resp)
	assert.Nil(t, env.Error)
}

func TestHTTP_NotificationReturns202(t *testing.T) {
	_, ts := newTestTransport(t, HTTPConfig{})
	sessionID := initOverHTTP(t, ts.URL, nil)

	resp := postJSON(t, ts.URL, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
}

func TestHTTP_AuthGate(t *testing.T) {
	authn := auth.New()
	authn.SetAPIKey("sekrit")
	_, ts := newTestTransport(t, HTTPConfig{Auth: authn})

	resp := postJSON(t, ts.URL, "", initializeBody, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.NotNil(t, env.Error)
	assert.Equal(t, -32000, env.Error.Code)
	assert.Contains(t, env.Error.Message, "Unauthorized")

	// X-API-Key and bearer tokens both pass.
	initOverHTTP(t, ts.URL, map[string]string{"X-API-Key": "sekrit"})
	initOverHTTP(t, ts.URL, map[string]string{"Authorization": "Bearer sekrit"})
}

func TestHTTP_RateLimit(t *testing.T) {
	srv, err := server.NewServer(server.Config{Name: "ratelimited"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	srv.Limiter().Configure(2, time.Minute)
	_, ts := newTestTransport(t, HTTPConfig{Server: srv})

	sessionID := initOverHTTP(t, ts.URL, nil)
	resp := postJSON(t, ts.URL, sessionID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL, sessionID, `{"jsonrpc":"2.0","id":3,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.NotNil(t, env.Error)
	assert.Equal(t, -32000, env.Error.Code)
	assert.Equal(t, "Rate limit exceeded", env.Error.Message)
}

func TestHTTP_BodyTooLarge(t *testing.T) {
	_, ts := newTestTransport(t, HTTPConfig{})

	huge := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` +
		strings.Repeat("x", server.MaxRequestBodySize) + `"}}`
	resp := postJSON(t, ts.URL, "", huge, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHTTP_DeleteEndsSession(t *testing.T) {
	_, ts := newTestTransport(t, HTTPConfig{})
	sessionID := initOverHTTP(t, ts.URL, nil)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+DefaultPath, nil)
	req.Header.Set(SessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The session is gone now.
	resp = postJSON(t, ts.URL, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Deleting again reports not found.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+DefaultPath, nil)
	req.Header.Set(SessionHeader, sessionID)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_OptionsPreflight(t *testing.T) {
	_, ts := newTestTransport(t, HTTPConfig{})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+DefaultPath, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Mcp-Session-Id")
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestHTTP_SSEPushDelivery(t *testing.T) {
	srv, err := server.NewServer(server.Config{Name: "sse-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.RegisterResource(server.ResourceDef{
		URI: "state://relay", Name: "relay", Handler: server.StaticResource("off"),
	}))
	tr, ts := newTestTransport(t, HTTPConfig{Server: srv})

	sessionID := initOverHTTP(t, ts.URL, nil)
	resp := postJSON(t, ts.URL, sessionID, `{"jsonrpc":"2.0","id":2,"method":"resources/subscribe","params":{"uri":"state://relay"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Open the push stream.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+DefaultPath, nil)
	req.Header.Set(SessionHeader, sessionID)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Contains(t, stream.Header.Get("Content-Type"), "text/event-stream")

	// Wait for the hub to register the connection, then notify.
	require.Eventually(t, func() bool { return tr.hub.connCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	srv.NotifyResourceUpdated("state://relay")

	payload := readSSEData(t, stream.Body)
	var notif struct {
		Method string `json:"method"`
		Params struct {
			URI string `json:"uri"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload), &notif))
	assert.Equal(t, "notifications/resources/updated", notif.Method)
	assert.Equal(t, "state://relay", notif.Params.URI)
}

func TestHTTP_SSERequiresSession(t *testing.T) {
	_, ts := newTestTransport(t, HTTPConfig{})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+DefaultPath, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_HealthAndMetricsEndpoints(t *testing.T) {
	checker := health.NewChecker(health.Config{})
	require.NoError(t, checker.AddCheck("always", func() health.Status {
		return health.OK("fine")
	}))
	_, ts := newTestTransport(t, HTTPConfig{Health: checker, MetricsPath: "/metrics"})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	// Drive a request through so the counters move, then scrape.
	initOverHTTP(t, ts.URL, nil)
	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mcpd_requests_total")
}

// readSSEData scans the stream until one data field arrives.
func readSSEData(t *testing.T, r io.Reader) string {
	t.Helper()
	scanner := bufio.NewScanner(r)
	deadline := time.After(3 * time.Second)
	lines := make(chan string)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for SSE data")
		case line, ok := <-lines:
			if !ok {
				t.Fatal("SSE stream closed before any data arrived")
			}
			if data, found := strings.CutPrefix(line, "data: "); found {
				return data
			}
		}
	}
}
