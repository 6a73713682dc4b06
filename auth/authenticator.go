// ABOUTME: Bearer token / API key authentication for inbound requests.
// ABOUTME: Disabled by default; a custom callback fully overrides stored keys.

// Package auth gates requests on an API key or bearer token. Until a
// key or callback is configured every request is allowed. Tokens are
// taken from the Authorization header, then X-API-Key, then the ?key=
// query parameter.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Callback decides whether a presented token is valid. Once set it
// fully replaces stored-key comparison.
type Callback func(token string) bool

// Authenticator holds the credential configuration.
type Authenticator struct {
	mu       sync.RWMutex
	enabled  bool
	keys     []string
	hashes   [][]byte
	callback Callback
}

// New creates a disabled authenticator.
func New() *Authenticator {
	return &Authenticator{}
}

// SetAPIKey replaces all stored keys with a single key and enables
// authentication.
func (a *Authenticator) SetAPIKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = []string{key}
	a.hashes = nil
	a.enabled = true
}

// AddAPIKey adds another accepted key (for rotation) and enables
// authentication.
func (a *Authenticator) AddAPIKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	a.enabled = true
}

// AddAPIKeyHash adds a bcrypt-hashed key so the plaintext never has to
// live in configuration. The hash must be a valid bcrypt digest.
func (a *Authenticator) AddAPIKeyHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes = append(a.hashes, []byte(hash))
	a.enabled = true
	return nil
}

// SetCallback installs a custom token check and enables
// authentication. Stored keys are no longer consulted.
func (a *Authenticator) SetCallback(cb Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callback = cb
	a.enabled = true
}

// Disable turns authentication off and forgets keys and callback.
func (a *Authenticator) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
	a.keys = nil
	a.hashes = nil
	a.callback = nil
}

// Enabled reports whether authentication is required.
func (a *Authenticator) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// ExtractToken pulls the credential from a request: Authorization
// bearer token first, then the X-API-Key header, then ?key=.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("key")
}

// Authenticate checks a request. It returns true while disabled.
func (a *Authenticator) Authenticate(r *http.Request) bool {
	return a.AuthenticateToken(ExtractToken(r))
}

// AuthenticateToken checks a raw token. Empty tokens are always
// rejected while enabled.
func (a *Authenticator) AuthenticateToken(token string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.enabled {
		return true
	}
	if token == "" {
		return false
	}
	if a.callback != nil {
		return a.callback(token)
	}
	for _, key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	for _, hash := range a.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
			return true
		}
	}
	return false
}

// unauthorizedBody is the exact JSON-RPC error envelope returned with
// a 401.
const unauthorizedBody = `{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"Unauthorized: valid API key required"}}`

// WriteUnauthorized sends the 401 challenge response.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcpd"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(unauthorizedBody))
}
