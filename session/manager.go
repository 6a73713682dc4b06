// ABOUTME: Session lifecycle manager with idle expiry and oldest-first eviction.
// ABOUTME: Tracks per-session client identity and the minimum log level to deliver.

// Package session tracks initialized protocol sessions. Sessions are
// created by a successful initialize handshake, refreshed on every
// message, expired after an idle timeout, and evicted oldest-first
// when the table is full.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcpd/mcp"
)

const (
	// DefaultMaxSessions bounds concurrent sessions when unset.
	DefaultMaxSessions = 4

	// DefaultIdleTimeout expires sessions after half an hour idle.
	DefaultIdleTimeout = 30 * time.Minute
)

// Session is one initialized client connection.
type Session struct {
	ID            string
	ClientName    string
	ClientVersion string
	Protocol      string
	CreatedAt     time.Time
	LastActivity  time.Time
	LogLevel      mcp.LogLevel
}

// Config controls the manager. Zero values take the defaults; use
// SetMaxSessions(0) or SetIdleTimeout(0) after construction to lift a
// limit entirely.
type Config struct {
	MaxSessions int
	IdleTimeout time.Duration
}

// Info describes one live session in a Summary.
type Info struct {
	ID         string `json:"id"`
	ClientName string `json:"clientName"`
	IdleMs     int64  `json:"idleMs"`
}

// Summary is a snapshot of the session table.
type Summary struct {
	ActiveSessions int    `json:"activeSessions"`
	MaxSessions    int    `json:"maxSessions"`
	IdleTimeoutMs  int64  `json:"idleTimeoutMs"`
	Sessions       []Info `json:"sessions"`
}

// Manager owns the session table.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	idleTimeout time.Duration

	now func() time.Time
}

// NewManager creates a manager with the given limits.
func NewManager(cfg Config) *Manager {
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: cfg.MaxSessions,
		idleTimeout: cfg.IdleTimeout,
		now:         time.Now,
	}
}

// SetMaxSessions changes the table limit. Zero or negative means
// unlimited. Existing sessions are not evicted until the next Create.
func (m *Manager) SetMaxSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSessions = n
}

// SetIdleTimeout changes the expiry window. Zero or negative disables
// idle expiry.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimeout = d
}

// Create registers a new session for an initialized client and returns
// it. Expired sessions are pruned first; if the table is still full
// the least recently active session is evicted.
func (m *Manager) Create(clientName, clientVersion, protocol string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if m.maxSessions > 0 {
		for len(m.sessions) >= m.maxSessions {
			m.evictOldestLocked()
		}
	}
	now := m.now()
	s := &Session{
		ID:            newID(),
		ClientName:    clientName,
		ClientVersion: clientVersion,
		Protocol:      protocol,
		CreatedAt:     now,
		LastActivity:  now,
		LogLevel:      mcp.LogInfo,
	}
	m.sessions[s.ID] = s
	return *s
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Validate reports whether the session exists and is not expired, and
// refreshes its activity timestamp. An expired session is removed.
func (m *Manager) Validate(id string) bool {
	if id == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	now := m.now()
	if m.expiredLocked(s, now) {
		delete(m.sessions, id)
		return false
	}
	s.LastActivity = now
	return true
}

// Get returns a copy of the session, if present. It does not refresh
// activity.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Remove deletes a session. It returns false when the session was not
// present, including on a second removal.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// SetLogLevel sets the minimum severity a session wants delivered.
func (m *Manager) SetLogLevel(id string, level mcp.LogLevel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.LogLevel = level
	return true
}

// LogLevel returns the session's minimum severity. Unknown sessions
// report info.
func (m *Manager) LogLevel(id string) mcp.LogLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.LogLevel
	}
	return mcp.LogInfo
}

// ActiveCount prunes expired sessions and returns how many remain.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return len(m.sessions)
}

// IDs returns the live session IDs after pruning.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Summarize snapshots the session table for diagnostics.
func (m *Manager) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	now := m.now()
	sum := Summary{
		ActiveSessions: len(m.sessions),
		MaxSessions:    m.maxSessions,
		IdleTimeoutMs:  m.idleTimeout.Milliseconds(),
		Sessions:       make([]Info, 0, len(m.sessions)),
	}
	for _, s := range m.sessions {
		sum.Sessions = append(sum.Sessions, Info{
			ID:         s.ID,
			ClientName: s.ClientName,
			IdleMs:     now.Sub(s.LastActivity).Milliseconds(),
		})
	}
	return sum
}

func (m *Manager) expiredLocked(s *Session, now time.Time) bool {
	return m.idleTimeout > 0 && now.Sub(s.LastActivity) > m.idleTimeout
}

func (m *Manager) pruneLocked() {
	if m.idleTimeout <= 0 {
		return
	}
	now := m.now()
	for id, s := range m.sessions {
		if m.expiredLocked(s, now) {
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) evictOldestLocked() {
	var oldest *Session
	for _, s := range m.sessions {
		if oldest == nil || s.LastActivity.Before(oldest.LastActivity) {
			oldest = s
		}
	}
	if oldest != nil {
		delete(m.sessions, oldest.ID)
	}
}
