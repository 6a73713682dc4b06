// ABOUTME: Task manager: creates tasks, guards state transitions, pages listings.
// ABOUTME: Emits a status callback on every transition so callers can push notifications.

package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcpd/mcp"
)

// DefaultPageSize is the tasks/list page length.
const DefaultPageSize = 20

// StatusFunc observes every task state transition, including creation.
type StatusFunc func(Record)

// Config controls the manager.
type Config struct {
	// Store holds task records. Nil means an in-memory store.
	Store Store

	// PageSize caps tasks/list pages. Zero means DefaultPageSize.
	PageSize int

	// RetainFor prunes terminal tasks this long after their last
	// update when the record has no TTL of its own. Zero keeps them
	// until explicitly deleted.
	RetainFor time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Manager owns task lifecycle state.
type Manager struct {
	store     Store
	pageSize  int
	retainFor time.Duration
	logger    *slog.Logger

	mu       sync.Mutex // serializes read-modify-write transitions
	onStatus StatusFunc

	now func() time.Time
}

// NewManager creates a task manager.
func NewManager(cfg Config) *Manager {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:     cfg.Store,
		pageSize:  cfg.PageSize,
		retainFor: cfg.RetainFor,
		logger:    cfg.Logger.With("component", "tasks"),
		now:       time.Now,
	}
}

// OnStatus sets the transition observer. It runs synchronously after
// the store write, outside the manager lock.
func (m *Manager) OnStatus(fn StatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Create registers a new submitted task and returns its record.
func (m *Manager) Create(ctx context.Context, toolName, sessionID string, ttl time.Duration) (Record, error) {
	now := m.now()
	rec := Record{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		SessionID: sessionID,
		Status:    mcp.TaskSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       ttl,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("creating task: %w", err)
	}
	m.logger.Debug("task created", "task_id", rec.ID, "tool", toolName)
	m.notify(rec)
	return rec, nil
}

// Get returns a task record.
func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	return m.store.Get(ctx, id)
}

// MarkWorking moves a submitted task to working. Marking an already
// working task is a no-op; terminal tasks are rejected.
func (m *Manager) MarkWorking(ctx context.Context, id, message string) error {
	rec, changed, err := m.transition(ctx, id, func(rec *Record) error {
		if rec.Status == mcp.TaskWorking {
			return errUnchanged
		}
		rec.Status = mcp.TaskWorking
		rec.StatusMessage = message
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		m.notify(rec)
	}
	return nil
}

// Complete moves a task to completed and stores its result payload.
func (m *Manager) Complete(ctx context.Context, id string, result json.RawMessage) error {
	rec, _, err := m.transition(ctx, id, func(rec *Record) error {
		rec.Status = mcp.TaskCompleted
		rec.StatusMessage = ""
		rec.Result = result
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Debug("task completed", "task_id", id)
	m.notify(rec)
	return nil
}

// Fail moves a task to failed, preserving the failure message.
func (m *Manager) Fail(ctx context.Context, id, message string) error {
	rec, _, err := m.transition(ctx, id, func(rec *Record) error {
		rec.Status = mcp.TaskFailed
		rec.StatusMessage = message
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Debug("task failed", "task_id", id, "reason", message)
	m.notify(rec)
	return nil
}

// Cancel moves a task to cancelled. Terminal tasks return
// ErrAlreadyTerminal.
func (m *Manager) Cancel(ctx context.Context, id, message string) error {
	rec, _, err := m.transition(ctx, id, func(rec *Record) error {
		rec.Status = mcp.TaskCancelled
		rec.StatusMessage = message
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Debug("task cancelled", "task_id", id)
	m.notify(rec)
	return nil
}

// Result returns the stored result of a completed task. Non-terminal
// tasks return ErrNotComplete; failed and cancelled tasks return an
// error carrying the preserved failure message.
func (m *Manager) Result(ctx context.Context, id string) (json.RawMessage, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case mcp.TaskCompleted:
		return rec.Result, nil
	case mcp.TaskFailed:
		msg := rec.StatusMessage
		if msg == "" {
			msg = "task failed"
		}
		return nil, fmt.Errorf("%s", msg)
	case mcp.TaskCancelled:
		return nil, fmt.Errorf("task cancelled")
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotComplete, id)
	}
}

// List returns one page of tasks, newest first, with the cursor for
// the next page. The cursor is an opaque offset token.
func (m *Manager) List(ctx context.Context, cursor string) ([]Record, string, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}
	page, total, err := m.store.List(ctx, offset, m.pageSize)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if offset+len(page) < total {
		next = strconv.Itoa(offset + len(page))
	}
	return page, next, nil
}

// Count returns the number of stored tasks.
func (m *Manager) Count(ctx context.Context) (int, error) {
	_, total, err := m.store.List(ctx, 0, 1)
	return total, err
}

// Prune removes terminal tasks whose retention has lapsed and returns
// how many were dropped. A record's own TTL wins over the manager
// default; zero for both keeps the record.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, _, err := m.store.List(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	now := m.now()
	pruned := 0
	for _, rec := range all {
		if !rec.Status.Terminal() {
			continue
		}
		keep := rec.TTL
		if keep <= 0 {
			keep = m.retainFor
		}
		if keep <= 0 || now.Sub(rec.UpdatedAt) < keep {
			continue
		}
		if err := m.store.Delete(ctx, rec.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		m.logger.Debug("pruned tasks", "count", pruned)
	}
	return pruned, nil
}

var errUnchanged = fmt.Errorf("unchanged")

// transition applies fn to the record under the manager lock and
// persists the change. It reports whether the record changed.
func (m *Manager) transition(ctx context.Context, id string, fn func(*Record) error) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return Record{}, false, err
	}
	if rec.Status.Terminal() {
		return Record{}, false, fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}
	if err := fn(&rec); err != nil {
		if err == errUnchanged {
			return rec, false, nil
		}
		return Record{}, false, err
	}
	rec.UpdatedAt = m.now()
	if err := m.store.Update(ctx, rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (m *Manager) notify(rec Record) {
	m.mu.Lock()
	fn := m.onStatus
	m.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}
