// ABOUTME: Task records and the storage interface behind the task manager.
// ABOUTME: A task is one asynchronous tool execution with a terminal-state lifecycle.

// Package task tracks asynchronous tool executions. A task moves from
// submitted through working to exactly one terminal state (completed,
// failed, or cancelled); every transition is observable through the
// manager's status callback.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/mcpd/mcp"
)

var (
	// ErrNotFound means no task with that ID exists.
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyTerminal rejects transitions out of a terminal state.
	ErrAlreadyTerminal = errors.New("task already terminal")

	// ErrNotComplete rejects result retrieval before a terminal state.
	ErrNotComplete = errors.New("task not yet complete")
)

// Record is the stored form of one task.
type Record struct {
	ID            string
	ToolName      string
	SessionID     string
	Status        mcp.TaskStatus
	StatusMessage string
	Result        json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
	TTL           time.Duration
}

// Wire converts the record to its protocol representation.
func (r Record) Wire() mcp.Task {
	t := mcp.Task{
		TaskID:        r.ID,
		ToolName:      r.ToolName,
		Status:        r.Status,
		StatusMessage: r.StatusMessage,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.TTL > 0 {
		t.TTL = r.TTL.Milliseconds()
	}
	return t
}

// Store persists task records. Implementations must be safe for
// concurrent use; the manager serializes state transitions on top.
type Store interface {
	// Put inserts a new record.
	Put(ctx context.Context, rec Record) error

	// Get returns a record or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Update overwrites an existing record or returns ErrNotFound.
	Update(ctx context.Context, rec Record) error

	// List returns records ordered by creation time, newest first,
	// with the total count across all pages.
	List(ctx context.Context, offset, limit int) ([]Record, int, error)

	// Delete removes a record. Missing IDs are not an error.
	Delete(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}
