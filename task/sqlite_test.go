// ABOUTME: Tests for the SQLite task store.
// ABOUTME: Covers round-tripping, updates, ordering, and not-found handling.

package task

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcpd/mcp"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		ID:        "t1",
		ToolName:  "sleep",
		SessionID: "sess",
		Status:    mcp.TaskSubmitted,
		CreatedAt: created,
		UpdatedAt: created,
		TTL:       time.Minute,
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "sleep", got.ToolName)
	assert.Equal(t, "sess", got.SessionID)
	assert.Equal(t, mcp.TaskSubmitted, got.Status)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Equal(t, time.Minute, got.TTL)
	assert.Nil(t, got.Result)

	// Duplicate insert is rejected.
	require.Error(t, s.Put(ctx, rec))
}

func TestSQLiteStore_Update(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	now := time.Now()
	rec := Record{ID: "t1", ToolName: "x", Status: mcp.TaskSubmitted, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Put(ctx, rec))

	rec.Status = mcp.TaskCompleted
	rec.Result = json.RawMessage(`{"content":[]}`)
	rec.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.Update(ctx, rec))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, mcp.TaskCompleted, got.Status)
	assert.JSONEq(t, `{"content":[]}`, string(got.Result))

	missing := Record{ID: "ghost", UpdatedAt: now}
	assert.ErrorIs(t, s.Update(ctx, missing), ErrNotFound)
}

func TestSQLiteStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := Record{
			ID:        id,
			ToolName:  "t",
			Status:    mcp.TaskSubmitted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Put(ctx, rec))
	}

	page, total, err := s.List(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)
	assert.Equal(t, "b", page[1].ID)

	page, _, err = s.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ID)
}

func TestSQLiteStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	now := time.Now()
	require.NoError(t, s.Put(ctx, Record{ID: "t1", Status: mcp.TaskSubmitted, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.Delete(ctx, "t1"))
	_, err := s.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing record is not an error.
	assert.NoError(t, s.Delete(ctx, "t1"))
}

func TestSQLiteStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	_, err := s.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}
