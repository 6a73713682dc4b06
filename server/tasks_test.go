// ABOUTME: Tests for task-augmented tool calls and the tasks/* methods.
// ABOUTME: Covers the terminal-state guard, result metadata, and status pushes.

package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcpd/mcp"
)

// registerGated registers a task tool whose runner waits for the
// returned release func before completing.
func registerGated(t *testing.T, s *Server, name string) (release func(), finished <-chan struct{}) {
	t.Helper()
	gate := make(chan struct{})
	done := make(chan struct{})
	err := s.RegisterTool(ToolDef{
		Name:        name,
		TaskSupport: mcp.TaskOptional,
		Runner: func(ctx context.Context, task *TaskContext, req ToolRequest) {
			defer close(done)
			<-gate
			_ = task.Complete(ctx, &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent("scan finished")},
			})
		},
	})
	require.NoError(t, err)
	return func() { close(gate) }, done
}

// startTask submits a task-augmented call and returns the task ID.
func startTask(t *testing.T, s *Server, tool string) string {
	t.Helper()
	resp := roundTrip(t, s, "",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"`+tool+`","task":{"ttl":60000}}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var created mcp.CreateTaskResult
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	require.NotEmpty(t, created.Task.TaskID)
	return created.Task.TaskID
}

func TestTasks_DisabledByDefault(t *testing.T) {
	s := newTestServer(t, Config{})
	registerAdd(t, s)

	resp := roundTrip(t, s, "",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2},"task":{}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Tasks not supported", resp.Error.Message)

	resp = roundTrip(t, s, "", `{"jsonrpc":"2.0","id":2,"method":"tasks/list"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Tasks not supported", resp.Error.Message)
}

func TestTasks_ToolWithoutTaskSupport(t *testing.T) {
	s := newTestServer(t, Config{EnableTasks: true})
	registerAdd(t, s)

	resp := roundTrip(t, s, "",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2},"task":{}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Tool does not support task execution", resp.Error.Message)
}

func TestTasks_ResultGuardAndMetadata(t *testing.T) {
	s := newTestServer(t, Config{EnableTasks: true})
	release, finished := registerGated(t, s, "scan")

	taskID := startTask(t, s, "scan")

	// Non-terminal: retry-later error code, distinct from invalid params.
	resp := roundTrip(t, s, "",
		`{"jsonrpc":"2.0","id":2,"method":"tasks/result","params":{"taskId":"`+taskID+`"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeTaskNotComplete, resp.Error.Code)
	assert.Equal(t, "Task not yet complete", resp.Error.Message)

	release()
	<-finished

	resp = roundTrip(t, s, "",
		`{"jsonrpc":"2.0","id":3,"method":"tasks/result","params":{"taskId":"`+taskID+`"}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result struct {
		Content []mcp.Content              `json:"content"`
		Meta    map[string]json.RawMessage `json:"_meta"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "scan finished", result.Content[0].Text)

	var related struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(result.Meta[mcp.RelatedTaskMetaKey], &related))
	assert.Equal(t, taskID, related.TaskID)
}

func TestTasks_GetAndList(t *testing.T) {
	s := newTestServer(t, Config{EnableTasks: true})
	release, finished := registerGated(t, s, "scan")

	taskID := startTask(t, s, "scan")

	resp := roundTrip(t, s, "",
		`{"jsonrpc":"2.0","id":2,"method":"tasks/get","params":{"taskId":"`+taskID+`"}}`)
	require.Nil(t, resp.Error)
	var got mcp.Task
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, taskID, got.TaskID)
	assert.Equal(t, "scan", got.ToolName)
	assert.Equal(t, mcp.TaskSubmitted, got.Status)
	assert.Equal(t, int64(60000), got.TTL)

	resp = roundTrip(t, s, "", `{"jsonrpc":"2.0","id":3,"method":"tasks/list"}`)
	require.Nil(t, resp.Error)
	var list mcp.ListTasksResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, taskID, list.Tasks[0].TaskID)

	resp = roundTrip(t, s, "",
		`{"jsonrpc":"2.0","id":4,"method":"tasks/get","params":{"taskId":"nope"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)

	release()
	<-finished
}

func TestTasks_CancelLifecycle(t *testing.T) {
	s := newTestServer(t, Config{EnableTasks: true})
	release, _ := registerGated(t, s, "scan")
	defer release()

	taskID := startTask(t, s, "scan")

	resp := roundTrip(t, s, "",
		`{"jsonrpc":"2.0","id":2,"method":"tasks/cancel","params":{"taskId":"`+taskID+`"}}`)
	require.Nil(t, resp.Error)
	var cancelled mcp.Task
	require.NoError(t, json.Unmarshal(resp.Result, &cancelled))
	assert.Equal(t, mcp.TaskCancelled, cancelled.Status)

	// Cancelling a terminal task fails; so does an unknown ID, with the
	// same message.
	for _, id := range []string{taskID, "ghost"} {
		resp = roundTrip(t, s, "",
			`{"jsonrpc":"2.0","id":3,"method":"tasks/cancel","params":{"taskId":"`+id+`"}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)
		assert.Equal(t, "Task not found or already terminal", resp.Error.Message)
	}
}

func TestTasks_FailurePreservedVerbatim(t *testing.T) {
	s := newTestServer(t, Config{EnableTasks: true})

	done := make(chan struct{})
	err := s.RegisterTool(ToolDef{
		Name:        "doomed",
		TaskSupport: mcp.TaskOptional,
		Runner: func(ctx context.Context, task *TaskContext, req ToolRequest) {
			defer close(done)
			_ = task.Fail(ctx, "sensor bus timeout on channel 3")
		},
	})
	require.NoError(t, err)

	taskID := startTask(t, s, "doomed")
	<-done

	resp := roundTrip(t, s, "",
		`{"jsonrpc":"2.0","id":2,"method":"tasks/result","params":{"taskId":"`+taskID+`"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeServerError, resp.Error.Code)
	assert.Equal(t, "sensor bus timeout on channel 3", resp.Error.Message)
}

func TestTasks_StatusNotificationsPushed(t *testing.T) {
	s := newTestServer(t, Config{EnableTasks: true})
	pusher := newFakePusher()
	s.SetPusher(pusher)
	sessionID := initSession(t, s)

	done := make(chan struct{})
	err := s.RegisterTool(ToolDef{
		Name:        "scan",
		TaskSupport: mcp.TaskOptional,
		Runner: func(ctx context.Context, task *TaskContext, req ToolRequest) {
			defer close(done)
			_ = task.Working(ctx, "halfway")
			_ = task.Complete(ctx, &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("ok")}})
		},
	})
	require.NoError(t, err)

	payload, _ := s.HandleMessage(context.Background(), sessionID,
		[]byte(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"scan","task":{}}}`))
	require.NotNil(t, payload)
	<-done

	// The push is asynchronous only in the sense that the runner drives
	// it; by the time done closes both transitions have been delivered.
	var statuses []mcp.TaskStatus
	for _, raw := range pusher.sent(sessionID) {
		var notif struct {
			Method string               `json:"method"`
			Params mcp.TaskStatusParams `json:"params"`
		}
		require.NoError(t, json.Unmarshal(raw, &notif))
		if notif.Method == mcp.MethodNotifTaskStatus {
			statuses = append(statuses, notif.Params.Status)
		}
	}
	assert.Equal(t, []mcp.TaskStatus{mcp.TaskWorking, mcp.TaskCompleted}, statuses)
}

func TestTasks_RunnerPanicFailsTask(t *testing.T) {
	s := newTestServer(t, Config{EnableTasks: true})

	err := s.RegisterTool(ToolDef{
		Name:        "fragile",
		TaskSupport: mcp.TaskOptional,
		Runner: func(ctx context.Context, task *TaskContext, req ToolRequest) {
			panic("boom")
		},
	})
	require.NoError(t, err)

	taskID := startTask(t, s, "fragile")

	require.Eventually(t, func() bool {
		rec, err := s.Tasks().Get(context.Background(), taskID)
		return err == nil && rec.Status == mcp.TaskFailed
	}, time.Second, 5*time.Millisecond)
}
