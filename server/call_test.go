// ABOUTME: Tests for the tools/call pipeline: lookup, validation, hooks,
// ABOUTME: caching, failure boundary, structured output, and cancellation.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcpd/mcp"
)

func callTool(t *testing.T, s *Server, body string) *rpcResp {
	t.Helper()
	return roundTrip(t, s, "", body)
}

func decodeCallResult(t *testing.T, resp *rpcResp) mcp.CallToolResult {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return result
}

func TestToolsCall_AddEndToEnd(t *testing.T) {
	s := newTestServer(t, Config{})
	registerAdd(t, s)

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":17,"b":25}}}`)
	result := decodeCallResult(t, resp)
	require.Len(t, result.Content, 1)
	assert.Equal(t, mcp.ContentText, result.Content[0].Type)
	assert.Contains(t, result.Content[0].Text, "42")
	assert.False(t, result.IsError)
}

func TestToolsCall_MissingName(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)
	assert.Equal(t, "Missing tool name", resp.Error.Message)
}

func TestToolsCall_UnknownTool(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"missing"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)
	assert.Equal(t, "Tool not found: missing", resp.Error.Message)
}

func TestToolsCall_DisabledToolLooksAbsent(t *testing.T) {
	s := newTestServer(t, Config{})
	registerAdd(t, s)
	require.NoError(t, s.DisableTool("add"))

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Tool not found: add", resp.Error.Message)

	list := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var lr mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(list.Result, &lr))
	assert.Empty(t, lr.Tools)

	require.NoError(t, s.EnableTool("add"))
	resp = callTool(t, s, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2}}}`)
	assert.Nil(t, resp.Error)
}

func TestToolsCall_InputValidation(t *testing.T) {
	s := newTestServer(t, Config{})
	registerAdd(t, s)

	tests := []struct {
		name string
		args string
	}{
		{"missing required field", `{"a":1}`},
		{"wrong type", `{"a":1,"b":"two"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":`+tt.args+`}}`)
			require.NotNil(t, resp.Error)
			assert.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)
		})
	}

	// Switching validation off lets the handler see the raw arguments.
	s.SetInputValidation(false)
	resp := callTool(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"add","arguments":{"a":1}}}`)
	assert.Nil(t, resp.Error)
}

func TestToolsCall_HandlerErrorBecomesIsError(t *testing.T) {
	s := newTestServer(t, Config{})
	require.NoError(t, s.RegisterSimpleTool("boom", "always fails",
		func(context.Context, map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		}))

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom"}}`)
	result := decodeCallResult(t, resp)
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "disk on fire")
}

func TestToolsCall_HandlerPanicBecomesIsError(t *testing.T) {
	s := newTestServer(t, Config{})
	require.NoError(t, s.RegisterSimpleTool("panic", "panics",
		func(context.Context, map[string]any) (string, error) {
			panic("unexpected nil")
		}))

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"panic"}}`)
	result := decodeCallResult(t, resp)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Internal tool error")
}

func TestToolsCall_BeforeHookVeto(t *testing.T) {
	s := newTestServer(t, Config{})
	registerAdd(t, s)

	var vetoed []string
	s.SetBeforeToolCall(func(info ToolCallInfo) bool {
		vetoed = append(vetoed, info.Name)
		return false
	})

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, "Tool call rejected", resp.Error.Message)
	assert.Equal(t, []string{"add"}, vetoed)
}

func TestToolsCall_AfterHookTiming(t *testing.T) {
	s := newTestServer(t, Config{})
	registerAdd(t, s)

	var calls int
	var lastDuration time.Duration
	s.SetAfterToolCall(func(info ToolCallInfo, result *mcp.CallToolResult, d time.Duration) {
		calls++
		lastDuration = d
		require.NotNil(t, result)
		assert.Equal(t, "add", info.Name)
	})

	callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2}}}`)
	assert.Equal(t, 1, calls)
	assert.GreaterOrEqual(t, lastDuration, time.Duration(0))
}

func TestToolsCall_CacheHitSkipsHandler(t *testing.T) {
	s := newTestServer(t, Config{CacheEnabled: true})

	invocations := 0
	err := s.RegisterTool(ToolDef{
		Name:        "slow",
		Description: "expensive lookup",
		CacheTTL:    time.Minute,
		Handler: SimpleFunc(func(context.Context, map[string]any) (string, error) {
			invocations++
			return "fresh", nil
		}),
	})
	require.NoError(t, err)

	var hookDurations []time.Duration
	s.SetAfterToolCall(func(_ ToolCallInfo, _ *mcp.CallToolResult, d time.Duration) {
		hookDurations = append(hookDurations, d)
	})

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow","arguments":{"q":"x"}}}`
	first := decodeCallResult(t, callTool(t, s, body))
	second := decodeCallResult(t, callTool(t, s, body))

	assert.Equal(t, 1, invocations)
	assert.Equal(t, first, second)
	require.Len(t, hookDurations, 2)
	assert.Equal(t, time.Duration(0), hookDurations[1])

	// Different arguments are a different cache key.
	other := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"slow","arguments":{"q":"y"}}}`
	decodeCallResult(t, callTool(t, s, other))
	assert.Equal(t, 2, invocations)
}

func TestToolsCall_CachePreservesErrorStatus(t *testing.T) {
	s := newTestServer(t, Config{CacheEnabled: true})

	invocations := 0
	err := s.RegisterTool(ToolDef{
		Name:     "flaky",
		CacheTTL: time.Minute,
		Handler: SimpleFunc(func(context.Context, map[string]any) (string, error) {
			invocations++
			return "", errors.New("upstream down")
		}),
	})
	require.NoError(t, err)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"flaky"}}`
	first := decodeCallResult(t, callTool(t, s, body))
	second := decodeCallResult(t, callTool(t, s, body))

	assert.Equal(t, 1, invocations)
	assert.True(t, first.IsError)
	assert.True(t, second.IsError)
}

func TestToolsCall_StructuredContent(t *testing.T) {
	s := newTestServer(t, Config{})
	err := s.RegisterTool(ToolDef{
		Name:         "weather",
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"tempC":{"type":"number"}},"required":["tempC"]}`),
		Handler: SimpleFunc(func(context.Context, map[string]any) (string, error) {
			return `{"tempC":21.5}`, nil
		}),
	})
	require.NoError(t, err)

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"weather"}}`)
	result := decodeCallResult(t, resp)
	require.NotNil(t, result.StructuredContent)
	sc := result.StructuredContent.(map[string]any)
	assert.Equal(t, 21.5, sc["tempC"])
}

func TestToolsCall_OutputValidationReplacesResult(t *testing.T) {
	s := newTestServer(t, Config{ValidateOutput: true})
	err := s.RegisterTool(ToolDef{
		Name:         "weather",
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"tempC":{"type":"number"}},"required":["tempC"]}`),
		Handler: SimpleFunc(func(context.Context, map[string]any) (string, error) {
			return `{"humidity":80}`, nil
		}),
	})
	require.NoError(t, err)

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"weather"}}`)
	result := decodeCallResult(t, resp)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Output validation failed")
}

func TestToolsCall_RichHandler(t *testing.T) {
	s := newTestServer(t, Config{})
	err := s.RegisterTool(ToolDef{
		Name: "snapshot",
		Handler: ToolFunc(func(_ context.Context, req ToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{
				mcp.TextContent("camera 1"),
				mcp.ImageContent("aGVsbG8=", "image/png"),
				mcp.ResourceLink("sensor://cam1/raw", "raw frame", "unprocessed", "application/octet-stream"),
			}}, nil
		}),
	})
	require.NoError(t, err)

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"snapshot"}}`)
	result := decodeCallResult(t, resp)
	require.Len(t, result.Content, 3)
	assert.Equal(t, mcp.ContentImage, result.Content[1].Type)
	assert.Equal(t, mcp.ContentResourceLink, result.Content[2].Type)
}

func TestToolsCall_TaskRequiredWithoutTask(t *testing.T) {
	s := newTestServer(t, Config{EnableTasks: true})
	err := s.RegisterTool(ToolDef{
		Name:        "long-scan",
		TaskSupport: mcp.TaskRequired,
		Runner: func(ctx context.Context, task *TaskContext, req ToolRequest) {
			_ = task.Complete(ctx, &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("done")}})
		},
	})
	require.NoError(t, err)

	resp := callTool(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"long-scan"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Tool requires task execution", resp.Error.Message)
}

func TestToolsCall_CancelledRequestSuppressesResponse(t *testing.T) {
	s := newTestServer(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	err := s.RegisterTool(ToolDef{
		Name: "wait",
		Handler: ToolFunc(func(ctx context.Context, _ ToolRequest) (*mcp.CallToolResult, error) {
			close(started)
			select {
			case <-ctx.Done():
			case <-release:
			}
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("late")}}, nil
		}),
	})
	require.NoError(t, err)
	defer close(release)

	done := make(chan []byte, 1)
	go func() {
		payload, _ := s.HandleMessage(context.Background(), "sess",
			[]byte(`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"wait"}}`))
		done <- payload
	}()

	<-started
	payload, _ := s.HandleMessage(context.Background(), "sess",
		[]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42}}`))
	assert.Nil(t, payload)

	assert.Nil(t, <-done)
}

func TestRegisterTool_DuplicateRejected(t *testing.T) {
	s := newTestServer(t, Config{})
	registerAdd(t, s)

	err := s.RegisterTool(ToolDef{
		Name:    "add",
		Handler: SimpleFunc(func(context.Context, map[string]any) (string, error) { return "", nil }),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolExists)
}

func TestToolsList_IdempotentAndSorted(t *testing.T) {
	s := newTestServer(t, Config{})
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.RegisterSimpleTool(name, "",
			func(context.Context, map[string]any) (string, error) { return "", nil }))
	}

	get := func() []string {
		resp := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		var lr mcp.ListToolsResult
		require.NoError(t, json.Unmarshal(resp.Result, &lr))
		names := make([]string, len(lr.Tools))
		for i, tool := range lr.Tools {
			names[i] = tool.Name
		}
		return names
	}

	first := get()
	second := get()
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, first)
	assert.Equal(t, first, second)
}

func TestToolsList_Pagination(t *testing.T) {
	s := newTestServer(t, Config{PageSize: 2})
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.RegisterSimpleTool(name, "",
			func(context.Context, map[string]any) (string, error) { return "", nil }))
	}

	var names []string
	cursor := ""
	for {
		body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
		if cursor != "" {
			body = `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"cursor":"` + cursor + `"}}`
		}
		resp := roundTrip(t, s, "", body)
		var lr mcp.ListToolsResult
		require.NoError(t, json.Unmarshal(resp.Result, &lr))
		for _, tool := range lr.Tools {
			names = append(names, tool.Name)
		}
		if lr.NextCursor == "" {
			break
		}
		cursor = lr.NextCursor
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, names)

	resp := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"cursor":"frog"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)
}
