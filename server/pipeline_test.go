// ABOUTME: Tests for pipelines: registration limits, $prev substitution,
// ABOUTME: and the stop/continue/rollback failure policies.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcpd/mcp"
)

// invocationLog records each tool invocation's arguments by tool name.
type invocationLog struct {
	mu    sync.Mutex
	calls map[string][]string
}

func newInvocationLog() *invocationLog {
	return &invocationLog{calls: make(map[string][]string)}
}

func (l *invocationLog) record(name string, args json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[name] = append(l.calls[name], string(args))
}

func (l *invocationLog) of(name string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.calls[name]...)
}

func registerRecording(t *testing.T, s *Server, log *invocationLog, name, output string, fail bool) {
	t.Helper()
	err := s.RegisterTool(ToolDef{
		Name: name,
		Handler: ToolFunc(func(_ context.Context, req ToolRequest) (*mcp.CallToolResult, error) {
			log.record(name, req.Arguments)
			if fail {
				return nil, errors.New(name + " blew up")
			}
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(output)}}, nil
		}),
	})
	require.NoError(t, err)
}

func TestPipeline_PrevSubstitution(t *testing.T) {
	s := newTestServer(t, Config{})
	log := newInvocationLog()
	registerRecording(t, s, log, "fetch", `{"host":"edge-1","load":0.82}`, false)
	registerRecording(t, s, log, "report", "filed", false)

	require.NoError(t, s.RegisterPipeline(PipelineDef{
		Name:        "health-report",
		Description: "Fetch a node's health and file a report.",
		Steps: []PipelineStep{
			{Tool: "fetch"},
			{Tool: "report", Arguments: json.RawMessage(`{"snapshot":"$prev","host":"$prev.host"}`)},
		},
	}))

	resp := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"pipeline:health-report","arguments":{"node":"edge-1"}}}`)
	result := decodeCallResult(t, resp)
	require.False(t, result.IsError)
	assert.Equal(t, "filed", result.Content[0].Text)

	// First step with no template gets the pipeline's own arguments.
	fetchCalls := log.of("fetch")
	require.Len(t, fetchCalls, 1)
	assert.JSONEq(t, `{"node":"edge-1"}`, fetchCalls[0])

	// Second step sees the first step's output, whole and by field.
	reportCalls := log.of("report")
	require.Len(t, reportCalls, 1)
	assert.JSONEq(t, `{"snapshot":{"host":"edge-1","load":0.82},"host":"edge-1"}`, reportCalls[0])
}

func TestPipeline_ListsAsTool(t *testing.T) {
	s := newTestServer(t, Config{})
	log := newInvocationLog()
	registerRecording(t, s, log, "noop", "ok", false)
	require.NoError(t, s.RegisterPipeline(PipelineDef{
		Name:  "chain",
		Steps: []PipelineStep{{Tool: "noop"}},
	}))

	resp := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"noop", "pipeline:chain"}, names)
}

func TestPipeline_StopPolicyAborts(t *testing.T) {
	s := newTestServer(t, Config{})
	log := newInvocationLog()
	registerRecording(t, s, log, "first", "ok", false)
	registerRecording(t, s, log, "boom", "", true)
	registerRecording(t, s, log, "after", "never", false)

	require.NoError(t, s.RegisterPipeline(PipelineDef{
		Name: "fragile",
		Steps: []PipelineStep{
			{Tool: "first"},
			{Tool: "boom"},
			{Tool: "after"},
		},
	}))

	resp := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"pipeline:fragile","arguments":{}}}`)
	result := decodeCallResult(t, resp)
	require.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, `Pipeline "fragile" failed at step 2 (boom)`)
	assert.Contains(t, result.Content[0].Text, "boom blew up")
	assert.Empty(t, log.of("after"))
}

func TestPipeline_ContinuePolicySkips(t *testing.T) {
	s := newTestServer(t, Config{})
	log := newInvocationLog()
	registerRecording(t, s, log, "flaky", "", true)
	registerRecording(t, s, log, "closer", "done", false)

	require.NoError(t, s.RegisterPipeline(PipelineDef{
		Name: "tolerant",
		Steps: []PipelineStep{
			{Tool: "flaky", OnError: StepContinue},
			{Tool: "closer"},
		},
	}))

	resp := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"pipeline:tolerant","arguments":{}}}`)
	result := decodeCallResult(t, resp)
	require.False(t, result.IsError)
	assert.Equal(t, "done", result.Content[0].Text)
	assert.Len(t, log.of("closer"), 1)
}

func TestPipeline_RollbackCompensatesInReverse(t *testing.T) {
	s := newTestServer(t, Config{})
	log := newInvocationLog()
	var order []string
	var orderMu sync.Mutex
	track := func(name string) ToolFunc {
		return func(_ context.Context, req ToolRequest) (*mcp.CallToolResult, error) {
			orderMu.Lock()
			order = append(order, name)
			orderMu.Unlock()
			log.record(name, req.Arguments)
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("ok")}}, nil
		}
	}
	require.NoError(t, s.RegisterTool(ToolDef{Name: "reserve", Handler: track("reserve")}))
	require.NoError(t, s.RegisterTool(ToolDef{Name: "charge", Handler: track("charge")}))
	require.NoError(t, s.RegisterTool(ToolDef{Name: "release", Handler: track("release")}))
	require.NoError(t, s.RegisterTool(ToolDef{Name: "refund", Handler: track("refund")}))
	registerRecording(t, s, log, "ship", "", true)

	require.NoError(t, s.RegisterPipeline(PipelineDef{
		Name: "order",
		Steps: []PipelineStep{
			{Tool: "reserve", Compensate: "release"},
			{Tool: "charge", Compensate: "refund"},
			{Tool: "ship", OnError: StepRollback},
		},
	}))

	resp := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"pipeline:order","arguments":{"sku":"X1"}}}`)
	result := decodeCallResult(t, resp)
	require.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "rolled back")

	orderMu.Lock()
	defer orderMu.Unlock()
	assert.Equal(t, []string{"reserve", "charge", "refund", "release"}, order)
}

func TestPipeline_UnknownName(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"pipeline:ghost"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Tool not found: pipeline:ghost", resp.Error.Message)
}

func TestPipeline_RegistrationValidation(t *testing.T) {
	s := newTestServer(t, Config{})

	assert.ErrorIs(t, s.RegisterPipeline(PipelineDef{Name: "empty"}), ErrInvalidPipeline)
	assert.ErrorIs(t, s.RegisterPipeline(PipelineDef{Steps: []PipelineStep{{Tool: "x"}}}), ErrInvalidPipeline)
	assert.ErrorIs(t, s.RegisterPipeline(PipelineDef{
		Name:  "badpolicy",
		Steps: []PipelineStep{{Tool: "x", OnError: StepErrorPolicy("explode")}},
	}), ErrInvalidPipeline)

	steps := make([]PipelineStep, maxPipelineSteps+1)
	for i := range steps {
		steps[i] = PipelineStep{Tool: "x"}
	}
	assert.ErrorIs(t, s.RegisterPipeline(PipelineDef{Name: "toolong", Steps: steps}), ErrInvalidPipeline)

	require.NoError(t, s.RegisterPipeline(PipelineDef{Name: "ok", Steps: []PipelineStep{{Tool: "x"}}}))
	assert.ErrorIs(t, s.RegisterPipeline(PipelineDef{Name: "ok", Steps: []PipelineStep{{Tool: "x"}}}), ErrPipelineExists)

	for i := 0; i < maxPipelines-1; i++ {
		require.NoError(t, s.RegisterPipeline(PipelineDef{
			Name:  fmt.Sprintf("p%02d", i),
			Steps: []PipelineStep{{Tool: "x"}},
		}))
	}
	assert.Error(t, s.RegisterPipeline(PipelineDef{Name: "overflow", Steps: []PipelineStep{{Tool: "x"}}}))

	assert.True(t, s.RemovePipeline("ok"))
	assert.False(t, s.RemovePipeline("ok"))
}
