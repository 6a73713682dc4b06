// ABOUTME: Tests for tool groups: membership, enable/disable semantics,
// ABOUTME: and the all-groups-disabled visibility rule.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerNamed(t *testing.T, s *Server, name string) {
	t.Helper()
	err := s.RegisterTool(ToolDef{
		Name:        name,
		Description: "test tool",
		Handler: SimpleFunc(func(context.Context, map[string]any) (string, error) {
			return "ok:" + name, nil
		}),
	})
	require.NoError(t, err)
}

func TestToolGroups_DisableHidesMembers(t *testing.T) {
	s := newTestServer(t, Config{})
	registerNamed(t, s, "probe")
	registerNamed(t, s, "free")
	require.NoError(t, s.AddToolGroup("hardware", "hardware-facing tools"))
	require.NoError(t, s.AddToolToGroup("hardware", "probe"))

	require.NoError(t, s.DisableToolGroup("hardware"))

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
	assert.Equal(t, []string{"free"}, names)

	resp = roundTrip(t, s, "", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"probe"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Tool not found: probe", resp.Error.Message)

	require.NoError(t, s.EnableToolGroup("hardware"))
	resp = roundTrip(t, s, "", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"probe"}}`)
	require.Nil(t, resp.Error)
}

func TestToolGroups_VisibleWhileAnyGroupEnabled(t *testing.T) {
	s := newTestServer(t, Config{})
	registerNamed(t, s, "shared")
	require.NoError(t, s.AddToolGroup("alpha", ""))
	require.NoError(t, s.AddToolGroup("beta", ""))
	require.NoError(t, s.AddToolToGroup("alpha", "shared"))
	require.NoError(t, s.AddToolToGroup("beta", "shared"))

	require.NoError(t, s.DisableToolGroup("alpha"))
	resp := roundTrip(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"shared"}}`)
	require.Nil(t, resp.Error)

	require.NoError(t, s.DisableToolGroup("beta"))
	resp = roundTrip(t, s, "", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"shared"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Tool not found: shared", resp.Error.Message)
}

func TestToolGroups_Lifecycle(t *testing.T) {
	s := newTestServer(t, Config{})

	require.NoError(t, s.AddToolGroup("ops", "operational"))
	assert.ErrorIs(t, s.AddToolGroup("ops", "dup"), ErrGroupExists)
	assert.ErrorIs(t, s.EnableToolGroup("ghost"), ErrGroupNotFound)

	require.NoError(t, s.AddToolToGroup("ops", "restart"))
	groups := s.ToolGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, "ops", groups[0].Name)
	assert.True(t, groups[0].Enabled)
	assert.Equal(t, []string{"restart"}, groups[0].Tools)

	// Adding a tool to an unknown group creates the group on the spot.
	require.NoError(t, s.AddToolToGroup("fresh", "reboot"))
	assert.Len(t, s.ToolGroups(), 2)

	assert.True(t, s.RemoveToolGroup("ops"))
	assert.False(t, s.RemoveToolGroup("ops"))
	assert.True(t, s.RemoveToolGroup("fresh"))
	assert.Empty(t, s.ToolGroups())
}

func TestToolGroups_LimitEnforced(t *testing.T) {
	s := newTestServer(t, Config{})
	for i := 0; i < maxGroups; i++ {
		require.NoError(t, s.AddToolGroup(fmt.Sprintf("g%02d", i), ""))
	}
	assert.Error(t, s.AddToolGroup("overflow", ""))
}

func TestToolGroups_UnregisterDropsMembership(t *testing.T) {
	s := newTestServer(t, Config{})
	registerNamed(t, s, "probe")
	require.NoError(t, s.AddToolGroup("hardware", ""))
	require.NoError(t, s.AddToolToGroup("hardware", "probe"))

	require.True(t, s.RemoveTool("probe"))
	groups := s.ToolGroups()
	require.Len(t, groups, 1)
	assert.Empty(t, groups[0].Tools)
}
