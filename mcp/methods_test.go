// ABOUTME: Tests for method name resolution against the closed method set.
// ABOUTME: Unknown names must fall through so dispatch can answer -32601.

package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMethod_Known(t *testing.T) {
	for _, name := range []string{
		"initialize", "ping", "tools/list", "tools/call",
		"resources/list", "resources/read", "resources/templates/list",
		"resources/subscribe", "resources/unsubscribe",
		"prompts/list", "prompts/get", "logging/setLevel",
		"completion/complete", "roots/list",
		"tasks/get", "tasks/result", "tasks/list", "tasks/cancel",
		"notifications/initialized", "notifications/cancelled",
	} {
		m, ok := ParseMethod(name)
		assert.True(t, ok, "method %q should resolve", name)
		assert.Equal(t, name, string(m))
	}
}

func TestParseMethod_Unknown(t *testing.T) {
	for _, name := range []string{"", "tools/destroy", "TOOLS/LIST", "notifications/progress"} {
		_, ok := ParseMethod(name)
		assert.False(t, ok, "method %q should not resolve", name)
	}
}

func TestMethod_IsNotificationMethod(t *testing.T) {
	assert.True(t, MethodNotifInitialized.IsNotificationMethod())
	assert.True(t, MethodNotifCancelled.IsNotificationMethod())
	assert.False(t, MethodPing.IsNotificationMethod())
	assert.False(t, MethodToolsCall.IsNotificationMethod())
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.False(t, TaskSubmitted.Terminal())
	assert.False(t, TaskWorking.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
}
