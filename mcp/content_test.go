// ABOUTME: Tests for content block factories and their wire shapes.
// ABOUTME: Each variant must serialize only the fields its type uses.

package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextContent(t *testing.T) {
	out, err := json.Marshal(TextContent("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":"hello"}`, string(out))
}

func TestImageContent(t *testing.T) {
	out, err := json.Marshal(ImageContent("aGVsbG8=", "image/png"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"image","data":"aGVsbG8=","mimeType":"image/png"}`, string(out))
}

func TestAudioContent(t *testing.T) {
	out, err := json.Marshal(AudioContent("c291bmQ=", "audio/wav"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"audio","data":"c291bmQ=","mimeType":"audio/wav"}`, string(out))
}

func TestEmbeddedResource(t *testing.T) {
	c := EmbeddedResource(ResourceContents{URI: "config://device", MimeType: "application/json", Text: `{"ok":true}`})

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"resource","resource":{"uri":"config://device","mimeType":"application/json","text":"{\"ok\":true}"}}`, string(out))
}

func TestResourceLink(t *testing.T) {
	c := ResourceLink("sensor://temp1/reading", "temp1", "Temperature reading", "application/json")

	out, err := json.Marshal(c)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "resource_link", decoded["type"])
	assert.Equal(t, "sensor://temp1/reading", decoded["uri"])
	assert.Equal(t, "temp1", decoded["name"])
	// No embedded payload on a link
	assert.NotContains(t, decoded, "resource")
	assert.NotContains(t, decoded, "text")
}

func TestToolAnnotations_ExplicitFalseSerialized(t *testing.T) {
	yes, no := true, false
	ann := ToolAnnotations{Title: "Reboot", ReadOnlyHint: &yes, DestructiveHint: &no}

	out, err := json.Marshal(ann)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Reboot","readOnlyHint":true,"destructiveHint":false}`, string(out))
}

func TestLogLevel_SeverityOrdering(t *testing.T) {
	assert.True(t, LogDebug.Severity() < LogInfo.Severity())
	assert.True(t, LogWarning.Severity() < LogError.Severity())
	assert.True(t, LogError.Severity() < LogEmergency.Severity())
	assert.True(t, LogLevel("warning").Valid())
	assert.False(t, LogLevel("verbose").Valid())
}
