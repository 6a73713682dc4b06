// ABOUTME: Content blocks carried in tool results, prompt messages, and resource reads.
// ABOUTME: Covers text, image, audio, embedded resource, and resource_link types.

package mcp

// ContentType discriminates the content block variants.
type ContentType string

const (
	ContentText         ContentType = "text"
	ContentImage        ContentType = "image"
	ContentAudio        ContentType = "audio"
	ContentResource     ContentType = "resource"
	ContentResourceLink ContentType = "resource_link"
)

// Role identifies a conversation participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Annotations carry optional presentation metadata on content and
// resources.
type Annotations struct {
	Audience     []Role   `json:"audience,omitempty"`
	Priority     *float64 `json:"priority,omitempty"`
	LastModified string   `json:"lastModified,omitempty"`
}

// Icon describes an icon the client may render for a server, tool,
// resource, or prompt.
type Icon struct {
	Src      string   `json:"src"`
	MimeType string   `json:"mimeType,omitempty"`
	Sizes    []string `json:"sizes,omitempty"`
}

// Content is one block of a multi-part payload. The populated fields
// depend on Type: text uses Text; image and audio use Data+MimeType;
// resource embeds Resource; resource_link uses URI plus the descriptive
// fields.
type Content struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`

	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	Resource *ResourceContents `json:"resource,omitempty"`

	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`

	Annotations *Annotations `json:"annotations,omitempty"`
}

// ResourceContents is the payload of a read resource: exactly one of
// Text or Blob (base64) is set.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// TextContent builds a text block.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ImageContent builds an image block from base64 data.
func ImageContent(data, mimeType string) Content {
	return Content{Type: ContentImage, Data: data, MimeType: mimeType}
}

// AudioContent builds an audio block from base64 data.
func AudioContent(data, mimeType string) Content {
	return Content{Type: ContentAudio, Data: data, MimeType: mimeType}
}

// EmbeddedResource builds a block embedding full resource contents.
func EmbeddedResource(rc ResourceContents) Content {
	return Content{Type: ContentResource, Resource: &rc}
}

// ResourceLink builds a block referencing a resource by URI without
// embedding its contents.
func ResourceLink(uri, name, description, mimeType string) Content {
	return Content{Type: ContentResourceLink, URI: uri, Name: name, Description: description, MimeType: mimeType}
}
