// ABOUTME: Registries for resources, resource templates, prompts, and roots.
// ABOUTME: Listings are sorted by name/URI and stable; duplicates are rejected.

package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/2389/mcpd/mcp"
)

// Registry sentinel errors.
var (
	ErrResourceExists   = errors.New("resource already registered")
	ErrResourceNotFound = errors.New("resource not found")
	ErrTemplateExists   = errors.New("resource template already registered")
	ErrTemplateNotFound = errors.New("resource template not found")
	ErrPromptExists     = errors.New("prompt already registered")
	ErrPromptNotFound   = errors.New("prompt not found")
	ErrRootExists       = errors.New("root already registered")
)

// errBadCursor marks an unparseable pagination cursor.
var errBadCursor = errors.New("invalid cursor")

// pageWindow computes the [start, end) slice bounds for a paginated
// listing. A pageSize of 0 disables pagination and returns the whole
// range. The cursor is an opaque numeric offset; a cursor past the end
// yields an empty page.
func pageWindow(total, pageSize int, cursor string) (start, end int, next string, err error) {
	if cursor != "" {
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return 0, 0, "", fmt.Errorf("%w: %q", errBadCursor, cursor)
		}
	}
	if pageSize <= 0 {
		if start > total {
			start = total
		}
		return start, total, "", nil
	}
	if start > total {
		start = total
	}
	end = start + pageSize
	if end < total {
		next = strconv.Itoa(end)
	} else {
		end = total
	}
	return start, end, next, nil
}

// ResourceHandler produces the contents of a resource for resources/read.
type ResourceHandler interface {
	Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error)
}

// ResourceFunc adapts a function to ResourceHandler.
type ResourceFunc func(ctx context.Context, uri string) ([]mcp.ResourceContents, error)

// Read implements ResourceHandler.
func (f ResourceFunc) Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	return f(ctx, uri)
}

// TextResource adapts a plain text producer to ResourceHandler. The
// server fills in the URI and the registered MIME type.
func TextResource(fn func(ctx context.Context) (string, error)) ResourceHandler {
	return ResourceFunc(func(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
		text, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{{URI: uri, Text: text}}, nil
	})
}

// StaticResource adapts fixed text to ResourceHandler.
func StaticResource(text string) ResourceHandler {
	return TextResource(func(context.Context) (string, error) { return text, nil })
}

// ResourceDef describes a resource to register.
type ResourceDef struct {
	URI         string
	Name        string
	Title       string
	Description string
	MimeType    string
	Size        *int64
	Annotations *mcp.Annotations
	Icons       []mcp.Icon
	Handler     ResourceHandler
}

func (d ResourceDef) wire() mcp.Resource {
	return mcp.Resource{
		URI:         d.URI,
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		MimeType:    d.MimeType,
		Size:        d.Size,
		Annotations: d.Annotations,
		Icons:       d.Icons,
	}
}

type resourceRegistry struct {
	mu        sync.RWMutex
	resources map[string]ResourceDef
}

func newResourceRegistry() *resourceRegistry {
	return &resourceRegistry{resources: make(map[string]ResourceDef)}
}

func (r *resourceRegistry) register(def ResourceDef) error {
	if def.URI == "" {
		return errors.New("resource uri is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("resource %q has no handler", def.URI)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[def.URI]; exists {
		return fmt.Errorf("%w: %q", ErrResourceExists, def.URI)
	}
	r.resources[def.URI] = def
	return nil
}

func (r *resourceRegistry) remove(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[uri]; !ok {
		return false
	}
	delete(r.resources, uri)
	return true
}

func (r *resourceRegistry) get(uri string) (ResourceDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.resources[uri]
	return def, ok
}

func (r *resourceRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resources)
}

// list returns all resources sorted by URI.
func (r *resourceRegistry) list() []ResourceDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ResourceDef, 0, len(r.resources))
	for _, def := range r.resources {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].URI < defs[j].URI })
	return defs
}

// TemplateHandler produces the contents of a templated resource.
// The vars map holds the values extracted from the concrete URI.
type TemplateHandler interface {
	Read(ctx context.Context, uri string, vars map[string]string) ([]mcp.ResourceContents, error)
}

// TemplateFunc adapts a function to TemplateHandler.
type TemplateFunc func(ctx context.Context, uri string, vars map[string]string) ([]mcp.ResourceContents, error)

// Read implements TemplateHandler.
func (f TemplateFunc) Read(ctx context.Context, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
	return f(ctx, uri, vars)
}

// TemplateDef describes a resource template to register.
type TemplateDef struct {
	URITemplate string
	Name        string
	Title       string
	Description string
	MimeType    string
	Annotations *mcp.Annotations
	Icons       []mcp.Icon
	Handler     TemplateHandler
}

func (d TemplateDef) wire() mcp.ResourceTemplate {
	return mcp.ResourceTemplate{
		URITemplate: d.URITemplate,
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		MimeType:    d.MimeType,
		Annotations: d.Annotations,
		Icons:       d.Icons,
	}
}

type templateEntry struct {
	def     TemplateDef
	matcher *uriTemplate
}

type templateRegistry struct {
	mu      sync.RWMutex
	entries []*templateEntry
}

func newTemplateRegistry() *templateRegistry {
	return &templateRegistry{}
}

func (r *templateRegistry) register(def TemplateDef) error {
	if def.URITemplate == "" {
		return errors.New("resource template uri is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("resource template %q has no handler", def.URITemplate)
	}
	matcher, err := parseURITemplate(def.URITemplate)
	if err != nil {
		return fmt.Errorf("resource template %q: %w", def.URITemplate, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.def.URITemplate == def.URITemplate {
			return fmt.Errorf("%w: %q", ErrTemplateExists, def.URITemplate)
		}
	}
	r.entries = append(r.entries, &templateEntry{def: def, matcher: matcher})
	return nil
}

func (r *templateRegistry) remove(uriTemplate string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.def.URITemplate == uriTemplate {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *templateRegistry) get(uriTemplate string) (TemplateDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.def.URITemplate == uriTemplate {
			return e.def, true
		}
	}
	return TemplateDef{}, false
}

func (r *templateRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// list returns all templates sorted by URI template.
func (r *templateRegistry) list() []TemplateDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]TemplateDef, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].URITemplate < defs[j].URITemplate })
	return defs
}

// match finds the first template matching the URI, in registration
// order, and returns its definition with the extracted variables.
func (r *templateRegistry) match(uri string) (TemplateDef, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if vars, ok := e.matcher.match(uri); ok {
			return e.def, vars, true
		}
	}
	return TemplateDef{}, nil, false
}

// PromptHandler expands a prompt into messages for prompts/get.
type PromptHandler interface {
	Render(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error)
}

// PromptFunc adapts a function to PromptHandler.
type PromptFunc func(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error)

// Render implements PromptHandler.
func (f PromptFunc) Render(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
	return f(ctx, args)
}

// PromptDef describes a prompt to register.
type PromptDef struct {
	Name        string
	Title       string
	Description string
	Arguments   []mcp.PromptArgument
	Icons       []mcp.Icon
	Handler     PromptHandler
}

func (d PromptDef) wire() mcp.Prompt {
	return mcp.Prompt{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		Arguments:   d.Arguments,
		Icons:       d.Icons,
	}
}

type promptRegistry struct {
	mu      sync.RWMutex
	prompts map[string]PromptDef
}

func newPromptRegistry() *promptRegistry {
	return &promptRegistry{prompts: make(map[string]PromptDef)}
}

func (r *promptRegistry) register(def PromptDef) error {
	if def.Name == "" {
		return errors.New("prompt name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("prompt %q has no handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrPromptExists, def.Name)
	}
	r.prompts[def.Name] = def
	return nil
}

func (r *promptRegistry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prompts[name]; !ok {
		return false
	}
	delete(r.prompts, name)
	return true
}

func (r *promptRegistry) get(name string) (PromptDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.prompts[name]
	return def, ok
}

func (r *promptRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prompts)
}

// list returns all prompts sorted by name.
func (r *promptRegistry) list() []PromptDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]PromptDef, 0, len(r.prompts))
	for _, def := range r.prompts {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

type rootRegistry struct {
	mu    sync.RWMutex
	roots map[string]mcp.Root
}

func newRootRegistry() *rootRegistry {
	return &rootRegistry{roots: make(map[string]mcp.Root)}
}

func (r *rootRegistry) add(root mcp.Root) error {
	if root.URI == "" {
		return errors.New("root uri is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roots[root.URI]; exists {
		return fmt.Errorf("%w: %q", ErrRootExists, root.URI)
	}
	r.roots[root.URI] = root
	return nil
}

func (r *rootRegistry) remove(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roots[uri]; !ok {
		return false
	}
	delete(r.roots, uri)
	return true
}

func (r *rootRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roots)
}

// list returns all roots sorted by URI.
func (r *rootRegistry) list() []mcp.Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roots := make([]mcp.Root, 0, len(r.roots))
	for _, root := range r.roots {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].URI < roots[j].URI })
	return roots
}
