// ABOUTME: Tool groups: named sets of tools that can be disabled together.
// ABOUTME: A tool is hidden only when every group it belongs to is disabled.

package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrGroupExists indicates a duplicate group name.
var ErrGroupExists = errors.New("tool group already exists")

// ErrGroupNotFound indicates the named group is not registered.
var ErrGroupNotFound = errors.New("tool group not found")

// maxGroups bounds the group table.
const maxGroups = 16

// ToolGroupInfo describes one group for introspection.
type ToolGroupInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Tools       []string `json:"tools"`
}

type toolGroup struct {
	description string
	enabled     bool
	tools       map[string]bool
}

type groupSet struct {
	mu     sync.RWMutex
	groups map[string]*toolGroup
}

func newGroupSet() *groupSet {
	return &groupSet{groups: make(map[string]*toolGroup)}
}

func (g *groupSet) add(name, description string) error {
	if name == "" {
		return errors.New("group name is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.groups[name]; exists {
		return fmt.Errorf("%w: %q", ErrGroupExists, name)
	}
	if len(g.groups) >= maxGroups {
		return fmt.Errorf("group limit of %d reached", maxGroups)
	}
	g.groups[name] = &toolGroup{description: description, enabled: true, tools: make(map[string]bool)}
	return nil
}

func (g *groupSet) remove(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.groups[name]; !ok {
		return false
	}
	delete(g.groups, name)
	return true
}

// addTool puts a tool in a group, creating the group on first use.
func (g *groupSet) addTool(group, tool string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[group]
	if !ok {
		if len(g.groups) >= maxGroups {
			return fmt.Errorf("group limit of %d reached", maxGroups)
		}
		grp = &toolGroup{enabled: true, tools: make(map[string]bool)}
		g.groups[group] = grp
	}
	grp.tools[tool] = true
	return nil
}

// removeTool drops a tool from every group it belongs to.
func (g *groupSet) removeTool(tool string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, grp := range g.groups {
		delete(grp.tools, tool)
	}
}

func (g *groupSet) setEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	grp.enabled = enabled
	return nil
}

// disabled reports whether a tool is hidden through its groups: it
// belongs to at least one group and all of its groups are disabled.
// Ungrouped tools are never group-disabled.
func (g *groupSet) disabled(tool string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	member := false
	for _, grp := range g.groups {
		if !grp.tools[tool] {
			continue
		}
		member = true
		if grp.enabled {
			return false
		}
	}
	return member
}

func (g *groupSet) count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups)
}

// snapshot lists all groups sorted by name, member tools sorted too.
func (g *groupSet) snapshot() []ToolGroupInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	infos := make([]ToolGroupInfo, 0, len(g.groups))
	for name, grp := range g.groups {
		tools := make([]string, 0, len(grp.tools))
		for tool := range grp.tools {
			tools = append(tools, tool)
		}
		sort.Strings(tools)
		infos = append(infos, ToolGroupInfo{
			Name:        name,
			Description: grp.description,
			Enabled:     grp.enabled,
			Tools:       tools,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// AddToolGroup creates an empty, enabled group.
func (s *Server) AddToolGroup(name, description string) error {
	return s.groups.add(name, description)
}

// RemoveToolGroup deletes a group. Member tools become visible again
// unless another disabled group still claims them.
func (s *Server) RemoveToolGroup(name string) bool {
	return s.groups.remove(name)
}

// AddToolToGroup puts a tool in a group, creating the group if needed.
// The tool does not have to be registered yet.
func (s *Server) AddToolToGroup(group, tool string) error {
	return s.groups.addTool(group, tool)
}

// EnableToolGroup re-enables a group and the tools it was hiding.
func (s *Server) EnableToolGroup(name string) error {
	return s.groups.setEnabled(name, true)
}

// DisableToolGroup hides the group's tools from listing and calling,
// except tools that still belong to another enabled group.
func (s *Server) DisableToolGroup(name string) error {
	return s.groups.setEnabled(name, false)
}

// ToolGroups lists all groups with their membership.
func (s *Server) ToolGroups() []ToolGroupInfo {
	return s.groups.snapshot()
}
