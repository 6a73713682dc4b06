// ABOUTME: Pipelines: named multi-step tool chains callable as one pseudo-tool.
// ABOUTME: Step arguments substitute $prev references to the prior step's output.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/2389/mcpd/mcp"
)

// Pipeline bounds.
const (
	maxPipelines     = 16
	maxPipelineSteps = 20
)

// ErrPipelineExists indicates a duplicate pipeline name.
var ErrPipelineExists = errors.New("pipeline already registered")

// ErrInvalidPipeline indicates a pipeline definition that cannot be
// registered.
var ErrInvalidPipeline = errors.New("invalid pipeline definition")

// StepErrorPolicy decides what happens when a pipeline step fails.
type StepErrorPolicy string

const (
	// StepStop aborts the pipeline on failure. The default.
	StepStop StepErrorPolicy = "stop"
	// StepContinue proceeds to the next step, leaving $prev at the
	// last successful output.
	StepContinue StepErrorPolicy = "continue"
	// StepRollback invokes the compensation tools of completed steps
	// in reverse order, then aborts.
	StepRollback StepErrorPolicy = "rollback"
)

// PipelineStep is one stage of a pipeline.
type PipelineStep struct {
	// Tool names the registered tool to call.
	Tool string
	// Arguments is the argument template. String values equal to
	// "$prev" are replaced by the prior step's whole output; values of
	// the form "$prev.field" by that field of the prior step's JSON
	// output. An empty template sends the pipeline's own arguments.
	Arguments json.RawMessage
	// OnError picks the failure policy. Empty means StepStop.
	OnError StepErrorPolicy
	// Compensate names the tool invoked for this step during rollback.
	// Steps without one are skipped when unwinding.
	Compensate string
}

// PipelineDef describes a tool chain to register. The pipeline lists
// in tools/list and is called as "pipeline:<name>".
type PipelineDef struct {
	Name        string
	Description string
	Steps       []PipelineStep
}

type pipelineSet struct {
	mu        sync.RWMutex
	pipelines map[string]PipelineDef
}

func newPipelineSet() *pipelineSet {
	return &pipelineSet{pipelines: make(map[string]PipelineDef)}
}

func (p *pipelineSet) register(def PipelineDef) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPipeline)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %q has no steps", ErrInvalidPipeline, def.Name)
	}
	if len(def.Steps) > maxPipelineSteps {
		return fmt.Errorf("%w: %q exceeds the %d step limit", ErrInvalidPipeline, def.Name, maxPipelineSteps)
	}
	for i, step := range def.Steps {
		if step.Tool == "" {
			return fmt.Errorf("%w: %q step %d names no tool", ErrInvalidPipeline, def.Name, i)
		}
		switch step.OnError {
		case "", StepStop, StepContinue, StepRollback:
		default:
			return fmt.Errorf("%w: %q step %d has unknown policy %q", ErrInvalidPipeline, def.Name, i, step.OnError)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.pipelines[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrPipelineExists, def.Name)
	}
	if len(p.pipelines) >= maxPipelines {
		return fmt.Errorf("pipeline limit of %d reached", maxPipelines)
	}
	p.pipelines[def.Name] = def
	return nil
}

func (p *pipelineSet) remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pipelines[name]; !ok {
		return false
	}
	delete(p.pipelines, name)
	return true
}

func (p *pipelineSet) get(name string) (PipelineDef, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.pipelines[name]
	return def, ok
}

func (p *pipelineSet) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pipelines)
}

// wireTools lists pipelines as callable pseudo-tools, sorted by name.
func (p *pipelineSet) wireTools() []mcp.Tool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tools := make([]mcp.Tool, 0, len(p.pipelines))
	for name, def := range p.pipelines {
		tools = append(tools, mcp.Tool{
			Name:        pipelinePrefix + name,
			Description: def.Description,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// RegisterPipeline adds a tool chain. Step tools are resolved at call
// time, so they may be registered in any order.
func (s *Server) RegisterPipeline(def PipelineDef) error {
	if err := s.pipelines.register(def); err != nil {
		return err
	}
	s.logger.Debug("registered pipeline", "name", def.Name, "steps", len(def.Steps))
	return nil
}

// RemovePipeline drops a pipeline. Reports whether it existed.
func (s *Server) RemovePipeline(name string) bool {
	return s.pipelines.remove(name)
}

// callPipeline executes a pipeline as one tool call. Step failures are
// tool-level (isError) results; only an unknown pipeline name is a
// protocol error.
func (s *Server) callPipeline(ctx context.Context, sessionID, name string, args json.RawMessage) (any, *mcp.Error) {
	def, ok := s.pipelines.get(name)
	if !ok {
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Tool not found: "+pipelinePrefix+name)
	}

	var prevObj any
	prevText := string(args)
	_ = json.Unmarshal(args, &prevObj)

	var completed []completedStep
	var result *mcp.CallToolResult

	for i, step := range def.Steps {
		stepArgs, err := resolveStepArgs(step.Arguments, args, prevText, prevObj)
		if err != nil {
			return errorResult(fmt.Sprintf("Pipeline %q step %d (%s): %v", name, i+1, step.Tool, err)), nil
		}

		entry, ok := s.tools.visibleGet(step.Tool, s.groups.disabled)
		if !ok {
			return errorResult(fmt.Sprintf("Pipeline %q step %d: tool not found: %s", name, i+1, step.Tool)), nil
		}
		treq := ToolRequest{Name: step.Tool, Arguments: stepArgs, SessionID: sessionID, srv: s}
		result = s.invokeTool(ctx, entry.def.Handler, treq)

		if result.IsError {
			policy := step.OnError
			if policy == "" {
				policy = StepStop
			}
			text, _ := primaryText(result)
			switch policy {
			case StepContinue:
				s.logger.Debug("pipeline step failed, continuing", "pipeline", name, "step", i+1, "tool", step.Tool)
				continue
			case StepRollback:
				s.rollbackPipeline(ctx, sessionID, name, completed)
				return errorResult(fmt.Sprintf("Pipeline %q failed at step %d (%s), rolled back: %s", name, i+1, step.Tool, text)), nil
			default:
				return errorResult(fmt.Sprintf("Pipeline %q failed at step %d (%s): %s", name, i+1, step.Tool, text)), nil
			}
		}

		completed = append(completed, completedStep{compensate: step.Compensate, args: stepArgs})
		if text, ok := primaryText(result); ok {
			prevText = text
			prevObj = nil
			_ = json.Unmarshal([]byte(text), &prevObj)
		}
	}
	return result, nil
}

// completedStep remembers what a finished step ran with so rollback
// can compensate it.
type completedStep struct {
	compensate string
	args       json.RawMessage
}

// rollbackPipeline unwinds completed steps in reverse, invoking each
// step's compensation tool with the arguments the step ran with.
// Compensation failures are logged and do not stop the unwind.
func (s *Server) rollbackPipeline(ctx context.Context, sessionID, name string, completed []completedStep) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.compensate == "" {
			continue
		}
		entry, ok := s.tools.visibleGet(step.compensate, s.groups.disabled)
		if !ok {
			s.logger.Warn("rollback tool not found", "pipeline", name, "tool", step.compensate)
			continue
		}
		treq := ToolRequest{Name: step.compensate, Arguments: step.args, SessionID: sessionID, srv: s}
		if res := s.invokeTool(ctx, entry.def.Handler, treq); res.IsError {
			text, _ := primaryText(res)
			s.logger.Warn("rollback step failed", "pipeline", name, "tool", step.compensate, "error", text)
		}
	}
}

// resolveStepArgs expands $prev references in the step's argument
// template. An empty template forwards the pipeline's own arguments.
func resolveStepArgs(template, pipelineArgs json.RawMessage, prevText string, prevObj any) (json.RawMessage, error) {
	if len(template) == 0 {
		return pipelineArgs, nil
	}
	var tree any
	if err := json.Unmarshal(template, &tree); err != nil {
		return nil, fmt.Errorf("bad argument template: %w", err)
	}
	resolved := substitutePrev(tree, prevText, prevObj)
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encoding resolved arguments: %w", err)
	}
	return out, nil
}

// substitutePrev walks a decoded argument tree replacing $prev and
// $prev.field string values with the prior step's output.
func substitutePrev(v any, prevText string, prevObj any) any {
	switch t := v.(type) {
	case string:
		if t == "$prev" {
			if prevObj != nil {
				return prevObj
			}
			return prevText
		}
		if field, ok := strings.CutPrefix(t, "$prev."); ok {
			if m, isMap := prevObj.(map[string]any); isMap {
				return m[field]
			}
			return nil
		}
		return t
	case map[string]any:
		for k, child := range t {
			t[k] = substitutePrev(child, prevText, prevObj)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = substitutePrev(child, prevText, prevObj)
		}
		return t
	default:
		return v
	}
}
