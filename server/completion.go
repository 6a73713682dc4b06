// ABOUTME: Argument completion for prompts and resource templates.
// ABOUTME: Suggestion lists are capped at 100 values per the protocol.

package server

import (
	"fmt"

	"github.com/2389/mcpd/mcp"
)

// maxCompletionValues caps one completion response.
const maxCompletionValues = 100

// CompletionFunc suggests values for one argument of a prompt or
// resource template. value is the partial input typed so far.
type CompletionFunc func(argName, value string) []string

// RegisterPromptCompletion attaches a completion source to a
// registered prompt.
func (s *Server) RegisterPromptCompletion(promptName string, fn CompletionFunc) error {
	if _, ok := s.prompts.get(promptName); !ok {
		return fmt.Errorf("%w: %q", ErrPromptNotFound, promptName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptCompletions[promptName] = fn
	return nil
}

// RegisterTemplateCompletion attaches a completion source to a
// registered resource template, keyed by the template string.
func (s *Server) RegisterTemplateCompletion(uriTemplate string, fn CompletionFunc) error {
	if _, ok := s.templates.get(uriTemplate); !ok {
		return fmt.Errorf("%w: %q", ErrTemplateNotFound, uriTemplate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templateCompletions[uriTemplate] = fn
	return nil
}

func (s *Server) completionFor(ref mcp.CompletionRef) (CompletionFunc, *mcp.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch ref.Type {
	case mcp.CompletionRefPrompt:
		if _, ok := s.prompts.get(ref.Name); !ok {
			return nil, mcp.NewError(mcp.CodeInvalidParams, "Prompt not found: "+ref.Name)
		}
		return s.promptCompletions[ref.Name], nil
	case mcp.CompletionRefResource:
		if _, ok := s.templates.get(ref.URI); !ok {
			return nil, mcp.NewError(mcp.CodeInvalidParams, "Resource template not found: "+ref.URI)
		}
		return s.templateCompletions[ref.URI], nil
	default:
		return nil, mcp.NewError(mcp.CodeInvalidParams, "Invalid completion ref type: "+ref.Type)
	}
}

// handleComplete serves completion/complete. Targets without a
// registered completion source return an empty suggestion list.
func (s *Server) handleComplete(req *mcp.Request) (any, *mcp.Error) {
	var params mcp.CompleteParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	fn, rpcErr := s.completionFor(params.Ref)
	if rpcErr != nil {
		return nil, rpcErr
	}

	values := []string{}
	if fn != nil {
		values = fn(params.Argument.Name, params.Argument.Value)
	}
	total := len(values)
	hasMore := false
	if len(values) > maxCompletionValues {
		values = values[:maxCompletionValues]
		hasMore = true
	}
	return mcp.CompleteResult{Completion: mcp.Completion{Values: values, Total: &total, HasMore: hasMore}}, nil
}
