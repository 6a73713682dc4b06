// ABOUTME: RFC 6570 Level-1 URI template parsing and positional matching.
// ABOUTME: Syntax is validated with yosida95/uritemplate at registration time.

package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yosida95/uritemplate/v3"
)

// errBadTemplate marks a template rejected at registration.
var errBadTemplate = errors.New("invalid uri template")

// uriTemplate matches concrete URIs against an RFC 6570 Level-1
// template. Literal runs must match exactly. A variable reaches to the
// first occurrence of the following literal run, to the next '/' when
// another variable follows, or to the end of the URI when the template
// ends. Empty values never match, and both the template and the URI
// must be fully consumed.
type uriTemplate struct {
	raw  string
	segs []uriSegment
}

// uriSegment is either a literal run or a single variable.
type uriSegment struct {
	literal string
	varName string
}

// parseURITemplate validates the template syntax and splits it into
// literal and variable segments. Only simple {var} expressions are
// accepted; operators, prefix modifiers, and explodes are rejected.
func parseURITemplate(raw string) (*uriTemplate, error) {
	if _, err := uritemplate.New(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadTemplate, err)
	}
	t := &uriTemplate{raw: raw}
	seen := make(map[string]bool)
	for i := 0; i < len(raw); {
		open := strings.IndexByte(raw[i:], '{')
		if open < 0 {
			t.segs = append(t.segs, uriSegment{literal: raw[i:]})
			break
		}
		if open > 0 {
			t.segs = append(t.segs, uriSegment{literal: raw[i : i+open]})
		}
		i += open
		end := strings.IndexByte(raw[i:], '}')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated expression", errBadTemplate)
		}
		name := raw[i+1 : i+end]
		if name == "" || strings.ContainsAny(name, ":*,") || strings.IndexByte("+#./;?&=!@|", name[0]) >= 0 {
			return nil, fmt.Errorf("%w: only simple {var} expressions are supported, got {%s}", errBadTemplate, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate variable %q", errBadTemplate, name)
		}
		seen[name] = true
		t.segs = append(t.segs, uriSegment{varName: name})
		i += end + 1
	}
	return t, nil
}

// varNames returns the variable names in template order.
func (t *uriTemplate) varNames() []string {
	var names []string
	for _, seg := range t.segs {
		if seg.varName != "" {
			names = append(names, seg.varName)
		}
	}
	return names
}

// match extracts variable values from a concrete URI, or reports false
// when the URI does not fit the template.
func (t *uriTemplate) match(uri string) (map[string]string, bool) {
	vars := make(map[string]string)
	pos := 0
	for si, seg := range t.segs {
		if seg.literal != "" {
			if !strings.HasPrefix(uri[pos:], seg.literal) {
				return nil, false
			}
			pos += len(seg.literal)
			continue
		}
		var value string
		switch {
		case si+1 == len(t.segs):
			value = uri[pos:]
			pos = len(uri)
		case t.segs[si+1].literal != "":
			idx := strings.Index(uri[pos:], t.segs[si+1].literal)
			if idx < 0 {
				return nil, false
			}
			value = uri[pos : pos+idx]
			pos += idx
		default:
			idx := strings.IndexByte(uri[pos:], '/')
			if idx < 0 {
				idx = len(uri) - pos
			}
			value = uri[pos : pos+idx]
			pos += idx
		}
		if value == "" {
			return nil, false
		}
		vars[seg.varName] = value
	}
	if pos != len(uri) {
		return nil, false
	}
	return vars, true
}
