// ABOUTME: Tests for URI template parsing and positional matching,
// ABOUTME: including variable reach and full-consumption rules.

package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURITemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		wantVars []string
		wantErr  bool
	}{
		{"single variable", "sensor://{id}/reading", []string{"id"}, false},
		{"two variables", "db://{table}/{key}", []string{"table", "key"}, false},
		{"trailing variable", "file:///logs/{name}", []string{"name"}, false},
		{"no variables", "doc://readme", nil, false},
		{"unterminated", "sensor://{id/reading", nil, true},
		{"empty name", "sensor://{}/reading", nil, true},
		{"duplicate variable", "x://{a}/{a}", nil, true},
		{"prefix modifier", "x://{a:3}", nil, true},
		{"explode", "x://{a*}", nil, true},
		{"reserved operator", "x://{+path}", nil, true},
		{"query operator", "x://r{?q}", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := parseURITemplate(tt.template)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errBadTemplate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVars, tmpl.varNames())
		})
	}
}

func TestURITemplateMatch(t *testing.T) {
	tests := []struct {
		name     string
		template string
		uri      string
		want     map[string]string
	}{
		{"basic", "sensor://{id}/reading", "sensor://temp1/reading", map[string]string{"id": "temp1"}},
		{"trailing var consumes rest", "file:///logs/{path}", "file:///logs/2026/08/app.log", map[string]string{"path": "2026/08/app.log"}},
		{"adjacent vars split on slash", "db://{table}/{key}", "db://users/42", map[string]string{"table": "users", "key": "42"}},
		{"literal only", "doc://readme", "doc://readme", map[string]string{}},
		{"empty value rejected", "sensor://{id}/reading", "sensor:///reading", nil},
		{"missing suffix", "sensor://{id}/reading", "sensor://temp1", nil},
		{"extra trailing text", "doc://readme", "doc://readme/extra", nil},
		{"wrong scheme", "sensor://{id}/reading", "probe://temp1/reading", nil},
		{"suffix after trailing var must consume all", "sensor://{id}", "sensor://a/b", map[string]string{"id": "a/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := parseURITemplate(tt.template)
			require.NoError(t, err)
			vars, ok := tmpl.match(tt.uri)
			if tt.want == nil {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, vars)
		})
	}
}

func TestURITemplateMatch_VarThenVarStopsAtSlash(t *testing.T) {
	tmpl, err := parseURITemplate("bus://{segment}{rest}")
	require.NoError(t, err)

	// The first variable reaches to the next '/', the second consumes
	// the remainder including it.
	vars, ok := tmpl.match("bus://can0/frames")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"segment": "can0", "rest": "/frames"}, vars)

	// No separating content at all leaves the second variable empty.
	_, ok = tmpl.match("bus://can0")
	assert.False(t, ok)
}
