// Package template implements the prompt template language: `{{ expr }}`
// output substitution with dotted paths and pipe filters, and
// `{% if %}` / `{% for %}` block constructs. Rendering is pure and
// deterministic; undefined paths resolve to the empty string unless a
// default(...) filter is present.
package template

import (
	"fmt"
	"strings"
)

// Template is a parsed, reusable template.
type Template struct {
	source string
	nodes  []node
}

// ParseError describes a syntax error in a template.
type ParseError struct {
	Pos     int
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("template: %s at offset %d", e.Message, e.Pos)
}

// Parse compiles a template string.
func Parse(source string) (*Template, error) {
	toks, err := lex(source)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	nodes, err := p.parseNodes("")
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		t := p.toks[p.pos]
		return nil, &ParseError{Pos: t.pos, Message: fmt.Sprintf("unexpected {%% %s %%}", t.val)}
	}
	return &Template{source: source, nodes: nodes}, nil
}

// Render parses and renders in one call.
func Render(source string, vars map[string]any) (string, error) {
	t, err := Parse(source)
	if err != nil {
		return "", err
	}
	return t.Render(vars)
}

// Render evaluates the template against vars.
func (t *Template) Render(vars map[string]any) (string, error) {
	var sb strings.Builder
	env := &env{vars: vars}
	if err := renderNodes(&sb, t.nodes, env); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Variables returns the sorted root-level variable names the template
// references, excluding names bound by enclosing for loops. Used to
// compute a version's schema fingerprint.
func (t *Template) Variables() []string {
	seen := make(map[string]bool)
	collectVars(t.nodes, map[string]bool{}, seen)
	return sortedKeys(seen)
}

// RequiredVariables returns the referenced root variables that appear
// at least once outside a default(...) filter. These must be supplied
// at render time.
func (t *Template) RequiredVariables() []string {
	seen := make(map[string]bool)
	collectRequiredVars(t.nodes, map[string]bool{}, seen)
	return sortedKeys(seen)
}

// ExtractVariables parses source and returns its referenced variables.
func ExtractVariables(source string) ([]string, error) {
	t, err := Parse(source)
	if err != nil {
		return nil, err
	}
	return t.Variables(), nil
}
