package template

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// env carries the variable scope during rendering. Loop variables
// shadow request inputs.
type env struct {
	vars  map[string]any
	local map[string]any
}

func (e *env) lookup(parts []string) any {
	var cur any
	if e.local != nil {
		if v, ok := e.local[parts[0]]; ok {
			cur = v
		} else if e.vars != nil {
			cur = e.vars[parts[0]]
		}
	} else if e.vars != nil {
		cur = e.vars[parts[0]]
	}
	for _, part := range parts[1:] {
		cur = fieldOf(cur, part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (e *env) child(name string, val any) *env {
	local := make(map[string]any, len(e.local)+1)
	for k, v := range e.local {
		local[k] = v
	}
	local[name] = val
	return &env{vars: e.vars, local: local}
}

func fieldOf(v any, name string) any {
	switch m := v.(type) {
	case map[string]any:
		return m[name]
	case map[string]string:
		if s, ok := m[name]; ok {
			return s
		}
		return nil
	}
	// Struct access via reflection covers vars passed as typed values.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		for i := 0; i < rv.NumField(); i++ {
			if strings.EqualFold(rv.Type().Field(i).Name, name) {
				f := rv.Field(i)
				if f.CanInterface() {
					return f.Interface()
				}
			}
		}
	}
	return nil
}

func renderNodes(sb *strings.Builder, nodes []node, e *env) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case *textNode:
			sb.WriteString(n.text)
		case *outputNode:
			v, err := eval(n.expr, e)
			if err != nil {
				return err
			}
			sb.WriteString(stringify(v))
		case *ifNode:
			for _, br := range n.branches {
				if br.cond == nil {
					if err := renderNodes(sb, br.body, e); err != nil {
						return err
					}
					break
				}
				v, err := eval(br.cond, e)
				if err != nil {
					return err
				}
				if truthy(v) {
					if err := renderNodes(sb, br.body, e); err != nil {
						return err
					}
					break
				}
			}
		case *forNode:
			list, err := eval(n.list, e)
			if err != nil {
				return err
			}
			for _, item := range asList(list) {
				if err := renderNodes(sb, n.body, e.child(n.varName, item)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func eval(ex expr, e *env) (any, error) {
	switch ex := ex.(type) {
	case *literalExpr:
		return ex.val, nil
	case *pathExpr:
		return e.lookup(ex.parts), nil
	case *notExpr:
		v, err := eval(ex.inner, e)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case *binaryExpr:
		left, err := eval(ex.left, e)
		if err != nil {
			return nil, err
		}
		switch ex.op {
		case "and":
			if !truthy(left) {
				return false, nil
			}
			right, err := eval(ex.right, e)
			if err != nil {
				return nil, err
			}
			return truthy(right), nil
		case "or":
			if truthy(left) {
				return true, nil
			}
			right, err := eval(ex.right, e)
			if err != nil {
				return nil, err
			}
			return truthy(right), nil
		}
		right, err := eval(ex.right, e)
		if err != nil {
			return nil, err
		}
		switch ex.op {
		case "==":
			return looseEqual(left, right), nil
		case "!=":
			return !looseEqual(left, right), nil
		case "in":
			return contains(right, left), nil
		}
		return nil, fmt.Errorf("template: unknown operator %s", ex.op)
	case *filterExpr:
		v, err := eval(ex.inner, e)
		if err != nil {
			return nil, err
		}
		args := make([]any, len(ex.args))
		for i, a := range ex.args {
			args[i], err = eval(a, e)
			if err != nil {
				return nil, err
			}
		}
		return applyFilter(ex.name, v, args)
	}
	return nil, fmt.Errorf("template: unknown expression")
}

var titleCaser = cases.Title(language.Und)

// applyFilter dispatches the recognized filter set. Unknown filters
// fail the render.
func applyFilter(name string, v any, args []any) (any, error) {
	switch name {
	case "default":
		if len(args) != 1 {
			return nil, fmt.Errorf("template: default filter takes one argument")
		}
		if v == nil || v == "" {
			return args[0], nil
		}
		return v, nil
	case "length":
		return lengthOf(v), nil
	case "upper":
		return strings.ToUpper(stringify(v)), nil
	case "lower":
		return strings.ToLower(stringify(v)), nil
	case "title":
		return titleCaser.String(stringify(v)), nil
	case "trim":
		return strings.TrimSpace(stringify(v)), nil
	case "truncate":
		if len(args) != 1 {
			return nil, fmt.Errorf("template: truncate filter takes one argument")
		}
		n, ok := toInt(args[0])
		if !ok || n < 0 {
			return nil, fmt.Errorf("template: truncate argument must be a non-negative integer")
		}
		// Cut on runes so a multi-byte character is never split.
		runes := []rune(stringify(v))
		if len(runes) <= n {
			return string(runes), nil
		}
		return string(runes[:n]), nil
	}
	return nil, fmt.Errorf("template: unknown filter %q", name)
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		// JSON numbers decode as float64; render integral values
		// without a trailing ".0".
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return true
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	return reflect.DeepEqual(a, b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, stringify(needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range h {
			if item == stringify(needle) {
				return true
			}
		}
	case map[string]any:
		_, ok := h[stringify(needle)]
		return ok
	}
	return false
}

func asList(v any) []any {
	switch v := v.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return nil
}

func lengthOf(v any) int {
	switch v := v.(type) {
	case nil:
		return 0
	case string:
		return len(v)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	}
	return 0
}

func toInt(v any) (int, bool) {
	switch v := v.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// collectVars walks nodes gathering referenced root variable names.
// bound tracks loop variables in scope, which are not inputs.
func collectVars(nodes []node, bound map[string]bool, out map[string]bool) {
	for _, n := range nodes {
		switch n := n.(type) {
		case *outputNode:
			collectExprVars(n.expr, bound, out)
		case *ifNode:
			for _, br := range n.branches {
				if br.cond != nil {
					collectExprVars(br.cond, bound, out)
				}
				collectVars(br.body, bound, out)
			}
		case *forNode:
			collectExprVars(n.list, bound, out)
			inner := make(map[string]bool, len(bound)+1)
			for k := range bound {
				inner[k] = true
			}
			inner[n.varName] = true
			collectVars(n.body, inner, out)
		}
	}
}

func collectExprVars(ex expr, bound map[string]bool, out map[string]bool) {
	switch ex := ex.(type) {
	case *pathExpr:
		if !bound[ex.parts[0]] {
			out[ex.parts[0]] = true
		}
	case *notExpr:
		collectExprVars(ex.inner, bound, out)
	case *binaryExpr:
		collectExprVars(ex.left, bound, out)
		collectExprVars(ex.right, bound, out)
	case *filterExpr:
		collectExprVars(ex.inner, bound, out)
		for _, a := range ex.args {
			collectExprVars(a, bound, out)
		}
	}
}

// collectRequiredVars is collectVars minus variables that only ever
// appear under a default(...) filter.
func collectRequiredVars(nodes []node, bound map[string]bool, out map[string]bool) {
	for _, n := range nodes {
		switch n := n.(type) {
		case *outputNode:
			collectRequiredExprVars(n.expr, bound, out)
		case *ifNode:
			for _, br := range n.branches {
				if br.cond != nil {
					collectRequiredExprVars(br.cond, bound, out)
				}
				collectRequiredVars(br.body, bound, out)
			}
		case *forNode:
			collectRequiredExprVars(n.list, bound, out)
			inner := make(map[string]bool, len(bound)+1)
			for k := range bound {
				inner[k] = true
			}
			inner[n.varName] = true
			collectRequiredVars(n.body, inner, out)
		}
	}
}

func collectRequiredExprVars(ex expr, bound map[string]bool, out map[string]bool) {
	switch ex := ex.(type) {
	case *pathExpr:
		if !bound[ex.parts[0]] {
			out[ex.parts[0]] = true
		}
	case *notExpr:
		collectRequiredExprVars(ex.inner, bound, out)
	case *binaryExpr:
		collectRequiredExprVars(ex.left, bound, out)
		collectRequiredExprVars(ex.right, bound, out)
	case *filterExpr:
		if ex.name != "default" {
			collectRequiredExprVars(ex.inner, bound, out)
		}
		for _, a := range ex.args {
			collectRequiredExprVars(a, bound, out)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
