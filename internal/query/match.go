// Package query evaluates attribute predicates over graph elements.
package query

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Element exposes named attributes to the query engine.
type Element interface {
	Attr(name string) (any, bool)
}

// Match returns the elements satisfying expr, in input order.
func Match[E Element](elements []E, expr Expr) []E {
	out := make([]E, 0, len(elements))
	for _, el := range elements {
		if expr.Eval(el) {
			out = append(out, el)
		}
	}
	return out
}

// MatchAll returns the elements satisfying every expression. An empty
// conjunction matches everything.
func MatchAll[E Element](elements []E, exprs []Expr) []E {
	out := make([]E, 0, len(elements))
	for _, el := range elements {
		if evalAll(el, exprs) {
			out = append(out, el)
		}
	}
	return out
}

// MatchAny returns the union of MatchAll over each clause, deduplicated by
// element identity and ordered by first appearance. No clauses match nothing.
func MatchAny[E interface {
	comparable
	Element
}](elements []E, clauses [][]Expr) []E {
	if len(clauses) == 0 {
		return []E{}
	}
	seen := make(map[E]struct{}, len(elements))
	out := make([]E, 0, len(elements))
	for _, clause := range clauses {
		for _, el := range MatchAll(elements, clause) {
			if _, dup := seen[el]; dup {
				continue
			}
			seen[el] = struct{}{}
			out = append(out, el)
		}
	}
	return out
}

func evalAll(el Element, exprs []Expr) bool {
	for _, expr := range exprs {
		if !expr.Eval(el) {
			return false
		}
	}
	return true
}

// Eval reports whether el satisfies the expression.
func (e Expr) Eval(el Element) bool {
	attr, present := el.Attr(e.Attribute)
	if !present {
		attr = nil
	}

	switch e.Operator.normalize() {
	case OpTruthy:
		return present && truthy(attr)
	case OpFalsy:
		return !present || !truthy(attr)
	case OpNotEqual:
		return !equal(attr, e.Value)
	case OpGreater:
		c, ok := compare(attr, present, e.Value)
		return ok && c > 0
	case OpLess:
		c, ok := compare(attr, present, e.Value)
		return ok && c < 0
	case OpGreaterEqual:
		c, ok := compare(attr, present, e.Value)
		return ok && c >= 0
	case OpLessEqual:
		c, ok := compare(attr, present, e.Value)
		return ok && c <= 0
	case OpContains:
		return strings.Contains(text(attr), text(e.Value))
	case OpNotContains:
		return !strings.Contains(text(attr), text(e.Value))
	case OpStartsWith:
		return strings.HasPrefix(text(attr), text(e.Value))
	case OpNotStartsWith:
		return !strings.HasPrefix(text(attr), text(e.Value))
	case OpEndsWith:
		return strings.HasSuffix(text(attr), text(e.Value))
	case OpNotEndsWith:
		return !strings.HasSuffix(text(attr), text(e.Value))
	default:
		return equal(attr, e.Value)
	}
}

func equal(attr, value any) bool {
	af, aNum := number(attr)
	vf, vNum := number(value)
	if aNum && vNum {
		return af == vf
	}
	ab, aBool := attr.(bool)
	vb, vBool := value.(bool)
	if aBool && vBool {
		return ab == vb
	}
	return text(attr) == text(value)
}

// compare orders numbers numerically and strings lexicographically. Missing
// attributes and mismatched kinds are not comparable.
func compare(attr any, present bool, value any) (int, bool) {
	if !present {
		return 0, false
	}
	af, aNum := number(attr)
	vf, vNum := number(value)
	if aNum && vNum {
		if math.IsNaN(af) || math.IsNaN(vf) {
			return 0, false
		}
		switch {
		case af < vf:
			return -1, true
		case af > vf:
			return 1, true
		}
		return 0, true
	}
	as, aStr := attr.(string)
	vs, vStr := value.(string)
	if aStr && vStr {
		return strings.Compare(as, vs), true
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	if f, ok := number(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// text is the canonical string form used by string operators.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	}
	if f, ok := number(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
