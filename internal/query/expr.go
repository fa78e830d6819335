package query

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator compares an element attribute against an expression value.
type Operator string

const (
	OpEqual         Operator = "="
	OpNotEqual      Operator = "!="
	OpGreater       Operator = ">"
	OpLess          Operator = "<"
	OpGreaterEqual  Operator = ">="
	OpLessEqual     Operator = "<="
	OpContains      Operator = "*="
	OpNotContains   Operator = "!*="
	OpStartsWith    Operator = "^="
	OpNotStartsWith Operator = "!^="
	OpEndsWith      Operator = "$="
	OpNotEndsWith   Operator = "!$="
	OpTruthy        Operator = "truthy"
	OpFalsy         Operator = "falsy"
)

var (
	ErrEmptyExpr       = errors.New("empty expression")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrInvalidExpr     = errors.New("invalid expression")
)

// textual operators, longest first so prefixes never shadow longer forms.
var parseOrder = []Operator{
	OpNotContains, OpNotStartsWith, OpNotEndsWith,
	OpNotEqual, OpGreaterEqual, OpLessEqual,
	OpContains, OpStartsWith, OpEndsWith,
	OpEqual, OpGreater, OpLess,
}

// Expr is a single predicate over one attribute. A zero Operator means equality.
type Expr struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator,omitempty"`
	Value     any      `json:"value,omitempty"`
}

// Known reports whether op is one of the supported operators.
func (op Operator) Known() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual,
		OpContains, OpNotContains, OpStartsWith, OpNotStartsWith, OpEndsWith, OpNotEndsWith,
		OpTruthy, OpFalsy:
		return true
	}
	return false
}

// normalize is the single place where unknown operators are mapped to equality.
func (op Operator) normalize() Operator {
	if op.Known() {
		return op
	}
	return OpEqual
}

// ParseOperator returns the operator named by s or ErrUnknownOperator.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.TrimSpace(s))
	if op == "" {
		return OpEqual, nil
	}
	if !op.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
	}
	return op, nil
}

// Validate reports problems that matching would silently tolerate.
func (e Expr) Validate() error {
	if strings.TrimSpace(e.Attribute) == "" {
		return fmt.Errorf("%w: missing attribute", ErrInvalidExpr)
	}
	if e.Operator != "" && !e.Operator.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, e.Operator)
	}
	return nil
}

func (e Expr) String() string {
	switch op := e.Operator.normalize(); op {
	case OpTruthy:
		return e.Attribute
	case OpFalsy:
		return "!" + e.Attribute
	default:
		value := text(e.Value)
		if _, isString := e.Value.(string); isString {
			value = strconv.Quote(value)
		}
		return e.Attribute + " " + string(op) + " " + value
	}
}

// Parse reads the textual form used by find/hide filters:
//
//	attr op value
//	attr        (truthy)
//	!attr       (falsy)
//
// Unquoted numeric values become numbers and true/false become booleans.
func Parse(s string) (Expr, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Expr{}, ErrEmptyExpr
	}

	i := strings.IndexAny(trimmed, "=!<>*$^")
	switch {
	case i > 0:
		attr := strings.TrimSpace(trimmed[:i])
		rest := trimmed[i:]
		for _, op := range parseOrder {
			if strings.HasPrefix(rest, string(op)) {
				return Expr{Attribute: attr, Operator: op, Value: parseValue(rest[len(op):])}, nil
			}
		}
		return Expr{}, fmt.Errorf("%w: %q", ErrInvalidExpr, s)
	case i == 0 && trimmed[0] == '!':
		attr := strings.TrimSpace(trimmed[1:])
		if attr == "" || strings.ContainsAny(attr, "=!<>*$^ ") {
			return Expr{}, fmt.Errorf("%w: %q", ErrInvalidExpr, s)
		}
		return Expr{Attribute: attr, Operator: OpFalsy}, nil
	case i == 0:
		return Expr{}, fmt.Errorf("%w: %q", ErrInvalidExpr, s)
	}

	if strings.ContainsRune(trimmed, ' ') {
		return Expr{}, fmt.Errorf("%w: %q", ErrInvalidExpr, s)
	}
	return Expr{Attribute: trimmed, Operator: OpTruthy}, nil
}

// ParseAll parses every clause of a disjunction of conjunctions.
func ParseAll(clauses [][]string) ([][]Expr, error) {
	out := make([][]Expr, 0, len(clauses))
	for _, clause := range clauses {
		exprs := make([]Expr, 0, len(clause))
		for _, raw := range clause {
			expr, err := Parse(raw)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, expr)
		}
		out = append(out, exprs)
	}
	return out, nil
}

var (
	orSeparator  = regexp.MustCompile(`(?i)\s+or\s+`)
	andSeparator = regexp.MustCompile(`(?i)\s+and\s+`)
)

// ParseFilter reads a whole find/hide filter such as
// "namespace = shop AND rank > 2 OR isIdle". AND binds tighter than OR.
// An empty filter yields no clauses.
func ParseFilter(s string) ([][]Expr, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var clauses [][]string
	for _, clause := range splitUnquoted(strings.TrimSpace(s), orSeparator) {
		clauses = append(clauses, splitUnquoted(clause, andSeparator))
	}
	return ParseAll(clauses)
}

// splitUnquoted splits s around sep, ignoring separators inside quoted values.
func splitUnquoted(s string, sep *regexp.Regexp) []string {
	var parts []string
	start := 0
	for _, m := range sep.FindAllStringIndex(s, -1) {
		if m[0] < start || quotedAt(s, m[0]) {
			continue
		}
		parts = append(parts, s[start:m[0]])
		start = m[1]
	}
	return append(parts, s[start:])
}

// quotedAt reports whether position pos of s falls inside a quoted value.
func quotedAt(s string, pos int) bool {
	var quote byte
	for i := 0; i < pos; i++ {
		c := s[i]
		switch {
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case quote == '"' && c == '\\':
			i++
		case c == quote:
			quote = 0
		}
	}
	return quote != 0
}

func parseValue(raw string) any {
	v := strings.TrimSpace(raw)
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		if v[0] == '"' {
			if unquoted, err := strconv.Unquote(v); err == nil {
				return unquoted
			}
		}
		return v[1 : len(v)-1]
	}
	if v != "" && strings.ContainsRune("0123456789-+.", rune(v[0])) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}
