// Package rego implements a minimal boolean-expression evaluator over a
// decoded transaction's JSON representation, standing in for the
// rego-expression term of spec.md §4.6. No repository in the retrieved
// example corpus imports a rego/OPA client (see DESIGN.md); rather than
// introduce a third-party dependency with zero corpus precedent, the
// comparator/boolean grammar spec.md §4.6 actually needs is implemented
// directly: equality, numeric comparison, membership, dotted field
// paths, and the &&/||/! combinators.
package rego

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a parsed boolean expression. Source grammar (left to right
// precedence, lowest first):
//
//	expr       := or
//	or         := and ( '||' and )*
//	and        := not ( '&&' not )*
//	not        := '!' not | cmp
//	cmp        := path ('==' | '!=' | '<' | '<=' | '>' | '>=' | 'in') value | '(' expr ')'
//	path       := dotted.field.path
//	value      := number | "quoted string" | '[' "a", "b" ']'
type Expr struct {
	root node
}

// Parse compiles a rego-expression source string into an Expr.
func Parse(source string) (*Expr, error) {
	p := &parser{tokens: tokenize(source)}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected trailing input at token %d", p.pos)
	}
	return &Expr{root: n}, nil
}

// Eval evaluates the expression against a decoded transaction (as a
// nested map[string]interface{}), returning the boolean output the
// rule-name is bound to (spec.md §4.6 "Boolean output of named rule").
func (e *Expr) Eval(doc map[string]interface{}) (bool, error) {
	return e.root.eval(doc)
}

type node interface {
	eval(doc map[string]interface{}) (bool, error)
}

type orNode struct{ lhs, rhs node }

func (n *orNode) eval(doc map[string]interface{}) (bool, error) {
	l, err := n.lhs.eval(doc)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.rhs.eval(doc)
}

type andNode struct{ lhs, rhs node }

func (n *andNode) eval(doc map[string]interface{}) (bool, error) {
	l, err := n.lhs.eval(doc)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return n.rhs.eval(doc)
}

type notNode struct{ inner node }

func (n *notNode) eval(doc map[string]interface{}) (bool, error) {
	v, err := n.inner.eval(doc)
	return !v, err
}

type cmpNode struct {
	path string
	op   string
	vals []string // single value, except for "in" which may have several
}

func (n *cmpNode) eval(doc map[string]interface{}) (bool, error) {
	actual, ok := lookupPath(doc, n.path)

	switch n.op {
	case "in":
		if !ok {
			return false, nil
		}
		s := fmt.Sprintf("%v", actual)
		for _, v := range n.vals {
			if s == v {
				return true, nil
			}
		}
		return false, nil
	case "==":
		if !ok {
			return false, nil
		}
		return fmt.Sprintf("%v", actual) == n.vals[0], nil
	case "!=":
		if !ok {
			return true, nil
		}
		return fmt.Sprintf("%v", actual) != n.vals[0], nil
	case "<", "<=", ">", ">=":
		if !ok {
			return false, nil
		}
		af, aok := toFloat(actual)
		bf, err := strconv.ParseFloat(n.vals[0], 64)
		if !aok || err != nil {
			return false, fmt.Errorf("rego: non-numeric comparison at path %q", n.path)
		}
		switch n.op {
		case "<":
			return af < bf, nil
		case "<=":
			return af <= bf, nil
		case ">":
			return af > bf, nil
		default:
			return af >= bf, nil
		}
	default:
		return false, fmt.Errorf("rego: unknown operator %q", n.op)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func lookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
