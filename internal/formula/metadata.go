package formula

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// Dependencies is the manifest produced by static expression scanning:
// record fields read by the expression, dotted lookup chains traversing
// relationships, and referenced system variables. The scan is heuristic
// identifier analysis; expressions using dynamic property access may be
// over- or under-reported, and callers must tolerate approximate results.
type Dependencies struct {
	Fields     []string
	Lookups    []string
	SystemVars []string
}

// ExtractDependencies statically scans an expression without running it.
func (e *Engine) ExtractDependencies(expression string) (*Dependencies, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse formula: %w", err)
	}

	v := &depVisitor{
		idents:  make(map[string]bool),
		lookups: make(map[string]bool),
		callees: make(map[string]bool),
	}
	ast.Walk(&tree.Node, v)

	system := make(map[string]bool, len(SystemVars))
	for _, s := range SystemVars {
		system[s] = true
	}
	e.mu.RLock()
	for name := range e.funcs {
		v.callees[name] = true
	}
	e.mu.RUnlock()

	deps := &Dependencies{}
	for name := range v.idents {
		switch {
		case v.callees[name]:
		case system[name]:
			deps.SystemVars = append(deps.SystemVars, name)
		default:
			deps.Fields = append(deps.Fields, name)
		}
	}
	for chain := range v.lookups {
		deps.Lookups = append(deps.Lookups, chain)
	}
	sort.Strings(deps.Fields)
	sort.Strings(deps.Lookups)
	sort.Strings(deps.SystemVars)
	return deps, nil
}

type depVisitor struct {
	idents  map[string]bool
	lookups map[string]bool
	callees map[string]bool
}

func (v *depVisitor) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		v.idents[n.Value] = true
	case *ast.MemberNode:
		if chain, ok := memberChain(n); ok {
			v.lookups[chain] = true
		}
	case *ast.CallNode:
		if ident, ok := n.Callee.(*ast.IdentifierNode); ok {
			v.callees[ident.Value] = true
		}
	}
}

// memberChain flattens owner.company.name into a dotted path. Dynamic
// properties (record[key]) break the chain and are skipped.
func memberChain(n *ast.MemberNode) (string, bool) {
	prop, ok := n.Property.(*ast.StringNode)
	if !ok {
		return "", false
	}
	switch base := n.Node.(type) {
	case *ast.IdentifierNode:
		return base.Value + "." + prop.Value, true
	case *ast.MemberNode:
		parent, ok := memberChain(base)
		if !ok {
			return "", false
		}
		return parent + "." + prop.Value, true
	default:
		return "", false
	}
}
