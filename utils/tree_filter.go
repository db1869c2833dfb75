package utils

import (
	"fmt"
	"strings"

	goeval "github.com/edisonguo/govaluate"
	"github.com/nci/treespec/processor"
)

// TreeFilter selects trees by a boolean expression over their attributes,
// e.g. `dbh > 10 && species == 'oak'`.
type TreeFilter struct {
	expr *goeval.EvaluableExpression
	vars []string
}

// ParseTreeFilter compiles the expression. An empty expression yields a
// nil filter that keeps every tree.
func ParseTreeFilter(expression string) (*TreeFilter, error) {
	if len(strings.TrimSpace(expression)) == 0 {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %v", expression, err)
	}

	f := &TreeFilter{expr: expr}
	seen := make(map[string]bool)
	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
			}
			if !seen[varName] {
				seen[varName] = true
				f.vars = append(f.vars, varName)
			}
		}
	}
	return f, nil
}

// Validate checks that every variable of the expression is an attribute
// column of the table.
func (f *TreeFilter) Validate(columns []string) error {
	valid := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		valid[c] = struct{}{}
	}
	for _, v := range f.vars {
		if _, found := valid[v]; !found {
			return fmt.Errorf("filter variable %v is not a tree attribute. Valid variables are %v", v, columns)
		}
	}
	return nil
}

// Match evaluates the filter for one tree. Trees lacking any of the
// variables do not match.
func (f *TreeFilter) Match(tree *processor.TreeRecord) (bool, error) {
	parameters := make(map[string]interface{}, len(f.vars))
	for _, v := range f.vars {
		val, ok := tree.Attributes[v]
		if !ok || val == nil {
			return false, nil
		}
		parameters[v] = val
	}

	result, err := f.expr.Evaluate(parameters)
	if err != nil {
		return false, fmt.Errorf("tree %s: filter: %v", tree.TreeID, err)
	}
	match, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("tree %s: filter evaluated to %v, expecting a boolean", tree.TreeID, result)
	}
	return match, nil
}

// Apply returns the matching trees in input order and the number of
// trees filtered out.
func (f *TreeFilter) Apply(trees []*processor.TreeRecord) ([]*processor.TreeRecord, int, error) {
	if f == nil {
		return trees, 0, nil
	}
	kept := make([]*processor.TreeRecord, 0, len(trees))
	for _, t := range trees {
		ok, err := f.Match(t)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			kept = append(kept, t)
		}
	}
	return kept, len(trees) - len(kept), nil
}
