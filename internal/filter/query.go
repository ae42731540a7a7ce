// Package filter turns the generic realtime search query DSL into MongoDB
// filter documents.
//
// A query is a nested JSON array. A node whose first element is a string is a
// leaf made of [field, operator, value] triples; any other node is a group of
// child nodes:
//
//	["age", "ge", 30]                              age >= 30
//	["a", "eq", 1, "b", "eq", 2]                   a == 1 OR b == 2
//	[["a", "eq", 1], ["b", "eq", 2]]               a == 1 AND b == 2
//
// Compilation produces an explicit Expr tree (AND/OR combinators over clauses)
// which is then rendered as a bson.M filter.
package filter

import (
	"encoding/json"
	"fmt"

	searcherr "github.com/kartikbazzad/bunbase/bunsearch/internal/errors"
)

// maxDepth bounds the nesting of groups.
const maxDepth = 32

// Operator is a DSL comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpMatch    Operator = "match"
	OpGt       Operator = "gt"
	OpGe       Operator = "ge"
	OpLt       Operator = "lt"
	OpLe       Operator = "le"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpMatch, OpGt, OpGe, OpLt, OpLe, OpIn, OpContains:
		return true
	}
	return false
}

// Query is a registration request: the table to search and the condition,
// kept as raw JSON until it is compiled.
type Query struct {
	Table string          `json:"table"`
	Query json.RawMessage `json:"query"`
}

// Triple is one [field, operator, value] comparison.
type Triple struct {
	Field string
	Op    Operator
	Value any
}

// Condition is either a Leaf or a Group.
type Condition interface {
	condition()
}

// Leaf holds one or more triples. More than one triple is an OR run.
type Leaf struct {
	Triples []Triple
}

// Group combines its children with AND.
type Group struct {
	Children []Condition
}

func (Leaf) condition()  {}
func (Group) condition() {}

// Parse decodes a DSL condition.
func Parse(raw []byte) (Condition, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, searcherr.Compile("filter.Parse", fmt.Errorf("%w: %v", searcherr.ErrInvalidCondition, err))
	}
	c, err := parseNode(v, 0)
	if err != nil {
		return nil, searcherr.Compile("filter.Parse", err)
	}
	return c, nil
}

func parseNode(v any, depth int) (Condition, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", searcherr.ErrInvalidCondition, maxDepth)
	}
	node, ok := v.([]any)
	if !ok || len(node) == 0 {
		return nil, fmt.Errorf("%w: expected a non-empty array, got %s", searcherr.ErrInvalidCondition, describe(v))
	}

	if _, isLeaf := node[0].(string); isLeaf {
		return parseLeaf(node)
	}

	group := Group{Children: make([]Condition, 0, len(node))}
	for _, child := range node {
		c, err := parseNode(child, depth+1)
		if err != nil {
			return nil, err
		}
		group.Children = append(group.Children, c)
	}
	return group, nil
}

func parseLeaf(node []any) (Condition, error) {
	if len(node)%3 != 0 {
		return nil, fmt.Errorf("%w: leaf of length %d is not made of [field, operator, value] triples", searcherr.ErrInvalidCondition, len(node))
	}
	leaf := Leaf{Triples: make([]Triple, 0, len(node)/3)}
	for i := 0; i < len(node); i += 3 {
		field, ok := node[i].(string)
		if !ok || field == "" {
			return nil, fmt.Errorf("%w: field at position %d must be a non-empty string", searcherr.ErrInvalidCondition, i)
		}
		op, ok := node[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: operator for %q must be a string", searcherr.ErrInvalidCondition, field)
		}
		if !Operator(op).Valid() {
			return nil, fmt.Errorf("%w %q for field %q", searcherr.ErrUnknownOperator, op, field)
		}
		leaf.Triples = append(leaf.Triples, Triple{Field: field, Op: Operator(op), Value: node[i+2]})
	}
	return leaf, nil
}

func describe(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case []any:
		return "empty array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", x)
	}
}
