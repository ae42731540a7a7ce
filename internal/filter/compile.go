package filter

import (
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	searcherr "github.com/kartikbazzad/bunbase/bunsearch/internal/errors"
)

// caseInsensitive is the prefix that turns a match into a case-insensitive one.
const caseInsensitive = "(?i)"

// Combinator joins the members of an Expr.
type Combinator int

const (
	And Combinator = iota
	Or
)

func (c Combinator) String() string {
	if c == Or {
		return "$or"
	}
	return "$and"
}

// Clause is a single native comparison on one field.
type Clause struct {
	Field string
	Op    string // native operator, e.g. $gte
	Value any
}

// Doc renders the clause as {field: {op: value}}.
func (c Clause) Doc() bson.M {
	return bson.M{c.Field: bson.M{c.Op: c.Value}}
}

// Expr is a compiled condition: Combinator applied over Clauses then Children.
type Expr struct {
	Combinator Combinator
	Clauses    []Clause
	Children   []*Expr
}

// Len is the number of direct members.
func (e *Expr) Len() int {
	return len(e.Clauses) + len(e.Children)
}

// Compile translates a parsed condition into an Expr.
func Compile(c Condition) (*Expr, error) {
	e, err := compile(c)
	if err != nil {
		return nil, searcherr.Compile("filter.Compile", err)
	}
	return e, nil
}

// CompileJSON parses and compiles a raw DSL condition.
func CompileJSON(raw []byte) (*Expr, error) {
	c, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Compile(c)
}

func compile(c Condition) (*Expr, error) {
	switch n := c.(type) {
	case Leaf:
		if len(n.Triples) == 0 {
			return nil, fmt.Errorf("%w: empty leaf", searcherr.ErrInvalidCondition)
		}
		e := &Expr{Combinator: And}
		if len(n.Triples) > 1 {
			e.Combinator = Or
		}
		for _, t := range n.Triples {
			clause, err := compileTriple(t)
			if err != nil {
				return nil, err
			}
			e.Clauses = append(e.Clauses, clause)
		}
		return e, nil

	case Group:
		e := &Expr{Combinator: And}
		for _, child := range n.Children {
			ce, err := compile(child)
			if err != nil {
				return nil, err
			}
			// AND children fold into the accumulator; OR runs stay nested.
			if ce.Combinator == And {
				e.Clauses = append(e.Clauses, ce.Clauses...)
				e.Children = append(e.Children, ce.Children...)
			} else {
				e.Children = append(e.Children, ce)
			}
		}
		return e, nil

	default:
		return nil, fmt.Errorf("%w: unsupported node %T", searcherr.ErrInvalidCondition, c)
	}
}

func compileTriple(t Triple) (Clause, error) {
	value := Coerce(t.Value)
	clause := Clause{Field: t.Field, Value: value}

	switch t.Op {
	case OpEq:
		clause.Op = "$eq"
	case OpNe:
		clause.Op = "$ne"
	case OpGt:
		clause.Op = "$gt"
	case OpGe:
		clause.Op = "$gte"
	case OpLt:
		clause.Op = "$lt"
	case OpLe:
		clause.Op = "$lte"
	case OpIn:
		list, ok := t.Value.([]any)
		if !ok {
			return Clause{}, fmt.Errorf("%w: operator in for %q requires an array", searcherr.ErrInvalidCondition, t.Field)
		}
		values := make(bson.A, 0, len(list))
		for _, v := range list {
			values = append(values, Coerce(v))
		}
		clause.Op = "$in"
		clause.Value = values
	case OpMatch, OpContains:
		// An identifier can only ever match itself.
		if oid, ok := value.(primitive.ObjectID); ok {
			clause.Op = "$eq"
			clause.Value = oid
			return clause, nil
		}
		s, ok := value.(string)
		if !ok {
			if t.Op == OpMatch {
				return Clause{}, fmt.Errorf("%w: operator match for %q requires a string", searcherr.ErrInvalidCondition, t.Field)
			}
			s = fmt.Sprint(value)
		}
		clause.Op = "$regex"
		if t.Op == OpContains {
			clause.Value = primitive.Regex{Pattern: regexp.QuoteMeta(s)}
		} else if strings.HasPrefix(s, caseInsensitive) {
			clause.Value = primitive.Regex{Pattern: strings.TrimPrefix(s, caseInsensitive), Options: "i"}
		} else {
			clause.Value = primitive.Regex{Pattern: s}
		}
	default:
		return Clause{}, fmt.Errorf("%w %q for field %q", searcherr.ErrUnknownOperator, t.Op, t.Field)
	}
	return clause, nil
}

// Native renders the expression as a MongoDB filter document.
func (e *Expr) Native() bson.M {
	parts := make([]bson.M, 0, e.Len())
	for _, c := range e.Clauses {
		parts = append(parts, c.Doc())
	}
	for _, child := range e.Children {
		parts = append(parts, child.Native())
	}

	switch len(parts) {
	case 0:
		return bson.M{}
	case 1:
		return parts[0]
	}
	members := make(bson.A, 0, len(parts))
	for _, p := range parts {
		members = append(members, p)
	}
	return bson.M{e.Combinator.String(): members}
}
