// Package einsum analyzes tensor contraction equations and synthesizes
// the loop nests that evaluate them.
package einsum

import (
	"fmt"
	"strings"
)

type exprKind int

const (
	exprLit    exprKind = iota // numeric literal
	exprScalar                 // lifted scalar reference
	exprArray                  // indexed array reference
	exprUnary                  // -x
	exprBinary                 // x op y
	exprCall                   // f(x, ...)
	exprIndex                  // a loop index used as a value
)

// Expr is a node of the canonicalized right-hand side.
type Expr struct {
	Kind exprKind

	// exprLit
	FloatVal float64
	IntVal   int64
	IsInt    bool

	// exprScalar: scalar name; exprArray: array name; exprCall: function name
	Name string

	// exprUnary, exprBinary: operator token ("-", "+", "*", "/", "^",
	// "<", "<=", ">", ">=", "==", "!=")
	Op string

	Args  []*Expr
	Index []Affine // exprArray only, one entry per axis
}

// AffineTerm is one scale*index product inside an affine index expression.
type AffineTerm struct {
	Index string
	Scale int
}

// Affine is the decomposition of a single index position: the sum of at
// most two scaled index symbols, an integer offset, lifted scalar
// offsets resolved at bind time, and optionally a nested gather
// expression in place of any affine content.
type Affine struct {
	Terms         []AffineTerm
	Offset        int
	ScalarOffsets []string
	Gather        *Expr // non-nil for A[B[i]]-style positions
}

// Bare reports whether the position is a single unscaled, unshifted index.
func (a Affine) Bare() bool {
	return a.Gather == nil && len(a.Terms) == 1 &&
		a.Terms[0].Scale == 1 && a.Offset == 0 && len(a.ScalarOffsets) == 0
}

// Constant reports whether the position pins a literal value.
func (a Affine) Constant() bool {
	return a.Gather == nil && len(a.Terms) == 0 && len(a.ScalarOffsets) == 0
}

// String renders the position in source-like notation.
func (a Affine) String() string {
	if a.Gather != nil {
		return a.Gather.String()
	}
	var parts []string
	for _, t := range a.Terms {
		if t.Scale == 1 {
			parts = append(parts, t.Index)
		} else {
			parts = append(parts, fmt.Sprintf("%d*%s", t.Scale, t.Index))
		}
	}
	for _, s := range a.ScalarOffsets {
		parts = append(parts, "$"+s)
	}
	if a.Offset != 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d", a.Offset))
	}
	return strings.Join(parts, "+")
}

// String renders the expression in source-like notation; used by the
// verbose dump and by the fingerprint, so it must be deterministic.
func (e *Expr) String() string {
	switch e.Kind {
	case exprLit:
		if e.IsInt {
			return fmt.Sprintf("%d", e.IntVal)
		}
		return fmt.Sprintf("%g", e.FloatVal)
	case exprScalar:
		return "$" + e.Name
	case exprIndex:
		return e.Name
	case exprArray:
		idx := make([]string, len(e.Index))
		for i, a := range e.Index {
			idx[i] = a.String()
		}
		return e.Name + "[" + strings.Join(idx, ",") + "]"
	case exprUnary:
		return "(" + e.Op + e.Args[0].String() + ")"
	case exprBinary:
		return "(" + e.Args[0].String() + " " + e.Op + " " + e.Args[1].String() + ")"
	case exprCall:
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = a.String()
		}
		return e.Name + "(" + strings.Join(args, ", ") + ")"
	default:
		return "?"
	}
}

// indexKey is the canonical form of an array appearance's index tuple,
// used to group gradient kernels per (array, appearance).
func indexKey(index []Affine) string {
	parts := make([]string, len(index))
	for i, a := range index {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

func affineEqual(a, b []Affine) bool {
	return indexKey(a) == indexKey(b)
}

// walk visits e and every subexpression in evaluation order.
func (e *Expr) walk(visit func(*Expr)) {
	visit(e)
	for _, a := range e.Args {
		a.walk(visit)
	}
	if e.Kind == exprArray {
		for _, idx := range e.Index {
			if idx.Gather != nil {
				idx.Gather.walk(visit)
			}
		}
	}
}

func lit(v float64) *Expr  { return &Expr{Kind: exprLit, FloatVal: v} }
func intLit(v int64) *Expr { return &Expr{Kind: exprLit, IntVal: v, IsInt: true, FloatVal: float64(v)} }
func binary(op string, a, b *Expr) *Expr {
	return &Expr{Kind: exprBinary, Op: op, Args: []*Expr{a, b}}
}
func call(name string, args ...*Expr) *Expr {
	return &Expr{Kind: exprCall, Name: name, Args: args}
}
