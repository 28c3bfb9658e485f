package einsum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/loom-ml/loom/internal/tensor"
)

// Flags recording analysis decisions.
const (
	flagPlusEquals = "plusequals" // in-place accumulate (+=)
	flagNewArray   = "newarray"   // must allocate the LHS (:=)
	flagZero       = "zero"       // must pre-zero the LHS (repeated or pinned LHS indices)
	flagNoAVX      = "noavx"      // disable the vectorized specialization
	flagNoGrad     = "nograd"     // disable the gradient specialization
)

// RangeExpr is one piece of range evidence for a loop index: either the
// axis of an array dimension transformed by the inverse of the affine
// map that produced it, or a literal user-declared range.
type RangeExpr struct {
	Array         string // "" for a literal range
	AxisNum       int
	Scale         int // divide the shifted axis by this (affine a*i+c)
	Offset        int
	ScalarOffsets []string    // resolved at bind time
	Lit           tensor.Axis // literal range when Array == ""
}

// Concrete evaluates the range against bound shapes and scalar values.
func (r RangeExpr) Concrete(shapes map[string]tensor.Shape, scalars map[string]float64) (tensor.Axis, error) {
	if r.Array == "" {
		return r.Lit, nil
	}
	shape, ok := shapes[r.Array]
	if !ok {
		return tensor.Axis{}, fmt.Errorf("array %s not bound", r.Array)
	}
	off := r.Offset
	for _, s := range r.ScalarOffsets {
		v, ok := scalars[s]
		if !ok {
			return tensor.Axis{}, fmt.Errorf("scalar %s not bound", s)
		}
		if v != float64(int(v)) {
			return tensor.Axis{}, fmt.Errorf("scalar index offset %s must be an integer, got %v", s, v)
		}
		off += int(v)
	}
	return shape.Axis(r.AxisNum).Shift(off).Scale(r.Scale), nil
}

func (r RangeExpr) String() string {
	if r.Array == "" {
		return r.Lit.String()
	}
	s := fmt.Sprintf("axis(%s,%d)", r.Array, r.AxisNum)
	if r.Offset != 0 || len(r.ScalarOffsets) > 0 {
		s = fmt.Sprintf("%s-%d%s", s, r.Offset, strings.Join(r.ScalarOffsets, "-$"))
	}
	if r.Scale != 1 {
		s = fmt.Sprintf("(%s)/%d", s, r.Scale)
	}
	return s
}

// PairConstraint records an entangled pair: indices I and J appear
// additively in one position of Array's axis AxisNum, so neither range
// is determinable alone.
type PairConstraint struct {
	I, J    string
	Array   string
	AxisNum int
	Offset  int
}

type axisMode int

const (
	axisAgree     axisMode = iota // unshifted: candidates must agree at runtime
	axisIntersect                 // shifted: intersection of candidate ranges
	axisDerived                   // entangled complement of a resolved partner
)

func (m axisMode) String() string {
	switch m {
	case axisAgree:
		return "agree"
	case axisIntersect:
		return "intersect"
	case axisDerived:
		return "derived"
	default:
		return "?"
	}
}

// AxisDef is one resolved binding axis_i := range, the output of
// constraint solving. Defs are evaluated in order at bind time; a
// derived def reads its partner's already-resolved range.
type AxisDef struct {
	Index      string
	Mode       axisMode
	Candidates []RangeExpr    // agree / intersect
	Pair       PairConstraint // derived
	Partner    string         // derived
}

// RankCheck is a preamble assertion: the named array must have this rank.
type RankCheck struct {
	Array string
	Rank  int
}

// Store is the mutable bag of analysis results accumulated across the
// compile phases. Field population follows phase order: the option
// parser and expression analyzer fill everything above AxisDefs, the
// constraint solver appends AxisDefs, and synthesis only reads.
type Store struct {
	Flags map[string]bool

	LeftRaw    []Affine // LHS index expressions exactly as written
	LeftInd    []string // free index symbols, first-appearance order
	LeftArray  string   // LHS array name (or generated placeholder)
	LeftScalar string   // set when the LHS is a bare symbol
	LeftNames  []string // named-axis labels ("" where unnamed)

	Right      *Expr
	RightOuter *Expr    // reduction-invariant summands, added at write-back
	RightInd   []string // every index on the RHS, first-appearance order
	RedInd     []string // RightInd \ LeftInd
	SharedInd  []string // intersection of per-array index sets
	Arrays     []string
	Scalars    []string

	ShiftedInd      map[string]bool
	Constraints     map[string][]RangeExpr
	PairConstraints []PairConstraint
	AxisDefs        []AxisDef

	RedFun string // reduction operator, default "+"
	Cost   int    // heuristic cost per RHS evaluation

	Checks []RankCheck
}

func newStore() *Store {
	return &Store{
		Flags:       make(map[string]bool),
		ShiftedInd:  make(map[string]bool),
		Constraints: make(map[string][]RangeExpr),
		RedFun:      "+",
		Cost:        1,
	}
}

// Canonical renders the store deterministically; it is the input of the
// fingerprint and the body of the verbose dump.
func (st *Store) Canonical() string {
	var b strings.Builder
	flags := maps.Keys(st.Flags)
	sort.Strings(flags)
	fmt.Fprintf(&b, "flags: %s\n", strings.Join(flags, " "))
	raw := make([]string, len(st.LeftRaw))
	for i, a := range st.LeftRaw {
		raw[i] = a.String()
	}
	fmt.Fprintf(&b, "left: %s[%s] scalar=%q names=%v\n", st.LeftArray, strings.Join(raw, ","), st.LeftScalar, st.LeftNames)
	fmt.Fprintf(&b, "leftind: %v\nrightind: %v\nredind: %v\nsharedind: %v\n",
		st.LeftInd, st.RightInd, st.RedInd, st.SharedInd)
	fmt.Fprintf(&b, "arrays: %v\nscalars: %v\n", st.Arrays, st.Scalars)
	if st.Right != nil {
		fmt.Fprintf(&b, "right: %s\n", st.Right.String())
	}
	if st.RightOuter != nil {
		fmt.Fprintf(&b, "rightouter: %s\n", st.RightOuter.String())
	}
	shifted := maps.Keys(st.ShiftedInd)
	sort.Strings(shifted)
	fmt.Fprintf(&b, "shifted: %v\n", shifted)
	idxs := maps.Keys(st.Constraints)
	sort.Strings(idxs)
	for _, i := range idxs {
		cands := make([]string, len(st.Constraints[i]))
		for k, c := range st.Constraints[i] {
			cands[k] = c.String()
		}
		fmt.Fprintf(&b, "constraint %s: %s\n", i, strings.Join(cands, " | "))
	}
	for _, p := range st.PairConstraints {
		fmt.Fprintf(&b, "pair: (%s,%s) in axis(%s,%d)\n", p.I, p.J, p.Array, p.AxisNum)
	}
	for _, d := range st.AxisDefs {
		cands := make([]string, len(d.Candidates))
		for k, c := range d.Candidates {
			cands[k] = c.String()
		}
		fmt.Fprintf(&b, "axis_%s := %s(%s)\n", d.Index, d.Mode, strings.Join(cands, " | "))
	}
	fmt.Fprintf(&b, "redfun: %s\ncost: %d\n", st.RedFun, st.Cost)
	for _, c := range st.Checks {
		fmt.Fprintf(&b, "check: rank(%s) == %d\n", c.Array, c.Rank)
	}
	return b.String()
}

// Fingerprint is a stable hash of the canonicalized store, keying the
// process-wide program registry.
func (st *Store) Fingerprint() string {
	sum := sha256.Sum256([]byte(st.Canonical()))
	return hex.EncodeToString(sum[:16])
}

// indexSlots assigns a slot number to every loop index, free first then
// reduction, both in first-appearance order.
func (st *Store) indexSlots() map[string]int {
	slots := make(map[string]int, len(st.LeftInd)+len(st.RedInd))
	for _, i := range st.LeftInd {
		slots[i] = len(slots)
	}
	for _, i := range st.RedInd {
		if _, ok := slots[i]; !ok {
			slots[i] = len(slots)
		}
	}
	return slots
}
