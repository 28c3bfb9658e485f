package einsum

import (
	"fmt"
	"go/ast"
	"go/token"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Operator costs feeding the threading threshold heuristic.
const (
	costAdd  = 1
	costMul  = 2
	costDiv  = 8
	costCall = 30
)

// Analyze parses and classifies an equation, returning the populated
// store. Phases run in strict order: LHS classification, RHS
// canonicalization, index set computation, constraint collection.
func Analyze(equation string, opts Options) (*Store, error) {
	st := newStore()
	if opts.Reduce != "" {
		st.RedFun = opts.Reduce
	}

	lhsSrc, kind, rhsSrc, err := splitEquation(equation)
	if err != nil {
		return nil, err
	}
	switch kind {
	case assignCreate:
		st.Flags[flagNewArray] = true
	case assignAccumulate:
		st.Flags[flagPlusEquals] = true
	}

	lhs, err := parseLHS(lhsSrc)
	if err != nil {
		return nil, err
	}
	if err := st.classifyLHS(lhs); err != nil {
		return nil, err
	}

	node, err := parseRHS(rhsSrc)
	if err != nil {
		return nil, err
	}
	w := &walker{st: st}
	right, err := w.convert(node)
	if err != nil {
		return nil, err
	}
	st.Right = right
	st.resolveBareNames()
	st.unwrapReduction()
	if err := st.rejectNestedReductions(); err != nil {
		return nil, err
	}

	if lhs.Unnamed {
		st.LeftArray = st.freshName("Z")
	}
	if err := st.finishIndexSets(opts); err != nil {
		return nil, err
	}
	st.hoistInvariants()
	return st, nil
}

// hoistInvariants lifts array-free summands out of a sum reduction:
// `$α*A[i,j]*B[j,k] + $β` adds β once at write-back, not per reduction
// step. Only summands with no array references (and no reduction-index
// values) hoist, which keeps the gradient synthesizer blind to them.
func (st *Store) hoistInvariants() {
	if len(st.RedInd) == 0 || st.RedFun != "+" {
		return
	}
	red := make(map[string]bool, len(st.RedInd))
	for _, i := range st.RedInd {
		red[i] = true
	}
	var terms []signedTerm
	additiveTerms(st.Right, false, &terms)
	var loop, outer []signedTerm
	for _, t := range terms {
		hoistable := true
		t.e.walk(func(e *Expr) {
			if e.Kind == exprArray || (e.Kind == exprIndex && red[e.Name]) {
				hoistable = false
			}
		})
		if hoistable {
			outer = append(outer, t)
		} else {
			loop = append(loop, t)
		}
	}
	if len(outer) == 0 {
		return
	}
	st.Right = rebuildSum(loop)
	st.RightOuter = rebuildSum(outer)
}

type signedTerm struct {
	e   *Expr
	neg bool
}

func additiveTerms(e *Expr, negated bool, out *[]signedTerm) {
	switch {
	case e.Kind == exprBinary && e.Op == "+":
		additiveTerms(e.Args[0], negated, out)
		additiveTerms(e.Args[1], negated, out)
	case e.Kind == exprBinary && e.Op == "-":
		additiveTerms(e.Args[0], negated, out)
		additiveTerms(e.Args[1], !negated, out)
	case e.Kind == exprUnary && e.Op == "-":
		additiveTerms(e.Args[0], !negated, out)
	default:
		*out = append(*out, signedTerm{e: e, neg: negated})
	}
}

func rebuildSum(terms []signedTerm) *Expr {
	if len(terms) == 0 {
		return intLit(0)
	}
	var out *Expr
	for _, t := range terms {
		switch {
		case out == nil && t.neg:
			out = neg(t.e)
		case out == nil:
			out = t.e
		case t.neg:
			out = sub(out, t.e)
		default:
			out = add(out, t.e)
		}
	}
	return out
}

// classifyLHS fills the left-hand fields and the zero flag.
func (st *Store) classifyLHS(lhs parsedLHS) error {
	if lhs.Scalar != "" {
		st.LeftScalar = lhs.Scalar
		st.LeftArray = lhs.Scalar
		return nil
	}
	st.LeftArray = lhs.Array
	seen := make(map[string]bool)
	pinned := false
	for _, idx := range lhs.Index {
		var a Affine
		switch {
		case idx.Sym != "":
			a = Affine{Terms: []AffineTerm{{Index: idx.Sym, Scale: 1}}}
			if seen[idx.Sym] {
				pinned = true // repeated index writes a diagonal slice
			} else {
				seen[idx.Sym] = true
				st.LeftInd = append(st.LeftInd, idx.Sym)
			}
		case idx.IsLit:
			a = Affine{Offset: idx.Lit}
			pinned = true
		case idx.Scalar != "":
			a = Affine{ScalarOffsets: []string{idx.Scalar}}
			st.addScalar(idx.Scalar)
			pinned = true
		}
		st.LeftRaw = append(st.LeftRaw, a)
		st.LeftNames = append(st.LeftNames, idx.Name)
	}
	if pinned {
		// Not every output element is written; the kernel must start
		// from zeroed storage.
		st.Flags[flagZero] = true
	}
	allNamed := len(lhs.Index) > 0
	for _, n := range st.LeftNames {
		if n == "" {
			allNamed = false
		}
	}
	if !allNamed {
		for i := range st.LeftNames {
			st.LeftNames[i] = ""
		}
	}
	return nil
}

// walker converts the go/ast right-hand side into the canonical tree,
// collecting arrays, scalars, index evidence, flags, and cost as it
// descends.
type walker struct {
	st *Store
}

func (w *walker) convert(node ast.Expr) (*Expr, error) {
	switch n := node.(type) {
	case *ast.ParenExpr:
		return w.convert(n.X)

	case *ast.BasicLit:
		return w.literal(n)

	case *ast.Ident:
		if name, ok := strings.CutPrefix(n.Name, scalarMarker); ok {
			w.st.addScalar(name)
			return &Expr{Kind: exprScalar, Name: name}, nil
		}
		// Bare names resolve after the walk: loop indices become index
		// values, everything else becomes an implicit scalar.
		w.st.addScalar(n.Name)
		return &Expr{Kind: exprScalar, Name: n.Name}, nil

	case *ast.UnaryExpr:
		arg, err := w.convert(n.X)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.SUB:
			w.st.Cost += costAdd
			return &Expr{Kind: exprUnary, Op: "-", Args: []*Expr{arg}}, nil
		case token.ADD:
			return arg, nil
		default:
			return nil, errors.Wrapf(ErrUnsupportedEquation, "unary operator %s", n.Op)
		}

	case *ast.BinaryExpr:
		return w.binaryExpr(n)

	case *ast.CallExpr:
		return w.callExpr(n)

	case *ast.IndexExpr:
		return w.indexExpr(n.X, []ast.Expr{n.Index})

	case *ast.IndexListExpr:
		return w.indexExpr(n.X, n.Indices)

	case *ast.SelectorExpr:
		// Subfield access would trigger noavx+nograd in the source
		// system; raw tensors have no fields to project.
		return nil, errors.Wrapf(ErrUnsupportedEquation, "field access %s is not supported", n.Sel.Name)

	default:
		return nil, errors.Wrapf(ErrUnsupportedEquation, "construct %T", node)
	}
}

func (w *walker) literal(n *ast.BasicLit) (*Expr, error) {
	switch n.Kind {
	case token.INT:
		v, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedEquation, "integer literal %s", n.Value)
		}
		return intLit(v), nil
	case token.FLOAT:
		v, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedEquation, "float literal %s", n.Value)
		}
		return lit(v), nil
	case token.IMAG:
		return nil, errors.Wrapf(ErrUnsupportedEquation, "literal %s parses as imaginary; write 2*i for a scaled index", n.Value)
	default:
		return nil, errors.Wrapf(ErrUnsupportedEquation, "literal %s", n.Value)
	}
}

func (w *walker) binaryExpr(n *ast.BinaryExpr) (*Expr, error) {
	a, err := w.convert(n.X)
	if err != nil {
		return nil, err
	}
	b, err := w.convert(n.Y)
	if err != nil {
		return nil, err
	}
	var op string
	switch n.Op {
	case token.ADD:
		op, w.st.Cost = "+", w.st.Cost+costAdd
	case token.SUB:
		op, w.st.Cost = "-", w.st.Cost+costAdd
	case token.MUL:
		op, w.st.Cost = "*", w.st.Cost+costMul
	case token.QUO:
		op, w.st.Cost = "/", w.st.Cost+costDiv
	case token.XOR:
		// ^ is exponentiation in equation syntax. Note Go precedence:
		// it binds like XOR, so parenthesize bases and exponents.
		op, w.st.Cost = "^", w.st.Cost+costDiv
	case token.LSS, token.LEQ, token.GTR, token.GEQ, token.EQL, token.NEQ:
		// Comparisons suppress the vectorized specialization.
		op, w.st.Cost = n.Op.String(), w.st.Cost+costAdd
		w.st.Flags[flagNoAVX] = true
	default:
		return nil, errors.Wrapf(ErrUnsupportedEquation, "operator %s", n.Op)
	}
	return binary(op, a, b), nil
}

// Functions the synthesizer can evaluate, and that the gradient rule
// table knows how to differentiate.
var knownCalls = map[string]int{
	"exp": 1, "log": 1, "sqrt": 1, "sin": 1, "cos": 1, "tan": 1,
	"tanh": 1, "abs": 1, "sign": 1, "inv": 1,
	"pow": 2, "min": -1, "max": -1,
}

func (w *walker) callExpr(n *ast.CallExpr) (*Expr, error) {
	fn, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, errors.Wrap(ErrUnsupportedEquation, "only calls to named functions are supported")
	}
	name := fn.Name
	arity, known := knownCalls[name]
	reduction := name == "sum" || name == "prod" || name == "max" || name == "min"
	if !known && !reduction {
		return nil, errors.Wrapf(ErrUnsupportedEquation, "unknown function %s", name)
	}
	if known && arity > 0 && len(n.Args) != arity {
		return nil, errors.Wrapf(ErrUnsupportedEquation, "%s takes %d argument(s), got %d", name, arity, len(n.Args))
	}
	args := make([]*Expr, 0, len(n.Args))
	for _, arg := range n.Args {
		a, err := w.convert(arg)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	w.st.Cost += costCall
	return &Expr{Kind: exprCall, Name: name, Args: args}, nil
}

func (w *walker) indexExpr(root ast.Expr, indices []ast.Expr) (*Expr, error) {
	ident, ok := root.(*ast.Ident)
	if !ok {
		// The source system lifts f(B)[i] into a fresh binding in the
		// caller's scope; a runtime compiler has no caller scope to
		// bind into, so indexing demands a named array.
		return nil, errors.Wrap(ErrUnsupportedEquation, "only named arrays can be indexed")
	}
	name := ident.Name
	if strings.HasPrefix(name, scalarMarker) {
		return nil, errors.Wrapf(ErrBadInterpolation, "$%s cannot be indexed", strings.TrimPrefix(name, scalarMarker))
	}
	w.st.addArray(name, len(indices))
	ref := &Expr{Kind: exprArray, Name: name}
	for axisNum, idxNode := range indices {
		aff, err := w.affine(idxNode)
		if err != nil {
			return nil, errors.Wrapf(err, "index %d of %s", axisNum, name)
		}
		w.recordIndexEvidence(name, axisNum, aff)
		ref.Index = append(ref.Index, aff)
	}
	return ref, nil
}

// affine decomposes one index position into scaled terms plus offsets.
func (w *walker) affine(node ast.Expr) (Affine, error) {
	switch n := node.(type) {
	case *ast.ParenExpr:
		return w.affine(n.X)

	case *ast.Ident:
		if name, ok := strings.CutPrefix(n.Name, scalarMarker); ok {
			w.st.addScalar(name)
			return Affine{ScalarOffsets: []string{name}}, nil
		}
		return Affine{Terms: []AffineTerm{{Index: n.Name, Scale: 1}}}, nil

	case *ast.BasicLit:
		if n.Kind == token.IMAG {
			return Affine{}, errors.Wrapf(ErrUnsupportedEquation, "%s parses as an imaginary literal; write 2*i", n.Value)
		}
		if n.Kind != token.INT {
			return Affine{}, errors.Wrapf(ErrUnsupportedEquation, "index literal %s must be an integer", n.Value)
		}
		v, err := strconv.Atoi(n.Value)
		if err != nil {
			return Affine{}, errors.Wrapf(ErrUnsupportedEquation, "index literal %s", n.Value)
		}
		return Affine{Offset: v}, nil

	case *ast.BinaryExpr:
		return w.affineBinary(n)

	case *ast.UnaryExpr:
		if n.Op == token.ADD {
			return w.affine(n.X)
		}
		// Negated index scales are rejected: the safe choice for
		// non-positive affine scaling.
		return Affine{}, errors.Wrapf(ErrUnsupportedEquation, "index expression %s%s", n.Op, exprText(n.X))

	case *ast.IndexExpr:
		return w.gather(n.X, []ast.Expr{n.Index})

	case *ast.IndexListExpr:
		return w.gather(n.X, n.Indices)

	default:
		return Affine{}, errors.Wrapf(ErrUnsupportedEquation, "index expression %T", node)
	}
}

func (w *walker) affineBinary(n *ast.BinaryExpr) (Affine, error) {
	switch n.Op {
	case token.ADD, token.SUB:
		a, err := w.affine(n.X)
		if err != nil {
			return Affine{}, err
		}
		b, err := w.affine(n.Y)
		if err != nil {
			return Affine{}, err
		}
		if a.Gather != nil || b.Gather != nil {
			return Affine{}, errors.Wrap(ErrUnsupportedEquation, "nested indexing cannot combine with affine terms")
		}
		if n.Op == token.SUB {
			if len(b.Terms) > 0 || len(b.ScalarOffsets) > 0 {
				return Affine{}, errors.Wrap(ErrUnsupportedEquation, "only constant subtraction is supported in indices")
			}
			b.Offset = -b.Offset
		}
		sum := Affine{
			Terms:         append(a.Terms, b.Terms...),
			Offset:        a.Offset + b.Offset,
			ScalarOffsets: append(a.ScalarOffsets, b.ScalarOffsets...),
		}
		if len(sum.Terms) > 2 {
			return Affine{}, errors.Wrap(ErrUnsupportedEquation, "more than two indices in one position")
		}
		if len(sum.Terms) == 2 && (sum.Terms[0].Scale != 1 || sum.Terms[1].Scale != 1) {
			return Affine{}, errors.Wrap(ErrUnsupportedEquation, "entangled indices cannot carry scales")
		}
		return sum, nil

	case token.MUL:
		scale, idx := n.X, n.Y
		if _, ok := scale.(*ast.Ident); ok {
			scale, idx = idx, scale
		}
		litNode, ok := scale.(*ast.BasicLit)
		if !ok || litNode.Kind != token.INT {
			return Affine{}, errors.Wrap(ErrUnsupportedEquation, "index scale must be an integer literal")
		}
		s, err := strconv.Atoi(litNode.Value)
		if err != nil || s <= 0 {
			return Affine{}, errors.Wrapf(ErrUnsupportedEquation, "index scale %s must be a positive integer", litNode.Value)
		}
		inner, err := w.affine(idx)
		if err != nil {
			return Affine{}, err
		}
		if len(inner.Terms) != 1 || inner.Offset != 0 || len(inner.ScalarOffsets) != 0 {
			return Affine{}, errors.Wrap(ErrUnsupportedEquation, "scale applies to a single bare index")
		}
		inner.Terms[0].Scale *= s
		return inner, nil

	default:
		return Affine{}, errors.Wrapf(ErrUnsupportedEquation, "index operator %s", n.Op)
	}
}

// gather handles nested integer indexing A[B[i]]. It disables both the
// vectorized and the gradient specializations.
func (w *walker) gather(root ast.Expr, indices []ast.Expr) (Affine, error) {
	inner, err := w.indexExpr(root, indices)
	if err != nil {
		return Affine{}, err
	}
	w.st.Flags[flagNoAVX] = true
	w.st.Flags[flagNoGrad] = true
	return Affine{Gather: inner}, nil
}

// recordIndexEvidence pushes range evidence extracted from one affine
// position: a direct constraint for a single-term position, a pair
// constraint for an entangled one.
func (w *walker) recordIndexEvidence(array string, axisNum int, aff Affine) {
	switch {
	case aff.Gather != nil, aff.Constant():
		// Gather positions constrain the inner array's indices (already
		// recorded while converting the inner reference); constant pins
		// contribute no loop index.
		return
	case len(aff.Terms) == 1:
		idx := aff.Terms[0].Index
		w.st.Constraints[idx] = append(w.st.Constraints[idx], RangeExpr{
			Array:         array,
			AxisNum:       axisNum,
			Scale:         aff.Terms[0].Scale,
			Offset:        aff.Offset,
			ScalarOffsets: aff.ScalarOffsets,
		})
		w.st.noteIndex(idx)
		if !aff.Bare() {
			w.st.ShiftedInd[idx] = true
		}
	case len(aff.Terms) == 2:
		i, j := aff.Terms[0].Index, aff.Terms[1].Index
		w.st.PairConstraints = append(w.st.PairConstraints, PairConstraint{
			I: i, J: j, Array: array, AxisNum: axisNum, Offset: aff.Offset,
		})
		w.st.noteIndex(i)
		w.st.noteIndex(j)
		w.st.ShiftedInd[i] = true
		w.st.ShiftedInd[j] = true
	}
}

func (st *Store) noteIndex(idx string) {
	for _, have := range st.RightInd {
		if have == idx {
			return
		}
	}
	st.RightInd = append(st.RightInd, idx)
}

func (st *Store) addScalar(name string) {
	for _, have := range st.Scalars {
		if have == name {
			return
		}
	}
	st.Scalars = append(st.Scalars, name)
}

func (st *Store) addArray(name string, rank int) {
	for _, have := range st.Arrays {
		if have == name {
			return
		}
	}
	st.Arrays = append(st.Arrays, name)
	st.Checks = append(st.Checks, RankCheck{Array: name, Rank: rank})
}

// resolveBareNames finishes the deferred classification of bare
// identifiers on the RHS: names that are loop indices become index
// values, the rest stay implicit scalars.
func (st *Store) resolveBareNames() {
	indices := make(map[string]bool)
	for _, i := range st.LeftInd {
		indices[i] = true
	}
	for _, i := range st.RightInd {
		indices[i] = true
	}
	st.Right.walk(func(e *Expr) {
		if e.Kind == exprScalar && indices[e.Name] {
			e.Kind = exprIndex
			st.removeScalar(e.Name)
		}
	})
}

func (st *Store) removeScalar(name string) {
	for k, have := range st.Scalars {
		if have == name {
			st.Scalars = append(st.Scalars[:k], st.Scalars[k+1:]...)
			return
		}
	}
}

// unwrapReduction folds a root-level sum/prod/max/min call over
// reduction indices into the reduction operator. A root-level call
// wins over the reduce= option; they can only conflict when the
// equation spells the operator twice.
func (st *Store) unwrapReduction() {
	root := st.Right
	if root.Kind != exprCall || len(root.Args) != 1 {
		return
	}
	var op string
	switch root.Name {
	case "sum":
		op = "+"
	case "prod":
		op = "*"
	case "max", "min":
		op = root.Name
	default:
		return
	}
	left := make(map[string]bool, len(st.LeftInd))
	for _, i := range st.LeftInd {
		left[i] = true
	}
	reduces := false
	for _, i := range st.RightInd {
		if !left[i] {
			reduces = true
		}
	}
	if !reduces {
		return
	}
	st.RedFun = op
	st.Right = root.Args[0]
	st.Cost -= costCall
	if st.Cost < 1 {
		st.Cost = 1
	}
}

// rejectNestedReductions refuses sum/prod calls that survived the
// root-level unwrap: a reduction operator anywhere else would need a
// fused inner loop nest, which is out of scope.
func (st *Store) rejectNestedReductions() error {
	var bad string
	st.Right.walk(func(e *Expr) {
		if e.Kind == exprCall && (e.Name == "sum" || e.Name == "prod") && bad == "" {
			bad = e.Name
		}
	})
	if bad != "" {
		return errors.Wrapf(ErrUnsupportedEquation, "%s is only supported as the outermost expression", bad)
	}
	return nil
}

// freshName picks an output array name not used on the RHS.
func (st *Store) freshName(base string) string {
	used := make(map[string]bool, len(st.Arrays)+len(st.Scalars))
	for _, a := range st.Arrays {
		used[a] = true
	}
	for _, s := range st.Scalars {
		used[s] = true
	}
	name := base
	for n := 1; used[name]; n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	return name
}

// finishIndexSets computes redind and sharedind, folds user range
// declarations into the constraint store, and runs the analysis-time
// consistency checks.
func (st *Store) finishIndexSets(opts Options) error {
	left := make(map[string]bool, len(st.LeftInd))
	for _, i := range st.LeftInd {
		left[i] = true
	}
	for _, i := range st.RightInd {
		if !left[i] {
			st.RedInd = append(st.RedInd, i)
		}
	}

	// sharedind: indices present in every RHS array reference set.
	perArray := make(map[string]map[string]bool)
	st.Right.walk(func(e *Expr) {
		if e.Kind != exprArray {
			return
		}
		set, ok := perArray[e.Name]
		if !ok {
			set = make(map[string]bool)
			perArray[e.Name] = set
		}
		for _, aff := range e.Index {
			for _, t := range aff.Terms {
				set[t.Index] = true
			}
		}
	})
	if len(perArray) > 0 {
		for _, idx := range st.RightInd {
			everywhere := true
			for _, set := range perArray {
				if !set[idx] {
					everywhere = false
					break
				}
			}
			if everywhere {
				st.SharedInd = append(st.SharedInd, idx)
			}
		}
	}

	// User-declared ranges become the nominal candidate.
	for idx, r := range opts.Ranges {
		st.Constraints[idx] = append([]RangeExpr{{Lit: r, Scale: 1}}, st.Constraints[idx]...)
	}

	var errs error
	if st.Flags[flagNewArray] {
		for _, a := range st.Arrays {
			if a == st.LeftArray {
				errs = multierr.Append(errs, errors.Wrapf(ErrSelfReference,
					"can't create a new array %s when %s also appears on the right", a, a))
			}
		}
	}
	for _, i := range st.LeftInd {
		if len(st.Constraints[i]) == 0 && !st.inPair(i) {
			errs = multierr.Append(errs, errors.Wrapf(ErrUnconstrainedIndex, "%s", i))
		}
	}
	for _, i := range st.RedInd {
		if len(st.Constraints[i]) == 0 && !st.inPair(i) {
			errs = multierr.Append(errs, errors.Wrapf(ErrUnconstrainedIndex, "%s", i))
		}
	}
	return errs
}

func (st *Store) inPair(idx string) bool {
	for _, p := range st.PairConstraints {
		if p.I == idx || p.J == idx {
			return true
		}
	}
	return false
}

// exprText is a best-effort rendering of an ast node for diagnostics.
func exprText(e ast.Expr) string {
	switch n := e.(type) {
	case *ast.Ident:
		return n.Name
	case *ast.BasicLit:
		return n.Value
	default:
		return fmt.Sprintf("%T", e)
	}
}
