package einsum

import (
	"github.com/pkg/errors"

	"github.com/loom-ml/loom/internal/parallel"
	"github.com/loom-ml/loom/internal/tensor"
)

// appearance is one distinct (array, index tuple) occurrence on the
// RHS; the gradient synthesizer emits one accumulation per appearance.
type appearance struct {
	Name  string
	Index []Affine
	Key   string
}

func collectAppearances(st *Store) []appearance {
	var out []appearance
	seen := make(map[string]bool)
	st.Right.walk(func(e *Expr) {
		if e.Kind != exprArray {
			return
		}
		key := e.Name + "[" + indexKey(e.Index) + "]"
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, appearance{Name: e.Name, Index: e.Index, Key: key})
	})
	return out
}

// differentiate produces ∂e/∂(wrt) symbolically using the rule table.
// Identical appearances share the derivative, so repeated factors
// contribute through the product rule as they should.
func differentiate(e *Expr, wrt appearance) (*Expr, error) {
	switch e.Kind {
	case exprLit, exprScalar, exprIndex:
		return intLit(0), nil

	case exprArray:
		if e.Name == wrt.Name && affineEqual(e.Index, wrt.Index) {
			return intLit(1), nil
		}
		return intLit(0), nil

	case exprUnary:
		d, err := differentiate(e.Args[0], wrt)
		if err != nil {
			return nil, err
		}
		return neg(d), nil

	case exprBinary:
		return diffBinary(e, wrt)

	case exprCall:
		return diffCall(e, wrt)

	default:
		return nil, errors.Errorf("cannot differentiate %v", e)
	}
}

func diffBinary(e *Expr, wrt appearance) (*Expr, error) {
	a, b := e.Args[0], e.Args[1]
	switch e.Op {
	case "<", "<=", ">", ">=", "==", "!=":
		// Piecewise constant almost everywhere.
		return intLit(0), nil
	}
	da, err := differentiate(a, wrt)
	if err != nil {
		return nil, err
	}
	db, err := differentiate(b, wrt)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "+":
		return add(da, db), nil
	case "-":
		return sub(da, db), nil
	case "*":
		return add(mul(da, b), mul(a, db)), nil
	case "/":
		// da/b - a*db/b²
		return sub(div(da, b), div(mul(a, db), mul(b, b))), nil
	case "^":
		return diffPow(a, b, da, db)
	default:
		return nil, errors.Errorf("cannot differentiate operator %s", e.Op)
	}
}

func diffPow(a, b, da, db *Expr) (*Expr, error) {
	if isZero(db) {
		// b * a^(b-1) * da
		return mul(mul(b, binary("^", a, sub(b, intLit(1)))), da), nil
	}
	if isZero(da) {
		// a^b * log(a) * db
		return mul(mul(binary("^", a, b), call("log", a)), db), nil
	}
	return nil, errors.New("cannot differentiate a power whose base and exponent both depend on the array")
}

func diffCall(e *Expr, wrt appearance) (*Expr, error) {
	switch e.Name {
	case "min", "max":
		return diffMinMax(e, wrt)
	case "sign":
		return intLit(0), nil
	case "pow":
		da, err := differentiate(e.Args[0], wrt)
		if err != nil {
			return nil, err
		}
		db, err := differentiate(e.Args[1], wrt)
		if err != nil {
			return nil, err
		}
		return diffPow(e.Args[0], e.Args[1], da, db)
	}

	a := e.Args[0]
	da, err := differentiate(a, wrt)
	if err != nil {
		return nil, err
	}
	if isZero(da) {
		return intLit(0), nil
	}
	switch e.Name {
	case "exp":
		return mul(call("exp", a), da), nil
	case "log":
		return div(da, a), nil
	case "sqrt":
		return div(da, mul(intLit(2), call("sqrt", a))), nil
	case "sin":
		return mul(call("cos", a), da), nil
	case "cos":
		return neg(mul(call("sin", a), da)), nil
	case "tan":
		c := call("cos", a)
		return div(da, mul(c, c)), nil
	case "tanh":
		t := call("tanh", a)
		return mul(sub(intLit(1), mul(t, t)), da), nil
	case "abs":
		return mul(call("sign", a), da), nil
	case "inv":
		return neg(div(da, mul(a, a))), nil
	default:
		return nil, errors.Errorf("no differentiation rule for %s", e.Name)
	}
}

// diffMinMax selects the winning branch with comparison masks:
// d max(a,b) = [a >= b]·da + [b > a]·db.
func diffMinMax(e *Expr, wrt appearance) (*Expr, error) {
	winOp, loseOp := ">=", ">"
	if e.Name == "min" {
		winOp, loseOp = "<=", "<"
	}
	out := intLit(0)
	for i, arg := range e.Args {
		d, err := differentiate(arg, wrt)
		if err != nil {
			return nil, err
		}
		if isZero(d) {
			continue
		}
		mask := intLit(1)
		for j, other := range e.Args {
			if i == j {
				continue
			}
			op := winOp
			if j < i {
				op = loseOp // ties go to the first argument
			}
			mask = mul(mask, binary(op, arg, other))
		}
		out = add(out, mul(mask, d))
	}
	return out, nil
}

// Constructors with constant folding: the rule table produces a lot of
// 0·x and x+0 that would otherwise survive into the inner loop.

func isZero(e *Expr) bool { return e.Kind == exprLit && e.IsInt && e.IntVal == 0 }
func isOne(e *Expr) bool  { return e.Kind == exprLit && e.IsInt && e.IntVal == 1 }

func add(a, b *Expr) *Expr {
	if isZero(a) {
		return b
	}
	if isZero(b) {
		return a
	}
	return binary("+", a, b)
}

func sub(a, b *Expr) *Expr {
	if isZero(b) {
		return a
	}
	if isZero(a) {
		return neg(b)
	}
	return binary("-", a, b)
}

func mul(a, b *Expr) *Expr {
	if isZero(a) || isZero(b) {
		return intLit(0)
	}
	if isOne(a) {
		return b
	}
	if isOne(b) {
		return a
	}
	return binary("*", a, b)
}

func div(a, b *Expr) *Expr {
	if isZero(a) {
		return intLit(0)
	}
	if isOne(b) {
		return a
	}
	return binary("/", a, b)
}

func neg(a *Expr) *Expr {
	if isZero(a) {
		return a
	}
	return &Expr{Kind: exprUnary, Op: "-", Args: []*Expr{a}}
}

// gradPlan is the compiled reverse-mode companion of one appearance.
type gradPlan struct {
	app   appearance
	deriv *Expr // nil in dual mode
}

// synthesizeGradients builds the per-appearance plans for the symbolic
// strategy, or bare appearance plans for the dual strategy.
func synthesizeGradients(st *Store, mode GradMode) ([]gradPlan, error) {
	apps := collectAppearances(st)
	plans := make([]gradPlan, 0, len(apps))
	for _, app := range apps {
		p := gradPlan{app: app}
		if mode == GradSymbolic {
			d, err := differentiate(st.Right, app)
			if err != nil {
				return nil, errors.Wrapf(err, "gradient of %s", app.Key)
			}
			p.deriv = d
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// runGradient executes the reverse-mode kernels: loops run over shared
// indices first (parallel, each iteration writing distinct slices of
// every gradient) and non-shared indices inside (serialized writes).
func runGradient[T tensor.Numeric](b *binding, dz *tensor.RawTensor, plans []gradPlan, mode GradMode, grads map[string]*tensor.RawTensor, cfg parallel.Config) error {
	st := b.store
	slots := st.indexSlots()

	shared := spans(st.SharedInd, b.axes, slots)
	var restInd []string
	inShared := make(map[string]bool, len(st.SharedInd))
	for _, i := range st.SharedInd {
		inShared[i] = true
	}
	for _, i := range st.LeftInd {
		if !inShared[i] {
			restInd = append(restInd, i)
		}
	}
	for _, i := range st.RedInd {
		if !inShared[i] {
			restInd = append(restInd, i)
		}
	}

	// Surface compilation problems before any parallel block runs.
	probeEnv := newRunEnv(slots)
	for _, p := range plans {
		ref := &Expr{Kind: exprArray, Name: p.app.Name, Index: p.app.Index}
		if _, err := compileOffset(ref, b, probeEnv); err != nil {
			return err
		}
		if mode == GradSymbolic {
			if _, err := compileEval[T](p.deriv, b, probeEnv); err != nil {
				return errors.Wrapf(err, "gradient of %s", p.app.Key)
			}
		}
	}

	run := func(sLo, sHi int) {
		env := newRunEnv(slots)
		rest := spans(restInd, b.axes, slots)
		sharedLocal := spans(st.SharedInd, b.axes, slots)
		restN := spanProduct(rest)

		dzLoad := loadAs[T](dz)
		dzOff := compileLeftOffset(&binding{store: st, arrays: b.arrays, scalars: b.scalars, axes: b.axes, out: dz}, env)

		type accum struct {
			off  func() int
			dval func() T
			data []T
		}
		accums := make([]accum, 0, len(plans))
		for _, p := range plans {
			ref := &Expr{Kind: exprArray, Name: p.app.Name, Index: p.app.Index}
			off, _ := compileOffset(ref, b, env)
			var dval func() T
			if mode == GradSymbolic {
				f, _ := compileEval[T](p.deriv, b, env)
				dval = f
			} else {
				app := p.app
				dval = func() T {
					_, d := evalDual(st.Right, b, env, app)
					return T(d)
				}
			}
			accums = append(accums, accum{off: off, dval: dval, data: tensor.View[T](grads[p.app.Name])})
		}

		for s := sLo; s < sHi; s++ {
			setSpanIndices(env, sharedLocal, s)
			for r := 0; r < restN; r++ {
				setSpanIndices(env, rest, r)
				seed := dzLoad(dzOff())
				if seed == 0 {
					continue
				}
				for _, ac := range accums {
					ac.data[ac.off()] += seed * ac.dval()
				}
			}
		}
	}

	// Parallel shared blocks are only safe when every appearance's
	// index tuple carries every shared index; a pinned appearance like
	// A[0,0] would be written from all blocks.
	for _, p := range plans {
		for _, idx := range st.SharedInd {
			carries := false
			for _, aff := range p.app.Index {
				for _, term := range aff.Terms {
					if term.Index == idx {
						carries = true
					}
				}
			}
			if !carries {
				cfg.Enabled = false
			}
		}
	}

	rest := spans(restInd, b.axes, slots)
	parallel.GradThreader(run, spanProduct(shared), spanProduct(rest), cfg)
	return nil
}
