package einsum

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/loom-ml/loom/internal/parallel"
	"github.com/loom-ml/loom/internal/tensor"
)

// blockBase divides by the RHS cost heuristic to pick the automatic
// threading threshold.
const blockBase = 1 << 14

// binding holds one equation bound to concrete storage: the analysis
// store plus resolved arrays, scalars, axes, element type, and output.
type binding struct {
	store   *Store
	arrays  map[string]*tensor.RawTensor
	scalars map[string]float64
	axes    map[string]tensor.Axis
	dtype   tensor.DataType
	out     *tensor.RawTensor
}

// runEnv carries the current loop index values, one slot per index.
// Every parallel block owns a private runEnv.
type runEnv struct {
	slots map[string]int
	idx   []int
}

func newRunEnv(slots map[string]int) *runEnv {
	return &runEnv{slots: slots, idx: make([]int, len(slots))}
}

// axisSpan is one loop level: an index slot iterating a concrete axis.
type axisSpan struct {
	name string
	ax   tensor.Axis
	slot int
}

func spans(indices []string, axes map[string]tensor.Axis, slots map[string]int) []axisSpan {
	out := make([]axisSpan, 0, len(indices))
	for _, name := range indices {
		out = append(out, axisSpan{name: name, ax: axes[name], slot: slots[name]})
	}
	return out
}

func spanProduct(ss []axisSpan) int {
	n := 1
	for _, s := range ss {
		n *= s.ax.Len()
	}
	return n
}

// setSpanIndices decomposes a linear position into the span digits,
// last span fastest (row-major).
func setSpanIndices(env *runEnv, ss []axisSpan, linear int) {
	for d := len(ss) - 1; d >= 0; d-- {
		n := ss[d].ax.Len()
		env.idx[ss[d].slot] = ss[d].ax.Lo + linear%n
		linear /= n
	}
}

// reducer pairs a reduction operator with its initializer.
type reducer[T tensor.Numeric] struct {
	init T
	fn   func(a, b T) T
}

func makeReducer[T tensor.Numeric](op string) reducer[T] {
	switch op {
	case "+":
		return reducer[T]{init: 0, fn: func(a, b T) T { return a + b }}
	case "*":
		return reducer[T]{init: 1, fn: func(a, b T) T { return a * b }}
	case "max":
		return reducer[T]{init: typeMin[T](), fn: func(a, b T) T {
			if b > a {
				return b
			}
			return a
		}}
	case "min":
		return reducer[T]{init: typeMax[T](), fn: func(a, b T) T {
			if b < a {
				return b
			}
			return a
		}}
	default:
		panic(fmt.Sprintf("unknown reduction operator %q", op))
	}
}

func typeMin[T tensor.Numeric]() T {
	var z T
	switch any(z).(type) {
	case float32:
		return T(math.Inf(-1))
	case float64:
		return T(math.Inf(-1))
	case int32:
		return any(int32(math.MinInt32)).(T)
	case int64:
		return any(int64(math.MinInt64)).(T)
	}
	panic("unsupported type")
}

func typeMax[T tensor.Numeric]() T {
	var z T
	switch any(z).(type) {
	case float32:
		return T(math.Inf(1))
	case float64:
		return T(math.Inf(1))
	case int32:
		return any(int32(math.MaxInt32)).(T)
	case int64:
		return any(int64(math.MaxInt64)).(T)
	}
	panic("unsupported type")
}

// loadAs returns an element loader converting the array's storage type
// to the kernel's accumulator type.
func loadAs[T tensor.Numeric](r *tensor.RawTensor) func(int) T {
	switch r.DType() {
	case tensor.Float32:
		d := tensor.View[float32](r)
		return func(i int) T { return T(d[i]) }
	case tensor.Float64:
		d := tensor.View[float64](r)
		return func(i int) T { return T(d[i]) }
	case tensor.Int32:
		d := tensor.View[int32](r)
		return func(i int) T { return T(d[i]) }
	case tensor.Int64:
		d := tensor.View[int64](r)
		return func(i int) T { return T(d[i]) }
	case tensor.Uint8:
		d := tensor.View[uint8](r)
		return func(i int) T { return T(d[i]) }
	case tensor.Bool:
		d := tensor.View[bool](r)
		return func(i int) T {
			if d[i] {
				return 1
			}
			return 0
		}
	default:
		panic(fmt.Sprintf("unsupported dtype %s", r.DType()))
	}
}

// compileOffset builds the flat-offset function of one array reference.
func compileOffset(ref *Expr, b *binding, env *runEnv) (func() int, error) {
	raw, ok := b.arrays[ref.Name]
	if !ok {
		return nil, errors.Errorf("array %s not bound", ref.Name)
	}
	strides := raw.Strides()
	type posFn func() int
	var parts []posFn
	for axisNum, aff := range ref.Index {
		stride := strides[axisNum]
		switch {
		case aff.Gather != nil:
			innerOff, err := compileOffset(aff.Gather, b, env)
			if err != nil {
				return nil, err
			}
			innerLoad := loadAs[int64](b.arrays[aff.Gather.Name])
			parts = append(parts, func() int { return int(innerLoad(innerOff())) * stride })
		default:
			base := aff.Offset
			for _, s := range aff.ScalarOffsets {
				v := b.scalars[s]
				base += int(v)
			}
			terms := aff.Terms
			switch len(terms) {
			case 0:
				c := base * stride
				parts = append(parts, func() int { return c })
			case 1:
				slot, scale := env.slots[terms[0].Index], terms[0].Scale
				c := base
				parts = append(parts, func() int { return (scale*env.idx[slot] + c) * stride })
			case 2:
				s0, s1 := env.slots[terms[0].Index], env.slots[terms[1].Index]
				c := base
				parts = append(parts, func() int { return (env.idx[s0] + env.idx[s1] + c) * stride })
			}
		}
	}
	switch len(parts) {
	case 1:
		return parts[0], nil
	case 2:
		p0, p1 := parts[0], parts[1]
		return func() int { return p0() + p1() }, nil
	default:
		ps := parts
		return func() int {
			off := 0
			for _, p := range ps {
				off += p()
			}
			return off
		}, nil
	}
}

// compileLeftOffset builds the output flat-offset function from the
// LHS raw indices.
func compileLeftOffset(b *binding, env *runEnv) func() int {
	if len(b.store.LeftRaw) == 0 {
		return func() int { return 0 }
	}
	strides := b.out.Strides()
	type posFn func() int
	parts := make([]posFn, 0, len(b.store.LeftRaw))
	for pos, aff := range b.store.LeftRaw {
		stride := strides[pos]
		switch {
		case len(aff.Terms) == 1:
			slot := env.slots[aff.Terms[0].Index]
			parts = append(parts, func() int { return env.idx[slot] * stride })
		case len(aff.ScalarOffsets) == 1:
			c := int(b.scalars[aff.ScalarOffsets[0]]) * stride
			parts = append(parts, func() int { return c })
		default:
			c := aff.Offset * stride
			parts = append(parts, func() int { return c })
		}
	}
	return func() int {
		off := 0
		for _, p := range parts {
			off += p()
		}
		return off
	}
}

// compileEval builds the typed evaluator of the canonical RHS.
func compileEval[T tensor.Numeric](e *Expr, b *binding, env *runEnv) (func() T, error) {
	switch e.Kind {
	case exprLit:
		var c T
		if e.IsInt {
			c = T(e.IntVal)
		} else {
			c = T(e.FloatVal)
		}
		return func() T { return c }, nil

	case exprScalar:
		v, ok := b.scalars[e.Name]
		if !ok {
			return nil, errors.Errorf("scalar %s not bound", e.Name)
		}
		c := T(v)
		return func() T { return c }, nil

	case exprIndex:
		slot, ok := env.slots[e.Name]
		if !ok {
			return nil, errors.Errorf("index %s has no loop", e.Name)
		}
		return func() T { return T(env.idx[slot]) }, nil

	case exprArray:
		off, err := compileOffset(e, b, env)
		if err != nil {
			return nil, err
		}
		load := loadAs[T](b.arrays[e.Name])
		return func() T { return load(off()) }, nil

	case exprUnary:
		f, err := compileEval[T](e.Args[0], b, env)
		if err != nil {
			return nil, err
		}
		return func() T { return -f() }, nil

	case exprBinary:
		return compileBinary[T](e, b, env)

	case exprCall:
		return compileCall[T](e, b, env)

	default:
		return nil, errors.Errorf("cannot evaluate %T node", e.Kind)
	}
}

func compileBinary[T tensor.Numeric](e *Expr, b *binding, env *runEnv) (func() T, error) {
	fa, err := compileEval[T](e.Args[0], b, env)
	if err != nil {
		return nil, err
	}
	fb, err := compileEval[T](e.Args[1], b, env)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "+":
		return func() T { return fa() + fb() }, nil
	case "-":
		return func() T { return fa() - fb() }, nil
	case "*":
		return func() T { return fa() * fb() }, nil
	case "/":
		return func() T { return fa() / fb() }, nil
	case "^":
		return func() T { return powT(fa(), fb()) }, nil
	case "<":
		return func() T { return boolT[T](fa() < fb()) }, nil
	case "<=":
		return func() T { return boolT[T](fa() <= fb()) }, nil
	case ">":
		return func() T { return boolT[T](fa() > fb()) }, nil
	case ">=":
		return func() T { return boolT[T](fa() >= fb()) }, nil
	case "==":
		return func() T { return boolT[T](fa() == fb()) }, nil
	case "!=":
		return func() T { return boolT[T](fa() != fb()) }, nil
	default:
		return nil, errors.Errorf("cannot evaluate operator %s", e.Op)
	}
}

func boolT[T tensor.Numeric](v bool) T {
	if v {
		return 1
	}
	return 0
}

// powT computes a^b, staying in integers for integer accumulators with
// non-negative integral exponents.
func powT[T tensor.Numeric](a, b T) T {
	fb := float64(b)
	if fb == math.Trunc(fb) && fb >= 0 && fb < 64 {
		out := T(1)
		for n := int(fb); n > 0; n-- {
			out *= a
		}
		return out
	}
	return T(math.Pow(float64(a), fb))
}

func compileCall[T tensor.Numeric](e *Expr, b *binding, env *runEnv) (func() T, error) {
	args := make([]func() T, len(e.Args))
	for i, a := range e.Args {
		f, err := compileEval[T](a, b, env)
		if err != nil {
			return nil, err
		}
		args[i] = f
	}
	unary := func(fn func(float64) float64) func() T {
		f := args[0]
		return func() T { return T(fn(float64(f()))) }
	}
	switch e.Name {
	case "exp":
		return unary(math.Exp), nil
	case "log":
		return unary(math.Log), nil
	case "sqrt":
		return unary(math.Sqrt), nil
	case "sin":
		return unary(math.Sin), nil
	case "cos":
		return unary(math.Cos), nil
	case "tan":
		return unary(math.Tan), nil
	case "tanh":
		return unary(math.Tanh), nil
	case "abs":
		f := args[0]
		return func() T {
			v := f()
			if v < 0 {
				return -v
			}
			return v
		}, nil
	case "sign":
		f := args[0]
		return func() T {
			switch v := f(); {
			case v > 0:
				return 1
			case v < 0:
				return -1
			default:
				return 0
			}
		}, nil
	case "inv":
		f := args[0]
		return func() T { return 1 / f() }, nil
	case "pow":
		fa, fb := args[0], args[1]
		return func() T { return powT(fa(), fb()) }, nil
	case "min":
		return func() T {
			out := args[0]()
			for _, f := range args[1:] {
				if v := f(); v < out {
					out = v
				}
			}
			return out
		}, nil
	case "max":
		return func() T {
			out := args[0]()
			for _, f := range args[1:] {
				if v := f(); v > out {
					out = v
				}
			}
			return out
		}, nil
	default:
		return nil, errors.Errorf("cannot evaluate function %s", e.Name)
	}
}

// evalFloat64 is the uncompiled evaluator used by the dtype probe and
// the dual-number gradient.
func evalFloat64(e *Expr, b *binding, env *runEnv) float64 {
	switch e.Kind {
	case exprLit:
		return e.FloatVal
	case exprScalar:
		return b.scalars[e.Name]
	case exprIndex:
		return float64(env.idx[env.slots[e.Name]])
	case exprArray:
		off, err := compileOffset(e, b, env)
		if err != nil {
			panic(err)
		}
		return loadAs[float64](b.arrays[e.Name])(off())
	case exprUnary:
		return -evalFloat64(e.Args[0], b, env)
	case exprBinary:
		a := evalFloat64(e.Args[0], b, env)
		c := evalFloat64(e.Args[1], b, env)
		switch e.Op {
		case "+":
			return a + c
		case "-":
			return a - c
		case "*":
			return a * c
		case "/":
			return a / c
		case "^":
			return math.Pow(a, c)
		case "<":
			return b2f(a < c)
		case "<=":
			return b2f(a <= c)
		case ">":
			return b2f(a > c)
		case ">=":
			return b2f(a >= c)
		case "==":
			return b2f(a == c)
		case "!=":
			return b2f(a != c)
		}
	case exprCall:
		args := make([]float64, len(e.Args))
		for i, a := range e.Args {
			args[i] = evalFloat64(a, b, env)
		}
		return callFloat64(e.Name, args)
	}
	panic("unreachable")
}

func b2f(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func callFloat64(name string, args []float64) float64 {
	switch name {
	case "exp":
		return math.Exp(args[0])
	case "log":
		return math.Log(args[0])
	case "sqrt":
		return math.Sqrt(args[0])
	case "sin":
		return math.Sin(args[0])
	case "cos":
		return math.Cos(args[0])
	case "tan":
		return math.Tan(args[0])
	case "tanh":
		return math.Tanh(args[0])
	case "abs":
		return math.Abs(args[0])
	case "sign":
		switch {
		case args[0] > 0:
			return 1
		case args[0] < 0:
			return -1
		default:
			return 0
		}
	case "inv":
		return 1 / args[0]
	case "pow":
		return math.Pow(args[0], args[1])
	case "min":
		out := args[0]
		for _, v := range args[1:] {
			out = math.Min(out, v)
		}
		return out
	case "max":
		out := args[0]
		for _, v := range args[1:] {
			out = math.Max(out, v)
		}
		return out
	default:
		panic(fmt.Sprintf("unknown function %s", name))
	}
}

// runHost executes the generic scalar specialization under the
// threader. width > 1 selects the vectorized inner loop.
func runHost[T tensor.Numeric](b *binding, keep bool, cfg parallel.Config, block int, width int) error {
	st := b.store
	slots := st.indexSlots()
	outData := tensor.View[T](b.out)
	red := makeReducer[T](st.RedFun)

	// Surface evaluator-compilation problems before any block runs;
	// the per-block compiles below cannot fail after this succeeds.
	if _, err := compileEval[T](st.Right, b, newRunEnv(slots)); err != nil {
		return err
	}
	if st.RightOuter != nil {
		if _, err := compileEval[T](st.RightOuter, b, newRunEnv(slots)); err != nil {
			return err
		}
	}

	innerTotal := spanProduct(spans(st.RedInd, b.axes, slots))

	// Each threader block compiles a private evaluator over its own
	// runEnv, so blocks never share mutable loop state.
	kern := func(oLo, oHi, iLo, iHi int, keep bool) {
		env := newRunEnv(slots)
		evalF, _ := compileEval[T](st.Right, b, env)
		var outerEval func() T
		if st.RightOuter != nil {
			outerEval, _ = compileEval[T](st.RightOuter, b, env)
		}
		outOff := compileLeftOffset(b, env)
		outer := spans(st.LeftInd, b.axes, slots)
		inner := spans(st.RedInd, b.axes, slots)

		if len(inner) == 0 {
			for o := oLo; o < oHi; o++ {
				setSpanIndices(env, outer, o)
				off := outOff()
				v := evalF()
				if keep {
					outData[off] = red.fn(outData[off], v)
				} else {
					outData[off] = v
				}
			}
			return
		}
		for o := oLo; o < oHi; o++ {
			setSpanIndices(env, outer, o)
			off := outOff()
			acc := red.init
			if keep {
				acc = outData[off]
			}
			if width > 1 {
				acc = reduceVector(env, inner, iLo, iHi, acc, red, evalF, width)
			} else {
				for in := iLo; in < iHi; in++ {
					setSpanIndices(env, inner, in)
					acc = red.fn(acc, evalF())
				}
			}
			// Hoisted summands land once, on the block that finishes
			// the reduction.
			if outerEval != nil && iHi == innerTotal {
				acc += outerEval()
			}
			outData[off] = acc
		}
	}

	outer := spans(st.LeftInd, b.axes, slots)
	inner := spans(st.RedInd, b.axes, slots)
	parallel.Threader(kern, spanProduct(outer), spanProduct(inner), block, keep, cfg)
	return nil
}
