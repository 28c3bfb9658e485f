package einsum

import (
	"github.com/pkg/errors"

	"github.com/loom-ml/loom/internal/tensor"
)

// InferDType is the static type-inference query: it folds the promotion
// lattice over the RHS. Division and transcendental calls promote
// integer operands to floating point, matching the element type a
// concrete evaluation would produce.
func InferDType(e *Expr, dtypes map[string]tensor.DataType) tensor.DataType {
	switch e.Kind {
	case exprLit:
		if e.IsInt {
			return tensor.Int64
		}
		return tensor.Float64
	case exprScalar:
		return tensor.Float64
	case exprIndex:
		return tensor.Int64
	case exprArray:
		dt, ok := dtypes[e.Name]
		if !ok {
			return tensor.Invalid
		}
		return dt
	case exprUnary:
		return InferDType(e.Args[0], dtypes)
	case exprBinary:
		a := InferDType(e.Args[0], dtypes)
		b := InferDType(e.Args[1], dtypes)
		out := tensor.Promote(a, b)
		switch e.Op {
		case "/":
			return floatOf(out)
		case "<", "<=", ">", ">=", "==", "!=":
			// Comparisons feed arithmetic as 0/1 in the surrounding type.
			return out
		}
		return out
	case exprCall:
		var out tensor.DataType
		for _, a := range e.Args {
			out = tensor.Promote(out, InferDType(a, dtypes))
		}
		switch e.Name {
		case "min", "max", "abs", "sign":
			return out
		default:
			return floatOf(out)
		}
	default:
		return tensor.Invalid
	}
}

func floatOf(dt tensor.DataType) tensor.DataType {
	if dt == tensor.Float32 {
		return tensor.Float32
	}
	return tensor.Float64
}

// probeDType is the fallback when static inference is inconclusive: it
// evaluates the RHS once at the first index of every axis and takes the
// dynamic type of the representative value. The probe evaluator works
// in float64, so that is the type a successful probe reports.
func probeDType(b *binding) tensor.DataType {
	env := newRunEnv(b.store.indexSlots())
	for idx, slot := range env.slots {
		if ax, ok := b.axes[idx]; ok {
			env.idx[slot] = ax.Lo
		}
	}
	_ = evalFloat64(b.store.Right, b, env)
	return tensor.Float64
}

// planOutput maps the LHS raw indices to output axes: a symbol takes
// its solved axis, a literal 0 takes the unit axis. Output axes must
// start at 0; there is no offset-array storage to land anything else.
func planOutput(st *Store, axes map[string]tensor.Axis, newArray bool) (tensor.Shape, error) {
	shape := make(tensor.Shape, 0, len(st.LeftRaw))
	for pos, aff := range st.LeftRaw {
		switch {
		case len(aff.Terms) == 1 && aff.Terms[0].Scale == 1 && aff.Offset == 0 && len(aff.ScalarOffsets) == 0:
			ax, ok := axes[aff.Terms[0].Index]
			if !ok {
				return nil, errors.Wrapf(ErrUnconstrainedIndex, "%s", aff.Terms[0].Index)
			}
			if ax.Lo != 0 {
				return nil, errors.Wrapf(ErrOffsetWithoutSupport,
					"output axis %d of %s spans %s", pos, st.LeftArray, ax)
			}
			shape = append(shape, ax.Len())
		case aff.Constant():
			if !newArray {
				// A pinned position addresses one slice of an existing
				// output; its extent comes from the bound array.
				shape = append(shape, -1)
				continue
			}
			if aff.Offset != 0 {
				return nil, errors.Wrapf(ErrUnsupportedEquation,
					"output index %d of %s: only 0 can pin a fresh axis", pos, st.LeftArray)
			}
			shape = append(shape, 1)
		case len(aff.ScalarOffsets) == 1 && len(aff.Terms) == 0 && !newArray:
			// A $scalar pin addresses one slice of an existing output;
			// its extent comes from the bound array, not the plan.
			shape = append(shape, -1)
		default:
			return nil, errors.Wrapf(ErrUnsupportedEquation,
				"output index %d of %s must be a bare symbol or 0", pos, st.LeftArray)
		}
	}
	return shape, nil
}
