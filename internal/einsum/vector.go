package einsum

import (
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/loom-ml/loom/internal/tensor"
)

// defaultUnroll is the lane count of the vectorized inner loop when the
// avx option asks for automatic selection.
const defaultUnroll = 4

// hostVectorCapable probes the CPU for SIMD support. The vectorized
// specialization only pays off when the hardware can actually fuse the
// unrolled lanes.
func hostVectorCapable() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasAVX2 || cpu.X86.HasAVX
	case "arm64":
		return cpu.ARM64.HasASIMD
	default:
		return false
	}
}

// vectorWidth decides the inner-loop unroll factor for one bound
// equation: 0 means the scalar specialization.
//
// The vectorized variant requires that no suppressing construct was
// seen during canonicalization, a floating-point accumulator, a
// non-empty reduction, and that the innermost reduction index walks
// every array it touches contiguously (last axis, scale 1, no shifts
// into other positions' strides).
func vectorWidth(b *binding, opts Options) int {
	st := b.store
	if opts.AVX < 0 || st.Flags[flagNoAVX] {
		return 0
	}
	if opts.AVX == 0 && !hostVectorCapable() {
		return 0
	}
	if !b.dtype.IsFloat() || len(st.RedInd) == 0 {
		return 0
	}
	innermost := st.RedInd[len(st.RedInd)-1]
	if !contiguousIn(st.Right, innermost) {
		return 0
	}
	if opts.AVX > 0 {
		return opts.AVX
	}
	return defaultUnroll
}

// contiguousIn reports whether every array reference touching idx does
// so only in its last position, unscaled, so that consecutive idx
// values are stride-1 apart.
func contiguousIn(e *Expr, idx string) bool {
	ok := true
	e.walk(func(n *Expr) {
		if n.Kind != exprArray {
			return
		}
		for pos, aff := range n.Index {
			if aff.Gather != nil {
				ok = false
				continue
			}
			for _, t := range aff.Terms {
				if t.Index != idx {
					continue
				}
				if pos != len(n.Index)-1 || t.Scale != 1 || len(aff.Terms) != 1 {
					ok = false
				}
			}
		}
	})
	return ok
}

// reduceVector runs the innermost reduction with width independent
// accumulator lanes, then folds them. The reduction operator must be
// associative and commutative; for floating point this reassociates,
// which is why the scalar and vectorized variants agree only to
// rounding.
func reduceVector[T tensor.Numeric](env *runEnv, inner []axisSpan, iLo, iHi int, acc T, red reducer[T], evalF func() T, width int) T {
	lanes := make([]T, width)
	for i := range lanes {
		lanes[i] = red.init
	}
	in := iLo
	for ; in+width <= iHi; in += width {
		for u := 0; u < width; u++ {
			setSpanIndices(env, inner, in+u)
			lanes[u] = red.fn(lanes[u], evalF())
		}
	}
	for ; in < iHi; in++ {
		setSpanIndices(env, inner, in)
		acc = red.fn(acc, evalF())
	}
	for _, lane := range lanes {
		acc = red.fn(acc, lane)
	}
	return acc
}
