package einsum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/internal/tensor"
)

// TestMatMulGradient: forward Z[i,k] := A[i,j] * B[j,k], loss sum(Z),
// so dZ is all ones; dA = dZ·Bᵀ and dB = Aᵀ·dZ.
func TestMatMulGradient(t *testing.T) {
	prog, err := Compile(`Z[i,k] := A[i,j] * B[j,k]`, Grad(GradSymbolic))
	require.NoError(t, err)

	a := fromF64(t, []float64{1, 2}, tensor.Shape{1, 2})
	b := fromF64(t, []float64{3, 4}, tensor.Shape{2, 1})
	dz := tensor.Ones[float64](tensor.Shape{1, 1})

	grads, err := prog.Gradient(dz, Inputs{"A": a, "B": b})
	require.NoError(t, err)
	require.Contains(t, grads, "A")
	require.Contains(t, grads, "B")

	assert.Equal(t, []float64{3, 4}, tensor.View[float64](grads["A"]))
	assert.Equal(t, []float64{1, 2}, tensor.View[float64](grads["B"]))
}

// TestRepeatedFactorGradient: s := A[i] * A[i] gives dA = 2·A·ds.
func TestRepeatedFactorGradient(t *testing.T) {
	prog, err := Compile(`s := A[i] * A[i]`, Grad(GradSymbolic))
	require.NoError(t, err)

	a := fromF64(t, []float64{1, 2, 3}, tensor.Shape{3})
	ds := tensor.Ones[float64](tensor.Shape{})

	grads, err := prog.Gradient(ds, Inputs{"A": a})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6}, tensor.View[float64](grads["A"]))
}

// numericalGradient computes ∂(sum of outputs)/∂A[k] by central
// differences.
func numericalGradient(t *testing.T, prog *Program, inputs Inputs, name string, k int, epsilon float64) float64 {
	t.Helper()
	data := tensor.View[float64](inputs[name].(*tensor.RawTensor))
	orig := data[k]

	eval := func(v float64) float64 {
		data[k] = v
		z, err := prog.Run(inputs)
		require.NoError(t, err)
		total := 0.0
		for _, o := range tensor.View[float64](z) {
			total += o
		}
		return total
	}
	plus := eval(orig + epsilon)
	minus := eval(orig - epsilon)
	data[k] = orig
	return (plus - minus) / (2 * epsilon)
}

// TestGradientAgainstFiniteDifferences: the symbolic adjoint of a
// composite RHS agrees with central differences to √ε precision.
func TestGradientAgainstFiniteDifferences(t *testing.T) {
	prog, err := Compile(`Z[i] := tanh(A[i,j]) * B[j]`, Grad(GradSymbolic))
	require.NoError(t, err)

	a := fromF64(t, []float64{0.1, -0.4, 0.7, 0.2, -0.9, 0.5}, tensor.Shape{2, 3})
	b := fromF64(t, []float64{0.3, -0.8, 0.6}, tensor.Shape{3})
	inputs := Inputs{"A": a, "B": b}

	dz := tensor.Ones[float64](tensor.Shape{2})
	grads, err := prog.Gradient(dz, inputs)
	require.NoError(t, err)

	epsilon := 1e-6
	for name, g := range grads {
		data := tensor.View[float64](g)
		for k := range data {
			want := numericalGradient(t, prog, inputs, name, k, epsilon)
			assert.InDelta(t, want, data[k], 1e-6, "d%s[%d]", name, k)
		}
	}
}

// TestSymbolicDualAgreement: both strategies produce the same adjoints.
func TestSymbolicDualAgreement(t *testing.T) {
	equation := `Z[i] := exp(A[i,j]) * B[j] + sqrt(B[j]) * A[i,j]`

	symbolic, err := Compile(equation, Grad(GradSymbolic))
	require.NoError(t, err)
	dual, err := Compile(equation, Grad(GradDual))
	require.NoError(t, err)

	a := fromF64(t, []float64{0.2, 0.5, -0.3, 0.8, 0.1, -0.6}, tensor.Shape{2, 3})
	b := fromF64(t, []float64{0.9, 0.4, 1.5}, tensor.Shape{3})
	dz := fromF64(t, []float64{1, 0.5}, tensor.Shape{2})

	gs, err := symbolic.Gradient(dz, Inputs{"A": a, "B": b})
	require.NoError(t, err)
	gd, err := dual.Gradient(dz, Inputs{"A": a, "B": b})
	require.NoError(t, err)

	for _, name := range []string{"A", "B"} {
		sv := tensor.View[float64](gs[name])
		dv := tensor.View[float64](gd[name])
		require.Len(t, dv, len(sv))
		for k := range sv {
			assert.InDelta(t, sv[k], dv[k], 1e-12, "d%s[%d]", name, k)
		}
	}
}

// TestGradientSkipped: nograd constructs silently disable synthesis.
func TestGradientSkipped(t *testing.T) {
	prog, err := Compile(`Z[i] := A[B[i]]`, Grad(GradSymbolic))
	require.NoError(t, err)

	a := fromF64(t, []float64{1, 2, 3}, tensor.Shape{3})
	b, err := tensor.FromSlice([]int64{0, 1, 2}, tensor.Shape{3})
	require.NoError(t, err)
	dz := tensor.Ones[float64](tensor.Shape{3})

	grads, err := prog.Gradient(dz, Inputs{"A": a, "B": b})
	require.NoError(t, err)
	assert.Nil(t, grads)
}

// TestGradientOfMax: the branch-mask rule routes the adjoint to the
// winning argument.
func TestGradientOfMax(t *testing.T) {
	prog, err := Compile(`Z[i] := max(A[i], B[i])`, Grad(GradSymbolic))
	require.NoError(t, err)

	a := fromF64(t, []float64{5, 1}, tensor.Shape{2})
	b := fromF64(t, []float64{2, 7}, tensor.Shape{2})
	dz := tensor.Ones[float64](tensor.Shape{2})

	grads, err := prog.Gradient(dz, Inputs{"A": a, "B": b})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, tensor.View[float64](grads["A"]))
	assert.Equal(t, []float64{0, 1}, tensor.View[float64](grads["B"]))
}

// TestDualPoison: an exponent that depends on the array with a
// non-positive base poisons that subterm instead of failing.
func TestDualPoison(t *testing.T) {
	prog, err := Compile(`Z[i] := A[i] ^ A[i]`, Grad(GradDual))
	require.NoError(t, err)

	a := fromF64(t, []float64{-2}, tensor.Shape{1})
	dz := tensor.Ones[float64](tensor.Shape{1})

	grads, err := prog.Gradient(dz, Inputs{"A": a})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(tensor.View[float64](grads["A"])[0]))
}
