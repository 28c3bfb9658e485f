package einsum

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/internal/tensor"
)

func solveFor(t *testing.T, equation string, shapes map[string]tensor.Shape, opts ...Option) (map[string]tensor.Axis, error) {
	t.Helper()
	st := analyzeOK(t, equation, opts...)
	require.NoError(t, SolveConstraints(st))
	return ResolveAxes(st, shapes, nil)
}

func TestSolveAgreement(t *testing.T) {
	axes, err := solveFor(t, `Z[i,k] := A[i,j] * B[j,k]`, map[string]tensor.Shape{
		"A": {2, 3},
		"B": {3, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 2}, axes["i"])
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 3}, axes["j"])
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 4}, axes["k"])
}

func TestSolveAgreementFailure(t *testing.T) {
	_, err := solveFor(t, `Z[i,k] := A[i,j] * B[j,k]`, map[string]tensor.Shape{
		"A": {2, 3},
		"B": {5, 4}, // j disagrees: 3 vs 5
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRangeDisagreement), "got %v", err)
}

func TestSolveShiftedIntersection(t *testing.T) {
	// i+1 gives [-1, 3), bare i gives [0, 4); the loop runs [0, 3).
	axes, err := solveFor(t, `Z[i] := A[i+1] - A[i]`, map[string]tensor.Shape{
		"A": {4},
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 3}, axes["i"])
}

func TestSolveEntangledPair(t *testing.T) {
	// x resolves from K, then i derives as the complement within A.
	axes, err := solveFor(t, `Z[i,j] := A[i+x, j+y] * K[x,y]`, map[string]tensor.Shape{
		"A": {5, 7},
		"K": {3, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 3}, axes["x"])
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 2}, axes["y"])
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 3}, axes["i"])
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 6}, axes["j"])
}

func TestSolveEntangledWithDeclaredRange(t *testing.T) {
	axes, err := solveFor(t, `Z[i] := A[i+j]`, map[string]tensor.Shape{
		"A": {5},
	}, Range("j", 0, 2))
	require.NoError(t, err)
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 2}, axes["j"])
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 4}, axes["i"])
}

func TestSolveEntangledNeitherConstrained(t *testing.T) {
	st := analyzeOK(t, `Z[i] := A[i+j]`)
	err := SolveConstraints(st)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnconstrainedIndex), "got %v", err)
}

func TestSolveDeclaredRangeAgreesWithAxis(t *testing.T) {
	// The user range is the nominal candidate; the array axis must
	// agree at runtime.
	_, err := solveFor(t, `Z[i] := A[i]`, map[string]tensor.Shape{
		"A": {4},
	}, Range("i", 0, 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRangeDisagreement), "got %v", err)
}

func TestSolveScaledRange(t *testing.T) {
	axes, err := solveFor(t, `Z[i] := A[2*i]`, map[string]tensor.Shape{
		"A": {7},
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 4}, axes["i"])
}

func TestRangeExprConcrete(t *testing.T) {
	shapes := map[string]tensor.Shape{"A": {6}}
	r := RangeExpr{Array: "A", AxisNum: 0, Scale: 1, Offset: 2}
	ax, err := r.Concrete(shapes, nil)
	require.NoError(t, err)
	assert.Equal(t, tensor.Axis{Lo: -2, Hi: 4}, ax)

	r = RangeExpr{Array: "A", AxisNum: 0, Scale: 1, ScalarOffsets: []string{"o"}}
	ax, err = r.Concrete(shapes, map[string]float64{"o": 1})
	require.NoError(t, err)
	assert.Equal(t, tensor.Axis{Lo: -1, Hi: 5}, ax)

	_, err = r.Concrete(shapes, map[string]float64{"o": 1.5})
	require.Error(t, err)
}
