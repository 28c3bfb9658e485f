package einsum

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyzeOK(t *testing.T, equation string, opts ...Option) *Store {
	t.Helper()
	o := Defaults()
	for _, opt := range opts {
		require.NoError(t, opt(&o))
	}
	st, err := Analyze(equation, o)
	require.NoError(t, err)
	return st
}

func TestAnalyzeMatMulIndexSets(t *testing.T) {
	st := analyzeOK(t, `Z[i,k] := A[i,j] * B[j,k]`)

	if diff := cmp.Diff([]string{"i", "k"}, st.LeftInd); diff != "" {
		t.Errorf("leftind mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"i", "j", "k"}, st.RightInd); diff != "" {
		t.Errorf("rightind mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"j"}, st.RedInd); diff != "" {
		t.Errorf("redind mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"j"}, st.SharedInd); diff != "" {
		t.Errorf("sharedind mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"A", "B"}, st.Arrays); diff != "" {
		t.Errorf("arrays mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, st.Flags["newarray"])
	assert.Equal(t, "Z", st.LeftArray)
	assert.Equal(t, "+", st.RedFun)
}

func TestAnalyzeAssignKinds(t *testing.T) {
	st := analyzeOK(t, `Z[i] := A[i]`)
	assert.True(t, st.Flags["newarray"])
	assert.False(t, st.Flags["plusequals"])

	st = analyzeOK(t, `Z[i] += A[i]`)
	assert.True(t, st.Flags["plusequals"])
	assert.False(t, st.Flags["newarray"])

	st = analyzeOK(t, `Z[i] = A[i]`)
	assert.False(t, st.Flags["newarray"])
	assert.False(t, st.Flags["plusequals"])
}

func TestAnalyzeComparisonSuppressesVector(t *testing.T) {
	st := analyzeOK(t, `Z[i] := A[i] * (A[i] > 0)`)
	assert.True(t, st.Flags["noavx"])
	assert.False(t, st.Flags["nograd"])
}

func TestAnalyzeGatherSuppressesVectorAndGrad(t *testing.T) {
	st := analyzeOK(t, `Z[i] := A[B[i]]`)
	assert.True(t, st.Flags["noavx"])
	assert.True(t, st.Flags["nograd"])
	if diff := cmp.Diff([]string{"A", "B"}, st.Arrays); diff != "" {
		t.Errorf("arrays mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeShiftedMarks(t *testing.T) {
	st := analyzeOK(t, `Z[i] := A[i+1] * B[i]`)
	assert.True(t, st.ShiftedInd["i"])

	st = analyzeOK(t, `Z[i] := A[i] * B[i]`)
	assert.False(t, st.ShiftedInd["i"])
}

func TestAnalyzePrimes(t *testing.T) {
	st := analyzeOK(t, `Z[i,i'] := A[i] * A[i']`)
	require.Len(t, st.LeftInd, 2)
	assert.Equal(t, "i", st.LeftInd[0])
	assert.Equal(t, "i"+prime, st.LeftInd[1])
}

func TestAnalyzeScalarInterpolation(t *testing.T) {
	st := analyzeOK(t, `Z[i] := $c * A[i+$o]`)
	if diff := cmp.Diff([]string{"c", "o"}, st.Scalars); diff != "" {
		t.Errorf("scalars mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, st.ShiftedInd["i"])
}

func TestAnalyzeImplicitScalar(t *testing.T) {
	// A bare non-index name on the RHS is an implicit scalar.
	st := analyzeOK(t, `Z[i] := b * A[i]`)
	if diff := cmp.Diff([]string{"b"}, st.Scalars); diff != "" {
		t.Errorf("scalars mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeIndexAsValue(t *testing.T) {
	// A loop index used as a value is not a scalar.
	st := analyzeOK(t, `Z[i] := A[i] * i`)
	assert.Empty(t, st.Scalars)
}

func TestAnalyzeGeneratedName(t *testing.T) {
	st := analyzeOK(t, `[i] := A[i]`)
	assert.Equal(t, "Z", st.LeftArray)

	// The placeholder must dodge RHS names.
	st = analyzeOK(t, `[i] := Z[i]`)
	assert.Equal(t, "Z_1", st.LeftArray)
}

func TestAnalyzeUnwrapReduction(t *testing.T) {
	st := analyzeOK(t, `Z[i] := max(A[i,j])`)
	assert.Equal(t, "max", st.RedFun)
	assert.Equal(t, exprArray, st.Right.Kind)

	// Elementwise max of two argument trees is not a reduction.
	st = analyzeOK(t, `Z[i] := max(A[i], B[i])`)
	assert.Equal(t, "+", st.RedFun)
	assert.Equal(t, exprCall, st.Right.Kind)
}

func TestAnalyzeHoistInvariants(t *testing.T) {
	st := analyzeOK(t, `Z[i] := A[i,j] + $b`)
	require.NotNil(t, st.RightOuter)
	assert.Equal(t, "$b", st.RightOuter.String())

	// Without a reduction nothing hoists.
	st = analyzeOK(t, `Z[i] := A[i] + $b`)
	assert.Nil(t, st.RightOuter)
}

func TestAnalyzeRankConflict(t *testing.T) {
	st := analyzeOK(t, `Z[i] := A[i,j] * A[i,j]`)
	// One array, one rank check.
	require.Len(t, st.Checks, 1)
	assert.Equal(t, RankCheck{Array: "A", Rank: 2}, st.Checks[0])
}

func TestAnalyzeErrors(t *testing.T) {
	o := Defaults()
	cases := []struct {
		name     string
		equation string
		want     error
	}{
		{"no assignment", `A[i] * B[i]`, ErrUnsupportedEquation},
		{"bad interpolation", `Z[i] := $1 * A[i]`, ErrBadInterpolation},
		{"field access", `Z[i] := A[i].x`, ErrUnsupportedEquation},
		{"unknown function", `Z[i] := frobnicate(A[i])`, ErrUnsupportedEquation},
		{"imaginary index", `Z[i] := A[2i]`, ErrUnsupportedEquation},
		{"negated index", `Z[i] := A[-i]`, ErrUnsupportedEquation},
		{"three-way entangled", `Z[i] := A[i+j+k]`, ErrUnsupportedEquation},
		{"indexed call", `Z[i] := f(B)[i]`, ErrUnsupportedEquation},
		{"self reference", `Z[i] := Z[i] + A[i]`, ErrSelfReference},
		{"unconstrained", `Z[i] := $c`, ErrUnconstrainedIndex},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Analyze(tc.equation, o)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestStoreFingerprintStability(t *testing.T) {
	a := analyzeOK(t, `Z[i,k] := A[i,j] * B[j,k]`)
	b := analyzeOK(t, `Z[i,k] := A[i,j] * B[j,k]`)
	c := analyzeOK(t, `Z[i,k] := A[i,j] + B[j,k]`)
	require.NoError(t, SolveConstraints(a))
	require.NoError(t, SolveConstraints(b))
	require.NoError(t, SolveConstraints(c))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
