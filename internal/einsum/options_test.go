package einsum

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/internal/tensor"
)

func applyOpts(t *testing.T, opts []Option) Options {
	t.Helper()
	o := Options{Reduce: "+"}
	for _, opt := range opts {
		require.NoError(t, opt(&o))
	}
	return o
}

func TestParseArgsOptionsAndEquation(t *testing.T) {
	eq, opts, err := ParseArgs([]string{"threads=4", "grad=symbolic", "Z[i] := A[i,j]", "avx=false"})
	require.NoError(t, err)
	assert.Equal(t, "Z[i] := A[i,j]", eq)

	o := applyOpts(t, opts)
	assert.Equal(t, 4, o.Threads)
	assert.Equal(t, GradSymbolic, o.Grad)
	assert.Equal(t, -1, o.AVX)
}

func TestParseArgsRangeDecl(t *testing.T) {
	eq, opts, err := ParseArgs([]string{"i in 0:8", "j in 0:4"})
	require.NoError(t, err)
	assert.Empty(t, eq)

	o := applyOpts(t, opts)
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 8}, o.Ranges["i"])
	assert.Equal(t, tensor.Axis{Lo: 0, Hi: 4}, o.Ranges["j"])
}

func TestParseArgsBoolThreads(t *testing.T) {
	_, opts, err := ParseArgs([]string{"threads=false"})
	require.NoError(t, err)
	assert.Equal(t, -1, applyOpts(t, opts).Threads)

	_, opts, err = ParseArgs([]string{"threads=true"})
	require.NoError(t, err)
	assert.Equal(t, 0, applyOpts(t, opts).Threads)
}

func TestParseArgsRejectsTwoEquations(t *testing.T) {
	_, _, err := ParseArgs([]string{"Z[i] := A[i]", "Y[i] := A[i]"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedEquation), "got %v", err)
}

func TestParseArgsUnknownOption(t *testing.T) {
	_, _, err := ParseArgs([]string{"wibble=3"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOption), "got %v", err)
}

func TestParseArgsIllegalValues(t *testing.T) {
	for _, arg := range []string{"threads=-3", "cuda=-1", "grad=maybe", "avx=0", "reduce=median", "i in a:b"} {
		_, opts, err := ParseArgs([]string{arg})
		if err == nil {
			o := Options{}
			for _, opt := range opts {
				if err = opt(&o); err != nil {
					break
				}
			}
		}
		require.Error(t, err, "arg %q", arg)
		assert.True(t, errors.Is(err, ErrIllegalOptionValue), "arg %q got %v", arg, err)
	}
}

func TestSetDefaultsSnapshot(t *testing.T) {
	orig := Defaults()
	defer func() {
		require.NoError(t, SetDefaults(Threads(orig.Threads), AVX(orig.AVX), Grad(orig.Grad)))
	}()

	require.NoError(t, SetDefaults(Threads(-1)))
	assert.Equal(t, -1, Defaults().Threads)

	// A snapshot taken before a later SetDefaults must not change.
	snap := Defaults()
	require.NoError(t, SetDefaults(Threads(8)))
	assert.Equal(t, -1, snap.Threads)
	assert.Equal(t, 8, Defaults().Threads)
}
