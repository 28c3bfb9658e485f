package einsum

import "errors"

// Diagnostics; match with errors.Is. Equation, option and range-inference
// errors are raised while compiling an equation; rank, range-agreement and
// output-offset checks run when a program binds its inputs, before any
// kernel starts. None is deferred into kernels.
var (
	ErrUnsupportedEquation  = errors.New("unsupported equation")
	ErrUnknownOption        = errors.New("unknown option")
	ErrIllegalOptionValue   = errors.New("illegal option value")
	ErrRankMismatch         = errors.New("rank mismatch")
	ErrRangeDisagreement    = errors.New("range disagreement")
	ErrUnconstrainedIndex   = errors.New("unable to infer range of index")
	ErrOffsetWithoutSupport = errors.New("axis does not start at 0")
	ErrBadInterpolation     = errors.New("bad interpolation")
	ErrSelfReference        = errors.New("self reference on create")
)
