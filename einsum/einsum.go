// Copyright 2026 Loom ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package einsum is the public surface of the Loom expression compiler:
// it turns tensor contraction equations into runnable programs.
//
//	prog, err := einsum.Compile(`Z[i,k] := A[i,j] * B[j,k]`)
//	z, err := prog.Run(einsum.Inputs{"A": a, "B": b})
//
// Equations use := to create a fresh output, = to overwrite an
// existing one, and += to accumulate. Index expressions are affine in
// at most one symbol per position (A[i+1, 2*j]), or entangled pairs
// (A[i+j]); $x lifts a scalar from the inputs; indices on the RHS but
// not the LHS are reduced with + by default.
package einsum

import "github.com/loom-ml/loom/internal/einsum"

// Compiled program types.
type (
	// Program is one compiled equation, safe for concurrent use.
	Program = einsum.Program
	// Inputs binds equation names to tensors and scalars.
	Inputs = einsum.Inputs
	// Options holds the per-compilation settings.
	Options = einsum.Options
	// Option mutates Options.
	Option = einsum.Option
	// GradMode selects the gradient strategy.
	GradMode = einsum.GradMode
	// StorageKind names the kernel specializations.
	StorageKind = einsum.StorageKind
	// Store exposes the analysis results of a compiled program.
	Store = einsum.Store
	// AdjointInstaller hooks a program into an AD framework.
	AdjointInstaller = einsum.AdjointInstaller
)

// Gradient strategies.
const (
	GradOff      = einsum.GradOff
	GradSymbolic = einsum.GradSymbolic
	GradDual     = einsum.GradDual
)

// Kernel specializations.
const (
	Host       = einsum.Host
	HostVector = einsum.HostVector
	Device     = einsum.Device
)

// Diagnostics, matched with errors.Is.
var (
	ErrUnsupportedEquation  = einsum.ErrUnsupportedEquation
	ErrUnknownOption        = einsum.ErrUnknownOption
	ErrIllegalOptionValue   = einsum.ErrIllegalOptionValue
	ErrRankMismatch         = einsum.ErrRankMismatch
	ErrRangeDisagreement    = einsum.ErrRangeDisagreement
	ErrUnconstrainedIndex   = einsum.ErrUnconstrainedIndex
	ErrOffsetWithoutSupport = einsum.ErrOffsetWithoutSupport
	ErrBadInterpolation     = einsum.ErrBadInterpolation
	ErrSelfReference        = einsum.ErrSelfReference
)

// Compile analyzes an equation and synthesizes its program.
func Compile(equation string, options ...Option) (*Program, error) {
	return einsum.Compile(equation, options...)
}

// SetDefaults updates the process-wide option defaults.
func SetDefaults(options ...Option) error { return einsum.SetDefaults(options...) }

// Defaults returns a snapshot of the process-wide option defaults.
func Defaults() Options { return einsum.Defaults() }

// ParseArgs interprets a textual argument list: options, range
// declarations, and at most one equation.
func ParseArgs(args []string) (string, []Option, error) { return einsum.ParseArgs(args) }

// Options.
var (
	Verbose = einsum.Verbose
	Threads = einsum.Threads
	Grad    = einsum.Grad
	AVX     = einsum.AVX
	CUDA    = einsum.CUDA
	Reduce  = einsum.Reduce
	Range   = einsum.Range
)

// RegisterAdjoint makes an AD-framework adapter known by name.
func RegisterAdjoint(framework string, install AdjointInstaller) {
	einsum.RegisterAdjoint(framework, install)
}

// EnableFramework turns on adjoint registration for a known framework.
func EnableFramework(framework string) error { return einsum.EnableFramework(framework) }

// DisableFramework turns adjoint registration back off.
func DisableFramework(framework string) { einsum.DisableFramework(framework) }
