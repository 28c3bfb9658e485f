// Copyright 2026 Loom ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor is the public surface of Loom's storage substrate:
// shapes, axes, runtime element types, and the RawTensor kernels read
// and write.
//
// Example:
//
//	a, _ := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2})
//	fmt.Println(a.Shape(), a.DType())
package tensor

import "github.com/loom-ml/loom/internal/tensor"

// Core storage types.
type (
	// Shape holds the dimensions of a tensor.
	Shape = tensor.Shape
	// Axis is a half-open index range [Lo, Hi).
	Axis = tensor.Axis
	// DataType is runtime element type information.
	DataType = tensor.DataType
	// Device marks where a tensor's memory lives.
	Device = tensor.Device
	// RawTensor is the low-level tensor representation.
	RawTensor = tensor.RawTensor
)

// DType constrains the supported element types; Numeric the arithmetic
// subset.
type (
	DType   = tensor.DType
	Numeric = tensor.Numeric
)

// Runtime element types.
const (
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Int32   = tensor.Int32
	Int64   = tensor.Int64
	Uint8   = tensor.Uint8
	Bool    = tensor.Bool
)

// Devices.
const (
	CPU    = tensor.CPU
	WebGPU = tensor.WebGPU
)

// NewRaw allocates a zero-initialized tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// Zeros creates a zero-filled tensor with element type T.
func Zeros[T DType](shape Shape) *RawTensor { return tensor.Zeros[T](shape) }

// Ones creates a tensor filled with ones.
func Ones[T Numeric](shape Shape) *RawTensor { return tensor.Ones[T](shape) }

// Full creates a tensor filled with value.
func Full[T Numeric](shape Shape, value T) *RawTensor { return tensor.Full[T](shape, value) }

// Arange creates a rank-1 tensor holding 0, 1, ..., n-1.
func Arange[T Numeric](n int) *RawTensor { return tensor.Arange[T](n) }

// FromSlice copies a Go slice into a fresh tensor.
func FromSlice[T DType](data []T, shape Shape) (*RawTensor, error) {
	return tensor.FromSlice(data, shape)
}

// View returns a typed slice over the tensor's data (zero-copy).
func View[T DType](r *RawTensor) []T { return tensor.View[T](r) }

// At returns the element at the given indices.
func At[T DType](r *RawTensor, indices ...int) T { return tensor.At[T](r, indices...) }

// Set stores value at the given indices.
func Set[T DType](r *RawTensor, value T, indices ...int) { tensor.Set(r, value, indices...) }
