package tensor

import "fmt"

// Zeros creates a zero-filled tensor with element type T.
//
// Example:
//
//	t := tensor.Zeros[float32](tensor.Shape{3, 4})
func Zeros[T DType](shape Shape) *RawTensor {
	raw, err := NewRaw(shape, TypeOf[T](), CPU)
	if err != nil {
		panic(err) // Shape validation should prevent this
	}
	return raw
}

// Ones creates a tensor filled with ones.
func Ones[T Numeric](shape Shape) *RawTensor {
	return Full[T](shape, 1)
}

// Full creates a tensor filled with a specific value.
//
// Example:
//
//	t := tensor.Full[float32](tensor.Shape{3, 3}, 3.14)
func Full[T Numeric](shape Shape, value T) *RawTensor {
	raw := Zeros[T](shape)
	data := View[T](raw)
	for i := range data {
		data[i] = value
	}
	return raw
}

// Arange creates a rank-1 tensor holding 0, 1, ..., n-1.
func Arange[T Numeric](n int) *RawTensor {
	raw := Zeros[T](Shape{n})
	data := View[T](raw)
	for i := range data {
		data[i] = T(i)
	}
	return raw
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice[T DType](data []T, shape Shape) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	raw, err := NewRaw(shape, TypeOf[T](), CPU)
	if err != nil {
		return nil, err
	}
	copy(View[T](raw), data)
	return raw, nil
}

// At returns the element at the given indices.
// Panics if indices are out of bounds or T mismatches the dtype.
func At[T DType](r *RawTensor, indices ...int) T {
	return View[T](r)[flatOffset(r, indices)]
}

// Set stores value at the given indices.
func Set[T DType](r *RawTensor, value T, indices ...int) {
	View[T](r)[flatOffset(r, indices)] = value
}

func flatOffset(r *RawTensor, indices []int) int {
	if len(indices) != len(r.Shape()) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(r.Shape()), len(indices)))
	}
	offset := 0
	strides := r.Strides()
	for i, idx := range indices {
		if idx < 0 || idx >= r.Shape()[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d (size %d)", idx, i, r.Shape()[i]))
		}
		offset += idx * strides[i]
	}
	return offset
}
