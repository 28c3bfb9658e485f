// Package tensor provides the storage substrate for the Loom loop-nest compiler.
package tensor

// DType is a constraint for supported tensor element types.
type DType interface {
	~float32 | ~float64 | ~int32 | ~int64 | ~uint8 | ~bool
}

// Numeric is the subset of DType on which kernels do arithmetic.
// Bool and uint8 tensors may appear as gather indices or masks but
// cannot be reduction accumulators.
type Numeric interface {
	~float32 | ~float64 | ~int32 | ~int64
}

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Invalid DataType = iota
	Float32
	Float64
	Int32
	Int64
	Uint8
	Bool
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8, Bool:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return "invalid"
	}
}

// IsFloat reports whether the data type is a floating-point type.
func (dt DataType) IsFloat() bool {
	return dt == Float32 || dt == Float64
}

// IsInt reports whether the data type is a signed integer type.
func (dt DataType) IsInt() bool {
	return dt == Int32 || dt == Int64
}

// Promote returns the common data type of two operands under the
// promotion lattice bool < uint8 < int32 < int64 < float32 < float64.
func Promote(a, b DataType) DataType {
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

func rank(dt DataType) int {
	switch dt {
	case Bool:
		return 1
	case Uint8:
		return 2
	case Int32:
		return 3
	case Int64:
		return 4
	case Float32:
		return 5
	case Float64:
		return 6
	default:
		return 0
	}
}

// TypeOf infers DataType from a generic type T.
func TypeOf[T DType]() DataType {
	var dummy T
	switch any(dummy).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case bool:
		return Bool
	default:
		panic("unsupported type")
	}
}
