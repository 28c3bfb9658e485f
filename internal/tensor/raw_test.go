package tensor

import "testing"

func TestNewRawAllocatesZeroed(t *testing.T) {
	r, err := NewRaw(Shape{2, 3}, Float64, CPU)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	if r.NumElements() != 6 || r.ByteSize() != 48 {
		t.Errorf("size = %d elements / %d bytes, want 6 / 48", r.NumElements(), r.ByteSize())
	}
	for i, v := range View[float64](r) {
		if v != 0 {
			t.Errorf("element %d = %v, want 0", i, v)
		}
	}
}

func TestNewRawRejectsBadShape(t *testing.T) {
	if _, err := NewRaw(Shape{2, -1}, Float32, CPU); err == nil {
		t.Error("NewRaw with negative dim should fail")
	}
}

func TestViewPanicsOnMismatch(t *testing.T) {
	r, _ := NewRaw(Shape{2}, Float32, CPU)
	defer func() {
		if recover() == nil {
			t.Error("View[int64] on a float32 tensor should panic")
		}
	}()
	View[int64](r)
}

func TestCloneCopies(t *testing.T) {
	r, _ := NewRaw(Shape{4}, Int64, CPU)
	View[int64](r)[1] = 42

	c := r.Clone()
	if View[int64](c)[1] != 42 {
		t.Error("clone should carry the original values")
	}
	View[int64](r)[2] = 7
	if View[int64](c)[2] == 7 {
		t.Error("clone should not share memory")
	}
}

func TestFromSliceAndAccessors(t *testing.T) {
	r, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	if got := At[float32](r, 1, 2); got != 6 {
		t.Errorf("At(1,2) = %v, want 6", got)
	}
	Set(r, float32(9), 0, 1)
	if got := At[float32](r, 0, 1); got != 9 {
		t.Errorf("At(0,1) after Set = %v, want 9", got)
	}
}

func TestFromSliceLengthMismatch(t *testing.T) {
	if _, err := FromSlice([]float32{1, 2, 3}, Shape{2, 2}); err == nil {
		t.Error("FromSlice with wrong length should fail")
	}
}

func TestCreationHelpers(t *testing.T) {
	ones := Ones[int32](Shape{3})
	for i, v := range View[int32](ones) {
		if v != 1 {
			t.Errorf("ones[%d] = %d", i, v)
		}
	}
	full := Full[float64](Shape{2}, 2.5)
	for i, v := range View[float64](full) {
		if v != 2.5 {
			t.Errorf("full[%d] = %v", i, v)
		}
	}
	ar := Arange[int64](4)
	for i, v := range View[int64](ar) {
		if v != int64(i) {
			t.Errorf("arange[%d] = %d", i, v)
		}
	}

	z := Zeros[float64](Shape{2, 2})
	View[float64](z)[3] = 5
	z.Zero()
	if View[float64](z)[3] != 0 {
		t.Error("Zero should clear all elements")
	}
}

func TestPromote(t *testing.T) {
	cases := []struct {
		a, b, want DataType
	}{
		{Int32, Int64, Int64},
		{Int64, Float32, Float32},
		{Float32, Float64, Float64},
		{Bool, Int32, Int32},
		{Uint8, Float64, Float64},
	}
	for _, tc := range cases {
		if got := Promote(tc.a, tc.b); got != tc.want {
			t.Errorf("Promote(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}
