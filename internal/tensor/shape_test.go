package tensor

import "testing"

func TestShapeNumElements(t *testing.T) {
	cases := []struct {
		shape Shape
		want  int
	}{
		{Shape{}, 1},
		{Shape{5}, 5},
		{Shape{2, 3}, 6},
		{Shape{2, 3, 4}, 24},
	}
	for _, tc := range cases {
		if got := tc.shape.NumElements(); got != tc.want {
			t.Errorf("NumElements(%v) = %d, want %d", tc.shape, got, tc.want)
		}
	}
}

func TestShapeValidate(t *testing.T) {
	if err := (Shape{2, 3}).Validate(); err != nil {
		t.Errorf("Validate(2,3) = %v, want nil", err)
	}
	if err := (Shape{2, 0}).Validate(); err == nil {
		t.Error("Validate(2,0) should fail")
	}
	if err := (Shape{-1}).Validate(); err == nil {
		t.Error("Validate(-1) should fail")
	}
}

func TestShapeComputeStrides(t *testing.T) {
	strides := Shape{2, 3, 4}.ComputeStrides()
	want := []int{12, 4, 1}
	for i := range want {
		if strides[i] != want[i] {
			t.Errorf("stride[%d] = %d, want %d", i, strides[i], want[i])
		}
	}
}

func TestShapeAxis(t *testing.T) {
	ax := Shape{2, 5}.Axis(1)
	if ax.Lo != 0 || ax.Hi != 5 {
		t.Errorf("Axis(1) = %v, want 0:5", ax)
	}
}

func TestShapeEqualClone(t *testing.T) {
	s := Shape{2, 3}
	c := s.Clone()
	if !s.Equal(c) {
		t.Error("clone should equal original")
	}
	c[0] = 9
	if s[0] == 9 {
		t.Error("clone should not share memory")
	}
	if s.Equal(Shape{2}) || s.Equal(Shape{3, 2}) {
		t.Error("unequal shapes reported equal")
	}
}
