package tensor

import "testing"

func TestAxisLen(t *testing.T) {
	if got := (Axis{Lo: 2, Hi: 7}).Len(); got != 5 {
		t.Errorf("Len = %d, want 5", got)
	}
	if got := (Axis{Lo: 3, Hi: 3}).Len(); got != 0 {
		t.Errorf("empty Len = %d, want 0", got)
	}
	if !(Axis{Lo: 5, Hi: 2}).Empty() {
		t.Error("inverted axis should be empty")
	}
}

func TestAxisIntersect(t *testing.T) {
	a := Axis{Lo: -1, Hi: 4}
	b := Axis{Lo: 0, Hi: 6}
	got := a.Intersect(b)
	if got.Lo != 0 || got.Hi != 4 {
		t.Errorf("Intersect = %v, want 0:4", got)
	}
	if !a.Intersect(Axis{Lo: 10, Hi: 12}).Empty() {
		t.Error("disjoint intersection should be empty")
	}
}

func TestAxisShift(t *testing.T) {
	// Values v with v+1 in [0,5) form [-1,4).
	got := (Axis{Lo: 0, Hi: 5}).Shift(1)
	if got.Lo != -1 || got.Hi != 4 {
		t.Errorf("Shift(1) = %v, want -1:4", got)
	}
}

func TestAxisScale(t *testing.T) {
	// Values v with 2v in [0,6) are 0,1,2.
	got := (Axis{Lo: 0, Hi: 6}).Scale(2)
	if got.Lo != 0 || got.Hi != 3 {
		t.Errorf("Scale(2) of 0:6 = %v, want 0:3", got)
	}
	// Values v with 2v in [0,5) are 0,1,2 as well.
	got = (Axis{Lo: 0, Hi: 5}).Scale(2)
	if got.Lo != 0 || got.Hi != 3 {
		t.Errorf("Scale(2) of 0:5 = %v, want 0:3", got)
	}
	// Values v with 3v in [1,7) are 1,2.
	got = (Axis{Lo: 1, Hi: 7}).Scale(3)
	if got.Lo != 1 || got.Hi != 3 {
		t.Errorf("Scale(3) of 1:7 = %v, want 1:3", got)
	}
}
