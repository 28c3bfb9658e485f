package tensor

import "fmt"

// Axis is a half-open index range [Lo, Hi). Loop nests iterate axes;
// array dimensions are axes with Lo == 0. Affine index shifts produce
// axes with nonzero Lo.
type Axis struct {
	Lo, Hi int
}

// Len returns the number of indices in the axis, never negative.
func (a Axis) Len() int {
	if a.Hi <= a.Lo {
		return 0
	}
	return a.Hi - a.Lo
}

// Empty reports whether the axis contains no indices.
func (a Axis) Empty() bool {
	return a.Hi <= a.Lo
}

// Equal checks if two axes are identical.
func (a Axis) Equal(b Axis) bool {
	return a.Lo == b.Lo && a.Hi == b.Hi
}

// Intersect returns the largest axis contained in both a and b.
func (a Axis) Intersect(b Axis) Axis {
	r := a
	if b.Lo > r.Lo {
		r.Lo = b.Lo
	}
	if b.Hi < r.Hi {
		r.Hi = b.Hi
	}
	return r
}

// Shift returns the axis translated by -offset: the set of index values
// v such that v+offset lies in a.
func (a Axis) Shift(offset int) Axis {
	return Axis{Lo: a.Lo - offset, Hi: a.Hi - offset}
}

// Scale returns the axis of values v such that scale*v lies in a.
// Only positive integer scales are supported.
func (a Axis) Scale(scale int) Axis {
	if scale <= 0 {
		panic(fmt.Sprintf("axis scale must be positive, got %d", scale))
	}
	if scale == 1 {
		return a
	}
	// ceil(Lo/scale) .. floor((Hi-1)/scale)+1
	lo := a.Lo / scale
	if a.Lo > 0 && a.Lo%scale != 0 {
		lo++
	}
	hi := (a.Hi-1)/scale + 1
	if a.Hi-1 < 0 && (a.Hi-1)%scale != 0 {
		hi--
	}
	if a.Hi <= a.Lo {
		hi = lo
	}
	return Axis{Lo: lo, Hi: hi}
}

// Unit is the single-index axis [0, 1).
var Unit = Axis{Lo: 0, Hi: 1}

// String returns the axis in lo:hi notation.
func (a Axis) String() string {
	return fmt.Sprintf("%d:%d", a.Lo, a.Hi)
}
