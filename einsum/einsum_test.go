// Copyright 2026 Loom ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package einsum_test

import (
	"fmt"

	"github.com/loom-ml/loom/einsum"
	"github.com/loom-ml/loom/tensor"
)

func ExampleCompile() {
	prog, err := einsum.Compile(`Z[i,k] := A[i,j] * B[j,k]`)
	if err != nil {
		panic(err)
	}

	a, _ := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{2, 2})
	b, _ := tensor.FromSlice([]float64{5, 6, 7, 8}, tensor.Shape{2, 2})

	z, err := prog.Run(einsum.Inputs{"A": a, "B": b})
	if err != nil {
		panic(err)
	}
	fmt.Println(tensor.View[float64](z))
	// Output:
	// [19 22 43 50]
}

func ExampleProgram_Gradient() {
	prog, err := einsum.Compile(`Z[i,k] := A[i,j] * B[j,k]`, einsum.Grad(einsum.GradSymbolic))
	if err != nil {
		panic(err)
	}

	a, _ := tensor.FromSlice([]float64{1, 2}, tensor.Shape{1, 2})
	b, _ := tensor.FromSlice([]float64{3, 4}, tensor.Shape{2, 1})
	dz := tensor.Ones[float64](tensor.Shape{1, 1})

	grads, err := prog.Gradient(dz, einsum.Inputs{"A": a, "B": b})
	if err != nil {
		panic(err)
	}
	fmt.Println(tensor.View[float64](grads["A"]))
	fmt.Println(tensor.View[float64](grads["B"]))
	// Output:
	// [3 4]
	// [1 2]
}
