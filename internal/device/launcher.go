// Package device launches synthesized loop-nest kernels on a GPU
// through WebGPU. The expression compiler emits WGSL; this package owns
// the instance, pipelines, and buffer traffic.
package device

import (
	"sync"

	"github.com/loom-ml/loom/internal/tensor"
)

// KernelSpec is one generated compute kernel plus its dispatch inputs.
type KernelSpec struct {
	Name        string    // pipeline cache key (program fingerprint)
	Source      string    // WGSL text
	Entry       string    // entry point, normally "main"
	Workgroup   int       // threads per workgroup
	Invocations int       // global threads = linearized free-index space
	Params      []uint32  // runtime integers: keep flag, axis lengths, array dims
	Scalars     []float32 // lifted scalar values
}

// Launcher executes kernel specs against raw tensors.
type Launcher interface {
	// Available reports whether a device was acquired.
	Available() bool
	// Dispatch uploads inputs, runs the kernel, and copies the result
	// back into out. Inputs bind in order after the output buffer.
	Dispatch(spec KernelSpec, out *tensor.RawTensor, inputs []*tensor.RawTensor) error
}

var (
	defaultOnce sync.Once
	defaultL    Launcher
)

// Default returns the process-wide launcher: a WebGPU-backed one when a
// device can be acquired, otherwise an inert stub. The probe runs once.
func Default() Launcher {
	defaultOnce.Do(func() {
		l, err := NewWebGPU()
		if err != nil {
			defaultL = unavailable{}
			return
		}
		defaultL = l
	})
	return defaultL
}

type unavailable struct{}

func (unavailable) Available() bool { return false }

func (unavailable) Dispatch(KernelSpec, *tensor.RawTensor, []*tensor.RawTensor) error {
	return errNoDevice
}
