package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/loom-ml/loom/internal/tensor"
)

var errNoDevice = fmt.Errorf("webgpu: no device available")

// WebGPULauncher owns one WebGPU device and a pipeline cache keyed by
// kernel name.
type WebGPULauncher struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu        sync.RWMutex
	pipelines map[string]*wgpu.ComputePipeline
}

// NewWebGPU acquires a GPU device.
// Returns an error if WebGPU is not available or initialization fails.
func NewWebGPU() (launcher *WebGPULauncher, err error) {
	// Recover from panic if the native library is not found.
	defer func() {
		if r := recover(); r != nil {
			launcher = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance, instanceErr := wgpu.CreateInstance(nil)
	if instanceErr != nil {
		return nil, fmt.Errorf("webgpu: failed to create instance: %w", instanceErr)
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", adapterErr)
	}

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", deviceErr)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	return &WebGPULauncher{
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}, nil
}

// Available reports that a device was acquired.
func (l *WebGPULauncher) Available() bool { return l != nil && l.device != nil }

// getOrCreatePipeline compiles and caches the compute pipeline for one
// kernel spec.
func (l *WebGPULauncher) getOrCreatePipeline(spec KernelSpec) *wgpu.ComputePipeline {
	l.mu.RLock()
	if pipeline, exists := l.pipelines[spec.Name]; exists {
		l.mu.RUnlock()
		return pipeline
	}
	l.mu.RUnlock()

	shader := l.device.CreateShaderModuleWGSL(spec.Source)
	pipeline := l.device.CreateComputePipelineSimple(nil, shader, spec.Entry)

	l.mu.Lock()
	l.pipelines[spec.Name] = pipeline
	l.mu.Unlock()
	return pipeline
}

// createBuffer creates a GPU buffer and uploads initial data.
func (l *WebGPULauncher) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buffer := l.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, data)
	buffer.Unmap()
	return buffer
}

// readBuffer reads data back from a GPU buffer through a staging
// buffer, since storage buffers cannot be mapped directly.
func (l *WebGPULauncher) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := l.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := l.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	cmdBuffer := encoder.Finish(nil)
	l.queue.Submit(cmdBuffer)

	if err := staging.MapAsync(l.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("failed to map staging buffer: %w", err)
	}
	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mappedSlice)
	staging.Unmap()
	return result, nil
}

// Dispatch runs one kernel: output and input tensors become storage
// buffers, params and scalars bind after them, and the result is read
// back into out.
func (l *WebGPULauncher) Dispatch(spec KernelSpec, out *tensor.RawTensor, inputs []*tensor.RawTensor) error {
	if !l.Available() {
		return errNoDevice
	}
	if out.DType() != tensor.Float32 {
		return fmt.Errorf("webgpu: only float32 outputs are supported, got %s", out.DType())
	}

	pipeline := l.getOrCreatePipeline(spec)

	outSize := uint64(out.ByteSize())
	outBuffer := l.createBuffer(out.Data(), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
	defer outBuffer.Release()

	entries := []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, outBuffer, 0, outSize),
	}
	for i, in := range inputs {
		if in.DType() != tensor.Float32 {
			return fmt.Errorf("webgpu: only float32 inputs are supported, got %s", in.DType())
		}
		buf := l.createBuffer(in.Data(), wgpu.BufferUsageStorage)
		defer buf.Release()
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i+1), buf, 0, uint64(in.ByteSize())))
	}

	paramBytes := make([]byte, 4*max(len(spec.Params), 1))
	for i, v := range spec.Params {
		binary.LittleEndian.PutUint32(paramBytes[4*i:], v)
	}
	paramBuffer := l.createBuffer(paramBytes, wgpu.BufferUsageStorage)
	defer paramBuffer.Release()
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(inputs)+1), paramBuffer, 0, uint64(len(paramBytes))))

	scalarBytes := make([]byte, 4*max(len(spec.Scalars), 1))
	for i, v := range spec.Scalars {
		binary.LittleEndian.PutUint32(scalarBytes[4*i:], math.Float32bits(v))
	}
	scalarBuffer := l.createBuffer(scalarBytes, wgpu.BufferUsageStorage)
	defer scalarBuffer.Release()
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(inputs)+2), scalarBuffer, 0, uint64(len(scalarBytes))))

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	bindGroup := l.device.CreateBindGroupSimple(bindGroupLayout, entries)
	defer bindGroup.Release()

	encoder := l.device.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)
	workgroups := uint32((spec.Invocations + spec.Workgroup - 1) / spec.Workgroup)
	computePass.DispatchWorkgroups(workgroups, 1, 1)
	computePass.End()

	cmdBuffer := encoder.Finish(nil)
	l.queue.Submit(cmdBuffer)

	result, err := l.readBuffer(outBuffer, outSize)
	if err != nil {
		return err
	}
	copy(out.Data(), result)
	return nil
}

// Release frees the device resources.
func (l *WebGPULauncher) Release() {
	if l.queue != nil {
		l.queue.Release()
	}
	if l.device != nil {
		l.device.Release()
	}
	if l.adapter != nil {
		l.adapter.Release()
	}
	if l.instance != nil {
		l.instance.Release()
	}
}
