package einsum

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/loom-ml/loom/internal/device"
	"github.com/loom-ml/loom/internal/parallel"
	"github.com/loom-ml/loom/internal/tensor"
)

// StorageKind selects the kernel specialization for one bound run.
type StorageKind int

// Kernel specializations.
const (
	Host StorageKind = iota
	HostVector
	Device
)

func (k StorageKind) String() string {
	switch k {
	case Host:
		return "host"
	case HostVector:
		return "host+vector"
	case Device:
		return "device"
	default:
		return "?"
	}
}

// Inputs binds equation names to concrete values: array names to
// *tensor.RawTensor, scalar names to numeric values.
type Inputs map[string]any

// Program is a compiled equation: the analysis store, the solved axis
// definitions, and the gradient plans. Programs are immutable and safe
// for concurrent use.
type Program struct {
	src         string
	opts        Options
	store       *Store
	gradPlans   []gradPlan
	fingerprint string
}

// Process-wide program registry keyed by the store fingerprint.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Program)
)

// Compile analyzes an equation and synthesizes its program, reusing a
// cached program when an identical equation was compiled before.
func Compile(equation string, options ...Option) (*Program, error) {
	opts := Defaults()
	for _, opt := range options {
		if err := opt(&opts); err != nil {
			return nil, err
		}
	}

	st, err := Analyze(equation, opts)
	if err != nil {
		return nil, err
	}
	if err := SolveConstraints(st); err != nil {
		return nil, err
	}

	if opts.Verbose {
		fmt.Fprintf(os.Stderr, "loom equation: %s\n%s", equation, st.Canonical())
	}

	key := st.Fingerprint() + "|" + opts.cacheKey()
	registryMu.RLock()
	cached, ok := registry[key]
	registryMu.RUnlock()
	if ok {
		return cached, nil
	}

	p := &Program{src: equation, opts: opts, store: st, fingerprint: key}
	if opts.Grad != GradOff && st.Flags[flagNewArray] && !st.Flags[flagNoGrad] && st.RedFun == "+" {
		plans, err := synthesizeGradients(st, opts.Grad)
		if err != nil && opts.Grad == GradSymbolic {
			return nil, err
		}
		p.gradPlans = plans
	}
	if err := installHooks(p); err != nil {
		return nil, err
	}

	registryMu.Lock()
	registry[key] = p
	registryMu.Unlock()
	return p, nil
}

// Store exposes the analysis results (read-only by convention).
func (p *Program) Store() *Store { return p.store }

// Fingerprint is the registry key of this program.
func (p *Program) Fingerprint() string { return p.fingerprint }

// Source returns the equation text.
func (p *Program) Source() string { return p.src }

// OutputNames returns the named-axis labels of the output, or nil.
func (p *Program) OutputNames() []string {
	for _, n := range p.store.LeftNames {
		if n != "" {
			return append([]string(nil), p.store.LeftNames...)
		}
	}
	return nil
}

// Explain renders the analysis store for humans.
func (p *Program) Explain() string {
	return fmt.Sprintf("loom program %s\nequation: %s\n%s", p.fingerprint[:8], p.src, p.store.Canonical())
}

// bind validates inputs against the store and resolves axes, element
// type, and output storage.
func (p *Program) bind(inputs Inputs) (*binding, error) {
	st := p.store
	b := &binding{
		store:   st,
		arrays:  make(map[string]*tensor.RawTensor, len(st.Arrays)+1),
		scalars: make(map[string]float64, len(st.Scalars)),
	}
	for _, name := range st.Arrays {
		v, ok := inputs[name]
		if !ok {
			return nil, errors.Errorf("array %s not supplied", name)
		}
		raw, ok := v.(*tensor.RawTensor)
		if !ok {
			return nil, errors.Errorf("input %s must be a *tensor.RawTensor, got %T", name, v)
		}
		b.arrays[name] = raw
	}
	for _, name := range st.Scalars {
		v, ok := inputs[name]
		if !ok {
			return nil, errors.Errorf("scalar %s not supplied", name)
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, errors.Wrapf(err, "scalar %s", name)
		}
		b.scalars[name] = f
	}

	// Preamble: rank checks for every RHS array.
	for _, c := range st.Checks {
		if got := b.arrays[c.Array].Rank(); got != c.Rank {
			return nil, errors.Wrapf(ErrRankMismatch, "%s is rank %d, equation wants rank %d", c.Array, got, c.Rank)
		}
	}

	shapes := make(map[string]tensor.Shape, len(b.arrays))
	for name, raw := range b.arrays {
		shapes[name] = raw.Shape()
	}
	axes, err := ResolveAxes(st, shapes, b.scalars)
	if err != nil {
		return nil, err
	}
	b.axes = axes

	// Entangled positions where both indices had direct ranges need a
	// runtime containment assertion.
	for _, pc := range st.PairConstraints {
		ri, iOK := axes[pc.I]
		rj, jOK := axes[pc.J]
		if !iOK || !jOK {
			continue
		}
		outer := shapes[pc.Array].Axis(pc.AxisNum)
		if ri.Hi-1+rj.Hi-1+pc.Offset > outer.Hi-1 || ri.Lo+rj.Lo+pc.Offset < outer.Lo {
			return nil, errors.Wrapf(ErrRangeDisagreement,
				"%s+%s reaches outside axis %d of %s", pc.I, pc.J, pc.AxisNum, pc.Array)
		}
	}

	// Element type: static inference, then the evaluation probe.
	dtypes := make(map[string]tensor.DataType, len(b.arrays))
	for name, raw := range b.arrays {
		dtypes[name] = raw.DType()
	}
	b.dtype = InferDType(st.Right, dtypes)
	if st.RightOuter != nil {
		b.dtype = tensor.Promote(b.dtype, InferDType(st.RightOuter, dtypes))
	}
	if b.dtype == tensor.Invalid || b.dtype == tensor.Bool || b.dtype == tensor.Uint8 {
		b.dtype = probeDType(b)
	}
	return b, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, errors.Errorf("not a numeric value: %T", v)
	}
}

// prepareOutput allocates a fresh output for :=, or validates the
// caller-supplied one for = and +=.
func (p *Program) prepareOutput(b *binding, inputs Inputs) error {
	st := p.store
	planned, err := planOutput(st, b.axes, st.Flags[flagNewArray])
	if err != nil {
		return err
	}

	if st.Flags[flagNewArray] {
		shape := planned
		if len(shape) == 0 {
			shape = tensor.Shape{} // rank-0 scalar output
		}
		out, err := tensor.NewRaw(shape, b.dtype, tensor.CPU)
		if err != nil {
			return err
		}
		b.out = out
		return nil
	}

	v, ok := inputs[st.LeftArray]
	if !ok {
		return errors.Errorf("output %s not supplied for in-place update", st.LeftArray)
	}
	out, ok := v.(*tensor.RawTensor)
	if !ok {
		return errors.Errorf("output %s must be a *tensor.RawTensor, got %T", st.LeftArray, v)
	}
	if out.Rank() != len(st.LeftRaw) {
		return errors.Wrapf(ErrRankMismatch, "%s is rank %d, equation writes rank %d", st.LeftArray, out.Rank(), len(st.LeftRaw))
	}
	for pos, want := range planned {
		if want >= 0 && out.Shape()[pos] != want {
			return errors.Wrapf(ErrRangeDisagreement,
				"output axis %d of %s has %d indices, equation wants %d", pos, st.LeftArray, out.Shape()[pos], want)
		}
		if want < 0 {
			// Pinned position: the pin must land inside the axis.
			pin := st.LeftRaw[pos].Offset
			for _, s := range st.LeftRaw[pos].ScalarOffsets {
				pin += int(b.scalars[s])
			}
			if pin < 0 || pin >= out.Shape()[pos] {
				return errors.Wrapf(ErrRangeDisagreement,
					"pinned output index %d is outside axis %d of %s", pin, pos, st.LeftArray)
			}
		}
	}
	if out.DType() != b.dtype {
		// The RHS evaluates in the output's own element type for
		// in-place updates.
		b.dtype = out.DType()
	}
	b.out = out
	if st.Flags[flagZero] && !st.Flags[flagPlusEquals] {
		out.Zero()
	}
	return nil
}

// Run executes the forward program against concrete inputs and returns
// the output tensor (the caller's own, for = and +=).
func (p *Program) Run(inputs Inputs) (*tensor.RawTensor, error) {
	b, err := p.bind(inputs)
	if err != nil {
		return nil, err
	}
	if err := p.prepareOutput(b, inputs); err != nil {
		return nil, err
	}

	keep := p.store.Flags[flagPlusEquals]
	kind := p.storageKind(b)

	if kind == Device {
		if err := p.runDevice(b, keep); err == nil {
			return b.out, nil
		}
		// A device failure degrades to the host specializations.
		kind = Host
		if vectorWidth(b, p.opts) > 0 {
			kind = HostVector
		}
	}

	cfg := p.threadConfig()
	block := p.blockThreshold()
	width := 0
	if kind == HostVector {
		width = vectorWidth(b, p.opts)
	}

	switch b.dtype {
	case tensor.Float32:
		err = runHost[float32](b, keep, cfg, block, width)
	case tensor.Float64:
		err = runHost[float64](b, keep, cfg, block, width)
	case tensor.Int32:
		err = runHost[int32](b, keep, cfg, block, width)
	case tensor.Int64:
		err = runHost[int64](b, keep, cfg, block, width)
	default:
		err = errors.Errorf("unsupported element type %s", b.dtype)
	}
	if err != nil {
		return nil, err
	}
	return b.out, nil
}

// storageKind probes capabilities for one bound run: Device when the
// device layer is live and the equation qualifies, HostVector when the
// innermost loop vectorizes, Host otherwise.
func (p *Program) storageKind(b *binding) StorageKind {
	if p.opts.CUDA > 0 && p.deviceEligible(b) && device.Default().Available() {
		return Device
	}
	if vectorWidth(b, p.opts) > 0 {
		return HostVector
	}
	return Host
}

func (p *Program) deviceEligible(b *binding) bool {
	if b.dtype != tensor.Float32 {
		return false
	}
	for _, raw := range b.arrays {
		if raw.DType() != tensor.Float32 {
			return false
		}
	}
	// The grid mapping wants the output laid out exactly as the free
	// index list: bare, unrepeated symbols, no pins.
	if len(p.store.LeftRaw) != len(p.store.LeftInd) {
		return false
	}
	for k, aff := range p.store.LeftRaw {
		if !aff.Bare() || aff.Terms[0].Index != p.store.LeftInd[k] {
			return false
		}
	}
	eligible := true
	p.store.Right.walk(func(e *Expr) {
		if e.Kind == exprArray {
			for _, aff := range e.Index {
				if aff.Gather != nil {
					eligible = false
				}
			}
		}
	})
	// Device iteration spaces are dense grids from zero.
	for _, name := range p.store.LeftInd {
		if ax, ok := b.axes[name]; ok && ax.Lo != 0 {
			eligible = false
		}
	}
	for _, name := range p.store.RedInd {
		if ax, ok := b.axes[name]; ok && ax.Lo != 0 {
			eligible = false
		}
	}
	return eligible
}

func (p *Program) runDevice(b *binding, keep bool) error {
	spec, err := p.deviceKernel(b, keep)
	if err != nil {
		return err
	}
	inputs := make([]*tensor.RawTensor, 0, len(p.store.Arrays))
	for _, name := range p.store.Arrays {
		inputs = append(inputs, b.arrays[name])
	}
	return device.Default().Dispatch(spec, b.out, inputs)
}

func (p *Program) threadConfig() parallel.Config {
	cfg := parallel.DefaultConfig()
	if p.opts.Threads < 0 {
		cfg.Enabled = false
	}
	return cfg
}

// blockThreshold is the minimum work size for splitting: explicit when
// threads > 0, else scaled down by the RHS cost.
func (p *Program) blockThreshold() int {
	if p.opts.Threads > 0 {
		return p.opts.Threads
	}
	block := blockBase / p.store.Cost
	if block < 1 {
		block = 1
	}
	return block
}

// Gradient runs the reverse-mode companion: given the adjoint of the
// output it returns the adjoint of every RHS array, keyed by name.
// Returns nil and no error when gradient synthesis was skipped.
func (p *Program) Gradient(dz *tensor.RawTensor, inputs Inputs) (map[string]*tensor.RawTensor, error) {
	if p.gradPlans == nil {
		return nil, nil
	}
	b, err := p.bind(inputs)
	if err != nil {
		return nil, err
	}
	if !b.dtype.IsFloat() {
		return nil, errors.Errorf("gradient requires a floating-point element type, inferred %s", b.dtype)
	}
	planned, err := planOutput(p.store, b.axes, true)
	if err != nil {
		return nil, err
	}
	if !dz.Shape().Equal(planned) {
		return nil, errors.Wrapf(ErrRankMismatch, "adjoint shape %v, output shape %v", dz.Shape(), planned)
	}
	b.out = dz // leftraw offsets address the adjoint

	grads := make(map[string]*tensor.RawTensor, len(p.store.Arrays))
	for _, name := range p.store.Arrays {
		g, err := tensor.NewRaw(b.arrays[name].Shape(), b.dtype, tensor.CPU)
		if err != nil {
			return nil, err
		}
		grads[name] = g
	}

	cfg := p.threadConfig()
	switch b.dtype {
	case tensor.Float32:
		err = runGradient[float32](b, dz, p.gradPlans, p.opts.Grad, grads, cfg)
	default:
		err = runGradient[float64](b, dz, p.gradPlans, p.opts.Grad, grads, cfg)
	}
	if err != nil {
		return nil, err
	}
	return grads, nil
}
