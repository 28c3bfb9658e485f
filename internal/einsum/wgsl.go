package einsum

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/loom-ml/loom/internal/device"
)

// The device specialization maps the free-index space onto the compute
// grid: one invocation per output element, reduction loops inside the
// invocation. Axis lengths and array dimensions arrive in a params
// buffer so one pipeline serves every shape.
//
// Params layout: [keep, free lens..., reduction lens..., dims of each
// array in order]. Scalars bind as a separate f32 buffer.

const defaultWorkgroup = 64

// wgslNames gives loop indices and arrays ASCII names; equation names
// may carry Unicode the shader language rejects.
type wgslNames struct {
	index map[string]string
	array map[string]string
	arrs  []string // array order
}

func newWGSLNames(st *Store) *wgslNames {
	n := &wgslNames{index: make(map[string]string), array: make(map[string]string)}
	for slot, idx := range orderedIndices(st) {
		n.index[idx] = fmt.Sprintf("v%d", slot)
	}
	for k, a := range st.Arrays {
		n.array[a] = fmt.Sprintf("a%d", k)
		n.arrs = append(n.arrs, a)
	}
	return n
}

func orderedIndices(st *Store) []string {
	out := append([]string(nil), st.LeftInd...)
	for _, i := range st.RedInd {
		dup := false
		for _, have := range out {
			if have == i {
				dup = true
			}
		}
		if !dup {
			out = append(out, i)
		}
	}
	return out
}

// WGSL emits the device kernel source for this program. It needs no
// bound inputs, so the generated text is inspectable without a GPU.
func (p *Program) WGSL() (string, error) {
	return emitWGSL(p.store, p.workgroup())
}

func (p *Program) workgroup() int {
	if p.opts.CUDA > 0 {
		return p.opts.CUDA
	}
	return defaultWorkgroup
}

func emitWGSL(st *Store, workgroup int) (string, error) {
	names := newWGSLNames(st)
	ranks := make(map[string]int, len(st.Checks))
	for _, c := range st.Checks {
		ranks[c.Array] = c.Rank
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// synthesized by loom: %s\n", strings.TrimSpace(st.LeftArray))
	b.WriteString("@group(0) @binding(0) var<storage, read_write> outz: array<f32>;\n")
	for k, a := range names.arrs {
		fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, read> %s: array<f32>; // %s\n", k+1, names.array[a], a)
	}
	fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, read> params: array<u32>;\n", len(names.arrs)+1)
	fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, read> scal: array<f32>;\n\n", len(names.arrs)+2)

	// Static offsets into the params buffer.
	freeAt := 1
	redAt := freeAt + len(st.LeftInd)
	dimAt := make(map[string]int, len(names.arrs))
	at := redAt + len(st.RedInd)
	for _, a := range names.arrs {
		dimAt[a] = at
		at += ranks[a]
	}

	fmt.Fprintf(&b, "@compute @workgroup_size(%d)\n", workgroup)
	b.WriteString("fn main(@builtin(global_invocation_id) gid: vec3<u32>) {\n")

	// Bound check against the linearized free space.
	total := "1u"
	for k := range st.LeftInd {
		total += fmt.Sprintf(" * params[%d]", freeAt+k)
	}
	fmt.Fprintf(&b, "    if (gid.x >= %s) { return; }\n", total)

	// Decompose the grid index into free indices, last fastest.
	b.WriteString("    var rem: i32 = i32(gid.x);\n")
	for k := len(st.LeftInd) - 1; k >= 0; k-- {
		name := names.index[st.LeftInd[k]]
		fmt.Fprintf(&b, "    let %s: i32 = rem %% i32(params[%d]);\n", name, freeAt+k)
		fmt.Fprintf(&b, "    rem = rem / i32(params[%d]);\n", freeAt+k)
	}

	// Array strides from the dims params, row-major.
	emit := &wgslEmitter{st: st, names: names, ranks: ranks, dimAt: dimAt}
	for _, a := range names.arrs {
		for k := 0; k < ranks[a]; k++ {
			fmt.Fprintf(&b, "    let %s_s%d: i32 = %s;\n", names.array[a], k, emit.strideExpr(a, k))
		}
	}

	// Output offset over the free lens, row-major.
	outOff := "0"
	if len(st.LeftInd) > 0 {
		terms := make([]string, len(st.LeftInd))
		for k, idx := range st.LeftInd {
			stride := "1"
			for j := k + 1; j < len(st.LeftInd); j++ {
				stride += fmt.Sprintf(" * i32(params[%d])", freeAt+j)
			}
			terms[k] = fmt.Sprintf("%s * (%s)", names.index[idx], stride)
		}
		outOff = strings.Join(terms, " + ")
	}
	fmt.Fprintf(&b, "    let ozoff: u32 = u32(%s);\n", outOff)

	rhs, err := emit.expr(st.Right)
	if err != nil {
		return "", err
	}

	if len(st.RedInd) == 0 {
		fmt.Fprintf(&b, "    var v: f32 = %s;\n", rhs)
		fmt.Fprintf(&b, "    if (params[0] != 0u) { v = %s; }\n", wgslCombine(st.RedFun, "outz[ozoff]", "v"))
		b.WriteString("    outz[ozoff] = v;\n}\n")
		return b.String(), nil
	}

	fmt.Fprintf(&b, "    var acc: f32 = %s;\n", wgslInit(st.RedFun))
	b.WriteString("    if (params[0] != 0u) { acc = outz[ozoff]; }\n")
	pad := "    "
	for k, idx := range st.RedInd {
		name := names.index[idx]
		fmt.Fprintf(&b, "%sfor (var %s: i32 = 0; %s < i32(params[%d]); %s = %s + 1) {\n",
			pad, name, name, redAt+k, name, name)
		pad += "    "
	}
	fmt.Fprintf(&b, "%sacc = %s;\n", pad, wgslCombine(st.RedFun, "acc", rhs))
	for range st.RedInd {
		pad = pad[:len(pad)-4]
		b.WriteString(pad + "}\n")
	}
	if st.RightOuter != nil {
		hoisted, err := emit.expr(st.RightOuter)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "    acc = acc + (%s);\n", hoisted)
	}
	b.WriteString("    outz[ozoff] = acc;\n}\n")
	return b.String(), nil
}

func wgslInit(redfun string) string {
	switch redfun {
	case "*":
		return "1.0"
	case "max":
		return "-3.4028235e38"
	case "min":
		return "3.4028235e38"
	default:
		return "0.0"
	}
}

func wgslCombine(redfun, acc, v string) string {
	switch redfun {
	case "*":
		return fmt.Sprintf("%s * (%s)", acc, v)
	case "max":
		return fmt.Sprintf("max(%s, %s)", acc, v)
	case "min":
		return fmt.Sprintf("min(%s, %s)", acc, v)
	default:
		return fmt.Sprintf("%s + (%s)", acc, v)
	}
}

type wgslEmitter struct {
	st    *Store
	names *wgslNames
	ranks map[string]int
	dimAt map[string]int
}

// strideExpr is the row-major stride of axis k as a params product.
func (w *wgslEmitter) strideExpr(array string, k int) string {
	rank := w.ranks[array]
	if k == rank-1 {
		return "1"
	}
	parts := make([]string, 0, rank-k-1)
	for j := k + 1; j < rank; j++ {
		parts = append(parts, fmt.Sprintf("i32(params[%d])", w.dimAt[array]+j))
	}
	return strings.Join(parts, " * ")
}

func (w *wgslEmitter) scalarSlot(name string) (int, error) {
	for k, s := range w.st.Scalars {
		if s == name {
			return k, nil
		}
	}
	return 0, errors.Errorf("scalar %s not collected", name)
}

func (w *wgslEmitter) expr(e *Expr) (string, error) {
	switch e.Kind {
	case exprLit:
		if e.IsInt {
			return fmt.Sprintf("%d.0", e.IntVal), nil
		}
		return fmt.Sprintf("%g", e.FloatVal), nil

	case exprScalar:
		slot, err := w.scalarSlot(e.Name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("scal[%d]", slot), nil

	case exprIndex:
		return fmt.Sprintf("f32(%s)", w.names.index[e.Name]), nil

	case exprArray:
		off, err := w.offset(e)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s[u32(%s)]", w.names.array[e.Name], off), nil

	case exprUnary:
		arg, err := w.expr(e.Args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(-%s)", arg), nil

	case exprBinary:
		a, err := w.expr(e.Args[0])
		if err != nil {
			return "", err
		}
		b, err := w.expr(e.Args[1])
		if err != nil {
			return "", err
		}
		switch e.Op {
		case "+", "-", "*", "/":
			return fmt.Sprintf("(%s %s %s)", a, e.Op, b), nil
		case "^":
			return fmt.Sprintf("pow(%s, %s)", a, b), nil
		case "<", "<=", ">", ">=", "==", "!=":
			return fmt.Sprintf("select(0.0, 1.0, %s %s %s)", a, e.Op, b), nil
		}
		return "", errors.Errorf("operator %s has no device rendering", e.Op)

	case exprCall:
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			s, err := w.expr(a)
			if err != nil {
				return "", err
			}
			args[i] = s
		}
		switch e.Name {
		case "exp", "log", "sqrt", "sin", "cos", "tan", "tanh", "abs", "sign", "pow", "min", "max":
			return fmt.Sprintf("%s(%s)", e.Name, strings.Join(args, ", ")), nil
		case "inv":
			return fmt.Sprintf("(1.0 / %s)", args[0]), nil
		}
		return "", errors.Errorf("function %s has no device rendering", e.Name)

	default:
		return "", errors.Errorf("node kind %d has no device rendering", e.Kind)
	}
}

// offset renders an array reference's flat index in i32 arithmetic.
func (w *wgslEmitter) offset(ref *Expr) (string, error) {
	terms := make([]string, 0, len(ref.Index))
	for k, aff := range ref.Index {
		if aff.Gather != nil {
			return "", errors.New("nested indexing has no device rendering")
		}
		pos := fmt.Sprintf("%d", aff.Offset)
		for _, t := range aff.Terms {
			if t.Scale == 1 {
				pos += fmt.Sprintf(" + %s", w.names.index[t.Index])
			} else {
				pos += fmt.Sprintf(" + %d * %s", t.Scale, w.names.index[t.Index])
			}
		}
		for _, s := range aff.ScalarOffsets {
			slot, err := w.scalarSlot(s)
			if err != nil {
				return "", err
			}
			pos += fmt.Sprintf(" + i32(scal[%d])", slot)
		}
		terms = append(terms, fmt.Sprintf("(%s) * %s_s%d", pos, w.names.array[ref.Name], k))
	}
	if len(terms) == 0 {
		return "0", nil
	}
	return strings.Join(terms, " + "), nil
}

// deviceKernel assembles the dispatch spec for one bound run.
func (p *Program) deviceKernel(b *binding, keep bool) (device.KernelSpec, error) {
	st := p.store
	source, err := emitWGSL(st, p.workgroup())
	if err != nil {
		return device.KernelSpec{}, err
	}

	params := []uint32{0}
	if keep {
		params[0] = 1
	}
	invocations := 1
	for _, idx := range st.LeftInd {
		n := b.axes[idx].Len()
		invocations *= n
		params = append(params, uint32(n))
	}
	for _, idx := range st.RedInd {
		params = append(params, uint32(b.axes[idx].Len()))
	}
	for _, name := range st.Arrays {
		for _, dim := range b.arrays[name].Shape() {
			params = append(params, uint32(dim))
		}
	}
	scalars := make([]float32, 0, len(st.Scalars))
	for _, name := range st.Scalars {
		scalars = append(scalars, float32(b.scalars[name]))
	}

	return device.KernelSpec{
		Name:        p.fingerprint,
		Source:      source,
		Entry:       "main",
		Workgroup:   p.workgroup(),
		Invocations: invocations,
		Params:      params,
		Scalars:     scalars,
	}, nil
}
