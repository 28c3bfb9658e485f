package einsum

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/loom-ml/loom/internal/tensor"
)

// GradMode selects the gradient synthesis strategy.
type GradMode int

// Gradient strategies.
const (
	GradOff GradMode = iota
	GradSymbolic
	GradDual
)

func (m GradMode) String() string {
	switch m {
	case GradOff:
		return "false"
	case GradSymbolic:
		return "symbolic"
	case GradDual:
		return "dual"
	default:
		return "?"
	}
}

// Options controls compilation of one equation.
//
// Threads: -1 disables threading, 0 picks the block size automatically
// from the cost heuristic, >0 sets the minimum block size explicitly.
// AVX: -1 disables the vectorized specialization, 0 enables it with the
// default unroll factor, >0 sets the unroll factor. CUDA is the device
// workgroup size; 0 disables the device specialization.
type Options struct {
	Verbose bool
	Threads int
	Grad    GradMode
	AVX     int
	CUDA    int
	Reduce  string                 // reduction operator override, default "+"
	Ranges  map[string]tensor.Axis // user-declared index ranges
}

func (o Options) clone() Options {
	ranges := make(map[string]tensor.Axis, len(o.Ranges))
	for k, v := range o.Ranges {
		ranges[k] = v
	}
	o.Ranges = ranges
	return o
}

// Option mutates an Options value.
type Option func(*Options) error

// Verbose dumps the analysis store to stderr after compilation.
func Verbose() Option {
	return func(o *Options) error { o.Verbose = true; return nil }
}

// Threads configures the threading layer: -1 disables, 0 is automatic,
// n > 0 sets the minimum block size for splitting.
func Threads(n int) Option {
	return func(o *Options) error {
		if n < -1 {
			return errors.Wrapf(ErrIllegalOptionValue, "threads=%d", n)
		}
		o.Threads = n
		return nil
	}
}

// Grad selects the gradient strategy.
func Grad(m GradMode) Option {
	return func(o *Options) error { o.Grad = m; return nil }
}

// AVX configures the vectorized specialization: -1 disables, 0 is
// automatic, n > 0 forces an unroll factor.
func AVX(n int) Option {
	return func(o *Options) error {
		if n < -1 {
			return errors.Wrapf(ErrIllegalOptionValue, "avx=%d", n)
		}
		o.AVX = n
		return nil
	}
}

// CUDA sets the device workgroup size; 0 disables the device kernel.
func CUDA(workgroup int) Option {
	return func(o *Options) error {
		if workgroup < 0 {
			return errors.Wrapf(ErrIllegalOptionValue, "cuda=%d", workgroup)
		}
		o.CUDA = workgroup
		return nil
	}
}

// Reduce overrides the reduction operator ("+", "*", "max", "min").
func Reduce(op string) Option {
	return func(o *Options) error {
		switch op {
		case "+", "*", "max", "min":
			o.Reduce = op
			return nil
		default:
			return errors.Wrapf(ErrIllegalOptionValue, "reduce=%s", op)
		}
	}
}

// Range declares the range of an index as the half-open axis [lo, hi).
func Range(index string, lo, hi int) Option {
	return func(o *Options) error {
		if hi < lo {
			return errors.Wrapf(ErrIllegalOptionValue, "range %s in %d:%d", index, lo, hi)
		}
		if o.Ranges == nil {
			o.Ranges = make(map[string]tensor.Axis)
		}
		o.Ranges[index] = tensor.Axis{Lo: lo, Hi: hi}
		return nil
	}
}

// Process-wide option defaults. Loaded once from the environment at
// startup; SetDefaults mutates them explicitly.
var (
	defaultsMu sync.RWMutex
	defaults   = optionsFromEnv()
)

func optionsFromEnv() Options {
	o := Options{Reduce: "+"}
	if v, ok := envInt("LOOM_THREADS"); ok {
		o.Threads = v
	}
	if v, ok := envInt("LOOM_AVX"); ok {
		o.AVX = v
	}
	if v, ok := envInt("LOOM_CUDA"); ok && v >= 0 {
		o.CUDA = v
	}
	switch os.Getenv("LOOM_GRAD") {
	case "symbolic":
		o.Grad = GradSymbolic
	case "dual":
		o.Grad = GradDual
	}
	if os.Getenv("LOOM_VERBOSE") == "1" {
		o.Verbose = true
	}
	return o
}

func envInt(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetDefaults updates the process-wide option defaults. This is the
// explicit form of "an invocation with no equation updates defaults".
func SetDefaults(opts ...Option) error {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	next := defaults.clone()
	for _, opt := range opts {
		if err := opt(&next); err != nil {
			return err
		}
	}
	defaults = next
	return nil
}

// Defaults returns an immutable snapshot of the process-wide defaults.
func Defaults() Options {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	return defaults.clone()
}

// ParseArgs interprets a heterogeneous argument list: each element is
// `option=value`, a range declaration `i in lo:hi`, or the equation.
// Exactly zero or one equation is permitted; with zero, the parsed
// options are meant for SetDefaults.
func ParseArgs(args []string) (equation string, opts []Option, err error) {
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		switch {
		case arg == "":
			continue
		case isEquation(arg):
			if equation != "" {
				return "", nil, errors.Wrap(ErrUnsupportedEquation, "more than one equation")
			}
			equation = arg
		case isRangeDecl(arg):
			opt, derr := parseRangeDecl(arg)
			if derr != nil {
				return "", nil, derr
			}
			opts = append(opts, opt)
		case strings.Contains(arg, "="):
			opt, derr := parseOptionArg(arg)
			if derr != nil {
				return "", nil, derr
			}
			opts = append(opts, opt)
		default:
			return "", nil, errors.Wrapf(ErrUnknownOption, "%q", arg)
		}
	}
	return equation, opts, nil
}

// isEquation reports whether the argument contains a top-level := / += /
// = with an indexed or bare-symbol LHS; option args never contain '[',
// ':' before '=', or spaces around their '='.
func isEquation(arg string) bool {
	if strings.Contains(arg, ":=") || strings.Contains(arg, "+=") {
		return true
	}
	i := strings.Index(arg, "=")
	if i < 0 {
		return false
	}
	// Distinguish `Z[i] = rhs` from `threads=4`: an equation's LHS holds
	// brackets or whitespace.
	lhs := arg[:i]
	return strings.ContainsAny(lhs, "[ \t")
}

func isRangeDecl(arg string) bool {
	fields := strings.Fields(arg)
	return len(fields) == 3 && (fields[1] == "in" || fields[1] == "∈")
}

func parseRangeDecl(arg string) (Option, error) {
	fields := strings.Fields(arg)
	lo, hi, ok := strings.Cut(fields[2], ":")
	if !ok {
		return nil, errors.Wrapf(ErrIllegalOptionValue, "range %q wants lo:hi", arg)
	}
	loV, err1 := strconv.Atoi(lo)
	hiV, err2 := strconv.Atoi(hi)
	if err1 != nil || err2 != nil {
		return nil, errors.Wrapf(ErrIllegalOptionValue, "range %q wants integer bounds", arg)
	}
	return Range(fields[0], loV, hiV), nil
}

func parseOptionArg(arg string) (Option, error) {
	name, value, _ := strings.Cut(arg, "=")
	switch name {
	case "verbose":
		b, err := parseBool(value)
		if err != nil {
			return nil, errors.Wrapf(ErrIllegalOptionValue, "verbose=%s", value)
		}
		return func(o *Options) error { o.Verbose = b; return nil }, nil
	case "threads":
		n, err := parseBoolOrInt(value)
		if err != nil {
			return nil, errors.Wrapf(ErrIllegalOptionValue, "threads=%s", value)
		}
		return Threads(n), nil
	case "avx":
		n, err := parseBoolOrInt(value)
		if err != nil {
			return nil, errors.Wrapf(ErrIllegalOptionValue, "avx=%s", value)
		}
		return AVX(n), nil
	case "cuda":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, errors.Wrapf(ErrIllegalOptionValue, "cuda=%s", value)
		}
		return CUDA(n), nil
	case "grad":
		switch value {
		case "false":
			return Grad(GradOff), nil
		case "symbolic":
			return Grad(GradSymbolic), nil
		case "dual":
			return Grad(GradDual), nil
		default:
			return nil, errors.Wrapf(ErrIllegalOptionValue, "grad=%s", value)
		}
	case "reduce":
		return Reduce(value), nil
	default:
		return nil, errors.Wrapf(ErrUnknownOption, "%s", name)
	}
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, errors.Errorf("not a bool: %q", s)
}

// parseBoolOrInt maps false to -1 (disabled), true to 0 (automatic),
// and a positive integer to itself.
func parseBoolOrInt(s string) (int, error) {
	switch s {
	case "false":
		return -1, nil
	case "true":
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("not a bool or positive integer: %q", s)
	}
	return n, nil
}

// cacheKey folds the options that change generated code into the
// program fingerprint.
func (o Options) cacheKey() string {
	var b strings.Builder
	b.WriteString("threads=")
	b.WriteString(strconv.Itoa(o.Threads))
	b.WriteString(";avx=")
	b.WriteString(strconv.Itoa(o.AVX))
	b.WriteString(";cuda=")
	b.WriteString(strconv.Itoa(o.CUDA))
	b.WriteString(";grad=")
	b.WriteString(o.Grad.String())
	b.WriteString(";reduce=")
	b.WriteString(o.Reduce)
	return b.String()
}
