package einsum

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/loom-ml/loom/internal/tensor"
)

// SolveConstraints turns the collected range evidence into ordered axis
// definitions. Entangled pairs resolve first: the partner with direct
// evidence solves by its own rule and the other's range derives from
// the containing axis. Shifted indices solve by intersection, unshifted
// by strict agreement with runtime equality checks.
func SolveConstraints(st *Store) error {
	todo := make([]string, 0, len(st.LeftInd)+len(st.RedInd))
	todo = append(todo, st.LeftInd...)
	for _, i := range st.RedInd {
		dup := false
		for _, have := range todo {
			if have == i {
				dup = true
			}
		}
		if !dup {
			todo = append(todo, i)
		}
	}

	defined := make(map[string]bool)
	var errs error

	for _, p := range st.PairConstraints {
		di := len(st.Constraints[p.I]) > 0
		dj := len(st.Constraints[p.J]) > 0
		switch {
		case di && dj:
			// Both determinable alone; the pair only implies a runtime
			// containment check, which bind performs once axes resolve.
		case di:
			st.defineDirect(p.I, defined)
			st.AxisDefs = append(st.AxisDefs, AxisDef{
				Index: p.J, Mode: axisDerived, Pair: p, Partner: p.I,
			})
			defined[p.J] = true
		case dj:
			st.defineDirect(p.J, defined)
			st.AxisDefs = append(st.AxisDefs, AxisDef{
				Index: p.I, Mode: axisDerived, Pair: p, Partner: p.J,
			})
			defined[p.I] = true
		default:
			errs = multierr.Append(errs, errors.Wrapf(ErrUnconstrainedIndex,
				"%s and %s are entangled in %s and neither has a range", p.I, p.J, p.Array))
		}
	}
	if errs != nil {
		return errs
	}

	for _, idx := range todo {
		if defined[idx] {
			continue
		}
		if len(st.Constraints[idx]) == 0 {
			errs = multierr.Append(errs, errors.Wrapf(ErrUnconstrainedIndex, "%s", idx))
			continue
		}
		st.defineDirect(idx, defined)
	}
	return errs
}

func (st *Store) defineDirect(idx string, defined map[string]bool) {
	if defined[idx] {
		return
	}
	mode := axisAgree
	if st.ShiftedInd[idx] {
		mode = axisIntersect
	}
	st.AxisDefs = append(st.AxisDefs, AxisDef{
		Index:      idx,
		Mode:       mode,
		Candidates: st.Constraints[idx],
	})
	defined[idx] = true
}

// ResolveAxes evaluates the ordered axis definitions against concrete
// shapes and scalar bindings, enforcing the strict-agreement checks the
// solver deferred to runtime.
func ResolveAxes(st *Store, shapes map[string]tensor.Shape, scalars map[string]float64) (map[string]tensor.Axis, error) {
	axes := make(map[string]tensor.Axis, len(st.AxisDefs))
	for _, def := range st.AxisDefs {
		switch def.Mode {
		case axisDerived:
			partner, ok := axes[def.Partner]
			if !ok {
				return nil, errors.Errorf("axis of %s resolved before its partner %s", def.Index, def.Partner)
			}
			shape, ok := shapes[def.Pair.Array]
			if !ok {
				return nil, errors.Errorf("array %s not bound", def.Pair.Array)
			}
			outer := shape.Axis(def.Pair.AxisNum).Shift(def.Pair.Offset)
			derived := tensor.Axis{Lo: outer.Lo - partner.Lo, Hi: outer.Hi - partner.Hi + 1}
			if derived.Empty() {
				return nil, errors.Wrapf(ErrRangeDisagreement,
					"axis of %s in %s leaves no room for %s", def.Partner, def.Pair.Array, def.Index)
			}
			axes[def.Index] = derived

		case axisIntersect:
			var acc tensor.Axis
			for k, cand := range def.Candidates {
				r, err := cand.Concrete(shapes, scalars)
				if err != nil {
					return nil, err
				}
				if k == 0 {
					acc = r
				} else {
					acc = acc.Intersect(r)
				}
			}
			if acc.Empty() {
				return nil, errors.Wrapf(ErrRangeDisagreement, "index %s has an empty intersected range", def.Index)
			}
			axes[def.Index] = acc

		default: // axisAgree
			var nominal tensor.Axis
			for k, cand := range def.Candidates {
				r, err := cand.Concrete(shapes, scalars)
				if err != nil {
					return nil, err
				}
				if k == 0 {
					nominal = r
					continue
				}
				if !r.Equal(nominal) {
					return nil, errors.Wrapf(ErrRangeDisagreement,
						"index %s: range %s from %s disagrees with %s", def.Index, r, cand, nominal)
				}
			}
			axes[def.Index] = nominal
		}
	}
	return axes, nil
}
