// Package patch models the controllable parameters of a synthesizer and the
// mapping between a full patch and the reduced vector a search engine works
// on. Parameters that are overridden are frozen to fixed values and never
// appear in the reduced vector.
package patch

import (
	"math"
	"math/rand"
	"sort"

	"github.com/copyleftdev/synthmatch/internal/errors"
)

// Legal parameter range. Every value is normalized into it.
const (
	MinValue = 0.0
	MaxValue = 1.0
)

var (
	// ErrAmbiguousPatchLength is returned by SetPatch when a raw vector
	// matches neither the free nor the full parameter count.
	ErrAmbiguousPatchLength = errors.Sentinel("ambiguous patch length")
	// ErrParameterRange is returned for an out-of-range value when clamping
	// is disabled.
	ErrParameterRange = errors.Sentinel("parameter value out of range")
	// ErrParameterCountMismatch is returned by ExpandSubPatch when the
	// vector length matches neither the free nor the full parameter count.
	ErrParameterCountMismatch = errors.Sentinel("parameter count mismatch")
	// ErrUnknownParameter is returned when a pair names an index the
	// synthesizer does not expose.
	ErrUnknownParameter = errors.Sentinel("unknown parameter")
	// ErrInvalidParameter is returned for malformed parameter lists.
	ErrInvalidParameter = errors.Sentinel("invalid parameter list")
)

// Parameter is one controllable synthesizer parameter.
type Parameter struct {
	Index   int     `json:"index"`
	Name    string  `json:"name"`
	Default float64 `json:"default"`
}

// Value is an (index, value) pair.
type Value struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// Patch is an ordered list of parameter values.
type Patch []Value

// Indices returns the parameter indices in patch order.
func (p Patch) Indices() []int {
	out := make([]int, len(p))
	for i, v := range p {
		out[i] = v.Index
	}
	return out
}

// Values returns the parameter values in patch order.
func (p Patch) Values() []float64 {
	out := make([]float64, len(p))
	for i, v := range p {
		out[i] = v.Value
	}
	return out
}

// Lookup returns the value stored for index.
func (p Patch) Lookup(index int) (float64, bool) {
	for _, v := range p {
		if v.Index == index {
			return v.Value, true
		}
	}
	return 0, false
}

// Sorted returns a copy ordered by ascending index.
func (p Patch) Sorted() Patch {
	out := append(Patch(nil), p...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Clamp forces v into [lo, hi]. NaN is returned unchanged.
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Option configures a Model.
type Option func(*Model)

// WithClamp sets the clamp policy. When disabled, out-of-range values are
// rejected with ErrParameterRange instead of being clamped.
func WithClamp(clamp bool) Option {
	return func(m *Model) {
		m.clamp = clamp
	}
}

// WithOverrides freezes the given parameters at construction time.
func WithOverrides(overrides Patch) Option {
	return func(m *Model) {
		m.pendingOverrides = overrides
	}
}

// Model holds the parameter set, the current patch and the override
// configuration of one synthesizer session.
type Model struct {
	params   []Parameter
	position map[int]int // parameter index -> position in params
	values   []float64   // parallel to params

	overridden Patch
	isOverride map[int]bool
	free       []int

	clamp    bool
	rendered bool

	pendingOverrides Patch
}

// NewModel builds a model for params. Parameters are kept sorted by index
// and start at their default value.
func NewModel(params []Parameter, opts ...Option) (*Model, error) {
	sorted := append([]Parameter(nil), params...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	m := &Model{
		params:     sorted,
		position:   make(map[int]int, len(sorted)),
		values:     make([]float64, len(sorted)),
		isOverride: map[int]bool{},
		clamp:      true,
	}
	for i, p := range sorted {
		if p.Index < 0 {
			return nil, errors.Wrapf(ErrInvalidParameter, "negative parameter index %d", p.Index)
		}
		if _, dup := m.position[p.Index]; dup {
			return nil, errors.Wrapf(ErrInvalidParameter, "duplicate parameter index %d", p.Index)
		}
		if math.IsNaN(p.Default) {
			return nil, errors.Wrapf(ErrInvalidParameter, "parameter %d default is NaN", p.Index)
		}
		m.position[p.Index] = i
		m.values[i] = Clamp(p.Default, MinValue, MaxValue)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.free = m.computeFree()

	if m.pendingOverrides != nil {
		overrides := m.pendingOverrides
		m.pendingOverrides = nil
		if err := m.SetOverriddenParameters(overrides); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Parameters returns the parameters sorted by index.
func (m *Model) Parameters() []Parameter {
	return append([]Parameter(nil), m.params...)
}

// Indices returns all parameter indices in ascending order.
func (m *Model) Indices() []int {
	out := make([]int, len(m.params))
	for i, p := range m.params {
		out[i] = p.Index
	}
	return out
}

// FreeIndices returns the non-overridden indices in ascending order.
func (m *Model) FreeIndices() []int {
	return append([]int(nil), m.free...)
}

// NumFree is the length of the vectors the search engine manipulates.
func (m *Model) NumFree() int {
	return len(m.free)
}

// Overridden returns the override set sorted by index.
func (m *Model) Overridden() Patch {
	return append(Patch(nil), m.overridden...)
}

// IsOverridden reports whether index is frozen.
func (m *Model) IsOverridden(index int) bool {
	return m.isOverride[index]
}

// Clamping reports the clamp policy.
func (m *Model) Clamping() bool {
	return m.clamp
}

// Rendered reports whether the current patch has been rendered.
func (m *Model) Rendered() bool {
	return m.rendered
}

// MarkRendered records that the current patch has been rendered.
func (m *Model) MarkRendered() {
	m.rendered = true
}

// SetPatch sets free parameters from a raw vector. A vector of free length
// maps positionally onto the sorted free indices; a vector of full length
// supplies the value for each free index from that index's position.
// Overridden parameters are never altered. An empty vector is a no-op.
func (m *Model) SetPatch(values []float64) error {
	if len(values) == 0 {
		return nil
	}

	var pairs Patch
	switch len(values) {
	case len(m.free):
		pairs = make(Patch, len(m.free))
		for i, idx := range m.free {
			pairs[i] = Value{Index: idx, Value: values[i]}
		}
	case len(m.params):
		pairs = make(Patch, len(m.free))
		for i, idx := range m.free {
			pairs[i] = Value{Index: idx, Value: values[m.position[idx]]}
		}
	default:
		return errors.Wrapf(ErrAmbiguousPatchLength,
			"received %d values, synthesizer has %d free and %d total parameters",
			len(values), len(m.free), len(m.params))
	}
	return m.SetPatchValues(pairs)
}

// SetPatchValues sets parameters from explicit pairs. Pairs naming an
// overridden parameter are skipped. The update is all or nothing.
func (m *Model) SetPatchValues(pairs Patch) error {
	if len(pairs) == 0 {
		return nil
	}

	next := append([]float64(nil), m.values...)
	for _, pv := range pairs {
		pos, ok := m.position[pv.Index]
		if !ok {
			return errors.Wrapf(ErrUnknownParameter, "parameter index %d", pv.Index)
		}
		if m.isOverride[pv.Index] {
			continue
		}
		v, err := m.legalize(pv)
		if err != nil {
			return err
		}
		next[pos] = v
	}

	m.values = next
	m.rendered = false
	return nil
}

// Patch returns the current patch ordered by index. With skipOverridden the
// frozen parameters are left out.
func (m *Model) Patch(skipOverridden bool) Patch {
	out := make(Patch, 0, len(m.params))
	for i, p := range m.params {
		if skipOverridden && m.isOverride[p.Index] {
			continue
		}
		out = append(out, Value{Index: p.Index, Value: m.values[i]})
	}
	return out
}

// Vector returns the current free parameter values in free-index order,
// the representation the search engine uses.
func (m *Model) Vector() []float64 {
	out := make([]float64, len(m.free))
	for i, idx := range m.free {
		out[i] = m.values[m.position[idx]]
	}
	return out
}

// SetOverriddenParameters replaces the override set, writes the override
// values into the current patch and fixes the free index set.
func (m *Model) SetOverriddenParameters(pairs Patch) error {
	next := make(Patch, 0, len(pairs))
	seen := make(map[int]bool, len(pairs))
	for _, pv := range pairs {
		if _, ok := m.position[pv.Index]; !ok {
			return errors.Wrapf(ErrUnknownParameter, "override index %d", pv.Index)
		}
		if seen[pv.Index] {
			return errors.Wrapf(ErrInvalidParameter, "duplicate override index %d", pv.Index)
		}
		seen[pv.Index] = true
		v, err := m.legalize(pv)
		if err != nil {
			return err
		}
		next = append(next, Value{Index: pv.Index, Value: v})
	}
	next = next.Sorted()

	for _, pv := range next {
		m.values[m.position[pv.Index]] = pv.Value
	}
	m.overridden = next
	m.isOverride = seen
	m.free = m.computeFree()
	m.rendered = false
	return nil
}

// Randomize draws uniform values for every free parameter.
func (m *Model) Randomize(rng *rand.Rand) {
	for _, idx := range m.free {
		m.values[m.position[idx]] = rng.Float64()
	}
	m.rendered = false
}

func (m *Model) legalize(pv Value) (float64, error) {
	if math.IsNaN(pv.Value) {
		return 0, errors.Wrapf(ErrParameterRange, "parameter %d value is NaN", pv.Index)
	}
	if m.clamp {
		return Clamp(pv.Value, MinValue, MaxValue), nil
	}
	if pv.Value < MinValue || pv.Value > MaxValue {
		return 0, errors.Wrapf(ErrParameterRange, "parameter %d value %v outside [%v, %v]",
			pv.Index, pv.Value, MinValue, MaxValue)
	}
	return pv.Value, nil
}

func (m *Model) computeFree() []int {
	free := make([]int, 0, len(m.params))
	for _, p := range m.params {
		if !m.isOverride[p.Index] {
			free = append(free, p.Index)
		}
	}
	return free
}

// ExpandSubPatch maps a reduced vector back to full (index, value) pairs by
// zipping it against all minus the overridden indices in ascending order.
// A vector with the full parameter count is mapped positionally with the
// same subtraction applied.
func ExpandSubPatch(values []float64, all []int, overridden Patch) (Patch, error) {
	frozen := make(map[int]bool, len(overridden))
	for _, pv := range overridden {
		frozen[pv.Index] = true
	}

	sortedAll := append([]int(nil), all...)
	sort.Ints(sortedAll)

	position := make(map[int]int, len(sortedAll))
	free := make([]int, 0, len(sortedAll))
	for i, idx := range sortedAll {
		position[idx] = i
		if !frozen[idx] {
			free = append(free, idx)
		}
	}

	switch len(values) {
	case len(free):
		out := make(Patch, len(free))
		for i, idx := range free {
			out[i] = Value{Index: idx, Value: values[i]}
		}
		return out, nil
	case len(sortedAll):
		out := make(Patch, len(free))
		for i, idx := range free {
			out[i] = Value{Index: idx, Value: values[position[idx]]}
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrParameterCountMismatch,
			"received %d values, there are %d non-overridden and %d total parameters",
			len(values), len(free), len(sortedAll))
	}
}
