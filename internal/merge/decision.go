package merge

import (
	"fmt"

	"github.com/ehr/casemerge/internal/catalog"
)

// Field describes one mergeable attribute of record type R holding values of
// type V. The zero value of V means the record has no value.
type Field[R, V any] struct {
	Type   catalog.FieldType
	Get    func(r *R) V
	Set    func(r *R, v V)
	Equal  func(a, b V) bool
	Empty  func(v V) bool
	Format func(v V) string
	Parse  func(raw string) (V, error)

	// Prefer picks the default side when both records carry a value.
	// Returning false falls back to side A.
	Prefer func(a, b V) (Source, bool)

	// Combine replaces the value picked by sources A and B.
	Combine func(a, b V) V

	// Diff lists element-level changes for the audit entry.
	Diff func(from, to V) []string
}

// Attribute is a catalog entry bound to typed accessors.
type Attribute[R any] interface {
	Info() catalog.FieldInfo
	Decide(a, b *R) Decision[R]
}

// Binder turns a catalog entry into an Attribute.
type Binder[R any] interface {
	Bind(info catalog.FieldInfo) (Attribute[R], error)
}

// Bind checks the catalog type against the accessor type.
func (f Field[R, V]) Bind(info catalog.FieldInfo) (Attribute[R], error) {
	if info.Type != f.Type {
		return nil, fmt.Errorf("field %s: catalog type %s does not match accessor type %s", info.Name, info.Type, f.Type)
	}
	if f.Get == nil || f.Set == nil || f.Equal == nil || f.Empty == nil || f.Format == nil || f.Parse == nil {
		return nil, fmt.Errorf("field %s: incomplete accessor", info.Name)
	}
	return &attribute[R, V]{info: info, f: f}, nil
}

// BuildAttributes binds every catalog field in catalog order. A catalog field
// without a binding is an error; bindings the catalog does not list are not
// merged.
func BuildAttributes[R any](fields []catalog.FieldInfo, bindings map[string]Binder[R]) ([]Attribute[R], error) {
	attrs := make([]Attribute[R], 0, len(fields))
	for _, info := range fields {
		b, ok := bindings[info.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, info.Name)
		}
		attr, err := b.Bind(info)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

type attribute[R, V any] struct {
	info catalog.FieldInfo
	f    Field[R, V]
}

func (a *attribute[R, V]) Info() catalog.FieldInfo { return a.info }

func (a *attribute[R, V]) Decide(ra, rb *R) Decision[R] {
	d := &decision[R, V]{attr: a, a: a.f.Get(ra), b: a.f.Get(rb)}
	emptyA, emptyB := a.f.Empty(d.a), a.f.Empty(d.b)
	switch {
	case emptyA && emptyB:
		d.source = SourceDelete
	case emptyA:
		d.source = SourceB
	case emptyB:
		d.source = SourceA
	default:
		d.source = SourceA
		if a.f.Prefer != nil {
			if src, ok := a.f.Prefer(d.a, d.b); ok {
				d.source = src
			}
		}
		d.conflict = !a.f.Equal(d.a, d.b)
	}
	return d
}

// Decision resolves one attribute of a session.
type Decision[R any] interface {
	Name() string
	Label() string
	Source() Source
	Conflict() bool

	// Choose overrides the source. SourceEdit is only reachable through Edit.
	Choose(src Source) error
	// Edit parses raw and makes it the final value.
	Edit(raw string) error
	// EditText returns the edited value in Edit-parseable form.
	EditText() string

	// Apply checks the live records against the snapshots and, if neither
	// moved, writes the final value into both live records.
	Apply(liveA, liveB, snapA, snapB *R) Outcome
	Describe() Description
	// Trivial reports that merging leaves both sides unchanged.
	Trivial() bool
}

type decision[R, V any] struct {
	attr     *attribute[R, V]
	a, b     V
	source   Source
	edited   V
	conflict bool
}

func (d *decision[R, V]) Name() string   { return d.attr.info.Name }
func (d *decision[R, V]) Label() string  { return d.attr.info.Label }
func (d *decision[R, V]) Source() Source { return d.source }
func (d *decision[R, V]) Conflict() bool { return d.conflict }

func (d *decision[R, V]) Choose(src Source) error {
	switch src {
	case SourceA, SourceB, SourceDelete:
	case SourceEdit:
		return fmt.Errorf("%w: %s: edit requires a value", ErrInvalidValue, d.Name())
	default:
		return fmt.Errorf("%w: %s: source %d", ErrInvalidValue, d.Name(), int(src))
	}
	var zero V
	d.source = src
	d.edited = zero
	return nil
}

func (d *decision[R, V]) Edit(raw string) error {
	v, err := d.attr.f.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, d.Name(), err)
	}
	d.source = SourceEdit
	d.edited = v
	return nil
}

func (d *decision[R, V]) EditText() string {
	if d.source != SourceEdit {
		return ""
	}
	return d.attr.f.Format(d.edited)
}

// resolve is shared by Apply and Describe.
func (d *decision[R, V]) resolve(a, b V) V {
	var zero V
	switch d.source {
	case SourceEdit:
		return d.edited
	case SourceDelete:
		return zero
	}
	if d.attr.f.Combine != nil {
		return d.attr.f.Combine(a, b)
	}
	if d.source == SourceB {
		return b
	}
	return a
}

func (d *decision[R, V]) Apply(liveA, liveB, snapA, snapB *R) Outcome {
	f := d.attr.f
	curA, curB := f.Get(liveA), f.Get(liveB)
	if !f.Equal(curA, f.Get(snapA)) || !f.Equal(curB, f.Get(snapB)) {
		return Stale{Field: d.Name()}
	}

	final := d.resolve(curA, curB)
	out := Applied{
		Field:    d.Name(),
		Label:    d.Label(),
		Value:    f.Format(final),
		BeforeA:  f.Format(curA),
		BeforeB:  f.Format(curB),
		ChangedA: !f.Equal(curA, final),
		ChangedB: !f.Equal(curB, final),
	}
	if f.Diff != nil {
		out.DiffA = f.Diff(curA, final)
		out.DiffB = f.Diff(curB, final)
	}
	f.Set(liveA, final)
	f.Set(liveB, final)
	return out
}

func (d *decision[R, V]) Describe() Description {
	f := d.attr.f
	return Description{
		Field:     d.Name(),
		Label:     d.Label(),
		Operation: d.operation(),
		Value:     f.Format(d.resolve(d.a, d.b)),
		ValueA:    f.Format(d.a),
		ValueB:    f.Format(d.b),
		Source:    d.source,
		Highlight: d.conflict || d.source == SourceEdit,
	}
}

func (d *decision[R, V]) operation() string {
	switch d.source {
	case SourceEdit:
		return "edited"
	case SourceDelete:
		return "cleared"
	}
	if d.attr.f.Combine != nil {
		return "combined"
	}
	if d.source == SourceB {
		return "from B"
	}
	return "from A"
}

func (d *decision[R, V]) Trivial() bool {
	if d.conflict || d.source == SourceEdit {
		return false
	}
	final := d.resolve(d.a, d.b)
	return d.attr.f.Equal(final, d.a) && d.attr.f.Equal(final, d.b)
}

// Outcome is the result of applying one decision: Applied or Stale.
type Outcome interface {
	isOutcome()
}

// Applied reports the final value written into both live records.
type Applied struct {
	Field    string
	Label    string
	Value    string
	BeforeA  string
	BeforeB  string
	ChangedA bool
	ChangedB bool
	DiffA    []string
	DiffB    []string
}

// Stale reports that a live value no longer matches the snapshot.
type Stale struct {
	Field string
}

func (Applied) isOutcome() {}
func (Stale) isOutcome()   {}

// Description is the operator-facing preview of one decision.
type Description struct {
	Field     string `json:"field"`
	Label     string `json:"label"`
	Operation string `json:"operation"`
	Value     string `json:"value"`
	ValueA    string `json:"value_a"`
	ValueB    string `json:"value_b"`
	Source    Source `json:"source"`
	Highlight bool   `json:"highlight"`
}
