package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casemerge/internal/catalog"
)

// Entity is the read side of a mergeable record type.
type Entity[R any] interface {
	Kind() catalog.Kind
	Attributes() []Attribute[R]
	ID(r *R) uuid.UUID
	// Fetch returns ErrNotFound when id does not resolve.
	Fetch(ctx context.Context, id uuid.UUID) (*R, error)
	// Compatible returns ErrConsistencyViolation when a and b cannot be merged.
	Compatible(a, b *R) error
	DefaultKeep(a, b *R) Side
	Clone(r *R) *R
}

// Session holds the snapshots of two records and one decision per attribute.
// It holds no database resources and may live for as long as the operator
// needs.
type Session[R any] struct {
	ID        uuid.UUID
	IDA       uuid.UUID
	IDB       uuid.UUID
	Keep      Side
	CreatedAt time.Time

	entity    Entity[R]
	snapA     *R
	snapB     *R
	decisions []Decision[R]
}

// NewSession fetches both records, checks they can be merged and builds the
// default decisions.
func NewSession[R any](ctx context.Context, e Entity[R], idA, idB uuid.UUID) (*Session[R], error) {
	if idA == idB {
		return nil, Inconsistent("cannot merge %s %s with itself", e.Kind(), idA)
	}
	s := &Session[R]{
		ID:        uuid.New(),
		IDA:       idA,
		IDB:       idB,
		CreatedAt: time.Now().UTC(),
		entity:    e,
	}
	if err := s.Rebuild(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Rebuild re-reads both records and rebuilds every decision from current
// data. Operator choices are discarded.
func (s *Session[R]) Rebuild(ctx context.Context) error {
	a, err := s.entity.Fetch(ctx, s.IDA)
	if err != nil {
		return fmt.Errorf("fetch %s %s: %w", s.entity.Kind(), s.IDA, err)
	}
	b, err := s.entity.Fetch(ctx, s.IDB)
	if err != nil {
		return fmt.Errorf("fetch %s %s: %w", s.entity.Kind(), s.IDB, err)
	}
	if err := s.entity.Compatible(a, b); err != nil {
		return err
	}
	s.reset(a, b)
	return nil
}

func (s *Session[R]) reset(a, b *R) {
	s.snapA = s.entity.Clone(a)
	s.snapB = s.entity.Clone(b)
	s.Keep = s.entity.DefaultKeep(s.snapA, s.snapB)
	attrs := s.entity.Attributes()
	s.decisions = make([]Decision[R], 0, len(attrs))
	for _, attr := range attrs {
		s.decisions = append(s.decisions, attr.Decide(s.snapA, s.snapB))
	}
}

func (s *Session[R]) Kind() catalog.Kind { return s.entity.Kind() }

// Snapshots returns copies of the baseline records.
func (s *Session[R]) Snapshots() (a, b *R) {
	return s.entity.Clone(s.snapA), s.entity.Clone(s.snapB)
}

func (s *Session[R]) Decisions() []Decision[R] {
	out := make([]Decision[R], len(s.decisions))
	copy(out, s.decisions)
	return out
}

func (s *Session[R]) Decision(field string) (Decision[R], error) {
	for _, d := range s.decisions {
		if d.Name() == field {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
}

func (s *Session[R]) Choose(field string, src Source) error {
	d, err := s.Decision(field)
	if err != nil {
		return err
	}
	return d.Choose(src)
}

func (s *Session[R]) Edit(field, raw string) error {
	d, err := s.Decision(field)
	if err != nil {
		return err
	}
	return d.Edit(raw)
}

// DescribeAll lists the non-trivial decisions in catalog order.
func (s *Session[R]) DescribeAll() []Description {
	var out []Description
	for _, d := range s.decisions {
		if d.Trivial() {
			continue
		}
		out = append(out, d.Describe())
	}
	return out
}

// Choice is a persisted operator decision.
type Choice struct {
	Field  string `json:"field"`
	Source Source `json:"source"`
	Value  string `json:"value,omitempty"`
}

// State is the serialized form of a session.
type State struct {
	ID        uuid.UUID       `json:"id"`
	Kind      catalog.Kind    `json:"kind"`
	IDA       uuid.UUID       `json:"id_a"`
	IDB       uuid.UUID       `json:"id_b"`
	Keep      Side            `json:"keep"`
	SnapshotA json.RawMessage `json:"snapshot_a"`
	SnapshotB json.RawMessage `json:"snapshot_b"`
	Choices   []Choice        `json:"choices"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Session[R]) State() (State, error) {
	a, err := json.Marshal(s.snapA)
	if err != nil {
		return State{}, fmt.Errorf("encode snapshot a: %w", err)
	}
	b, err := json.Marshal(s.snapB)
	if err != nil {
		return State{}, fmt.Errorf("encode snapshot b: %w", err)
	}
	st := State{
		ID:        s.ID,
		Kind:      s.entity.Kind(),
		IDA:       s.IDA,
		IDB:       s.IDB,
		Keep:      s.Keep,
		SnapshotA: a,
		SnapshotB: b,
		CreatedAt: s.CreatedAt,
	}
	for _, d := range s.decisions {
		st.Choices = append(st.Choices, Choice{Field: d.Name(), Source: d.Source(), Value: d.EditText()})
	}
	return st, nil
}

// RestoreSession rebuilds a session from its State without touching the
// database. Choices for fields no longer in the catalog are ignored.
func RestoreSession[R any](e Entity[R], st State) (*Session[R], error) {
	if st.Kind != e.Kind() {
		return nil, fmt.Errorf("%w: %s is a %s session", ErrSessionNotFound, st.ID, st.Kind)
	}
	a, b := new(R), new(R)
	if err := json.Unmarshal(st.SnapshotA, a); err != nil {
		return nil, fmt.Errorf("decode snapshot a: %w", err)
	}
	if err := json.Unmarshal(st.SnapshotB, b); err != nil {
		return nil, fmt.Errorf("decode snapshot b: %w", err)
	}

	s := &Session[R]{ID: st.ID, IDA: st.IDA, IDB: st.IDB, CreatedAt: st.CreatedAt, entity: e}
	s.reset(a, b)
	s.Keep = st.Keep
	for _, c := range st.Choices {
		d, err := s.Decision(c.Field)
		if err != nil {
			continue
		}
		if c.Source == SourceEdit {
			err = d.Edit(c.Value)
		} else {
			err = d.Choose(c.Source)
		}
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", c.Field, err)
		}
	}
	return s, nil
}
