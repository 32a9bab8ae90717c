package person

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casemerge/internal/merge"
)

// -- Mock Person Repository --

type logEntry struct {
	CaseID  uuid.UUID
	Actor   string
	Message string
	At      time.Time
}

type mockState struct {
	persons map[uuid.UUID]*Person
	cases   map[uuid.UUID]uuid.UUID // case id -> owning person
	order   []uuid.UUID             // case insertion order
	logs    []logEntry
}

func (s mockState) clone() mockState {
	out := mockState{
		persons: make(map[uuid.UUID]*Person, len(s.persons)),
		cases:   make(map[uuid.UUID]uuid.UUID, len(s.cases)),
		order:   append([]uuid.UUID(nil), s.order...),
		logs:    append([]logEntry(nil), s.logs...),
	}
	for id, p := range s.persons {
		out.persons[id] = p.Clone()
	}
	for id, owner := range s.cases {
		out.cases[id] = owner
	}
	return out
}

type mockPersonRepo struct {
	state  mockState
	inTx   bool
	failOn string
}

func newMockPersonRepo() *mockPersonRepo {
	return &mockPersonRepo{state: mockState{
		persons: make(map[uuid.UUID]*Person),
		cases:   make(map[uuid.UUID]uuid.UUID),
	}}
}

func (m *mockPersonRepo) add(p *Person) *Person {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.JurisdictionID == "" {
		p.JurisdictionID = "county-1"
	}
	m.state.persons[p.ID] = p.Clone()
	return p
}

func (m *mockPersonRepo) addCases(owner uuid.UUID, n int) []uuid.UUID {
	var ids []uuid.UUID
	for i := 0; i < n; i++ {
		id := uuid.New()
		m.state.cases[id] = owner
		m.state.order = append(m.state.order, id)
		ids = append(ids, id)
	}
	return ids
}

func (m *mockPersonRepo) fail(step string) error {
	if m.failOn == step {
		return fmt.Errorf("injected %s failure", step)
	}
	return nil
}

func (m *mockPersonRepo) GetByID(_ context.Context, id uuid.UUID) (*Person, error) {
	p, ok := m.state.persons[id]
	if !ok {
		return nil, fmt.Errorf("%w: person %s", merge.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (m *mockPersonRepo) LockPair(ctx context.Context, idA, idB uuid.UUID) (*Person, *Person, error) {
	if !m.inTx {
		return nil, nil, errors.New("lock outside transaction")
	}
	a, err := m.GetByID(ctx, idA)
	if err != nil {
		return nil, nil, err
	}
	b, err := m.GetByID(ctx, idB)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func (m *mockPersonRepo) Update(_ context.Context, p *Person) error {
	if err := m.fail("update"); err != nil {
		return err
	}
	if _, ok := m.state.persons[p.ID]; !ok {
		return merge.ErrNotFound
	}
	m.state.persons[p.ID] = p.Clone()
	return nil
}

func (m *mockPersonRepo) Delete(_ context.Context, id uuid.UUID) error {
	if err := m.fail("delete"); err != nil {
		return err
	}
	for _, owner := range m.state.cases {
		if owner == id {
			return merge.Inconsistent("person %s is still referenced", id)
		}
	}
	delete(m.state.persons, id)
	return nil
}

func (m *mockPersonRepo) ReassignCases(_ context.Context, from, to uuid.UUID) (int64, error) {
	var n int64
	for id, owner := range m.state.cases {
		if owner == from {
			m.state.cases[id] = to
			n++
		}
	}
	return n, nil
}

func (m *mockPersonRepo) DeleteTags(_ context.Context, personID uuid.UUID) (int64, error) {
	p, ok := m.state.persons[personID]
	if !ok {
		return 0, nil
	}
	n := int64(len(p.Tags))
	p.Tags = nil
	return n, nil
}

func (m *mockPersonRepo) CaseIDs(_ context.Context, personID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, id := range m.state.order {
		if m.state.cases[id] == personID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockPersonRepo) AppendCaseLog(_ context.Context, caseID uuid.UUID, actor, message string, at time.Time) error {
	if err := m.fail("log"); err != nil {
		return err
	}
	m.state.logs = append(m.state.logs, logEntry{CaseID: caseID, Actor: actor, Message: message, At: at})
	return nil
}

// mockTx restores the repository state when fn fails.
type mockTx struct {
	repo *mockPersonRepo
}

func (t mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	saved := t.repo.state.clone()
	t.repo.inTx = true
	defer func() { t.repo.inTx = false }()
	if err := fn(ctx); err != nil {
		t.repo.state = saved
		return err
	}
	return nil
}
