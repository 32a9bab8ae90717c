package casemgmt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casemerge/internal/merge"
)

// -- Mock Case Repository --

type mockState struct {
	cases    map[uuid.UUID]*Case
	tasks    map[uuid.UUID]uuid.UUID
	forms    map[uuid.UUID]uuid.UUID
	logs     []*LogEntry
	contacts []merge.PairRow
}

func (s mockState) clone() mockState {
	out := mockState{
		cases:    make(map[uuid.UUID]*Case, len(s.cases)),
		tasks:    make(map[uuid.UUID]uuid.UUID, len(s.tasks)),
		forms:    make(map[uuid.UUID]uuid.UUID, len(s.forms)),
		contacts: append([]merge.PairRow(nil), s.contacts...),
	}
	for id, c := range s.cases {
		out.cases[id] = c.Clone()
	}
	for id, owner := range s.tasks {
		out.tasks[id] = owner
	}
	for id, owner := range s.forms {
		out.forms[id] = owner
	}
	for _, e := range s.logs {
		cp := *e
		out.logs = append(out.logs, &cp)
	}
	return out
}

type mockCaseRepo struct {
	state  mockState
	inTx   bool
	failOn string
}

func newMockCaseRepo() *mockCaseRepo {
	return &mockCaseRepo{state: mockState{
		cases: make(map[uuid.UUID]*Case),
		tasks: make(map[uuid.UUID]uuid.UUID),
		forms: make(map[uuid.UUID]uuid.UUID),
	}}
}

func (m *mockCaseRepo) add(c *Case) *Case {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.state.cases[c.ID] = c.Clone()
	return c
}

func (m *mockCaseRepo) GetByID(_ context.Context, id uuid.UUID) (*Case, error) {
	c, ok := m.state.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: case %s", merge.ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (m *mockCaseRepo) LockPair(ctx context.Context, idA, idB uuid.UUID) (*Case, *Case, error) {
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

func (m *mockCaseRepo) Update(_ context.Context, c *Case) error {
	if m.failOn == "update" {
		return errors.New("injected update failure")
	}
	if _, ok := m.state.cases[c.ID]; !ok {
		return merge.ErrNotFound
	}
	m.state.cases[c.ID] = c.Clone()
	return nil
}

func (m *mockCaseRepo) SoftDelete(_ context.Context, id uuid.UUID, at time.Time, reason string) error {
	c, ok := m.state.cases[id]
	if !ok {
		return merge.ErrNotFound
	}
	c.DeletedAt, c.DeleteReason = &at, &reason
	return nil
}

func reassignOwner(owners map[uuid.UUID]uuid.UUID, from, to uuid.UUID) int64 {
	var n int64
	for id, owner := range owners {
		if owner == from {
			owners[id] = to
			n++
		}
	}
	return n
}

func (m *mockCaseRepo) ReassignTasks(_ context.Context, from, to uuid.UUID) (int64, error) {
	return reassignOwner(m.state.tasks, from, to), nil
}

func (m *mockCaseRepo) ReassignForms(_ context.Context, from, to uuid.UUID) (int64, error) {
	return reassignOwner(m.state.forms, from, to), nil
}

func (m *mockCaseRepo) ReassignLogs(_ context.Context, from, to uuid.UUID) (int64, error) {
	var n int64
	for _, e := range m.state.logs {
		touched := false
		if e.CaseID == from {
			e.CaseID, touched = to, true
		}
		if e.RelatedCaseID != nil && *e.RelatedCaseID == from {
			id := to
			e.RelatedCaseID, touched = &id, true
		}
		if touched {
			n++
		}
	}
	return n, nil
}

func (m *mockCaseRepo) ContactsTouching(_ context.Context, ids ...uuid.UUID) ([]merge.PairRow, error) {
	var out []merge.PairRow
	for _, p := range m.state.contacts {
		for _, id := range ids {
			if p.Left == id || p.Right == id {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (m *mockCaseRepo) ApplyContactPlan(_ context.Context, plan merge.PairPlan) error {
	drop := make(map[merge.PairRow]bool, len(plan.Drop))
	for _, p := range plan.Drop {
		drop[p] = true
	}
	var kept []merge.PairRow
	for _, p := range m.state.contacts {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	for _, rw := range plan.Rewrite {
		for i, p := range kept {
			if p == rw.From {
				kept[i] = rw.To
			}
		}
	}
	m.state.contacts = kept
	return nil
}

func (m *mockCaseRepo) DeleteTags(_ context.Context, caseID uuid.UUID) (int64, error) {
	c, ok := m.state.cases[caseID]
	if !ok {
		return 0, nil
	}
	n := int64(len(c.Tags))
	c.Tags = nil
	return n, nil
}

func (m *mockCaseRepo) AppendLog(_ context.Context, e *LogEntry) error {
	if m.failOn == "log" {
		return errors.New("injected log failure")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.state.logs = append(m.state.logs, &cp)
	return nil
}

func (m *mockCaseRepo) ListLogs(_ context.Context, caseID uuid.UUID) ([]*LogEntry, error) {
	var out []*LogEntry
	for _, e := range m.state.logs {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// mockTx restores the repository state when fn fails.
type mockTx struct {
	repo *mockCaseRepo
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
