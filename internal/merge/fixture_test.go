package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casemerge/internal/catalog"
)

// -- Test record --

type contact struct {
	ID             uuid.UUID  `json:"id"`
	Group          string     `json:"group"`
	Name           *string    `json:"name"`
	Phone          *string    `json:"phone"`
	BirthDate      *time.Time `json:"birth_date"`
	BirthEstimated bool       `json:"birth_estimated"`
	LastSeen       *time.Time `json:"last_seen"`
	Tags           []string   `json:"tags"`
}

func strPtr(s string) *string { return &s }

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

var contactFields = []catalog.FieldInfo{
	{Name: "name", Label: "Name", Type: catalog.TypeString},
	{Name: "phone", Label: "Phone", Type: catalog.TypeString},
	{Name: "birth_date", Label: "Birth date", Type: catalog.TypePreciseDate},
	{Name: "last_seen", Label: "Last seen", Type: catalog.TypeDate},
	{Name: "tags", Label: "Tags", Type: catalog.TypeTags},
}

var contactBindings = map[string]Binder[contact]{
	"name": StringField(
		func(c *contact) *string { return c.Name },
		func(c *contact, v *string) { c.Name = v },
	),
	"phone": StringField(
		func(c *contact) *string { return c.Phone },
		func(c *contact, v *string) { c.Phone = v },
	),
	"birth_date": PreciseDateField(
		func(c *contact) *PreciseDate {
			if c.BirthDate == nil {
				return nil
			}
			return &PreciseDate{Date: *c.BirthDate, Estimated: c.BirthEstimated}
		},
		func(c *contact, v *PreciseDate) {
			if v == nil {
				c.BirthDate, c.BirthEstimated = nil, false
				return
			}
			d := v.Date
			c.BirthDate, c.BirthEstimated = &d, v.Estimated
		},
	),
	"last_seen": DateField(
		func(c *contact) *time.Time { return c.LastSeen },
		func(c *contact, v *time.Time) { c.LastSeen = v },
	),
	"tags": TagsField(
		func(c *contact) []string { return c.Tags },
		func(c *contact, v []string) { c.Tags = v },
	),
}

func cloneContact(c *contact) *contact {
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	return &out
}

// -- In-memory store --

type memData struct {
	records map[uuid.UUID]*contact
	notes   map[uuid.UUID]uuid.UUID
	links   []PairRow
	audit   []AuditEntry
}

func (d memData) clone() memData {
	out := memData{
		records: make(map[uuid.UUID]*contact, len(d.records)),
		notes:   make(map[uuid.UUID]uuid.UUID, len(d.notes)),
		links:   append([]PairRow(nil), d.links...),
		audit:   append([]AuditEntry(nil), d.audit...),
	}
	for id, r := range d.records {
		out.records[id] = cloneContact(r)
	}
	for id, owner := range d.notes {
		out.notes[id] = owner
	}
	return out
}

type memStore struct {
	data    memData
	attrs   []Attribute[contact]
	failOn  string
	locks   int
	inTx    bool
	onFetch func(id uuid.UUID)
}

func newMemStore() *memStore {
	attrs, err := BuildAttributes(contactFields, contactBindings)
	if err != nil {
		panic(err)
	}
	return &memStore{
		data: memData{
			records: make(map[uuid.UUID]*contact),
			notes:   make(map[uuid.UUID]uuid.UUID),
		},
		attrs: attrs,
	}
}

func (m *memStore) add(c *contact) *contact {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Group == "" {
		c.Group = "north"
	}
	m.data.records[c.ID] = cloneContact(c)
	return c
}

func (m *memStore) fail(step string) error {
	if m.failOn == step {
		return fmt.Errorf("injected %s failure", step)
	}
	return nil
}

func (m *memStore) Kind() catalog.Kind               { return "contact" }
func (m *memStore) Attributes() []Attribute[contact] { return m.attrs }
func (m *memStore) ID(c *contact) uuid.UUID          { return c.ID }
func (m *memStore) Clone(c *contact) *contact        { return cloneContact(c) }
func (m *memStore) DefaultKeep(_, _ *contact) Side   { return SideUndetermined }

func (m *memStore) Fetch(_ context.Context, id uuid.UUID) (*contact, error) {
	if m.onFetch != nil {
		m.onFetch(id)
	}
	c, ok := m.data.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneContact(c), nil
}

func (m *memStore) Compatible(a, b *contact) error {
	if a.Group != b.Group {
		return Inconsistent("groups %s and %s differ", a.Group, b.Group)
	}
	return nil
}

func (m *memStore) LockPair(ctx context.Context, idA, idB uuid.UUID) (*contact, *contact, error) {
	if !m.inTx {
		return nil, nil, errors.New("lock outside transaction")
	}
	m.locks++
	a, err := m.Fetch(ctx, idA)
	if err != nil {
		return nil, nil, err
	}
	b, err := m.Fetch(ctx, idB)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func (m *memStore) Survivor(_ Side, _, _ *contact, applied []Applied) Side {
	return FewerChanges(applied)
}

func (m *memStore) Reassign(_ context.Context, discarded, survivor uuid.UUID) (map[string]int64, error) {
	moved := map[string]int64{}
	for id, owner := range m.data.notes {
		if owner == discarded {
			m.data.notes[id] = survivor
			moved["notes"]++
		}
	}
	if err := m.fail("reassign"); err != nil {
		return nil, err
	}

	plan := PlanPairReassignment(m.data.links, discarded, survivor)
	drop := make(map[PairRow]bool, len(plan.Drop))
	for _, r := range plan.Drop {
		drop[r] = true
	}
	rewrite := make(map[PairRow]PairRow, len(plan.Rewrite))
	for _, rw := range plan.Rewrite {
		rewrite[rw.From] = rw.To
	}
	var links []PairRow
	for _, r := range m.data.links {
		if drop[r] {
			continue
		}
		if to, ok := rewrite[r]; ok {
			r = to
		}
		links = append(links, r)
	}
	m.data.links = links
	moved["links"] = int64(len(plan.Drop) + len(plan.Rewrite))
	return moved, nil
}

func (m *memStore) Remove(_ context.Context, discarded *contact, _ uuid.UUID, _ time.Time) error {
	delete(m.data.records, discarded.ID)
	return m.fail("remove")
}

func (m *memStore) Save(_ context.Context, survivor *contact) error {
	if err := m.fail("save"); err != nil {
		return err
	}
	m.data.records[survivor.ID] = cloneContact(survivor)
	return nil
}

func (m *memStore) WriteAudit(_ context.Context, entry AuditEntry) (int, error) {
	if err := m.fail("audit"); err != nil {
		return 0, err
	}
	m.data.audit = append(m.data.audit, entry)
	return 1, nil
}

// memTx restores the store's data when fn fails.
type memTx struct {
	store *memStore
}

func (t memTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	saved := t.store.data.clone()
	t.store.inTx = true
	defer func() { t.store.inTx = false }()
	if err := fn(ctx); err != nil {
		t.store.data = saved
		return err
	}
	return nil
}
