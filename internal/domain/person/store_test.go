package person

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/casemerge/internal/catalog"
	"github.com/ehr/casemerge/internal/merge"
)

func strPtr(s string) *string { return &s }

func newTestCoordinator(t *testing.T) (*merge.Coordinator[Person], *mockPersonRepo) {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error: %v", err)
	}
	repo := newMockPersonRepo()
	store, err := NewStore(repo, cat)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return merge.NewCoordinator[Person](store, mockTx{repo: repo}, zerolog.Nop(), nil), repo
}

func TestMerge_SingleSidedValue(t *testing.T) {
	coord, repo := newTestCoordinator(t)
	a := repo.add(&Person{FirstName: strPtr("Ana"), HomePhone: strPtr("1111")})
	b := repo.add(&Person{FirstName: strPtr("Ana")})
	ctx := context.Background()

	s, err := coord.Open(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if s.Keep != merge.SideUndetermined {
		t.Errorf("expected undetermined keep side, got %s", s.Keep)
	}
	d, _ := s.Decision("home_phone")
	if d.Source() != merge.SourceA || d.Conflict() {
		t.Errorf("expected non-conflicting default A, got %+v", d.Describe())
	}

	res, err := coord.Merge(ctx, s, "ops")
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	survivor := repo.state.persons[res.SurvivorID]
	if survivor == nil || *survivor.HomePhone != "1111" {
		t.Fatalf("expected merged home_phone 1111, got %+v", survivor)
	}
	if _, ok := repo.state.persons[res.DiscardedID]; ok {
		t.Error("expected discarded person deleted")
	}
}

func TestMerge_SurvivorNeedsFewerChanges(t *testing.T) {
	coord, repo := newTestCoordinator(t)
	a := repo.add(&Person{FirstName: strPtr("Ana")})
	b := repo.add(&Person{
		FirstName: strPtr("Ana"),
		LastName:  strPtr("Silva"),
		Email:     strPtr("ana@example.org"),
	})
	ctx := context.Background()

	s, _ := coord.Open(ctx, a.ID, b.ID)
	res, err := coord.Merge(ctx, s, "ops")
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if res.SurvivorID != b.ID {
		t.Errorf("expected B to survive unchanged, got %s", res.SurvivorID)
	}
	if len(res.Changes) != 0 {
		t.Errorf("expected no survivor changes, got %+v", res.Changes)
	}
}

func TestMerge_ReassignsCasesAndAudits(t *testing.T) {
	coord, repo := newTestCoordinator(t)
	p1 := repo.add(&Person{LastName: strPtr("Silva"), Tags: []string{"HOMELESS"}})
	p2 := repo.add(&Person{LastName: strPtr("Silva"), CellPhone: strPtr("555-0101"), Tags: []string{"INTERPRETER"}})
	repo.addCases(p1.ID, 3)
	repo.addCases(p2.ID, 1)
	ctx := context.Background()

	s, _ := coord.Open(ctx, p1.ID, p2.ID)
	s.Choose("cell_phone", merge.SourceDelete)
	res, err := coord.Merge(ctx, s, "dr-ops")
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}

	// P1 only needs the tag union; P2 also loses its cell phone.
	if res.SurvivorID != p1.ID {
		t.Fatalf("expected P1 to survive, got %s", res.SurvivorID)
	}
	if _, ok := repo.state.persons[p2.ID]; ok {
		t.Error("expected P2 hard-deleted")
	}
	for id, owner := range repo.state.cases {
		if owner != p1.ID {
			t.Errorf("case %s still owned by %s", id, owner)
		}
	}
	if res.Reassigned[RelCases] != 1 {
		t.Errorf("expected one case moved, got %d", res.Reassigned[RelCases])
	}

	if res.AuditEntries != 4 || len(repo.state.logs) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(repo.state.logs))
	}
	seen := map[uuid.UUID]bool{}
	for _, e := range repo.state.logs {
		seen[e.CaseID] = true
		if e.Actor != "dr-ops" || !strings.Contains(e.Message, p2.ID.String()) || !strings.Contains(e.Message, "+INTERPRETER") {
			t.Errorf("unexpected audit entry: %+v", e)
		}
	}
	if len(seen) != 4 {
		t.Errorf("expected one entry per case, got %d distinct", len(seen))
	}
	if got := repo.state.persons[p1.ID].Tags; !reflect.DeepEqual(got, []string{"HOMELESS", "INTERPRETER"}) {
		t.Errorf("expected tag union, got %v", got)
	}
}

func TestMerge_StaleBirthDate(t *testing.T) {
	coord, repo := newTestCoordinator(t)
	born := time.Date(1980, 5, 1, 0, 0, 0, 0, time.UTC)
	a := repo.add(&Person{BirthDate: &born, BirthEstimated: true})
	b := repo.add(&Person{BirthDate: &born})
	ctx := context.Background()

	s, _ := coord.Open(ctx, a.ID, b.ID)
	d, _ := s.Decision("birth_date")
	if d.Source() != merge.SourceB {
		t.Errorf("expected exact date preferred, got %s", d.Source())
	}

	repo.state.persons[a.ID].BirthEstimated = false
	before := repo.state.clone()
	_, err := coord.Merge(ctx, s, "ops")
	if !errors.Is(err, merge.ErrStaleData) {
		t.Fatalf("expected ErrStaleData, got %v", err)
	}
	if !reflect.DeepEqual(repo.state, before) {
		t.Error("stale merge must leave the repository unchanged")
	}
}

func TestMerge_DifferentJurisdiction(t *testing.T) {
	coord, repo := newTestCoordinator(t)
	a := repo.add(&Person{})
	b := repo.add(&Person{JurisdictionID: "county-2"})

	if _, err := coord.Open(context.Background(), a.ID, b.ID); !errors.Is(err, merge.ErrConsistencyViolation) {
		t.Errorf("expected ErrConsistencyViolation, got %v", err)
	}
}

func TestMerge_FailureRollsBack(t *testing.T) {
	for _, step := range []string{"delete", "update", "log"} {
		t.Run(step, func(t *testing.T) {
			coord, repo := newTestCoordinator(t)
			a := repo.add(&Person{FirstName: strPtr("Ana"), Tags: []string{"X"}})
			b := repo.add(&Person{FirstName: strPtr("Anna")})
			repo.addCases(a.ID, 1)
			repo.addCases(b.ID, 2)
			ctx := context.Background()

			s, _ := coord.Open(ctx, a.ID, b.ID)
			before := repo.state.clone()
			repo.failOn = step
			if _, err := coord.Merge(ctx, s, "ops"); err == nil {
				t.Fatal("expected injected failure")
			}
			if !reflect.DeepEqual(repo.state, before) {
				t.Error("failed merge must leave the repository unchanged")
			}
		})
	}
}

func TestPerson_DisplayName(t *testing.T) {
	tests := []struct {
		first, last *string
		want        string
	}{
		{strPtr("Ana"), strPtr("Silva"), "Silva, Ana"},
		{strPtr("Ana"), nil, "Ana"},
		{nil, strPtr("Silva"), "Silva"},
		{nil, nil, ""},
	}
	for _, tt := range tests {
		p := &Person{FirstName: tt.first, LastName: tt.last}
		if got := p.DisplayName(); got != tt.want {
			t.Errorf("DisplayName() = %q, want %q", got, tt.want)
		}
	}
}
