package person

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casemerge/internal/catalog"
	"github.com/ehr/casemerge/internal/merge"
)

// Reassigned relation names reported by Reassign.
const (
	RelCases = "cases"
	RelTags  = "person_tag"
)

// Store adapts a Repository to the merge engine. Two persons can be merged
// when they belong to the same jurisdiction. The survivor is the side that
// needs fewer attribute changes; the discarded person is deleted.
type Store struct {
	repo  Repository
	attrs []merge.Attribute[Person]
}

var _ merge.Store[Person] = (*Store)(nil)

func NewStore(repo Repository, cat *catalog.Catalog) (*Store, error) {
	attrs, err := merge.BuildAttributes(cat.Fields(catalog.KindPerson), bindings)
	if err != nil {
		return nil, fmt.Errorf("bind person attributes: %w", err)
	}
	return &Store{repo: repo, attrs: attrs}, nil
}

func (s *Store) Kind() catalog.Kind                    { return catalog.KindPerson }
func (s *Store) Attributes() []merge.Attribute[Person] { return s.attrs }
func (s *Store) ID(p *Person) uuid.UUID                { return p.ID }
func (s *Store) Clone(p *Person) *Person               { return p.Clone() }
func (s *Store) DefaultKeep(_, _ *Person) merge.Side   { return merge.SideUndetermined }

func (s *Store) Fetch(ctx context.Context, id uuid.UUID) (*Person, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Store) Compatible(a, b *Person) error {
	if a.JurisdictionID != b.JurisdictionID {
		return merge.Inconsistent("persons %s and %s are in different jurisdictions (%s, %s)",
			a.ID, b.ID, a.JurisdictionID, b.JurisdictionID)
	}
	return nil
}

func (s *Store) Survivor(_ merge.Side, _, _ *Person, applied []merge.Applied) merge.Side {
	return merge.FewerChanges(applied)
}

func (s *Store) LockPair(ctx context.Context, idA, idB uuid.UUID) (*Person, *Person, error) {
	return s.repo.LockPair(ctx, idA, idB)
}

func (s *Store) Reassign(ctx context.Context, discarded, survivor uuid.UUID) (map[string]int64, error) {
	moved := make(map[string]int64, 2)
	var err error
	if moved[RelCases], err = s.repo.ReassignCases(ctx, discarded, survivor); err != nil {
		return nil, err
	}
	if moved[RelTags], err = s.repo.DeleteTags(ctx, discarded); err != nil {
		return nil, err
	}
	return moved, nil
}

func (s *Store) Remove(ctx context.Context, discarded *Person, _ uuid.UUID, _ time.Time) error {
	return s.repo.Delete(ctx, discarded.ID)
}

func (s *Store) Save(ctx context.Context, survivor *Person) error {
	return s.repo.Update(ctx, survivor)
}

// WriteAudit appends the entry to the log of every case the survivor now
// owns, which after Reassign is every case of either input person.
func (s *Store) WriteAudit(ctx context.Context, entry merge.AuditEntry) (int, error) {
	caseIDs, err := s.repo.CaseIDs(ctx, entry.SurvivorID)
	if err != nil {
		return 0, err
	}
	msg := entry.Message()
	for _, id := range caseIDs {
		if err := s.repo.AppendCaseLog(ctx, id, entry.Actor, msg, entry.At); err != nil {
			return 0, err
		}
	}
	return len(caseIDs), nil
}
