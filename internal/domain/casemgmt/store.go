package casemgmt

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
	RelTasks    = "task"
	RelForms    = "form_summary"
	RelLogs     = "case_log"
	RelContacts = "case_contact"
	RelTags     = "case_tag"
)

// Store adapts a Repository to the merge engine. Two cases can be merged when
// they belong to the same person and disease. The discarded case is
// soft-deleted.
type Store struct {
	repo  Repository
	attrs []merge.Attribute[Case]
}

var _ merge.Store[Case] = (*Store)(nil)

// NewStore binds the case attributes listed in cat.
func NewStore(repo Repository, cat *catalog.Catalog) (*Store, error) {
	attrs, err := merge.BuildAttributes(cat.Fields(catalog.KindCase), bindings)
	if err != nil {
		return nil, fmt.Errorf("bind case attributes: %w", err)
	}
	return &Store{repo: repo, attrs: attrs}, nil
}

func (s *Store) Kind() catalog.Kind                  { return catalog.KindCase }
func (s *Store) Attributes() []merge.Attribute[Case] { return s.attrs }
func (s *Store) ID(c *Case) uuid.UUID                { return c.ID }
func (s *Store) Clone(c *Case) *Case                 { return c.Clone() }

func (s *Store) Fetch(ctx context.Context, id uuid.UUID) (*Case, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Store) Compatible(a, b *Case) error {
	if a.PersonID != b.PersonID {
		return merge.Inconsistent("cases %s and %s belong to different persons", a.ID, b.ID)
	}
	if a.Disease != b.Disease {
		return merge.Inconsistent("cases %s and %s are for different diseases (%s, %s)", a.ID, b.ID, a.Disease, b.Disease)
	}
	return nil
}

// DefaultKeep keeps the live case when exactly one of the pair is deleted.
func (s *Store) DefaultKeep(a, b *Case) merge.Side {
	switch {
	case a.Deleted() && !b.Deleted():
		return merge.SideB
	case b.Deleted() && !a.Deleted():
		return merge.SideA
	}
	return merge.SideA
}

// Survivor prefers the case that is not deleted, then the session's choice.
func (s *Store) Survivor(keep merge.Side, a, b *Case, _ []merge.Applied) merge.Side {
	if a.Deleted() != b.Deleted() {
		return s.DefaultKeep(a, b)
	}
	if keep == merge.SideB {
		return merge.SideB
	}
	return merge.SideA
}

func (s *Store) LockPair(ctx context.Context, idA, idB uuid.UUID) (*Case, *Case, error) {
	return s.repo.LockPair(ctx, idA, idB)
}

func (s *Store) Reassign(ctx context.Context, discarded, survivor uuid.UUID) (map[string]int64, error) {
	moved := make(map[string]int64, 5)
	var err error

	if moved[RelTasks], err = s.repo.ReassignTasks(ctx, discarded, survivor); err != nil {
		return nil, err
	}
	if moved[RelForms], err = s.repo.ReassignForms(ctx, discarded, survivor); err != nil {
		return nil, err
	}
	if moved[RelLogs], err = s.repo.ReassignLogs(ctx, discarded, survivor); err != nil {
		return nil, err
	}

	rows, err := s.repo.ContactsTouching(ctx, discarded, survivor)
	if err != nil {
		return nil, err
	}
	plan := merge.PlanPairReassignment(rows, discarded, survivor)
	if err := s.repo.ApplyContactPlan(ctx, plan); err != nil {
		return nil, err
	}
	moved[RelContacts] = int64(len(plan.Drop) + len(plan.Rewrite))

	// The survivor's tag set is written by Save.
	if moved[RelTags], err = s.repo.DeleteTags(ctx, discarded); err != nil {
		return nil, err
	}
	return moved, nil
}

func (s *Store) Remove(ctx context.Context, discarded *Case, survivor uuid.UUID, at time.Time) error {
	return s.repo.SoftDelete(ctx, discarded.ID, at, fmt.Sprintf("merged into %s", survivor))
}

func (s *Store) Save(ctx context.Context, survivor *Case) error {
	return s.repo.Update(ctx, survivor)
}

// WriteAudit appends one entry to the survivor's case log.
func (s *Store) WriteAudit(ctx context.Context, entry merge.AuditEntry) (int, error) {
	err := s.repo.AppendLog(ctx, &LogEntry{
		CaseID:    entry.SurvivorID,
		Actor:     entry.Actor,
		Message:   entry.Message(),
		CreatedAt: entry.At,
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}
