package casemgmt

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casemerge/internal/merge"
)

// Repository is the case table plus every relation that references a case.
// Lookups of a missing case return merge.ErrNotFound.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	// LockPair reads both cases with FOR UPDATE. It must run in a transaction.
	LockPair(ctx context.Context, idA, idB uuid.UUID) (*Case, *Case, error)
	// Update writes the mergeable attributes and replaces the tag set.
	Update(ctx context.Context, c *Case) error
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time, reason string) error

	ReassignTasks(ctx context.Context, from, to uuid.UUID) (int64, error)
	ReassignForms(ctx context.Context, from, to uuid.UUID) (int64, error)
	// ReassignLogs rewrites both case_id and related_case_id.
	ReassignLogs(ctx context.Context, from, to uuid.UUID) (int64, error)
	// ContactsTouching lists the contact rows that have any of ids at either end.
	ContactsTouching(ctx context.Context, ids ...uuid.UUID) ([]merge.PairRow, error)
	ApplyContactPlan(ctx context.Context, plan merge.PairPlan) error
	DeleteTags(ctx context.Context, caseID uuid.UUID) (int64, error)

	AppendLog(ctx context.Context, e *LogEntry) error
	ListLogs(ctx context.Context, caseID uuid.UUID) ([]*LogEntry, error)
}
