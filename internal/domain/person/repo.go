package person

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the person table and the relations that reference a person.
// Lookups of a missing person return merge.ErrNotFound.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Person, error)
	// LockPair reads both persons with FOR UPDATE. It must run in a transaction.
	LockPair(ctx context.Context, idA, idB uuid.UUID) (*Person, *Person, error)
	// Update writes the mergeable attributes and replaces the tag set.
	Update(ctx context.Context, p *Person) error
	Delete(ctx context.Context, id uuid.UUID) error

	// ReassignCases moves case ownership, including soft-deleted cases.
	ReassignCases(ctx context.Context, from, to uuid.UUID) (int64, error)
	DeleteTags(ctx context.Context, personID uuid.UUID) (int64, error)
	CaseIDs(ctx context.Context, personID uuid.UUID) ([]uuid.UUID, error)
	AppendCaseLog(ctx context.Context, caseID uuid.UUID, actor, message string, at time.Time) error
}
