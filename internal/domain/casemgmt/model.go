package casemgmt

import (
	"time"

	"github.com/google/uuid"
)

// Case maps to the cases table. Mergeable attributes are pointers; nil means
// the value is absent.
type Case struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PersonID       uuid.UUID  `db:"person_id" json:"person_id"`
	Disease        string     `db:"disease" json:"disease"`
	Status         *string    `db:"status" json:"status,omitempty"`
	LocalCaseID    *string    `db:"local_case_id" json:"local_case_id,omitempty"`
	StateCaseID    *string    `db:"state_case_id" json:"state_case_id,omitempty"`
	OnsetDate      *time.Time `db:"onset_date" json:"onset_date,omitempty"`
	OnsetEstimated bool       `db:"onset_date_estimated" json:"onset_date_estimated"`
	ReportDate     *time.Time `db:"report_date" json:"report_date,omitempty"`
	Outcome        *string    `db:"outcome" json:"outcome,omitempty"`
	Hospitalized   *string    `db:"hospitalized" json:"hospitalized,omitempty"`
	Investigator   *string    `db:"investigator" json:"investigator,omitempty"`
	Notes          *string    `db:"notes" json:"notes,omitempty"`
	Tags           []string   `json:"tags"`
	DeletedAt      *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	DeleteReason   *string    `db:"delete_reason" json:"delete_reason,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Deleted reports whether the case has been soft-deleted.
func (c *Case) Deleted() bool {
	return c.DeletedAt != nil
}

// Clone returns a deep copy.
func (c *Case) Clone() *Case {
	out := *c
	out.Status = cloneString(c.Status)
	out.LocalCaseID = cloneString(c.LocalCaseID)
	out.StateCaseID = cloneString(c.StateCaseID)
	out.Outcome = cloneString(c.Outcome)
	out.Hospitalized = cloneString(c.Hospitalized)
	out.Investigator = cloneString(c.Investigator)
	out.Notes = cloneString(c.Notes)
	out.DeleteReason = cloneString(c.DeleteReason)
	out.OnsetDate = cloneTime(c.OnsetDate)
	out.ReportDate = cloneTime(c.ReportDate)
	out.DeletedAt = cloneTime(c.DeletedAt)
	out.Tags = append([]string(nil), c.Tags...)
	return &out
}

// LogEntry maps to the case_log table.
type LogEntry struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	CaseID        uuid.UUID  `db:"case_id" json:"case_id"`
	RelatedCaseID *uuid.UUID `db:"related_case_id" json:"related_case_id,omitempty"`
	Actor         string     `db:"actor" json:"actor"`
	Message       string     `db:"message" json:"message"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
