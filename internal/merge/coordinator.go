package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	otelattr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ehr/casemerge/internal/catalog"
	"github.com/ehr/casemerge/internal/platform/telemetry"
)

// Store is the write side of a mergeable record type. Every method except
// those inherited from Entity runs inside the commit transaction.
type Store[R any] interface {
	Entity[R]

	// LockPair re-reads both records holding row locks until commit.
	LockPair(ctx context.Context, idA, idB uuid.UUID) (a, b *R, err error)
	// Survivor applies the entity's rule for which record stays live.
	Survivor(keep Side, a, b *R, applied []Applied) Side
	// Reassign points every reference at survivor, returning rows touched
	// per relation.
	Reassign(ctx context.Context, discarded, survivor uuid.UUID) (map[string]int64, error)
	Remove(ctx context.Context, discarded *R, survivor uuid.UUID, at time.Time) error
	Save(ctx context.Context, survivor *R) error
	// WriteAudit appends the audit entries and returns how many were written.
	WriteAudit(ctx context.Context, entry AuditEntry) (int, error)
}

// TxRunner runs fn in one transaction, rolling back when fn fails.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Observer receives merge events for metrics.
type Observer interface {
	SessionCreated(kind catalog.Kind)
	CommitFinished(kind catalog.Kind, outcome string, elapsed time.Duration)
	ReferencesReassigned(kind catalog.Kind, relation string, n int64)
}

type nopObserver struct{}

func (nopObserver) SessionCreated(catalog.Kind)                        {}
func (nopObserver) CommitFinished(catalog.Kind, string, time.Duration) {}
func (nopObserver) ReferencesReassigned(catalog.Kind, string, int64)   {}

// Commit outcomes reported to the Observer.
const (
	OutcomeCommitted    = "committed"
	OutcomeStale        = "stale"
	OutcomeInconsistent = "inconsistent"
	OutcomeNotFound     = "not_found"
	OutcomeError        = "error"
)

// Change is one survivor attribute modified by a merge.
type Change struct {
	Field string   `json:"field"`
	Label string   `json:"label"`
	From  string   `json:"from"`
	To    string   `json:"to"`
	Diff  []string `json:"diff,omitempty"`
}

// AuditEntry describes a committed merge for the audit log.
type AuditEntry struct {
	Kind        catalog.Kind
	SurvivorID  uuid.UUID
	DiscardedID uuid.UUID
	Actor       string
	Changes     []Change
	At          time.Time
}

// Message renders the entry as the free-text audit line.
func (e AuditEntry) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merged %s %s into %s.", e.Kind, e.DiscardedID, e.SurvivorID)
	for _, c := range e.Changes {
		if len(c.Diff) > 0 {
			fmt.Fprintf(&b, " %s: %s.", c.Label, strings.Join(c.Diff, " "))
			continue
		}
		fmt.Fprintf(&b, " %s: %q -> %q.", c.Label, c.From, c.To)
	}
	return b.String()
}

// Result is returned by a successful merge.
type Result[R any] struct {
	SurvivorID   uuid.UUID        `json:"survivor_id"`
	DiscardedID  uuid.UUID        `json:"discarded_id"`
	Survivor     *R               `json:"survivor"`
	Changes      []Change         `json:"changes"`
	Description  []Description    `json:"description"`
	Reassigned   map[string]int64 `json:"reassigned"`
	AuditEntries int              `json:"audit_entries"`
}

// Coordinator opens sessions and commits them.
type Coordinator[R any] struct {
	store  Store[R]
	tx     TxRunner
	logger zerolog.Logger
	obs    Observer
	now    func() time.Time
}

func NewCoordinator[R any](store Store[R], tx TxRunner, logger zerolog.Logger, obs Observer) *Coordinator[R] {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Coordinator[R]{
		store:  store,
		tx:     tx,
		logger: logger.With().Str("entity", string(store.Kind())).Logger(),
		obs:    obs,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator[R]) Entity() Entity[R] { return c.store }

// Open starts a merge session for the pair.
func (c *Coordinator[R]) Open(ctx context.Context, idA, idB uuid.UUID) (*Session[R], error) {
	ctx, span := telemetry.StartSpan(ctx, "merge.open")
	defer span.End()
	span.SetAttributes(
		otelattr.String("merge.entity", string(c.store.Kind())),
		otelattr.String("merge.id_a", idA.String()),
		otelattr.String("merge.id_b", idB.String()),
	)

	s, err := NewSession[R](ctx, c.store, idA, idB)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.obs.SessionCreated(c.store.Kind())
	c.logger.Info().
		Str("session_id", s.ID.String()).
		Str("id_a", idA.String()).
		Str("id_b", idB.String()).
		Int("conflicts", countConflicts(s)).
		Msg("merge session created")
	return s, nil
}

func countConflicts[R any](s *Session[R]) int {
	n := 0
	for _, d := range s.decisions {
		if d.Conflict() {
			n++
		}
	}
	return n
}

// Merge commits the session in one transaction. On ErrStaleData the
// returned *StaleError carries s, rebuilt from current data.
func (c *Coordinator[R]) Merge(ctx context.Context, s *Session[R], actor string) (*Result[R], error) {
	ctx, span := telemetry.StartSpan(ctx, "merge.commit")
	defer span.End()
	span.SetAttributes(
		otelattr.String("merge.entity", string(c.store.Kind())),
		otelattr.String("merge.session_id", s.ID.String()),
	)
	start := time.Now()

	var (
		res   *Result[R]
		stale []string
	)
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		res, stale, err = c.commit(ctx, s, actor)
		return err
	})

	if len(stale) > 0 {
		c.obs.CommitFinished(c.store.Kind(), OutcomeStale, time.Since(start))
		c.logger.Info().
			Str("session_id", s.ID.String()).
			Strs("fields", stale).
			Msg("merge aborted on stale data")
		span.SetStatus(codes.Error, "stale")
		if rerr := s.Rebuild(ctx); rerr != nil {
			return nil, fmt.Errorf("rebuild after stale data: %w", rerr)
		}
		return nil, &StaleError[R]{Fields: stale, Session: s}
	}

	if err != nil {
		outcome := OutcomeError
		switch {
		case errors.Is(err, ErrConsistencyViolation):
			outcome = OutcomeInconsistent
			c.logger.Warn().Err(err).Str("session_id", s.ID.String()).Msg("merge rejected")
		case errors.Is(err, ErrNotFound):
			outcome = OutcomeNotFound
		default:
			c.logger.Error().Err(err).Str("session_id", s.ID.String()).Msg("merge failed")
		}
		c.obs.CommitFinished(c.store.Kind(), outcome, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}

	c.obs.CommitFinished(c.store.Kind(), OutcomeCommitted, time.Since(start))
	for relation, n := range res.Reassigned {
		c.obs.ReferencesReassigned(c.store.Kind(), relation, n)
	}
	c.logger.Info().
		Str("session_id", s.ID.String()).
		Str("survivor", res.SurvivorID.String()).
		Str("discarded", res.DiscardedID.String()).
		Str("actor", actor).
		Int("changes", len(res.Changes)).
		Int("audit_entries", res.AuditEntries).
		Msg("merge committed")
	return res, nil
}

// errStale unwinds the transaction; Merge reports the stale fields instead.
var errStale = errors.New("stale")

func (c *Coordinator[R]) commit(ctx context.Context, s *Session[R], actor string) (*Result[R], []string, error) {
	a, b, err := c.store.LockPair(ctx, s.IDA, s.IDB)
	if err != nil {
		return nil, nil, fmt.Errorf("lock pair: %w", err)
	}
	if err := c.store.Compatible(a, b); err != nil {
		return nil, nil, err
	}

	description := s.DescribeAll()
	applied := make([]Applied, 0, len(s.decisions))
	var stale []string
	for _, d := range s.decisions {
		switch o := d.Apply(a, b, s.snapA, s.snapB).(type) {
		case Stale:
			stale = append(stale, o.Field)
		case Applied:
			applied = append(applied, o)
		}
	}
	if len(stale) > 0 {
		return nil, stale, errStale
	}

	side := c.store.Survivor(s.Keep, a, b, applied)
	survivor, discarded := a, b
	if side == SideB {
		survivor, discarded = b, a
	}
	survivorID, discardedID := c.store.ID(survivor), c.store.ID(discarded)
	now := c.now()

	reassigned, err := c.store.Reassign(ctx, discardedID, survivorID)
	if err != nil {
		return nil, nil, fmt.Errorf("reassign references: %w", err)
	}
	if err := c.store.Remove(ctx, discarded, survivorID, now); err != nil {
		return nil, nil, fmt.Errorf("remove %s: %w", discardedID, err)
	}
	if err := c.store.Save(ctx, survivor); err != nil {
		return nil, nil, fmt.Errorf("save %s: %w", survivorID, err)
	}

	changes := survivorChanges(applied, side)
	entries, err := c.store.WriteAudit(ctx, AuditEntry{
		Kind:        c.store.Kind(),
		SurvivorID:  survivorID,
		DiscardedID: discardedID,
		Actor:       actor,
		Changes:     changes,
		At:          now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("write audit: %w", err)
	}

	return &Result[R]{
		SurvivorID:   survivorID,
		DiscardedID:  discardedID,
		Survivor:     c.store.Clone(survivor),
		Changes:      changes,
		Description:  description,
		Reassigned:   reassigned,
		AuditEntries: entries,
	}, nil, nil
}

func survivorChanges(applied []Applied, side Side) []Change {
	var changes []Change
	for _, ap := range applied {
		changed, from, diff := ap.ChangedA, ap.BeforeA, ap.DiffA
		if side == SideB {
			changed, from, diff = ap.ChangedB, ap.BeforeB, ap.DiffB
		}
		if !changed {
			continue
		}
		changes = append(changes, Change{Field: ap.Field, Label: ap.Label, From: from, To: ap.Value, Diff: diff})
	}
	return changes
}

// FewerChanges picks the side whose values moved least, A on a tie.
func FewerChanges(applied []Applied) Side {
	var changedA, changedB int
	for _, ap := range applied {
		if ap.ChangedA {
			changedA++
		}
		if ap.ChangedB {
			changedB++
		}
	}
	if changedB < changedA {
		return SideB
	}
	return SideA
}
