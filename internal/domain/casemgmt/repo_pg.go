package casemgmt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/casemerge/internal/merge"
	"github.com/ehr/casemerge/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type caseRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &caseRepoPG{pool: pool}
}

func (r *caseRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const caseCols = `c.id, c.person_id, c.disease, c.status, c.local_case_id, c.state_case_id,
	c.onset_date, c.onset_date_estimated, c.report_date, c.outcome, c.hospitalized,
	c.investigator, c.notes, c.deleted_at, c.delete_reason, c.created_at, c.updated_at,
	ARRAY(SELECT t.tag FROM case_tag t WHERE t.case_id = c.id ORDER BY t.tag)`

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	c, err := scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM cases c WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: case %s", merge.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("case get by id: %w", err)
	}
	return c, nil
}

func (r *caseRepoPG) LockPair(ctx context.Context, idA, idB uuid.UUID) (*Case, *Case, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, nil, errors.New("case lock pair: no transaction in context")
	}
	// Lock in id order so two merges sharing a case cannot deadlock.
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id FROM cases WHERE id = ANY($1) ORDER BY id FOR UPDATE`, []uuid.UUID{idA, idB})
	if err != nil {
		return nil, nil, fmt.Errorf("case lock pair: %w", db.Classify(err))
	}
	locked := 0
	for rows.Next() {
		locked++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("case lock pair: %w", db.Classify(err))
	}
	if locked != 2 {
		return nil, nil, fmt.Errorf("%w: expected cases %s and %s", merge.ErrNotFound, idA, idB)
	}

	a, err := r.GetByID(ctx, idA)
	if err != nil {
		return nil, nil, err
	}
	b, err := r.GetByID(ctx, idB)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func (r *caseRepoPG) Update(ctx context.Context, c *Case) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE cases SET
			status=$2, local_case_id=$3, state_case_id=$4,
			onset_date=$5, onset_date_estimated=$6, report_date=$7,
			outcome=$8, hospitalized=$9, investigator=$10, notes=$11,
			updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.Status, c.LocalCaseID, c.StateCaseID,
		c.OnsetDate, c.OnsetEstimated, c.ReportDate,
		c.Outcome, c.Hospitalized, c.Investigator, c.Notes,
	)
	if err != nil {
		return fmt.Errorf("case update: %w", db.Classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: case %s", merge.ErrNotFound, c.ID)
	}

	if _, err := r.DeleteTags(ctx, c.ID); err != nil {
		return err
	}
	if len(c.Tags) > 0 {
		_, err = r.conn(ctx).Exec(ctx,
			`INSERT INTO case_tag (case_id, tag) SELECT $1, unnest($2::text[])`, c.ID, c.Tags)
		if err != nil {
			return fmt.Errorf("case tags insert: %w", db.Classify(err))
		}
	}
	return nil
}

func (r *caseRepoPG) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE cases SET deleted_at=$2, delete_reason=$3, updated_at=NOW() WHERE id = $1`,
		id, at, reason)
	if err != nil {
		return fmt.Errorf("case soft delete: %w", db.Classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: case %s", merge.ErrNotFound, id)
	}
	return nil
}

func (r *caseRepoPG) ReassignTasks(ctx context.Context, from, to uuid.UUID) (int64, error) {
	return r.exec(ctx, "task reassign", `UPDATE task SET case_id = $2 WHERE case_id = $1`, from, to)
}

func (r *caseRepoPG) ReassignForms(ctx context.Context, from, to uuid.UUID) (int64, error) {
	return r.exec(ctx, "form summary reassign", `UPDATE form_summary SET case_id = $2 WHERE case_id = $1`, from, to)
}

func (r *caseRepoPG) ReassignLogs(ctx context.Context, from, to uuid.UUID) (int64, error) {
	return r.exec(ctx, "case log reassign", `
		UPDATE case_log SET
			case_id = CASE WHEN case_id = $1 THEN $2 ELSE case_id END,
			related_case_id = CASE WHEN related_case_id = $1 THEN $2 ELSE related_case_id END
		WHERE case_id = $1 OR related_case_id = $1`, from, to)
}

func (r *caseRepoPG) ContactsTouching(ctx context.Context, ids ...uuid.UUID) ([]merge.PairRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT case_id, contact_case_id FROM case_contact
		WHERE case_id = ANY($1) OR contact_case_id = ANY($1)
		ORDER BY created_at, case_id, contact_case_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("case contacts: %w", db.Classify(err))
	}
	defer rows.Close()

	var out []merge.PairRow
	for rows.Next() {
		var p merge.PairRow
		if err := rows.Scan(&p.Left, &p.Right); err != nil {
			return nil, fmt.Errorf("case contacts scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("case contacts: %w", db.Classify(err))
	}
	return out, nil
}

func (r *caseRepoPG) ApplyContactPlan(ctx context.Context, plan merge.PairPlan) error {
	for _, p := range plan.Drop {
		if _, err := r.conn(ctx).Exec(ctx,
			`DELETE FROM case_contact WHERE case_id = $1 AND contact_case_id = $2`, p.Left, p.Right); err != nil {
			return fmt.Errorf("case contact drop: %w", db.Classify(err))
		}
	}
	for _, rw := range plan.Rewrite {
		_, err := r.conn(ctx).Exec(ctx, `
			UPDATE case_contact SET case_id = $3, contact_case_id = $4
			WHERE case_id = $1 AND contact_case_id = $2`,
			rw.From.Left, rw.From.Right, rw.To.Left, rw.To.Right)
		if err != nil {
			err = db.Classify(err)
			if errors.Is(err, db.ErrDuplicateKey) {
				return merge.Inconsistent("contact link %s-%s already exists: %v", rw.To.Left, rw.To.Right, err)
			}
			return fmt.Errorf("case contact rewrite: %w", err)
		}
	}
	return nil
}

func (r *caseRepoPG) DeleteTags(ctx context.Context, caseID uuid.UUID) (int64, error) {
	return r.exec(ctx, "case tags delete", `DELETE FROM case_tag WHERE case_id = $1`, caseID)
}

func (r *caseRepoPG) AppendLog(ctx context.Context, e *LogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO case_log (id, case_id, related_case_id, actor, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.CaseID, e.RelatedCaseID, e.Actor, e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("case log insert: %w", db.Classify(err))
	}
	return nil
}

func (r *caseRepoPG) ListLogs(ctx context.Context, caseID uuid.UUID) ([]*LogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, related_case_id, actor, message, created_at
		FROM case_log WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("case log list: %w", db.Classify(err))
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.CaseID, &e.RelatedCaseID, &e.Actor, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("case log scan: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("case log list: %w", db.Classify(err))
	}
	return out, nil
}

func (r *caseRepoPG) exec(ctx context.Context, op, sql string, args ...interface{}) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, db.Classify(err))
	}
	return tag.RowsAffected(), nil
}

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	err := row.Scan(
		&c.ID, &c.PersonID, &c.Disease, &c.Status, &c.LocalCaseID, &c.StateCaseID,
		&c.OnsetDate, &c.OnsetEstimated, &c.ReportDate, &c.Outcome, &c.Hospitalized,
		&c.Investigator, &c.Notes, &c.DeletedAt, &c.DeleteReason, &c.CreatedAt, &c.UpdatedAt,
		&c.Tags,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
