package person

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

type personRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &personRepoPG{pool: pool}
}

func (r *personRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const personCols = `p.id, p.jurisdiction_id, p.first_name, p.last_name, p.sex,
	p.birth_date, p.birth_date_estimated, p.home_phone, p.cell_phone, p.email,
	p.address_line, p.address_city, p.address_state, p.address_postal_code,
	p.created_at, p.updated_at,
	ARRAY(SELECT t.tag FROM person_tag t WHERE t.person_id = p.id ORDER BY t.tag)`

func (r *personRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Person, error) {
	p, err := scanPerson(r.conn(ctx).QueryRow(ctx, `SELECT `+personCols+` FROM person p WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: person %s", merge.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("person get by id: %w", err)
	}
	return p, nil
}

func (r *personRepoPG) LockPair(ctx context.Context, idA, idB uuid.UUID) (*Person, *Person, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, nil, errors.New("person lock pair: no transaction in context")
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+personCols+` FROM person p WHERE p.id = ANY($1) ORDER BY p.id FOR UPDATE OF p`,
		[]uuid.UUID{idA, idB})
	if err != nil {
		return nil, nil, fmt.Errorf("person lock pair: %w", db.Classify(err))
	}
	defer rows.Close()

	found := make(map[uuid.UUID]*Person, 2)
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("person lock pair scan: %w", err)
		}
		found[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("person lock pair: %w", db.Classify(err))
	}
	a, b := found[idA], found[idB]
	if a == nil || b == nil {
		return nil, nil, fmt.Errorf("%w: expected persons %s and %s", merge.ErrNotFound, idA, idB)
	}
	return a, b, nil
}

func (r *personRepoPG) Update(ctx context.Context, p *Person) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE person SET
			first_name=$2, last_name=$3, sex=$4, birth_date=$5, birth_date_estimated=$6,
			home_phone=$7, cell_phone=$8, email=$9,
			address_line=$10, address_city=$11, address_state=$12, address_postal_code=$13,
			updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.Sex, p.BirthDate, p.BirthEstimated,
		p.HomePhone, p.CellPhone, p.Email,
		p.AddressLine, p.AddressCity, p.AddressState, p.AddressPostalCode,
	)
	if err != nil {
		return fmt.Errorf("person update: %w", db.Classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: person %s", merge.ErrNotFound, p.ID)
	}

	if _, err := r.DeleteTags(ctx, p.ID); err != nil {
		return err
	}
	if len(p.Tags) > 0 {
		_, err = r.conn(ctx).Exec(ctx,
			`INSERT INTO person_tag (person_id, tag) SELECT $1, unnest($2::text[])`, p.ID, p.Tags)
		if err != nil {
			return fmt.Errorf("person tags insert: %w", db.Classify(err))
		}
	}
	return nil
}

func (r *personRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM person WHERE id = $1`, id)
	if err != nil {
		err = db.Classify(err)
		if errors.Is(err, db.ErrForeignKey) {
			return merge.Inconsistent("person %s is still referenced: %v", id, err)
		}
		return fmt.Errorf("person delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: person %s", merge.ErrNotFound, id)
	}
	return nil
}

func (r *personRepoPG) ReassignCases(ctx context.Context, from, to uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE cases SET person_id = $2, updated_at = NOW() WHERE person_id = $1`, from, to)
	if err != nil {
		return 0, fmt.Errorf("person cases reassign: %w", db.Classify(err))
	}
	return tag.RowsAffected(), nil
}

func (r *personRepoPG) DeleteTags(ctx context.Context, personID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM person_tag WHERE person_id = $1`, personID)
	if err != nil {
		return 0, fmt.Errorf("person tags delete: %w", db.Classify(err))
	}
	return tag.RowsAffected(), nil
}

func (r *personRepoPG) CaseIDs(ctx context.Context, personID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id FROM cases WHERE person_id = $1 ORDER BY created_at, id`, personID)
	if err != nil {
		return nil, fmt.Errorf("person case ids: %w", db.Classify(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("person case ids scan: %w", db.Classify(err))
	}
	return ids, nil
}

func (r *personRepoPG) AppendCaseLog(ctx context.Context, caseID uuid.UUID, actor, message string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO case_log (id, case_id, actor, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), caseID, actor, message, at)
	if err != nil {
		return fmt.Errorf("case log insert: %w", db.Classify(err))
	}
	return nil
}

func scanPerson(row pgx.Row) (*Person, error) {
	var p Person
	err := row.Scan(
		&p.ID, &p.JurisdictionID, &p.FirstName, &p.LastName, &p.Sex,
		&p.BirthDate, &p.BirthEstimated, &p.HomePhone, &p.CellPhone, &p.Email,
		&p.AddressLine, &p.AddressCity, &p.AddressState, &p.AddressPostalCode,
		&p.CreatedAt, &p.UpdatedAt, &p.Tags,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
