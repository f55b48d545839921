package concept

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/reports/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns a Dictionary backed by the concept tables of the tenant
// schema bound to the request context.
func NewRepo(pool *pgxpool.Pool) Dictionary {
	return &repoPG{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) lookup(ctx context.Context, code string) (*Concept, error) {
	c := &Concept{}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, code, name, datatype, is_set
		FROM concept
		WHERE code = $1 AND NOT retired`, code,
	).Scan(&c.ID, &c.Code, &c.Name, &c.Datatype, &c.IsSet)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConcept, code)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup concept %s: %w", code, err)
	}
	return c, nil
}

func (r *repoPG) ResolveConcept(ctx context.Context, code string) (uuid.UUID, error) {
	c, err := r.lookup(ctx, code)
	if err != nil {
		return uuid.Nil, err
	}
	return c.ID, nil
}

func (r *repoPG) ResolveConceptSet(ctx context.Context, code string) ([]uuid.UUID, error) {
	c, err := r.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if !c.IsSet {
		return []uuid.UUID{c.ID}, nil
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT m.member_id
		FROM concept_set_member m
		JOIN concept c ON c.id = m.member_id
		WHERE m.set_id = $1 AND NOT c.retired
		ORDER BY m.sort_weight, m.member_id`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", code, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member of %s: %w", code, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members of %s: %w", code, err)
	}
	return ids, nil
}
