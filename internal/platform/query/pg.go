package query

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/reports/internal/platform/db"
)

// PGExecutor runs each query in its own read-only transaction on a pooled
// connection. When a tenant is bound to ctx the transaction is scoped to the
// tenant schema, so concurrent evaluations of one request never share a
// connection.
type PGExecutor struct {
	pool *pgxpool.Pool
}

func NewPGExecutor(pool *pgxpool.Pool) *PGExecutor {
	return &PGExecutor{pool: pool}
}

func (e *PGExecutor) Execute(ctx context.Context, q Query) ([]Row, error) {
	stmt, args, err := Compile(q)
	if err != nil {
		return nil, err
	}

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin %s query: %w", q.Entity, err)
	}
	defer tx.Rollback(ctx)

	if tenant := db.TenantFromContext(ctx); tenant != "" {
		schema, err := db.SchemaName(tenant)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	rows, err := tx.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Entity, err)
	}
	out, err := scanRows(rows, q)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s query: %w", q.Entity, err)
	}
	return out, nil
}

func scanRows(rows pgx.Rows, q Query) ([]Row, error) {
	defer rows.Close()

	kinds := make([]Kind, len(q.Columns))
	for i, c := range q.Columns {
		kinds[i], _ = KindOf(q.Entity, c)
	}

	var out []Row
	for rows.Next() {
		dests := make([]any, len(kinds))
		for i, k := range kinds {
			dests[i] = scanTarget(k)
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", q.Entity, err)
		}
		row := make(Row, len(dests))
		for i, d := range dests {
			row[i] = deref(d)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", q.Entity, err)
	}
	return out, nil
}

func scanTarget(k Kind) any {
	switch k {
	case KindUUID:
		return new(*uuid.UUID)
	case KindTime:
		return new(*time.Time)
	case KindNumber:
		return new(*float64)
	default:
		return new(*string)
	}
}

func deref(d any) any {
	switch v := d.(type) {
	case **uuid.UUID:
		if *v != nil {
			return **v
		}
	case **time.Time:
		if *v != nil {
			return **v
		}
	case **float64:
		if *v != nil {
			return **v
		}
	case **string:
		if *v != nil {
			return **v
		}
	}
	return nil
}
