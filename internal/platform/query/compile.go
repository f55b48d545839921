package query

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// sqlBuilder accumulates WHERE fragments with positional $n arguments.
type sqlBuilder struct {
	where string
	args  []any
	idx   int
}

func newSQLBuilder() *sqlBuilder {
	return &sqlBuilder{idx: 1}
}

// add appends a clause (without leading "AND"). Each %d verb in format is
// replaced with the next placeholder index, one per arg.
func (b *sqlBuilder) add(format string, args ...any) {
	idxs := make([]any, len(args))
	for i := range args {
		idxs[i] = b.idx + i
	}
	b.where += " AND " + fmt.Sprintf(format, idxs...)
	b.args = append(b.args, args...)
	b.idx += len(args)
}

// Compile renders q as a Postgres statement and its arguments. Per-group
// aggregates become DISTINCT ON so the surviving row keeps every projected
// column of the extreme record.
func Compile(q Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	def := catalog[q.Entity]
	expr := func(c Column) string { return def.columns[c].expr }

	b := newSQLBuilder()
	for _, p := range q.Predicates {
		col := expr(p.Column)
		switch p.Op {
		case OpEq:
			b.add(col+" = $%d", p.Value)
		case OpWithin:
			b.add(col+" >= $%d AND "+col+" < $%d", p.From, p.Until)
		case OpIn:
			b.add(col+" = ANY($%d::uuid[])", uuidStrings(p.IDs))
		default:
			return "", nil, fmt.Errorf("unsupported predicate operator %d", p.Op)
		}
	}

	cols := make([]string, len(q.Columns))
	for i, c := range q.Columns {
		cols[i] = expr(c)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	var orders []string
	if q.Aggregate != nil {
		group := expr(q.GroupBy)
		dir := "ASC"
		if q.Aggregate.Func == AggMax {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, "DISTINCT ON (%s) ", group)
		orders = append(orders,
			group,
			fmt.Sprintf("%s %s NULLS LAST", expr(q.Aggregate.Column), dir),
			cols[0]+" ASC",
		)
	}
	sb.WriteString(strings.Join(cols, ", "))
	fmt.Fprintf(&sb, " FROM %s WHERE 1=1%s", def.table, b.where)

	for _, o := range q.OrderBy {
		term := expr(o.Column) + " ASC"
		if o.Desc {
			term = expr(o.Column) + " DESC"
		}
		orders = append(orders, term)
	}
	if len(orders) > 0 {
		sb.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}
	return sb.String(), b.args, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
