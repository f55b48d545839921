// Package query describes read-only queries against encounter and observation
// records without committing to a query language, and executes them against
// Postgres or in-memory fixtures.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity is the record kind a query reads.
type Entity string

const (
	EntityEncounter   Entity = "encounter"
	EntityObservation Entity = "observation"
)

// Column names a projected or filtered attribute of an entity.
type Column string

const (
	ColPatientID     Column = "patient_id"
	ColEncounterID   Column = "encounter_id"
	ColEncounterTime Column = "encounter_datetime"
	ColObservationID Column = "obs_id"
	ColConcept       Column = "concept_id"
	ColObservedAt    Column = "obs_datetime"
	ColValueNumeric  Column = "value_numeric"
	ColValueCoded    Column = "value_coded"
	ColValueText     Column = "value_text"
	ColValueDatetime Column = "value_datetime"
	// ColAnchorTime is the datetime value of an observation, or its
	// observed-at time when the observation carries no datetime value.
	ColAnchorTime Column = "anchor_time"
)

// Kind is the normalized Go type of a column value.
type Kind int

const (
	KindUUID   Kind = iota // uuid.UUID
	KindTime               // time.Time
	KindNumber             // float64
	KindText               // string
)

type columnDef struct {
	expr string
	kind Kind
}

type entityDef struct {
	table   string
	columns map[Column]columnDef
}

var catalog = map[Entity]entityDef{
	EntityEncounter: {
		table: "encounter",
		columns: map[Column]columnDef{
			ColEncounterID:   {expr: "id", kind: KindUUID},
			ColPatientID:     {expr: "patient_id", kind: KindUUID},
			ColEncounterTime: {expr: "encounter_datetime", kind: KindTime},
		},
	},
	EntityObservation: {
		table: "obs",
		columns: map[Column]columnDef{
			ColObservationID: {expr: "id", kind: KindUUID},
			ColPatientID:     {expr: "patient_id", kind: KindUUID},
			ColEncounterID:   {expr: "encounter_id", kind: KindUUID},
			ColConcept:       {expr: "concept_id", kind: KindUUID},
			ColObservedAt:    {expr: "obs_datetime", kind: KindTime},
			ColValueNumeric:  {expr: "value_numeric", kind: KindNumber},
			ColValueCoded:    {expr: "value_coded", kind: KindUUID},
			ColValueText:     {expr: "value_text", kind: KindText},
			ColValueDatetime: {expr: "value_datetime", kind: KindTime},
			ColAnchorTime:    {expr: "COALESCE(value_datetime, obs_datetime)", kind: KindTime},
		},
	},
}

// KindOf reports the value kind of a column on an entity.
func KindOf(e Entity, c Column) (Kind, bool) {
	def, ok := catalog[e].columns[c]
	return def.kind, ok
}

// Op is a predicate operator.
type Op int

const (
	OpEq     Op = iota // column equals Value
	OpWithin           // From <= column < Until
	OpIn               // column is one of IDs
)

// Predicate restricts the rows a query returns.
type Predicate struct {
	Column Column
	Op     Op
	Value  any
	From   time.Time
	Until  time.Time
	IDs    []uuid.UUID
}

func Eq(c Column, v any) Predicate {
	return Predicate{Column: c, Op: OpEq, Value: v}
}

// Within matches timestamps in [from, until). Callers wanting an inclusive
// calendar-day range pass the day after the last included day as until.
func Within(c Column, from, until time.Time) Predicate {
	return Predicate{Column: c, Op: OpWithin, From: from, Until: until}
}

// In matches identifiers in ids. An empty ids matches nothing.
func In(c Column, ids []uuid.UUID) Predicate {
	return Predicate{Column: c, Op: OpIn, IDs: ids}
}

// AggFunc selects which row of a group survives aggregation.
type AggFunc string

const (
	AggMin AggFunc = "min"
	AggMax AggFunc = "max"
)

// Aggregate keeps, per GroupBy value, the row whose Column holds the minimum
// or maximum value. Ties keep the row with the smallest first projected
// column. Rows whose Column is null only survive when the whole group is null.
type Aggregate struct {
	Func   AggFunc
	Column Column
}

// Order is one ORDER BY term.
type Order struct {
	Column Column
	Desc   bool
}

// Query is a declarative read over one entity.
type Query struct {
	Entity     Entity
	Columns    []Column
	Predicates []Predicate
	GroupBy    Column
	Aggregate  *Aggregate
	OrderBy    []Order
}

// Row holds one result tuple in Columns order. Values are uuid.UUID,
// time.Time, float64, string, or nil for nulls.
type Row []any

// Executor runs declarative queries. Implementations report store faults as
// errors and never retry on the caller's behalf.
type Executor interface {
	Execute(ctx context.Context, q Query) ([]Row, error)
}

// Validate checks that every referenced column exists on the entity.
func (q Query) Validate() error {
	def, ok := catalog[q.Entity]
	if !ok {
		return fmt.Errorf("unknown entity %q", q.Entity)
	}
	if len(q.Columns) == 0 {
		return fmt.Errorf("query on %s projects no columns", q.Entity)
	}
	check := func(c Column) error {
		if _, ok := def.columns[c]; !ok {
			return fmt.Errorf("unknown column %q on %s", c, q.Entity)
		}
		return nil
	}
	for _, c := range q.Columns {
		if err := check(c); err != nil {
			return err
		}
	}
	for _, p := range q.Predicates {
		if err := check(p.Column); err != nil {
			return err
		}
		if p.Op == OpWithin && def.columns[p.Column].kind != KindTime {
			return fmt.Errorf("range predicate on non-time column %q", p.Column)
		}
	}
	for _, o := range q.OrderBy {
		if err := check(o.Column); err != nil {
			return err
		}
	}
	if q.Aggregate != nil {
		if q.GroupBy == "" {
			return fmt.Errorf("aggregate on %s requires a group-by column", q.Entity)
		}
		if q.Aggregate.Func != AggMin && q.Aggregate.Func != AggMax {
			return fmt.Errorf("unknown aggregate %q", q.Aggregate.Func)
		}
		if err := check(q.Aggregate.Column); err != nil {
			return err
		}
	}
	if q.GroupBy != "" {
		if err := check(q.GroupBy); err != nil {
			return err
		}
		if q.Aggregate == nil {
			return fmt.Errorf("group-by %q without aggregate", q.GroupBy)
		}
	}
	return nil
}
