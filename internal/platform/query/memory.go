package query

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Encounter is an in-memory encounter record.
type Encounter struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	Datetime  time.Time
}

// Observation is an in-memory observation record.
type Observation struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	EncounterID   uuid.UUID
	ConceptID     uuid.UUID
	ObservedAt    time.Time
	ValueNumeric  *float64
	ValueCoded    *uuid.UUID
	ValueText     *string
	ValueDatetime *time.Time
}

// MemoryExecutor evaluates queries over fixed record slices with the same
// semantics as the Postgres compiler. It is immutable once built and safe
// for concurrent use.
type MemoryExecutor struct {
	encounters   []map[Column]any
	observations []map[Column]any
}

func NewMemoryExecutor(encounters []Encounter, observations []Observation) *MemoryExecutor {
	m := &MemoryExecutor{}
	for _, e := range encounters {
		m.encounters = append(m.encounters, map[Column]any{
			ColEncounterID:   e.ID,
			ColPatientID:     e.PatientID,
			ColEncounterTime: e.Datetime,
		})
	}
	for _, o := range observations {
		rec := map[Column]any{
			ColObservationID: o.ID,
			ColPatientID:     o.PatientID,
			ColEncounterID:   o.EncounterID,
			ColConcept:       o.ConceptID,
			ColObservedAt:    o.ObservedAt,
			ColValueNumeric:  nil,
			ColValueCoded:    nil,
			ColValueText:     nil,
			ColValueDatetime: nil,
			ColAnchorTime:    o.ObservedAt,
		}
		if o.ValueNumeric != nil {
			rec[ColValueNumeric] = *o.ValueNumeric
		}
		if o.ValueCoded != nil {
			rec[ColValueCoded] = *o.ValueCoded
		}
		if o.ValueText != nil {
			rec[ColValueText] = *o.ValueText
		}
		if o.ValueDatetime != nil {
			rec[ColValueDatetime] = *o.ValueDatetime
			rec[ColAnchorTime] = *o.ValueDatetime
		}
		m.observations = append(m.observations, rec)
	}
	return m
}

func (m *MemoryExecutor) Execute(ctx context.Context, q Query) ([]Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source := m.encounters
	if q.Entity == EntityObservation {
		source = m.observations
	}

	var matched []map[Column]any
	for _, rec := range source {
		if matchesAll(rec, q.Predicates) {
			matched = append(matched, rec)
		}
	}

	if q.Aggregate != nil {
		matched = aggregate(matched, q)
	}

	if len(q.OrderBy) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, o := range q.OrderBy {
				c := compareValues(matched[i][o.Column], matched[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	rows := make([]Row, 0, len(matched))
	for _, rec := range matched {
		row := make(Row, len(q.Columns))
		for i, c := range q.Columns {
			row[i] = rec[c]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func matchesAll(rec map[Column]any, preds []Predicate) bool {
	for _, p := range preds {
		v := rec[p.Column]
		switch p.Op {
		case OpEq:
			if !equalValues(v, p.Value) {
				return false
			}
		case OpWithin:
			t, ok := v.(time.Time)
			if !ok || t.Before(p.From) || !t.Before(p.Until) {
				return false
			}
		case OpIn:
			id, ok := v.(uuid.UUID)
			if !ok || !containsID(p.IDs, id) {
				return false
			}
		}
	}
	return true
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// aggregate keeps the extreme row of each group, ordered by group value.
func aggregate(recs []map[Column]any, q Query) []map[Column]any {
	best := map[any]map[Column]any{}
	var keys []any
	first := q.Columns[0]
	for _, rec := range recs {
		key := rec[q.GroupBy]
		cur, ok := best[key]
		if !ok {
			best[key] = rec
			keys = append(keys, key)
			continue
		}
		if betterExtreme(rec, cur, q.Aggregate, first) {
			best[key] = rec
		}
	}
	sort.Slice(keys, func(i, j int) bool { return compareValues(keys[i], keys[j]) < 0 })
	out := make([]map[Column]any, len(keys))
	for i, k := range keys {
		out[i] = best[k]
	}
	return out
}

func betterExtreme(cand, cur map[Column]any, agg *Aggregate, tie Column) bool {
	cv, uv := cand[agg.Column], cur[agg.Column]
	switch {
	case cv == nil && uv == nil:
	case cv == nil:
		return false
	case uv == nil:
		return true
	default:
		c := compareValues(cv, uv)
		if agg.Func == AggMax {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
	}
	return compareValues(cand[tie], cur[tie]) < 0
}

func equalValues(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return a != nil && a == b
}

// compareValues orders normalized column values; nil sorts after everything.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	switch av := a.(type) {
	case uuid.UUID:
		if bv, ok := b.(uuid.UUID); ok {
			return bytes.Compare(av[:], bv[:])
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return 0
}
