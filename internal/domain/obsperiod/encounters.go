package obsperiod

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/reports/internal/platform/query"
)

// Selector picks the encounters that fall inside a window.
type Selector struct {
	exec query.Executor
}

func NewSelector(exec query.Executor) *Selector {
	return &Selector{exec: exec}
}

// Matches returns the encounters in w for the population. FIRST and LAST
// keep one encounter per patient (earliest or latest, ties to the smallest
// encounter id); ANY keeps all of them.
func (s *Selector) Matches(ctx context.Context, w Window, q Qualifier, pop *Population) ([]EncounterMatch, error) {
	from, until := w.Bounds()
	eq := query.Query{
		Entity:     query.EntityEncounter,
		Columns:    []query.Column{query.ColEncounterID, query.ColPatientID, query.ColEncounterTime},
		Predicates: []query.Predicate{query.Within(query.ColEncounterTime, from, until)},
	}
	if pop != nil {
		eq.Predicates = append(eq.Predicates, query.In(query.ColPatientID, pop.IDs()))
	}

	switch q {
	case First:
		eq.GroupBy = query.ColPatientID
		eq.Aggregate = &query.Aggregate{Func: query.AggMin, Column: query.ColEncounterTime}
	case Last:
		eq.GroupBy = query.ColPatientID
		eq.Aggregate = &query.Aggregate{Func: query.AggMax, Column: query.ColEncounterTime}
	}

	rows, err := s.exec.Execute(ctx, eq)
	if err != nil {
		return nil, err
	}

	matches := make([]EncounterMatch, 0, len(rows))
	for _, row := range rows {
		m, err := decodeEncounter(row)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// SelectEncounters flattens Matches into a set of encounter ids.
func (s *Selector) SelectEncounters(ctx context.Context, w Window, q Qualifier, pop *Population) (EncounterSet, error) {
	matches, err := s.Matches(ctx, w, q, pop)
	if err != nil {
		return nil, err
	}
	set := make(EncounterSet, len(matches))
	for _, m := range matches {
		set[m.EncounterID] = struct{}{}
	}
	return set, nil
}

func decodeEncounter(row query.Row) (EncounterMatch, error) {
	if len(row) != 3 {
		return EncounterMatch{}, fmt.Errorf("encounter row has %d columns, want 3", len(row))
	}
	eid, ok1 := row[0].(uuid.UUID)
	pid, ok2 := row[1].(uuid.UUID)
	at, ok3 := row[2].(time.Time)
	if !ok1 || !ok2 || !ok3 {
		return EncounterMatch{}, fmt.Errorf("malformed encounter row %v", row)
	}
	return EncounterMatch{PatientID: pid, EncounterID: eid, EncounterTime: at}, nil
}
