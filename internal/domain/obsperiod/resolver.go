package obsperiod

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/reports/internal/platform/query"
)

// Ordering ranks a patient's candidate observations; the first after
// sorting is the resolved one. It must be a total order so the pick does
// not depend on the order rows come back from the store.
type Ordering func(a, b ObservationRecord) int

// EarliestFirst orders by ObservedAt ascending, then by observation id.
func EarliestFirst(a, b ObservationRecord) int {
	if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// LatestFirst orders by ObservedAt descending, then by observation id.
func LatestFirst(a, b ObservationRecord) int {
	if c := b.ObservedAt.Compare(a.ObservedAt); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// OrderingFor returns the default ordering for a qualifier: LAST picks the
// latest observation, FIRST and ANY the earliest.
func OrderingFor(q Qualifier) Ordering {
	if q == Last {
		return LatestFirst
	}
	return EarliestFirst
}

// Criteria describes which observations are candidates for a patient.
type Criteria struct {
	Concept    uuid.UUID
	Answers    []uuid.UUID
	Window     Window
	Encounters EncounterSet
	Population *Population
	Order      Ordering
}

// Resolver turns candidate observations into one value per patient.
type Resolver struct {
	exec query.Executor
}

func NewResolver(exec query.Executor) *Resolver {
	return &Resolver{exec: exec}
}

var obsColumns = []query.Column{
	query.ColObservationID,
	query.ColPatientID,
	query.ColEncounterID,
	query.ColConcept,
	query.ColObservedAt,
	query.ColValueNumeric,
	query.ColValueCoded,
	query.ColValueText,
	query.ColValueDatetime,
}

// Candidates returns every matching observation grouped by patient, each
// group sorted by c.Order (EarliestFirst when unset). An empty encounter
// set yields no candidates without querying.
func (r *Resolver) Candidates(ctx context.Context, c Criteria) (map[uuid.UUID][]ObservationRecord, error) {
	out := make(map[uuid.UUID][]ObservationRecord)
	if len(c.Encounters) == 0 {
		return out, nil
	}

	from, until := c.Window.Bounds()
	oq := query.Query{
		Entity:  query.EntityObservation,
		Columns: obsColumns,
	}
	if c.Concept != uuid.Nil {
		oq.Predicates = append(oq.Predicates, query.Eq(query.ColConcept, c.Concept))
	}
	oq.Predicates = append(oq.Predicates, query.In(query.ColEncounterID, c.Encounters.IDs()))
	if c.Answers != nil {
		oq.Predicates = append(oq.Predicates, query.In(query.ColValueCoded, c.Answers))
	}
	oq.Predicates = append(oq.Predicates, query.Within(query.ColObservedAt, from, until))
	if c.Population != nil {
		oq.Predicates = append(oq.Predicates, query.In(query.ColPatientID, c.Population.IDs()))
	}

	rows, err := r.exec.Execute(ctx, oq)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		rec, err := decodeObservation(row)
		if err != nil {
			return nil, err
		}
		out[rec.PatientID] = append(out[rec.PatientID], rec)
	}

	order := c.Order
	if order == nil {
		order = EarliestFirst
	}
	for _, recs := range out {
		slices.SortFunc(recs, order)
	}
	return out, nil
}

// Resolve picks one observation per patient from Candidates.
func (r *Resolver) Resolve(ctx context.Context, c Criteria) (ResultMapping, error) {
	cands, err := r.Candidates(ctx, c)
	if err != nil {
		return nil, err
	}
	return Pick(cands), nil
}

// Pick takes the head of each patient's sorted candidate list. Patients
// with no candidates are left out.
func Pick(cands map[uuid.UUID][]ObservationRecord) ResultMapping {
	result := make(ResultMapping, len(cands))
	for pid, recs := range cands {
		if len(recs) == 0 {
			continue
		}
		result[pid] = ResolvedValue{PatientID: pid, Observation: recs[0]}
	}
	return result
}

func decodeObservation(row query.Row) (ObservationRecord, error) {
	if len(row) != len(obsColumns) {
		return ObservationRecord{}, fmt.Errorf("observation row has %d columns, want %d", len(row), len(obsColumns))
	}
	var rec ObservationRecord
	var ok [5]bool
	rec.ID, ok[0] = row[0].(uuid.UUID)
	rec.PatientID, ok[1] = row[1].(uuid.UUID)
	rec.EncounterID, ok[2] = row[2].(uuid.UUID)
	rec.Concept, ok[3] = row[3].(uuid.UUID)
	rec.ObservedAt, ok[4] = row[4].(time.Time)
	for _, good := range ok {
		if !good {
			return ObservationRecord{}, fmt.Errorf("malformed observation row %v", row)
		}
	}

	if v, isNum := row[5].(float64); isNum {
		rec.Value.Numeric = &v
	}
	if v, isCoded := row[6].(uuid.UUID); isCoded {
		rec.Value.Coded = &v
	}
	if v, isText := row[7].(string); isText {
		rec.Value.Text = &v
	}
	if v, isTime := row[8].(time.Time); isTime {
		rec.Value.Datetime = &v
	}
	return rec, nil
}
