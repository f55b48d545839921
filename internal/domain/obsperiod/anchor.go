package obsperiod

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/reports/internal/platform/query"
)

// AnchorFilter correlates observations with a per-patient anchor event,
// such as the first recorded ART start date.
type AnchorFilter struct {
	exec query.Executor
}

func NewAnchorFilter(exec query.Executor) *AnchorFilter {
	return &AnchorFilter{exec: exec}
}

// ComputeAnchorDates returns each patient's earliest anchor time. The
// anchor time of an observation is its datetime value when present (the
// recorded start date), otherwise when it was observed.
func (a *AnchorFilter) ComputeAnchorDates(ctx context.Context, anchorConcept uuid.UUID, pop *Population) (map[uuid.UUID]time.Time, error) {
	aq := query.Query{
		Entity:     query.EntityObservation,
		Columns:    []query.Column{query.ColPatientID, query.ColAnchorTime},
		Predicates: []query.Predicate{query.Eq(query.ColConcept, anchorConcept)},
		GroupBy:    query.ColPatientID,
		Aggregate:  &query.Aggregate{Func: query.AggMin, Column: query.ColAnchorTime},
	}
	if pop != nil {
		aq.Predicates = append(aq.Predicates, query.In(query.ColPatientID, pop.IDs()))
	}

	rows, err := a.exec.Execute(ctx, aq)
	if err != nil {
		return nil, err
	}

	anchors := make(map[uuid.UUID]time.Time, len(rows))
	for _, row := range rows {
		if len(row) != 2 {
			return nil, fmt.Errorf("anchor row has %d columns, want 2", len(row))
		}
		pid, ok := row[0].(uuid.UUID)
		if !ok {
			return nil, fmt.Errorf("malformed anchor row %v", row)
		}
		if at, ok := row[1].(time.Time); ok {
			anchors[pid] = at
		}
	}
	return anchors, nil
}

// Keep reports whether rec was observed strictly before its patient's
// anchor date. Patients without an anchor are not kept.
func (a *AnchorFilter) Keep(rec ObservationRecord, anchors map[uuid.UUID]time.Time) bool {
	anchor, ok := anchors[rec.PatientID]
	return ok && rec.ObservedAt.Before(anchor)
}

// Filter drops the candidates Keep rejects and returns the remainder.
func (a *AnchorFilter) Filter(cands map[uuid.UUID][]ObservationRecord, anchors map[uuid.UUID]time.Time) map[uuid.UUID][]ObservationRecord {
	out := make(map[uuid.UUID][]ObservationRecord, len(cands))
	for pid, recs := range cands {
		var kept []ObservationRecord
		for _, rec := range recs {
			if a.Keep(rec, anchors) {
				kept = append(kept, rec)
			}
		}
		if len(kept) > 0 {
			out[pid] = kept
		}
	}
	return out
}
