// Package obsperiod resolves, per patient, the observation recorded during
// a reporting period: the window is derived from a reference date and a
// granularity, encounters inside it are selected by a FIRST/LAST/ANY
// qualifier, and exactly one matching observation is picked per patient.
package obsperiod

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

type Granularity string

const (
	Monthly   Granularity = "MONTHLY"
	Quarterly Granularity = "QUARTERLY"
	NoPeriod  Granularity = "NONE"
)

type Qualifier string

const (
	First Qualifier = "FIRST"
	Last  Qualifier = "LAST"
	Any   Qualifier = "ANY"
)

// Window is a span of calendar dates, inclusive at both ends.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls on or between the window's dates.
func (w Window) Contains(t time.Time) bool {
	from, until := w.Bounds()
	return !t.Before(from) && t.Before(until)
}

// Bounds returns the window as the half-open instant range [Start, End+1d)
// so that timestamps during the end date are included.
func (w Window) Bounds() (from, until time.Time) {
	return w.Start, w.End.AddDate(0, 0, 1)
}

func (w Window) String() string {
	return w.Start.Format(time.DateOnly) + ".." + w.End.Format(time.DateOnly)
}

// EvaluationRequest is one "question during one period".
type EvaluationRequest struct {
	ReferenceDate time.Time
	Granularity   Granularity
	PeriodOffset  int
	Qualifier     Qualifier
	// Concept restricts observations to one question; uuid.Nil matches any.
	Concept uuid.UUID
	// AcceptedAnswers restricts coded values. Nil means unrestricted; a
	// non-nil empty slice accepts nothing.
	AcceptedAnswers []uuid.UUID
	// AnchorConcept identifies the anchor observation (e.g. ART start) used
	// for QUARTERLY correlation. uuid.Nil skips anchor computation.
	AnchorConcept uuid.UUID
}

var errNilKey = errors.New("must not be the nil uuid")

func notNilUUID(value interface{}) error {
	if id, ok := value.(uuid.UUID); ok && id == uuid.Nil {
		return errNilKey
	}
	return nil
}

func (r EvaluationRequest) Validate() error {
	return invalid(validation.Errors{
		"reference_date": validation.Validate(r.ReferenceDate, validation.Required),
		"granularity": validation.Validate(string(r.Granularity), validation.Required,
			validation.In(string(Monthly), string(Quarterly), string(NoPeriod))),
		"period_offset": validation.Validate(r.PeriodOffset, validation.Min(0)),
		"qualifier": validation.Validate(string(r.Qualifier), validation.Required,
			validation.In(string(First), string(Last), string(Any))),
		"accepted_answers": validation.Validate(r.AcceptedAnswers, validation.Each(validation.By(notNilUUID))),
	}.Filter())
}

func (r EvaluationRequest) String() string {
	concept := "any"
	if r.Concept != uuid.Nil {
		concept = r.Concept.String()
	}
	return fmt.Sprintf("concept=%s %s+%d %s ref=%s",
		concept, r.Granularity, r.PeriodOffset, r.Qualifier, r.ReferenceDate.Format(time.DateOnly))
}

// Population restricts an evaluation to a set of patients. A nil
// *Population is unrestricted; a non-nil empty one contains nobody.
type Population struct {
	ids map[uuid.UUID]struct{}
}

// NewPopulation returns a population containing ids, which may be empty.
func NewPopulation(ids ...uuid.UUID) *Population {
	p := &Population{ids: make(map[uuid.UUID]struct{}, len(ids))}
	for _, id := range ids {
		p.ids[id] = struct{}{}
	}
	return p
}

// PopulationOf maps a nil slice to an unrestricted population.
func PopulationOf(ids []uuid.UUID) *Population {
	if ids == nil {
		return nil
	}
	return NewPopulation(ids...)
}

func (p *Population) Len() int {
	if p == nil {
		return 0
	}
	return len(p.ids)
}

func (p *Population) Contains(id uuid.UUID) bool {
	if p == nil {
		return true
	}
	_, ok := p.ids[id]
	return ok
}

// IDs returns the members in ascending order.
func (p *Population) IDs() []uuid.UUID {
	if p == nil {
		return nil
	}
	return sortedIDs(p.ids)
}

type EncounterMatch struct {
	PatientID     uuid.UUID
	EncounterID   uuid.UUID
	EncounterTime time.Time
}

// EncounterSet is a flat set of encounter ids with patient affiliation
// dropped. Encounter ids are primary keys, so membership is unambiguous.
type EncounterSet map[uuid.UUID]struct{}

func (s EncounterSet) IDs() []uuid.UUID {
	return sortedIDs(s)
}

// Value holds the typed value columns of an observation; at most one is
// normally set.
type Value struct {
	Numeric  *float64
	Coded    *uuid.UUID
	Text     *string
	Datetime *time.Time
}

// Interface returns the populated value for report cells, or nil.
func (v Value) Interface() any {
	switch {
	case v.Numeric != nil:
		return *v.Numeric
	case v.Coded != nil:
		return *v.Coded
	case v.Datetime != nil:
		return *v.Datetime
	case v.Text != nil:
		return *v.Text
	}
	return nil
}

type ObservationRecord struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	EncounterID uuid.UUID
	Concept     uuid.UUID
	Value       Value
	ObservedAt  time.Time
}

type ResolvedValue struct {
	PatientID   uuid.UUID
	Observation ObservationRecord
}

// ResultMapping holds at most one resolved value per patient. Patients
// without a match are absent.
type ResultMapping map[uuid.UUID]ResolvedValue

// Values projects the mapping to patient -> observation value.
func (m ResultMapping) Values() map[uuid.UUID]any {
	out := make(map[uuid.UUID]any, len(m))
	for pid, rv := range m {
		out[pid] = rv.Observation.Value.Interface()
	}
	return out
}

// PatientIDs returns the resolved patients in ascending order.
func (m ResultMapping) PatientIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortUUIDs(ids)
	return ids
}

func sortedIDs[V any](set map[uuid.UUID]V) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortUUIDs(ids)
	return ids
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}
