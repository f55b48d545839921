// Package reporting groups period-observation columns into named report
// definitions and evaluates them for a cohort.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/reports/internal/domain/obsperiod"
)

// ErrUnknownDefinition is returned for a definition id not in the catalog.
var ErrUnknownDefinition = errors.New("unknown report definition")

// Column is one period-observation value reported per patient.
type Column struct {
	Key          string                `json:"key"`
	Name         string                `json:"name"`
	ConceptCode  string                `json:"concept"`
	AnswerCodes  []string              `json:"answers,omitempty"`
	Granularity  obsperiod.Granularity `json:"granularity"`
	Qualifier    obsperiod.Qualifier   `json:"qualifier"`
	PeriodOffset int                   `json:"period_offset"`
}

// Params builds the evaluation parameters of the column for ref.
func (c Column) Params(ref time.Time) obsperiod.Params {
	return obsperiod.Params{
		ConceptCode:   c.ConceptCode,
		AnswerCodes:   c.AnswerCodes,
		ReferenceDate: ref,
		Granularity:   c.Granularity,
		PeriodOffset:  c.PeriodOffset,
		Qualifier:     c.Qualifier,
	}
}

// Definition is a named set of columns.
type Definition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Columns     []Column `json:"columns"`
}

// Dataset maps patient -> column key -> value. Patients with no value in
// any column are absent; columns without a value are absent from a row.
type Dataset map[uuid.UUID]map[string]any

// Evaluator runs several evaluations over one population.
type Evaluator interface {
	EvaluateMany(ctx context.Context, ps []obsperiod.Params, patientIDs []uuid.UUID) ([]map[uuid.UUID]any, error)
}

type Catalog struct {
	eval Evaluator
	defs []Definition
}

// NewCatalog returns a catalog of defs, or of the built-in definitions when
// none are given.
func NewCatalog(eval Evaluator, defs ...Definition) *Catalog {
	if len(defs) == 0 {
		defs = Builtin()
	}
	return &Catalog{eval: eval, defs: defs}
}

// Definitions lists the catalog in declaration order.
func (c *Catalog) Definitions() []Definition {
	return c.defs
}

// Find looks up a definition by id.
func (c *Catalog) Find(id string) (Definition, bool) {
	for _, d := range c.defs {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// Evaluate evaluates every column of definition id for the patients
// (nil means every patient) with ref as the reference date.
func (c *Catalog) Evaluate(ctx context.Context, id string, ref time.Time, patientIDs []uuid.UUID) (Dataset, error) {
	def, ok := c.Find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, id)
	}

	ps := make([]obsperiod.Params, len(def.Columns))
	for i, col := range def.Columns {
		ps[i] = col.Params(ref)
	}
	results, err := c.eval.EvaluateMany(ctx, ps, patientIDs)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", id, err)
	}

	data := Dataset{}
	for i, col := range def.Columns {
		for pid, v := range results[i] {
			row, ok := data[pid]
			if !ok {
				row = make(map[string]any, len(def.Columns))
				data[pid] = row
			}
			row[col.Key] = v
		}
	}
	return data, nil
}
