package fixture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/reports/internal/domain/concept"
	"github.com/ehr/reports/internal/platform/query"
)

func TestLoadFile(t *testing.T) {
	ds, err := LoadFile("testdata/clinic.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}

	if got := ds.Patients(); strings.Join(got, ",") != "amina,brian,chen" {
		t.Errorf("unexpected patients: %v", got)
	}
	amina, ok := ds.PatientID("amina")
	if !ok || amina != ID("amina") {
		t.Fatalf("expected stable id for amina, got %s", amina)
	}
	if ds.PatientName(amina) != "amina" {
		t.Errorf("expected name lookup, got %s", ds.PatientName(amina))
	}

	ctx := context.Background()
	cd4, err := ds.Dictionary.ResolveConcept(ctx, "5497")
	if err != nil {
		t.Fatalf("ResolveConcept() error: %v", err)
	}
	members, err := ds.Dictionary.ResolveConceptSet(ctx, "90216")
	if err != nil || len(members) != 2 {
		t.Fatalf("expected TB answer set, got %v, %v", members, err)
	}

	rows, err := ds.Executor.Execute(ctx, query.Query{
		Entity:     query.EntityObservation,
		Columns:    []query.Column{query.ColPatientID, query.ColEncounterID, query.ColObservedAt, query.ColValueNumeric},
		Predicates: []query.Predicate{query.Eq(query.ColConcept, cd4), query.Eq(query.ColPatientID, amina)},
		OrderBy:    []query.Order{{Column: query.ColObservedAt}},
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 CD4 rows for amina, got %d", len(rows))
	}
	if rows[0][1] != ID("amina-apr") || rows[0][3] != 350.0 {
		t.Errorf("expected observation to inherit encounter, got %v", rows[0])
	}
	want := time.Date(2024, 4, 20, 9, 0, 0, 0, time.UTC)
	if ts, ok := rows[0][2].(time.Time); !ok || !ts.Equal(want) {
		t.Errorf("expected observation time from encounter, got %v", rows[0][2])
	}
}

func TestLoad_CodedValues(t *testing.T) {
	ds, err := Load(strings.NewReader(`
concepts:
  - {code: TB}
  - {code: YES, id: 9b0c3f7e-2d1a-4c55-8e11-3a7f0e6d2b90}
encounters:
  - {id: e1, patient: p1, datetime: 2024-04-01}
observations:
  - {id: o1, encounter: e1, concept: TB, value_coded: YES}
`))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	rows, err := ds.Executor.Execute(context.Background(), query.Query{
		Entity:  query.EntityObservation,
		Columns: []query.Column{query.ColObservationID, query.ColValueCoded},
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	yes := uuid.MustParse("9b0c3f7e-2d1a-4c55-8e11-3a7f0e6d2b90")
	if len(rows) != 1 || rows[0][0] != ID("o1") || rows[0][1] != yes {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown key", "concepts: []\npatients: []\n", "field patients not found"},
		{"unknown concept", "encounters:\n  - {id: e1, patient: p, datetime: 2024-01-01}\nobservations:\n  - {encounter: e1, concept: CD4}\n", "unknown concept"},
		{"unknown encounter", "concepts: [{code: A}]\nobservations:\n  - {encounter: nope, concept: A}\n", "unknown encounter"},
		{"no patient", "concepts: [{code: A}]\nobservations:\n  - {concept: A, datetime: 2024-01-01}\n", "patient or encounter"},
		{"no datetime", "concepts: [{code: A}]\nobservations:\n  - {patient: p, concept: A}\n", "datetime is required"},
		{"patient mismatch", "concepts: [{code: A}]\nencounters:\n  - {id: e1, patient: p, datetime: 2024-01-01}\nobservations:\n  - {encounter: e1, patient: q, concept: A}\n", "does not match"},
		{"duplicate encounter", "encounters:\n  - {id: e1, patient: p, datetime: 2024-01-01}\n  - {id: e1, patient: p, datetime: 2024-01-02}\n", "duplicate encounter"},
		{"encounter without time", "encounters:\n  - {id: e1, patient: p}\n", "datetime is required"},
		{"duplicate code", "concepts: [{code: A}, {code: A}]\n", "duplicate concept code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_UnknownCodedValue(t *testing.T) {
	_, err := Load(strings.NewReader("concepts: [{code: A}]\nobservations:\n  - {patient: p, concept: A, datetime: 2024-01-01, value_coded: B}\n"))
	if !errors.Is(err, concept.ErrUnknownConcept) {
		t.Errorf("expected ErrUnknownConcept, got %v", err)
	}
}

func TestLoad_Empty(t *testing.T) {
	ds, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(ds.Patients()) != 0 {
		t.Errorf("expected no patients, got %v", ds.Patients())
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile("testdata/nope.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestID(t *testing.T) {
	raw := "0b6c4ad2-7d64-4bd1-9a4e-0f0c3b6e1e2a"
	if ID(raw) != uuid.MustParse(raw) {
		t.Error("expected literal uuid to be kept")
	}
	if ID("amina") != ID("amina") || ID("amina") == ID("brian") {
		t.Error("expected stable distinct name ids")
	}
}
