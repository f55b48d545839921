package query

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCompile_EncounterWindow(t *testing.T) {
	from := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	pid := uuid.New()

	stmt, args, err := Compile(Query{
		Entity:  EntityEncounter,
		Columns: []Column{ColEncounterID, ColPatientID, ColEncounterTime},
		Predicates: []Predicate{
			Within(ColEncounterTime, from, until),
			In(ColPatientID, []uuid.UUID{pid}),
		},
	})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	want := "SELECT id, patient_id, encounter_datetime FROM encounter WHERE 1=1" +
		" AND encounter_datetime >= $1 AND encounter_datetime < $2" +
		" AND patient_id = ANY($3::uuid[])"
	if stmt != want {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", stmt, want)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d: %v", len(args), args)
	}
	if args[0] != from || args[1] != until {
		t.Errorf("unexpected range args: %v", args[:2])
	}
	ids, ok := args[2].([]string)
	if !ok || len(ids) != 1 || ids[0] != pid.String() {
		t.Errorf("expected patient id array arg, got %#v", args[2])
	}
}

func TestCompile_AggregateUsesDistinctOn(t *testing.T) {
	tests := []struct {
		fn   AggFunc
		want string
	}{
		{AggMin, "encounter_datetime ASC NULLS LAST"},
		{AggMax, "encounter_datetime DESC NULLS LAST"},
	}
	for _, tt := range tests {
		t.Run(string(tt.fn), func(t *testing.T) {
			stmt, _, err := Compile(Query{
				Entity:    EntityEncounter,
				Columns:   []Column{ColEncounterID, ColPatientID, ColEncounterTime},
				GroupBy:   ColPatientID,
				Aggregate: &Aggregate{Func: tt.fn, Column: ColEncounterTime},
			})
			if err != nil {
				t.Fatalf("Compile() error: %v", err)
			}
			if !strings.HasPrefix(stmt, "SELECT DISTINCT ON (patient_id) id, patient_id, encounter_datetime FROM encounter") {
				t.Errorf("expected DISTINCT ON prefix, got: %s", stmt)
			}
			if !strings.Contains(stmt, "ORDER BY patient_id, "+tt.want+", id ASC") {
				t.Errorf("expected ordering %q in: %s", tt.want, stmt)
			}
		})
	}
}

func TestCompile_ObservationPredicates(t *testing.T) {
	concept := uuid.New()
	stmt, args, err := Compile(Query{
		Entity:  EntityObservation,
		Columns: []Column{ColObservationID, ColPatientID},
		Predicates: []Predicate{
			Eq(ColConcept, concept),
			In(ColValueCoded, nil),
		},
		OrderBy: []Order{{Column: ColPatientID}, {Column: ColObservedAt, Desc: true}},
	})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if !strings.Contains(stmt, "FROM obs WHERE 1=1 AND concept_id = $1 AND value_coded = ANY($2::uuid[])") {
		t.Errorf("unexpected SQL: %s", stmt)
	}
	if !strings.HasSuffix(stmt, "ORDER BY patient_id ASC, obs_datetime DESC") {
		t.Errorf("unexpected ordering: %s", stmt)
	}
	if args[0] != concept {
		t.Errorf("expected concept arg, got %v", args[0])
	}
	if ids := args[1].([]string); len(ids) != 0 {
		t.Errorf("expected empty id array, got %v", ids)
	}
}

func TestCompile_AnchorTimeExpression(t *testing.T) {
	stmt, _, err := Compile(Query{
		Entity:    EntityObservation,
		Columns:   []Column{ColPatientID, ColAnchorTime},
		GroupBy:   ColPatientID,
		Aggregate: &Aggregate{Func: AggMin, Column: ColAnchorTime},
	})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if !strings.Contains(stmt, "patient_id, COALESCE(value_datetime, obs_datetime) FROM obs") {
		t.Errorf("expected coalesced anchor column: %s", stmt)
	}
}

func TestQueryValidate(t *testing.T) {
	tests := []struct {
		name string
		q    Query
	}{
		{"unknown entity", Query{Entity: "visit", Columns: []Column{ColPatientID}}},
		{"no columns", Query{Entity: EntityEncounter}},
		{"column not on entity", Query{Entity: EntityEncounter, Columns: []Column{ColConcept}}},
		{"range on uuid", Query{
			Entity:     EntityEncounter,
			Columns:    []Column{ColEncounterID},
			Predicates: []Predicate{Within(ColPatientID, time.Now(), time.Now())},
		}},
		{"aggregate without group", Query{
			Entity:    EntityEncounter,
			Columns:   []Column{ColEncounterID},
			Aggregate: &Aggregate{Func: AggMin, Column: ColEncounterTime},
		}},
		{"group without aggregate", Query{
			Entity:  EntityEncounter,
			Columns: []Column{ColEncounterID},
			GroupBy: ColPatientID,
		}},
		{"bad aggregate func", Query{
			Entity:    EntityEncounter,
			Columns:   []Column{ColEncounterID},
			GroupBy:   ColPatientID,
			Aggregate: &Aggregate{Func: "avg", Column: ColEncounterTime},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.q.Validate(); err == nil {
				t.Error("expected validation error")
			}
			if _, _, err := Compile(tt.q); err == nil {
				t.Error("expected Compile to reject invalid query")
			}
		})
	}
}
