package obsperiod

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/reports/internal/domain/concept"
	"github.com/ehr/reports/internal/platform/query"
)

func testDictionary(t *testing.T, withAnchor bool) *concept.MemoryDictionary {
	t.Helper()
	concepts := []concept.Concept{
		{ID: cd4Concept, Code: "CD4", Datatype: "Numeric"},
		{ID: tbConcept, Code: "TB", Datatype: "Coded"},
		{ID: answerYes, Code: "YES"},
		{ID: answerNo, Code: "NO"},
	}
	if withAnchor {
		concepts = append(concepts, concept.Concept{ID: artStart, Code: "ART-START", Datatype: "Datetime"})
	}
	d, err := concept.NewMemoryDictionary(concepts, nil)
	if err != nil {
		t.Fatalf("NewMemoryDictionary() error: %v", err)
	}
	return d
}

func testService(t *testing.T, exec query.Executor, withAnchor, applyFilter bool) *Service {
	t.Helper()
	ev := NewEvaluator(exec, testNow, zerolog.Nop())
	ev.ApplyAnchorFilter = applyFilter
	return NewService(ev, testDictionary(t, withAnchor), ServiceConfig{AnchorConceptCode: "ART-START"}, zerolog.Nop())
}

func cd4Params() Params {
	return Params{
		ConceptCode:   "CD4",
		ReferenceDate: date(2024, 4, 15),
		Granularity:   Quarterly,
		Qualifier:     Last,
	}
}

func TestService_EvaluateSinglePatient(t *testing.T) {
	pid := patient(1)
	exec := query.NewMemoryExecutor(
		[]query.Encounter{{ID: encounter(1), PatientID: pid, Datetime: at(2024, 4, 20, 10)}},
		[]query.Observation{{ID: obsID(1), PatientID: pid, EncounterID: encounter(1), ConceptID: cd4Concept, ObservedAt: at(2024, 4, 20, 10), ValueNumeric: num(350)}},
	)
	svc := testService(t, exec, true, false)

	p := cd4Params()
	p.Qualifier = First
	got, err := svc.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(got) != 1 || got[pid] != 350.0 {
		t.Errorf("expected {%s: 350}, got %v", pid, got)
	}
}

func TestService_AnswerCodes(t *testing.T) {
	a, b := patient(1), patient(2)
	exec := query.NewMemoryExecutor(
		[]query.Encounter{
			{ID: encounter(1), PatientID: a, Datetime: at(2024, 5, 1, 9)},
			{ID: encounter(2), PatientID: b, Datetime: at(2024, 5, 2, 9)},
		},
		[]query.Observation{
			{ID: obsID(1), PatientID: a, EncounterID: encounter(1), ConceptID: tbConcept, ObservedAt: at(2024, 5, 1, 9), ValueCoded: coded(answerYes)},
			{ID: obsID(2), PatientID: b, EncounterID: encounter(2), ConceptID: tbConcept, ObservedAt: at(2024, 5, 2, 9), ValueCoded: coded(answerNo)},
		},
	)
	svc := testService(t, exec, true, false)

	p := cd4Params()
	p.ConceptCode = "TB"
	p.AnswerCodes = []string{"YES"}
	got, err := svc.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(got) != 1 || got[a] != answerYes {
		t.Errorf("expected only patient A, got %v", got)
	}

	p.AnswerCodes = []string{}
	got, err = svc.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty answer list to accept nothing, got %v", got)
	}
}

func TestService_ParamsValidation(t *testing.T) {
	exec := query.NewCountingExecutor(query.NewMemoryExecutor(nil, nil))
	svc := testService(t, exec, true, false)

	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"no reference date", func(p *Params) { p.ReferenceDate = time.Time{} }},
		{"bad granularity", func(p *Params) { p.Granularity = "WEEKLY" }},
		{"bad qualifier", func(p *Params) { p.Qualifier = "" }},
		{"negative offset", func(p *Params) { p.PeriodOffset = -1 }},
		{"blank answer code", func(p *Params) { p.AnswerCodes = []string{"YES", ""} }},
		{"nil patient id", func(p *Params) { p.PatientIDs = []uuid.UUID{uuid.Nil} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := cd4Params()
			tt.mutate(&p)
			if _, err := svc.Evaluate(context.Background(), p); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if exec.Count() != 0 {
		t.Errorf("expected no queries, got %d", exec.Count())
	}
}

func TestService_UnknownConcept(t *testing.T) {
	svc := testService(t, query.NewMemoryExecutor(nil, nil), true, false)

	p := cd4Params()
	p.ConceptCode = "NOPE"
	_, err := svc.Evaluate(context.Background(), p)
	if !errors.Is(err, concept.ErrUnknownConcept) {
		t.Fatalf("expected ErrUnknownConcept, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageResolveConcept {
		t.Errorf("expected resolve-concept stage, got %v", err)
	}

	p = cd4Params()
	p.AnswerCodes = []string{"MAYBE"}
	if _, err := svc.Evaluate(context.Background(), p); !errors.Is(err, concept.ErrUnknownConcept) {
		t.Errorf("expected ErrUnknownConcept for answer, got %v", err)
	}
}

func TestService_AnchorConcept(t *testing.T) {
	ctx := context.Background()

	req, err := testService(t, nil, true, false).Request(ctx, cd4Params())
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if req.AnchorConcept != artStart {
		t.Errorf("expected anchor concept resolved, got %s", req.AnchorConcept)
	}

	monthly := cd4Params()
	monthly.Granularity = Monthly
	req, err = testService(t, nil, true, false).Request(ctx, monthly)
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if req.AnchorConcept != uuid.Nil {
		t.Error("expected no anchor for MONTHLY")
	}

	req, err = testService(t, nil, false, false).Request(ctx, cd4Params())
	if err != nil {
		t.Fatalf("expected missing anchor concept to be skipped, got %v", err)
	}
	if req.AnchorConcept != uuid.Nil {
		t.Error("expected anchor to be skipped")
	}

	_, err = testService(t, nil, false, true).Request(ctx, cd4Params())
	if !errors.Is(err, concept.ErrUnknownConcept) {
		t.Errorf("expected missing anchor concept to fail when filtering, got %v", err)
	}
}

func TestService_ReferenceDateInReportZone(t *testing.T) {
	loc := time.FixedZone("EAT", 3*60*60)
	ev := NewEvaluator(query.NewMemoryExecutor(nil, nil), testNow, zerolog.Nop())
	svc := NewService(ev, testDictionary(t, false), ServiceConfig{Location: loc}, zerolog.Nop())

	p := cd4Params()
	p.ReferenceDate = time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC)
	w, err := svc.Window(p)
	if err != nil {
		t.Fatalf("Window() error: %v", err)
	}
	if w.Start.Location() != loc || w.Start.Month() != time.January || w.End.Day() != 31 {
		t.Errorf("expected Q1 in report zone, got %s", w)
	}
}

func TestService_EvaluateMany(t *testing.T) {
	svc := testService(t, anchorFixture(), true, false)
	late, early := patient(1), patient(2)

	first := cd4Params()
	first.Qualifier = First
	tb := cd4Params()
	tb.ConceptCode = "TB"

	got, err := svc.EvaluateMany(context.Background(), []Params{first, tb}, []uuid.UUID{late, early})
	if err != nil {
		t.Fatalf("EvaluateMany() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(got))
	}
	if len(got[0]) != 2 || got[0][late] != 100.0 || got[0][early] != 200.0 {
		t.Errorf("unexpected CD4 mapping: %v", got[0])
	}
	if len(got[1]) != 0 {
		t.Errorf("expected empty TB mapping, got %v", got[1])
	}

	bad := cd4Params()
	bad.ConceptCode = "NOPE"
	if _, err := svc.EvaluateMany(context.Background(), []Params{first, bad}, nil); !errors.Is(err, concept.ErrUnknownConcept) {
		t.Errorf("expected ErrUnknownConcept, got %v", err)
	}
}
