package obsperiod

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/reports/internal/domain/concept"
)

// Params is the caller-facing form of an evaluation, expressed in concept
// codes rather than storage keys.
type Params struct {
	ConceptCode   string
	AnswerCodes   []string
	ReferenceDate time.Time
	Granularity   Granularity
	PeriodOffset  int
	Qualifier     Qualifier
	// PatientIDs restricts the population; nil means unrestricted.
	PatientIDs []uuid.UUID
}

func (p Params) Validate() error {
	return invalid(validation.Errors{
		"reference_date": validation.Validate(p.ReferenceDate, validation.Required),
		"granularity": validation.Validate(string(p.Granularity), validation.Required,
			validation.In(string(Monthly), string(Quarterly), string(NoPeriod))),
		"period_offset": validation.Validate(p.PeriodOffset, validation.Min(0)),
		"qualifier": validation.Validate(string(p.Qualifier), validation.Required,
			validation.In(string(First), string(Last), string(Any))),
		"answers":     validation.Validate(p.AnswerCodes, validation.Each(validation.Required)),
		"patient_ids": validation.Validate(p.PatientIDs, validation.Each(validation.By(notNilUUID))),
	}.Filter())
}

type ServiceConfig struct {
	// AnchorConceptCode names the anchor observation for QUARTERLY
	// correlation. Empty disables anchor computation.
	AnchorConceptCode string
	// Location is the zone reference dates are interpreted in.
	Location    *time.Location
	Concurrency int
}

// Service translates concept codes through the dictionary and runs the
// evaluator.
type Service struct {
	eval   *Evaluator
	dict   concept.Dictionary
	cfg    ServiceConfig
	logger zerolog.Logger
}

func NewService(eval *Evaluator, dict concept.Dictionary, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Service{eval: eval, dict: dict, cfg: cfg, logger: logger}
}

// Concurrency is the configured bound on parallel evaluations.
func (s *Service) Concurrency() int {
	return s.cfg.Concurrency
}

// Evaluate returns patient -> observation value.
func (s *Service) Evaluate(ctx context.Context, p Params) (map[uuid.UUID]any, error) {
	m, err := s.EvaluateDetailed(ctx, p)
	if err != nil {
		return nil, err
	}
	return m.Values(), nil
}

// EvaluateDetailed is Evaluate but keeps the resolved observations.
func (s *Service) EvaluateDetailed(ctx context.Context, p Params) (ResultMapping, error) {
	req, err := s.Request(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.eval.Evaluate(ctx, req, PopulationOf(p.PatientIDs))
}

// Window returns the window p would be evaluated over.
func (s *Service) Window(p Params) (Window, error) {
	if err := p.Validate(); err != nil {
		return Window{}, err
	}
	return s.eval.calc.ComputeWindow(s.localDate(p.ReferenceDate), p.Granularity, p.PeriodOffset)
}

// Request validates p and resolves its codes into an EvaluationRequest.
func (s *Service) Request(ctx context.Context, p Params) (EvaluationRequest, error) {
	if err := p.Validate(); err != nil {
		return EvaluationRequest{}, err
	}

	req := EvaluationRequest{
		ReferenceDate: s.localDate(p.ReferenceDate),
		Granularity:   p.Granularity,
		PeriodOffset:  p.PeriodOffset,
		Qualifier:     p.Qualifier,
	}
	resolveErr := func(err error) error {
		return &StageError{Stage: StageResolveConcept, Request: req.String(), Err: err}
	}

	if p.ConceptCode != "" {
		id, err := s.dict.ResolveConcept(ctx, p.ConceptCode)
		if err != nil {
			return EvaluationRequest{}, resolveErr(err)
		}
		req.Concept = id
	}

	if p.AnswerCodes != nil {
		answers, err := concept.ResolveAll(ctx, s.dict, p.AnswerCodes)
		if err != nil {
			return EvaluationRequest{}, resolveErr(err)
		}
		if answers == nil {
			answers = []uuid.UUID{}
		}
		req.AcceptedAnswers = answers
	}

	if p.Granularity == Quarterly && s.cfg.AnchorConceptCode != "" {
		id, err := s.dict.ResolveConcept(ctx, s.cfg.AnchorConceptCode)
		switch {
		case err == nil:
			req.AnchorConcept = id
		case errors.Is(err, concept.ErrUnknownConcept) && !s.eval.ApplyAnchorFilter:
			s.logger.Warn().Str("code", s.cfg.AnchorConceptCode).Msg("anchor concept not in dictionary, skipping anchor dates")
		default:
			return EvaluationRequest{}, resolveErr(err)
		}
	}

	return req, nil
}

// localDate reinterprets t's calendar date in the report zone.
func (s *Service) localDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location)
}

// EvaluateMany evaluates several parameter sets over one population and
// returns their values in input order. PatientIDs on the individual params
// are ignored in favour of patientIDs.
func (s *Service) EvaluateMany(ctx context.Context, ps []Params, patientIDs []uuid.UUID) ([]map[uuid.UUID]any, error) {
	reqs := make([]EvaluationRequest, len(ps))
	for i, p := range ps {
		req, err := s.Request(ctx, p)
		if err != nil {
			return nil, err
		}
		reqs[i] = req
	}

	mappings, err := s.eval.BatchEvaluate(ctx, reqs, PopulationOf(patientIDs), s.cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	out := make([]map[uuid.UUID]any, len(mappings))
	for i, m := range mappings {
		out[i] = m.Values()
	}
	return out, nil
}
