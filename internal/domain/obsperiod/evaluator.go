package obsperiod

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/reports/internal/platform/query"
)

// Evaluator composes window calculation, encounter selection, anchor
// correlation and observation resolution. It holds no per-call state and
// is safe for concurrent use.
type Evaluator struct {
	calc     *Calculator
	selector *Selector
	resolver *Resolver
	anchors  *AnchorFilter
	logger   zerolog.Logger

	// ApplyAnchorFilter restricts QUARTERLY picks to observations made
	// before the patient's anchor date. When false the anchor dates are
	// still computed but do not affect the result.
	ApplyAnchorFilter bool
}

func NewEvaluator(exec query.Executor, clock Clock, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		calc:     NewCalculator(clock),
		selector: NewSelector(exec),
		resolver: NewResolver(exec),
		anchors:  NewAnchorFilter(exec),
		logger:   logger.With().Str("component", "obsperiod").Logger(),
	}
}

// Evaluate resolves req for the population. A nil population is
// unrestricted; an empty one returns an empty mapping without querying.
// At most three read-only queries are issued. On failure no partial
// mapping is returned. With ApplyAnchorFilter set, a QUARTERLY request
// without an anchor concept is invalid.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluationRequest, pop *Population) (ResultMapping, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if e.ApplyAnchorFilter && req.Granularity == Quarterly && req.AnchorConcept == uuid.Nil {
		return nil, invalidf("anchor filter is enabled but the %s request has no anchor concept", Quarterly)
	}
	if pop != nil && pop.Len() == 0 {
		return ResultMapping{}, nil
	}

	log := e.logger.With().Str("request", req.String()).Logger()
	start := time.Now()

	window, err := e.calc.ComputeWindow(req.ReferenceDate, req.Granularity, req.PeriodOffset)
	if err != nil {
		return nil, err
	}
	log.Debug().Stringer("window", window).Msg("window computed")

	encounters, err := e.selector.SelectEncounters(ctx, window, req.Qualifier, pop)
	if err != nil {
		return nil, &StageError{Stage: StageSelectEncounters, Request: req.String(), Err: err}
	}
	log.Debug().Int("encounters", len(encounters)).Msg("encounters selected")
	if len(encounters) == 0 {
		return ResultMapping{}, nil
	}

	var anchors map[uuid.UUID]time.Time
	if req.Granularity == Quarterly && req.AnchorConcept != uuid.Nil {
		anchors, err = e.anchors.ComputeAnchorDates(ctx, req.AnchorConcept, pop)
		if err != nil {
			return nil, &StageError{Stage: StageAnchorDates, Request: req.String(), Err: err}
		}
		log.Debug().Int("anchors", len(anchors)).Msg("anchor dates computed")
	}

	cands, err := e.resolver.Candidates(ctx, Criteria{
		Concept:    req.Concept,
		Answers:    req.AcceptedAnswers,
		Window:     window,
		Encounters: encounters,
		Population: pop,
		Order:      OrderingFor(req.Qualifier),
	})
	if err != nil {
		return nil, &StageError{Stage: StageResolveObservations, Request: req.String(), Err: err}
	}

	if anchors != nil && e.ApplyAnchorFilter {
		before := len(cands)
		cands = e.anchors.Filter(cands, anchors)
		log.Debug().Int("dropped", before-len(cands)).Msg("anchor filter applied")
	}

	result := Pick(cands)
	log.Debug().
		Int("resolved", len(result)).
		Dur("elapsed", time.Since(start)).
		Msg("evaluation complete")
	return result, nil
}
