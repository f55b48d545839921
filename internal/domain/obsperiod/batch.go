package obsperiod

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds concurrent evaluations when no limit is given.
const DefaultConcurrency = 4

// BatchEvaluate runs independent requests concurrently, at most limit at a
// time, and returns their mappings in request order. The first failure
// cancels the remaining evaluations and is returned alone.
func (e *Evaluator) BatchEvaluate(ctx context.Context, reqs []EvaluationRequest, pop *Population, limit int) ([]ResultMapping, error) {
	if limit < 1 {
		limit = DefaultConcurrency
	}
	results := make([]ResultMapping, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			m, err := e.Evaluate(gctx, req, pop)
			if err != nil {
				return err
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
