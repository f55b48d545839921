package obsperiod

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/reports/internal/platform/query"
)

func patient(n byte) uuid.UUID   { return uuid.UUID{0: 0xA0, 15: n} }
func encounter(n byte) uuid.UUID { return uuid.UUID{0: 0xE0, 15: n} }
func obsID(n byte) uuid.UUID     { return uuid.UUID{0: 0x0B, 15: n} }

var (
	cd4Concept = uuid.UUID{0: 0xC0, 15: 1}
	tbConcept  = uuid.UUID{0: 0xC0, 15: 2}
	artStart   = uuid.UUID{0: 0xC0, 15: 3}
	answerYes  = uuid.UUID{0: 0xC0, 15: 4}
	answerNo   = uuid.UUID{0: 0xC0, 15: 5}
)

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func num(v float64) *float64         { return &v }
func coded(id uuid.UUID) *uuid.UUID  { return &id }
func instant(t time.Time) *time.Time { return &t }

// failingExecutor fails on the nth query (1-based) and delegates otherwise.
type failingExecutor struct {
	next   query.Executor
	failOn int64
	err    error
	calls  atomic.Int64
}

func (f *failingExecutor) Execute(ctx context.Context, q query.Query) ([]query.Row, error) {
	if f.calls.Add(1) == f.failOn {
		return nil, f.err
	}
	if f.next == nil {
		return nil, nil
	}
	return f.next.Execute(ctx, q)
}

var errStoreDown = errors.New("store unavailable")

// rowsExecutor returns canned rows regardless of the query.
type rowsExecutor struct {
	rows []query.Row
}

func (r rowsExecutor) Execute(ctx context.Context, q query.Query) ([]query.Row, error) {
	return r.rows, nil
}
