package query

import (
	"context"
	"sync/atomic"
)

// CountingExecutor wraps an Executor and counts the queries it forwards.
type CountingExecutor struct {
	next  Executor
	count atomic.Int64
}

func NewCountingExecutor(next Executor) *CountingExecutor {
	return &CountingExecutor{next: next}
}

func (c *CountingExecutor) Execute(ctx context.Context, q Query) ([]Row, error) {
	c.count.Add(1)
	return c.next.Execute(ctx, q)
}

// Count returns the number of queries issued so far.
func (c *CountingExecutor) Count() int64 {
	return c.count.Load()
}
