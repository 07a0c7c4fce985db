// Package workerpool bounds the number of concurrent Container Driver calls
// so a burst of deploys or teardowns cannot overrun the local container
// engine. Every blocking driver call is submitted through a Pool instead of
// being invoked directly from the request-handling goroutine.
package workerpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/kaosmaps/sandboxd/pkg/log"
	"github.com/rs/zerolog"
)

// Pool runs submitted work with bounded concurrency.
type Pool struct {
	sem    *semaphore.Weighted
	logger zerolog.Logger
}

// New creates a Pool that allows at most size concurrent in-flight calls.
func New(size int64) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem:    semaphore.NewWeighted(size),
		logger: log.WithComponent("workerpool"),
	}
}

// Submit runs fn once a slot is available, blocking the caller until either
// a slot frees up or ctx is canceled. It never blocks the caller beyond
// ctx's lifetime — callers that need a deadline should pass a context with one.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("workerpool: acquiring slot: %w", err)
	}
	defer p.sem.Release(1)

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// TryAcquire reports whether a slot is immediately available without
// blocking, releasing it again right away. Used for health/readiness probes
// that want to know if the pool is saturated.
func (p *Pool) TryAcquire() bool {
	if p.sem.TryAcquire(1) {
		p.sem.Release(1)
		return true
	}
	return false
}
