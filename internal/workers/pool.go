// Package workers provides the bounded goroutine pool behind concurrent
// list_map items.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned for work offered to a pool after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a point-in-time copy of the pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Pool runs at most Size tasks at once. Submitting blocks while every slot is
// taken.
type Pool struct {
	slots chan struct{}
	stop  chan struct{}

	// mu orders running.Add against Shutdown's Wait.
	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

func NewPool(size int) *Pool {
	return &Pool{
		slots: make(chan struct{}, max(size, 1)),
		stop:  make(chan struct{}),
	}
}

func (p *Pool) Size() int { return cap(p.slots) }

// Submit starts fn once a slot frees up, ctx is done or the pool stops.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.start(ctx, fn, func(error) {})
}

// Map runs fn(i) for i in [0, n) and waits for exactly those tasks. errs[i]
// is the outcome of task i, or the reason it never started.
func (p *Pool) Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var batch sync.WaitGroup
	batch.Add(n)
	for i := range n {
		record := func(err error) {
			errs[i] = err
			batch.Done()
		}
		if err := p.start(ctx, func(ctx context.Context) error { return fn(ctx, i) }, record); err != nil {
			record(err)
		}
	}
	batch.Wait()
	return errs
}

func (p *Pool) start(ctx context.Context, fn func(ctx context.Context) error, finished func(error)) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.running.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go func() {
		defer p.running.Done()
		err := p.call(ctx, fn)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		finished(err)
	}()
	return nil
}

// call turns a panic in fn into an error.
func (p *Pool) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every started task has returned.
func (p *Pool) Wait() { p.running.Wait() }

// Shutdown rejects further work and waits for running tasks. It is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.mu.Unlock()
	p.running.Wait()
}

func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
