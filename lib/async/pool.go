// Package async provides bounded worker pool utilities with per-key
// serialization.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/moneta-io/moneta/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

type job struct {
	ctx context.Context
	fn  Task
}

// KeyedPool executes tasks with bounded concurrency. Tasks submitted under
// the same key run serially in submission order; distinct keys run
// concurrently up to the worker bound.
type KeyedPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	closed bool
	lanes  map[string][]job
	active map[string]bool
}

// NewKeyedPool creates a pool bounding concurrent task execution to workers.
func NewKeyedPool(workers int) (*KeyedPool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(KeyedPool)
	p.ctx = ctx
	p.cancel = cancel
	p.sem = make(chan struct{}, workers)
	p.lanes = make(map[string][]job)
	p.active = make(map[string]bool)
	return p, nil
}

// Submit schedules the task on the lane identified by key.
func (p *KeyedPool) Submit(ctx context.Context, key string, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	p.lanes[key] = append(p.lanes[key], job{ctx: ctx, fn: fn})
	if p.active[key] {
		p.mu.Unlock()
		return nil
	}
	p.active[key] = true
	p.mu.Unlock()

	go p.runLane(key)
	return nil
}

func (p *KeyedPool) runLane(key string) {
	for {
		p.mu.Lock()
		queue := p.lanes[key]
		if len(queue) == 0 {
			delete(p.lanes, key)
			delete(p.active, key)
			p.mu.Unlock()
			return
		}
		next := queue[0]
		p.lanes[key] = queue[1:]
		p.mu.Unlock()

		select {
		case <-p.ctx.Done():
			p.wg.Done()
			p.drainLane(key)
			return
		case p.sem <- struct{}{}:
		}
		p.execute(next)
		<-p.sem
	}
}

func (p *KeyedPool) execute(next job) {
	defer p.wg.Done()
	defer func() {
		// Keep the lane alive through handler panics; diagnostics are the
		// handler's responsibility.
		_ = recover()
	}()
	ctx := next.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	if err := next.fn(ctx); err != nil {
		// Task errors are reported through the task's own channel; the
		// pool only schedules.
		_ = err
	}
}

func (p *KeyedPool) drainLane(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for range p.lanes[key] {
		p.wg.Done()
	}
	delete(p.lanes, key)
	delete(p.active, key)
}

// Close stops accepting new tasks and cancels lanes.
func (p *KeyedPool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
	})
}

// Shutdown waits for in-flight tasks to complete or until the context
// expires.
func (p *KeyedPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.Close()
		return nil
	}
}
