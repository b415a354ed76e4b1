// Package pool provides the bounded goroutine pools shared by every backup run.
//
// Two pools exist per process: a wide one for crawl and download work, which is
// I/O bound, and a narrow one for archive compression, which is CPU bound. Runs
// submit closures and wait on typed futures; the pools cap total concurrency no
// matter how many runs are active.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when submitting to a pool that has been shut down.
var ErrClosed = errors.New("pool closed")

// Pool is a fixed set of workers draining a task channel.
type Pool struct {
	name  string
	width int
	tasks chan task
	quit  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
	busy      atomic.Int64
}

type task struct {
	ctx context.Context
	run func(ctx context.Context)
}

// New starts width workers. Widths below one are raised to one.
func New(name string, width int) *Pool {
	if width < 1 {
		width = 1
	}
	p := &Pool{
		name:  name,
		width: width,
		tasks: make(chan task),
		quit:  make(chan struct{}),
	}
	p.wg.Add(width)
	for i := 0; i < width; i++ {
		go p.worker()
	}
	return p
}

// Name returns the pool label used in logs and metrics.
func (p *Pool) Name() string {
	return p.name
}

// Width returns the number of workers.
func (p *Pool) Width() int {
	return p.width
}

// Busy returns how many workers are currently running a task.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case t := <-p.tasks:
			p.busy.Add(1)
			t.run(t.ctx)
			p.busy.Add(-1)
		}
	}
}

// Go hands fn to the next free worker. It blocks until a worker accepts the
// task, ctx ends, or the pool closes.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case <-p.quit:
		return fmt.Errorf("%s pool: %w", p.name, ErrClosed)
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s pool submit: %w", p.name, ctx.Err())
	case <-p.quit:
		return fmt.Errorf("%s pool: %w", p.name, ErrClosed)
	case p.tasks <- task{ctx: ctx, run: fn}:
		return nil
	}
}

// Close stops the workers once their current tasks return.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("wait for task: %w", ctx.Err())
	}
}

// Result returns the outcome of a finished future. It must only be called
// after Done has been closed.
func (f *Future[T]) Result() (T, error) {
	return f.val, f.err
}

// Submit runs fn on p and returns a future for its result. A panic inside fn
// is converted into an error on the future.
func Submit[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	f := &Future[T]{done: make(chan struct{})}
	err := p.Go(ctx, func(ctx context.Context) {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("%s pool task panic: %v", p.name, r)
			}
		}()
		f.val, f.err = fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}
