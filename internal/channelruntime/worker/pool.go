package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Future is the result of one submitted task. It settles exactly once.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) settle(val T, err error) {
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
	})
}

// Result blocks until the task settles.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Pool runs blocking tasks on at most Size goroutines at a time. Submissions
// never block the caller; tasks wait for a free slot.
type Pool struct {
	ctx  context.Context
	sem  chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	shut bool
}

func NewPool(ctx context.Context, size int) *Pool {
	if ctx == nil {
		ctx = context.Background()
	}
	if size <= 0 {
		size = 2
	}
	return &Pool{ctx: ctx, sem: make(chan struct{}, size)}
}

// Size is the maximum number of tasks running at once.
func (p *Pool) Size() int {
	return cap(p.sem)
}

// Submit schedules fn on p. Once fn starts it runs to completion: the context
// it receives is detached from the pool context. If the pool context ends
// before a slot frees up, the future settles with that context's error.
func Submit[T any](p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	fut := newFuture[T]()
	var zero T
	if fn == nil {
		fut.settle(zero, fmt.Errorf("task func is required"))
		return fut
	}
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		fut.settle(zero, ErrPoolClosed)
		return fut
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			fut.settle(zero, p.ctx.Err())
			return
		}
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				fut.settle(zero, fmt.Errorf("task panic: %v\n%s", r, debug.Stack()))
			}
		}()
		val, err := fn(context.WithoutCancel(p.ctx))
		fut.settle(val, err)
	}()
	return fut
}

// Close stops accepting tasks and waits for submitted ones to settle.
func (p *Pool) Close() {
	p.mu.Lock()
	p.shut = true
	p.mu.Unlock()
	p.wg.Wait()
}
