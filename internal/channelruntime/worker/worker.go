package worker

import (
	"context"
	"fmt"
	"sync"
)

// Lanes runs one serial goroutine per key. Items enqueued for the same key are
// handled one at a time in enqueue order; different keys run concurrently,
// bounded by the shared semaphore.
type Lanes[K comparable, E any] struct {
	ctx    context.Context
	sem    chan struct{}
	buffer int
	handle func(context.Context, K, E)

	mu    sync.Mutex
	lanes map[K]chan E
}

type LanesOptions[K comparable, E any] struct {
	Ctx            context.Context
	MaxConcurrency int
	Buffer         int
	Handle         func(context.Context, K, E)
}

func NewLanes[K comparable, E any](opts LanesOptions[K, E]) (*Lanes[K, E], error) {
	if opts.Handle == nil {
		return nil, fmt.Errorf("lane handler is required")
	}
	ctx := opts.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Lanes[K, E]{
		ctx:    ctx,
		sem:    make(chan struct{}, maxConc),
		buffer: buffer,
		handle: opts.Handle,
		lanes:  make(map[K]chan E),
	}, nil
}

// Enqueue appends item to the lane of key, starting the lane on first use.
// It blocks while the lane buffer is full.
func (l *Lanes[K, E]) Enqueue(ctx context.Context, key K, item E) error {
	if ctx == nil {
		ctx = l.ctx
	}
	jobs := l.getOrStart(key)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return l.ctx.Err()
	case jobs <- item:
		return nil
	}
}

// Len reports how many lanes have been started.
func (l *Lanes[K, E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

func (l *Lanes[K, E]) getOrStart(key K) chan E {
	l.mu.Lock()
	defer l.mu.Unlock()
	if jobs, ok := l.lanes[key]; ok {
		return jobs
	}
	jobs := make(chan E, l.buffer)
	l.lanes[key] = jobs
	go l.run(key, jobs)
	return jobs
}

func (l *Lanes[K, E]) run(key K, jobs <-chan E) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case item := <-jobs:
			select {
			case l.sem <- struct{}{}:
			case <-l.ctx.Done():
				return
			}
			func() {
				defer func() { <-l.sem }()
				l.handle(l.ctx, key, item)
			}()
		}
	}
}
