package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("webhook: queue full")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("webhook: pool closed")
)

// Pool runs tasks on a fixed set of workers fed by a bounded queue.
type Pool[T any] struct {
	queue   chan T
	process func(context.Context, T)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	processed atomic.Int64
	skipped   atomic.Int64
}

// NewPool starts workers goroutines. process receives a context that is
// canceled only when Close gives up draining.
func NewPool[T any](workers, queueSize int, process func(context.Context, T)) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		queue:   make(chan T, queueSize),
		process: process,
		ctx:     ctx,
		cancel:  cancel,
	}
	for range workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues task without blocking.
func (p *Pool[T]) Submit(task T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports the number of queued tasks.
func (p *Pool[T]) Len() int { return len(p.queue) }

// Close stops intake and waits for queued tasks to finish. If ctx ends
// first, in-flight tasks are canceled, the remaining queue is discarded
// and ctx's error is returned.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		if p.ctx.Err() != nil {
			p.skipped.Add(1)
			continue
		}
		p.process(p.ctx, task)
		p.processed.Add(1)
	}
}
