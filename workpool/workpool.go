// Package workpool implements the bounded blocking-work pool spec.md
// §5 calls for: L2 and compression calls run here, off the connection
// goroutines, so a slow persistent-KV call cannot stall the network
// front-end. There is no dedicated worker-pool library anywhere in the
// retrieved corpus (see DESIGN.md), so this follows the teacher's own
// concurrency idiom instead: bare goroutines plus a buffered channel
// used as a counting semaphore, not a framework.
package workpool

import (
	"context"

	"github.com/pkg/errors"
)

// ErrOverloaded is returned by Submit when the bounded queue is full,
// per spec.md §5 ("new requests receive SERVER_ERROR overloaded rather
// than queuing unboundedly").
var ErrOverloaded = errors.New("workpool: overloaded")

// Pool runs blocking work (L2 I/O, compression) on a fixed number of
// goroutines fed by a bounded queue.
type Pool struct {
	tasks chan task
	done  chan struct{}
}

type task struct {
	ctx context.Context
	fn  func() error
	res chan error
}

// New starts a pool with workers goroutines and a queue that can hold
// at most queueSize pending tasks beyond what workers are already
// running.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		tasks: make(chan task, queueSize),
		done:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(t)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) run(t task) {
	if err := t.ctx.Err(); err != nil {
		t.res <- err
		return
	}
	t.res <- t.fn()
}

// Submit enqueues fn and blocks until it runs and completes, ctx is
// cancelled, or the queue is full (ErrOverloaded, non-blocking check).
// The queue-full check is a fast path: an unbounded number of callers
// blocked on a full channel send would just move the backpressure
// problem from the queue to goroutine count, so Submit fails fast
// instead of blocking on enqueue.
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case p.tasks <- task{ctx: ctx, fn: fn, res: res}:
	default:
		return ErrOverloaded
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals the workers to exit once their current task finishes.
// Submit still enqueues after Close; such a task runs only if a worker
// picks it up before it sees the signal.
func (p *Pool) Close() {
	close(p.done)
}
