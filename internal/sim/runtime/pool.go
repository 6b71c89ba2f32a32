package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("worker pool closed")

type PoolStats struct {
	Workers   int    `json:"workers"`
	InFlight  int64  `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
}

// Pool bounds concurrent auxiliary work. Every task gets its own deadline.
type Pool struct {
	logger  *log.Logger
	workers int
	timeout time.Duration
	sem     *semaphore.Weighted

	closed atomic.Bool
	wg     sync.WaitGroup

	inflight  atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
}

func NewPool(workers int, timeout time.Duration, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pool{
		logger:  logger,
		workers: workers,
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(workers)),
	}
}

// Go runs fn on p and returns its Task. A panic in fn fails the task.
func Go[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) *Task[T] {
	t := NewTask[T]()
	if p.closed.Load() {
		var zero T
		t.Resolve(zero, ErrPoolClosed)
		return t
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var zero T
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.failed.Add(1)
			t.Resolve(zero, err)
			return
		}
		defer p.sem.Release(1)

		p.inflight.Add(1)
		defer p.inflight.Add(-1)

		runCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		v, err := safeCall(runCtx, fn)
		switch {
		case err == nil:
			p.completed.Add(1)
		case errors.Is(err, context.DeadlineExceeded):
			p.timedOut.Add(1)
			p.failed.Add(1)
		default:
			p.failed.Add(1)
			p.logger.Printf("task failed: %v", err)
		}
		t.Resolve(v, err)
	}()
	return t
}

func safeCall[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Close rejects new work and waits for in-flight tasks.
func (p *Pool) Close() {
	p.closed.Store(true)
	p.wg.Wait()
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		InFlight:  p.inflight.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		TimedOut:  p.timedOut.Load(),
	}
}
