// Package runtime provides the execution contexts of the discovery pipeline:
// one primary loop for live-state mutation and a bounded worker pool for
// persistence, joined by explicit Task futures.
package runtime

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

var ErrLoopStopped = errors.New("primary loop stopped")

// Executor runs fn in some execution context.
type Executor interface {
	Execute(fn func())
}

// Inline runs work on the calling goroutine. Tests use it in place of a Loop.
type Inline struct{}

func (Inline) Execute(fn func()) { fn() }

// Loop is the primary path: a single goroutine that drains posted functions in
// order. Everything that touches live world state runs here.
type Loop struct {
	logger *log.Logger
	ch     chan func()
	done   chan struct{}

	// closing is closed once Run stops accepting work; stopped is set under
	// mu after every in-flight Post has returned.
	closing chan struct{}
	mu      sync.RWMutex
	stopped bool

	started atomic.Bool

	processed atomic.Uint64
	panics    atomic.Uint64
}

func NewLoop(buffer int, logger *log.Logger) *Loop {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Loop{
		logger: logger,
		ch:      make(chan func(), buffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// Post enqueues fn. It blocks while the queue is full and returns false once
// the loop has stopped. Work accepted by Post always runs before Stopped
// closes.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	select {
	case <-l.closing:
		return false
	default:
	}
	select {
	case l.ch <- fn:
		return true
	case <-l.closing:
		return false
	}
}

func (l *Loop) Execute(fn func()) {
	if !l.Post(fn) {
		l.logger.Printf("dropped work: loop stopped")
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled. Work already queued at
// cancellation still runs before Run returns.
func (l *Loop) Run(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case fn := <-l.ch:
			l.run(fn)
		case <-ctx.Done():
			l.shutdown()
			return
		}
	}
}

func (l *Loop) shutdown() {
	l.drain()
	close(l.closing)
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	// Posts that won the race against closing are still queued.
	l.drain()
	close(l.done)
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.ch:
			l.run(fn)
		default:
			return
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Printf("panic on primary loop: %v", r)
		}
	}()
	fn()
	l.processed.Add(1)
}

func (l *Loop) Pending() int             { return len(l.ch) }
func (l *Loop) Processed() uint64        { return l.processed.Load() }
func (l *Loop) Panics() uint64           { return l.panics.Load() }
func (l *Loop) Stopped() <-chan struct{} { return l.done }
