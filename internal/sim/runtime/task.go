package runtime

import (
	"context"
	"sync"
)

// Task is the eventual result of asynchronous work. It completes exactly once;
// continuations registered with Then run on the executor they name.
type Task[T any] struct {
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	val   T
	err   error
	conts []func()
}

func NewTask[T any]() *Task[T] {
	return &Task[T]{done: make(chan struct{})}
}

func Completed[T any](v T) *Task[T] {
	t := NewTask[T]()
	t.Resolve(v, nil)
	return t
}

func Failed[T any](err error) *Task[T] {
	t := NewTask[T]()
	var zero T
	t.Resolve(zero, err)
	return t
}

// Resolve completes the task. Later calls are ignored.
func (t *Task[T]) Resolve(v T, err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.val, t.err = v, err
		conts := t.conts
		t.conts = nil
		close(t.done)
		t.mu.Unlock()
		for _, c := range conts {
			c()
		}
	})
}

func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Result returns the outcome; ok is false while the task is pending.
func (t *Task[T]) Result() (v T, err error, ok bool) {
	select {
	case <-t.done:
	default:
		return v, nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.val, t.err, true
}

func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		v, err, _ := t.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// poster is an Executor that can refuse work, like a stopped Loop.
type poster interface {
	Post(fn func()) bool
}

// Then schedules onOK or onErr on exec once the task completes. Either callback
// may be nil. If exec refuses the continuation, onErr runs on the completing
// goroutine with ErrLoopStopped.
func (t *Task[T]) Then(exec Executor, onOK func(T), onErr func(error)) {
	if exec == nil {
		exec = Inline{}
	}
	cont := func() {
		v, err, _ := t.Result()
		run := func() {
			if err != nil {
				if onErr != nil {
					onErr(err)
				}
				return
			}
			if onOK != nil {
				onOK(v)
			}
		}
		if p, ok := exec.(poster); ok {
			if !p.Post(run) && onErr != nil {
				onErr(ErrLoopStopped)
			}
			return
		}
		exec.Execute(run)
	}
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		cont()
		return
	default:
	}
	t.conts = append(t.conts, cont)
	t.mu.Unlock()
}
