// Package pool runs a fixed list of tasks with a bounded number of workers
// and returns their outcomes in submission order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrNilTask      = errors.New("nil task")
	ErrTaskPanicked = errors.New("task panicked")
)

type Task[T any] func(ctx context.Context) (T, error)

// Outcome is the settled result of one task. OK=false is the sentinel for
// "no result"; Err then holds the reason.
type Outcome[T any] struct {
	Value T
	Err   error
	OK    bool
}

// Observer is notified from worker goroutines around every task.
type Observer interface {
	TaskStarted(index int)
	TaskFinished(index int, err error)
}

type Option func(*options)

type options struct {
	observer Observer
}

func WithObserver(o Observer) Option {
	return func(opts *options) {
		opts.observer = o
	}
}

// Run executes tasks with at most limit in flight. outcomes[i] always
// belongs to tasks[i]. A failing task never stops its siblings.
func Run[T any](ctx context.Context, limit int, tasks []Task[T], opts ...Option) []Outcome[T] {
	n := len(tasks)
	outcomes := make([]Outcome[T], n)
	if n == 0 {
		return outcomes
	}

	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}

	workers := Workers(limit, n)
	var (
		cursor atomic.Int64
		wg     sync.WaitGroup
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				i := int(cursor.Add(1) - 1)
				if i >= n {
					return
				}
				outcomes[i] = runOne(ctx, i, tasks[i], cfg.observer)
			}
		}()
	}
	wg.Wait()

	return outcomes
}

// Workers is the number of workers Run spawns: limit clamped to [1, n].
func Workers(limit, n int) int {
	if n <= 0 {
		return 0
	}
	if limit < 1 {
		limit = 1
	}
	if limit > n {
		return n
	}
	return limit
}

func runOne[T any](ctx context.Context, index int, task Task[T], observer Observer) (out Outcome[T]) {
	if observer != nil {
		observer.TaskStarted(index)
	}
	defer func() {
		if r := recover(); r != nil {
			out = Outcome[T]{Err: fmt.Errorf("%w: %v", ErrTaskPanicked, r)}
		}
		if observer != nil {
			observer.TaskFinished(index, out.Err)
		}
	}()

	if task == nil {
		return Outcome[T]{Err: ErrNilTask}
	}

	value, err := task(ctx)
	if err != nil {
		return Outcome[T]{Err: err}
	}
	return Outcome[T]{Value: value, OK: true}
}
