package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunPreservesSubmissionOrder(t *testing.T) {
	const n = 8
	tasks := make([]Task[int], n)
	for i := range tasks {
		delay := time.Duration(n-i) * 5 * time.Millisecond
		tasks[i] = func(ctx context.Context) (int, error) {
			time.Sleep(delay)
			return i * 10, nil
		}
	}

	outcomes := Run(context.Background(), 3, tasks)
	if len(outcomes) != n {
		t.Fatalf("expected %d outcomes, got %d", n, len(outcomes))
	}
	for i, out := range outcomes {
		if !out.OK || out.Value != i*10 {
			t.Fatalf("outcome %d: got %+v", i, out)
		}
	}
}

func TestRunNeverExceedsLimit(t *testing.T) {
	const (
		n     = 12
		limit = 5
	)
	var active, peak atomic.Int64
	tasks := make([]Task[struct{}], n)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) (struct{}, error) {
			now := active.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return struct{}{}, nil
		}
	}

	Run(context.Background(), limit, tasks)

	if got := peak.Load(); got > limit {
		t.Fatalf("expected at most %d concurrent tasks, observed %d", limit, got)
	}
	if got := peak.Load(); got < 1 {
		t.Fatalf("expected tasks to run, observed peak %d", got)
	}
}

func TestRunReachesLimit(t *testing.T) {
	const limit = 4
	var arrived sync.WaitGroup
	arrived.Add(limit)
	release := make(chan struct{})

	go func() {
		arrived.Wait()
		close(release)
	}()

	tasks := make([]Task[bool], limit)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) (bool, error) {
			arrived.Done()
			select {
			case <-release:
				return true, nil
			case <-time.After(2 * time.Second):
				return false, errors.New("tasks did not run concurrently")
			}
		}
	}

	for i, out := range Run(context.Background(), limit, tasks) {
		if out.Err != nil {
			t.Fatalf("task %d: %v", i, out.Err)
		}
	}
}

func TestRunAlignsAndCapsAcrossLimits(t *testing.T) {
	for limit := 1; limit <= 7; limit++ {
		for n := 0; n <= 10; n++ {
			t.Run(fmt.Sprintf("k=%d/n=%d", limit, n), func(t *testing.T) {
				want := min(limit, n)
				var active, peak, arrived atomic.Int64
				gate := make(chan struct{})

				tasks := make([]Task[int], n)
				for i := range tasks {
					tasks[i] = func(ctx context.Context) (int, error) {
						now := active.Add(1)
						defer active.Add(-1)
						for {
							old := peak.Load()
							if now <= old || peak.CompareAndSwap(old, now) {
								break
							}
						}
						if arrived.Add(1) == int64(want) {
							close(gate)
						}
						select {
						case <-gate:
						case <-time.After(2 * time.Second):
							return 0, errors.New("gate never opened")
						}
						return i * i, nil
					}
				}

				outcomes := Run(context.Background(), limit, tasks)
				if len(outcomes) != n {
					t.Fatalf("expected %d outcomes, got %d", n, len(outcomes))
				}
				for i, out := range outcomes {
					if !out.OK || out.Value != i*i {
						t.Fatalf("outcome %d: got %+v", i, out)
					}
				}
				if got := peak.Load(); got != int64(want) {
					t.Fatalf("expected peak concurrency %d, observed %d", want, got)
				}
			})
		}
	}
}

type countingObserver struct {
	started  atomic.Int64
	finished atomic.Int64
}

func (o *countingObserver) TaskStarted(int)         { o.started.Add(1) }
func (o *countingObserver) TaskFinished(int, error) { o.finished.Add(1) }

func TestRunEmptyInput(t *testing.T) {
	observer := &countingObserver{}
	outcomes := Run[int](context.Background(), 5, nil, WithObserver(observer))
	if len(outcomes) != 0 {
		t.Fatalf("expected empty outcomes, got %d", len(outcomes))
	}
	if observer.started.Load() != 0 || observer.finished.Load() != 0 {
		t.Fatal("observer must not be called for empty input")
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	failing := map[int]bool{2: true, 5: true, 7: true}
	tasks := make([]Task[string], 10)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) (string, error) {
			if failing[i] {
				return "", fmt.Errorf("card %d unreadable", i)
			}
			return fmt.Sprintf("card-%d", i), nil
		}
	}

	observer := &countingObserver{}
	outcomes := Run(context.Background(), 3, tasks, WithObserver(observer))

	for i, out := range outcomes {
		if failing[i] {
			if out.OK || out.Err == nil {
				t.Fatalf("outcome %d: expected failure, got %+v", i, out)
			}
			continue
		}
		if !out.OK || out.Value != fmt.Sprintf("card-%d", i) {
			t.Fatalf("outcome %d: expected success, got %+v", i, out)
		}
	}
	if observer.started.Load() != 10 || observer.finished.Load() != 10 {
		t.Fatalf("expected 10 observer calls each, got %d/%d", observer.started.Load(), observer.finished.Load())
	}
}

func TestRunRecoversPanicsAndNilTasks(t *testing.T) {
	tasks := []Task[int]{
		func(ctx context.Context) (int, error) { panic("decoder exploded") },
		nil,
		func(ctx context.Context) (int, error) { return 7, nil },
	}

	outcomes := Run(context.Background(), 0, tasks)

	if !errors.Is(outcomes[0].Err, ErrTaskPanicked) || outcomes[0].OK {
		t.Fatalf("expected panic outcome, got %+v", outcomes[0])
	}
	if !errors.Is(outcomes[1].Err, ErrNilTask) {
		t.Fatalf("expected nil task outcome, got %+v", outcomes[1])
	}
	if !outcomes[2].OK || outcomes[2].Value != 7 {
		t.Fatalf("expected success outcome, got %+v", outcomes[2])
	}
}

func TestWorkers(t *testing.T) {
	cases := []struct{ limit, n, want int }{
		{5, 0, 0},
		{5, 3, 3},
		{5, 12, 5},
		{0, 4, 1},
		{-2, 4, 1},
	}
	for _, tc := range cases {
		if got := Workers(tc.limit, tc.n); got != tc.want {
			t.Fatalf("Workers(%d, %d) = %d, want %d", tc.limit, tc.n, got, tc.want)
		}
	}
}
