package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dunamismax/cardscan/internal/domain"
)

func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("job-%d", n)
	}
}

func upload(name string) domain.Upload {
	return domain.Upload{Name: name, MediaType: domain.MediaTypePNG, Data: []byte("png")}
}

func TestSubmitAssignsDistinctIDsForDuplicateNames(t *testing.T) {
	r := NewRegistry()
	jobs := r.Submit(upload("card.png"), upload("card.png"))

	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID == jobs[1].ID {
		t.Fatalf("expected distinct ids, both were %s", jobs[0].ID)
	}
	for _, job := range jobs {
		if job.State != domain.JobStatePending {
			t.Fatalf("expected pending, got %s", job.State)
		}
		if job.Payload != nil {
			t.Fatal("submitted snapshot must not expose payload")
		}
		if job.Epoch != r.Epoch() {
			t.Fatalf("expected epoch %d, got %d", r.Epoch(), job.Epoch)
		}
	}
	if r.Counts().Pending != 2 {
		t.Fatalf("expected 2 pending, got %+v", r.Counts())
	}
}

func TestLifecycleTransitions(t *testing.T) {
	r := NewRegistry(WithIDGenerator(sequentialIDs()))
	job := r.Submit(upload("a.png"))[0]

	running, err := r.MarkRunning(job.ID, job.Epoch)
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if string(running.Payload) != "png" {
		t.Fatalf("expected running job to carry payload, got %q", running.Payload)
	}
	if running.Attempts != 1 || running.StartedAt == nil {
		t.Fatalf("unexpected running job: %+v", running)
	}

	if _, err := r.MarkRunning(job.ID, job.Epoch); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for running job, got %v", err)
	}

	done, err := r.Resolve(job.ID, job.Epoch, Resolution{Record: &domain.CardRecord{Name: "张三"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if done.State != domain.JobStateSucceeded || done.Result.Name != "张三" {
		t.Fatalf("unexpected resolved job: %+v", done)
	}
	if err := done.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	if _, err := r.MarkRunning(job.ID, job.Epoch); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("succeeded job must stay final, got %v", err)
	}
	if _, err := r.Resolve(job.ID, job.Epoch, Resolution{Err: "late"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition resolving a finished job, got %v", err)
	}
}

func TestFailedJobCanRunAgain(t *testing.T) {
	r := NewRegistry()
	job := r.Submit(upload("a.png"))[0]

	if _, err := r.MarkRunning(job.ID, job.Epoch); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	failed, err := r.Resolve(job.ID, job.Epoch, Resolution{Err: "upstream 500", Kind: "upstream"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if failed.State != domain.JobStateFailed || failed.ErrorKind != "upstream" {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	again, err := r.MarkRunning(job.ID, job.Epoch)
	if err != nil {
		t.Fatalf("re-run failed job: %v", err)
	}
	if again.Error != "" || again.ErrorKind != "" || again.Attempts != 2 {
		t.Fatalf("expected cleared error and second attempt, got %+v", again)
	}
}

func TestResolveRejectsAmbiguousResolution(t *testing.T) {
	r := NewRegistry()
	job := r.Submit(upload("a.png"))[0]
	if _, err := r.MarkRunning(job.ID, job.Epoch); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if _, err := r.Resolve(job.ID, job.Epoch, Resolution{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected error for empty resolution, got %v", err)
	}
	both := Resolution{Record: &domain.CardRecord{}, Err: "boom"}
	if _, err := r.Resolve(job.ID, job.Epoch, both); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected error for double resolution, got %v", err)
	}
}

func TestClearDiscardsLateCompletions(t *testing.T) {
	r := NewRegistry()
	job := r.Submit(upload("a.png"))[0]
	if _, err := r.MarkRunning(job.ID, job.Epoch); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	removed := r.Clear()
	if len(removed) != 1 || removed[0].ID != job.ID {
		t.Fatalf("unexpected removed jobs: %+v", removed)
	}
	if r.Epoch() != job.Epoch+1 {
		t.Fatalf("expected epoch bump, got %d", r.Epoch())
	}

	_, err := r.Resolve(job.ID, job.Epoch, Resolution{Record: &domain.CardRecord{}})
	if !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("expected stale epoch, got %v", err)
	}
	if got := r.Counts().Total; got != 0 {
		t.Fatalf("late completion must not re-add a job, total=%d", got)
	}
}

func TestListReturnsSubmissionOrder(t *testing.T) {
	r := NewRegistry()
	var names []string
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("card-%02d.png", i)
		names = append(names, name)
		r.Submit(upload(name))
	}

	jobs := r.List()
	for i, job := range jobs {
		if job.Name != names[i] {
			t.Fatalf("position %d: expected %s, got %s", i, names[i], job.Name)
		}
	}
}

func TestSnapshotsAreIndependent(t *testing.T) {
	r := NewRegistry()
	job := r.Submit(upload("a.png"))[0]
	_, _ = r.MarkRunning(job.ID, job.Epoch)
	done, _ := r.Resolve(job.ID, job.Epoch, Resolution{Record: &domain.CardRecord{Company: "ABC"}})

	done.Result.Company = "mutated"

	got, ok := r.Get(job.ID)
	if !ok {
		t.Fatal("expected job to exist")
	}
	if got.Result.Company != "ABC" {
		t.Fatalf("registry state leaked through snapshot: %+v", got.Result)
	}
}

func TestWatchStreamsChanges(t *testing.T) {
	r := NewRegistry()
	changes, cancel := r.Watch(8)
	defer cancel()

	job := r.Submit(upload("a.png"))[0]
	_, _ = r.MarkRunning(job.ID, job.Epoch)
	_, _ = r.Resolve(job.ID, job.Epoch, Resolution{Err: "boom", Kind: "parse"})
	r.Clear()

	want := []ChangeType{ChangeSubmitted, ChangeRunning, ChangeResolved, ChangeCleared}
	for i, typ := range want {
		change := <-changes
		if change.Type != typ {
			t.Fatalf("change %d: expected %s, got %s", i, typ, change.Type)
		}
		if change.Job.Payload != nil {
			t.Fatalf("change %d leaked payload", i)
		}
	}
}

func TestWatchNeverBlocksWriters(t *testing.T) {
	r := NewRegistry()
	_, cancel := r.Watch(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		r.Submit(upload("a.png"))
	}
	if got := r.Counts().Pending; got != 10 {
		t.Fatalf("expected 10 pending, got %d", got)
	}
}

func TestConcurrentWritersTouchOnlyTheirJob(t *testing.T) {
	r := NewRegistry()
	var uploads []domain.Upload
	for i := 0; i < 50; i++ {
		uploads = append(uploads, upload(fmt.Sprintf("%d.png", i)))
	}
	jobs := r.Submit(uploads...)

	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.MarkRunning(job.ID, job.Epoch); err != nil {
				t.Errorf("mark running %s: %v", job.ID, err)
				return
			}
			res := Resolution{Record: &domain.CardRecord{Name: job.Name}}
			if i%2 == 1 {
				res = Resolution{Err: "boom", Kind: "upstream"}
			}
			if _, err := r.Resolve(job.ID, job.Epoch, res); err != nil {
				t.Errorf("resolve %s: %v", job.ID, err)
			}
		}()
	}
	wg.Wait()

	counts := r.Counts()
	if counts.Succeeded != 25 || counts.Failed != 25 || counts.Running != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	for _, job := range r.List() {
		if err := job.CheckInvariants(); err != nil {
			t.Fatalf("invariants: %v", err)
		}
		if job.State == domain.JobStateSucceeded && job.Result.Name != job.Name {
			t.Fatalf("job %s got another job's result %+v", job.Name, job.Result)
		}
	}
}

func TestUnknownJob(t *testing.T) {
	r := NewRegistry()
	if _, err := r.MarkRunning("missing", r.Epoch()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected missing job")
	}
}
