package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/dunamismax/cardscan/internal/id"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrStaleEpoch        = errors.New("stale registry epoch")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Resolution is the outcome written back by a finished job. A nil Record
// means failure and Err must describe it.
type Resolution struct {
	Record *domain.CardRecord
	Err    string
	Kind   string
}

type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

type ChangeType string

const (
	ChangeSubmitted ChangeType = "submitted"
	ChangeRunning   ChangeType = "running"
	ChangeResolved  ChangeType = "resolved"
	ChangeCleared   ChangeType = "cleared"
)

// Change is one registry event. Job is the zero value for ChangeCleared.
type Change struct {
	Type  ChangeType
	Job   domain.Job
	Epoch uint64
}

// Registry is the in-memory job state store for one session. Every mutation
// touches a single job's entry; Clear bumps the epoch so completions of jobs
// from an earlier epoch are rejected.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.Job
	epoch    uint64
	seq      uint64
	now      func() time.Time
	newID    func() string
	watchMu  sync.Mutex
	watchers map[int]chan Change
	nextSub  int
}

type RegistryOption func(*Registry)

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) {
		r.newID = gen
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		jobs:     make(map[string]*domain.Job),
		epoch:    1,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    id.New,
		watchers: make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit accepts uploads as pending jobs under the current epoch.
func (r *Registry) Submit(uploads ...domain.Upload) []domain.Job {
	if len(uploads) == 0 {
		return nil
	}

	r.mu.Lock()
	submitted := make([]domain.Job, 0, len(uploads))
	for _, upload := range uploads {
		r.seq++
		job := &domain.Job{
			ID:        r.newID(),
			Name:      upload.Name,
			MediaType: domain.MediaTypeFor(upload.Name, upload.MediaType),
			Size:      len(upload.Data),
			Payload:   upload.Data,
			Seq:       r.seq,
			Epoch:     r.epoch,
			State:     domain.JobStatePending,
			CreatedAt: r.now(),
		}
		r.jobs[job.ID] = job
		submitted = append(submitted, snapshot(job))
	}
	epoch := r.epoch
	r.mu.Unlock()

	for _, job := range submitted {
		r.publish(Change{Type: ChangeSubmitted, Job: job, Epoch: epoch})
	}
	return submitted
}

// MarkRunning moves a pending or failed job to running. The returned job
// carries the payload the recognizer should consume.
func (r *Registry) MarkRunning(jobID string, epoch uint64) (domain.Job, error) {
	r.mu.Lock()
	job, err := r.lookupLocked(jobID, epoch)
	if err != nil {
		r.mu.Unlock()
		return domain.Job{}, err
	}
	if job.State != domain.JobStatePending && job.State != domain.JobStateFailed {
		r.mu.Unlock()
		return domain.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, domain.JobStateRunning)
	}

	started := r.now()
	job.State = domain.JobStateRunning
	job.Error = ""
	job.ErrorKind = ""
	job.Result = nil
	job.StartedAt = &started
	job.FinishedAt = nil
	job.Attempts++
	out := snapshot(job)
	out.Payload = job.Payload
	r.mu.Unlock()

	r.publish(Change{Type: ChangeRunning, Job: withoutPayload(out), Epoch: epoch})
	return out, nil
}

// Resolve moves a running job to succeeded or failed.
func (r *Registry) Resolve(jobID string, epoch uint64, res Resolution) (domain.Job, error) {
	if res.Record == nil && res.Err == "" {
		return domain.Job{}, fmt.Errorf("%w: resolution has neither record nor error", ErrInvalidTransition)
	}
	if res.Record != nil && res.Err != "" {
		return domain.Job{}, fmt.Errorf("%w: resolution has both record and error", ErrInvalidTransition)
	}

	r.mu.Lock()
	job, err := r.lookupLocked(jobID, epoch)
	if err != nil {
		r.mu.Unlock()
		return domain.Job{}, err
	}
	if job.State != domain.JobStateRunning {
		r.mu.Unlock()
		return domain.Job{}, fmt.Errorf("%w: %s is not running", ErrInvalidTransition, job.State)
	}

	finished := r.now()
	job.FinishedAt = &finished
	if res.Record != nil {
		record := *res.Record
		job.State = domain.JobStateSucceeded
		job.Result = &record
	} else {
		job.State = domain.JobStateFailed
		job.Error = res.Err
		job.ErrorKind = res.Kind
	}
	out := snapshot(job)
	r.mu.Unlock()

	r.publish(Change{Type: ChangeResolved, Job: out, Epoch: epoch})
	return out, nil
}

// Clear removes every job, drops their payloads, and starts a new epoch.
// It returns the removed jobs in display order.
func (r *Registry) Clear() []domain.Job {
	r.mu.Lock()
	removed := make([]domain.Job, 0, len(r.jobs))
	for key, job := range r.jobs {
		job.Payload = nil
		removed = append(removed, snapshot(job))
		delete(r.jobs, key)
	}
	r.epoch++
	epoch := r.epoch
	r.mu.Unlock()

	sortBySeq(removed)
	r.publish(Change{Type: ChangeCleared, Epoch: epoch})
	return removed
}

func (r *Registry) Get(jobID string) (domain.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, false
	}
	return snapshot(job), true
}

// List returns all jobs in submission order.
func (r *Registry) List() []domain.Job {
	r.mu.RLock()
	jobs := make([]domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, snapshot(job))
	}
	r.mu.RUnlock()

	sortBySeq(jobs)
	return jobs
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	for _, job := range r.jobs {
		switch job.State {
		case domain.JobStatePending:
			c.Pending++
		case domain.JobStateRunning:
			c.Running++
		case domain.JobStateSucceeded:
			c.Succeeded++
		case domain.JobStateFailed:
			c.Failed++
		}
	}
	c.Total = len(r.jobs)
	return c
}

func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Watch subscribes to registry changes. Sends never block: a subscriber that
// falls behind by more than buffer events misses them. The returned func
// unsubscribes and closes the channel.
func (r *Registry) Watch(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	r.watchMu.Lock()
	key := r.nextSub
	r.nextSub++
	r.watchers[key] = ch
	r.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.watchMu.Lock()
			delete(r.watchers, key)
			r.watchMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Registry) publish(change Change) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, ch := range r.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

func (r *Registry) lookupLocked(jobID string, epoch uint64) (*domain.Job, error) {
	if epoch != r.epoch {
		return nil, fmt.Errorf("%w: job %s from epoch %d, registry at %d", ErrStaleEpoch, jobID, epoch, r.epoch)
	}
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

// snapshot copies a job for callers. Payload is never shared.
func snapshot(job *domain.Job) domain.Job {
	out := *job
	out.Payload = nil
	if job.Result != nil {
		record := *job.Result
		out.Result = &record
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func withoutPayload(job domain.Job) domain.Job {
	job.Payload = nil
	return job
}

func sortBySeq(jobs []domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Seq < jobs[j].Seq
	})
}
