package store

import (
	"github.com/dunamismax/cardscan/internal/domain"
)

// JobRegistry is the mutation API the batch controller and HTTP layer use.
type JobRegistry interface {
	Submit(uploads ...domain.Upload) []domain.Job
	MarkRunning(id string, epoch uint64) (domain.Job, error)
	Resolve(id string, epoch uint64, res Resolution) (domain.Job, error)
	Clear() []domain.Job
	Get(id string) (domain.Job, bool)
	List() []domain.Job
	Counts() Counts
	Epoch() uint64
}

var _ JobRegistry = (*Registry)(nil)
