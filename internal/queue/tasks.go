package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeArchiveBatch = "batch:archive"

// ArchivePayload carries everything the worker needs to archive one
// finished batch. Image bytes are never enqueued.
type ArchivePayload struct {
	BatchID     string              `json:"batch_id"`
	Epoch       uint64              `json:"epoch"`
	Succeeded   int                 `json:"succeeded"`
	Failed      int                 `json:"failed"`
	Rows        []domain.ArchiveRow `json:"rows"`
	WebhookURL  string              `json:"webhook_url,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
}

func NewArchiveTask(payload ArchivePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal archive payload: %w", err)
	}
	return asynq.NewTask(TypeArchiveBatch, body), nil
}

func ParseArchivePayload(task *asynq.Task) (ArchivePayload, error) {
	var payload ArchivePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ArchivePayload{}, fmt.Errorf("unmarshal archive payload: %w", err)
	}
	if payload.BatchID == "" {
		return ArchivePayload{}, fmt.Errorf("archive payload has no batch_id")
	}
	return payload, nil
}
