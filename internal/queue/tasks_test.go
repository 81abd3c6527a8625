package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/hibiken/asynq"
)

func TestArchiveTaskCarriesRows(t *testing.T) {
	payload := ArchivePayload{
		BatchID:   "batch_0123456789abcdef",
		Epoch:     3,
		Succeeded: 1,
		Failed:    1,
		Rows: []domain.ArchiveRow{
			{JobID: "a", FileName: "a.png", State: domain.JobStateSucceeded, Record: domain.CardRecord{Name: "张三"}},
			{JobID: "b", FileName: "b.png", State: domain.JobStateFailed, Error: "timeout", ErrorKind: "timeout"},
		},
		CompletedAt: time.Now().UTC(),
	}

	task, err := NewArchiveTask(payload)
	if err != nil {
		t.Fatalf("NewArchiveTask returned error: %v", err)
	}
	if task.Type() != TypeArchiveBatch {
		t.Fatalf("expected type %s, got %s", TypeArchiveBatch, task.Type())
	}

	parsed, err := ParseArchivePayload(task)
	if err != nil {
		t.Fatalf("ParseArchivePayload returned error: %v", err)
	}
	if len(parsed.Rows) != 2 || parsed.Rows[0].Record.Name != "张三" || parsed.Rows[1].ErrorKind != "timeout" {
		t.Fatalf("unexpected rows: %+v", parsed.Rows)
	}
}

func TestParseArchivePayloadRequiresBatchID(t *testing.T) {
	if _, err := ParseArchivePayload(asynq.NewTask(TypeArchiveBatch, []byte(`{"rows":[]}`))); err == nil {
		t.Fatal("expected error for missing batch id")
	}
	if _, err := ParseArchivePayload(asynq.NewTask(TypeArchiveBatch, []byte(`not json`))); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
