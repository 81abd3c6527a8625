package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueArchive schedules the archive of one batch. The batch ID is the
// task ID, so a batch is archived at most once while its task is retained.
func (c *Client) EnqueueArchive(ctx context.Context, payload ArchivePayload) (*asynq.TaskInfo, error) {
	task, err := NewArchiveTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.BatchID),
		asynq.MaxRetry(5),
		asynq.Timeout(2*time.Minute),
		asynq.Retention(24*time.Hour),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
