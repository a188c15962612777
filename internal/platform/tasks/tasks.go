package tasks

import (
	"github.com/RegularizePGFN/regularize-bot/internal/platform/redis"

	"github.com/hibiken/asynq"
)

const (
	TypeProbe        = "probe:task"
	TypeRegistration = "registration:task"

	QueueDefault = "default"
)

// Payload is the body of every task. Only the job id travels through the
// queue; everything else is read back from the store.
type Payload struct {
	JobID string `json:"job_id"`
}

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Close() error { return t.c.Close() }

func (t *Client) Enqueue(task *asynq.Task, queue string, maxRetries int, opts ...asynq.Option) error {
	opts = append([]asynq.Option{asynq.Queue(queue), asynq.MaxRetry(maxRetries)}, opts...)
	_, err := t.c.Enqueue(task, opts...)
	return err
}
