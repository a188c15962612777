package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/core/cnpj"
	"github.com/RegularizePGFN/regularize-bot/internal/core/job"
	"github.com/RegularizePGFN/regularize-bot/internal/logger"
	"github.com/RegularizePGFN/regularize-bot/internal/platform/tasks"

	"github.com/hibiken/asynq"
)

var ErrNoValidIdentifiers = errors.New("nenhum CNPJ válido informado")

// Enqueuer is the queue side of the task client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, queue string, maxRetries int, opts ...asynq.Option) error
}

type Options struct {
	// Delay is the pause after each item. It keeps the batch under the
	// portal's rate limit.
	Delay       time.Duration
	MaxRetries  int
	TaskTimeout time.Duration
}

// Service owns the probe batch lifecycle: creation, queueing and the
// sequential per-item loop.
type Service struct {
	store   job.Store
	queue   Enqueuer
	checker Checker
	opts    Options
	log     *logger.Logger
	sleep   func(context.Context, time.Duration) error
}

func NewService(store job.Store, queue Enqueuer, checker Checker, opts Options) *Service {
	return &Service{
		store:   store,
		queue:   queue,
		checker: checker,
		opts:    opts,
		log:     logger.New("ProbeService"),
		sleep:   sleepCtx,
	}
}

type Submission struct {
	JobID    string   `json:"jobId"`
	Total    int      `json:"total"`
	Rejected []string `json:"rejected,omitempty"`
}

// Enqueue validates the batch, creates the job in pending and queues it.
// Invalid identifiers are dropped and reported; duplicates are kept.
func (s *Service) Enqueue(ctx context.Context, raw []string) (Submission, error) {
	valid, rejected := cnpj.Partition(raw)
	if len(valid) == 0 {
		return Submission{Rejected: rejected}, ErrNoValidIdentifiers
	}

	id, err := s.store.Create(ctx, job.Spec{Identifiers: valid})
	if err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}

	payload, _ := json.Marshal(tasks.Payload{JobID: id})
	task := asynq.NewTask(tasks.TypeProbe, payload)
	opts := []asynq.Option{asynq.TaskID(id)}
	if s.opts.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(s.opts.TaskTimeout))
	}
	if err := s.queue.Enqueue(task, tasks.QueueDefault, s.opts.MaxRetries, opts...); err != nil {
		msg := "falha ao enfileirar: " + err.Error()
		_ = s.store.Update(ctx, id, job.Update{Status: job.StatusPtr(job.StatusFailed), Error: &msg})
		return Submission{}, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	s.log.LogInfof("Probe job %s queued with %d identifiers (%d rejected)", id, len(valid), len(rejected))
	return Submission{JobID: id, Total: len(valid), Rejected: rejected}, nil
}

func (s *Service) HandleTask(ctx context.Context, task *asynq.Task) error {
	var p tasks.Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode probe payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.Run(ctx, p.JobID)
}

// Run drives a job to a terminal state. It resumes after the last durably
// recorded item, so a redelivered task never repeats finished work. A
// cancelled ctx stops the loop and leaves the job in processing.
func (s *Service) Run(ctx context.Context, jobID string) (err error) {
	log := s.log.ForJob(jobID)

	j, err := s.store.Get(ctx, jobID)
	if errors.Is(err, job.ErrNotFound) {
		return fmt.Errorf("probe job %s: %v: %w", jobID, err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("load probe job %s: %w", jobID, err)
	}
	if j.Status.Terminal() {
		log.LogInfof("Job already %s, nothing to do", j.Status)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stack", string(debug.Stack())).Msgf("panic in probe loop: %v", r)
			err = s.fail(ctx, jobID, fmt.Errorf("panic: %v", r))
		}
	}()

	if j.Status == job.StatusPending {
		if err := s.store.Update(ctx, jobID, job.Update{Status: job.StatusPtr(job.StatusProcessing)}); err != nil {
			return s.fail(ctx, jobID, fmt.Errorf("mark processing: %w", err))
		}
	}

	results := append([]job.Outcome(nil), j.Results...)
	if len(results) > 0 {
		log.LogInfof("Resuming at item %d of %d", len(results)+1, j.Total)
	}

	for i := len(results); i < len(j.Identifiers); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := j.Identifiers[i]
		out := s.checker.Check(ctx, id)
		if err := ctx.Err(); err != nil {
			// The attempt was cut short; it is redone on redelivery.
			return err
		}

		results = append(results, out)
		progress := len(results)
		if err := s.store.Update(ctx, jobID, job.Update{Progress: &progress, Results: results}); err != nil {
			return s.fail(ctx, jobID, fmt.Errorf("persist item %d: %w", progress, err))
		}
		logOutcome(log, progress, j.Total, out)

		if err := s.sleep(ctx, s.opts.Delay); err != nil {
			return err
		}
	}

	if err := s.store.Update(ctx, jobID, job.Update{Status: job.StatusPtr(job.StatusCompleted)}); err != nil {
		return s.fail(ctx, jobID, fmt.Errorf("mark completed: %w", err))
	}
	log.LogSuccessf("Job completed: %d identifiers", j.Total)
	return nil
}

// FailExhausted marks the task's job failed after its last delivery ended in
// a retryable error, so an archived task never leaves the job in processing.
func (s *Service) FailExhausted(ctx context.Context, task *asynq.Task, cause error) {
	var p tasks.Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return
	}
	log := s.log.ForJob(p.JobID)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	j, err := s.store.Get(wctx, p.JobID)
	if err != nil {
		log.LogError("Could not load job after last retry", err)
		return
	}
	if j.Status.Terminal() {
		return
	}
	msg := "tentativas esgotadas: " + cause.Error()
	if err := s.store.Update(wctx, p.JobID, job.Update{Status: job.StatusPtr(job.StatusFailed), Error: &msg}); err != nil {
		log.LogError("Could not record failure after last retry", err)
		return
	}
	log.LogWarnf("Job failed after last retry: %v", cause)
}

// fail writes the terminal failed state. When that write succeeds the task
// is not retried; when it does not, the error is returned as retryable so
// a later delivery resumes from the last recorded item.
func (s *Service) fail(ctx context.Context, jobID string, cause error) error {
	log := s.log.ForJob(jobID)
	log.LogError("Probe job failed", cause)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	msg := cause.Error()
	if err := s.store.Update(wctx, jobID, job.Update{Status: job.StatusPtr(job.StatusFailed), Error: &msg}); err != nil {
		log.LogError("Could not record failure", err)
		return fmt.Errorf("%v; recording failure: %w", cause, err)
	}
	return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
}

func logOutcome(log *logger.Logger, progress, total int, out job.Outcome) {
	ev := log.Info()
	if out.Status == job.ItemError {
		ev = log.Warn()
	}
	ev.Str("cnpj", out.Identifier).
		Str("method", out.Method).
		Int("progress", progress).
		Int("total", total).
		Msg(out.Message)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
