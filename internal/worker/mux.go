package worker

import (
	"context"
	"errors"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/logger"

	"github.com/hibiken/asynq"
)

// ExhaustedFunc is called once a task of its type has failed its last
// delivery and is about to be archived.
type ExhaustedFunc func(ctx context.Context, task *asynq.Task, err error)

type Mux struct {
	mux       *asynq.ServeMux
	exhausted map[string]ExhaustedFunc
	log       *logger.Logger
}

func NewMux() *Mux {
	m := &Mux{mux: asynq.NewServeMux(), exhausted: map[string]ExhaustedFunc{}, log: logger.New("Worker")}
	m.mux.Use(m.logging)
	return m
}

func (m *Mux) HandleFunc(t string, h func(ctx context.Context, task *asynq.Task) error) {
	m.mux.HandleFunc(t, h)
}

// OnExhausted registers h for tasks of type t that run out of retries.
func (m *Mux) OnExhausted(t string, h ExhaustedFunc) {
	m.exhausted[t] = h
}

func (m *Mux) Mux() *asynq.ServeMux { return m.mux }

// ErrorHandler is meant for asynq.Config.ErrorHandler.
func (m *Mux) ErrorHandler() asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		m.handleError(ctx, task, err, retried, maxRetry)
	})
}

// handleError dispatches to the exhausted handler when asynq will archive
// the task instead of retrying it. SkipRetry errors are left alone: the
// handler returning them has already recorded the outcome.
func (m *Mux) handleError(ctx context.Context, task *asynq.Task, err error, retried, maxRetry int) {
	if errors.Is(err, asynq.SkipRetry) || retried < maxRetry {
		return
	}
	h, ok := m.exhausted[task.Type()]
	if !ok {
		return
	}
	m.log.Warn().Err(err).Str("type", task.Type()).Int("retried", retried).Msg("task out of retries")
	h(ctx, task, err)
}

func (m *Mux) logging(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		start := time.Now()
		id, _ := asynq.GetTaskID(ctx)
		err := next.ProcessTask(ctx, task)
		ev := m.log.Info()
		if err != nil {
			ev = m.log.Warn().Err(err)
		}
		ev.Str("type", task.Type()).Str("task_id", id).Dur("took", time.Since(start)).Msg("task finished")
		return err
	})
}
