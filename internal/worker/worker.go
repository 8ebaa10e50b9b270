// Package worker drains the run queue and drives the engine.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentmux/internal/engine"
	"agentmux/internal/metrics"
	"agentmux/internal/queue"
	"agentmux/internal/storage"
)

type Worker struct {
	store         *storage.Store
	queue         *queue.StreamQueue
	engine        *engine.Engine
	notifier      *queue.Notifier
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Queue         *queue.StreamQueue
	Engine        *engine.Engine
	Notifier      *queue.Notifier
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		engine:        cfg.Engine,
		notifier:      cfg.Notifier,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.engine.ProcessJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("run_id", msg.Job.RunID).Int("attempt", msg.Job.Attempts).Msg("run failed")

			if msg.Job.Attempts < w.maxJobRetries {
				// Flip the run back to pending so the next delivery can
				// claim it. A run that is no longer running has finished
				// or been cancelled underneath us; redelivery is still
				// safe because only pending runs are processed.
				if reqErr := w.store.RequeueRun(ctx, msg.Job.RunID); reqErr != nil && !errors.Is(reqErr, storage.ErrNotFound) {
					log.Error().Err(reqErr).Str("run_id", msg.Job.RunID).Msg("failed to requeue run")
					continue
				}
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("run_id", msg.Job.RunID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			w.failRun(ctx, msg.Job, err)
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

// failRun records a terminal failure on the run. A run that already left
// the running state keeps its state; cancellation wins over failure.
func (w *Worker) failRun(ctx context.Context, job queue.Job, cause error) {
	err := w.store.FinishRun(ctx, job.RunID, storage.RunStateFailed, "", cause.Error())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			w.logger.Error().Err(err).Str("run_id", job.RunID).Msg("failed to mark run failed")
		}
		return
	}
	pubErr := w.notifier.Publish(ctx, queue.Event{
		Type:    queue.EventRunFailed,
		RunID:   job.RunID,
		Agent:   job.AgentName,
		Content: cause.Error(),
	})
	if pubErr != nil {
		w.logger.Error().Err(pubErr).Str("run_id", job.RunID).Msg("failed to publish run failure")
	}
}
