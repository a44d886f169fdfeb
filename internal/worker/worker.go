// Package worker implements the worker loop: poll for a claimable task,
// dispatch it, settle its terminal state, repeat. Shutdown is
// signal-driven through context cancellation.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AlexisLaporte/otomata-worker/internal/executor"
	"github.com/AlexisLaporte/otomata-worker/internal/store"
)

// taskStore is the narrow store surface the worker loop needs.
type taskStore interface {
	ClaimNextPendingTask(ctx context.Context, workerID string) (*store.Task, error)
	CompleteTask(ctx context.Context, id string, result json.RawMessage) error
	FailTask(ctx context.Context, id string, errText string) error
}

// dispatcher is the narrow executor surface the worker loop needs.
type dispatcher interface {
	Execute(ctx context.Context, task *store.Task) (executor.Outcome, error)
}

// Worker polls the task store and dispatches claimed tasks until
// stopped. It is embeddable: Run is meant to be launched in its own
// goroutine alongside an HTTP server in the same process.
type Worker struct {
	id           string
	store        taskStore
	dispatch     dispatcher
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithID overrides the default hostname-derived worker id.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithPollInterval overrides the default 5 second poll interval used
// when no pending task was found.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// New creates a Worker.
func New(s taskStore, d dispatcher, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	w := &Worker{
		id:           fmt.Sprintf("worker-%s", host),
		store:        s,
		dispatch:     d,
		pollInterval: 5 * time.Second,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProcessOne claims and runs at most one task. It returns false when
// there was no pending task to claim, true otherwise.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimNextPendingTask(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("worker: claim: %w", err)
	}
	if task == nil {
		return false, nil
	}

	log := w.logger.With(slog.String("task_id", task.ID), slog.String("kind", string(task.Kind)))
	log.Info("claimed task")

	outcome, err := w.dispatch.Execute(ctx, task)
	if err != nil {
		log.Error("task execution error", slog.Any("error", err))
		if failErr := w.store.FailTask(ctx, task.ID, err.Error()); failErr != nil {
			log.Error("failed to mark task failed", slog.Any("error", failErr))
		}
		return true, nil
	}

	if outcome.Success {
		result := outcome.Result
		if result == nil {
			result, _ = json.Marshal(map[string]any{"output": outcome.Output})
		}
		if err := w.store.CompleteTask(ctx, task.ID, result); err != nil {
			log.Error("failed to mark task completed", slog.Any("error", err))
		}
		log.Info("task completed")
		return true, nil
	}

	if err := w.store.FailTask(ctx, task.ID, outcome.Error); err != nil {
		log.Error("failed to mark task failed", slog.Any("error", err))
	}
	log.Warn("task failed", slog.String("reason", outcome.Error))
	return true, nil
}

// Run loops ProcessOne until ctx is cancelled, sleeping pollInterval
// between iterations that found no work. Callers typically derive ctx
// from signal.NotifyContext so SIGINT/SIGTERM stop the loop cleanly.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker starting", slog.String("worker_id", w.id))
	defer w.logger.Info("worker stopped", slog.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		found, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Error("process_one error", slog.Any("error", err))
		}
		if found {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}
