// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/codec"
	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/queue"
	"github.com/bureau-foundation/propagator/lib/target"
)

// RetryPolicy controls how failed and blocked jobs are rescheduled.
type RetryPolicy struct {
	// MaxRetries is the number of failed attempts tolerated. The job
	// is abandoned when its attempt count exceeds it.
	MaxRetries int

	// RetryStep scales the linear backoff.
	RetryStep time.Duration

	// DependencyPoll is how long a job whose dependency has not yet
	// succeeded waits before it is looked at again.
	DependencyPoll time.Duration

	// HandlerTimeout bounds one handler invocation. Zero means no
	// bound: a hanging handler holds the worker until it returns.
	HandlerTimeout time.Duration
}

// DefaultRetryPolicy is five retries, five minutes per step, ten
// seconds between dependency checks.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     5,
		RetryStep:      5 * time.Minute,
		DependencyPoll: 10 * time.Second,
	}
}

// Delay returns the wait before attempt number attempt: attempt ×
// RetryStep.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * p.RetryStep
}

// Resolver finds the handler for a target and task kind.
// *target.Registry implements it.
type Resolver interface {
	Handler(name string, kind job.Kind) (target.Handler, error)
}

// Notifier is told about terminal outcomes. Errors are logged and
// otherwise ignored: the queue sinks are authoritative.
type Notifier interface {
	JobDone(ctx context.Context, j job.Job) error
	JobFailed(ctx context.Context, record job.FailureRecord) error
}

// Config configures a Worker.
type Config struct {
	Queue    queue.Queue
	Resolver Resolver
	Policy   RetryPolicy
	Notifier Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Worker executes jobs one at a time.
type Worker struct {
	queue    queue.Queue
	resolver Resolver
	policy   RetryPolicy
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

// New returns a Worker.
func New(config Config) *Worker {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		queue:    config.Queue,
		resolver: config.Resolver,
		policy:   config.Policy,
		notifier: config.Notifier,
		clock:    config.Clock,
		logger:   config.Logger,
	}
}

// Run executes jobs until ctx is cancelled or the queue becomes
// unavailable. Cancellation stops the loop from taking another job but
// lets the current one finish; Run then returns nil. An unavailable or
// closed queue ends Run with that error.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"max_retries", w.policy.MaxRetries,
		"retry_step", w.policy.RetryStep,
		"dependency_poll", w.policy.DependencyPoll,
	)
	for {
		err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}
		if err == nil {
			continue
		}
		if queue.IsUnavailable(err) || errors.Is(err, queue.ErrClosed) {
			w.logger.Error("queue lost, worker stopping", "error", err)
			return err
		}
		// A settlement failure leaves the delivery to the broker's
		// redelivery; keep serving.
		w.logger.Error("job settlement failed", "error", err)
	}
}

// RunOnce takes one job and drives it to an outcome: done, failed,
// rescheduled, or dropped. It returns an error only when talking to
// the queue fails.
func (w *Worker) RunOnce(ctx context.Context) error {
	delivery, err := w.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	// The job runs to an outcome even if shutdown starts now.
	work := context.WithoutCancel(ctx)

	j, err := job.Decode(delivery.Payload)
	if err != nil {
		attrs := []any{"error", err, "payload_bytes", len(delivery.Payload)}
		if diagnostic, diagErr := codec.Diagnose(delivery.Payload); diagErr == nil {
			attrs = append(attrs, "payload", diagnostic)
		}
		w.logger.Error("dropping malformed job", attrs...)
		return w.queue.Drop(work, delivery)
	}
	logger := w.logger.With(
		"job_id", j.ID,
		"target", j.Target,
		"kind", j.Kind.String(),
		"repository", j.Repository(),
		"attempt", j.Attempt,
	)

	if j.DependsOn != "" {
		ready, err := w.checkDependency(work, delivery, j, logger)
		if err != nil || !ready {
			return err
		}
	}

	handler, err := w.resolver.Handler(j.Target, j.Kind)
	if err != nil {
		logger.Error("job cannot be resolved, abandoning", "error", err)
		return w.fail(work, delivery, j, err, logger)
	}

	if err := w.execute(work, handler, j); err != nil {
		j.Attempt++
		if j.Attempt > w.policy.MaxRetries {
			logger.Error("job failed permanently", "error", err, "attempts", j.Attempt)
			return w.fail(work, delivery, j, err, logger)
		}
		delay := w.policy.Delay(j.Attempt)
		logger.Warn("job failed, retrying", "error", err, "next_attempt", j.Attempt, "delay", delay)
		return w.queue.ScheduleRetry(work, delivery, j, delay)
	}

	if err := w.queue.MarkDone(work, delivery, j); err != nil {
		return err
	}
	logger.Info("job done")
	if w.notifier != nil {
		if err := w.notifier.JobDone(work, j); err != nil {
			logger.Warn("done notification failed", "error", err)
		}
	}
	return nil
}

// checkDependency reports whether j may run now. When it may not, the
// delivery has already been settled: rescheduled after DependencyPoll
// without touching the attempt count, or failed if the dependency
// failed.
func (w *Worker) checkDependency(ctx context.Context, delivery *queue.Delivery, j job.Job, logger *slog.Logger) (bool, error) {
	outcome, err := w.queue.Outcome(ctx, j.DependsOn)
	if err != nil {
		return false, err
	}
	switch outcome.State {
	case job.StateSucceeded:
		return true, nil
	case job.StateFailed:
		cause := fmt.Errorf("dependency %s failed: %s", j.DependsOn, outcome.Detail)
		logger.Error("dependency failed, abandoning", "depends_on", j.DependsOn)
		return false, w.fail(ctx, delivery, j, cause, logger)
	default:
		logger.Debug("dependency pending", "depends_on", j.DependsOn, "delay", w.policy.DependencyPoll)
		return false, w.queue.ScheduleRetry(ctx, delivery, j, w.policy.DependencyPoll)
	}
}

// execute runs the handler, converting a panic into an error.
func (w *Worker) execute(ctx context.Context, handler target.Handler, j job.Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			w.logger.Error("handler panicked", "job_id", j.ID, "panic", recovered, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()
	if w.policy.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.policy.HandlerTimeout)
		defer cancel()
	}
	return handler(ctx, j.Arguments)
}

func (w *Worker) fail(ctx context.Context, delivery *queue.Delivery, j job.Job, cause error, logger *slog.Logger) error {
	record := job.NewFailureRecord(j, cause, w.clock.Now())
	if err := w.queue.MarkFailed(ctx, delivery, record); err != nil {
		return err
	}
	if w.notifier != nil {
		if err := w.notifier.JobFailed(ctx, record); err != nil {
			logger.Warn("failure notification failed", "error", err)
		}
	}
	return nil
}
