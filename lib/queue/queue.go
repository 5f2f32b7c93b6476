// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/propagator/lib/job"
)

// Delivery is one job payload handed to one consumer. The payload is
// left encoded so the consumer can drop payloads that do not decode.
//
// Every delivery must be settled exactly once with MarkDone,
// MarkFailed, ScheduleRetry or Drop. An unsettled delivery is
// redelivered after the consumer disappears.
type Delivery struct {
	Payload []byte

	// Receipt is backend state identifying the delivery. Consumers
	// never inspect it.
	Receipt any
}

// Queue is the durable, at-least-once job channel between the
// dispatcher and workers, with a delayed redelivery path and terminal
// done and failed sinks.
type Queue interface {
	// Enqueue appends a job to the incoming channel and records its
	// outcome as pending.
	Enqueue(ctx context.Context, j job.Job) error

	// Dequeue blocks until a job is available or ctx ends.
	Dequeue(ctx context.Context) (*Delivery, error)

	// MarkDone settles the delivery, records j as succeeded and
	// appends it to the done sink.
	MarkDone(ctx context.Context, delivery *Delivery, j job.Job) error

	// MarkFailed settles the delivery, records the job as failed and
	// appends the record to the failed sink.
	MarkFailed(ctx context.Context, delivery *Delivery, record job.FailureRecord) error

	// ScheduleRetry settles the delivery and re-injects j into the
	// incoming channel after delay.
	ScheduleRetry(ctx context.Context, delivery *Delivery, j job.Job, delay time.Duration) error

	// Drop settles the delivery without recording anything.
	Drop(ctx context.Context, delivery *Delivery) error

	// Outcome returns the last recorded outcome for a job id. Unknown
	// ids are pending.
	Outcome(ctx context.Context, id string) (job.Outcome, error)

	Close() error
}

// FailedLister is implemented by backends that can enumerate the
// failed sink.
type FailedLister interface {
	Failed(ctx context.Context) ([]job.FailureRecord, error)
}

// Recoverer is implemented by backends whose unsettled deliveries are
// not returned automatically when a consumer dies. Workers call
// Recover at startup.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Topology names the channels of one deployment. Deployments sharing a
// broker never share a channel.
type Topology struct {
	Incoming string
	Delayed  string
	Done     string
	Failed   string
	Outcomes string
}

// DefaultTopology returns the channel names for a deployment.
func DefaultTopology(deployment string) Topology {
	return Topology{
		Incoming: deployment + "-incoming",
		Delayed:  deployment + "-delayed",
		Done:     deployment + "-done",
		Failed:   deployment + "-failed",
		Outcomes: deployment + "-outcomes",
	}
}

// UnavailableError reports that the broker cannot be reached. A worker
// receiving it stops pulling jobs; restarting once the broker is back
// is the recovery.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s queue unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is or wraps an *UnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")
