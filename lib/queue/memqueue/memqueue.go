// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memqueue is an in-process [queue.Queue]. It keeps the full
// contract, including delayed redelivery driven by a [clock.Clock],
// but nothing survives the process. Tests use it with a fake clock;
// single-process deployments can use it when losing queued jobs on
// restart is acceptable.
package memqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/queue"
)

// Queue is an in-memory job queue. It is safe for concurrent use.
type Queue struct {
	clock clock.Clock

	mu        sync.Mutex
	incoming  [][]byte
	inflight  map[uint64][]byte
	delayed   map[uint64]*clock.Timer
	outcomes  map[string]job.Outcome
	done      []job.Job
	failed    []job.FailureRecord
	nextID    uint64
	closed    bool
	ready     chan struct{}
	closedSig chan struct{}
}

// New returns an empty queue whose delays run on c.
func New(c clock.Clock) *Queue {
	return &Queue{
		clock:     c,
		inflight:  make(map[uint64][]byte),
		delayed:   make(map[uint64]*clock.Timer),
		outcomes:  make(map[string]job.Outcome),
		ready:     make(chan struct{}, 1),
		closedSig: make(chan struct{}),
	}
}

var _ queue.Queue = (*Queue)(nil)

func (q *Queue) Enqueue(_ context.Context, j job.Job) error {
	payload, err := job.Encode(j)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	q.outcomes[j.ID] = job.Outcome{State: job.StatePending}
	q.pushLocked(payload)
	return nil
}

// EnqueuePayload appends raw bytes to the incoming channel. Tests use
// it to inject payloads that do not decode.
func (q *Queue) EnqueuePayload(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	q.pushLocked(payload)
	return nil
}

func (q *Queue) pushLocked(payload []byte) {
	q.incoming = append(q.incoming, payload)
	q.signalLocked()
}

func (q *Queue) signalLocked() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		if len(q.incoming) > 0 {
			payload := q.incoming[0]
			q.incoming = q.incoming[1:]
			q.nextID++
			receipt := q.nextID
			q.inflight[receipt] = payload
			if len(q.incoming) > 0 {
				q.signalLocked()
			}
			q.mu.Unlock()
			return &queue.Delivery{Payload: payload, Receipt: receipt}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closedSig:
			return nil, queue.ErrClosed
		case <-q.ready:
		}
	}
}

// settleLocked removes the delivery from the in-flight set.
func (q *Queue) settleLocked(delivery *queue.Delivery) error {
	if q.closed {
		return queue.ErrClosed
	}
	receipt, ok := delivery.Receipt.(uint64)
	if !ok {
		return errors.New("memqueue: delivery was not produced by this queue")
	}
	if _, ok := q.inflight[receipt]; !ok {
		return errors.New("memqueue: delivery already settled")
	}
	delete(q.inflight, receipt)
	return nil
}

func (q *Queue) MarkDone(_ context.Context, delivery *queue.Delivery, j job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.settleLocked(delivery); err != nil {
		return err
	}
	q.outcomes[j.ID] = job.Outcome{State: job.StateSucceeded}
	q.done = append(q.done, j.Clone())
	return nil
}

func (q *Queue) MarkFailed(_ context.Context, delivery *queue.Delivery, record job.FailureRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.settleLocked(delivery); err != nil {
		return err
	}
	q.outcomes[record.Job.ID] = job.Outcome{State: job.StateFailed, Detail: record.Error}
	q.failed = append(q.failed, record)
	return nil
}

func (q *Queue) ScheduleRetry(_ context.Context, delivery *queue.Delivery, j job.Job, delay time.Duration) error {
	payload, err := job.Encode(j)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if err := q.settleLocked(delivery); err != nil {
		q.mu.Unlock()
		return err
	}
	if delay <= 0 {
		q.pushLocked(payload)
		q.mu.Unlock()
		return nil
	}
	q.nextID++
	id := q.nextID
	q.delayed[id] = nil
	q.mu.Unlock()

	timer := q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, pending := q.delayed[id]; !pending {
			return
		}
		delete(q.delayed, id)
		q.pushLocked(payload)
	})

	q.mu.Lock()
	if _, pending := q.delayed[id]; pending {
		q.delayed[id] = timer
	}
	q.mu.Unlock()
	return nil
}

func (q *Queue) Drop(_ context.Context, delivery *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.settleLocked(delivery)
}

func (q *Queue) Outcome(_ context.Context, id string) (job.Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outcomes[id], nil
}

// Failed returns the failed sink in the order jobs were abandoned.
func (q *Queue) Failed(context.Context) ([]job.FailureRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]job.FailureRecord(nil), q.failed...), nil
}

// Done returns the done sink in completion order.
func (q *Queue) Done() []job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]job.Job(nil), q.done...)
}

// Len returns the number of jobs waiting in the incoming channel.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.incoming)
}

// DelayedLen returns the number of jobs waiting out a retry delay.
func (q *Queue) DelayedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

// Recover returns every unsettled delivery to the head of the incoming
// channel, as a broker does when a consumer's connection drops.
func (q *Queue) Recover(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}
	var recovered [][]byte
	for receipt, payload := range q.inflight {
		recovered = append(recovered, payload)
		delete(q.inflight, receipt)
	}
	if len(recovered) == 0 {
		return 0, nil
	}
	q.incoming = append(recovered, q.incoming...)
	q.signalLocked()
	return len(recovered), nil
}

// Close stops pending delays and wakes blocked consumers with
// queue.ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, timer := range q.delayed {
		if timer != nil {
			timer.Stop()
		}
		delete(q.delayed, id)
	}
	close(q.closedSig)
	return nil
}

var _ queue.FailedLister = (*Queue)(nil)
var _ queue.Recoverer = (*Queue)(nil)
