// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package redisqueue implements [queue.Queue] on Redis.
//
// Layout, for topology T and consumer C:
//
//	T.Incoming               list, RPUSH by producers
//	T.Incoming:processing:C  list, BLMOVE target for consumer C
//	T.Incoming:heartbeat:C   string with a TTL, present while C is alive
//	T.Incoming:consumers     set of consumer names that have dequeued
//	T.Delayed                sorted set, member payload, score due time (unix ms)
//	T.Done, T.Failed         lists, terminal sinks
//	T.Outcomes               hash, job id to encoded job.Outcome
//
// A delivery stays in its consumer's processing list until settled, so
// a crashed worker's jobs survive. Each consumer refreshes its
// heartbeat while it runs. Every Dequeue poll reaps consumers whose
// heartbeat has expired, moving their processing lists to the head of
// the incoming list, so another worker picks the jobs up without the
// crashed one ever coming back. [Queue.Recover] does the same for the
// restarting consumer's own list. Delayed jobs are promoted to the
// incoming list by a Lua script that every Dequeue poll runs, so no
// separate timer process is needed.
//
// The reaper builds key names inside Lua, so every key of a topology
// must live on one Redis node.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/codec"
	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/queue"
)

// promoteScript moves up to ARGV[2] delayed payloads due at or before
// ARGV[1] (unix ms) from KEYS[1] to the tail of KEYS[2].
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, payload in ipairs(due) do
	redis.call('RPUSH', KEYS[2], payload)
	redis.call('ZREM', KEYS[1], payload)
end
return #due
`)

// reapScript returns the processing lists of consumers in KEYS[1]
// whose heartbeat key has expired to the head of KEYS[2], and forgets
// those consumers. ARGV[1] is the key prefix (the incoming list name)
// and ARGV[2] the calling consumer, which is never reaped.
var reapScript = redis.NewScript(`
local moved = 0
for _, consumer in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	if consumer ~= ARGV[2] and redis.call('EXISTS', ARGV[1] .. ':heartbeat:' .. consumer) == 0 then
		local processing = ARGV[1] .. ':processing:' .. consumer
		while redis.call('LMOVE', processing, KEYS[2], 'RIGHT', 'LEFT') do
			moved = moved + 1
		end
		redis.call('SREM', KEYS[1], consumer)
	end
end
return moved
`)

// Config configures a Queue.
type Config struct {
	Client   *redis.Client
	Topology queue.Topology

	// Consumer names this process's processing list. It must be stable
	// across restarts of the same worker for Recover to find its jobs.
	Consumer string

	Clock  clock.Clock
	Logger *slog.Logger

	// PollInterval bounds each blocking pop, and so how late a delayed
	// job can be promoted. Default: 1s.
	PollInterval time.Duration

	// PromoteBatch caps the jobs promoted per poll. Default: 100.
	PromoteBatch int

	// HeartbeatTTL is how long this consumer's heartbeat outlives its
	// last refresh. After the first Dequeue a background loop
	// refreshes it every HeartbeatTTL/3 until Close. Default: 30s.
	HeartbeatTTL time.Duration
}

// Queue is a Redis-backed job queue.
type Queue struct {
	client       *redis.Client
	topology     queue.Topology
	processing   string
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration
	promoteBatch int

	consumer     string
	consumers    string
	heartbeat    string
	heartbeatTTL time.Duration

	keepaliveOnce sync.Once
	stopKeepalive context.CancelFunc
	keepaliveDone chan struct{}
}

// New wraps an existing client. The Queue owns the client and closes
// it on Close.
func New(config Config) (*Queue, error) {
	if config.Client == nil {
		return nil, errors.New("redisqueue: no client")
	}
	if config.Topology.Incoming == "" {
		return nil, errors.New("redisqueue: empty topology")
	}
	if config.Consumer == "" {
		return nil, errors.New("redisqueue: consumer name is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.PromoteBatch <= 0 {
		config.PromoteBatch = 100
	}
	if config.HeartbeatTTL <= 0 {
		config.HeartbeatTTL = 30 * time.Second
	}
	return &Queue{
		client:       config.Client,
		topology:     config.Topology,
		processing:   config.Topology.Incoming + ":processing:" + config.Consumer,
		clock:        config.Clock,
		logger:       config.Logger,
		pollInterval: config.PollInterval,
		promoteBatch: config.PromoteBatch,
		consumer:     config.Consumer,
		consumers:    config.Topology.Incoming + ":consumers",
		heartbeat:    config.Topology.Incoming + ":heartbeat:" + config.Consumer,
		heartbeatTTL: config.HeartbeatTTL,
	}, nil
}

// Dial connects to url, verifies the server answers, and returns a
// Queue. Config.Client is ignored.
func Dial(ctx context.Context, url string, config Config) (*Queue, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisqueue: parsing url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &queue.UnavailableError{Backend: "redis", Err: err}
	}
	config.Client = client
	q, err := New(config)
	if err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

var (
	_ queue.Queue        = (*Queue)(nil)
	_ queue.FailedLister = (*Queue)(nil)
	_ queue.Recoverer    = (*Queue)(nil)
)

// classify turns connection-level failures into *queue.UnavailableError.
// Errors the server itself returned keep their identity.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("redisqueue: %s: %w", operation, err)
	}
	return &queue.UnavailableError{Backend: "redis", Err: fmt.Errorf("%s: %w", operation, err)}
}

func encodeOutcome(outcome job.Outcome) ([]byte, error) {
	return codec.Marshal(outcome)
}

func (q *Queue) Enqueue(ctx context.Context, j job.Job) error {
	payload, err := job.Encode(j)
	if err != nil {
		return err
	}
	pending, err := encodeOutcome(job.Outcome{State: job.StatePending})
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.topology.Outcomes, j.ID, pending)
		pipe.RPush(ctx, q.topology.Incoming, payload)
		return nil
	})
	return classify("enqueue "+j.ID, err)
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	q.keepaliveOnce.Do(q.startKeepalive)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.beat(ctx); err != nil {
			return nil, err
		}
		if _, err := q.reap(ctx); err != nil {
			return nil, err
		}
		if _, err := q.promote(ctx); err != nil {
			return nil, err
		}
		payload, err := q.client.BLMove(ctx, q.topology.Incoming, q.processing, "LEFT", "RIGHT", q.pollInterval).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, classify("dequeue", err)
		}
		return &queue.Delivery{Payload: payload, Receipt: q.processing}, nil
	}
}

// promote moves due delayed jobs to the incoming list.
func (q *Queue) promote(ctx context.Context) (int, error) {
	now := q.clock.Now().UnixMilli()
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{q.topology.Delayed, q.topology.Incoming}, now, q.promoteBatch).Int()
	if err != nil {
		return 0, classify("promoting delayed jobs", err)
	}
	if moved > 0 {
		q.logger.Debug("promoted delayed jobs", "count", moved)
	}
	return moved, nil
}

// beat refreshes this consumer's heartbeat and registers it with the
// reaper. It must run before the consumer first moves a job into its
// processing list.
func (q *Queue) beat(ctx context.Context) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.heartbeat, q.clock.Now().UnixMilli(), q.heartbeatTTL)
		pipe.SAdd(ctx, q.consumers, q.consumer)
		return nil
	})
	return classify("heartbeat", err)
}

// reap returns the jobs of consumers whose heartbeat expired to the
// incoming list.
func (q *Queue) reap(ctx context.Context) (int, error) {
	moved, err := reapScript.Run(ctx, q.client,
		[]string{q.consumers, q.topology.Incoming}, q.topology.Incoming, q.consumer).Int()
	if err != nil {
		return 0, classify("reaping dead consumers", err)
	}
	if moved > 0 {
		q.logger.Warn("returned jobs held by dead consumers", "count", moved)
	}
	return moved, nil
}

// startKeepalive refreshes the heartbeat while a handler holds a job,
// which can take far longer than one poll.
func (q *Queue) startKeepalive() {
	ctx, cancel := context.WithCancel(context.Background())
	q.stopKeepalive = cancel
	q.keepaliveDone = make(chan struct{})
	go func() {
		defer close(q.keepaliveDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.clock.After(q.heartbeatTTL / 3):
			}
			if err := q.beat(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("heartbeat refresh failed", "error", err)
			}
		}
	}()
}

// settle runs fn in a transaction that also removes the delivery from
// the processing list.
func (q *Queue) settle(ctx context.Context, operation string, delivery *queue.Delivery, fn func(redis.Pipeliner)) error {
	var removed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, q.processing, 1, delivery.Payload)
		if fn != nil {
			fn(pipe)
		}
		return nil
	})
	if err != nil {
		return classify(operation, err)
	}
	if removed.Val() == 0 {
		// Recovered by another process or settled twice; the
		// operation still happened.
		q.logger.Warn("settled delivery was not in the processing list",
			"operation", operation, "processing", q.processing)
	}
	return nil
}

func (q *Queue) MarkDone(ctx context.Context, delivery *queue.Delivery, j job.Job) error {
	succeeded, err := encodeOutcome(job.Outcome{State: job.StateSucceeded})
	if err != nil {
		return err
	}
	payload, err := job.Encode(j)
	if err != nil {
		return err
	}
	return q.settle(ctx, "mark done "+j.ID, delivery, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, q.topology.Outcomes, j.ID, succeeded)
		pipe.RPush(ctx, q.topology.Done, payload)
	})
}

func (q *Queue) MarkFailed(ctx context.Context, delivery *queue.Delivery, record job.FailureRecord) error {
	failed, err := encodeOutcome(job.Outcome{State: job.StateFailed, Detail: record.Error})
	if err != nil {
		return err
	}
	encoded, err := job.EncodeFailure(record)
	if err != nil {
		return err
	}
	return q.settle(ctx, "mark failed "+record.Job.ID, delivery, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, q.topology.Outcomes, record.Job.ID, failed)
		pipe.RPush(ctx, q.topology.Failed, encoded)
	})
}

func (q *Queue) ScheduleRetry(ctx context.Context, delivery *queue.Delivery, j job.Job, delay time.Duration) error {
	payload, err := job.Encode(j)
	if err != nil {
		return err
	}
	due := q.clock.Now().Add(delay).UnixMilli()
	return q.settle(ctx, "schedule retry "+j.ID, delivery, func(pipe redis.Pipeliner) {
		if delay <= 0 {
			pipe.RPush(ctx, q.topology.Incoming, payload)
			return
		}
		pipe.ZAdd(ctx, q.topology.Delayed, redis.Z{Score: float64(due), Member: payload})
	})
}

func (q *Queue) Drop(ctx context.Context, delivery *queue.Delivery) error {
	return q.settle(ctx, "drop", delivery, nil)
}

func (q *Queue) Outcome(ctx context.Context, id string) (job.Outcome, error) {
	data, err := q.client.HGet(ctx, q.topology.Outcomes, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return job.Outcome{State: job.StatePending}, nil
	}
	if err != nil {
		return job.Outcome{}, classify("outcome "+id, err)
	}
	var outcome job.Outcome
	if err := codec.Unmarshal(data, &outcome); err != nil {
		return job.Outcome{}, fmt.Errorf("redisqueue: decoding outcome of %s: %w", id, err)
	}
	return outcome, nil
}

// Failed returns the failed sink, oldest first. Entries that do not
// decode are skipped with a warning.
func (q *Queue) Failed(ctx context.Context) ([]job.FailureRecord, error) {
	entries, err := q.client.LRange(ctx, q.topology.Failed, 0, -1).Result()
	if err != nil {
		return nil, classify("listing failed jobs", err)
	}
	records := make([]job.FailureRecord, 0, len(entries))
	for _, entry := range entries {
		record, err := job.DecodeFailure([]byte(entry))
		if err != nil {
			q.logger.Warn("skipping undecodable failed-sink entry", "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Recover moves everything left in this consumer's processing list back
// to the head of the incoming list, preserving order, and then reaps
// other consumers whose heartbeat has expired.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	count, err := q.recoverOwn(ctx)
	if err != nil {
		return count, err
	}
	reaped, err := q.reap(ctx)
	return count + reaped, err
}

func (q *Queue) recoverOwn(ctx context.Context) (int, error) {
	count := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.topology.Incoming, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return count, classify("recover", err)
		}
		count++
	}
	if count > 0 {
		q.logger.Info("recovered unsettled deliveries", "count", count, "processing", q.processing)
	}
	return count, nil
}

// Len returns the lengths of the incoming list and the delayed set.
func (q *Queue) Len(ctx context.Context) (incoming, delayed int64, err error) {
	incoming, err = q.client.LLen(ctx, q.topology.Incoming).Result()
	if err != nil {
		return 0, 0, classify("length", err)
	}
	delayed, err = q.client.ZCard(ctx, q.topology.Delayed).Result()
	if err != nil {
		return 0, 0, classify("length", err)
	}
	return incoming, delayed, nil
}

// Close stops the heartbeat and closes the client. The heartbeat key
// is left to expire: a consumer that closes with unsettled deliveries
// is treated like one that crashed.
func (q *Queue) Close() error {
	q.keepaliveOnce.Do(func() {})
	if q.stopKeepalive != nil {
		q.stopKeepalive()
		<-q.keepaliveDone
	}
	return q.client.Close()
}
