// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package amqpqueue implements [queue.Queue] on an AMQP 0-9-1 broker
// such as RabbitMQ.
//
// Four durable queues are declared per deployment. Incoming holds live
// work. Delayed has no consumers: its dead-letter exchange is the
// default exchange and its dead-letter routing key is Incoming, so a
// message published there with an Expiration moves back to Incoming
// when it expires. Done and Failed are terminal sinks for inspection.
//
// The broker only moves messages, so job outcomes and failure records
// are kept in an [outcomestore.Store].
//
// Consumption uses manual acknowledgement with a prefetch of one: a
// worker holds at most one unacknowledged job, and the broker requeues
// it if the worker's connection drops.
//
// RabbitMQ expires messages only from the head of a queue, so a retry
// scheduled with a short delay can wait behind one with a longer delay.
// Retry delays are upper bounds of minutes, so this only stretches
// backoff.
package amqpqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/queue"
	"github.com/bureau-foundation/propagator/lib/queue/outcomestore"
)

const contentType = "application/cbor"

// Channel is the subset of *amqp.Channel the queue uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Config configures a Queue.
type Config struct {
	Topology queue.Topology

	// Consumer is the consumer tag shown by the broker.
	Consumer string

	// Outcomes records job outcomes and failures. The Queue closes it.
	Outcomes *outcomestore.Store

	Clock  clock.Clock
	Logger *slog.Logger
}

// Queue is an AMQP-backed job queue.
type Queue struct {
	channel  Channel
	conn     *amqp.Connection
	topology queue.Topology
	consumer string
	outcomes *outcomestore.Store
	clock    clock.Clock
	logger   *slog.Logger

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

// Dial connects to url, opens a channel and declares the topology.
func Dial(url string, config Config) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, &queue.UnavailableError{Backend: "amqp", Err: err}
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, &queue.UnavailableError{Backend: "amqp", Err: err}
	}
	q, err := New(channel, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

// New declares the topology on channel and returns a Queue using it.
func New(channel Channel, config Config) (*Queue, error) {
	if config.Topology.Incoming == "" {
		return nil, errors.New("amqpqueue: empty topology")
	}
	if config.Outcomes == nil {
		return nil, errors.New("amqpqueue: an outcome store is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	q := &Queue{
		channel:  channel,
		topology: config.Topology,
		consumer: config.Consumer,
		outcomes: config.Outcomes,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if err := q.declare(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) declare() error {
	declarations := []struct {
		name string
		args amqp.Table
	}{
		{q.topology.Incoming, nil},
		{q.topology.Delayed, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.topology.Incoming,
		}},
		{q.topology.Done, nil},
		{q.topology.Failed, nil},
	}
	for _, declaration := range declarations {
		if _, err := q.channel.QueueDeclare(declaration.name, true, false, false, false, declaration.args); err != nil {
			return classify("declaring "+declaration.name, err)
		}
	}
	if err := q.channel.Qos(1, 0, false); err != nil {
		return classify("setting prefetch", err)
	}
	return nil
}

var (
	_ queue.Queue        = (*Queue)(nil)
	_ queue.FailedLister = (*Queue)(nil)
)

// classify turns channel and connection exceptions into
// *queue.UnavailableError.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return &queue.UnavailableError{Backend: "amqp", Err: fmt.Errorf("%s: %w", operation, err)}
	}
	return fmt.Errorf("amqpqueue: %s: %w", operation, err)
}

func (q *Queue) publish(ctx context.Context, queueName string, body []byte, messageID, expiration string) error {
	return q.channel.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    q.clock.Now(),
		Expiration:   expiration,
		Body:         body,
	})
}

func (q *Queue) Enqueue(ctx context.Context, j job.Job) error {
	payload, err := job.Encode(j)
	if err != nil {
		return err
	}
	if err := q.outcomes.Record(ctx, j.ID, job.Outcome{State: job.StatePending}, q.clock.Now()); err != nil {
		return err
	}
	return classify("publishing "+j.ID, q.publish(ctx, q.topology.Incoming, payload, j.ID, ""))
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.channel.Consume(q.topology.Incoming, q.consumer, false, false, false, false, nil)
	})
	if q.consumeErr != nil {
		return nil, classify("consuming", q.consumeErr)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case delivery, ok := <-q.deliveries:
		if !ok {
			return nil, &queue.UnavailableError{Backend: "amqp", Err: errors.New("delivery channel closed")}
		}
		return &queue.Delivery{Payload: delivery.Body, Receipt: delivery}, nil
	}
}

func receipt(delivery *queue.Delivery) (amqp.Delivery, error) {
	amqpDelivery, ok := delivery.Receipt.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, errors.New("amqpqueue: delivery was not produced by this queue")
	}
	return amqpDelivery, nil
}

func (q *Queue) ack(delivery *queue.Delivery) error {
	amqpDelivery, err := receipt(delivery)
	if err != nil {
		return err
	}
	return classify("acknowledging", amqpDelivery.Ack(false))
}

func (q *Queue) MarkDone(ctx context.Context, delivery *queue.Delivery, j job.Job) error {
	if _, err := receipt(delivery); err != nil {
		return err
	}
	if err := q.outcomes.Record(ctx, j.ID, job.Outcome{State: job.StateSucceeded}, q.clock.Now()); err != nil {
		return err
	}
	payload, err := job.Encode(j)
	if err != nil {
		return err
	}
	if err := q.publish(ctx, q.topology.Done, payload, j.ID, ""); err != nil {
		return classify("publishing to done sink", err)
	}
	return q.ack(delivery)
}

func (q *Queue) MarkFailed(ctx context.Context, delivery *queue.Delivery, record job.FailureRecord) error {
	if _, err := receipt(delivery); err != nil {
		return err
	}
	if err := q.outcomes.AddFailure(ctx, record); err != nil {
		return err
	}
	encoded, err := job.EncodeFailure(record)
	if err != nil {
		return err
	}
	if err := q.publish(ctx, q.topology.Failed, encoded, record.Job.ID, ""); err != nil {
		return classify("publishing to failed sink", err)
	}
	return q.ack(delivery)
}

func (q *Queue) ScheduleRetry(ctx context.Context, delivery *queue.Delivery, j job.Job, delay time.Duration) error {
	if _, err := receipt(delivery); err != nil {
		return err
	}
	payload, err := job.Encode(j)
	if err != nil {
		return err
	}
	if delay <= 0 {
		err = q.publish(ctx, q.topology.Incoming, payload, j.ID, "")
	} else {
		err = q.publish(ctx, q.topology.Delayed, payload, j.ID, strconv.FormatInt(delay.Milliseconds(), 10))
	}
	if err != nil {
		return classify("scheduling retry of "+j.ID, err)
	}
	return q.ack(delivery)
}

func (q *Queue) Drop(_ context.Context, delivery *queue.Delivery) error {
	return q.ack(delivery)
}

func (q *Queue) Outcome(ctx context.Context, id string) (job.Outcome, error) {
	return q.outcomes.Outcome(ctx, id)
}

// Failed returns the failure records kept in the outcome store.
func (q *Queue) Failed(ctx context.Context) ([]job.FailureRecord, error) {
	return q.outcomes.Failures(ctx)
}

// Close closes the channel, the connection when Dial opened it, and
// the outcome store.
func (q *Queue) Close() error {
	errs := []error{q.channel.Close()}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	errs = append(errs, q.outcomes.Close())
	return errors.Join(errs...)
}
