// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify publishes job outcome events on NATS.
//
// The worker calls [Publisher.JobDone] and [Publisher.JobFailed] after
// a job reaches a terminal state. Events go to
// "{deployment}.jobs.done" and "{deployment}.jobs.failed" as JSON so
// that operators' tooling (and mirrorctl watch) can follow the fleet
// without reading the queue. Delivery is best effort: the queue's done
// and failed sinks remain the record of truth.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bureau-foundation/propagator/lib/job"
)

// Event is the JSON body of an outcome event.
type Event struct {
	JobID      string            `json:"job_id"`
	Target     string            `json:"target"`
	Kind       string            `json:"kind"`
	Repository string            `json:"repository,omitempty"`
	Arguments  map[string]string `json:"arguments,omitempty"`
	Attempt    int               `json:"attempt"`
	State      string            `json:"state"`
	Error      string            `json:"error,omitempty"`
	Time       time.Time         `json:"time"`
}

// Connection is the subset of *nats.Conn the publisher needs.
type Connection interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Subjects returns the done and failed subjects for deployment.
func Subjects(deployment string) (done, failed string) {
	return deployment + ".jobs.done", deployment + ".jobs.failed"
}

// Publisher sends outcome events.
type Publisher struct {
	conn          Connection
	doneSubject   string
	failedSubject string
	wildcard      string
	now           func() time.Time
	logger        *slog.Logger
}

// Dial connects to the NATS server at url.
func Dial(url, deployment string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, err := nats.Connect(url,
		nats.Name("propagator-"+deployment),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return New(conn, deployment, logger), nil
}

// New returns a Publisher over an existing connection.
func New(conn Connection, deployment string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	done, failed := Subjects(deployment)
	return &Publisher{
		conn:          conn,
		doneSubject:   done,
		failedSubject: failed,
		wildcard:      deployment + ".jobs.*",
		now:           time.Now,
		logger:        logger,
	}
}

// JobDone publishes a done event for j.
func (p *Publisher) JobDone(ctx context.Context, j job.Job) error {
	return p.publish(ctx, p.doneSubject, Event{
		JobID:      j.ID,
		Target:     j.Target,
		Kind:       j.Kind.String(),
		Repository: j.Repository(),
		Arguments:  j.Arguments,
		Attempt:    j.Attempt,
		State:      job.StateSucceeded.String(),
		Time:       p.now().UTC(),
	})
}

// JobFailed publishes a failed event for record.
func (p *Publisher) JobFailed(ctx context.Context, record job.FailureRecord) error {
	return p.publish(ctx, p.failedSubject, Event{
		JobID:      record.Job.ID,
		Target:     record.Job.Target,
		Kind:       record.Job.Kind.String(),
		Repository: record.Repository,
		Arguments:  record.Job.Arguments,
		Attempt:    record.Job.Attempt,
		State:      job.StateFailed.String(),
		Error:      record.Error,
		Time:       record.FailedAt,
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Watch delivers every outcome event for the deployment to handler
// until ctx is cancelled. Messages that are not events are logged and
// skipped. handler runs on the NATS delivery goroutine.
func (p *Publisher) Watch(ctx context.Context, handler func(Event)) error {
	subscription, err := p.conn.Subscribe(p.wildcard, func(message *nats.Msg) {
		var event Event
		if err := json.Unmarshal(message.Data, &event); err != nil {
			p.logger.Warn("ignoring malformed outcome event", "subject", message.Subject, "error", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", p.wildcard, err)
	}
	<-ctx.Done()
	if subscription != nil {
		if err := subscription.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("unsubscribing from %s: %w", p.wildcard, err)
		}
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
