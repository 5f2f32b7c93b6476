// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue defines the job queue contract shared by the
// dispatcher, which produces jobs, and workers, which consume them.
//
// Delivery is at-least-once. A job taken by [Queue.Dequeue] belongs to
// that consumer until it settles the [Delivery]; if the consumer dies
// first the job is delivered again, to it or another worker. Targets
// make their operations idempotent so a repeated job is harmless.
//
// Retries go through a delayed path that moves a job back to the
// incoming channel once its delay elapses. Channel names are scoped by
// deployment ([DefaultTopology]).
//
// Backends live in subpackages:
//
//   - memqueue: in-process, for tests and single-process setups
//   - redisqueue: lists, a sorted set for delays, a hash of outcomes
//   - amqpqueue: RabbitMQ queues with a dead-letter TTL delay queue,
//     outcomes in SQLite via outcomestore
package queue
