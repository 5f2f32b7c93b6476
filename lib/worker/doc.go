// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker pulls jobs from a queue and executes them through the
// target registry.
//
// Each job ends in exactly one of: the done sink, a delayed retry, or
// the failed sink. Handler errors and panics are retried with linear
// backoff (attempt k waits k × RetryStep) until the attempt count
// exceeds MaxRetries. Payloads that do not decode are dropped, and jobs
// naming an unknown target or unsupported task are failed at once,
// since neither can succeed on retry.
//
// A job whose dependency has not succeeded yet is put back on the
// delayed path for DependencyPoll without counting an attempt. If the
// dependency failed permanently, the job fails too.
//
// A worker runs one job at a time; scale by running more worker
// processes against the same queue.
package worker
