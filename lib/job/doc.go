// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package job defines the unit of work that flows from the dispatcher,
// through the queue, to a worker: a Job names one target and one task
// Kind, carries string arguments, and may depend on another job that
// must succeed first.
//
// Payloads are CBOR (see lib/codec). Decode treats anything that fails
// to parse or validate as a *MalformedError, which workers drop without
// retrying.
package job
