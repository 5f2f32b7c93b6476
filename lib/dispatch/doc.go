// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch expands a parsed command into independent jobs, one
// per target per step, and hands them to the queue.
//
// An update becomes a Create job followed by a Sync job whose DependsOn
// names the Create job. The dispatcher never waits for either: the
// worker holds the Sync job back until the queue records the Create
// job as succeeded.
package dispatch
