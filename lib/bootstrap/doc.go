// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap builds the long-lived components of a propagator
// process from its [config.Config]: the logger, the target registry
// with the sync engine bound in, the job queue for the configured
// backend, and the optional outcome notifier.
//
// propagator-server, propagator-worker and mirrorctl all start this
// way, so a target or queue configured for one is configured
// identically for the others. Nothing here runs anything; callers own
// the returned components and close them.
package bootstrap
