// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Anything in propagator that waits (the worker's retry backoff, the
// dependency re-poll, the in-memory queue's delayed redelivery, the
// Redis queue's promotion of due retries) takes a Clock instead of
// calling the time package. Tests inject a FakeClock:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	queue := memqueue.New(topology, fake)
//	// ... schedule a retry 5 minutes out ...
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Minute)
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
