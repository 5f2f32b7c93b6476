// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/propagator/lib/clock"
)

// quota is GitHub's view of the token's primary rate limit as of the
// last response.
type quota struct {
	remaining int
	reset     time.Time
}

// parseQuota reads X-RateLimit-Remaining and X-RateLimit-Reset. ok is
// false when either header is missing or unparsable, which is the
// case for responses served from GitHub's edge cache.
func parseQuota(header http.Header) (q quota, ok bool) {
	remaining, err := strconv.Atoi(header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return quota{}, false
	}
	resetUnix, err := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return quota{}, false
	}
	return quota{remaining: remaining, reset: time.Unix(resetUnix, 0)}, true
}

// rateLimitTracker holds mirror operations back once the token's quota
// is spent. A burst of create jobs for a new project otherwise turns
// into a burst of 403s and burns every job's retries at once.
type rateLimitTracker struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	current quota
	known   bool
}

func newRateLimitTracker(clock clock.Clock, logger *slog.Logger) *rateLimitTracker {
	return &rateLimitTracker{clock: clock, logger: logger}
}

func (tracker *rateLimitTracker) update(header http.Header) {
	q, ok := parseQuota(header)
	if !ok {
		return
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.current = q
	tracker.known = true
}

// wait blocks until the quota resets when it is known to be spent.
func (tracker *rateLimitTracker) wait(ctx context.Context) error {
	tracker.mu.Lock()
	spent := tracker.known && tracker.current.remaining <= 0
	delay := tracker.current.reset.Sub(tracker.clock.Now())
	tracker.mu.Unlock()
	if !spent || delay <= 0 {
		return nil
	}

	tracker.logger.Warn("github quota exhausted, holding request until reset", "delay", delay)
	select {
	case <-tracker.clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfter returns the backoff a rate-limited response asks for:
// Retry-After for secondary limits, otherwise the time left until
// X-RateLimit-Reset. Zero means the response gave no usable hint.
func (tracker *rateLimitTracker) retryAfter(header http.Header) time.Duration {
	if seconds, err := strconv.Atoi(header.Get("Retry-After")); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if q, ok := parseQuota(header); ok {
		if delay := q.reset.Sub(tracker.clock.Now()); delay > 0 {
			return delay
		}
	}
	return 0
}
