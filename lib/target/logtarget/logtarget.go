// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logtarget is a mirror target that records requests in the
// log and always succeeds. It is useful for dry runs of a new
// deployment and for exercising the queue without touching a forge.
package logtarget

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/target"
)

// Provider is the provider name used in target descriptors.
const Provider = "log"

// Target logs every task.
type Target struct {
	name   string
	level  slog.Level
	logger *slog.Logger
}

type settings struct {
	Level string `json:"level"`
}

// New is the target.Factory for the log provider.
func New(spec target.Spec, env target.Environment) (target.Capability, error) {
	var parsed settings
	if err := spec.DecodeSettings(&parsed); err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if parsed.Level != "" {
		if err := level.UnmarshalText([]byte(parsed.Level)); err != nil {
			return nil, err
		}
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Target{name: spec.Name, level: level, logger: logger}, nil
}

// Supports reports true for every kind.
func (t *Target) Supports(job.Kind) bool { return true }

// Execute logs the request.
func (t *Target) Execute(ctx context.Context, kind job.Kind, arguments map[string]string) error {
	attributes := []any{"kind", kind.String()}
	for _, key := range []string{job.ArgRepository, job.ArgDestination, job.ArgDescription} {
		if value, ok := arguments[key]; ok {
			attributes = append(attributes, key, value)
		}
	}
	t.logger.Log(ctx, t.level, "mirror request", attributes...)
	return nil
}
