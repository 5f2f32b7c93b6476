// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/config"
	"github.com/bureau-foundation/propagator/lib/mirror"
	"github.com/bureau-foundation/propagator/lib/notify"
	"github.com/bureau-foundation/propagator/lib/queue"
	"github.com/bureau-foundation/propagator/lib/queue/amqpqueue"
	"github.com/bureau-foundation/propagator/lib/queue/memqueue"
	"github.com/bureau-foundation/propagator/lib/queue/outcomestore"
	"github.com/bureau-foundation/propagator/lib/queue/redisqueue"
	"github.com/bureau-foundation/propagator/lib/repostore"
	"github.com/bureau-foundation/propagator/lib/target"
	"github.com/bureau-foundation/propagator/lib/target/anongit"
	"github.com/bureau-foundation/propagator/lib/target/dirtarget"
	"github.com/bureau-foundation/propagator/lib/target/github"
	"github.com/bureau-foundation/propagator/lib/target/logtarget"
	"github.com/bureau-foundation/propagator/lib/worker"
)

// NewLogger returns a JSON logger writing to w at the configured level.
func NewLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// Providers returns the built-in target providers.
func Providers() map[string]target.Factory {
	return map[string]target.Factory{
		github.Provider:    github.New,
		anongit.Provider:   anongit.New,
		dirtarget.Provider: dirtarget.New,
		logtarget.Provider: logtarget.New,
	}
}

// NewRegistry loads targets from the configured search paths, then the
// inline targets, in that order. Sync tasks push with a mirror.Engine
// from repositories under cfg.RepoRoot.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*target.Registry, error) {
	policy, err := target.ParseDuplicatePolicy(cfg.Targets.DuplicatePolicy)
	if err != nil {
		return nil, err
	}
	engine := mirror.NewEngine(mirror.Config{Logger: logger.With("component", "mirror")})
	store := repostore.New(cfg.RepoRoot)
	registry := target.NewRegistry(target.Options{
		Providers: Providers(),
		Push:      engine.Push,
		Resolve:   store.Path,
		Policy:    policy,
		Logger:    logger.With("component", "registry"),
	})
	if err := registry.LoadAll(cfg.Targets.SearchPaths); err != nil {
		return nil, err
	}
	for _, inline := range cfg.Targets.Inline {
		spec := target.Spec{
			Name:     inline.Name,
			Provider: inline.Provider,
			Push:     inline.Push,
			Exclude:  inline.Exclude,
			Settings: inline.Settings,
		}
		if err := registry.Register(spec); err != nil {
			return nil, fmt.Errorf("inline target: %w", err)
		}
	}
	if len(registry.Targets()) == 0 {
		logger.Warn("no targets registered; commands will queue nothing")
	}
	return registry, nil
}

// OpenQueue connects to the configured queue backend. The memory
// backend lives and dies with the process, so it only connects a
// command server to workers running in the same process.
func OpenQueue(ctx context.Context, cfg *config.Config, c clock.Clock, logger *slog.Logger) (queue.Queue, error) {
	topology := queue.DefaultTopology(cfg.Deployment)
	logger = logger.With("component", "queue", "backend", cfg.Queue.Backend)

	switch cfg.Queue.Backend {
	case config.BackendMemory:
		return memqueue.New(c), nil

	case config.BackendRedis:
		return redisqueue.Dial(ctx, cfg.Queue.Redis.URL, redisqueue.Config{
			Topology:     topology,
			Consumer:     cfg.Worker.Consumer,
			HeartbeatTTL: cfg.Queue.Redis.HeartbeatTTL.Std(),
			Clock:        c,
			Logger:       logger,
		})

	case config.BackendAMQP:
		outcomes, err := outcomestore.Open(cfg.Queue.OutcomeDB, logger)
		if err != nil {
			return nil, err
		}
		q, err := amqpqueue.Dial(cfg.Queue.AMQP.URL, amqpqueue.Config{
			Topology: topology,
			Consumer: cfg.Worker.Consumer,
			Outcomes: outcomes,
			Clock:    c,
			Logger:   logger,
		})
		if err != nil {
			outcomes.Close()
			return nil, err
		}
		return q, nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

// RecoverJobs returns jobs left unsettled by an earlier run of this
// consumer, and by consumers that have since died, to the incoming
// channel. Workers call it before their first Dequeue. Backends that
// redeliver on their own do nothing.
func RecoverJobs(ctx context.Context, q queue.Queue, logger *slog.Logger) (int, error) {
	recoverer, ok := q.(queue.Recoverer)
	if !ok {
		return 0, nil
	}
	recovered, err := recoverer.Recover(ctx)
	if err != nil {
		return recovered, fmt.Errorf("recovering unfinished jobs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("requeued jobs left by dead workers", "jobs", recovered)
	}
	return recovered, nil
}

// OpenNotifier connects to NATS when notify.nats_url is set. It
// returns nil, nil when notification is disabled.
func OpenNotifier(cfg *config.Config, logger *slog.Logger) (*notify.Publisher, error) {
	if cfg.Notify.NATSURL == "" {
		return nil, nil
	}
	return notify.Dial(cfg.Notify.NATSURL, cfg.Deployment, logger.With("component", "notify"))
}

// RetryPolicy converts the worker section of cfg.
func RetryPolicy(cfg *config.Config) worker.RetryPolicy {
	return worker.RetryPolicy{
		MaxRetries:     cfg.Worker.MaxRetries,
		RetryStep:      cfg.Worker.RetryStep.Std(),
		DependencyPoll: cfg.Worker.DependencyPoll.Std(),
		HandlerTimeout: cfg.Worker.HandlerTimeout.Std(),
	}
}
