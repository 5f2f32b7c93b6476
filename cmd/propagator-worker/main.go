// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// propagator-worker executes queued jobs against the mirror targets.
// Run as many as the targets can absorb; each takes one job at a time.
// On SIGINT or SIGTERM the worker finishes its current job and exits.
// Losing the queue connection exits non-zero so the supervisor
// restarts it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/propagator/lib/bootstrap"
	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/config"
	"github.com/bureau-foundation/propagator/lib/process"
	"github.com/bureau-foundation/propagator/lib/version"
	"github.com/bureau-foundation/propagator/lib/worker"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		consumer    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("propagator-worker", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default $PROPAGATOR_CONFIG)")
	flagSet.StringVar(&consumer, "consumer", "", "override worker.consumer; keep it stable across restarts")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("propagator-worker %s\n", version.Info())
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFile(configPath)
	}
	if err != nil {
		return err
	}
	if consumer != "" {
		cfg.Worker.Consumer = consumer
	}
	if cfg.Queue.Backend == config.BackendMemory {
		return fmt.Errorf("the memory queue is private to one process; run propagator-server --workers instead")
	}

	logger, err := bootstrap.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	logger = logger.With("deployment", cfg.Deployment, "consumer", cfg.Worker.Consumer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := bootstrap.NewRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("loading targets: %w", err)
	}
	q, err := bootstrap.OpenQueue(ctx, cfg, clock.Real(), logger)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	if _, err := bootstrap.RecoverJobs(ctx, q, logger); err != nil {
		return err
	}

	var notifier worker.Notifier
	publisher, err := bootstrap.OpenNotifier(cfg, logger)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
		notifier = publisher
	}

	logger.Info("propagator-worker starting",
		"version", version.Info(),
		"queue", cfg.Queue.Backend,
		"targets", registry.Targets(),
	)
	w := worker.New(worker.Config{
		Queue:    q,
		Resolver: registry,
		Policy:   bootstrap.RetryPolicy(cfg),
		Notifier: notifier,
		Logger:   logger.With("component", "worker"),
	})
	if err := w.Run(ctx); err != nil {
		return err
	}
	logger.Info("propagator-worker stopped")
	return nil
}
