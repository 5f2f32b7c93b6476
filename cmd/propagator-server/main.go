// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// propagator-server accepts repository commands from git hooks and
// mirrorctl and turns them into queued jobs, one per target and task.
// It does no mirroring itself unless --workers is given, which runs
// worker loops in-process; that is the only way to use the memory
// queue backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/propagator/lib/bootstrap"
	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/cmdserver"
	"github.com/bureau-foundation/propagator/lib/config"
	"github.com/bureau-foundation/propagator/lib/dispatch"
	"github.com/bureau-foundation/propagator/lib/process"
	"github.com/bureau-foundation/propagator/lib/repostore"
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
		listen      string
		workers     int
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("propagator-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default $PROPAGATOR_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "override server.listen")
	flagSet.IntVar(&workers, "workers", 0, "run this many worker loops in-process")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("propagator-server %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if workers < 0 {
		return fmt.Errorf("--workers must not be negative")
	}

	logger, err := bootstrap.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	logger = logger.With("deployment", cfg.Deployment)
	if cfg.Queue.Backend == config.BackendMemory && workers == 0 {
		logger.Warn("memory queue without in-process workers: jobs will accumulate until shutdown and then be lost")
	}

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

	dispatcher := dispatch.New(dispatch.Config{
		Store:    repostore.New(cfg.RepoRoot),
		Registry: registry,
		Queue:    q,
		Logger:   logger.With("component", "dispatch"),
	})

	// In-process workers stop with the server. A worker that loses
	// the queue cancels everything so the process exits non-zero.
	workerCtx, cancelWorkers := context.WithCancelCause(ctx)
	defer cancelWorkers(nil)
	var group sync.WaitGroup
	if workers > 0 {
		if _, err := bootstrap.RecoverJobs(ctx, q, logger); err != nil {
			return err
		}
		notifier, err := bootstrap.OpenNotifier(cfg, logger)
		if err != nil {
			return err
		}
		var workerNotifier worker.Notifier
		if notifier != nil {
			defer notifier.Close()
			workerNotifier = notifier
		}
		for index := range workers {
			w := worker.New(worker.Config{
				Queue:    q,
				Resolver: registry,
				Policy:   bootstrap.RetryPolicy(cfg),
				Notifier: workerNotifier,
				Logger:   logger.With("component", "worker", "worker", index),
			})
			group.Add(1)
			go func() {
				defer group.Done()
				if err := w.Run(workerCtx); err != nil {
					cancelWorkers(err)
				}
			}()
		}
	}

	server := cmdserver.New(cmdserver.Config{
		Executor:    dispatcher,
		ReadTimeout: cfg.Server.ReadTimeout.Std(),
		Logger:      logger.With("component", "cmdserver"),
	})
	logger.Info("propagator-server starting",
		"version", version.Info(),
		"listen", cfg.Server.Listen,
		"queue", cfg.Queue.Backend,
		"targets", registry.Targets(),
		"workers", workers,
	)
	serveErr := server.ListenAndServe(workerCtx, cfg.Server.Listen)
	cancelWorkers(nil)
	group.Wait()

	if serveErr != nil {
		return serveErr
	}
	if cause := context.Cause(workerCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	logger.Info("propagator-server stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}
