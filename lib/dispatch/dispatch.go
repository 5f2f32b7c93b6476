// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/protocol"
	"github.com/bureau-foundation/propagator/lib/repostore"
	"github.com/bureau-foundation/propagator/lib/target"
)

// Store reads authoritative repositories. *repostore.Store implements
// it.
type Store interface {
	Open(name string) (repostore.Descriptor, error)
}

// Registry lists targets. *target.Registry implements it.
type Registry interface {
	Targets() []string
	Lookup(name string) (*target.Target, error)
}

// Enqueuer accepts jobs. Every queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, j job.Job) error
}

// Config configures a Dispatcher.
type Config struct {
	Store    Store
	Registry Registry
	Queue    Enqueuer
	Logger   *slog.Logger

	// NewID returns a fresh job id for a target. Default:
	// "{target}-{uuid}".
	NewID func(target string) string
}

// Dispatcher turns intents into per-target jobs.
type Dispatcher struct {
	store    Store
	registry Registry
	queue    Enqueuer
	logger   *slog.Logger
	newID    func(string) string
}

// New returns a Dispatcher.
func New(config Config) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.NewID == nil {
		config.NewID = func(target string) string {
			return target + "-" + uuid.NewString()
		}
	}
	return &Dispatcher{
		store:    config.Store,
		registry: config.Registry,
		queue:    config.Queue,
		logger:   config.Logger,
		newID:    config.NewID,
	}
}

// Dispatch enqueues the jobs for intent and returns their ids in
// enqueue order. It does not wait for any job to run.
//
// Per in-scope target: create emits Create; update emits Create then
// Sync depending on it; rename emits Move; delete emits Delete.
// Targets whose exclusions match the repository are skipped. Create
// and update read the repository from the store first; a missing
// repository is an error and an update of a repository without
// branches emits nothing.
//
// If enqueueing fails partway, the ids already enqueued are returned
// with the error.
func (d *Dispatcher) Dispatch(ctx context.Context, intent protocol.Intent) ([]string, error) {
	logger := d.logger.With("action", intent.Action.String(), "repository", intent.Source)

	var descriptor repostore.Descriptor
	if intent.Action == protocol.ActionCreate || intent.Action == protocol.ActionUpdate {
		var err error
		descriptor, err = d.store.Open(intent.Source)
		if err != nil {
			return nil, fmt.Errorf("dispatching %s %s: %w", intent.Action, intent.Source, err)
		}
		if intent.Action == protocol.ActionUpdate && descriptor.Empty() {
			logger.Info("repository has no branches, nothing to mirror")
			return nil, nil
		}
	}

	targets, err := d.selectTargets(intent.Source, intent.Scope)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, name := range targets {
		var jobs []job.Job
		switch intent.Action {
		case protocol.ActionCreate:
			jobs = []job.Job{d.newJob(name, job.KindCreate, createArguments(descriptor))}
		case protocol.ActionUpdate:
			create := d.newJob(name, job.KindCreate, createArguments(descriptor))
			sync := d.newJob(name, job.KindSync, map[string]string{job.ArgRepository: descriptor.Name})
			sync.DependsOn = create.ID
			jobs = []job.Job{create, sync}
		case protocol.ActionRename:
			jobs = []job.Job{d.newJob(name, job.KindMove, map[string]string{
				job.ArgRepository:  intent.Source,
				job.ArgDestination: intent.Dest,
			})}
		case protocol.ActionDelete:
			jobs = []job.Job{d.newJob(name, job.KindDelete, map[string]string{job.ArgRepository: intent.Source})}
		default:
			return ids, fmt.Errorf("dispatching: unknown action %s", intent.Action)
		}

		for _, j := range jobs {
			if err := d.queue.Enqueue(ctx, j); err != nil {
				return ids, fmt.Errorf("enqueueing %s job for %s: %w", j.Kind, name, err)
			}
			ids = append(ids, j.ID)
			logger.Debug("job enqueued", "job_id", j.ID, "target", name, "kind", j.Kind.String(), "depends_on", j.DependsOn)
		}
	}

	logger.Info("dispatched", "jobs", len(ids), "targets", len(targets))
	return ids, nil
}

// Describe enqueues one SetDescription job per in-scope target carrying
// the repository's current description.
func (d *Dispatcher) Describe(ctx context.Context, repository string, scope []string) ([]string, error) {
	descriptor, err := d.store.Open(repository)
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", repository, err)
	}
	targets, err := d.selectTargets(repository, scope)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, name := range targets {
		j := d.newJob(name, job.KindSetDescription, map[string]string{
			job.ArgRepository:  descriptor.Name,
			job.ArgDescription: descriptor.Description,
		})
		if err := d.queue.Enqueue(ctx, j); err != nil {
			return ids, fmt.Errorf("enqueueing %s job for %s: %w", j.Kind, name, err)
		}
		ids = append(ids, j.ID)
	}
	d.logger.Info("dispatched", "action", "describe", "repository", repository, "jobs", len(ids))
	return ids, nil
}

// selectTargets returns registered targets, in registration order, that
// are in scope and accept repository. Scope names that match no target
// are logged and ignored.
func (d *Dispatcher) selectTargets(repository string, scope []string) ([]string, error) {
	intent := protocol.Intent{Scope: scope}
	registered := d.registry.Targets()

	for _, name := range scope {
		if _, err := d.registry.Lookup(name); err != nil {
			var notFound *target.PluginNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
			d.logger.Warn("scope names an unknown target", "target", name, "repository", repository)
		}
	}

	var selected []string
	for _, name := range registered {
		if !intent.InScope(name) {
			continue
		}
		t, err := d.registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		if !t.Accepts(repository) {
			d.logger.Debug("repository excluded by target", "target", name, "repository", repository)
			continue
		}
		selected = append(selected, name)
	}
	return selected, nil
}

func (d *Dispatcher) newJob(targetName string, kind job.Kind, arguments map[string]string) job.Job {
	return job.Job{
		ID:        d.newID(targetName),
		Target:    targetName,
		Kind:      kind,
		Arguments: arguments,
	}
}

func createArguments(descriptor repostore.Descriptor) map[string]string {
	return map[string]string{
		job.ArgRepository:  descriptor.Name,
		job.ArgDescription: descriptor.Description,
	}
}
