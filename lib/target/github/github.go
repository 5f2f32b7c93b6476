// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package github mirrors repositories into a GitHub organization.
//
// Repository administration goes through the REST API (lib/github);
// content goes over SSH with the target's push semantics, normally
// restricted so that only branches and tags become public. Repository
// names lose a trailing ".git" and slashes become dashes, since GitHub
// names are flat: "frameworks/kio.git" is mirrored as
// "{organization}/frameworks-kio".
//
// Every task is idempotent. Create succeeds if the repository already
// exists, Delete succeeds if it is already gone, and Move succeeds when
// the source is gone but the destination exists.
package github

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bureau-foundation/propagator/lib/clock"
	ghapi "github.com/bureau-foundation/propagator/lib/github"
	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/target"
)

// Provider is the provider name used in target descriptors.
const Provider = "github"

// Settings is the provider-specific part of a github target.
type Settings struct {
	Organization string `json:"organization"`
	Token        string `json:"token"`
	TokenFile    string `json:"token_file"`
	BaseURL      string `json:"base_url"`

	// SSHRemote is the push URL prefix. Defaults to "git@github.com".
	SSHRemote string `json:"ssh_remote"`
}

// Target is a GitHub organization mirror.
type Target struct {
	settings Settings
	client   *ghapi.Client
	env      target.Environment
}

// New is the target.Factory for the github provider.
func New(spec target.Spec, env target.Environment) (target.Capability, error) {
	var settings Settings
	if err := spec.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	if settings.Organization == "" {
		return nil, errors.New("github target requires an organization")
	}
	if settings.Token == "" && settings.TokenFile != "" {
		data, err := os.ReadFile(settings.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading token file: %w", err)
		}
		settings.Token = strings.TrimSpace(string(data))
	}
	if settings.SSHRemote == "" {
		settings.SSHRemote = "git@github.com"
	}

	client, err := ghapi.NewClient(ghapi.Config{
		BaseURL: settings.BaseURL,
		Token:   settings.Token,
		Clock:   clock.Real(),
		Logger:  env.Logger,
	})
	if err != nil {
		return nil, err
	}
	return NewWithClient(settings, client, env), nil
}

// NewWithClient builds a Target around an existing API client.
func NewWithClient(settings Settings, client *ghapi.Client, env target.Environment) *Target {
	if settings.SSHRemote == "" {
		settings.SSHRemote = "git@github.com"
	}
	return &Target{settings: settings, client: client, env: env}
}

// RepositoryName maps an authoritative repository name to its GitHub
// name.
func RepositoryName(repository string) string {
	return strings.ReplaceAll(strings.TrimSuffix(repository, ".git"), "/", "-")
}

// Supports reports true for every task kind.
func (t *Target) Supports(kind job.Kind) bool {
	switch kind {
	case job.KindCreate, job.KindMove, job.KindSync, job.KindDelete, job.KindSetDescription:
		return true
	}
	return false
}

// Execute runs one task.
func (t *Target) Execute(ctx context.Context, kind job.Kind, arguments map[string]string) error {
	repository := arguments[job.ArgRepository]
	if repository == "" {
		return errors.New("missing repository argument")
	}
	name := RepositoryName(repository)

	switch kind {
	case job.KindCreate:
		return t.create(ctx, name, arguments[job.ArgDescription])
	case job.KindMove:
		destination := arguments[job.ArgDestination]
		if destination == "" {
			return errors.New("missing destination argument")
		}
		return t.move(ctx, name, RepositoryName(destination))
	case job.KindSync:
		source, err := t.env.Resolve(repository)
		if err != nil {
			return err
		}
		return t.env.Sync(ctx, source, fmt.Sprintf("%s:%s/%s", t.settings.SSHRemote, t.settings.Organization, name))
	case job.KindDelete:
		err := t.client.DeleteRepository(ctx, t.settings.Organization, name)
		if ghapi.IsNotFound(err) {
			return nil
		}
		return err
	case job.KindSetDescription:
		description := descriptionOrDefault(arguments[job.ArgDescription])
		_, err := t.client.UpdateRepository(ctx, t.settings.Organization, name, ghapi.UpdateRepositoryRequest{Description: &description})
		return err
	}
	return fmt.Errorf("github target does not implement %s", kind)
}

func (t *Target) create(ctx context.Context, name, description string) error {
	_, err := t.client.GetRepository(ctx, t.settings.Organization, name)
	if err == nil {
		return nil
	}
	if !ghapi.IsNotFound(err) {
		return err
	}
	_, err = t.client.CreateOrganizationRepository(ctx, t.settings.Organization, ghapi.CreateRepositoryRequest{
		Name:        name,
		Description: descriptionOrDefault(description),
	})
	if ghapi.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (t *Target) move(ctx context.Context, from, to string) error {
	_, err := t.client.UpdateRepository(ctx, t.settings.Organization, from, ghapi.UpdateRepositoryRequest{Name: &to})
	if !ghapi.IsNotFound(err) {
		return err
	}
	// A previous attempt may already have renamed it.
	if _, getErr := t.client.GetRepository(ctx, t.settings.Organization, to); getErr == nil {
		return nil
	}
	return err
}

func descriptionOrDefault(description string) string {
	if description == "" {
		return job.DefaultDescription
	}
	return description
}
