// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dirtarget mirrors repositories into bare repositories under
// a local directory, typically a backup volume or a directory served
// by a git daemon.
//
// "frameworks/kio" is mirrored to {root}/frameworks/kio.git. Like the
// remote providers, every task is idempotent.
package dirtarget

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/propagator/lib/git"
	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/target"
)

// Provider is the provider name used in target descriptors.
const Provider = "directory"

// Settings is the provider-specific part of a directory target.
type Settings struct {
	Root string `json:"root"`
}

// Target is a directory of bare mirror repositories.
type Target struct {
	root string
	env  target.Environment
}

// New is the target.Factory for the directory provider.
func New(spec target.Spec, env target.Environment) (target.Capability, error) {
	var settings Settings
	if err := spec.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	if settings.Root == "" {
		return nil, errors.New("directory target requires a root")
	}
	if !filepath.IsAbs(settings.Root) {
		return nil, fmt.Errorf("directory target root %q must be absolute", settings.Root)
	}
	return &Target{root: settings.Root, env: env}, nil
}

// Supports reports true for every task kind.
func (t *Target) Supports(kind job.Kind) bool {
	switch kind {
	case job.KindCreate, job.KindMove, job.KindSync, job.KindDelete, job.KindSetDescription:
		return true
	}
	return false
}

// Path returns the mirror path for repository.
func (t *Target) Path(repository string) (string, error) {
	name := strings.TrimSuffix(repository, ".git")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid repository name %q", repository)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid repository name %q", repository)
		}
	}
	return filepath.Join(t.root, filepath.FromSlash(name)+".git"), nil
}

// Execute performs one task.
func (t *Target) Execute(ctx context.Context, kind job.Kind, arguments map[string]string) error {
	repository := arguments[job.ArgRepository]
	if repository == "" {
		return errors.New("missing repository argument")
	}
	path, err := t.Path(repository)
	if err != nil {
		return err
	}

	switch kind {
	case job.KindCreate:
		return t.create(ctx, path, arguments[job.ArgDescription])

	case job.KindSync:
		source, err := t.env.Resolve(repository)
		if err != nil {
			return err
		}
		if !isDir(path) {
			return fmt.Errorf("mirror %s does not exist", path)
		}
		return t.env.Sync(ctx, source, path)

	case job.KindMove:
		destination, err := t.Path(arguments[job.ArgDestination])
		if err != nil {
			return err
		}
		if !isDir(path) && isDir(destination) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
			return err
		}
		return os.Rename(path, destination)

	case job.KindDelete:
		return os.RemoveAll(path)

	case job.KindSetDescription:
		if !isDir(path) {
			return fmt.Errorf("mirror %s does not exist", path)
		}
		return writeDescription(path, arguments[job.ArgDescription])
	}
	return &target.TaskNotImplementedError{Kind: kind}
}

func (t *Target) create(ctx context.Context, path, description string) error {
	if isDir(path) {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	if _, err := git.NewRepository(path).Run(ctx, "init", "--bare", "--quiet", "."); err != nil {
		os.RemoveAll(path)
		return err
	}
	return writeDescription(path, description)
}

func writeDescription(path, description string) error {
	if description == "" {
		description = job.DefaultDescription
	}
	return os.WriteFile(filepath.Join(path, "description"), []byte(description+"\n"), 0o644)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && info.IsDir()
}
