// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package git runs the git CLI against one repository directory. Every
// command is issued as "git -C <dir> ...". The mirror engine uses it for
// pushes because it needs git's per-ref porcelain status, and the test
// helpers in gittest use it to build fixture repositories.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repository is a git repository at a fixed directory.
type Repository struct {
	dir string
	env []string
}

// NewRepository returns a Repository targeting dir, normally a bare
// repository under the propagator repository root.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// WithEnv returns a copy of r whose commands run with the extra
// environment entries (KEY=value) appended to the process
// environment. Targets use it to set GIT_SSH_COMMAND.
func (r *Repository) WithEnv(env ...string) *Repository {
	clone := &Repository{dir: r.dir}
	clone.env = append(append(clone.env, r.env...), env...)
	return clone
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes git with args and returns stdout. Stdout is returned
// even when the command fails: git push reports per-ref results on
// stdout and exits non-zero when any of them failed. The error carries
// stderr.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := r.Command(ctx, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RunInput is Run with stdin supplied.
func (r *Repository) RunInput(ctx context.Context, stdin string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := r.Command(ctx, args...)
	command.Stdin = strings.NewReader(stdin)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Command returns the unstarted *exec.Cmd for a git command in this
// repository.
func (r *Repository) Command(ctx context.Context, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", r.dir}, args...)
	command := exec.CommandContext(ctx, "git", fullArgs...)
	if len(r.env) > 0 {
		command.Env = append(command.Environ(), r.env...)
	}
	return command
}

// Refs lists the full names of refs under the given prefixes (for
// example "refs/heads", "refs/tags"). No prefixes lists every ref.
func (r *Repository) Refs(ctx context.Context, prefixes ...string) ([]string, error) {
	args := append([]string{"for-each-ref", "--format=%(refname)"}, prefixes...)
	output, err := r.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			refs = append(refs, line)
		}
	}
	return refs, nil
}
