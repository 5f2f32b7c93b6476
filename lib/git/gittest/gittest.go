// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gittest builds throwaway bare repositories for tests.
package gittest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/propagator/lib/git"
)

var identity = []string{
	"GIT_AUTHOR_NAME=Test",
	"GIT_AUTHOR_EMAIL=test@test.local",
	"GIT_COMMITTER_NAME=Test",
	"GIT_COMMITTER_EMAIL=test@test.local",
	"GIT_CONFIG_NOSYSTEM=1",
}

// Bare is a fixture repository.
type Bare struct {
	t    testing.TB
	repo *git.Repository
}

// InitBare creates an empty bare repository at dir (created if
// missing) with main as its default branch.
func InitBare(t testing.TB, dir string) *Bare {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating %s: %v", dir, err)
	}
	repo := git.NewRepository(dir).WithEnv(identity...)
	bare := &Bare{t: t, repo: repo}
	bare.Git("init", "--bare", "--quiet", ".")
	bare.Git("symbolic-ref", "HEAD", "refs/heads/main")
	return bare
}

// NewBare creates a bare repository named name.git in a fresh
// temporary directory.
func NewBare(t testing.TB, name string) *Bare {
	t.Helper()
	return InitBare(t, filepath.Join(t.TempDir(), name+".git"))
}

// Dir returns the repository path.
func (b *Bare) Dir() string { return b.repo.Dir() }

// Repository returns the underlying git.Repository.
func (b *Bare) Repository() *git.Repository { return b.repo }

// Git runs a git command in the repository and fails the test on
// error. Returns trimmed stdout.
func (b *Bare) Git(args ...string) string {
	b.t.Helper()
	output, err := b.repo.Run(context.Background(), args...)
	if err != nil {
		b.t.Fatalf("%v", err)
	}
	return strings.TrimSpace(output)
}

// Commit creates a commit with an empty tree, parented on ref's current
// value when it exists, and points ref at it. Returns the commit id.
func (b *Bare) Commit(ref, message string) string {
	b.t.Helper()
	tree, err := b.repo.RunInput(context.Background(), "", "mktree")
	if err != nil {
		b.t.Fatalf("%v", err)
	}
	args := []string{"commit-tree", strings.TrimSpace(tree), "-m", message}
	if parent, err := b.repo.Run(context.Background(), "rev-parse", "--verify", "--quiet", ref); err == nil {
		args = append(args, "-p", strings.TrimSpace(parent))
	}
	commit := b.Git(args...)
	b.Git("update-ref", ref, commit)
	return commit
}

// Ref points ref at the commit id.
func (b *Bare) Ref(ref, commit string) {
	b.t.Helper()
	b.Git("update-ref", ref, commit)
}

// Refs returns every ref name in the repository.
func (b *Bare) Refs() []string {
	b.t.Helper()
	refs, err := b.repo.Refs(context.Background())
	if err != nil {
		b.t.Fatalf("%v", err)
	}
	return refs
}

// HasRef reports whether ref exists.
func (b *Bare) HasRef(ref string) bool {
	b.t.Helper()
	for _, candidate := range b.Refs() {
		if candidate == ref {
			return true
		}
	}
	return false
}

// SetDescription writes the description file.
func (b *Bare) SetDescription(text string) {
	b.t.Helper()
	if err := os.WriteFile(filepath.Join(b.Dir(), "description"), []byte(text+"\n"), 0o644); err != nil {
		b.t.Fatalf("writing description: %v", err)
	}
}

// RejectPushes installs a pre-receive hook that refuses every push.
func (b *Bare) RejectPushes() {
	b.t.Helper()
	hook := filepath.Join(b.Dir(), "hooks", "pre-receive")
	if err := os.MkdirAll(filepath.Dir(hook), 0o755); err != nil {
		b.t.Fatalf("creating hooks directory: %v", err)
	}
	if err := os.WriteFile(hook, []byte("#!/bin/sh\necho refusing >&2\nexit 1\n"), 0o755); err != nil {
		b.t.Fatalf("writing pre-receive hook: %v", err)
	}
}
