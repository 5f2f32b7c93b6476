// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package git_test

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/bureau-foundation/propagator/lib/git"
	"github.com/bureau-foundation/propagator/lib/git/gittest"
)

func TestRefsFiltersByPrefix(t *testing.T) {
	bare := gittest.NewBare(t, "refs")
	commit := bare.Commit("refs/heads/main", "initial")
	bare.Ref("refs/tags/v1.0", commit)
	bare.Ref("refs/notes/commits", commit)

	repo := git.NewRepository(bare.Dir())
	refs, err := repo.Refs(context.Background(), "refs/heads", "refs/tags")
	if err != nil {
		t.Fatalf("Refs: %v", err)
	}
	want := []string{"refs/heads/main", "refs/tags/v1.0"}
	if !reflect.DeepEqual(refs, want) {
		t.Errorf("Refs = %v, want %v", refs, want)
	}
}

func TestRunReportsStderr(t *testing.T) {
	bare := gittest.NewBare(t, "errors")
	repo := git.NewRepository(bare.Dir())
	_, err := repo.Run(context.Background(), "rev-parse", "--verify", "refs/heads/missing")
	if err == nil {
		t.Fatal("rev-parse of a missing ref succeeded")
	}
	if !strings.Contains(err.Error(), "rev-parse") || !strings.Contains(err.Error(), bare.Dir()) {
		t.Errorf("error %q does not name the command and directory", err)
	}
}

func TestWithEnvDoesNotMutateReceiver(t *testing.T) {
	repo := git.NewRepository(t.TempDir())
	derived := repo.WithEnv("GIT_SSH_COMMAND=ssh -i key")
	if len(repo.Command(context.Background(), "status").Env) != 0 {
		t.Error("WithEnv changed the original repository's environment")
	}
	found := false
	for _, entry := range derived.Command(context.Background(), "status").Env {
		if entry == "GIT_SSH_COMMAND=ssh -i key" {
			found = true
		}
	}
	if !found {
		t.Error("derived repository does not carry GIT_SSH_COMMAND")
	}
}
