// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/bureau-foundation/propagator/lib/git/gittest"
)

// fixture builds a source repository with a branch, a tag, a notes ref
// and a review ref, and a destination holding one stale branch.
func fixture(t *testing.T) (source, destination *gittest.Bare) {
	t.Helper()
	source = gittest.NewBare(t, "source")
	commit := source.Commit("refs/heads/main", "initial")
	source.Commit("refs/heads/stable", "stable")
	source.Ref("refs/tags/v1.0", commit)
	source.Ref("refs/notes/commits", commit)
	source.Ref("refs/merge-requests/7/head", commit)

	destination = gittest.NewBare(t, "destination")
	destination.Commit("refs/heads/stale", "old work")
	return source, destination
}

func TestFullMirrorPushesEverythingAndDeletes(t *testing.T) {
	source, destination := fixture(t)
	engine := NewEngine(Config{})

	if err := engine.Push(context.Background(), source.Dir(), destination.Dir(), false); err != nil {
		t.Fatalf("Push: %v", err)
	}

	for _, ref := range []string{"refs/heads/main", "refs/heads/stable", "refs/tags/v1.0", "refs/notes/commits", "refs/merge-requests/7/head"} {
		if !destination.HasRef(ref) {
			t.Errorf("destination is missing %s after a full mirror", ref)
		}
	}
	if destination.HasRef("refs/heads/stale") {
		t.Error("full mirror did not delete refs/heads/stale")
	}
}

func TestRestrictedPushesOnlyHeadsAndTags(t *testing.T) {
	source, destination := fixture(t)
	engine := NewEngine(Config{})

	if err := engine.Push(context.Background(), source.Dir(), destination.Dir(), true); err != nil {
		t.Fatalf("Push: %v", err)
	}

	for _, ref := range []string{"refs/heads/main", "refs/heads/stable", "refs/tags/v1.0"} {
		if !destination.HasRef(ref) {
			t.Errorf("destination is missing %s after a restricted push", ref)
		}
	}
	for _, ref := range []string{"refs/notes/commits", "refs/merge-requests/7/head"} {
		if destination.HasRef(ref) {
			t.Errorf("restricted push propagated %s", ref)
		}
	}
	if !destination.HasRef("refs/heads/stale") {
		t.Error("restricted push deleted a remote branch")
	}
}

func TestRestrictedPushForcesRewrittenBranch(t *testing.T) {
	source, destination := fixture(t)
	engine := NewEngine(Config{})
	ctx := context.Background()

	if err := engine.Push(ctx, source.Dir(), destination.Dir(), true); err != nil {
		t.Fatalf("first Push: %v", err)
	}

	// Rewrite main onto an unrelated root commit.
	source.Git("update-ref", "-d", "refs/heads/main")
	rewritten := source.Commit("refs/heads/main", "rewritten")

	if err := engine.Push(ctx, source.Dir(), destination.Dir(), true); err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if got := destination.Git("rev-parse", "refs/heads/main"); got != rewritten {
		t.Errorf("destination main = %s, want %s", got, rewritten)
	}
}

func TestRestrictedPushUpToDateIsNoop(t *testing.T) {
	source, destination := fixture(t)
	engine := NewEngine(Config{})
	ctx := context.Background()

	if err := engine.Push(ctx, source.Dir(), destination.Dir(), true); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	destination.RejectPushes()
	if err := engine.Push(ctx, source.Dir(), destination.Dir(), true); err != nil {
		t.Fatalf("Push of an up-to-date repository: %v", err)
	}
}

func TestRestrictedPushWithoutBranchesPushesNothing(t *testing.T) {
	source := gittest.NewBare(t, "empty")
	destination := gittest.NewBare(t, "destination")
	destination.RejectPushes()

	if err := NewEngine(Config{}).Push(context.Background(), source.Dir(), destination.Dir(), true); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestRejectedRefsReturnPushError(t *testing.T) {
	for _, restricted := range []bool{false, true} {
		source, destination := fixture(t)
		destination.RejectPushes()

		err := NewEngine(Config{}).Push(context.Background(), source.Dir(), destination.Dir(), restricted)
		var pushErr *PushError
		if !errors.As(err, &pushErr) {
			t.Fatalf("restricted=%v: Push error = %v, want *PushError", restricted, err)
		}
		if len(pushErr.Failed) == 0 {
			t.Errorf("restricted=%v: PushError has no failed refs", restricted)
		}
		if destination.HasRef("refs/heads/main") {
			t.Errorf("restricted=%v: rejected push still created main", restricted)
		}
	}
}

func TestUnreachableDestination(t *testing.T) {
	source, _ := fixture(t)
	err := NewEngine(Config{}).Push(context.Background(), source.Dir(), "/nonexistent/propagator/mirror.git", false)
	if err == nil {
		t.Fatal("Push to a missing destination succeeded")
	}
	var pushErr *PushError
	if errors.As(err, &pushErr) {
		t.Errorf("unreachable destination reported as per-ref failure: %v", err)
	}
}

func TestParsePorcelain(t *testing.T) {
	output := "To /srv/mirror.git\n" +
		"*\trefs/heads/main:refs/heads/main\t[new branch]\n" +
		"-\t:refs/heads/old\t[deleted]\n" +
		"!\trefs/heads/wip:refs/heads/wip\t[rejected] (non-fast-forward)\n" +
		"Done\n"
	statuses, err := parsePorcelain(output)
	if err != nil {
		t.Fatalf("parsePorcelain: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses, want 3", len(statuses))
	}
	if statuses[1].source != "" || statuses[1].destination != "refs/heads/old" {
		t.Errorf("deletion parsed as %+v", statuses[1])
	}
	if statuses[2].flag != '!' || statuses[2].summary != "[rejected] (non-fast-forward)" {
		t.Errorf("rejection parsed as %+v", statuses[2])
	}

	if _, err := parsePorcelain("garbage line\n"); err == nil {
		t.Error("parsePorcelain accepted a malformed line")
	}
}

func TestParseSemantics(t *testing.T) {
	if s, err := ParseSemantics("restricted"); err != nil || s != Restricted {
		t.Errorf("ParseSemantics(restricted) = %v, %v", s, err)
	}
	if s, err := ParseSemantics("full"); err != nil || s != Full {
		t.Errorf("ParseSemantics(full) = %v, %v", s, err)
	}
	if _, err := ParseSemantics("partial"); err == nil {
		t.Error("ParseSemantics accepted an unknown value")
	}
}
