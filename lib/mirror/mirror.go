// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bureau-foundation/propagator/lib/git"
)

// Semantics selects which refs a push propagates.
type Semantics uint8

const (
	// Full pushes every ref, including deletions.
	Full Semantics = iota
	// Restricted pushes branches and tags only.
	Restricted
)

func (s Semantics) String() string {
	if s == Restricted {
		return "restricted"
	}
	return "full"
}

// ParseSemantics accepts "full" and "restricted".
func ParseSemantics(name string) (Semantics, error) {
	switch name {
	case "full", "":
		return Full, nil
	case "restricted":
		return Restricted, nil
	}
	return Full, fmt.Errorf("unknown push semantics %q (want full or restricted)", name)
}

// restrictedPrefixes are the ref namespaces a restricted push may
// touch.
var restrictedPrefixes = []string{"refs/heads/", "refs/tags/"}

// FailedRef is one ref git reported as not pushed.
type FailedRef struct {
	Source      string
	Destination string
	Summary     string
}

// PushError reports a push where at least one ref failed.
type PushError struct {
	Destination string
	Failed      []FailedRef
}

func (e *PushError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, ref := range e.Failed {
		name := ref.Destination
		if name == "" {
			name = ref.Source
		}
		parts = append(parts, fmt.Sprintf("%s %s", name, ref.Summary))
	}
	return fmt.Sprintf("push to %s failed for %d ref(s): %s", e.Destination, len(e.Failed), strings.Join(parts, "; "))
}

// Engine pushes repositories to mirror destinations.
type Engine struct {
	logger *slog.Logger
	env    []string
}

// Config configures an Engine.
type Config struct {
	Logger *slog.Logger

	// Env is appended to the environment of every git command, for
	// example GIT_SSH_COMMAND selecting a deploy key.
	Env []string
}

// NewEngine returns an Engine.
func NewEngine(config Config) *Engine {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{logger: logger, env: config.Env}
}

// Push makes destination mirror the repository at source. With
// restricted set, only branches and tags are force-pushed; otherwise
// the full ref set is mirrored, deleting remote refs that no longer
// exist locally. Any ref failure returns a *PushError. A failed push
// is safe to repeat in full. env is appended to the engine's own
// environment for this push only, so each target can bring its own
// SSH identity.
func (e *Engine) Push(ctx context.Context, source, destination string, restricted bool, env ...string) error {
	repo := git.NewRepository(source).WithEnv(slices.Concat(e.env, env)...)
	if !restricted {
		return e.pushMirror(ctx, repo, destination)
	}
	return e.pushRestricted(ctx, repo, destination)
}

func (e *Engine) pushMirror(ctx context.Context, repo *git.Repository, destination string) error {
	e.logger.Debug("mirror push", "source", repo.Dir(), "destination", destination)
	output, runErr := repo.Run(ctx, "push", "--porcelain", "--mirror", destination)
	return checkPush(destination, output, runErr)
}

func (e *Engine) pushRestricted(ctx context.Context, repo *git.Repository, destination string) error {
	local, err := repo.Refs(ctx, "refs/heads", "refs/tags")
	if err != nil {
		return fmt.Errorf("listing branches and tags in %s: %w", repo.Dir(), err)
	}
	if len(local) == 0 {
		e.logger.Info("restricted push has no branches or tags, nothing to do",
			"source", repo.Dir(), "destination", destination)
		return nil
	}
	wanted := make(map[string]bool, len(local))
	for _, ref := range local {
		wanted[ref] = true
	}

	// The dry run reports how each local ref maps onto the remote.
	output, runErr := repo.Run(ctx, "push", "--porcelain", "--mirror", "--dry-run", destination)
	statuses, parseErr := parsePorcelain(output)
	if parseErr != nil || (runErr != nil && len(statuses) == 0) {
		return fmt.Errorf("planning restricted push to %s: %w", destination, errors.Join(runErr, parseErr))
	}

	var refspecs []string
	for _, status := range statuses {
		if !wanted[status.source] || !hasRestrictedPrefix(status.destination) {
			continue
		}
		if status.flag == '=' {
			continue
		}
		refspecs = append(refspecs, "+"+status.source+":"+status.destination)
	}
	if len(refspecs) == 0 {
		e.logger.Debug("restricted push is up to date", "source", repo.Dir(), "destination", destination)
		return nil
	}

	e.logger.Debug("restricted push", "source", repo.Dir(), "destination", destination, "refs", len(refspecs))
	args := append([]string{"push", "--porcelain", destination}, refspecs...)
	output, runErr = repo.Run(ctx, args...)
	return checkPush(destination, output, runErr)
}

func hasRestrictedPrefix(ref string) bool {
	for _, prefix := range restrictedPrefixes {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}

// checkPush turns porcelain output and the command's error into the
// push result. A non-zero exit with no per-ref lines (unreachable
// remote, authentication failure) is returned as-is.
func checkPush(destination, output string, runErr error) error {
	statuses, parseErr := parsePorcelain(output)
	if parseErr != nil {
		return fmt.Errorf("push to %s: %w", destination, errors.Join(runErr, parseErr))
	}
	var failed []FailedRef
	for _, status := range statuses {
		if status.flag == '!' {
			failed = append(failed, FailedRef{
				Source:      status.source,
				Destination: status.destination,
				Summary:     status.summary,
			})
		}
	}
	if len(failed) > 0 {
		return &PushError{Destination: destination, Failed: failed}
	}
	if runErr != nil {
		return fmt.Errorf("push to %s: %w", destination, runErr)
	}
	return nil
}

type refStatus struct {
	flag        byte
	source      string
	destination string
	summary     string
}

// parsePorcelain reads "git push --porcelain" output: a "To <url>"
// header, one "<flag>\t<from>:<to>\t<summary>" line per ref, and a
// trailing "Done".
func parsePorcelain(output string) ([]refStatus, error) {
	var statuses []refStatus
	for _, line := range strings.Split(output, "\n") {
		if line == "" || line == "Done" || strings.HasPrefix(line, "To ") {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 || len(fields[0]) != 1 {
			return nil, fmt.Errorf("unexpected push status line %q", line)
		}
		source, destination, ok := strings.Cut(fields[1], ":")
		if !ok {
			return nil, fmt.Errorf("unexpected refspec in push status line %q", line)
		}
		status := refStatus{flag: fields[0][0], source: source, destination: destination}
		if len(fields) == 3 {
			status.summary = fields[2]
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
