// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/mirror"
)

// DescriptorFile is the file that marks a directory under a search
// path as a target definition.
const DescriptorFile = "target.json"

// Capability is the task surface of one mirror target.
type Capability interface {
	// Supports reports whether the target implements kind.
	Supports(kind job.Kind) bool

	// Execute performs kind with the job's arguments. Returning nil
	// means the task succeeded.
	Execute(ctx context.Context, kind job.Kind, arguments map[string]string) error
}

// Handler executes one task kind on one target.
type Handler func(ctx context.Context, arguments map[string]string) error

// SyncFunc pushes source to destination with the ref-set semantics of
// the target it was bound to. env is added to git's environment for
// this push, typically GIT_SSH_COMMAND carrying the target's key.
type SyncFunc func(ctx context.Context, source, destination string, env ...string) error

// PushFunc is the unbound form of SyncFunc, normally
// (*mirror.Engine).Push.
type PushFunc func(ctx context.Context, source, destination string, restricted bool, env ...string) error

// Spec describes one target: either a target.json descriptor or an
// inline entry in the configuration file.
type Spec struct {
	Name     string         `json:"name" yaml:"name"`
	Provider string         `json:"provider" yaml:"provider"`
	Push     string         `json:"push" yaml:"push"`
	Exclude  []string       `json:"exclude" yaml:"exclude"`
	Settings map[string]any `json:"settings" yaml:"settings"`
}

// DecodeSettings copies the free-form settings into a provider's typed
// settings struct, matching on json tags.
func (s Spec) DecodeSettings(into any) error {
	data, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("target %s settings: %w", s.Name, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("target %s settings: %w", s.Name, err)
	}
	return nil
}

// Environment is what a Factory receives besides the Spec.
type Environment struct {
	// Sync is bound to the target's push semantics.
	Sync SyncFunc

	// Resolve maps a repository name to its path in the
	// authoritative store.
	Resolve func(repository string) (string, error)

	Logger *slog.Logger
}

// Factory builds a Capability for one target.
type Factory func(spec Spec, env Environment) (Capability, error)

// DuplicatePolicy decides what happens when two targets share a name.
type DuplicatePolicy uint8

const (
	// FirstWins keeps the first target registered under a name and
	// ignores later ones.
	FirstWins DuplicatePolicy = iota
	// RejectDuplicates fails registration instead.
	RejectDuplicates
)

// ParseDuplicatePolicy accepts "first_wins" and "error".
func ParseDuplicatePolicy(name string) (DuplicatePolicy, error) {
	switch name {
	case "", "first_wins":
		return FirstWins, nil
	case "error":
		return RejectDuplicates, nil
	}
	return FirstWins, fmt.Errorf("unknown duplicate policy %q (want first_wins or error)", name)
}

// PluginNotFoundError is returned for a target name that is not
// registered.
type PluginNotFoundError struct {
	Target string
}

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("target %q is not registered", e.Target)
}

// TaskNotImplementedError is returned when a registered target does
// not support a task kind.
type TaskNotImplementedError struct {
	Target string
	Kind   job.Kind
}

func (e *TaskNotImplementedError) Error() string {
	return fmt.Sprintf("target %q does not implement %s", e.Target, e.Kind)
}

// Target is a registered mirror target.
type Target struct {
	Name       string
	Provider   string
	Semantics  mirror.Semantics
	Capability Capability

	exclude []*regexp.Regexp
}

// Accepts reports whether repository should be mirrored to t. A
// trailing ".git" is ignored and each exclusion pattern is anchored at
// the start of the name.
func (t *Target) Accepts(repository string) bool {
	name := strings.TrimSuffix(repository, ".git")
	for _, pattern := range t.exclude {
		if pattern.MatchString(name) {
			return false
		}
	}
	return true
}

// Options configures a Registry.
type Options struct {
	Providers map[string]Factory
	Push      PushFunc
	Resolve   func(repository string) (string, error)
	Policy    DuplicatePolicy
	Logger    *slog.Logger
}

// Registry holds the process-wide set of targets. It is populated at
// startup and read-only afterwards; concurrent reads are safe once
// registration is done.
type Registry struct {
	options Options
	logger  *slog.Logger
	targets map[string]*Target
	order   []string
}

// NewRegistry returns an empty Registry.
func NewRegistry(options Options) *Registry {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{options: options, logger: logger, targets: make(map[string]*Target)}
}

// LoadAll registers every target found under searchPaths, in order.
// Each immediate subdirectory holding a target.json descriptor is one
// target; subdirectories without one are skipped. A search path that
// does not exist is skipped with a warning. An unknown provider or an
// invalid descriptor is an error.
func (r *Registry) LoadAll(searchPaths []string) error {
	for _, searchPath := range searchPaths {
		entries, err := os.ReadDir(searchPath)
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("target search path does not exist", "path", searchPath)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading target search path %s: %w", searchPath, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			directory := filepath.Join(searchPath, entry.Name())
			spec, found, err := readDescriptor(directory)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if spec.Name == "" {
				spec.Name = entry.Name()
			}
			if err := r.Register(spec); err != nil {
				return fmt.Errorf("%s: %w", directory, err)
			}
		}
	}
	return nil
}

func readDescriptor(directory string) (Spec, bool, error) {
	data, err := os.ReadFile(filepath.Join(directory, DescriptorFile))
	if errors.Is(err, os.ErrNotExist) {
		return Spec{}, false, nil
	}
	if err != nil {
		return Spec{}, false, fmt.Errorf("reading %s: %w", filepath.Join(directory, DescriptorFile), err)
	}
	var spec Spec
	if err := json.Unmarshal(jsonc.ToJSON(data), &spec); err != nil {
		return Spec{}, false, fmt.Errorf("parsing %s: %w", filepath.Join(directory, DescriptorFile), err)
	}
	return spec, true, nil
}

// Register builds and records one target.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return errors.New("target has no name")
	}
	if _, exists := r.targets[spec.Name]; exists {
		if r.options.Policy == RejectDuplicates {
			return fmt.Errorf("target %q is already registered", spec.Name)
		}
		r.logger.Warn("ignoring duplicate target", "target", spec.Name, "provider", spec.Provider)
		return nil
	}

	factory, ok := r.options.Providers[spec.Provider]
	if !ok {
		return fmt.Errorf("target %q: unknown provider %q", spec.Name, spec.Provider)
	}
	semantics, err := mirror.ParseSemantics(spec.Push)
	if err != nil {
		return fmt.Errorf("target %q: %w", spec.Name, err)
	}
	exclude := make([]*regexp.Regexp, 0, len(spec.Exclude))
	for _, pattern := range spec.Exclude {
		compiled, err := regexp.Compile("^(?:" + pattern + ")")
		if err != nil {
			return fmt.Errorf("target %q: exclude pattern %q: %w", spec.Name, pattern, err)
		}
		exclude = append(exclude, compiled)
	}

	logger := r.logger.With("target", spec.Name)
	capability, err := factory(spec, Environment{
		Sync:    r.bindSync(semantics),
		Resolve: r.resolver(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("target %q: %w", spec.Name, err)
	}

	r.targets[spec.Name] = &Target{
		Name:       spec.Name,
		Provider:   spec.Provider,
		Semantics:  semantics,
		Capability: capability,
		exclude:    exclude,
	}
	r.order = append(r.order, spec.Name)
	logger.Info("registered target", "provider", spec.Provider, "push", semantics.String())
	return nil
}

func (r *Registry) bindSync(semantics mirror.Semantics) SyncFunc {
	push := r.options.Push
	return func(ctx context.Context, source, destination string, env ...string) error {
		if push == nil {
			return errors.New("no sync engine configured")
		}
		return push(ctx, source, destination, semantics == mirror.Restricted, env...)
	}
}

func (r *Registry) resolver() func(string) (string, error) {
	if r.options.Resolve != nil {
		return r.options.Resolve
	}
	return func(repository string) (string, error) {
		return "", fmt.Errorf("no repository store configured for %s", repository)
	}
}

// Targets returns registered target names in registration order.
func (r *Registry) Targets() []string {
	return append([]string(nil), r.order...)
}

// Lookup returns the named target.
func (r *Registry) Lookup(name string) (*Target, error) {
	target, ok := r.targets[name]
	if !ok {
		return nil, &PluginNotFoundError{Target: name}
	}
	return target, nil
}

// Handler resolves the handler for kind on the named target.
func (r *Registry) Handler(name string, kind job.Kind) (Handler, error) {
	target, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !target.Capability.Supports(kind) {
		return nil, &TaskNotImplementedError{Target: name, Kind: kind}
	}
	capability := target.Capability
	return func(ctx context.Context, arguments map[string]string) error {
		return capability.Execute(ctx, kind, arguments)
	}, nil
}

// Kinds lists the task kinds the named target supports.
func (r *Registry) Kinds(name string) ([]job.Kind, error) {
	target, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	var kinds []job.Kind
	for _, kind := range job.Kinds() {
		if target.Capability.Supports(kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}
