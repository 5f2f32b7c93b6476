// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package target_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/target"
	"github.com/bureau-foundation/propagator/lib/target/logtarget"
)

// recorder supports create and sync; sync calls the bound SyncFunc.
type recorder struct {
	spec target.Spec
	sync target.SyncFunc
}

func (r *recorder) Supports(kind job.Kind) bool {
	return kind == job.KindCreate || kind == job.KindSync
}

func (r *recorder) Execute(ctx context.Context, kind job.Kind, arguments map[string]string) error {
	if kind == job.KindSync {
		return r.sync(ctx, arguments[job.ArgRepository], "mirror:"+arguments[job.ArgRepository],
			"GIT_SSH_COMMAND=ssh -i "+r.spec.Name+".key")
	}
	return nil
}

func providers() map[string]target.Factory {
	return map[string]target.Factory{
		"recorder": func(spec target.Spec, env target.Environment) (target.Capability, error) {
			return &recorder{spec: spec, sync: env.Sync}, nil
		},
		logtarget.Provider: logtarget.New,
	}
}

func writeDescriptor(t *testing.T, directory, content string) {
	t.Helper()
	if err := os.MkdirAll(directory, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(directory, target.DescriptorFile), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadAllDiscoversDescriptors(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeDescriptor(t, filepath.Join(first, "github"), `{
		// public forge
		"provider": "recorder",
		"push": "restricted",
		"exclude": ["sysadmin/", "websites/.*-private"],
	}`)
	writeDescriptor(t, filepath.Join(first, "dryrun"), `{"name": "dry-run", "provider": "log"}`)
	// Not a target directory: no descriptor.
	if err := os.MkdirAll(filepath.Join(first, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeDescriptor(t, filepath.Join(second, "anongit"), `{"provider": "recorder", "push": "full"}`)

	registry := target.NewRegistry(target.Options{Providers: providers()})
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	if err := registry.LoadAll([]string{first, missing, second}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	want := []string{"dry-run", "github", "anongit"}
	if got := registry.Targets(); !reflect.DeepEqual(got, want) {
		t.Errorf("Targets() = %v, want %v", got, want)
	}

	github, err := registry.Lookup("github")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if github.Semantics.String() != "restricted" {
		t.Errorf("github semantics = %v, want restricted", github.Semantics)
	}
	if github.Accepts("sysadmin/repo-metadata.git") {
		t.Error("github accepted an excluded repository")
	}
	if github.Accepts("websites/kde-org-private") {
		t.Error("github accepted a repository matching the second pattern")
	}
	if !github.Accepts("frameworks/sysadmin/tools") {
		t.Error("exclusion matched in the middle of a name")
	}
}

func TestDuplicatePolicy(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeDescriptor(t, filepath.Join(first, "mirror"), `{"provider": "recorder", "push": "restricted"}`)
	writeDescriptor(t, filepath.Join(second, "mirror"), `{"provider": "log"}`)

	registry := target.NewRegistry(target.Options{Providers: providers()})
	if err := registry.LoadAll([]string{first, second}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	mirror, err := registry.Lookup("mirror")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if mirror.Provider != "recorder" {
		t.Errorf("first_wins kept provider %q, want recorder", mirror.Provider)
	}

	strict := target.NewRegistry(target.Options{Providers: providers(), Policy: target.RejectDuplicates})
	if err := strict.LoadAll([]string{first, second}); err == nil {
		t.Fatal("LoadAll with RejectDuplicates accepted a duplicate name")
	}
}

func TestHandlerErrors(t *testing.T) {
	registry := target.NewRegistry(target.Options{Providers: providers()})
	if err := registry.Register(target.Spec{Name: "github", Provider: "recorder"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := registry.Handler("gitlab", job.KindCreate)
	var notFound *target.PluginNotFoundError
	if !errors.As(err, &notFound) || notFound.Target != "gitlab" {
		t.Errorf("Handler(gitlab) error = %v, want PluginNotFoundError", err)
	}

	_, err = registry.Handler("github", job.KindDelete)
	var notImplemented *target.TaskNotImplementedError
	if !errors.As(err, &notImplemented) || notImplemented.Kind != job.KindDelete {
		t.Errorf("Handler(github, delete) error = %v, want TaskNotImplementedError", err)
	}

	handler, err := registry.Handler("github", job.KindCreate)
	if err != nil {
		t.Fatalf("Handler(github, create): %v", err)
	}
	if err := handler(context.Background(), nil); err != nil {
		t.Errorf("handler returned %v", err)
	}

	kinds, err := registry.Kinds("github")
	if err != nil {
		t.Fatalf("Kinds: %v", err)
	}
	if want := []job.Kind{job.KindCreate, job.KindSync}; !reflect.DeepEqual(kinds, want) {
		t.Errorf("Kinds = %v, want %v", kinds, want)
	}
}

func TestSyncIsBoundToSemantics(t *testing.T) {
	type call struct {
		source, destination string
		restricted          bool
		env                 []string
	}
	var calls []call
	push := func(_ context.Context, source, destination string, restricted bool, env ...string) error {
		calls = append(calls, call{source, destination, restricted, env})
		return nil
	}
	registry := target.NewRegistry(target.Options{Providers: providers(), Push: push})
	if err := registry.Register(target.Spec{Name: "github", Provider: "recorder", Push: "restricted"}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(target.Spec{Name: "anongit", Provider: "recorder", Push: "full"}); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"github", "anongit"} {
		handler, err := registry.Handler(name, job.KindSync)
		if err != nil {
			t.Fatalf("Handler(%s): %v", name, err)
		}
		if err := handler(context.Background(), map[string]string{job.ArgRepository: "kio"}); err != nil {
			t.Fatalf("sync on %s: %v", name, err)
		}
	}

	want := []call{
		{"kio", "mirror:kio", true, []string{"GIT_SSH_COMMAND=ssh -i github.key"}},
		{"kio", "mirror:kio", false, []string{"GIT_SSH_COMMAND=ssh -i anongit.key"}},
	}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("push calls = %+v, want %+v", calls, want)
	}
}

func TestRegisterRejectsBadSpecs(t *testing.T) {
	registry := target.NewRegistry(target.Options{Providers: providers()})
	bad := []target.Spec{
		{Provider: "recorder"},
		{Name: "x", Provider: "carrier-pigeon"},
		{Name: "y", Provider: "recorder", Push: "partial"},
		{Name: "z", Provider: "recorder", Exclude: []string{"("}},
	}
	for _, spec := range bad {
		if err := registry.Register(spec); err == nil {
			t.Errorf("Register(%+v) succeeded", spec)
		}
	}
	if len(registry.Targets()) != 0 {
		t.Errorf("failed registrations left targets behind: %v", registry.Targets())
	}
}

func TestLoadAllRejectsMalformedDescriptor(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, filepath.Join(root, "broken"), `{"provider": `)
	registry := target.NewRegistry(target.Options{Providers: providers()})
	if err := registry.LoadAll([]string{root}); err == nil {
		t.Fatal("LoadAll accepted a malformed descriptor")
	}
}
