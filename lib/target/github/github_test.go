// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/propagator/lib/clock"
	ghapi "github.com/bureau-foundation/propagator/lib/github"
	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/target"
)

// fakeOrganization is an in-memory GitHub organization.
type fakeOrganization struct {
	mu           sync.Mutex
	repositories map[string]string // name -> description
	requests     []string
}

func (f *fakeOrganization) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request.Method+" "+request.URL.Path)

	if request.Method == http.MethodPost && request.URL.Path == "/orgs/kde/repos" {
		var body ghapi.CreateRepositoryRequest
		json.NewDecoder(request.Body).Decode(&body)
		if _, exists := f.repositories[body.Name]; exists {
			writer.WriteHeader(http.StatusUnprocessableEntity)
			writer.Write([]byte(`{"message": "Repository creation failed.", "errors": [{"resource": "Repository", "code": "custom", "field": "name", "message": "name already exists on this account"}]}`))
			return
		}
		f.repositories[body.Name] = body.Description
		writer.WriteHeader(http.StatusCreated)
		json.NewEncoder(writer).Encode(ghapi.Repository{ID: 1, Name: body.Name})
		return
	}

	name, ok := strings.CutPrefix(request.URL.Path, "/repos/kde/")
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	description, exists := f.repositories[name]
	if !exists {
		writer.WriteHeader(http.StatusNotFound)
		writer.Write([]byte(`{"message": "Not Found"}`))
		return
	}
	switch request.Method {
	case http.MethodGet:
		json.NewEncoder(writer).Encode(ghapi.Repository{ID: 1, Name: name, Description: description})
	case http.MethodPatch:
		var body ghapi.UpdateRepositoryRequest
		json.NewDecoder(request.Body).Decode(&body)
		if body.Description != nil {
			description = *body.Description
			f.repositories[name] = description
		}
		if body.Name != nil {
			delete(f.repositories, name)
			name = *body.Name
			f.repositories[name] = description
		}
		json.NewEncoder(writer).Encode(ghapi.Repository{ID: 1, Name: name, Description: description})
	case http.MethodDelete:
		delete(f.repositories, name)
		writer.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakeOrganization) description(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	description, ok := f.repositories[name]
	return description, ok
}

type pushCall struct{ source, destination string }

func newTarget(t *testing.T) (*Target, *fakeOrganization, *[]pushCall) {
	t.Helper()
	organization := &fakeOrganization{repositories: map[string]string{}}
	server := httptest.NewTLSServer(organization)
	t.Cleanup(server.Close)

	client, err := ghapi.NewClient(ghapi.Config{
		BaseURL:    server.URL,
		Token:      "token",
		HTTPClient: server.Client(),
		Clock:      clock.Real(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	var pushes []pushCall
	env := target.Environment{
		Sync: func(_ context.Context, source, destination string, _ ...string) error {
			pushes = append(pushes, pushCall{source, destination})
			return nil
		},
		Resolve: func(repository string) (string, error) { return "/srv/git/" + repository, nil },
	}
	return NewWithClient(Settings{Organization: "kde"}, client, env), organization, &pushes
}

func execute(t *testing.T, mirror *Target, kind job.Kind, arguments map[string]string) {
	t.Helper()
	if err := mirror.Execute(context.Background(), kind, arguments); err != nil {
		t.Fatalf("Execute(%v, %v): %v", kind, arguments, err)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	mirror, organization, _ := newTarget(t)
	arguments := map[string]string{job.ArgRepository: "frameworks/kio.git"}

	execute(t, mirror, job.KindCreate, arguments)
	execute(t, mirror, job.KindCreate, arguments)

	description, ok := organization.description("frameworks-kio")
	if !ok {
		t.Fatal("repository frameworks-kio was not created")
	}
	if description != job.DefaultDescription {
		t.Errorf("description = %q, want the default", description)
	}
	posts := 0
	for _, request := range organization.requests {
		if strings.HasPrefix(request, "POST") {
			posts++
		}
	}
	if posts != 1 {
		t.Errorf("create issued %d POSTs, want 1", posts)
	}
}

func TestMoveIsIdempotent(t *testing.T) {
	mirror, organization, _ := newTarget(t)
	execute(t, mirror, job.KindCreate, map[string]string{job.ArgRepository: "old", job.ArgDescription: "Old"})

	arguments := map[string]string{job.ArgRepository: "old.git", job.ArgDestination: "new.git"}
	execute(t, mirror, job.KindMove, arguments)
	execute(t, mirror, job.KindMove, arguments)

	if _, ok := organization.description("old"); ok {
		t.Error("old name still exists after move")
	}
	if description, ok := organization.description("new"); !ok || description != "Old" {
		t.Errorf("new = %q, %v; want the moved repository", description, ok)
	}
}

func TestMoveOfMissingRepositoryFails(t *testing.T) {
	mirror, _, _ := newTarget(t)
	err := mirror.Execute(context.Background(), job.KindMove, map[string]string{job.ArgRepository: "ghost", job.ArgDestination: "spirit"})
	if !ghapi.IsNotFound(err) {
		t.Fatalf("Execute error = %v, want not found", err)
	}
}

func TestDeleteAndSetDescription(t *testing.T) {
	mirror, organization, _ := newTarget(t)
	execute(t, mirror, job.KindCreate, map[string]string{job.ArgRepository: "kio"})

	execute(t, mirror, job.KindSetDescription, map[string]string{job.ArgRepository: "kio", job.ArgDescription: "Network transparency"})
	if description, _ := organization.description("kio"); description != "Network transparency" {
		t.Errorf("description = %q", description)
	}

	execute(t, mirror, job.KindDelete, map[string]string{job.ArgRepository: "kio"})
	execute(t, mirror, job.KindDelete, map[string]string{job.ArgRepository: "kio"})
	if _, ok := organization.description("kio"); ok {
		t.Error("repository still exists after delete")
	}
}

func TestSyncPushesOverSSH(t *testing.T) {
	mirror, _, pushes := newTarget(t)
	execute(t, mirror, job.KindSync, map[string]string{job.ArgRepository: "frameworks/kio.git"})

	want := pushCall{"/srv/git/frameworks/kio.git", "git@github.com:kde/frameworks-kio"}
	if len(*pushes) != 1 || (*pushes)[0] != want {
		t.Errorf("pushes = %+v, want [%+v]", *pushes, want)
	}
}

func TestMissingRepositoryArgument(t *testing.T) {
	mirror, _, _ := newTarget(t)
	if err := mirror.Execute(context.Background(), job.KindCreate, map[string]string{}); err == nil {
		t.Fatal("Execute without a repository succeeded")
	}
}

func TestRepositoryName(t *testing.T) {
	tests := map[string]string{
		"kio":                 "kio",
		"kio.git":             "kio",
		"frameworks/kio":      "frameworks-kio",
		"frameworks/kio.git":  "frameworks-kio",
		"plasma/kwin/x11.git": "plasma-kwin-x11",
	}
	for repository, want := range tests {
		if got := RepositoryName(repository); got != want {
			t.Errorf("RepositoryName(%q) = %q, want %q", repository, got, want)
		}
	}
}

func TestNewRequiresOrganization(t *testing.T) {
	_, err := New(target.Spec{Name: "github", Settings: map[string]any{"token": "x"}}, target.Environment{})
	if err == nil {
		t.Fatal("New accepted settings without an organization")
	}
}
