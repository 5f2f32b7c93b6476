// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/protocol"
	"github.com/bureau-foundation/propagator/lib/queue/memqueue"
	"github.com/bureau-foundation/propagator/lib/repostore"
	"github.com/bureau-foundation/propagator/lib/target"
	"github.com/bureau-foundation/propagator/lib/target/logtarget"
)

type fakeStore map[string]repostore.Descriptor

func (s fakeStore) Open(name string) (repostore.Descriptor, error) {
	descriptor, ok := s[name]
	if !ok {
		return repostore.Descriptor{}, fmt.Errorf("%s: %w", name, repostore.ErrNotFound)
	}
	return descriptor, nil
}

type failingQueue struct {
	accepted int
	limit    int
}

func (q *failingQueue) Enqueue(context.Context, job.Job) error {
	if q.accepted >= q.limit {
		return errors.New("broker gone")
	}
	q.accepted++
	return nil
}

func newRegistry(t *testing.T, specs ...target.Spec) *target.Registry {
	t.Helper()
	registry := target.NewRegistry(target.Options{
		Providers: map[string]target.Factory{logtarget.Provider: logtarget.New},
	})
	for _, spec := range specs {
		if err := registry.Register(spec); err != nil {
			t.Fatalf("Register %s: %v", spec.Name, err)
		}
	}
	return registry
}

func defaultRegistry(t *testing.T) *target.Registry {
	return newRegistry(t,
		target.Spec{Name: "github", Provider: logtarget.Provider, Push: "restricted", Exclude: []string{"sysadmin/", "websites/.*-private"}},
		target.Spec{Name: "anongit", Provider: logtarget.Provider},
	)
}

var store = fakeStore{
	"kio": {
		Name:        "kio",
		Description: "Network transparent access to files",
		Refs:        []string{"refs/heads/master", "refs/tags/v5.0"},
	},
	"empty": {Name: "empty", Description: "nothing yet"},
	"sysadmin/secrets": {
		Name: "sysadmin/secrets",
		Refs: []string{"refs/heads/master"},
	},
}

type fixture struct {
	dispatcher *Dispatcher
	queue      *memqueue.Queue
}

func newFixture(t *testing.T, registry Registry) *fixture {
	t.Helper()
	q := memqueue.New(clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { q.Close() })
	counter := 0
	dispatcher := New(Config{
		Store:    store,
		Registry: registry,
		Queue:    q,
		NewID: func(target string) string {
			counter++
			return fmt.Sprintf("%s-%d", target, counter)
		},
	})
	return &fixture{dispatcher: dispatcher, queue: q}
}

// drain returns every queued job in order.
func (f *fixture) drain(t *testing.T) []job.Job {
	t.Helper()
	var jobs []job.Job
	for f.queue.Len() > 0 {
		delivery, err := f.queue.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		decoded, err := job.Decode(delivery.Payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		jobs = append(jobs, decoded)
	}
	return jobs
}

func TestJobsPerAction(t *testing.T) {
	tests := []struct {
		command   string
		wantKinds []job.Kind
	}{
		{"CREATE kio", []job.Kind{job.KindCreate, job.KindCreate}},
		{"UPDATE kio", []job.Kind{job.KindCreate, job.KindSync, job.KindCreate, job.KindSync}},
		{"RENAME kio frameworks/kio", []job.Kind{job.KindMove, job.KindMove}},
		{"DELETE kio", []job.Kind{job.KindDelete, job.KindDelete}},
	}
	for _, test := range tests {
		t.Run(test.command, func(t *testing.T) {
			f := newFixture(t, defaultRegistry(t))
			intent, err := protocol.Parse(test.command)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			ids, err := f.dispatcher.Dispatch(context.Background(), intent)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			jobs := f.drain(t)
			if len(ids) != len(test.wantKinds) || len(jobs) != len(test.wantKinds) {
				t.Fatalf("ids = %v, queued %d jobs; want %d", ids, len(jobs), len(test.wantKinds))
			}
			var kinds []job.Kind
			for i, j := range jobs {
				kinds = append(kinds, j.Kind)
				if j.ID != ids[i] {
					t.Errorf("job %d id = %s, returned id %s", i, j.ID, ids[i])
				}
			}
			if !reflect.DeepEqual(kinds, test.wantKinds) {
				t.Errorf("kinds = %v, want %v", kinds, test.wantKinds)
			}
		})
	}
}

func TestUpdateChainsSyncOnCreate(t *testing.T) {
	f := newFixture(t, defaultRegistry(t))
	_, err := f.dispatcher.Dispatch(context.Background(), protocol.Intent{Action: protocol.ActionUpdate, Source: "kio"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	jobs := f.drain(t)
	want := []job.Job{
		{ID: "github-1", Target: "github", Kind: job.KindCreate, Arguments: map[string]string{
			job.ArgRepository: "kio", job.ArgDescription: "Network transparent access to files"}},
		{ID: "github-2", Target: "github", Kind: job.KindSync, DependsOn: "github-1",
			Arguments: map[string]string{job.ArgRepository: "kio"}},
		{ID: "anongit-3", Target: "anongit", Kind: job.KindCreate, Arguments: map[string]string{
			job.ArgRepository: "kio", job.ArgDescription: "Network transparent access to files"}},
		{ID: "anongit-4", Target: "anongit", Kind: job.KindSync, DependsOn: "anongit-3",
			Arguments: map[string]string{job.ArgRepository: "kio"}},
	}
	if !reflect.DeepEqual(jobs, want) {
		t.Errorf("jobs =\n%+v\nwant\n%+v", jobs, want)
	}
}

func TestRenameArguments(t *testing.T) {
	f := newFixture(t, defaultRegistry(t))
	_, err := f.dispatcher.Dispatch(context.Background(), protocol.Intent{
		Action: protocol.ActionRename, Source: "kio", Dest: "frameworks/kio", Scope: []string{"anongit"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	jobs := f.drain(t)
	if len(jobs) != 1 {
		t.Fatalf("queued %d jobs, want 1", len(jobs))
	}
	want := map[string]string{job.ArgRepository: "kio", job.ArgDestination: "frameworks/kio"}
	if jobs[0].Target != "anongit" || !reflect.DeepEqual(jobs[0].Arguments, want) {
		t.Errorf("job = %+v", jobs[0])
	}
}

func TestScopeFiltersTargets(t *testing.T) {
	f := newFixture(t, defaultRegistry(t))
	ids, err := f.dispatcher.Dispatch(context.Background(), protocol.Intent{
		Action: protocol.ActionDelete, Source: "kio", Scope: []string{"github", "no-such-target"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"github-1"}) {
		t.Errorf("ids = %v, want [github-1]", ids)
	}
}

func TestExclusionsSkipTarget(t *testing.T) {
	f := newFixture(t, defaultRegistry(t))
	ids, err := f.dispatcher.Dispatch(context.Background(), protocol.Intent{
		Action: protocol.ActionUpdate, Source: "sysadmin/secrets",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for _, j := range f.drain(t) {
		if j.Target == "github" {
			t.Errorf("excluded repository dispatched to github: %+v", j)
		}
	}
	if len(ids) != 2 {
		t.Errorf("ids = %v, want the two anongit jobs", ids)
	}
}

func TestUpdateOfEmptyRepositoryEmitsNothing(t *testing.T) {
	f := newFixture(t, defaultRegistry(t))
	ids, err := f.dispatcher.Dispatch(context.Background(), protocol.Intent{Action: protocol.ActionUpdate, Source: "empty"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(ids) != 0 || f.queue.Len() != 0 {
		t.Errorf("ids = %v, queue length %d; want nothing", ids, f.queue.Len())
	}
}

func TestMissingRepository(t *testing.T) {
	f := newFixture(t, defaultRegistry(t))
	for _, action := range []protocol.Action{protocol.ActionCreate, protocol.ActionUpdate} {
		_, err := f.dispatcher.Dispatch(context.Background(), protocol.Intent{Action: action, Source: "missing"})
		if !errors.Is(err, repostore.ErrNotFound) {
			t.Errorf("%s of missing repository = %v, want ErrNotFound", action, err)
		}
	}
	// Delete and rename do not need the repository to still exist.
	ids, err := f.dispatcher.Dispatch(context.Background(), protocol.Intent{Action: protocol.ActionDelete, Source: "missing"})
	if err != nil || len(ids) != 2 {
		t.Errorf("delete of missing repository = %v, %v; want two jobs", ids, err)
	}
}

func TestDescribe(t *testing.T) {
	f := newFixture(t, defaultRegistry(t))
	ids, err := f.dispatcher.Describe(context.Background(), "kio", []string{"github"})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	jobs := f.drain(t)
	if len(ids) != 1 || len(jobs) != 1 {
		t.Fatalf("ids = %v, jobs = %v", ids, jobs)
	}
	if jobs[0].Kind != job.KindSetDescription || jobs[0].Arguments[job.ArgDescription] != "Network transparent access to files" {
		t.Errorf("job = %+v", jobs[0])
	}
}

func TestPartialEnqueueFailure(t *testing.T) {
	q := &failingQueue{limit: 3}
	dispatcher := New(Config{Store: store, Registry: defaultRegistry(t), Queue: q})
	ids, err := dispatcher.Dispatch(context.Background(), protocol.Intent{Action: protocol.ActionUpdate, Source: "kio"})
	if err == nil {
		t.Fatal("Dispatch succeeded although the queue failed")
	}
	if len(ids) != 3 {
		t.Errorf("returned %d ids, want the 3 that were enqueued", len(ids))
	}
}

func TestDefaultIDs(t *testing.T) {
	f := newFixture(t, defaultRegistry(t))
	dispatcher := New(Config{Store: store, Registry: defaultRegistry(t), Queue: f.queue})
	ids, err := dispatcher.Dispatch(context.Background(), protocol.Intent{Action: protocol.ActionDelete, Source: "kio"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("ids = %v, want two distinct ids", ids)
	}
	const prefix = "github-"
	if len(ids[0]) != len(prefix)+36 || ids[0][:len(prefix)] != prefix {
		t.Errorf("id %q is not github-<uuid>", ids[0])
	}
}
