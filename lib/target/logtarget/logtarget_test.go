// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logtarget

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/target"
)

func TestExecuteLogsRequest(t *testing.T) {
	var buffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buffer, &slog.HandlerOptions{Level: slog.LevelDebug}))

	capability, err := New(target.Spec{Name: "dry-run", Settings: map[string]any{"level": "debug"}}, target.Environment{Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, kind := range job.Kinds() {
		if !capability.Supports(kind) {
			t.Errorf("Supports(%v) = false", kind)
		}
	}

	err = capability.Execute(context.Background(), job.KindMove, map[string]string{
		job.ArgRepository:  "old",
		job.ArgDestination: "new",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	output := buffer.String()
	for _, want := range []string{"level=DEBUG", "kind=move", "repository=old", "destination=new"} {
		if !strings.Contains(output, want) {
			t.Errorf("log output %q does not contain %q", output, want)
		}
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(target.Spec{Name: "x", Settings: map[string]any{"level": "loud"}}, target.Environment{}); err == nil {
		t.Fatal("New accepted an invalid log level")
	}
}
