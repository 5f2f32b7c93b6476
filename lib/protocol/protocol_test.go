// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		command string
		want    Intent
	}{
		{"CREATE my-repo", Intent{Action: ActionCreate, Source: "my-repo"}},
		{"create my-repo", Intent{Action: ActionCreate, Source: "my-repo"}},
		{"UPDATE kde/kio.git github", Intent{Action: ActionUpdate, Source: "kde/kio.git", Scope: []string{"github"}}},
		{"DELETE old anongit github", Intent{Action: ActionDelete, Source: "old", Scope: []string{"anongit", "github"}}},
		{"RENAME old new", Intent{Action: ActionRename, Source: "old", Dest: "new"}},
		{"RENAME old new anongit", Intent{Action: ActionRename, Source: "old", Dest: "new", Scope: []string{"anongit"}}},
		{`CREATE "my repo"`, Intent{Action: ActionCreate, Source: "my repo"}},
		{`RENAME 'a b' "c d"`, Intent{Action: ActionRename, Source: "a b", Dest: "c d"}},
		{"  UPDATE   spaced  ", Intent{Action: ActionUpdate, Source: "spaced"}},
	}
	for _, test := range tests {
		t.Run(test.command, func(t *testing.T) {
			got, err := Parse(test.command)
			if err != nil {
				t.Fatalf("Parse(%q): %v", test.command, err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("Parse(%q) = %+v, want %+v", test.command, got, test.want)
			}
		})
	}
}

func TestParseInvalidAction(t *testing.T) {
	for _, command := range []string{"FOO bar", "FLUSH", "", "   "} {
		_, err := Parse(command)
		var invalid *InvalidActionError
		if !errors.As(err, &invalid) {
			t.Errorf("Parse(%q) error = %v, want *InvalidActionError", command, err)
		}
	}

	_, err := Parse("FOO bar")
	var invalid *InvalidActionError
	errors.As(err, &invalid)
	if invalid == nil || invalid.Action != "FOO" {
		t.Errorf("InvalidActionError.Action = %+v, want FOO", invalid)
	}
}

func TestParseInvalidArity(t *testing.T) {
	for _, command := range []string{"CREATE", "UPDATE", "DELETE", "RENAME", "RENAME only-source", `CREATE ""`} {
		_, err := Parse(command)
		var arity *InvalidArityError
		if !errors.As(err, &arity) {
			t.Errorf("Parse(%q) error = %v, want *InvalidArityError", command, err)
		}
	}
}

func TestParseUnterminatedQuote(t *testing.T) {
	command := `CREATE "unterminated`
	_, err := Parse(command)
	var syntax *InvalidSyntaxError
	if !errors.As(err, &syntax) {
		t.Fatalf("Parse(%q) error = %v, want *InvalidSyntaxError", command, err)
	}
	if syntax.Command != command {
		t.Errorf("InvalidSyntaxError.Command = %q, want %q", syntax.Command, command)
	}
	if syntax.Err == nil {
		t.Error("InvalidSyntaxError does not carry the tokenizer error")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	intents := []Intent{
		{Action: ActionCreate, Source: "plain"},
		{Action: ActionUpdate, Source: "with space", Scope: []string{"github"}},
		{Action: ActionRename, Source: "it's", Dest: "a \"quoted\" name"},
		{Action: ActionDelete, Source: "hash#name", Scope: []string{"anon git", "github"}},
	}
	for _, intent := range intents {
		line := Format(intent)
		parsed, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(Format(%+v)) = %q: %v", intent, line, err)
		}
		if !reflect.DeepEqual(parsed, intent) {
			t.Errorf("Parse(%q) = %+v, want %+v", line, parsed, intent)
		}
	}
}

func TestInScope(t *testing.T) {
	all := Intent{Action: ActionCreate, Source: "x"}
	if !all.InScope("github") {
		t.Error("empty scope excluded a target")
	}
	restricted := Intent{Action: ActionCreate, Source: "x", Scope: []string{"anongit"}}
	if restricted.InScope("github") {
		t.Error("scope [anongit] included github")
	}
	if !restricted.InScope("anongit") {
		t.Error("scope [anongit] excluded anongit")
	}
}
