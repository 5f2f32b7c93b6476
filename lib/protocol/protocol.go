// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/shlex"
)

// Action is the lifecycle operation a command requests.
type Action uint8

const (
	ActionCreate Action = iota + 1
	ActionRename
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionRename:
		return "rename"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ParseAction maps a command keyword to an Action. Matching is
// case-insensitive.
func ParseAction(word string) (Action, bool) {
	switch strings.ToLower(word) {
	case "create":
		return ActionCreate, true
	case "rename":
		return ActionRename, true
	case "update":
		return ActionUpdate, true
	case "delete":
		return ActionDelete, true
	}
	return 0, false
}

// positional returns how many repository names follow the keyword.
func (a Action) positional() int {
	if a == ActionRename {
		return 2
	}
	return 1
}

// Intent is a parsed command. Dest is set only for ActionRename. An
// empty Scope means every registered target.
type Intent struct {
	Action Action
	Source string
	Dest   string
	Scope  []string
}

// InScope reports whether dispatch should reach the named target.
func (i Intent) InScope(target string) bool {
	return len(i.Scope) == 0 || slices.Contains(i.Scope, target)
}

// InvalidActionError is returned when the leading token is not a known
// action keyword.
type InvalidActionError struct {
	Action string
}

func (e *InvalidActionError) Error() string {
	if e.Action == "" {
		return "invalid command: empty command"
	}
	return fmt.Sprintf("invalid command: %s", e.Action)
}

// InvalidArityError is returned when an action is missing required
// repository names.
type InvalidArityError struct {
	Action  Action
	Command string
}

func (e *InvalidArityError) Error() string {
	if e.Action == ActionRename {
		return fmt.Sprintf("rename command does not contain source and destination repositories: %s", e.Command)
	}
	return fmt.Sprintf("%s command does not contain a source repository: %s", e.Action, e.Command)
}

// InvalidSyntaxError is returned when a command line cannot be split
// into tokens, such as an unterminated quote.
type InvalidSyntaxError struct {
	Command string
	Err     error
}

func (e *InvalidSyntaxError) Error() string {
	return fmt.Sprintf("tokenizing command %q: %v", e.Command, e.Err)
}

func (e *InvalidSyntaxError) Unwrap() error { return e.Err }

// Parse turns one command line into an Intent. Tokens follow POSIX
// shell quoting. Tokens after the repository names restrict the
// targets. Parse performs no I/O.
func Parse(command string) (Intent, error) {
	tokens, err := shlex.Split(command)
	if err != nil {
		return Intent{}, &InvalidSyntaxError{Command: command, Err: err}
	}
	if len(tokens) == 0 {
		return Intent{}, &InvalidActionError{}
	}

	action, ok := ParseAction(tokens[0])
	if !ok {
		return Intent{}, &InvalidActionError{Action: tokens[0]}
	}

	arguments := tokens[1:]
	need := action.positional()
	if len(arguments) < need {
		return Intent{}, &InvalidArityError{Action: action, Command: command}
	}
	for _, name := range arguments[:need] {
		if name == "" {
			return Intent{}, &InvalidArityError{Action: action, Command: command}
		}
	}

	intent := Intent{Action: action, Source: arguments[0]}
	if action == ActionRename {
		intent.Dest = arguments[1]
	}
	if scope := arguments[need:]; len(scope) > 0 {
		intent.Scope = slices.Clone(scope)
	}
	return intent, nil
}

// Format renders an Intent as a command line that Parse reads back to
// an equal Intent.
func Format(intent Intent) string {
	words := []string{strings.ToUpper(intent.Action.String()), quote(intent.Source)}
	if intent.Action == ActionRename {
		words = append(words, quote(intent.Dest))
	}
	for _, target := range intent.Scope {
		words = append(words, quote(target))
	}
	return strings.Join(words, " ")
}

func quote(word string) string {
	if word != "" && strings.IndexFunc(word, needsQuoting) < 0 {
		return word
	}
	return "'" + strings.ReplaceAll(word, "'", `'"'"'`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:@+=,", r)
}
