// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package anongit mirrors repositories to a fleet of anonymous
// read-only git hosts.
//
// Each host runs a restricted shell that accepts "anongitctl"
// subcommands over SSH and prints OK or FAIL as its last line:
//
//	anongitctl create <repo> [description]
//	anongitctl rename <repo> <newrepo>
//	anongitctl delete <repo>
//	anongitctl setdesc <repo> <description>
//
// Content is pushed with the target's push semantics, normally a full
// mirror, to ssh://{user}@{host}:{port}/{prefix}/{repo}, with git's ssh
// using the same key and known hosts file as the control commands. A
// relative prefix is taken from the login directory. A task succeeds only when
// it succeeds on every host; a retry repeats it on all of them, which
// is safe because each subcommand is idempotent from propagator's
// point of view (creating an existing repository and deleting a
// missing one are accepted).
package anongit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/target"
)

// Provider is the provider name used in target descriptors.
const Provider = "anongit"

// Settings is the provider-specific part of an anongit target.
type Settings struct {
	Hosts          []string `json:"hosts"`
	User           string   `json:"user"`
	Port           int      `json:"port"`
	Prefix         string   `json:"prefix"`
	KeyFile        string   `json:"key_file"`
	KnownHostsFile string   `json:"known_hosts_file"`
	Command        string   `json:"command"`
}

// Runner executes a command on a host and returns its combined output.
type Runner interface {
	Run(ctx context.Context, host, command string) (string, error)
}

// Target is an anongit fleet.
type Target struct {
	settings Settings
	runner   Runner
	env      target.Environment
	gitEnv   []string
}

// New is the target.Factory for the anongit provider.
func New(spec target.Spec, env target.Environment) (target.Capability, error) {
	var settings Settings
	if err := spec.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	settings = withDefaults(settings)
	if err := validate(settings); err != nil {
		return nil, err
	}
	runner, err := NewSSHRunner(SSHConfig{
		User:           settings.User,
		Port:           settings.Port,
		KeyFile:        settings.KeyFile,
		KnownHostsFile: settings.KnownHostsFile,
	})
	if err != nil {
		return nil, err
	}
	return NewWithRunner(settings, runner, env), nil
}

// NewWithRunner builds a Target with an explicit Runner.
func NewWithRunner(settings Settings, runner Runner, env target.Environment) *Target {
	settings = withDefaults(settings)
	return &Target{
		settings: settings,
		runner:   runner,
		env:      env,
		gitEnv:   []string{"GIT_SSH_COMMAND=" + sshCommand(settings)},
	}
}

// sshCommand is the ssh invocation git uses to push, matching the
// identity and host key policy of the control connection.
func sshCommand(settings Settings) string {
	words := []string{"ssh", "-o", "BatchMode=yes"}
	if settings.KeyFile != "" {
		words = append(words, "-i", settings.KeyFile, "-o", "IdentitiesOnly=yes")
	}
	if settings.KnownHostsFile != "" {
		words = append(words, "-o", "UserKnownHostsFile="+settings.KnownHostsFile, "-o", "StrictHostKeyChecking=yes")
	} else {
		words = append(words, "-o", "UserKnownHostsFile=/dev/null", "-o", "StrictHostKeyChecking=no")
	}
	return shellJoin(words)
}

func withDefaults(settings Settings) Settings {
	if settings.User == "" {
		settings.User = "git"
	}
	if settings.Port == 0 {
		settings.Port = 22
	}
	if settings.Command == "" {
		settings.Command = "anongitctl"
	}
	settings.Prefix = strings.TrimRight(settings.Prefix, "/")
	return settings
}

func validate(settings Settings) error {
	var errs []error
	if len(settings.Hosts) == 0 {
		errs = append(errs, errors.New("anongit target requires at least one host"))
	}
	if settings.KeyFile == "" {
		errs = append(errs, errors.New("anongit target requires key_file"))
	}
	return errors.Join(errs...)
}

// Supports reports true for every task kind.
func (t *Target) Supports(kind job.Kind) bool {
	switch kind {
	case job.KindCreate, job.KindMove, job.KindSync, job.KindDelete, job.KindSetDescription:
		return true
	}
	return false
}

// Execute runs one task on every host.
func (t *Target) Execute(ctx context.Context, kind job.Kind, arguments map[string]string) error {
	repository := arguments[job.ArgRepository]
	if repository == "" {
		return errors.New("missing repository argument")
	}

	if kind == job.KindSync {
		source, err := t.env.Resolve(repository)
		if err != nil {
			return err
		}
		var errs []error
		for _, host := range t.settings.Hosts {
			if err := t.env.Sync(ctx, source, t.remote(host, repository), t.gitEnv...); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", host, err))
			}
		}
		return errors.Join(errs...)
	}

	words, tolerated, err := t.subcommand(kind, arguments)
	if err != nil {
		return err
	}
	command := shellJoin(append([]string{t.settings.Command}, words...))
	var errs []error
	for _, host := range t.settings.Hosts {
		if err := t.control(ctx, host, command, tolerated); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
		}
	}
	return errors.Join(errs...)
}

// subcommand builds the anongitctl arguments for kind, plus an error
// message that counts as success because the host is already in the
// requested state.
func (t *Target) subcommand(kind job.Kind, arguments map[string]string) ([]string, string, error) {
	repository := arguments[job.ArgRepository]
	switch kind {
	case job.KindCreate:
		words := []string{"create", repository}
		if description := arguments[job.ArgDescription]; description != "" {
			words = append(words, description)
		}
		return words, "already exists", nil
	case job.KindMove:
		destination := arguments[job.ArgDestination]
		if destination == "" {
			return nil, "", errors.New("missing destination argument")
		}
		return []string{"rename", repository, destination}, "", nil
	case job.KindDelete:
		return []string{"delete", repository}, "does not exist", nil
	case job.KindSetDescription:
		description := arguments[job.ArgDescription]
		if description == "" {
			description = job.DefaultDescription
		}
		return []string{"setdesc", repository, description}, "", nil
	}
	return nil, "", fmt.Errorf("anongit target does not implement %s", kind)
}

func (t *Target) control(ctx context.Context, host, command, tolerated string) error {
	output, runErr := t.runner.Run(ctx, host, command)
	status := lastLine(output)
	if status == "OK" {
		return nil
	}
	if tolerated != "" && strings.Contains(output, tolerated) {
		return nil
	}
	if runErr != nil {
		return fmt.Errorf("%s: %w (output: %s)", command, runErr, strings.TrimSpace(output))
	}
	return fmt.Errorf("%s: %s", command, strings.TrimSpace(output))
}

func (t *Target) remote(host, repository string) string {
	path := repository
	if t.settings.Prefix != "" {
		path = t.settings.Prefix + "/" + repository
	}
	if !strings.HasPrefix(path, "/") {
		path = "/~/" + path
	}
	return fmt.Sprintf("ssh://%s@%s%s", t.settings.User, net.JoinHostPort(host, strconv.Itoa(t.settings.Port)), path)
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// shellJoin quotes words for the remote shell.
func shellJoin(words []string) string {
	quoted := make([]string, len(words))
	for i, word := range words {
		if word != "" && strings.Trim(word, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=") == "" {
			quoted[i] = word
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(word, "'", `'"'"'`) + "'"
	}
	return strings.Join(quoted, " ")
}
