// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/propagator/cmd/mirrorctl/cli"
	"github.com/bureau-foundation/propagator/lib/bootstrap"
	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/cmdserver"
	"github.com/bureau-foundation/propagator/lib/config"
	"github.com/bureau-foundation/propagator/lib/dispatch"
	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/notify"
	"github.com/bureau-foundation/propagator/lib/protocol"
	"github.com/bureau-foundation/propagator/lib/queue"
	"github.com/bureau-foundation/propagator/lib/repostore"
	"github.com/bureau-foundation/propagator/lib/version"
)

// commandTimeout bounds commands that talk to the server or queue.
const commandTimeout = 30 * time.Second

// configFlag binds --config. An empty path falls back to
// PROPAGATOR_CONFIG.
func configFlag(flagSet *pflag.FlagSet, path *string) {
	flagSet.StringVar(path, "config", "", "propagator config file (default $PROPAGATOR_CONFIG)")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// repositoryCommand builds one of the protocol commands. They send a
// single line to propagator-server and print how many jobs it queued.
func repositoryCommand(name, arguments string, positional int, summary string) *cli.Command {
	var (
		configPath string
		server     string
		scope      []string
	)
	action, _ := protocol.ParseAction(name)
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   fmt.Sprintf("mirrorctl %s %s [--target name]... [flags]", name, arguments),
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.StringVar(&server, "server", "", "propagator-server address (default: server.listen from the config)")
			flagSet.StringSliceVarP(&scope, "target", "t", nil, "restrict to these targets (repeatable)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != positional {
				return usageError(name, "%s takes %s", name, arguments)
			}
			address, err := serverAddress(server, configPath)
			if err != nil {
				return err
			}
			intent := protocol.Intent{Action: action, Source: args[0], Scope: scope}
			if action == protocol.ActionRename {
				intent.Dest = args[1]
			}

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			count, err := cmdserver.Send(ctx, address, intent)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %d jobs queued\n", name, intent.Source, count)
			return nil
		},
	}
}

// serverAddress prefers --server, then the config file, then the
// built-in default.
func serverAddress(flagValue, configPath string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if configPath == "" && os.Getenv("PROPAGATOR_CONFIG") == "" {
		return config.Default().Server.Listen, nil
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Server.Listen, nil
}

// optionalString is a string flag that records whether it was given,
// so an explicit empty value differs from no flag at all.
type optionalString struct {
	value string
	set   bool
}

func (o *optionalString) String() string { return o.value }

func (o *optionalString) Set(value string) error {
	o.value, o.set = value, true
	return nil
}

func (o *optionalString) Type() string { return "string" }

func describeCommand() *cli.Command {
	var (
		configPath  string
		scope       []string
		description optionalString
	)
	return &cli.Command{
		Name:    "describe",
		Summary: "Set or copy a repository's description to the mirrors",
		Description: "Queue a SetDescription job per target carrying the description\n" +
			"read from the authoritative repository. With --description, the\n" +
			"authoritative repository's description is replaced first (an empty\n" +
			"value restores the default). The jobs go straight onto the\n" +
			"configured queue; propagator-server is not involved.",
		Usage: "mirrorctl describe <repository> [--description text] [--target name]... [flags]",
		Examples: []cli.Example{
			{Description: "Change the description everywhere", Command: "mirrorctl describe frameworks/kio -d 'Network transparency'"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("describe", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.StringSliceVarP(&scope, "target", "t", nil, "restrict to these targets (repeatable)")
			flagSet.VarP(&description, "description", "d", "write this description to the authoritative repository first")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return usageError("describe", "describe takes exactly one repository")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Queue.Backend == config.BackendMemory {
				return fmt.Errorf("describe needs a shared queue; the memory backend lives inside propagator-server")
			}
			logger := cli.NewCommandLogger(slog.LevelWarn)
			registry, err := bootstrap.NewRegistry(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			q, err := bootstrap.OpenQueue(ctx, cfg, clock.Real(), logger)
			if err != nil {
				return err
			}
			defer q.Close()

			store := repostore.New(cfg.RepoRoot)
			if description.set {
				if err := store.SetDescription(args[0], description.value); err != nil {
					return err
				}
			}
			dispatcher := dispatch.New(dispatch.Config{
				Store:    store,
				Registry: registry,
				Queue:    q,
				Logger:   logger,
			})
			ids, err := dispatcher.Describe(ctx, args[0], scope)
			if err != nil {
				return err
			}
			fmt.Printf("describe %s: %d jobs queued\n", args[0], len(ids))
			return nil
		},
	}
}

// openQueue loads the config and connects to its queue, refusing the
// memory backend, which has nothing to inspect from outside the server.
func openQueue(ctx context.Context, configPath string) (queue.Queue, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Queue.Backend == config.BackendMemory {
		return nil, fmt.Errorf("the memory queue cannot be inspected from mirrorctl")
	}
	return bootstrap.OpenQueue(ctx, cfg, clock.Real(), cli.NewCommandLogger(slog.LevelWarn))
}

func statusCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "status",
		Summary: "Show the outcome of jobs by id",
		Usage:   "mirrorctl status <job-id>... [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return usageError("status", "status needs at least one job id")
			}
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			q, err := openQueue(ctx, configPath)
			if err != nil {
				return err
			}
			defer q.Close()

			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			for _, id := range args {
				outcome, err := q.Outcome(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\n", id, outcome.State, outcome.Detail)
			}
			return writer.Flush()
		},
	}
}

func failedCommand() *cli.Command {
	var (
		configPath string
		asJSON     bool
	)
	return &cli.Command{
		Name:    "failed",
		Summary: "List jobs that exhausted their retries",
		Description: "Print the failed sink: target, task, repository and last error of\n" +
			"every abandoned job. Exits 1 when the sink is not empty, so the\n" +
			"command can back a monitoring check.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("failed", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.BoolVar(&asJSON, "json", false, "print one JSON object per line (default when stdout is not a terminal)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return usageError("failed", "failed takes no arguments")
			}
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			q, err := openQueue(ctx, configPath)
			if err != nil {
				return err
			}
			defer q.Close()

			lister, ok := q.(queue.FailedLister)
			if !ok {
				return fmt.Errorf("this queue backend cannot list failed jobs")
			}
			records, err := lister.Failed(ctx)
			if err != nil {
				return err
			}
			if err := printFailures(os.Stdout, records, asJSON || !cli.StdoutIsTerminal()); err != nil {
				return err
			}
			if len(records) > 0 {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func printFailures(w io.Writer, records []job.FailureRecord, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		for _, record := range records {
			if err := encoder.Encode(failureJSON(record)); err != nil {
				return err
			}
		}
		return nil
	}
	writer := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "FAILED AT\tJOB\tTARGET\tTASK\tREPOSITORY\tATTEMPTS\tERROR")
	for _, record := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			record.FailedAt.Format(time.RFC3339),
			record.Job.ID,
			record.Job.Target,
			record.Job.Kind,
			record.Repository,
			record.Job.Attempt,
			firstLine(record.Error),
		)
	}
	return writer.Flush()
}

type failureOutput struct {
	JobID      string            `json:"job_id"`
	Target     string            `json:"target"`
	Kind       string            `json:"kind"`
	Repository string            `json:"repository"`
	Arguments  map[string]string `json:"arguments"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error"`
	FailedAt   time.Time         `json:"failed_at"`
}

func failureJSON(record job.FailureRecord) failureOutput {
	return failureOutput{
		JobID:      record.Job.ID,
		Target:     record.Job.Target,
		Kind:       record.Job.Kind.String(),
		Repository: record.Repository,
		Arguments:  record.Job.Arguments,
		Attempts:   record.Job.Attempt,
		Error:      record.Error,
		FailedAt:   record.FailedAt,
	}
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return line
}

func targetsCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "targets",
		Summary: "List the configured mirror targets",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("targets", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Run: func(args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			registry, err := bootstrap.NewRegistry(cfg, cli.NewCommandLogger(slog.LevelWarn))
			if err != nil {
				return err
			}
			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "NAME\tPROVIDER\tPUSH\tTASKS")
			for _, name := range registry.Targets() {
				registered, err := registry.Lookup(name)
				if err != nil {
					return err
				}
				kinds, err := registry.Kinds(name)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(kinds))
				for _, kind := range kinds {
					names = append(names, kind.String())
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", name, registered.Provider, registered.Semantics, strings.Join(names, ","))
			}
			return writer.Flush()
		},
	}
}

func watchCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "watch",
		Summary: "Follow job outcomes as workers report them",
		Description: "Subscribe to the deployment's outcome events on NATS and print\n" +
			"one line per finished job until interrupted. Requires notify.nats_url.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Run: func(args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			publisher, err := bootstrap.OpenNotifier(cfg, cli.NewCommandLogger(slog.LevelWarn))
			if err != nil {
				return err
			}
			if publisher == nil {
				return fmt.Errorf("notify.nats_url is not configured")
			}
			defer publisher.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return publisher.Watch(ctx, func(event notify.Event) {
				line := fmt.Sprintf("%s %-9s %s %s %s", event.Time.Format(time.RFC3339), event.State, event.Target, event.Kind, event.Repository)
				if event.Error != "" {
					line += ": " + firstLine(event.Error)
				}
				fmt.Println(line)
			})
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			fmt.Printf("mirrorctl %s\n", version.Full())
			return nil
		},
	}
}
