// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mirrorctl is the operator's interface to a propagator deployment.
// Repository commands (create, rename, update, delete) are sent to
// propagator-server over the command protocol, exactly as the git
// hooks send them. The remaining commands read the deployment's
// configuration and talk to the queue or NATS directly.
package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/propagator/cmd/mirrorctl/cli"
	"github.com/bureau-foundation/propagator/lib/process"
)

func main() {
	if err := rootCommand().Execute(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:        "mirrorctl",
		Description: "Propagate repository changes from the authoritative git host to its mirrors.",
		Subcommands: []*cli.Command{
			repositoryCommand("create", "<repository>", 1, "Create a repository on the mirrors"),
			repositoryCommand("rename", "<repository> <new-name>", 2, "Rename a repository on the mirrors"),
			repositoryCommand("update", "<repository>", 1, "Create if needed and push a repository's refs to the mirrors"),
			repositoryCommand("delete", "<repository>", 1, "Delete a repository from the mirrors"),
			describeCommand(),
			statusCommand(),
			failedCommand(),
			targetsCommand(),
			watchCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "Mirror new commits of kio everywhere", Command: "mirrorctl update frameworks/kio"},
			{Description: "Only fix up the GitHub copy", Command: "mirrorctl update frameworks/kio --target github"},
			{Description: "List jobs that exhausted their retries", Command: "mirrorctl failed --config /etc/propagator.yaml"},
		},
	}
}

func usageError(command string, format string, args ...any) error {
	return fmt.Errorf("%s\n\nRun 'mirrorctl %s --help' for usage.", fmt.Sprintf(format, args...), command)
}
