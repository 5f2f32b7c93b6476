// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Fatal exits for an error returned by a binary's run function. It may
// be called before the structured logger exists, so it writes plain
// text to stderr.
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

// report writes err and returns the exit status. An error carrying an
// ExitCode method is the answer itself (mirrorctl failed finding
// failed jobs) and is not printed.
func report(w io.Writer, err error) int {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}
