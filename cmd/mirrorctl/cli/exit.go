// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError asks main to exit with Code without printing anything
// more. Commands return it when a non-zero status is itself the
// answer, such as "failed" finding failed jobs.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the requested status.
func (e *ExitError) ExitCode() int {
	return e.Code
}
