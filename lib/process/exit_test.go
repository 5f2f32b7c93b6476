// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type codedError int

func (e codedError) Error() string { return fmt.Sprintf("exit %d", int(e)) }
func (e codedError) ExitCode() int { return int(e) }

func TestReport(t *testing.T) {
	var out bytes.Buffer
	if got := report(&out, errors.New("queue unavailable")); got != 1 {
		t.Errorf("report(plain) = %d, want 1", got)
	}
	if got, want := out.String(), "error: queue unavailable\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	out.Reset()
	if got := report(&out, fmt.Errorf("listing failed jobs: %w", codedError(3))); got != 3 {
		t.Errorf("report(coded) = %d, want 3", got)
	}
	if out.Len() != 0 {
		t.Errorf("coded error printed %q, want nothing", out.String())
	}
}
