// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command-tree framework behind mirrorctl:
// nested [Command] values with lazily built pflag sets, typo
// suggestions for unknown commands and flags, generated help, and
// [ExitError] for commands whose non-zero exit is an answer rather
// than a failure.
package cli
