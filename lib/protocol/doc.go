// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol parses the propagator command language:
//
//	CREATE  <repo>            [target ...]
//	RENAME  <repo> <newrepo>  [target ...]
//	UPDATE  <repo>            [target ...]
//	DELETE  <repo>            [target ...]
//
// One command per line, shell-quoted. Trailing tokens restrict the
// command to the named targets. Parse produces an Intent or one of
// *InvalidActionError and *InvalidArityError; executing the intent is
// the dispatcher's job.
package protocol
