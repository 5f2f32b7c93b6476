// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package repostore reads the authoritative bare repositories that
// propagator mirrors. It never writes to them.
package repostore
