// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for propagator
// daemons and mirrorctl.
//
// Configuration is loaded from a single file specified by either the
// PROPAGATOR_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override the queue, worker
// and logging sections when [Config].Environment matches.
//
// ${VAR} and ${VAR:-default} patterns are expanded from the process
// environment over the whole file before it is parsed. Durations are Go
// duration strings ("5m", "10s").
//
// The loaded [Config] is validated and then treated as immutable:
// binaries build every component from it once at startup.
//
// This package depends on no other propagator packages.
package config
