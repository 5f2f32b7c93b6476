// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package target is the registry of mirror targets.
//
// A target is a named instance of a provider (github, anongit, log)
// with its own settings, push semantics and repository exclusions.
// Providers are compiled in and handed to the Registry as Factory
// functions; what varies per deployment is which targets exist. Those
// come from two places, in order:
//
//   - Search paths. Every immediate subdirectory containing a
//     target.json descriptor (JSON with comments) defines one target.
//     Directories without a descriptor are not target directories and
//     are skipped.
//   - Inline Spec entries from the configuration file.
//
// Each factory receives a SyncFunc already bound to its target's push
// semantics, so providers never decide between full and restricted
// mirroring themselves.
//
// When two targets share a name the first one registered wins and the
// rest are logged and ignored, unless the registry is configured to
// reject duplicates.
package target
