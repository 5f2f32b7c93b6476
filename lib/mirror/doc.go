// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mirror pushes an authoritative bare repository to a mirror
// destination.
//
// Two ref-set semantics exist. Full mirroring is "git push --mirror":
// every ref, including deletions of refs that vanished locally.
// Restricted mirroring is for public forges that should see branches
// and tags only: the engine lists local heads and tags, asks git for
// the local-to-remote mapping with a dry-run mirror push, then
// force-pushes exactly those refs. Notes, review refs and anything else
// outside refs/heads and refs/tags never leave the server.
//
// Results come from "git push --porcelain". A push with any rejected
// ref returns a *PushError listing them; the caller retries the whole
// push, which is idempotent.
package mirror
