// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel and error assertions with
// timeouts for tests.
package testutil
