// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package github is a GitHub REST API client limited to what a mirror
// needs: reading, creating, renaming, describing and deleting
// organization repositories.
//
// The client authenticates with a token, pins the REST API version,
// tracks the X-RateLimit headers so requests wait out an exhausted
// budget, and retries a rate-limited request once after the advertised
// backoff. Error responses become *APIError; IsNotFound,
// IsAlreadyExists and IsRateLimited classify them.
package github
