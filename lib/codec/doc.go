// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the wire encoding for queue payloads.
//
// Jobs and failure records are CBOR maps with short string keys taken
// from `cbor` struct tags. Encoding is deterministic, so two encodes of
// the same job are byte-identical, which the Redis backend relies on
// when it removes an acknowledged payload from a processing list by
// value.
package codec
