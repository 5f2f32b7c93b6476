// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with standard
// pragmas, built on zombiezen.com/go/sqlite.
//
// Propagator keeps small amounts of local structured state in SQLite:
// job outcomes and the failed sink for queue backends whose broker
// cannot answer "what happened to job X" (see outcomestore).
//
// Every connection is initialized with:
//
//   - journal_mode=WAL: readers never block the writer
//   - synchronous=NORMAL: transactions survive process crashes
//   - busy_timeout=5000: wait for the write lock instead of failing
//   - foreign_keys=OFF
//   - temp_store=MEMORY
//
// followed by [Config].Schema, which must be idempotent.
//
// Callers [Pool.Take] a connection, use it, and [Pool.Put] it back, or
// use [Pool.With] for a single IMMEDIATE transaction:
//
//	err := pool.With(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "INSERT INTO t VALUES (?)",
//	        &sqlitex.ExecOptions{Args: []any{value}})
//	})
package sqlitepool
