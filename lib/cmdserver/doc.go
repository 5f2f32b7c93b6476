// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmdserver is the network front end of the propagator: a TCP
// listener that accepts one protocol command line per connection and
// hands the parsed intent to the dispatcher.
//
// The exchange is line oriented:
//
//	client: update frameworks/kio github anongit\n
//	server: OK 4 jobs\n
//
// Commands that fail to parse are answered with "ERROR <message>" and
// logged with the client's address; they never create jobs. [Send] is
// the client half used by mirrorctl.
package cmdserver
