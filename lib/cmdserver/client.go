// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cmdserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/propagator/lib/protocol"
)

// RejectedError is the server's ERROR reply.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return "server rejected command: " + e.Message
}

// Send formats intent, sends it to the server at address and returns
// the number of jobs queued.
func Send(ctx context.Context, address string, intent protocol.Intent) (int, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return 0, fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := fmt.Fprintf(conn, "%s\n", protocol.Format(intent)); err != nil {
		return 0, fmt.Errorf("sending command: %w", err)
	}
	reply, err := bufio.NewReaderSize(conn, MaxLineLength).ReadString('\n')
	if err != nil && reply == "" {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("reading reply: %w", err)
	}
	return parseReply(strings.TrimRight(reply, "\r\n"))
}

func parseReply(reply string) (int, error) {
	if message, ok := strings.CutPrefix(reply, "ERROR "); ok {
		return 0, &RejectedError{Message: message}
	}
	fields := strings.Fields(reply)
	if len(fields) == 3 && fields[0] == "OK" && fields[2] == "jobs" {
		count, err := strconv.Atoi(fields[1])
		if err == nil {
			return count, nil
		}
	}
	return 0, errors.New("unexpected reply " + strconv.Quote(reply))
}
