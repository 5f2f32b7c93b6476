// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cmdserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/propagator/lib/protocol"
)

// Executor turns a parsed intent into queued jobs and returns their
// ids. *dispatch.Dispatcher implements it.
type Executor interface {
	Dispatch(ctx context.Context, intent protocol.Intent) ([]string, error)
}

// MaxLineLength bounds a single command line, terminator included.
const MaxLineLength = 4096

// DefaultReadTimeout is used when Config.ReadTimeout is zero.
const DefaultReadTimeout = 10 * time.Second

// writeTimeout is how long a reply may take to write.
const writeTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	Executor    Executor
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Server accepts one command per TCP connection. Each connection gets
// its own goroutine: the client writes one line, the server replies
// "OK <n> jobs" or "ERROR <message>" and closes the connection.
type Server struct {
	executor    Executor
	readTimeout time.Duration
	logger      *slog.Logger

	// activeConnections tracks in-flight commands so Serve can wait
	// for them on shutdown.
	activeConnections sync.WaitGroup
}

// New returns a Server.
func New(config Config) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		executor:    config.Executor,
		readTimeout: config.ReadTimeout,
		logger:      config.Logger,
	}
}

// ListenAndServe listens on address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled, then
// closes the listener and waits for in-flight commands to finish.
// Serve takes ownership of listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	// Unblock Accept when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("command server listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	s.logger.Info("command server stopped")
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	line, err := readLine(conn)
	if err != nil {
		s.logger.Warn("reading command failed", "remote", remote, "error", err)
		if !errors.Is(err, errEmpty) {
			s.reply(conn, "ERROR "+err.Error())
		}
		return
	}

	intent, err := protocol.Parse(line)
	if err != nil {
		s.logger.Warn("rejected command", "remote", remote, "line", line, "error", err)
		s.reply(conn, "ERROR "+err.Error())
		return
	}

	// A command that was accepted is dispatched even if shutdown
	// starts now; its jobs must either all be queued or reported.
	ids, err := s.executor.Dispatch(context.WithoutCancel(ctx), intent)
	if err != nil {
		s.logger.Error("dispatch failed",
			"remote", remote,
			"action", intent.Action.String(),
			"repository", intent.Source,
			"queued", len(ids),
			"error", err,
		)
		s.reply(conn, "ERROR "+err.Error())
		return
	}
	s.logger.Info("command dispatched",
		"remote", remote,
		"action", intent.Action.String(),
		"repository", intent.Source,
		"jobs", len(ids),
	)
	s.reply(conn, fmt.Sprintf("OK %d jobs", len(ids)))
}

var errEmpty = errors.New("connection closed before a command was sent")

// readLine reads one newline-terminated line of at most MaxLineLength
// bytes. A final line without a terminator is accepted when the client
// half-closes.
func readLine(conn net.Conn) (string, error) {
	reader := bufio.NewReaderSize(conn, MaxLineLength)
	line, err := reader.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return "", fmt.Errorf("command longer than %d bytes", MaxLineLength)
	case errors.Is(err, io.EOF) && len(line) == 0:
		return "", errEmpty
	case errors.Is(err, io.EOF):
	default:
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (s *Server) reply(conn net.Conn, message string) {
	// Replies are one line; embedded newlines would break framing.
	message = strings.ReplaceAll(message, "\n", " ")
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := fmt.Fprintf(conn, "%s\n", message); err != nil {
		s.logger.Debug("failed to write reply", "error", err)
	}
}
