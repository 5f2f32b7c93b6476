// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package anongit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/target"
)

// sshServer is a minimal SSH server that answers exec requests by
// echoing the command followed by a status line.
type sshServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup

	mu       sync.Mutex
	commands []string
}

func newSSHServer(t *testing.T, clientKey ssh.PublicKey) *sshServer {
	t.Helper()
	_, hostPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPrivate)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) != string(clientKey.Marshal()) {
				return nil, errUnknownKey
			}
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &sshServer{listener: listener, config: config}
	server.wg.Add(1)
	go server.serve()
	t.Cleanup(func() {
		listener.Close()
		server.wg.Wait()
	})
	return server
}

var errUnknownKey = errors.New("unknown client key")

func (s *sshServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *sshServer) handle(conn net.Conn) {
	defer conn.Close()
	_, channels, requests, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(requests)
	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			return
		}
		for request := range channelRequests {
			if request.Type != "exec" {
				request.Reply(false, nil)
				continue
			}
			var payload struct{ Command string }
			if err := ssh.Unmarshal(request.Payload, &payload); err != nil {
				request.Reply(false, nil)
				continue
			}
			request.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			status := uint32(0)
			output := "ran " + payload.Command + "\nOK\n"
			if strings.Contains(payload.Command, "missing") {
				status = 1
				output = "Repository does not exist.\nFAIL\n"
			}
			channel.Write([]byte(output))
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			channel.Close()
		}
	}
}

func newClientSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(private)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	return signer
}

func TestSSHRunnerExecutesCommand(t *testing.T) {
	signer := newClientSigner(t)
	server := newSSHServer(t, signer.PublicKey())

	runner, err := NewSSHRunnerWithSigner(SSHConfig{User: "git"}, signer)
	if err != nil {
		t.Fatalf("NewSSHRunnerWithSigner: %v", err)
	}
	output, err := runner.Run(context.Background(), server.listener.Addr().String(), "anongitctl create kio")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if output != "ran anongitctl create kio\nOK\n" {
		t.Errorf("output = %q", output)
	}
	if lastLine(output) != "OK" {
		t.Errorf("lastLine = %q, want OK", lastLine(output))
	}
}

func TestSSHRunnerReturnsOutputOnExitFailure(t *testing.T) {
	signer := newClientSigner(t)
	server := newSSHServer(t, signer.PublicKey())

	runner, err := NewSSHRunnerWithSigner(SSHConfig{User: "git"}, signer)
	if err != nil {
		t.Fatalf("NewSSHRunnerWithSigner: %v", err)
	}
	output, err := runner.Run(context.Background(), server.listener.Addr().String(), "anongitctl delete missing")
	if err == nil {
		t.Fatal("Run succeeded on non-zero exit status")
	}
	if !strings.Contains(output, "does not exist") {
		t.Errorf("output = %q, want the remote error text", output)
	}
}

func TestSSHRunnerRejectedKey(t *testing.T) {
	server := newSSHServer(t, newClientSigner(t).PublicKey())
	runner, err := NewSSHRunnerWithSigner(SSHConfig{User: "git"}, newClientSigner(t))
	if err != nil {
		t.Fatalf("NewSSHRunnerWithSigner: %v", err)
	}
	if _, err := runner.Run(context.Background(), server.listener.Addr().String(), "anongitctl create kio"); err == nil {
		t.Fatal("Run succeeded with an unauthorized key")
	}
}

func TestTargetOverSSH(t *testing.T) {
	signer := newClientSigner(t)
	server := newSSHServer(t, signer.PublicKey())
	runner, err := NewSSHRunnerWithSigner(SSHConfig{User: "git"}, signer)
	if err != nil {
		t.Fatalf("NewSSHRunnerWithSigner: %v", err)
	}
	anongit := NewWithRunner(Settings{Hosts: []string{server.listener.Addr().String()}}, runner, target.Environment{})

	if err := anongit.Execute(context.Background(), job.KindDelete,
		map[string]string{job.ArgRepository: "missing"}); err != nil {
		t.Errorf("delete of a missing repository: %v", err)
	}
	if err := anongit.Execute(context.Background(), job.KindSetDescription,
		map[string]string{job.ArgRepository: "missing", job.ArgDescription: "d"}); err == nil {
		t.Error("setdesc of a missing repository succeeded")
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.commands) != 2 {
		t.Errorf("server saw %d commands, want 2: %q", len(server.commands), server.commands)
	}
}
