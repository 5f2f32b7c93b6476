// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package anongit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures an SSHRunner.
type SSHConfig struct {
	User string
	Port int

	// KeyFile is an unencrypted private key in OpenSSH or PEM format.
	KeyFile string

	// KnownHostsFile verifies host keys. Empty disables verification,
	// which is only acceptable on an isolated management network.
	KnownHostsFile string
}

// SSHRunner runs commands on remote hosts with one SSH connection per
// command.
type SSHRunner struct {
	config *ssh.ClientConfig
	port   int
}

// NewSSHRunner loads the key and known hosts and returns a Runner.
func NewSSHRunner(config SSHConfig) (*SSHRunner, error) {
	if config.KeyFile == "" {
		return nil, errors.New("ssh: no key file configured")
	}
	keyData, err := os.ReadFile(config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("ssh: reading key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("ssh: parsing key %s: %w", config.KeyFile, err)
	}
	return NewSSHRunnerWithSigner(config, signer)
}

// NewSSHRunnerWithSigner is NewSSHRunner with the key already loaded.
func NewSSHRunnerWithSigner(config SSHConfig, signer ssh.Signer) (*SSHRunner, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		callback, err := knownhosts.New(config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("ssh: loading known hosts: %w", err)
		}
		hostKeyCallback = callback
	}
	port := config.Port
	if port == 0 {
		port = 22
	}
	return &SSHRunner{
		config: &ssh.ClientConfig{
			User:            config.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
		},
		port: port,
	}, nil
}

// Run executes command on host and returns its combined output. A
// non-zero exit status is returned as an error alongside the output.
func (r *SSHRunner) Run(ctx context.Context, host, command string) (string, error) {
	address := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		address = net.JoinHostPort(host, strconv.Itoa(r.port))
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", fmt.Errorf("ssh: dialing %s: %w", address, err)
	}
	// Unblock the handshake and the command if ctx ends first.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	clientConn, channels, requests, err := ssh.NewClientConn(conn, address, r.config)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh: handshake with %s: %w", address, err)
	}
	client := ssh.NewClient(clientConn, channels, requests)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh: opening session on %s: %w", address, err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(command)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return string(output), ctxErr
		}
		return string(output), fmt.Errorf("ssh: %s on %s: %w", command, address, err)
	}
	return string(output), nil
}
