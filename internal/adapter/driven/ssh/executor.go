// Package ssh implements the RemoteExecutor port over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/exfm/bob/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.RemoteExecutor = (*Executor)(nil)
	_ driven.RemoteSession  = (*Session)(nil)
)

const defaultPort = "22"

// Config selects how the executor authenticates.
type Config struct {
	User string
	// KeyPath is an unencrypted private key. When empty the agent behind
	// SSH_AUTH_SOCK is used.
	KeyPath string
	// KnownHostsPath verifies host keys. When empty host keys are not checked.
	KnownHostsPath string
	DialTimeout    time.Duration
}

// Executor dials SSH connections to deploy hosts.
type Executor struct {
	clientConfig *gossh.ClientConfig
	dialTimeout  time.Duration
	agentConn    net.Conn
}

// NewExecutor builds an Executor from cfg. It fails when no credentials are
// available.
func NewExecutor(cfg Config) (*Executor, error) {
	e := &Executor{dialTimeout: cfg.DialTimeout}
	if e.dialTimeout <= 0 {
		e.dialTimeout = 15 * time.Second
	}

	var auth gossh.AuthMethod
	switch {
	case cfg.KeyPath != "":
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := gossh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyPath, err)
		}
		auth = gossh.PublicKeys(signer)
	case os.Getenv("SSH_AUTH_SOCK") != "":
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("connecting to ssh agent: %w", err)
		}
		e.agentConn = conn
		auth = gossh.PublicKeysCallback(agent.NewClient(conn).Signers)
	default:
		return nil, errors.New("no ssh credentials: set ssh_key_path or SSH_AUTH_SOCK")
	}

	hostKeyCallback := gossh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via ssh_known_hosts
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		slog.Warn("ssh host keys are not verified; set ssh_known_hosts to enable checking")
	}

	e.clientConfig = &gossh.ClientConfig{
		User:            cfg.User,
		Auth:            []gossh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.dialTimeout,
	}
	return e, nil
}

// Close releases the agent connection, if any.
func (e *Executor) Close() error {
	if e.agentConn != nil {
		return e.agentConn.Close()
	}
	return nil
}

// Open connects to host, which may carry a port.
func (e *Executor) Open(ctx context.Context, host string) (driven.RemoteSession, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, defaultPort)
	}

	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	// The handshake does not take a context; bound it by the deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := gossh.NewClientConn(conn, addr, e.clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	slog.Debug("ssh session opened", "host", addr, "user", e.clientConfig.User)
	return &Session{client: gossh.NewClient(clientConn, chans, reqs), host: addr}, nil
}

// Session is an SSH connection to one host.
type Session struct {
	client *gossh.Client
	host   string
}

// Run executes command in a new shell and returns its combined output. When
// ctx ends first the remote command is killed.
func (s *Session) Run(ctx context.Context, command string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening ssh channel to %s: %w", s.host, err)
	}
	defer func() { _ = sess.Close() }()

	var out lockedBuffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return out.String(), fmt.Errorf("running %q on %s: %w", command, s.host, err)
		}
		return out.String(), nil
	case <-ctx.Done():
		_ = sess.Signal(gossh.SIGKILL)
		_ = sess.Close()
		return out.String(), fmt.Errorf("running %q on %s: %w", command, s.host, ctx.Err())
	}
}

// Close closes the connection.
func (s *Session) Close() error {
	return s.client.Close()
}

// lockedBuffer lets Run read output while the session goroutine may still be
// writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
