package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"grimm.is/ruleledger/internal/logging"
)

// SSHConfig configures the SSH executor.
type SSHConfig struct {
	User string
	Port int

	// KeyFile is a private key used for public-key authentication.
	KeyFile string
	// Signers are used in addition to KeyFile.
	Signers []ssh.Signer

	// KnownHosts is an OpenSSH known_hosts file. When empty, host keys are
	// not verified.
	KnownHosts string
	// HostKeyCallback overrides KnownHosts.
	HostKeyCallback ssh.HostKeyCallback

	// Become runs privileged commands through "sudo -n".
	Become bool

	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// DefaultSSHConfig returns sensible defaults.
func DefaultSSHConfig() SSHConfig {
	return SSHConfig{
		User:           "root",
		Port:           22,
		DialTimeout:    10 * time.Second,
		CommandTimeout: 2 * time.Minute,
	}
}

// SSHExecutor runs commands over a fresh SSH connection per call.
type SSHExecutor struct {
	cfg    SSHConfig
	client *ssh.ClientConfig
	logger *logging.Logger
}

// NewSSHExecutor loads keys and host-key policy from cfg.
func NewSSHExecutor(cfg SSHConfig, logger *logging.Logger) (*SSHExecutor, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("remote")

	signers := append([]ssh.Signer(nil), cfg.Signers...)
	if cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", cfg.KeyFile, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, errors.New("no ssh keys configured")
	}

	hostKeys := cfg.HostKeyCallback
	if hostKeys == nil && cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKeys = cb
	}
	if hostKeys == nil {
		logger.Warn("host key verification disabled; set known_hosts to enable it")
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	if cfg.Port == 0 {
		cfg.Port = 22
	}

	return &SSHExecutor{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.DialTimeout,
		},
		logger: logger,
	}, nil
}

// Address returns host with the configured port added when host has none.
func (e *SSHExecutor) Address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(e.cfg.Port))
}

// Line returns the command line as it is sent to the host.
func (e *SSHExecutor) Line(cmd Command) string {
	if cmd.Privileged && e.cfg.Become {
		return "sudo -n sh -c " + Quote(cmd.Line)
	}
	return cmd.Line
}

// Run executes cmd on host. The call is bounded by CommandTimeout; when the
// deadline passes the connection is torn down and a *TransportError is
// returned.
func (e *SSHExecutor) Run(ctx context.Context, host string, cmd Command) (Result, error) {
	if e.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CommandTimeout)
		defer cancel()
	}

	addr := e.Address(host)
	client, err := e.dial(ctx, addr)
	if err != nil {
		return Result{}, &TransportError{Host: host, Op: "dial", Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, &TransportError{Host: host, Op: "session", Err: err}
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if cmd.Stdin != "" {
		session.Stdin = bytes.NewBufferString(cmd.Stdin)
	}

	line := e.Line(cmd)
	e.logger.Debug("running command", "host", host, "command", line)

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		client.Close()
		<-done
		return Result{Output: out.String()}, &TransportError{Host: host, Op: "run", Err: ctx.Err()}
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return Result{Output: out.String()}, nil
	case errors.As(err, &exitErr):
		return Result{ExitCode: exitErr.ExitStatus(), Output: out.String()}, nil
	default:
		return Result{Output: out.String()}, &TransportError{Host: host, Op: "run", Err: err}
	}
}

func (e *SSHExecutor) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	d := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// The handshake has no context of its own.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, e.client)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}
