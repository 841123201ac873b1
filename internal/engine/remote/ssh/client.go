// Package ssh runs commands on remote hosts over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner executes a shell command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// Config describes how to reach a host.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPath string
	KnownHostsPath string
	Timeout        time.Duration
}

// ExitError is returned when the remote command ran and exited non-zero.
type ExitError struct {
	Command string
	Status  int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Command, e.Status, strings.TrimSpace(e.Stderr))
}

// Client is a single SSH connection. Commands run one at a time.
type Client struct {
	conn   *ssh.Client
	mutex  sync.Mutex
	logger *logger.Logger
}

// Dial connects and authenticates. Authentication failures are reported as
// auth_failed, everything else as device_unreachable.
func Dial(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	clientCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	d := net.Dialer{Timeout: cfg.Timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperrors.NewDeviceError(apperrors.ErrCodeDeviceUnreachable, "failed to connect to host", true, err).
			WithMetadata("host", cfg.Host)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(raw, addr, clientCfg)
	if err != nil {
		raw.Close()
		if isAuthError(err) {
			return nil, apperrors.NewDeviceError(apperrors.ErrCodeAuthFailed, "ssh authentication failed", false, err).
				WithMetadata("host", cfg.Host)
		}
		return nil, apperrors.NewDeviceError(apperrors.ErrCodeDeviceUnreachable, "ssh handshake failed", true, err).
			WithMetadata("host", cfg.Host)
	}
	_ = raw.SetDeadline(time.Time{})

	return &Client{
		conn:   ssh.NewClient(c, chans, reqs),
		logger: log.WithComponent("ssh.client").With(slog.String("host", cfg.Host)),
	}, nil
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "failed to read private key", false, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "failed to parse private key", false, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "no ssh credentials configured", false, nil).
			WithMetadata("host", cfg.Host)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "failed to load known_hosts", false, err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Run executes command in a new session. The session is killed when ctx ends.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		return "", apperrors.NewDeviceError(apperrors.ErrCodeDeviceUnreachable, "ssh connection closed", true, nil)
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return "", apperrors.NewDeviceError(apperrors.ErrCodeDeviceUnreachable, "failed to open ssh session", true, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		case <-done:
		}
	}()

	err = session.Run(command)
	close(done)

	if ctx.Err() != nil {
		return "", apperrors.NewDeviceError(apperrors.ErrCodeDeviceUnreachable, "ssh command interrupted", true, ctx.Err())
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &ExitError{Command: command, Status: exitErr.ExitStatus(), Stderr: stderr.String()}
		}
		return "", apperrors.NewDeviceError(apperrors.ErrCodeDeviceUnreachable, "ssh command failed", true, err)
	}

	c.logger.DebugContext(ctx, "command executed", slog.String("command", command))
	return stdout.String(), nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
