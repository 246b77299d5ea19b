// Package remote configures the remote peer over SSH so its notifier can reach
// the webhook endpoint.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"go.olrik.dev/ttsrelay/internal/core"
)

// Runner executes a shell command on the remote peer and returns its stdout
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// CommandError is returned when the remote command ran but exited non-zero
type CommandError struct {
	Status int
	Stderr string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command exited with status %d: %s", e.Status, e.Stderr)
	}
	return fmt.Sprintf("remote command exited with status %d", e.Status)
}

// Client runs commands over a fresh SSH connection per call. Connection and
// authentication failures wrap core.ErrRemoteUnreachable.
type Client struct {
	cfg core.RemoteConfig
}

func NewClient(cfg core.RemoteConfig) *Client {
	return &Client{cfg: cfg}
}

// Target renders user@host:port for messages
func (c *Client) Target() string {
	return fmt.Sprintf("%s@%s", c.user(), net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)))
}

func (c *Client) Run(ctx context.Context, command string) (string, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: failed to open session: %v", core.ErrRemoteUnreachable, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		client.Close()
		<-done
		return "", fmt.Errorf("remote command timed out: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			return stdout.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommandError{Status: exitErr.ExitStatus(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return stdout.String(), fmt.Errorf("remote command failed: %w", err)
	}
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	if c.cfg.Host == "" {
		return nil, fmt.Errorf("%w: no remote host configured", core.ErrRemoteUnreachable)
	}

	auth, closeAgent, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	defer closeAgent()

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRemoteUnreachable, err)
	}

	// The handshake has no timeout of its own
	conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            c.user(),
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", core.ErrRemoteUnreachable, err)
	}
	conn.SetDeadline(time.Time{})

	slog.Debug("SSH connection established", "target", c.Target())
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (c *Client) user() string {
	if c.cfg.User != "" {
		return c.cfg.User
	}
	return os.Getenv("USER")
}

// authMethods collects signers from the running agent and from identity files.
// The returned func closes the agent connection once the handshake is done.
func (c *Client) authMethods() ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closer := func() {}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			slog.Debug("SSH agent not reachable", "socket", sock, "error", err)
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closer = func() { conn.Close() }
		}
	}

	var signers []ssh.Signer
	for _, path := range c.identityFiles() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			slog.Debug("Skipping unusable identity file", "path", path, "error", err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		closer()
		return nil, nil, fmt.Errorf("%w: no SSH agent or usable identity file", core.ErrRemoteUnreachable)
	}
	return methods, closer, nil
}

func (c *Client) identityFiles() []string {
	if len(c.cfg.IdentityFiles) > 0 {
		return c.cfg.IdentityFiles
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

func (c *Client) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(c.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load known hosts %s: %v", core.ErrRemoteUnreachable, c.cfg.KnownHostsFile, err)
	}
	return callback, nil
}
