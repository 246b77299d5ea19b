// Package sshserver provides an in-process SSH server for integration testing.
// It supports public key authentication and executes "exec"
// requests with the local shell, so tests can run real remote command batches
// against a temporary directory.
package sshserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ExecHandler replaces the shell for exec requests. It returns the command's
// stdout and exit status.
type ExecHandler func(command string) (string, int)

// Server is an in-process SSH server for testing.
type Server struct {
	t    testing.TB
	opts Options

	config   *ssh.ServerConfig
	hostKey  ssh.Signer
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}

	mu       sync.Mutex
	commands []string
}

// Options configures the test SSH server.
type Options struct {
	Username       string          // Required
	AuthorizedKeys []ssh.PublicKey // Keys accepted for Username
	HostKey        ssh.Signer      // Generated if nil
	Dir            string          // Working directory for executed commands
	Env            []string        // Extra environment for executed commands
	Exec           ExecHandler     // Runs commands with "sh -c" if nil
}

// New creates a test SSH server. Call Start() to begin listening.
func New(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.Username == "" {
		t.Fatal("sshserver: Username is required")
	}

	return &Server{
		t:    t,
		opts: opts,
		done: make(chan struct{}),
	}
}

// Start begins listening on a random port.
func (s *Server) Start() {
	s.t.Helper()

	s.hostKey = s.opts.HostKey
	if s.hostKey == nil {
		s.hostKey = generateED25519Key(s.t)
	}

	s.config = &ssh.ServerConfig{}
	s.config.AddHostKey(s.hostKey)

	if len(s.opts.AuthorizedKeys) > 0 {
		s.config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() != s.opts.Username {
				return nil, fmt.Errorf("unknown user %q", conn.User())
			}
			keyBytes := key.Marshal()
			for _, authorized := range s.opts.AuthorizedKeys {
				if bytes.Equal(keyBytes, authorized.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}

	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Fatalf("sshserver: failed to listen: %v", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and waits for all connections to finish.
func (s *Server) Stop() {
	close(s.done)
	s.listener.Close()
	s.wg.Wait()
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the server address as "127.0.0.1:<port>".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// HostPublicKey returns the server's host key.
func (s *Server) HostPublicKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// WriteKnownHosts writes a known_hosts file trusting this server and returns its path.
func (s *Server) WriteKnownHosts(dir string) string {
	s.t.Helper()

	path := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(s.Addr())}, s.HostPublicKey())
	if err := os.WriteFile(path, []byte(line+"\n"), 0600); err != nil {
		s.t.Fatalf("sshserver: failed to write known_hosts: %v", err)
	}
	return path
}

// Commands returns every command executed so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.t.Logf("sshserver: accept error: %v", err)
				return
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		// Authentication failures are expected in tests
		s.t.Logf("sshserver: handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for {
		select {
		case <-s.done:
			return
		case newChan, ok := <-chans:
			if !ok {
				return
			}
			if newChan.ChannelType() != "session" {
				newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			s.wg.Add(1)
			go s.handleSession(newChan)
		}
	}
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	defer s.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		s.t.Logf("sshserver: failed to accept session: %v", err)
		return
	}
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "env":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

			go ssh.DiscardRequests(reqs)
			status := s.run(payload.Command, ch)
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) run(command string, ch ssh.Channel) int {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	if s.opts.Exec != nil {
		out, status := s.opts.Exec(command)
		ch.Write([]byte(out))
		return status
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	default:
		fmt.Fprintf(ch.Stderr(), "sshserver: %v\n", err)
		return 127
	}
}

func generateED25519Key(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshserver: failed to generate ED25519 key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshserver: failed to create signer: %v", err)
	}

	return signer
}

// GenerateClientKeyPair generates a temporary ED25519 keypair for testing.
// Returns the signer, the public key, and the path to the private key file.
func GenerateClientKeyPair(t testing.TB, dir string) (ssh.Signer, ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshserver: failed to generate client key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshserver: failed to create client signer: %v", err)
	}

	keyPath := filepath.Join(dir, "id_ed25519_test")
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("sshserver: failed to marshal private key: %v", err)
	}

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("sshserver: failed to write private key: %v", err)
	}

	return signer, signer.PublicKey(), keyPath
}
