// Package shelltest runs an in-process SSH server that executes commands
// with the local shell, for tests of code built on the shell package.
package shelltest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// User is the only account the server accepts.
	User = "tester"
	// Password is the accepted password for User.
	Password = "s3cret"
	// Passphrase protects EncryptedKey.
	Passphrase = "open-sesame"
)

// Server is a running test SSH server.
type Server struct {
	Host string
	Port int

	// PrivateKey is an OpenSSH PEM key the server authorizes for User.
	PrivateKey string
	// EncryptedKey is PrivateKey protected with Passphrase.
	EncryptedKey string
	// HostKey is the server's public host key.
	HostKey gossh.PublicKey

	srv *ssh.Server
}

// NewServer starts a server on a loopback port and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}
	authorized, err := gossh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}
	block, err := gossh.MarshalPrivateKey(clientPriv, "test")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	encBlock, err := gossh.MarshalPrivateKeyWithPassphrase(clientPriv, "test", []byte(Passphrase))
	if err != nil {
		t.Fatalf("marshal encrypted client key: %v", err)
	}

	srv := &ssh.Server{
		Handler: handle,
		PasswordHandler: func(ctx ssh.Context, password string) bool {
			return ctx.User() == User && password == Password
		},
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			return ctx.User() == User && ssh.KeysEqual(key, authorized)
		},
	}
	srv.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)

	return &Server{
		Host:         addr.IP.String(),
		Port:         addr.Port,
		PrivateKey:   string(pem.EncodeToMemory(block)),
		EncryptedKey: string(pem.EncodeToMemory(encBlock)),
		HostKey:      hostSigner.PublicKey(),
		srv:          srv,
	}
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// KnownHostsLine renders a known_hosts entry for the server.
func (s *Server) KnownHostsLine() string {
	return knownhosts.Line([]string{knownhosts.Normalize(s.Addr())}, s.HostKey)
}

// ClosedPort returns a loopback port with nothing listening on it.
func ClosedPort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func handle(s ssh.Session) {
	ctx, cancel := context.WithCancel(s.Context())
	defer cancel()

	sigs := make(chan ssh.Signal, 1)
	s.Signals(sigs)
	go func() {
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()

	cmd := exec.CommandContext(ctx, "sh", "-c", s.RawCommand())
	cmd.Stdout = s
	cmd.Stderr = s.Stderr()
	cmd.WaitDelay = 100 * time.Millisecond

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			code = exitErr.ExitCode()
		} else {
			code = 137
		}
	}
	_ = s.Exit(code)
}
