// Package shell wraps one authenticated SSH connection to a bastion host and
// runs commands over it with a per-command timeout.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/metrics"
)

const (
	// DefaultPort is used when Target.Port is zero.
	DefaultPort = 22
	// DefaultTimeout bounds a command when the caller passes none.
	DefaultTimeout = 60 * time.Second

	defaultDialTimeout = 10 * time.Second
)

// Result is the outcome of one remote command. A non-zero exit code is not an error.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Executor runs one command line and reports its output.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (*Result, error)
}

// Target identifies the remote host.
type Target struct {
	Host     string
	Port     int
	Username string
}

// Addr returns host:port.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Options tune how a channel is opened.
type Options struct {
	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string
	DialTimeout    time.Duration
	Log            logrus.FieldLogger
}

// Channel is one open SSH connection. It is safe to Close concurrently with
// Execute; a single command stream is expected per caller.
type Channel struct {
	client *ssh.Client
	label  string
	log    logrus.FieldLogger

	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
}

var _ Executor = (*Channel)(nil)

// Open dials the target and authenticates. Failures are classified as
// CONNECTIVITY (dial), AUTHENTICATION (credential rejected) or PROTOCOL
// (any other handshake failure).
func Open(ctx context.Context, target Target, cred Credential, opts Options) (*Channel, error) {
	if target.Host == "" || target.Username == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "host and username are required")
	}
	if cred == nil {
		return nil, apperr.New(apperr.CodeInvalidRequest, "a credential is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{"component": "shell", "host": target.Host})

	hostKeyCallback, err := hostKeyCallback(opts.KnownHostsFile, log)
	if err != nil {
		return nil, err
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	addr := target.Addr()
	cfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{cred.authMethod()},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.WrapWithContext(apperr.CodeConnectivity, "connecting to "+addr, err,
			map[string]any{"host": target.Host})
	}

	deadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	ch := &Channel{
		client: ssh.NewClient(sshConn, chans, reqs),
		label:  target.Host,
		log:    log,
		done:   make(chan struct{}),
	}
	go func() {
		_ = ch.client.Wait()
		ch.markClosed()
	}()

	log.WithField("auth", cred.Kind()).Info("SSH channel opened")

	return ch, nil
}

func hostKeyCallback(knownHostsFile string, log logrus.FieldLogger) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		log.Warn("host key verification disabled; set ssh.known_hosts_file to enable it")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "loading known hosts", err)
	}
	return cb, nil
}

func classifyHandshake(addr string, err error) error {
	var netErr net.Error
	switch {
	case strings.Contains(err.Error(), "unable to authenticate"):
		return apperr.Wrap(apperr.CodeAuthentication, "authentication to "+addr+" rejected", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apperr.Wrap(apperr.CodeConnectivity, "handshake with "+addr+" timed out", err)
	default:
		return apperr.Wrap(apperr.CodeProtocol, "handshake with "+addr+" failed", err)
	}
}

// Execute runs command in a fresh SSH session. When timeout elapses the
// remote process is sent SIGKILL best-effort, the session is closed and a
// TIMEOUT error is returned; the channel itself stays open. The remote
// process may outlive the session if the server ignores the signal.
func (c *Channel) Execute(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	if !c.Connected() {
		return nil, apperr.New(apperr.CodeConnectivity, "channel to "+c.label+" is closed")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()

	sess, err := c.client.NewSession()
	if err != nil {
		metrics.ObserveCommand("error", time.Since(start))
		return nil, apperr.Wrap(apperr.CodeConnectivity, "opening session on "+c.label, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		metrics.ObserveCommand("error", time.Since(start))
		return nil, apperr.Wrap(apperr.CodeProtocol, "starting remote command", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				metrics.ObserveCommand("error", time.Since(start))
				return nil, apperr.Wrap(apperr.CodeProtocol, "remote command ended without exit status", err)
			}
			res.ExitCode = exitErr.ExitStatus()
		}
		metrics.ObserveCommand("ok", time.Since(start))
		c.log.WithFields(logrus.Fields{
			"exit_code": res.ExitCode,
			"took":      time.Since(start).String(),
		}).Debug("remote command finished")
		return res, nil

	case <-timer.C:
		c.abort(sess)
		metrics.ObserveCommand("timeout", time.Since(start))
		return nil, apperr.WrapWithContext(apperr.CodeTimeout,
			fmt.Sprintf("command exceeded %s", timeout), context.DeadlineExceeded,
			map[string]any{"host": c.label})

	case <-ctx.Done():
		c.abort(sess)
		metrics.ObserveCommand("timeout", time.Since(start))
		return nil, apperr.Wrap(apperr.CodeTimeout, "command cancelled", ctx.Err())
	}
}

func (c *Channel) abort(sess *ssh.Session) {
	if err := sess.Signal(ssh.SIGKILL); err != nil {
		c.log.WithError(err).Debug("kill signal not delivered")
	}
	_ = sess.Close()
	c.log.Warn("remote command timed out; remote process may still be running")
}

// Host returns the display label of the remote host.
func (c *Channel) Host() string {
	return c.label
}

// Connected reports whether the underlying connection is still alive.
func (c *Channel) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close releases the connection. Calls after the first are no-ops.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.client.Close()
		c.log.Info("SSH channel closed")
	})
	c.markClosed()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Channel) markClosed() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ReadFile returns the content of a remote file on this channel.
func (c *Channel) ReadFile(ctx context.Context, path string, timeout time.Duration) (string, error) {
	return ReadFile(ctx, c, path, timeout)
}

// PortableKubeconfig returns the flattened kubeconfig of the remote host.
func (c *Channel) PortableKubeconfig(ctx context.Context, contextName string, timeout time.Duration) (string, error) {
	return PortableKubeconfig(ctx, c, contextName, timeout)
}
