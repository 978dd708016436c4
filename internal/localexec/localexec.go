// Package localexec runs helm and kubectl on the broker host against a
// stored cluster, using a private temporary kubeconfig.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/metrics"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
)

const waitDelay = 2 * time.Second

// Executor runs commands through /bin/sh with KUBECONFIG pointing at a
// file only it can read. Close removes the file.
type Executor struct {
	dir  string
	path string
	log  logrus.FieldLogger

	closeOnce sync.Once
}

var _ shell.Executor = (*Executor)(nil)

// New writes kubeconfig to a fresh temporary directory.
func New(kubeconfig string, log logrus.FieldLogger) (*Executor, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	dir, err := os.MkdirTemp("", "broker-kube-")
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "creating kubeconfig directory", err)
	}
	path := filepath.Join(dir, "config")
	if err := os.WriteFile(path, []byte(kubeconfig), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, apperr.Wrap(apperr.CodeInternal, "writing kubeconfig", err)
	}

	return &Executor{
		dir:  dir,
		path: path,
		log:  log.WithField("component", "localexec"),
	}, nil
}

// KubeconfigPath is the file exported as KUBECONFIG.
func (e *Executor) KubeconfigPath() string {
	return e.path
}

// Execute implements shell.Executor. A non-zero exit is reported in the
// result; 127 means the binary was not found.
func (e *Executor) Execute(ctx context.Context, command string, timeout time.Duration) (*shell.Result, error) {
	if timeout <= 0 {
		timeout = shell.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	//nolint:gosec // Commands are built by the broker with quoted arguments.
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), "KUBECONFIG="+e.path)
	cmd.Dir = e.dir
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &shell.Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() != nil {
		metrics.ObserveCommand("timeout", time.Since(start))
		return nil, apperr.WrapWithContext(apperr.CodeTimeout,
			fmt.Sprintf("local command exceeded %s", timeout), ctx.Err(),
			map[string]any{"stderr": res.Stderr})
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		metrics.ObserveCommand("error", time.Since(start))
		return nil, apperr.Wrap(apperr.CodeInternal, "starting local shell", err)
	}

	result := "ok"
	if res.ExitCode != 0 {
		result = "nonzero"
	}
	metrics.ObserveCommand(result, time.Since(start))
	e.log.WithFields(logrus.Fields{
		"exit_code": res.ExitCode,
		"duration":  time.Since(start).Round(time.Millisecond).String(),
	}).Debug("Local command finished")

	return res, nil
}

// Close removes the temporary kubeconfig.
func (e *Executor) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = os.RemoveAll(e.dir)
	})
	return err
}
