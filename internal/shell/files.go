package shell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
)

// ReadFile returns the content of a remote file. A leading "~/" is expanded
// on the remote side.
func ReadFile(ctx context.Context, exec Executor, path string, timeout time.Duration) (string, error) {
	if path == "" {
		return "", apperr.New(apperr.CodeInvalidRequest, "path is required")
	}
	res, err := exec.Execute(ctx, "cat "+RemotePath(path), timeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", apperr.WrapWithContext(apperr.CodeUpstream, "reading "+path,
			fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
			map[string]any{"exit_code": res.ExitCode})
	}
	return res.Stdout, nil
}

// PortableKubeconfig returns the remote kubeconfig flattened and minified so
// that certificate files are embedded and the result is usable elsewhere.
func PortableKubeconfig(ctx context.Context, exec Executor, contextName string, timeout time.Duration) (string, error) {
	cmd := "kubectl config view --raw --flatten --minify"
	if contextName != "" {
		cmd += " --context=" + shellescape.Quote(contextName)
	}
	res, err := exec.Execute(ctx, cmd, timeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", apperr.Wrap(apperr.CodeUpstream, "kubectl config view",
			fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return res.Stdout, nil
}

// RemotePath quotes path for a POSIX shell, keeping "~/" expandable.
func RemotePath(path string) string {
	switch {
	case path == "~":
		return `"$HOME"`
	case strings.HasPrefix(path, "~/"):
		return `"$HOME"/` + shellescape.Quote(path[2:])
	default:
		return shellescape.Quote(path)
	}
}
