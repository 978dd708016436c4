package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
)

const endpointJSONPath = `{.clusters[0].cluster.server}{"\n"}{.clusters[0].cluster.certificate-authority-data}`

// ShellBackend runs kubectl on a bastion over a remote command channel.
type ShellBackend struct {
	exec    shell.Executor
	timeout time.Duration
}

var _ Backend = (*ShellBackend)(nil)

// NewShellBackend returns a backend that runs each step with timeout.
func NewShellBackend(exec shell.Executor, timeout time.Duration) *ShellBackend {
	if timeout <= 0 {
		timeout = shell.DefaultTimeout
	}
	return &ShellBackend{exec: exec, timeout: timeout}
}

func (b *ShellBackend) Name() string { return "shell" }

func (b *ShellBackend) EnsureNamespace(ctx context.Context, namespace string) (bool, error) {
	res, err := b.run(ctx, "kubectl create namespace "+shellescape.Quote(namespace))
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return true, nil
	}
	if alreadyExists(res.Stderr) {
		return false, nil
	}
	return false, exitError("kubectl create namespace", res)
}

func (b *ShellBackend) CreatePrincipal(ctx context.Context, namespace, name string) error {
	res, err := b.run(ctx, fmt.Sprintf("kubectl create serviceaccount %s -n %s",
		shellescape.Quote(name), shellescape.Quote(namespace)))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return exitError("kubectl create serviceaccount", res)
	}
	return nil
}

func (b *ShellBackend) BindRole(ctx context.Context, bindingName, clusterRole, namespace, name string) error {
	cmd := fmt.Sprintf(
		"kubectl create clusterrolebinding %s --clusterrole=%s --serviceaccount=%s --dry-run=client -o yaml | kubectl apply -f -",
		shellescape.Quote(bindingName),
		shellescape.Quote(clusterRole),
		shellescape.Quote(namespace+":"+name),
	)
	res, err := b.run(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return exitError("kubectl apply clusterrolebinding", res)
	}
	return nil
}

func (b *ShellBackend) MintToken(ctx context.Context, namespace, name string, duration time.Duration) (string, error) {
	res, err := b.run(ctx, fmt.Sprintf("kubectl create token %s -n %s --duration=%s",
		shellescape.Quote(name), shellescape.Quote(namespace), duration))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", exitError("kubectl create token", res)
	}
	token := strings.TrimSpace(res.Stdout)
	if token == "" {
		return "", fmt.Errorf("kubectl create token returned no output")
	}
	return token, nil
}

func (b *ShellBackend) Endpoint(ctx context.Context) (string, string, error) {
	res, err := b.run(ctx, "kubectl config view --raw --minify --flatten -o jsonpath="+shellescape.Quote(endpointJSONPath))
	if err != nil {
		return "", "", err
	}
	if res.ExitCode != 0 {
		return "", "", exitError("kubectl config view", res)
	}
	server, ca, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	server = strings.TrimSpace(server)
	if server == "" {
		return "", "", fmt.Errorf("kubeconfig has no cluster server")
	}
	return server, strings.TrimSpace(ca), nil
}

func (b *ShellBackend) run(ctx context.Context, cmd string) (*shell.Result, error) {
	return b.exec.Execute(ctx, cmd, b.timeout)
}

func alreadyExists(stderr string) bool {
	return strings.Contains(stderr, "AlreadyExists") || strings.Contains(stderr, "already exists")
}

func exitError(what string, res *shell.Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return fmt.Errorf("%s exited %d: %s", what, res.ExitCode, msg)
}
