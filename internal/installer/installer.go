// Package installer drives helm installs of the policy engine chart on a
// target cluster and reports what is installed.
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	"sigs.k8s.io/yaml"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/config"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/k8s"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/metrics"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
)

const (
	// helm's own --timeout; the command timeout is a little longer
	helmWaitTimeout = "5m"
	valuesDelimiter = "BROKER_VALUES_EOF"
)

// Health summarises the managed workloads of a release.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthUnknown  Health = "unknown"
)

// Probe inspects release resources through the Kubernetes API.
type Probe interface {
	InstalledRelease(ctx context.Context, release, namespace, crdGroup string) (*k8s.ReleaseState, error)
}

// Target is where status is read from. Either field may be nil, not both.
type Target struct {
	Exec  shell.Executor
	Probe Probe
}

// Record is the computed installation state of one release.
type Record struct {
	Release         string                `json:"release"`
	Namespace       string                `json:"namespace"`
	Installed       bool                  `json:"installed"`
	Status          string                `json:"status,omitempty"`
	Chart           string                `json:"chart,omitempty"`
	ChartVersion    string                `json:"chart_version,omitempty"`
	AppVersion      string                `json:"app_version,omitempty"`
	Revision        int                   `json:"revision,omitempty"`
	Health          Health                `json:"health"`
	Deployments     []k8s.DeploymentState `json:"deployments"`
	CRDsPresent     bool                  `json:"crds_present"`
	WebhooksPresent bool                  `json:"webhooks_present"`
	CheckedAt       time.Time             `json:"checked_at"`
}

// InstallRequest describes one helm install.
type InstallRequest struct {
	Release         string
	Namespace       string
	CreateNamespace bool
	Values          map[string]any
}

// InstallOutput is the result of a successful install.
type InstallOutput struct {
	Release   string `json:"release"`
	Namespace string `json:"namespace"`
	Output    string `json:"output"`
}

// UninstallOutput is the result of an uninstall.
type UninstallOutput struct {
	Release   string `json:"release"`
	Namespace string `json:"namespace"`
	Removed   bool   `json:"removed"`
	Purged    bool   `json:"purged"`
	Output    string `json:"output,omitempty"`
}

// helmRelease is one entry of `helm list -o json`.
type helmRelease struct {
	Name       string `json:"name"`
	Namespace  string `json:"namespace"`
	Revision   string `json:"revision"`
	Status     string `json:"status"`
	Chart      string `json:"chart"`
	AppVersion string `json:"app_version"`
}

// Installer runs chart operations with fixed chart coordinates.
type Installer struct {
	cfg config.InstallerConfig
	log logrus.FieldLogger
}

// New returns an Installer for the configured chart.
func New(cfg config.InstallerConfig, log logrus.FieldLogger) *Installer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.HelmBinary == "" {
		cfg.HelmBinary = "helm"
	}
	if cfg.KubectlBinary == "" {
		cfg.KubectlBinary = "kubectl"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = shell.DefaultTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = 360 * time.Second
	}
	return &Installer{cfg: cfg, log: log.WithField("component", "installer")}
}

// CRDGroup is the API group the chart's custom resources belong to.
func (i *Installer) CRDGroup() string {
	return i.cfg.CRDGroup
}

// Status reports the release state. A release that is not installed is not
// an error; CHECK is returned only when no probe could run at all.
func (i *Installer) Status(ctx context.Context, target Target, release, namespace string) (*Record, error) {
	if target.Exec == nil && target.Probe == nil {
		return nil, apperr.New(apperr.CodeCheck, "no execution target to inspect")
	}

	rec := &Record{
		Release:     release,
		Namespace:   namespace,
		Health:      HealthUnknown,
		Deployments: []k8s.DeploymentState{},
		CheckedAt:   time.Now().UTC(),
	}
	log := i.log.WithFields(logrus.Fields{"release": release, "namespace": namespace})

	var probeErrs []string
	probed := false

	if target.Exec != nil {
		if err := i.statusFromHelm(ctx, target.Exec, rec); err != nil {
			log.WithError(err).Debug("helm status probe failed")
			probeErrs = append(probeErrs, err.Error())
		} else {
			probed = true
		}
	}

	if target.Probe != nil {
		state, err := target.Probe.InstalledRelease(ctx, release, namespace, i.cfg.CRDGroup)
		if err != nil {
			log.WithError(err).Debug("API status probe failed")
			probeErrs = append(probeErrs, err.Error())
		} else {
			probed = true
			if len(state.Deployments) > 0 {
				rec.Deployments = state.Deployments
			}
			if rec.AppVersion == "" {
				rec.AppVersion = state.Version
			}
			rec.CRDsPresent = state.CRDsPresent
			rec.WebhooksPresent = state.WebhooksPresent
			rec.Installed = rec.Installed || state.Installed()
		}
	}

	if !probed {
		metrics.InstallerOperations.WithLabelValues("status", "failure").Inc()
		return nil, apperr.WrapWithContext(apperr.CodeCheck, "inspecting release "+release,
			fmt.Errorf("%s", strings.Join(probeErrs, "; ")),
			map[string]any{"release": release, "namespace": namespace})
	}

	rec.Health = health(rec.Deployments)
	metrics.InstallerOperations.WithLabelValues("status", "success").Inc()
	return rec, nil
}

func (i *Installer) statusFromHelm(ctx context.Context, exec shell.Executor, rec *Record) error {
	cmd := fmt.Sprintf("%s list -n %s --filter %s -o json",
		i.cfg.HelmBinary, shellescape.Quote(rec.Namespace), shellescape.Quote("^"+rec.Release+"$"))
	res, err := exec.Execute(ctx, cmd, i.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	// Without helm the deployments probe below still answers.
	helmMissing := missingBinary(res)
	if res.ExitCode != 0 && !helmMissing {
		return exitError("helm list", res)
	}

	var releases []helmRelease
	if out := strings.TrimSpace(res.Stdout); out != "" && !helmMissing {
		if err := json.Unmarshal([]byte(out), &releases); err != nil {
			return fmt.Errorf("decoding helm list output: %w", err)
		}
	}
	for _, r := range releases {
		if r.Name != rec.Release {
			continue
		}
		rec.Installed = true
		rec.Status = r.Status
		rec.Chart = r.Chart
		rec.ChartVersion = chartVersion(r.Chart)
		rec.AppVersion = r.AppVersion
		rec.Revision, _ = strconv.Atoi(r.Revision)
		break
	}

	cmd = fmt.Sprintf("%s get deployments -n %s -l %s -o json",
		i.cfg.KubectlBinary, shellescape.Quote(rec.Namespace), shellescape.Quote(k8s.ReleaseLabel+"="+rec.Release))
	res, err = exec.Execute(ctx, cmd, i.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if helmMissing {
			return exitError("kubectl get deployments", res)
		}
		// helm already answered; missing workloads are reported as unknown health
		return nil
	}
	var list appsv1.DeploymentList
	if err := yaml.Unmarshal([]byte(res.Stdout), &list); err != nil {
		return fmt.Errorf("decoding deployments: %w", err)
	}
	rec.Deployments = k8s.DeploymentStates(list.Items)
	if len(rec.Deployments) > 0 {
		rec.Installed = true
	}
	return nil
}

// Install installs the chart. It fails with DEPENDENCY_MISSING when helm is
// absent, ALREADY_INSTALLED when the release exists and UPSTREAM when helm
// exits non-zero; the raw output is carried in the error context.
func (i *Installer) Install(ctx context.Context, exec shell.Executor, req InstallRequest) (*InstallOutput, error) {
	if req.Release == "" || req.Namespace == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "release and namespace are required")
	}
	log := i.log.WithFields(logrus.Fields{"release": req.Release, "namespace": req.Namespace})

	out, err := i.install(ctx, exec, req, log)
	if err != nil {
		metrics.InstallerOperations.WithLabelValues("install", string(apperr.CodeOf(err))).Inc()
		return nil, err
	}
	metrics.InstallerOperations.WithLabelValues("install", "success").Inc()
	return out, nil
}

func (i *Installer) install(ctx context.Context, exec shell.Executor, req InstallRequest, log logrus.FieldLogger) (*InstallOutput, error) {
	if err := i.requireHelm(ctx, exec); err != nil {
		return nil, err
	}

	rec := &Record{Release: req.Release, Namespace: req.Namespace}
	if err := i.statusFromHelm(ctx, exec, rec); err != nil {
		return nil, apperr.Wrap(apperr.CodeUpstream, "checking for an existing release", err)
	}
	if rec.Installed {
		return nil, apperr.NewWithContext(apperr.CodeAlreadyInstalled,
			fmt.Sprintf("release %s already installed in %s", req.Release, req.Namespace),
			map[string]any{"status": rec.Status, "chart": rec.Chart})
	}

	cmd, err := i.installCommand(req)
	if err != nil {
		return nil, err
	}

	log.Info("Installing chart")
	start := time.Now()
	res, err := exec.Execute(ctx, cmd, i.cfg.InstallTimeout)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUpstream, "running helm install", err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "cannot re-use a name that is still in use") {
			return nil, apperr.Newf(apperr.CodeAlreadyInstalled, "release %s already installed in %s", req.Release, req.Namespace)
		}
		return nil, apperr.WrapWithContext(apperr.CodeUpstream, "helm install failed", exitError("helm install", res),
			map[string]any{"stdout": res.Stdout, "stderr": res.Stderr, "exit_code": res.ExitCode})
	}

	log.WithField("duration", time.Since(start).Round(time.Millisecond).String()).Info("Chart installed")

	return &InstallOutput{Release: req.Release, Namespace: req.Namespace, Output: res.Stdout}, nil
}

func (i *Installer) installCommand(req InstallRequest) (string, error) {
	helm := i.cfg.HelmBinary
	steps := []string{
		fmt.Sprintf("%s repo add --force-update %s %s", helm, shellescape.Quote(i.cfg.RepoName), shellescape.Quote(i.cfg.RepoURL)),
		fmt.Sprintf("%s repo update %s", helm, shellescape.Quote(i.cfg.RepoName)),
	}

	args := []string{
		helm, "install", shellescape.Quote(req.Release), shellescape.Quote(i.cfg.Chart),
		"-n", shellescape.Quote(req.Namespace),
	}
	if req.CreateNamespace {
		args = append(args, "--create-namespace")
	}
	if i.cfg.ChartVersion != "" {
		args = append(args, "--version", shellescape.Quote(i.cfg.ChartVersion))
	}
	args = append(args, "--wait", "--timeout", helmWaitTimeout)

	if len(req.Values) == 0 {
		steps = append(steps, strings.Join(args, " "))
		return strings.Join(steps, " && "), nil
	}

	values, err := yaml.Marshal(req.Values)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInvalidRequest, "rendering value overrides", err)
	}
	if strings.Contains(string(values), valuesDelimiter) {
		return "", apperr.New(apperr.CodeInvalidRequest, "value overrides contain a reserved delimiter")
	}
	args = append(args, "-f", "-")
	steps = append(steps, strings.Join(args, " ")+" <<'"+valuesDelimiter+"'\n"+string(values)+valuesDelimiter)
	return strings.Join(steps, " && "), nil
}

// Uninstall removes the release. An absent release is success. With purge
// the chart's CRDs and the namespace are deleted too.
func (i *Installer) Uninstall(ctx context.Context, exec shell.Executor, release, namespace string, purge bool) (*UninstallOutput, error) {
	if release == "" || namespace == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "release and namespace are required")
	}
	log := i.log.WithFields(logrus.Fields{"release": release, "namespace": namespace, "purge": purge})

	if err := i.requireHelm(ctx, exec); err != nil {
		metrics.InstallerOperations.WithLabelValues("uninstall", string(apperr.CodeOf(err))).Inc()
		return nil, err
	}

	out := &UninstallOutput{Release: release, Namespace: namespace}

	cmd := fmt.Sprintf("%s uninstall %s -n %s --wait", i.cfg.HelmBinary, shellescape.Quote(release), shellescape.Quote(namespace))
	res, err := exec.Execute(ctx, cmd, i.cfg.InstallTimeout)
	if err != nil {
		metrics.InstallerOperations.WithLabelValues("uninstall", "failure").Inc()
		return nil, apperr.Wrap(apperr.CodeUpstream, "running helm uninstall", err)
	}
	switch {
	case res.ExitCode == 0:
		out.Removed = true
		out.Output = res.Stdout
	case strings.Contains(res.Stderr, "not found"):
		log.Info("Release already absent")
	default:
		metrics.InstallerOperations.WithLabelValues("uninstall", "failure").Inc()
		return nil, apperr.WrapWithContext(apperr.CodeUpstream, "helm uninstall failed", exitError("helm uninstall", res),
			map[string]any{"stdout": res.Stdout, "stderr": res.Stderr, "exit_code": res.ExitCode})
	}

	if purge {
		if err := i.purge(ctx, exec, namespace); err != nil {
			metrics.InstallerOperations.WithLabelValues("uninstall", "failure").Inc()
			return nil, err
		}
		out.Purged = true
	}

	log.WithField("removed", out.Removed).Info("Chart uninstalled")
	metrics.InstallerOperations.WithLabelValues("uninstall", "success").Inc()
	return out, nil
}

func (i *Installer) purge(ctx context.Context, exec shell.Executor, namespace string) error {
	kubectl := i.cfg.KubectlBinary
	cmds := []string{
		fmt.Sprintf("%s get crd -o name | { grep -E %s || true; } | xargs -r %s delete",
			kubectl, shellescape.Quote(`\.`+strings.ReplaceAll(i.cfg.CRDGroup, ".", `\.`)+`$`), kubectl),
		fmt.Sprintf("%s delete namespace %s --ignore-not-found", kubectl, shellescape.Quote(namespace)),
	}
	for _, cmd := range cmds {
		res, err := exec.Execute(ctx, cmd, i.cfg.InstallTimeout)
		if err != nil {
			return apperr.Wrap(apperr.CodeUpstream, "purging release data", err)
		}
		if res.ExitCode != 0 {
			return apperr.Wrap(apperr.CodeUpstream, "purging release data", exitError("kubectl delete", res))
		}
	}
	return nil
}

func (i *Installer) requireHelm(ctx context.Context, exec shell.Executor) error {
	if exec == nil {
		return apperr.New(apperr.CodeInvalidRequest, "an execution target is required")
	}
	res, err := exec.Execute(ctx, i.cfg.HelmBinary+" version --short", i.cfg.CommandTimeout)
	if err != nil {
		return apperr.Wrap(apperr.CodeUpstream, "checking for helm", err)
	}
	if missingBinary(res) {
		return apperr.Newf(apperr.CodeDependencyMissing, "%s is not installed on the execution target", i.cfg.HelmBinary)
	}
	if res.ExitCode != 0 {
		return apperr.Wrap(apperr.CodeUpstream, "checking for helm", exitError("helm version", res))
	}
	return nil
}

// missingBinary reports a shell that could not find the command it was asked to run.
func missingBinary(res *shell.Result) bool {
	if res.ExitCode == 127 {
		return true
	}
	return res.ExitCode != 0 && strings.Contains(res.Stderr, "command not found")
}

func health(deployments []k8s.DeploymentState) Health {
	if len(deployments) == 0 {
		return HealthUnknown
	}
	for _, d := range deployments {
		if !d.Healthy() {
			return HealthDegraded
		}
	}
	return HealthHealthy
}

// chartVersion extracts "3.2.6" from "kyverno-3.2.6".
func chartVersion(chart string) string {
	for i := 0; i+1 < len(chart); i++ {
		if chart[i] == '-' && chart[i+1] >= '0' && chart[i+1] <= '9' {
			return chart[i+1:]
		}
	}
	return ""
}

func exitError(what string, res *shell.Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return fmt.Errorf("%s exited %d: %s", what, res.ExitCode, msg)
}
