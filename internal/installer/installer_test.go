package installer

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/config"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/k8s"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell/shelltest"
)

const releaseJSON = `[{"name":"kyverno","namespace":"kyverno","revision":"2","updated":"2026-01-10 10:00:00","status":"deployed","chart":"kyverno-3.2.6","app_version":"v1.12.5"}]`

const deploymentsJSON = `{
  "apiVersion": "v1",
  "kind": "List",
  "items": [
    {
      "metadata": {"name": "kyverno-admission-controller", "labels": {"app.kubernetes.io/instance": "kyverno"}},
      "spec": {"replicas": 1, "template": {"spec": {"containers": [{"name": "kyverno", "image": "ghcr.io/kyverno/kyverno:v1.12.5"}]}}},
      "status": {"readyReplicas": 1, "availableReplicas": 1}
    }
  ]
}`

func testInstaller() *Installer {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(config.InstallerConfig{
		RepoName: "kyverno",
		RepoURL:  "https://kyverno.github.io/kyverno/",
		Chart:    "kyverno/kyverno",
		CRDGroup: "kyverno.io",
	}, log)
}

// helmHost scripts a bastion where helm tracks a single release.
func helmHost() (*shelltest.Executor, *atomic.Bool) {
	var installed atomic.Bool
	exec := shelltest.NewExecutor().
		On("helm version", shell.Result{Stdout: "v3.15.2+g1a500d5\n"}).
		Handle("helm list", func(string) (*shell.Result, error) {
			if installed.Load() {
				return &shell.Result{Stdout: releaseJSON}, nil
			}
			return &shell.Result{Stdout: "[]"}, nil
		}).
		Handle("get deployments", func(string) (*shell.Result, error) {
			if installed.Load() {
				return &shell.Result{Stdout: deploymentsJSON}, nil
			}
			return &shell.Result{Stdout: `{"apiVersion":"v1","kind":"List","items":[]}`}, nil
		}).
		Handle("helm install", func(string) (*shell.Result, error) {
			installed.Store(true)
			return &shell.Result{Stdout: "NAME: kyverno\nSTATUS: deployed\n"}, nil
		}).
		Handle("helm uninstall", func(string) (*shell.Result, error) {
			if !installed.Swap(false) {
				return &shell.Result{ExitCode: 1, Stderr: "Error: uninstall: Release not loaded: kyverno: release: not found"}, nil
			}
			return &shell.Result{Stdout: `release "kyverno" uninstalled`}, nil
		})
	return exec, &installed
}

func TestStatusNotInstalled(t *testing.T) {
	exec, _ := helmHost()

	rec, err := testInstaller().Status(context.Background(), Target{Exec: exec}, "kyverno", "kyverno")
	require.NoError(t, err)
	assert.False(t, rec.Installed)
	assert.Equal(t, HealthUnknown, rec.Health)
	assert.Empty(t, rec.Deployments)
	assert.Contains(t, exec.Commands()[0], "helm list -n kyverno --filter '^kyverno$' -o json")
}

func TestStatusInstalledFromHelm(t *testing.T) {
	exec, installed := helmHost()
	installed.Store(true)

	rec, err := testInstaller().Status(context.Background(), Target{Exec: exec}, "kyverno", "kyverno")
	require.NoError(t, err)
	assert.True(t, rec.Installed)
	assert.Equal(t, "deployed", rec.Status)
	assert.Equal(t, "3.2.6", rec.ChartVersion)
	assert.Equal(t, "v1.12.5", rec.AppVersion)
	assert.Equal(t, 2, rec.Revision)
	assert.Equal(t, HealthHealthy, rec.Health)
	require.Len(t, rec.Deployments, 1)
	assert.Equal(t, "kyverno-admission-controller", rec.Deployments[0].Name)
	assert.Equal(t, 1, exec.Count("-l app.kubernetes.io/instance=kyverno"))
}

func TestStatusFailsOnlyWhenNoProbeRuns(t *testing.T) {
	exec := shelltest.NewExecutor().
		Fail("helm list", apperr.New(apperr.CodeConnectivity, "channel to bastion is closed"))

	_, err := testInstaller().Status(context.Background(), Target{Exec: exec}, "kyverno", "kyverno")
	assert.Equal(t, apperr.CodeCheck, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "channel to bastion is closed")

	_, err = testInstaller().Status(context.Background(), Target{}, "kyverno", "kyverno")
	assert.Equal(t, apperr.CodeCheck, apperr.CodeOf(err))
}

func TestStatusOnBastionWithoutHelm(t *testing.T) {
	exec := shelltest.NewExecutor().
		On("helm list", shell.Result{ExitCode: 127, Stderr: "sh: helm: command not found"}).
		On("get deployments", shell.Result{Stdout: `{"apiVersion":"v1","kind":"List","items":[]}`})

	rec, err := testInstaller().Status(context.Background(), Target{Exec: exec}, "kyverno", "kyverno")
	require.NoError(t, err)
	assert.False(t, rec.Installed)
	assert.Equal(t, HealthUnknown, rec.Health)
	assert.Equal(t, 1, exec.Count("kubectl get deployments"))

	// Workloads found by kubectl still count as installed.
	exec = shelltest.NewExecutor().
		On("helm list", shell.Result{ExitCode: 127, Stderr: "sh: helm: command not found"}).
		On("get deployments", shell.Result{Stdout: deploymentsJSON})

	rec, err = testInstaller().Status(context.Background(), Target{Exec: exec}, "kyverno", "kyverno")
	require.NoError(t, err)
	assert.True(t, rec.Installed)
	assert.Empty(t, rec.Status)
	assert.Equal(t, HealthHealthy, rec.Health)

	// Neither tool present is a failed check.
	exec = shelltest.NewExecutor().
		On("helm list", shell.Result{ExitCode: 127, Stderr: "sh: helm: command not found"}).
		On("get deployments", shell.Result{ExitCode: 127, Stderr: "sh: kubectl: command not found"})

	_, err = testInstaller().Status(context.Background(), Target{Exec: exec}, "kyverno", "kyverno")
	assert.Equal(t, apperr.CodeCheck, apperr.CodeOf(err))
}

func TestStatusThroughAPIProbe(t *testing.T) {
	replicas := int32(2)
	cs := fake.NewClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "kyverno-admission-controller",
			Namespace: "kyverno",
			Labels:    map[string]string{k8s.ReleaseLabel: "kyverno"},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{
				Containers: []corev1.Container{{Name: "kyverno", Image: "ghcr.io/kyverno/kyverno:v1.12.5"}},
			}},
		},
		Status: appsv1.DeploymentStatus{ReadyReplicas: 1},
	})
	probe := k8s.NewForClientset(cs, nil, nil)

	// A broken shell does not hide the API answer.
	exec := shelltest.NewExecutor().On("helm list", shell.Result{ExitCode: 127, Stderr: "sh: helm: not found"})

	rec, err := testInstaller().Status(context.Background(), Target{Exec: exec, Probe: probe}, "kyverno", "kyverno")
	require.NoError(t, err)
	assert.True(t, rec.Installed)
	assert.Equal(t, "v1.12.5", rec.AppVersion)
	assert.Equal(t, HealthDegraded, rec.Health)
}

func TestInstallThenStatus(t *testing.T) {
	exec, _ := helmHost()
	inst := testInstaller()

	out, err := inst.Install(context.Background(), exec, InstallRequest{Release: "kyverno", Namespace: "kyverno", CreateNamespace: true})
	require.NoError(t, err)
	assert.Contains(t, out.Output, "STATUS: deployed")

	var installCmd string
	for _, c := range exec.Commands() {
		if strings.Contains(c, "helm install") {
			installCmd = c
		}
	}
	assert.Contains(t, installCmd, "helm repo add --force-update kyverno https://kyverno.github.io/kyverno/ && helm repo update kyverno && ")
	assert.Contains(t, installCmd, "helm install kyverno kyverno/kyverno -n kyverno --create-namespace --wait --timeout 5m")
	assert.NotContains(t, installCmd, "-f -")

	rec, err := inst.Status(context.Background(), Target{Exec: exec}, "kyverno", "kyverno")
	require.NoError(t, err)
	assert.True(t, rec.Installed)
	assert.Equal(t, "kyverno", rec.Release)

	_, err = inst.Install(context.Background(), exec, InstallRequest{Release: "kyverno", Namespace: "kyverno"})
	assert.Equal(t, apperr.CodeAlreadyInstalled, apperr.CodeOf(err))
	assert.Equal(t, 1, exec.Count("helm install"))
}

func TestInstallWithValues(t *testing.T) {
	exec, _ := helmHost()

	_, err := testInstaller().Install(context.Background(), exec, InstallRequest{
		Release:   "kyverno",
		Namespace: "kyverno",
		Values:    map[string]any{"admissionController": map[string]any{"replicas": 3}},
	})
	require.NoError(t, err)

	cmds := exec.Commands()
	last := cmds[len(cmds)-1]
	assert.Contains(t, last, "--wait --timeout 5m -f - <<'BROKER_VALUES_EOF'\nadmissionController:\n  replicas: 3\nBROKER_VALUES_EOF")
}

func TestInstallWithoutHelm(t *testing.T) {
	exec := shelltest.NewExecutor().
		On("helm version", shell.Result{ExitCode: 127, Stderr: "bash: helm: command not found"})

	_, err := testInstaller().Install(context.Background(), exec, InstallRequest{Release: "kyverno", Namespace: "kyverno"})
	assert.Equal(t, apperr.CodeDependencyMissing, apperr.CodeOf(err))
	assert.Equal(t, 0, exec.Count("helm install"))
}

func TestInstallUpstreamFailureCarriesOutput(t *testing.T) {
	exec := shelltest.NewExecutor().
		On("helm version", shell.Result{Stdout: "v3.15.2"}).
		On("helm list", shell.Result{Stdout: "[]"}).
		On("helm install", shell.Result{ExitCode: 1, Stderr: "Error: INSTALLATION FAILED: context deadline exceeded"})

	_, err := testInstaller().Install(context.Background(), exec, InstallRequest{Release: "kyverno", Namespace: "kyverno"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "INSTALLATION FAILED")

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "Error: INSTALLATION FAILED: context deadline exceeded", appErr.Context["stderr"])
}

func TestInstallNameInUse(t *testing.T) {
	exec := shelltest.NewExecutor().
		On("helm install", shell.Result{ExitCode: 1, Stderr: "Error: INSTALLATION FAILED: cannot re-use a name that is still in use"})

	_, err := testInstaller().Install(context.Background(), exec, InstallRequest{Release: "kyverno", Namespace: "kyverno"})
	assert.Equal(t, apperr.CodeAlreadyInstalled, apperr.CodeOf(err))
}

func TestUninstallIsIdempotent(t *testing.T) {
	exec, installed := helmHost()
	installed.Store(true)
	inst := testInstaller()

	out, err := inst.Uninstall(context.Background(), exec, "kyverno", "kyverno", false)
	require.NoError(t, err)
	assert.True(t, out.Removed)

	out, err = inst.Uninstall(context.Background(), exec, "kyverno", "kyverno", false)
	require.NoError(t, err)
	assert.False(t, out.Removed)
	assert.False(t, out.Purged)
	assert.Equal(t, 0, exec.Count("kubectl delete"))
}

func TestUninstallPurge(t *testing.T) {
	exec, _ := helmHost()

	out, err := testInstaller().Uninstall(context.Background(), exec, "kyverno", "kyverno", true)
	require.NoError(t, err)
	assert.True(t, out.Purged)
	assert.Equal(t, 1, exec.Count(`kubectl get crd -o name | { grep -E '\.kyverno\.io$' || true; } | xargs -r kubectl delete`))
	assert.Equal(t, 1, exec.Count("kubectl delete namespace kyverno --ignore-not-found"))
}

func TestUninstallFailure(t *testing.T) {
	exec := shelltest.NewExecutor().
		On("helm uninstall", shell.Result{ExitCode: 1, Stderr: "Error: Kubernetes cluster unreachable"})

	_, err := testInstaller().Uninstall(context.Background(), exec, "kyverno", "kyverno", false)
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))
}

func TestChartVersion(t *testing.T) {
	tests := map[string]string{
		"kyverno-3.2.6":        "3.2.6",
		"kyverno-policies-3.1": "3.1",
		"kyverno":              "",
		"kyverno-3.3.0-rc.1":   "3.3.0-rc.1",
	}
	for chart, want := range tests {
		assert.Equal(t, want, chartVersion(chart), chart)
	}
}

func TestNewDefaults(t *testing.T) {
	inst := New(config.InstallerConfig{}, nil)
	assert.Equal(t, "helm", inst.cfg.HelmBinary)
	assert.Equal(t, 360*time.Second, inst.cfg.InstallTimeout)
}
