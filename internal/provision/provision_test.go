package provision

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	k8stesting "k8s.io/client-go/testing"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/k8s"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell/shelltest"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "system:serviceaccount:kyverno:kyverno-admin",
		"exp": exp.Unix(),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	return token
}

// kubectlBastion scripts the kubectl behaviour of a bastion with a cluster.
func kubectlBastion(token string) *shelltest.Executor {
	var namespaces, accounts atomic.Int32
	return shelltest.NewExecutor().
		Handle("kubectl create namespace", func(string) (*shell.Result, error) {
			if namespaces.Add(1) > 1 {
				return &shell.Result{ExitCode: 1, Stderr: `Error from server (AlreadyExists): namespaces "kyverno" already exists`}, nil
			}
			return &shell.Result{Stdout: "namespace/kyverno created\n"}, nil
		}).
		Handle("kubectl create serviceaccount", func(string) (*shell.Result, error) {
			if accounts.Add(1) > 1 {
				return &shell.Result{ExitCode: 1, Stderr: `error: failed to create serviceaccount: serviceaccounts "kyverno-admin" already exists`}, nil
			}
			return &shell.Result{Stdout: "serviceaccount/kyverno-admin created\n"}, nil
		}).
		On("kubectl create clusterrolebinding", shell.Result{Stdout: "clusterrolebinding.rbac.authorization.k8s.io/kyverno-admin-binding created\n"}).
		On("kubectl create token", shell.Result{Stdout: token + "\n"}).
		On("kubectl config view", shell.Result{Stdout: "https://10.0.0.1:6443\nLS0tLS1CRUdJTi==\n"})
}

func defaultRequest() Request {
	return Request{Name: "kyverno-admin", Namespace: "kyverno", Role: types.RoleClusterAdmin}
}

func TestCreateServiceIdentityOverShell(t *testing.T) {
	exp := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	exec := kubectlBastion(signedToken(t, exp))

	req := defaultRequest()
	req.Duration = "24h"

	id, err := CreateServiceIdentity(context.Background(), NewShellBackend(exec, time.Second), req, quietLog())
	require.NoError(t, err)

	assert.NotEmpty(t, id.Token)
	assert.True(t, id.NamespaceCreated)
	assert.False(t, id.LongLived)
	assert.Equal(t, "cluster-admin", id.ClusterRole)
	assert.Equal(t, "kyverno-admin-binding", id.BindingName)
	assert.True(t, exp.Equal(id.ExpiresAt), "expiry comes from the token's exp claim")
	assert.Equal(t, "https://10.0.0.1:6443", id.Server)
	assert.Equal(t, "LS0tLS1CRUdJTi==", id.CAData)

	cmds := exec.Commands()
	require.Len(t, cmds, 5)
	assert.Equal(t, "kubectl create namespace kyverno", cmds[0])
	assert.Equal(t, "kubectl create serviceaccount kyverno-admin -n kyverno", cmds[1])
	assert.Contains(t, cmds[2], "--clusterrole=cluster-admin --serviceaccount=kyverno:kyverno-admin --dry-run=client -o yaml | kubectl apply -f -")
	assert.Equal(t, "kubectl create token kyverno-admin -n kyverno --duration=24h0m0s", cmds[3])
}

func TestCreateServiceIdentityTwice(t *testing.T) {
	exec := kubectlBastion("opaque-token")
	backend := NewShellBackend(exec, time.Second)

	_, err := CreateServiceIdentity(context.Background(), backend, defaultRequest(), quietLog())
	require.NoError(t, err)

	_, err = CreateServiceIdentity(context.Background(), backend, defaultRequest(), quietLog())
	require.Error(t, err)

	// The namespace step tolerated "already exists"; the principal step did not.
	assert.Equal(t, apperr.CodeProvision, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, 2, exec.Count("kubectl create namespace"))
	assert.Equal(t, 1, exec.Count("kubectl create token"))
}

func TestDefaultDurationIsLongLived(t *testing.T) {
	exec := kubectlBastion("opaque-token")
	before := time.Now()

	id, err := CreateServiceIdentity(context.Background(), NewShellBackend(exec, time.Second), defaultRequest(), quietLog())
	require.NoError(t, err)

	assert.True(t, id.LongLived)
	assert.Equal(t, DefaultDuration, id.Duration)
	assert.WithinDuration(t, before.Add(DefaultDuration), id.ExpiresAt, time.Minute)
	assert.Equal(t, 1, exec.Count("--duration=87600h0m0s"))
}

func TestTokenFailureIsPartial(t *testing.T) {
	exec := shelltest.NewExecutor().
		On("kubectl create token", shell.Result{ExitCode: 1, Stderr: "error: serviceaccounts/token is forbidden"})

	_, err := CreateServiceIdentity(context.Background(), NewShellBackend(exec, time.Second), defaultRequest(), quietLog())
	require.Error(t, err)
	assert.Equal(t, apperr.CodePartialProvision, apperr.CodeOf(err))

	var partialErr *PartialError
	require.True(t, errors.As(err, &partialErr))
	assert.Equal(t, StepToken, partialErr.Failed)
	assert.Equal(t, []Step{StepNamespace, StepPrincipal, StepBinding}, partialErr.Completed)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestBindingFailureIsPartial(t *testing.T) {
	exec := shelltest.NewExecutor().
		Fail("kubectl create clusterrolebinding", apperr.New(apperr.CodeTimeout, "command exceeded 1s"))

	_, err := CreateServiceIdentity(context.Background(), NewShellBackend(exec, time.Second), defaultRequest(), quietLog())
	require.Error(t, err)

	var partialErr *PartialError
	require.True(t, errors.As(err, &partialErr))
	assert.Equal(t, StepBinding, partialErr.Failed)
	assert.True(t, apperr.Is(err, apperr.CodeTimeout))
	assert.Equal(t, 0, exec.Count("kubectl create token"))
}

func TestResumeAfterTokenFailure(t *testing.T) {
	var forbidden atomic.Bool
	forbidden.Store(true)
	exec := shelltest.NewExecutor().
		Handle("kubectl create token", func(string) (*shell.Result, error) {
			if forbidden.Load() {
				return &shell.Result{ExitCode: 1, Stderr: "error: serviceaccounts/token is forbidden"}, nil
			}
			return &shell.Result{Stdout: "retried-token\n"}, nil
		}).
		On("kubectl config view", shell.Result{Stdout: "https://10.0.0.1:6443\nQ0E=\n"})
	backend := NewShellBackend(exec, time.Second)

	_, err := CreateServiceIdentity(context.Background(), backend, defaultRequest(), quietLog())
	require.Error(t, err)
	step, ok := FailedStep(err)
	require.True(t, ok)
	require.Equal(t, StepToken, step)

	forbidden.Store(false)
	id, err := ResumeServiceIdentity(context.Background(), backend, defaultRequest(), step, quietLog())
	require.NoError(t, err)
	assert.Equal(t, "retried-token", id.Token)
	assert.Equal(t, "https://10.0.0.1:6443", id.Server)
	assert.False(t, id.NamespaceCreated)

	assert.Equal(t, 1, exec.Count("kubectl create namespace"))
	assert.Equal(t, 1, exec.Count("kubectl create serviceaccount"))
	assert.Equal(t, 1, exec.Count("kubectl create clusterrolebinding"))
	assert.Equal(t, 2, exec.Count("kubectl create token"))
}

func TestResumeAfterBindingFailure(t *testing.T) {
	exec := kubectlBastion("opaque-token")

	id, err := ResumeServiceIdentity(context.Background(), NewShellBackend(exec, time.Second), defaultRequest(), StepBinding, quietLog())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", id.Token)
	assert.Equal(t, 0, exec.Count("kubectl create serviceaccount"))
	assert.Equal(t, 1, exec.Count("kubectl create clusterrolebinding"))
}

func TestResumeRejectsEarlySteps(t *testing.T) {
	exec := shelltest.NewExecutor()

	for _, step := range []Step{StepNamespace, StepPrincipal, "bogus"} {
		_, err := ResumeServiceIdentity(context.Background(), NewShellBackend(exec, time.Second), defaultRequest(), step, quietLog())
		assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err), step)
	}
	assert.Empty(t, exec.Commands())

	_, ok := FailedStep(errors.New("plain"))
	assert.False(t, ok)
}

func TestNamespaceFailureIsNotPartial(t *testing.T) {
	exec := shelltest.NewExecutor().
		On("kubectl create namespace", shell.Result{ExitCode: 1, Stderr: "Unable to connect to the server"})

	_, err := CreateServiceIdentity(context.Background(), NewShellBackend(exec, time.Second), defaultRequest(), quietLog())
	assert.Equal(t, apperr.CodeProvision, apperr.CodeOf(err))
	assert.Equal(t, 0, exec.Count("serviceaccount"))
}

func TestValidateBeforeAnyRemoteCall(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want apperr.Code
	}{
		{"custom without ref", Request{Name: "a", Namespace: "b", Role: types.RoleCustom}, apperr.CodeInvalidRole},
		{"unknown role", Request{Name: "a", Namespace: "b", Role: "root"}, apperr.CodeInvalidRole},
		{"bad name", Request{Name: "Not_Valid", Namespace: "b", Role: types.RoleView}, apperr.CodeInvalidRequest},
		{"bad namespace", Request{Name: "a", Namespace: "", Role: types.RoleView}, apperr.CodeInvalidRequest},
		{"bad duration", Request{Name: "a", Namespace: "b", Role: types.RoleView, Duration: "forever"}, apperr.CodeInvalidRequest},
		{"too short", Request{Name: "a", Namespace: "b", Role: types.RoleView, Duration: "1m"}, apperr.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := shelltest.NewExecutor()
			_, err := CreateServiceIdentity(context.Background(), NewShellBackend(exec, time.Second), tt.req, quietLog())
			assert.Equal(t, tt.want, apperr.CodeOf(err))
			assert.Empty(t, exec.Commands())
		})
	}
}

func TestCustomRoleBinding(t *testing.T) {
	exec := kubectlBastion("opaque-token")
	req := Request{Name: "auditor", Namespace: "kyverno", Role: types.RoleCustom, CustomRoleRef: "policy-reader"}

	id, err := CreateServiceIdentity(context.Background(), NewShellBackend(exec, time.Second), req, quietLog())
	require.NoError(t, err)
	assert.Equal(t, "policy-reader", id.ClusterRole)
	assert.Equal(t, 1, exec.Count("--clusterrole=policy-reader"))
}

func TestCreateServiceIdentityOverAPI(t *testing.T) {
	cs := fake.NewClientset()
	exp := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	token := signedToken(t, exp)
	cs.PrependReactor("create", "serviceaccounts", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "token" {
			return false, nil, nil
		}
		return true, &authenticationv1.TokenRequest{Status: authenticationv1.TokenRequestStatus{Token: token}}, nil
	})
	client := k8s.NewForClientset(cs, &rest.Config{Host: "https://api.example:6443"}, quietLog())

	req := defaultRequest()
	req.Duration = "48h"
	id, err := CreateServiceIdentity(context.Background(), NewAPIBackend(client), req, quietLog())
	require.NoError(t, err)

	assert.Equal(t, token, id.Token)
	assert.True(t, exp.Equal(id.ExpiresAt))
	assert.Equal(t, "https://api.example:6443", id.Server)

	ctx := context.Background()
	_, err = cs.CoreV1().ServiceAccounts("kyverno").Get(ctx, "kyverno-admin", metav1.GetOptions{})
	require.NoError(t, err)
	binding, err := cs.RbacV1().ClusterRoleBindings().Get(ctx, "kyverno-admin-binding", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cluster-admin", binding.RoleRef.Name)

	_, err = CreateServiceIdentity(ctx, NewAPIBackend(client), req, quietLog())
	assert.Equal(t, apperr.CodeProvision, apperr.CodeOf(err))
}

func TestTokenExpiry(t *testing.T) {
	fallback := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, exp.Equal(TokenExpiry(signedToken(t, exp), fallback)))
	assert.Equal(t, fallback, TokenExpiry("opaque", fallback))
}
