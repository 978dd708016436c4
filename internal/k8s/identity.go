package k8s

import (
	"context"

	authenticationv1 "k8s.io/api/authentication/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
)

// EnsureNamespace creates a namespace unless it exists. It reports whether
// the namespace was created.
func (c *Client) EnsureNamespace(ctx context.Context, name string) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	_, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return false, nil
	}
	if err != nil {
		return false, wrap("creating namespace", err)
	}
	return true, nil
}

// CreateServiceAccount creates a ServiceAccount in the specified namespace.
// An existing account is reported as an UPSTREAM AlreadyExists failure.
func (c *Client) CreateServiceAccount(ctx context.Context, namespace, name string) error {
	if err := c.check(); err != nil {
		return err
	}

	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "policy-broker"},
		},
	}

	_, err := c.clientset.CoreV1().ServiceAccounts(namespace).Create(ctx, sa, metav1.CreateOptions{})
	if err != nil {
		return wrap("creating service account", err)
	}

	return nil
}

// BindClusterRole creates or updates a ClusterRoleBinding for the
// ServiceAccount. A binding whose role reference differs is recreated,
// since role references are immutable.
func (c *Client) BindClusterRole(ctx context.Context, bindingName, clusterRole, namespace, saName string) error {
	if err := c.check(); err != nil {
		return err
	}

	binding := &rbacv1.ClusterRoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:   bindingName,
			Labels: map[string]string{"app.kubernetes.io/managed-by": "policy-broker"},
		},
		Subjects: []rbacv1.Subject{
			{
				Kind:      rbacv1.ServiceAccountKind,
				Name:      saName,
				Namespace: namespace,
			},
		},
		RoleRef: rbacv1.RoleRef{
			Kind:     "ClusterRole",
			Name:     clusterRole,
			APIGroup: rbacv1.GroupName,
		},
	}

	bindings := c.clientset.RbacV1().ClusterRoleBindings()
	_, err := bindings.Create(ctx, binding, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return wrap("creating cluster role binding", err)
	}

	existing, err := bindings.Get(ctx, bindingName, metav1.GetOptions{})
	if err != nil {
		return wrap("reading cluster role binding", err)
	}
	if existing.RoleRef == binding.RoleRef {
		existing.Subjects = binding.Subjects
		if _, err := bindings.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return wrap("updating cluster role binding", err)
		}
		return nil
	}

	if err := bindings.Delete(ctx, bindingName, metav1.DeleteOptions{}); err != nil {
		return wrap("replacing cluster role binding", err)
	}
	if _, err := bindings.Create(ctx, binding, metav1.CreateOptions{}); err != nil {
		return wrap("creating cluster role binding", err)
	}
	return nil
}

// MintToken requests a bounded-lifetime token for the ServiceAccount
func (c *Client) MintToken(ctx context.Context, namespace, saName string, ttlSeconds int64) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}

	tokenRequest := &authenticationv1.TokenRequest{
		Spec: authenticationv1.TokenRequestSpec{
			ExpirationSeconds: &ttlSeconds,
		},
	}

	tokenRequest, err := c.clientset.CoreV1().ServiceAccounts(namespace).CreateToken(
		ctx, saName, tokenRequest, metav1.CreateOptions{})
	if err != nil {
		return "", wrap("creating token", err)
	}
	if tokenRequest.Status.Token == "" {
		return "", apperr.Newf(apperr.CodeUpstream, "API server returned an empty token for %s/%s", namespace, saName)
	}

	return tokenRequest.Status.Token, nil
}
