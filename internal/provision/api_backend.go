package provision

import (
	"context"
	"time"
)

// ClusterAPI is the subset of the cluster client the API backend drives.
type ClusterAPI interface {
	EnsureNamespace(ctx context.Context, name string) (bool, error)
	CreateServiceAccount(ctx context.Context, namespace, name string) error
	BindClusterRole(ctx context.Context, bindingName, clusterRole, namespace, saName string) error
	MintToken(ctx context.Context, namespace, saName string, ttlSeconds int64) (string, error)
	Endpoint() (string, string)
}

// APIBackend provisions through the Kubernetes API directly.
type APIBackend struct {
	client ClusterAPI
}

var _ Backend = (*APIBackend)(nil)

// NewAPIBackend wraps a connected cluster client.
func NewAPIBackend(client ClusterAPI) *APIBackend {
	return &APIBackend{client: client}
}

func (b *APIBackend) Name() string { return "api" }

func (b *APIBackend) EnsureNamespace(ctx context.Context, namespace string) (bool, error) {
	return b.client.EnsureNamespace(ctx, namespace)
}

func (b *APIBackend) CreatePrincipal(ctx context.Context, namespace, name string) error {
	return b.client.CreateServiceAccount(ctx, namespace, name)
}

func (b *APIBackend) BindRole(ctx context.Context, bindingName, clusterRole, namespace, name string) error {
	return b.client.BindClusterRole(ctx, bindingName, clusterRole, namespace, name)
}

func (b *APIBackend) MintToken(ctx context.Context, namespace, name string, duration time.Duration) (string, error) {
	return b.client.MintToken(ctx, namespace, name, int64(duration.Seconds()))
}

func (b *APIBackend) Endpoint(context.Context) (string, string, error) {
	server, ca := b.client.Endpoint()
	return server, ca, nil
}
