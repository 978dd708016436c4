package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/config"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/secret"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/store"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	sealer, err := secret.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	s := store.NewStore(log, cfg, sealer)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func expiry(d time.Duration) *time.Time {
	t := time.Now().Add(d).UTC()
	return &t
}

func TestStore_CreateAndGetCluster(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cluster := &store.Cluster{Name: "c1", KubeconfigContent: "apiVersion: v1\nkind: Config\n", VerifySSL: true}
	require.NoError(t, s.CreateCluster(ctx, cluster))
	require.NotZero(t, cluster.ID)
	assert.Equal(t, types.ClusterUnknown, cluster.Status)

	got, err := s.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.Name)
	assert.Equal(t, "apiVersion: v1\nkind: Config\n", got.KubeconfigContent)
	assert.Nil(t, got.ServerURL)
	assert.True(t, got.VerifySSL)

	exists, err := s.ClusterNameExists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.GetCluster(ctx, 999)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestStore_DuplicateClusterName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCluster(ctx, &store.Cluster{Name: "c1"}))

	err := s.CreateCluster(ctx, &store.Cluster{Name: "c1"})
	assert.Equal(t, apperr.CodeDuplicateName, apperr.CodeOf(err))

	clusters, err := s.ListClusters(ctx)
	require.NoError(t, err)
	assert.Len(t, clusters, 1)
}

func TestStore_ClusterStatusAndEndpoint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cluster := &store.Cluster{Name: "c1"}
	require.NoError(t, s.CreateCluster(ctx, cluster))

	require.NoError(t, s.UpdateClusterStatus(ctx, cluster.ID, types.ClusterConnected))
	require.NoError(t, s.UpdateClusterEndpoint(ctx, cluster.ID, "https://10.0.0.1:6443", "Q0E="))
	// Once resolved the server is authoritative.
	require.NoError(t, s.UpdateClusterEndpoint(ctx, cluster.ID, "https://elsewhere:6443", ""))

	got, err := s.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterConnected, got.Status)
	require.NotNil(t, got.ServerURL)
	assert.Equal(t, "https://10.0.0.1:6443", *got.ServerURL)
	assert.Equal(t, "Q0E=", got.CAData)

	err = s.UpdateClusterStatus(ctx, 42, types.ClusterUnreachable)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestStore_CredentialLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cluster := &store.Cluster{Name: "c1"}
	require.NoError(t, s.CreateCluster(ctx, cluster))

	cred := &store.ServiceCredential{
		ClusterID:     cluster.ID,
		PrincipalName: "kyverno-admin",
		Namespace:     "kyverno",
		Token:         "eyJhbGciOi.secret.token",
		Role:          types.RoleClusterAdmin,
		ExpiresAt:     expiry(24 * time.Hour),
		Active:        true,
	}
	require.NoError(t, s.CreateCredential(ctx, cred))
	require.NotZero(t, cred.ID)
	assert.Equal(t, "eyJhbGciOi.secret.token", cred.Token, "caller's copy is not replaced by the sealed form")

	got, err := s.GetCredential(ctx, cluster.ID, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGciOi.secret.token", got.Token)

	admin, err := s.ActiveAdminCredential(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, admin.ID)

	deactivated, err := s.DeactivateCredential(ctx, cluster.ID, cred.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)
	assert.NotNil(t, deactivated.DeactivatedAt)

	// Still listed; deactivation never deletes.
	creds, err := s.ListCredentials(ctx, cluster.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.False(t, creds[0].Active)

	_, err = s.ActiveAdminCredential(ctx, cluster.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = s.GetCredential(ctx, cluster.ID+1, cred.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestStore_CredentialRequiresExpiry(t *testing.T) {
	s := setupTestStore(t)

	err := s.CreateCredential(context.Background(), &store.ServiceCredential{ClusterID: 1, Token: "t"})
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))
}

func TestStore_ActiveAdminSkipsViewAndExpired(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cluster := &store.Cluster{Name: "c1"}
	require.NoError(t, s.CreateCluster(ctx, cluster))

	require.NoError(t, s.CreateCredential(ctx, &store.ServiceCredential{
		ClusterID: cluster.ID, PrincipalName: "old", Namespace: "ns", Token: "a",
		Role: types.RoleClusterAdmin, ExpiresAt: expiry(-time.Hour), Active: true,
	}))
	require.NoError(t, s.CreateCredential(ctx, &store.ServiceCredential{
		ClusterID: cluster.ID, PrincipalName: "viewer", Namespace: "ns", Token: "b",
		Role: types.RoleView, ExpiresAt: expiry(time.Hour), Active: true,
	}))

	_, err := s.ActiveAdminCredential(ctx, cluster.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestStore_AuditAppendAndFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	session := "3f1c0c8e-0000-4000-8000-000000000001"
	clusterID := uint(7)
	entries := []*store.AuditEntry{
		{SessionID: &session, Action: "setup.identity", Target: "c1", Outcome: types.OutcomeSuccess},
		{SessionID: &session, ClusterID: &clusterID, Action: "setup.cluster", Target: "c1", Outcome: types.OutcomeSuccess},
		{Action: "session.evict", Target: "bastion", Outcome: types.OutcomeSuccess},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	all, err := s.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "setup.identity", all[0].Action)

	bySession, err := s.ListAudit(ctx, store.AuditFilter{SessionID: session})
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	byCluster, err := s.ListAudit(ctx, store.AuditFilter{ClusterID: clusterID})
	require.NoError(t, err)
	require.Len(t, byCluster, 1)
	assert.Equal(t, "setup.cluster", byCluster[0].Action)

	limited, err := s.ListAudit(ctx, store.AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "setup.cluster", limited[0].Action)
	assert.Equal(t, "session.evict", limited[1].Action)
}

func TestStore_CredentialRequiresCluster(t *testing.T) {
	s := setupTestStore(t)

	err := s.CreateCredential(context.Background(), &store.ServiceCredential{
		ClusterID: 999, PrincipalName: "orphan", Namespace: "ns", Token: "t",
		Role: types.RoleView, ExpiresAt: expiry(time.Hour), Active: true,
	})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestStore_UpdateCluster(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cluster := &store.Cluster{Name: "c1", Description: "old", VerifySSL: true, KubeconfigContent: "kind: Config\n"}
	require.NoError(t, s.CreateCluster(ctx, cluster))

	description := "staging"
	got, err := s.UpdateCluster(ctx, cluster.ID, store.ClusterUpdate{Description: &description})
	require.NoError(t, err)
	assert.Equal(t, "staging", got.Description)
	assert.True(t, got.VerifySSL)
	assert.Equal(t, "kind: Config\n", got.KubeconfigContent)

	verify := false
	got, err = s.UpdateCluster(ctx, cluster.ID, store.ClusterUpdate{VerifySSL: &verify})
	require.NoError(t, err)
	assert.False(t, got.VerifySSL)
	assert.Equal(t, "staging", got.Description)

	_, err = s.UpdateCluster(ctx, 42, store.ClusterUpdate{Description: &description})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	_, err = s.UpdateCluster(ctx, 42, store.ClusterUpdate{})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestStore_UnsupportedDriver(t *testing.T) {
	s := store.NewStore(logrus.New(), &config.DatabaseConfig{Driver: "mysql"}, nil)
	assert.Error(t, s.Start(context.Background()))
}
