package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/audit"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/k8s"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/provision"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/store"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

// IdentityRequest asks for an additional credential on a stored cluster.
type IdentityRequest struct {
	ClusterID     uint
	SessionID     string
	Name          string
	Namespace     string
	Role          types.Role
	CustomRoleRef string
	Duration      string
	Description   string
	// ResumeFrom finishes an identity left partial by an earlier call.
	ResumeFrom provision.Step
}

// AddIdentity provisions another service identity for an existing cluster
// and stores its credential. With a SessionID the identity is created over
// that shell session, otherwise through the cluster's API.
func (o *Orchestrator) AddIdentity(ctx context.Context, req IdentityRequest) (*store.ServiceCredential, error) {
	cluster, err := o.store.GetCluster(ctx, req.ClusterID)
	if err != nil {
		return nil, err
	}
	if req.Duration == "" {
		req.Duration = o.opts.DefaultDuration
	}
	if req.Namespace == "" {
		req.Namespace = DefaultNamespace
	}

	var backend provision.Backend
	if req.SessionID != "" {
		exec, _, err := o.shellSession(req.SessionID)
		if err != nil {
			return nil, err
		}
		backend = provision.NewShellBackend(exec, o.opts.CommandTimeout)
	} else {
		client, err := o.ClusterClient(ctx, cluster.ID)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		backend = provision.NewAPIBackend(client)
	}

	entry := audit.Entry{
		SessionID: req.SessionID,
		ClusterID: cluster.ID,
		Action:    "identity.create",
		Target:    fmt.Sprintf("%s/%s", req.Namespace, req.Name),
	}

	identity, err := provisionIdentity(ctx, backend, provision.Request{
		Name:          req.Name,
		Namespace:     req.Namespace,
		Role:          req.Role,
		CustomRoleRef: req.CustomRoleRef,
		Duration:      req.Duration,
	}, req.ResumeFrom, o.log)
	if err != nil {
		entry.Outcome = types.OutcomeFailure
		if apperr.CodeOf(err) == apperr.CodePartialProvision {
			entry.Outcome = types.OutcomePartial
		}
		entry.Detail = err.Error()
		_ = o.audit.Record(ctx, entry)
		return nil, err
	}

	expiresAt := identity.ExpiresAt.UTC()
	cred := &store.ServiceCredential{
		ClusterID:     cluster.ID,
		PrincipalName: identity.Name,
		Namespace:     identity.Namespace,
		Token:         identity.Token,
		Role:          identity.Role,
		CustomRoleRef: req.CustomRoleRef,
		Description:   req.Description,
		ExpiresAt:     &expiresAt,
		LongLived:     identity.LongLived,
		Active:        true,
	}
	if err := o.store.CreateCredential(ctx, cred); err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.Detail = "identity provisioned but not stored: " + err.Error()
		_ = o.audit.Record(ctx, entry)
		return nil, err
	}

	if err := o.store.UpdateClusterEndpoint(ctx, cluster.ID, identity.Server, identity.CAData); err != nil {
		o.log.WithError(err).Warn("Could not record cluster endpoint")
	}

	entry.CredentialID = cred.ID
	entry.Outcome = types.OutcomeSuccess
	entry.Detail = fmt.Sprintf("bound to %s, expires %s", identity.ClusterRole, expiresAt.Format(time.RFC3339))
	if identity.LongLived {
		entry.Detail += " (long-lived)"
	}
	if req.ResumeFrom != "" {
		entry.Detail += "; resumed at " + string(req.ResumeFrom)
	}
	_ = o.audit.Record(ctx, entry)

	return cred, nil
}

func provisionIdentity(ctx context.Context, b provision.Backend, req provision.Request, resumeFrom provision.Step, log logrus.FieldLogger) (*provision.Identity, error) {
	if resumeFrom == "" {
		return provision.CreateServiceIdentity(ctx, b, req, log)
	}
	return provision.ResumeServiceIdentity(ctx, b, req, resumeFrom, log)
}

// ClusterClient connects to a stored cluster, preferring its kubeconfig and
// falling back to an active admin credential. The cluster status is updated
// to reflect the attempt. Callers own the returned client.
func (o *Orchestrator) ClusterClient(ctx context.Context, clusterID uint) (*k8s.Client, error) {
	cluster, err := o.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	client, err := o.connect(ctx, cluster)

	status := types.ClusterConnected
	if err != nil {
		status = types.ClusterUnreachable
	}
	if serr := o.store.UpdateClusterStatus(ctx, cluster.ID, status); serr != nil {
		o.log.WithError(serr).Warn("Could not update cluster status")
	}

	if err != nil {
		return nil, err
	}
	return client, nil
}

func (o *Orchestrator) connect(ctx context.Context, cluster *store.Cluster) (*k8s.Client, error) {
	log := o.log.WithField("cluster_id", cluster.ID)

	var kubeconfigErr error
	if cluster.KubeconfigContent != "" {
		client, err := o.opts.ConnectConfig(ctx, cluster.KubeconfigContent, "", log)
		if err == nil {
			return client, nil
		}
		kubeconfigErr = err
		log.WithError(err).Debug("Stored kubeconfig did not connect; trying credentials")
	}

	if cluster.ServerURL == nil {
		if kubeconfigErr != nil {
			return nil, kubeconfigErr
		}
		return nil, apperr.Newf(apperr.CodeConnection, "cluster %d has no known API server", cluster.ID)
	}

	cred, err := o.store.ActiveAdminCredential(ctx, cluster.ID)
	if err != nil {
		if kubeconfigErr != nil {
			return nil, kubeconfigErr
		}
		return nil, apperr.Wrap(apperr.CodeConnection, fmt.Sprintf("no usable credential for cluster %d", cluster.ID), err)
	}

	return o.opts.ConnectToken(ctx, *cluster.ServerURL, cred.Token, cluster.CAData, cluster.VerifySSL, log)
}
