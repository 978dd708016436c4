package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/audit"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/installer"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/k8s"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/provision"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/setup"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/store"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

type SetupClusterRequest struct {
	SessionID        string         `json:"session_id" binding:"required"`
	ClusterName      string         `json:"cluster_name" binding:"required"`
	Description      string         `json:"description"`
	IdentityName     string         `json:"identity_name"`
	Namespace        string         `json:"namespace"`
	RoleType         string         `json:"role_type"`
	CustomRoleRef    string         `json:"custom_role_ref"`
	Duration         string         `json:"duration"`
	InstallFlag      bool           `json:"install_flag"`
	InstallNamespace string         `json:"install_namespace"`
	InstallValues    map[string]any `json:"install_values"`
	ResumeFrom       string         `json:"resume_from"`
}

type UpdateClusterRequest struct {
	Description *string `json:"description"`
	VerifySSL   *bool   `json:"verify_ssl"`
}

type CreateIdentityRequest struct {
	SessionID     string `json:"session_id"`
	Name          string `json:"name" binding:"required"`
	Namespace     string `json:"namespace"`
	RoleType      string `json:"role_type"`
	CustomRoleRef string `json:"custom_role_ref"`
	Duration      string `json:"duration"`
	Description   string `json:"description"`
	ResumeFrom    string `json:"resume_from"`
}

type InstallRequest struct {
	SessionID       string         `json:"session_id"`
	ClusterID       uint           `json:"cluster_id"`
	Release         string         `json:"release"`
	Namespace       string         `json:"namespace"`
	CreateNamespace *bool          `json:"create_namespace"`
	Values          map[string]any `json:"values"`
}

type UninstallRequest struct {
	SessionID string `json:"session_id"`
	ClusterID uint   `json:"cluster_id"`
	Release   string `json:"release"`
	Namespace string `json:"namespace"`
	Purge     bool   `json:"purge"`
}

type setupResponse struct {
	*setup.Result
	Partial    bool           `json:"partial"`
	Token      string         `json:"token,omitempty"`
	Error      string         `json:"error,omitempty"`
	Code       apperr.Code    `json:"code,omitempty"`
	ResumeFrom provision.Step `json:"resume_from,omitempty"`
}

// credentialView is a stored credential as rendered to callers. Token is set
// only when the deployment allows it or the caller just created it.
type credentialView struct {
	store.ServiceCredential
	Token string `json:"token,omitempty"`
}

func (h *Handlers) SetupCluster(c *gin.Context) {
	var req SetupClusterRequest
	if !h.bindJSON(c, &req) {
		return
	}
	role, err := parseRole(req.RoleType)
	if err != nil {
		h.renderError(c, err)
		return
	}

	result := h.orchestrator.Setup(c.Request.Context(), setup.Request{
		SessionID:        req.SessionID,
		ClusterName:      req.ClusterName,
		Description:      req.Description,
		IdentityName:     req.IdentityName,
		Namespace:        req.Namespace,
		Role:             role,
		CustomRoleRef:    req.CustomRoleRef,
		Duration:         req.Duration,
		Install:          req.InstallFlag,
		InstallNamespace: req.InstallNamespace,
		InstallValues:    req.InstallValues,
		ResumeFrom:       provision.Step(req.ResumeFrom),
	})

	resp := setupResponse{Result: result, Partial: result.Partial(), Token: result.Token}
	status := http.StatusOK
	if result.Err != nil {
		resp.Error = result.Err.Error()
		resp.Code = apperr.CodeOf(result.Err)
		resp.ResumeFrom, _ = provision.FailedStep(result.Err)
		// Once a cluster row exists the caller must see the partial artifacts.
		if !result.Partial() {
			status = apperr.HTTPStatus(resp.Code)
		}
	}

	c.JSON(status, resp)
}

func (h *Handlers) ListClusters(c *gin.Context) {
	clusters, err := h.store.ListClusters(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"clusters": clusters})
}

func (h *Handlers) GetCluster(c *gin.Context) {
	clusterID, err := paramID(c, "id")
	if err != nil {
		h.renderError(c, err)
		return
	}

	cluster, err := h.store.GetCluster(c.Request.Context(), clusterID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cluster":        cluster,
		"has_kubeconfig": cluster.KubeconfigContent != "",
	})
}

func (h *Handlers) UpdateCluster(c *gin.Context) {
	clusterID, err := paramID(c, "id")
	if err != nil {
		h.renderError(c, err)
		return
	}

	var req UpdateClusterRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.Description == nil && req.VerifySSL == nil {
		h.renderError(c, apperr.New(apperr.CodeInvalidRequest, "nothing to update"))
		return
	}

	var changed []string
	if req.Description != nil {
		changed = append(changed, "description")
	}
	if req.VerifySSL != nil {
		changed = append(changed, fmt.Sprintf("verify_ssl=%t", *req.VerifySSL))
	}

	cluster, err := h.store.UpdateCluster(c.Request.Context(), clusterID, store.ClusterUpdate{
		Description: req.Description,
		VerifySSL:   req.VerifySSL,
	})
	entry := audit.Entry{
		ClusterID: clusterID,
		Action:    "cluster.update",
		Target:    fmt.Sprintf("cluster %d", clusterID),
		Outcome:   types.OutcomeSuccess,
		Detail:    "updated " + strings.Join(changed, ", "),
	}
	if err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.Detail = err.Error()
	}
	_ = h.audit.Record(c.Request.Context(), entry)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cluster":        cluster,
		"has_kubeconfig": cluster.KubeconfigContent != "",
	})
}

// ConnectStoredCluster opens a cluster session from a stored cluster's
// kubeconfig or active admin credential.
func (h *Handlers) ConnectStoredCluster(c *gin.Context) {
	clusterID, err := paramID(c, "id")
	if err != nil {
		h.renderError(c, err)
		return
	}
	if _, err := h.store.GetCluster(c.Request.Context(), clusterID); err != nil {
		h.renderError(c, err)
		return
	}

	client, err := h.orchestrator.ClusterClient(c.Request.Context(), clusterID)
	h.registerCluster(c, client, err, "stored cluster", clusterID)
}

func (h *Handlers) CreateIdentity(c *gin.Context) {
	clusterID, err := paramID(c, "id")
	if err != nil {
		h.renderError(c, err)
		return
	}

	var req CreateIdentityRequest
	if !h.bindJSON(c, &req) {
		return
	}
	role, err := parseRole(req.RoleType)
	if err != nil {
		h.renderError(c, err)
		return
	}

	cred, err := h.orchestrator.AddIdentity(c.Request.Context(), setup.IdentityRequest{
		ClusterID:     clusterID,
		SessionID:     req.SessionID,
		Name:          req.Name,
		Namespace:     req.Namespace,
		Role:          role,
		CustomRoleRef: req.CustomRoleRef,
		Duration:      req.Duration,
		Description:   req.Description,
		ResumeFrom:    provision.Step(req.ResumeFrom),
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, credentialView{ServiceCredential: *cred, Token: cred.Token})
}

func (h *Handlers) ListIdentities(c *gin.Context) {
	clusterID, err := paramID(c, "id")
	if err != nil {
		h.renderError(c, err)
		return
	}
	if _, err := h.store.GetCluster(c.Request.Context(), clusterID); err != nil {
		h.renderError(c, err)
		return
	}

	creds, err := h.store.ListCredentials(c.Request.Context(), clusterID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	views := make([]credentialView, 0, len(creds))
	for _, cred := range creds {
		v := credentialView{ServiceCredential: cred}
		if h.opts.ExposeTokens {
			v.Token = cred.Token
		}
		views = append(views, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"identities":      views,
		"tokens_redacted": !h.opts.ExposeTokens,
	})
}

func (h *Handlers) DeactivateIdentity(c *gin.Context) {
	clusterID, err := paramID(c, "id")
	if err != nil {
		h.renderError(c, err)
		return
	}
	credentialID, err := paramID(c, "credentialId")
	if err != nil {
		h.renderError(c, err)
		return
	}

	cred, err := h.store.DeactivateCredential(c.Request.Context(), clusterID, credentialID)
	entry := audit.Entry{
		ClusterID:    clusterID,
		CredentialID: credentialID,
		Action:       "identity.deactivate",
		Target:       fmt.Sprintf("credential %d", credentialID),
		Outcome:      types.OutcomeSuccess,
	}
	if err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.Detail = err.Error()
	}
	_ = h.audit.Record(c.Request.Context(), entry)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, credentialView{ServiceCredential: *cred})
}

func (h *Handlers) InstallationStatus(c *gin.Context) {
	var clusterID uint
	if v := c.Query("cluster_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			h.renderError(c, apperr.New(apperr.CodeInvalidRequest, "cluster_id must be a positive integer"))
			return
		}
		clusterID = uint(id)
	}

	target, err := h.installTarget(c.Request.Context(), c.Query("session_id"), clusterID, false)
	if err != nil {
		h.renderError(c, err)
		return
	}
	defer target.release()

	record, err := h.installer.Status(c.Request.Context(),
		installer.Target{Exec: target.exec, Probe: target.probe},
		releaseOr(c.Query("release")), namespaceOr(c.Query("namespace")))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (h *Handlers) Install(c *gin.Context) {
	var req InstallRequest
	if !h.bindJSON(c, &req) {
		return
	}

	target, err := h.installTarget(c.Request.Context(), req.SessionID, req.ClusterID, true)
	if err != nil {
		h.renderError(c, err)
		return
	}
	defer target.release()

	createNamespace := true
	if req.CreateNamespace != nil {
		createNamespace = *req.CreateNamespace
	}
	release, namespace := releaseOr(req.Release), namespaceOr(req.Namespace)

	out, err := h.installer.Install(c.Request.Context(), target.exec, installer.InstallRequest{
		Release:         release,
		Namespace:       namespace,
		CreateNamespace: createNamespace,
		Values:          req.Values,
	})
	h.recordInstallation(c.Request.Context(), target, "installation.install", release, namespace, err)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, out)
}

func (h *Handlers) Uninstall(c *gin.Context) {
	var req UninstallRequest
	if !h.bindJSON(c, &req) {
		return
	}

	target, err := h.installTarget(c.Request.Context(), req.SessionID, req.ClusterID, true)
	if err != nil {
		h.renderError(c, err)
		return
	}
	defer target.release()

	release, namespace := releaseOr(req.Release), namespaceOr(req.Namespace)

	out, err := h.installer.Uninstall(c.Request.Context(), target.exec, release, namespace, req.Purge)
	h.recordInstallation(c.Request.Context(), target, "installation.uninstall", release, namespace, err)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, out)
}

// installationTarget is where helm runs and what the API probe inspects.
type installationTarget struct {
	exec      shell.Executor
	probe     installer.Probe
	sessionID string
	clusterID uint
	cleanup   []func() error
}

func (t *installationTarget) release() {
	for i := len(t.cleanup) - 1; i >= 0; i-- {
		_ = t.cleanup[i]()
	}
}

// installTarget resolves a shell session, a cluster session or a stored
// cluster. Cluster handles get a local helm with a temporary kubeconfig when
// needExec is set.
func (h *Handlers) installTarget(ctx context.Context, sessionID string, clusterID uint, needExec bool) (*installationTarget, error) {
	switch {
	case sessionID != "" && clusterID != 0:
		return nil, apperr.New(apperr.CodeInvalidRequest, "supply either session_id or cluster_id, not both")
	case sessionID == "" && clusterID == 0:
		return nil, apperr.New(apperr.CodeInvalidRequest, "session_id or cluster_id is required")
	}

	target := &installationTarget{sessionID: sessionID, clusterID: clusterID}

	var client *k8s.Client
	if sessionID != "" {
		if exec, err := h.shellExecutor(sessionID); err == nil {
			target.exec = exec
			return target, nil
		}
		c, err := h.clusterClient(sessionID)
		if err != nil {
			return nil, apperr.NewWithContext(apperr.CodeNotFound, "session not found or expired",
				map[string]any{"session_id": sessionID})
		}
		client = c
	} else {
		c, err := h.orchestrator.ClusterClient(ctx, clusterID)
		if err != nil {
			return nil, err
		}
		client = c
		target.cleanup = append(target.cleanup, c.Close)
	}
	target.probe = client

	if needExec {
		kubeconfig, err := client.Kubeconfig()
		if err != nil {
			target.release()
			return nil, err
		}
		local, err := h.opts.LocalExec(kubeconfig, h.log)
		if err != nil {
			target.release()
			return nil, err
		}
		target.exec = local
		target.cleanup = append(target.cleanup, local.Close)
	}

	return target, nil
}

func (h *Handlers) recordInstallation(ctx context.Context, target *installationTarget, action, release, namespace string, err error) {
	entry := audit.Entry{
		SessionID: target.sessionID,
		ClusterID: target.clusterID,
		Action:    action,
		Target:    namespace + "/" + release,
		Outcome:   types.OutcomeSuccess,
	}
	if err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.Detail = err.Error()
	}
	_ = h.audit.Record(ctx, entry)
}

func parseRole(s string) (types.Role, error) {
	if s == "" {
		return types.RoleClusterAdmin, nil
	}
	role, err := types.ParseRole(s)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInvalidRole, "invalid role_type", err)
	}
	return role, nil
}

func releaseOr(release string) string {
	if release == "" {
		return setup.DefaultRelease
	}
	return release
}

func namespaceOr(namespace string) string {
	if namespace == "" {
		return setup.DefaultNamespace
	}
	return namespace
}
