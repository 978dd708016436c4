package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/audit"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/k8s"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

const defaultKubeconfigPath = "~/.kube/config"

type OpenShellSessionRequest struct {
	Host       string `json:"host" binding:"required"`
	Port       int    `json:"port"`
	Username   string `json:"username" binding:"required"`
	PrivateKey string `json:"private_key"`
	Passphrase string `json:"passphrase"`
	Password   string `json:"password"`
}

type ExecuteRequest struct {
	Command string `json:"command" binding:"required"`
	// Timeout in seconds.
	Timeout int `json:"timeout"`
}

type ReadFileRequest struct {
	Path string `json:"path" binding:"required"`
}

type FetchKubeconfigRequest struct {
	Path     string `json:"path"`
	Portable bool   `json:"portable"`
	Context  string `json:"context"`
}

type ConnectClusterRequest struct {
	KubeconfigContent string `json:"kubeconfig_content" binding:"required"`
	Context           string `json:"context"`
}

type ConnectClusterWithTokenRequest struct {
	ServerURL  string `json:"server_url" binding:"required"`
	Token      string `json:"token" binding:"required"`
	CACertData string `json:"ca_cert_data"`
	VerifySSL  *bool  `json:"verify_ssl"`
}

func (h *Handlers) OpenShellSession(c *gin.Context) {
	var req OpenShellSessionRequest
	if !h.bindJSON(c, &req) {
		return
	}

	cred, err := shell.NewCredential(req.PrivateKey, req.Passphrase, req.Password)
	if err != nil {
		h.renderError(c, err)
		return
	}
	target := shell.Target{Host: req.Host, Port: req.Port, Username: req.Username}
	if target.Port == 0 {
		target.Port = shell.DefaultPort
	}

	entry := audit.Entry{Action: "session.shell.open", Target: fmt.Sprintf("%s@%s", req.Username, target.Addr())}

	handle, err := h.opts.DialShell(c.Request.Context(), target, cred)
	if err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.Detail = err.Error()
		_ = h.audit.Record(c.Request.Context(), entry)
		h.renderError(c, err)
		return
	}

	sessionID := h.sessions.Register(types.SessionShell, handle, handle.Host())

	entry.SessionID = sessionID
	entry.Outcome = types.OutcomeSuccess
	entry.Detail = "authenticated with " + cred.Kind()
	_ = h.audit.Record(c.Request.Context(), entry)

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"host":       handle.Host(),
		"tunnel_url": fmt.Sprintf("ws://%s/sessions/shell/%s/tunnel", c.Request.Host, sessionID),
	})
}

func (h *Handlers) ListShellSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessionsOfKind(types.SessionShell)})
}

func (h *Handlers) CloseShellSession(c *gin.Context) {
	h.closeSession(c, types.SessionShell)
}

func (h *Handlers) ExecuteCommand(c *gin.Context) {
	sessionID := c.Param("id")

	var req ExecuteRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.Timeout < 0 {
		h.renderError(c, apperr.New(apperr.CodeInvalidRequest, "timeout must not be negative"))
		return
	}

	exec, err := h.shellExecutor(sessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	timeout := h.opts.CommandTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	res, err := exec.Execute(c.Request.Context(), req.Command, timeout)
	h.recordShell(c, sessionID, exec, "session.shell.execute", res, err, "")
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.sessions.Touch(sessionID)

	c.JSON(http.StatusOK, res)
}

func (h *Handlers) ReadFile(c *gin.Context) {
	sessionID := c.Param("id")

	var req ReadFileRequest
	if !h.bindJSON(c, &req) {
		return
	}

	exec, err := h.shellExecutor(sessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	content, err := shell.ReadFile(c.Request.Context(), exec, req.Path, h.opts.CommandTimeout)
	h.recordShell(c, sessionID, exec, "session.shell.read_file", nil, err, req.Path)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.sessions.Touch(sessionID)

	c.JSON(http.StatusOK, gin.H{"path": req.Path, "content": content})
}

func (h *Handlers) FetchKubeconfig(c *gin.Context) {
	sessionID := c.Param("id")

	var req FetchKubeconfigRequest
	if c.Request.ContentLength != 0 && !h.bindJSON(c, &req) {
		return
	}
	if req.Path == "" {
		req.Path = defaultKubeconfigPath
	}

	exec, err := h.shellExecutor(sessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	var content string
	detail := req.Path
	if req.Portable {
		detail = "portable"
		if req.Context != "" {
			detail += " context " + req.Context
		}
		content, err = shell.PortableKubeconfig(c.Request.Context(), exec, req.Context, h.opts.CommandTimeout)
	} else {
		content, err = shell.ReadFile(c.Request.Context(), exec, req.Path, h.opts.CommandTimeout)
	}
	h.recordShell(c, sessionID, exec, "session.shell.kubeconfig_fetch", nil, err, detail)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.sessions.Touch(sessionID)

	c.JSON(http.StatusOK, gin.H{
		"kubeconfig_content": content,
		"portable":           req.Portable,
	})
}

func (h *Handlers) HandleTunnel(c *gin.Context) {
	// Upgrade to WebSocket and start tunnel
	h.tunnelManager.HandleConnection(c.Writer, c.Request, c.Param("id"))
}

func (h *Handlers) ConnectCluster(c *gin.Context) {
	var req ConnectClusterRequest
	if !h.bindJSON(c, &req) {
		return
	}

	client, err := h.opts.ConnectConfig(c.Request.Context(), req.KubeconfigContent, req.Context, h.log)
	h.registerCluster(c, client, err, "kubeconfig", 0)
}

func (h *Handlers) ConnectClusterWithToken(c *gin.Context) {
	var req ConnectClusterWithTokenRequest
	if !h.bindJSON(c, &req) {
		return
	}
	verifySSL := true
	if req.VerifySSL != nil {
		verifySSL = *req.VerifySSL
	}

	client, err := h.opts.ConnectToken(c.Request.Context(), req.ServerURL, req.Token, req.CACertData, verifySSL, h.log)
	h.registerCluster(c, client, err, "token", 0)
}

// registerCluster stores a freshly connected cluster handle as a session.
// clusterID is set when the handle was built from a stored cluster.
func (h *Handlers) registerCluster(c *gin.Context, client *k8s.Client, err error, method string, clusterID uint) {
	entry := audit.Entry{Action: "session.cluster.open", ClusterID: clusterID}
	if err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.Detail = err.Error()
		_ = h.audit.Record(c.Request.Context(), entry)
		h.renderError(c, err)
		return
	}

	server, _ := client.Endpoint()
	sessionID := h.sessions.Register(types.SessionCluster, client, server)

	entry.SessionID = sessionID
	entry.Target = server
	entry.Outcome = types.OutcomeSuccess
	entry.Detail = "connected with " + method
	_ = h.audit.Record(c.Request.Context(), entry)

	resp := gin.H{
		"session_id": sessionID,
		"server":     server,
	}
	if clusterID != 0 {
		resp["cluster_id"] = clusterID
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) ListClusterSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessionsOfKind(types.SessionCluster)})
}

func (h *Handlers) CloseClusterSession(c *gin.Context) {
	h.closeSession(c, types.SessionCluster)
}

func (h *Handlers) ListNamespaces(c *gin.Context) {
	client, err := h.clusterClient(c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	namespaces, err := client.ListNamespaces(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"namespaces": namespaces})
}

func (h *Handlers) ClusterInfo(c *gin.Context) {
	client, err := h.clusterClient(c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	info, err := client.ClusterInfo(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// closeSession is idempotent: an unknown id still answers 200.
func (h *Handlers) closeSession(c *gin.Context, kind types.SessionKind) {
	sessionID := c.Param("id")

	err := h.sessions.Remove(sessionID, kind)
	switch {
	case err == nil:
		if kind == types.SessionShell {
			h.tunnelManager.CloseSession(sessionID)
		}
		_ = h.audit.Record(c.Request.Context(), audit.Entry{
			SessionID: sessionID,
			Action:    "session." + string(kind) + ".close",
			Outcome:   types.OutcomeSuccess,
		})
		c.JSON(http.StatusOK, gin.H{"message": "session closed", "closed": true})
	case apperr.CodeOf(err) == apperr.CodeNotFound:
		c.JSON(http.StatusOK, gin.H{"message": "session already closed", "closed": false})
	default:
		h.renderError(c, err)
	}
}

// recordShell audits one operation on a shell session. Command text and file
// content are never recorded.
func (h *Handlers) recordShell(c *gin.Context, sessionID string, exec shell.Executor, action string, res *shell.Result, err error, detail string) {
	entry := audit.Entry{
		SessionID: sessionID,
		Action:    action,
		Outcome:   types.OutcomeSuccess,
		Detail:    detail,
	}
	if handle, ok := exec.(interface{ Host() string }); ok {
		entry.Target = handle.Host()
	}
	switch {
	case err != nil:
		entry.Outcome = types.OutcomeFailure
		if entry.Detail != "" {
			entry.Detail += ": "
		}
		entry.Detail += err.Error()
	case res != nil:
		entry.Detail = fmt.Sprintf("exit code %d", res.ExitCode)
		if res.ExitCode != 0 {
			entry.Outcome = types.OutcomeFailure
		}
	}
	_ = h.audit.Record(c.Request.Context(), entry)
}

func (h *Handlers) sessionsOfKind(kind types.SessionKind) []types.SessionSummary {
	out := []types.SessionSummary{}
	for _, s := range h.sessions.List() {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (h *Handlers) shellExecutor(sessionID string) (shell.Executor, error) {
	handle, err := h.sessions.Lookup(sessionID, types.SessionShell)
	if err != nil {
		return nil, err
	}
	exec, ok := handle.(shell.Executor)
	if !ok {
		return nil, apperr.Newf(apperr.CodeInternal, "session %s cannot run commands", sessionID)
	}
	return exec, nil
}

func (h *Handlers) clusterClient(sessionID string) (*k8s.Client, error) {
	handle, err := h.sessions.Lookup(sessionID, types.SessionCluster)
	if err != nil {
		return nil, err
	}
	client, ok := handle.(*k8s.Client)
	if !ok {
		return nil, apperr.Newf(apperr.CodeInternal, "session %s is not a cluster handle", sessionID)
	}
	return client, nil
}
