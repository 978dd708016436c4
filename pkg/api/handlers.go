package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/audit"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/installer"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/k8s"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/localexec"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/provision"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/session"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/setup"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/store"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/tunnel"
)

// ShellHandle is an open remote shell owned by the session registry.
type ShellHandle interface {
	shell.Executor
	session.Handle
	Host() string
}

// LocalExecutor runs helm and kubectl on the broker host.
type LocalExecutor interface {
	shell.Executor
	Close() error
}

// Options tune the HTTP boundary. Zero-valued hooks fall back to the real
// implementations.
type Options struct {
	ExposeTokens   bool
	CommandTimeout time.Duration
	SSH            shell.Options
	RateLimit      float64
	RateLimitBurst int

	DialShell     func(ctx context.Context, target shell.Target, cred shell.Credential) (ShellHandle, error)
	ConnectConfig func(ctx context.Context, content, contextName string, log logrus.FieldLogger) (*k8s.Client, error)
	ConnectToken  func(ctx context.Context, server, token, caData string, verifySSL bool, log logrus.FieldLogger) (*k8s.Client, error)
	LocalExec     func(kubeconfig string, log logrus.FieldLogger) (LocalExecutor, error)
}

type Handlers struct {
	sessions      session.Registry
	store         store.Store
	orchestrator  *setup.Orchestrator
	installer     *installer.Installer
	audit         *audit.Recorder
	tunnelManager tunnel.ManagerInterface
	opts          Options
	log           logrus.FieldLogger
}

func NewHandlers(
	sessions session.Registry,
	st store.Store,
	orchestrator *setup.Orchestrator,
	inst *installer.Installer,
	recorder *audit.Recorder,
	tunnelManager tunnel.ManagerInterface,
	opts Options,
	log logrus.FieldLogger,
) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = shell.DefaultTimeout
	}
	if opts.SSH.Log == nil {
		opts.SSH.Log = log
	}
	if opts.DialShell == nil {
		sshOpts := opts.SSH
		opts.DialShell = func(ctx context.Context, target shell.Target, cred shell.Credential) (ShellHandle, error) {
			ch, err := shell.Open(ctx, target, cred, sshOpts)
			if err != nil {
				return nil, err
			}
			return ch, nil
		}
	}
	if opts.ConnectConfig == nil {
		opts.ConnectConfig = k8s.ConnectWithConfig
	}
	if opts.ConnectToken == nil {
		opts.ConnectToken = k8s.ConnectWithToken
	}
	if opts.LocalExec == nil {
		opts.LocalExec = func(kubeconfig string, log logrus.FieldLogger) (LocalExecutor, error) {
			e, err := localexec.New(kubeconfig, log)
			if err != nil {
				return nil, err
			}
			return e, nil
		}
	}

	return &Handlers{
		sessions:      sessions,
		store:         st,
		orchestrator:  orchestrator,
		installer:     inst,
		audit:         recorder,
		tunnelManager: tunnelManager,
		opts:          opts,
		log:           log.WithField("component", "api"),
	}
}

func RegisterRoutes(router *gin.Engine, handlers *Handlers) {
	router.Use(metricsMiddleware())
	if handlers.opts.RateLimit > 0 {
		router.Use(rateLimitMiddleware(handlers.opts.RateLimit, handlers.opts.RateLimitBurst))
	}

	// Health and metrics
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Shell sessions
	shellSessions := router.Group("/sessions/shell")
	shellSessions.POST("", handlers.OpenShellSession)
	shellSessions.GET("", handlers.ListShellSessions)
	shellSessions.DELETE("/:id", handlers.CloseShellSession)
	shellSessions.POST("/:id/execute", handlers.ExecuteCommand)
	shellSessions.POST("/:id/read-file", handlers.ReadFile)
	shellSessions.POST("/:id/kubeconfig-fetch", handlers.FetchKubeconfig)
	shellSessions.GET("/:id/tunnel", handlers.HandleTunnel)

	// Cluster sessions
	clusterSessions := router.Group("/sessions/cluster")
	clusterSessions.GET("", handlers.ListClusterSessions)
	clusterSessions.DELETE("/:id", handlers.CloseClusterSession)
	clusterSessions.GET("/:id/namespaces", handlers.ListNamespaces)
	clusterSessions.GET("/:id/info", handlers.ClusterInfo)

	// Clusters
	clusters := router.Group("/clusters")
	clusters.POST("/connect", handlers.ConnectCluster)
	clusters.POST("/connect-with-token", handlers.ConnectClusterWithToken)
	clusters.POST("/setup", handlers.SetupCluster)
	clusters.GET("", handlers.ListClusters)
	clusters.GET("/installation-status", handlers.InstallationStatus)
	clusters.POST("/installation/install", handlers.Install)
	clusters.POST("/installation/uninstall", handlers.Uninstall)
	clusters.GET("/:id", handlers.GetCluster)
	clusters.PUT("/:id", handlers.UpdateCluster)
	clusters.POST("/:id/connect", handlers.ConnectStoredCluster)
	clusters.POST("/:id/identity", handlers.CreateIdentity)
	clusters.GET("/:id/identities", handlers.ListIdentities)
	clusters.POST("/:id/identities/:credentialId/deactivate", handlers.DeactivateIdentity)

	// Audit trail
	router.GET("/audit", handlers.ListAudit)
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handlers) ListAudit(c *gin.Context) {
	filter := store.AuditFilter{
		Action:    c.Query("action"),
		SessionID: c.Query("session_id"),
	}
	if v := c.Query("cluster_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			h.renderError(c, apperr.New(apperr.CodeInvalidRequest, "cluster_id must be a positive integer"))
			return
		}
		filter.ClusterID = uint(id)
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.renderError(c, apperr.New(apperr.CodeInvalidRequest, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	entries, err := h.audit.List(c.Request.Context(), filter)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// renderError writes err with the status of its code. The message is the
// wrapped error text; credential material never reaches error strings.
func (h *Handlers) renderError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	body := gin.H{"error": err.Error(), "code": code}
	if step, ok := provision.FailedStep(err); ok {
		body["resume_from"] = step
	}
	c.JSON(status, body)
}

// bindJSON binds the request body. An empty body is allowed when every
// field is optional.
func (h *Handlers) bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.renderError(c, apperr.Wrap(apperr.CodeInvalidRequest, "invalid request body", err))
		return false
	}
	return true
}

func paramID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Newf(apperr.CodeInvalidRequest, "%s must be a positive integer", name)
	}
	return uint(id), nil
}
