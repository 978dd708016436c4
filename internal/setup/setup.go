// Package setup runs the cluster onboarding saga: provision a service
// identity over a shell session, persist the cluster and its credential and
// optionally install the policy engine. The saga is forward-only; completed
// steps are never undone and every transition attempt is audited.
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/audit"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/installer"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/k8s"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/metrics"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/provision"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/session"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/store"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

// State is a saga state.
type State string

const (
	StateStart               State = "START"
	StateIdentityProvisioned State = "IDENTITY_PROVISIONED"
	StateClusterPersisted    State = "CLUSTER_PERSISTED"
	StateCredentialPersisted State = "CREDENTIAL_PERSISTED"
	StateInstallRequested    State = "INSTALL_REQUESTED"
	StateInstallDone         State = "INSTALL_DONE"
	StateInstallSkipped      State = "INSTALL_SKIPPED"
	StateComplete            State = "COMPLETE"
	StateFailed              State = "FAILED"
)

// Defaults applied to empty request fields.
const (
	DefaultIdentityName = "kyverno-admin"
	DefaultNamespace    = "kyverno"
	DefaultRelease      = "kyverno"
)

// ChartInstaller installs the policy engine chart.
type ChartInstaller interface {
	Install(ctx context.Context, exec shell.Executor, req installer.InstallRequest) (*installer.InstallOutput, error)
}

// Request is one onboarding invocation.
type Request struct {
	SessionID        string
	ClusterName      string
	Description      string
	IdentityName     string
	Namespace        string
	Role             types.Role
	CustomRoleRef    string
	Duration         string
	Install          bool
	InstallNamespace string
	InstallValues    map[string]any
	// ResumeFrom retries a setup whose identity was left partial.
	ResumeFrom provision.Step
}

// StepResult is the outcome of one transition attempt.
type StepResult struct {
	State   State         `json:"state"`
	Outcome types.Outcome `json:"outcome"`
	Detail  string        `json:"detail,omitempty"`
}

// InstallOutcome reports the optional install step.
type InstallOutcome struct {
	Requested bool   `json:"requested"`
	Status    string `json:"status"`
	Release   string `json:"release,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result reports how far the saga got and what it left behind.
type Result struct {
	State        State          `json:"state"`
	FailedStep   State          `json:"failed_step,omitempty"`
	Steps        []StepResult   `json:"steps"`
	ClusterID    uint           `json:"cluster_id,omitempty"`
	CredentialID uint           `json:"identity_id,omitempty"`
	Token        string         `json:"-"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	LongLived    bool           `json:"long_lived"`
	Install      InstallOutcome `json:"install"`
	Err          error          `json:"-"`
}

// Partial reports whether the saga failed after persisting something.
func (r *Result) Partial() bool {
	return r.State == StateFailed && r.ClusterID != 0
}

// Options configures an Orchestrator.
type Options struct {
	CommandTimeout  time.Duration
	DefaultDuration string
	Release         string

	// ConnectConfig and ConnectToken open cluster handles; tests replace them.
	ConnectConfig func(ctx context.Context, content, contextName string, log logrus.FieldLogger) (*k8s.Client, error)
	ConnectToken  func(ctx context.Context, server, token, caData string, verifySSL bool, log logrus.FieldLogger) (*k8s.Client, error)
}

// Orchestrator owns the onboarding saga and credential creation.
type Orchestrator struct {
	sessions  session.Registry
	store     store.Store
	audit     *audit.Recorder
	installer ChartInstaller
	opts      Options
	log       logrus.FieldLogger
}

// New builds an Orchestrator.
func New(sessions session.Registry, st store.Store, rec *audit.Recorder, inst ChartInstaller, opts Options, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = shell.DefaultTimeout
	}
	if opts.Release == "" {
		opts.Release = DefaultRelease
	}
	if opts.ConnectConfig == nil {
		opts.ConnectConfig = k8s.ConnectWithConfig
	}
	if opts.ConnectToken == nil {
		opts.ConnectToken = k8s.ConnectWithToken
	}
	return &Orchestrator{
		sessions:  sessions,
		store:     st,
		audit:     rec,
		installer: inst,
		opts:      opts,
		log:       log.WithField("component", "setup"),
	}
}

// saga carries one invocation's progress.
type saga struct {
	o      *Orchestrator
	req    Request
	result *Result
	log    logrus.FieldLogger
}

// Setup runs the saga. It never returns a Go error: failures are reported
// through Result.State, Result.FailedStep and Result.Err.
func (o *Orchestrator) Setup(ctx context.Context, req Request) *Result {
	applyDefaults(&req, o.opts)

	s := &saga{
		o:      o,
		req:    req,
		result: &Result{State: StateStart, Steps: []StepResult{}, Install: InstallOutcome{Requested: req.Install, Status: "skipped"}},
		log: o.log.WithFields(logrus.Fields{
			"session_id": req.SessionID,
			"cluster":    req.ClusterName,
		}),
	}

	exec, label, err := o.shellSession(req.SessionID)
	if err != nil {
		return s.abort(err)
	}
	if req.ClusterName == "" {
		return s.abort(apperr.New(apperr.CodeInvalidRequest, "cluster_name is required"))
	}
	if req.ResumeFrom != "" && req.ResumeFrom != provision.StepBinding && req.ResumeFrom != provision.StepToken {
		return s.abort(apperr.Newf(apperr.CodeInvalidRequest, "cannot resume setup at step %q", req.ResumeFrom))
	}
	exists, err := o.store.ClusterNameExists(ctx, req.ClusterName)
	if err != nil {
		return s.abort(err)
	}
	if exists {
		return s.abort(apperr.Newf(apperr.CodeDuplicateName, "cluster %q already exists", req.ClusterName))
	}

	s.log.Info("Starting cluster setup")

	// START -> IDENTITY_PROVISIONED
	backend := provision.NewShellBackend(exec, o.opts.CommandTimeout)
	identity, err := provisionIdentity(ctx, backend, provision.Request{
		Name:          req.IdentityName,
		Namespace:     req.Namespace,
		Role:          req.Role,
		CustomRoleRef: req.CustomRoleRef,
		Duration:      req.Duration,
	}, req.ResumeFrom, s.log)
	if err != nil {
		return s.fail(ctx, StateIdentityProvisioned, "setup.identity", err)
	}
	detail := fmt.Sprintf("service account %s/%s bound to %s", identity.Namespace, identity.Name, identity.ClusterRole)
	if identity.LongLived {
		detail += fmt.Sprintf("; long-lived token (%s)", identity.Duration)
	}
	if req.ResumeFrom != "" {
		detail += "; resumed at " + string(req.ResumeFrom)
	}
	s.advance(ctx, StateIdentityProvisioned, "setup.identity", detail)

	// IDENTITY_PROVISIONED -> CLUSTER_PERSISTED
	kubeconfig, err := shell.PortableKubeconfig(ctx, exec, "", o.opts.CommandTimeout)
	if err != nil {
		s.log.WithError(err).Warn("Could not fetch kubeconfig from the bastion; storing the cluster without one")
		kubeconfig = ""
	}
	cluster := &store.Cluster{
		Name:              req.ClusterName,
		Description:       req.Description,
		Host:              label,
		KubeconfigContent: kubeconfig,
		CAData:            identity.CAData,
		VerifySSL:         true,
		Status:            types.ClusterConnected,
	}
	if identity.Server != "" {
		server := identity.Server
		cluster.ServerURL = &server
	}
	if err := o.store.CreateCluster(ctx, cluster); err != nil {
		return s.fail(ctx, StateClusterPersisted, "setup.cluster", err)
	}
	s.result.ClusterID = cluster.ID
	s.advance(ctx, StateClusterPersisted, "setup.cluster", "cluster "+cluster.Name+" stored")

	// CLUSTER_PERSISTED -> CREDENTIAL_PERSISTED
	expiresAt := identity.ExpiresAt.UTC()
	cred := &store.ServiceCredential{
		ClusterID:     cluster.ID,
		PrincipalName: identity.Name,
		Namespace:     identity.Namespace,
		Token:         identity.Token,
		Role:          identity.Role,
		CustomRoleRef: req.CustomRoleRef,
		Description:   "created by cluster setup",
		ExpiresAt:     &expiresAt,
		LongLived:     identity.LongLived,
		Active:        true,
	}
	if err := o.store.CreateCredential(ctx, cred); err != nil {
		return s.fail(ctx, StateCredentialPersisted, "setup.credential", err)
	}
	s.result.CredentialID = cred.ID
	s.result.Token = identity.Token
	s.result.ExpiresAt = &expiresAt
	s.result.LongLived = identity.LongLived
	s.advance(ctx, StateCredentialPersisted, "setup.credential",
		fmt.Sprintf("credential %d for %s/%s expires %s", cred.ID, cred.Namespace, cred.PrincipalName, expiresAt.Format(time.RFC3339)))

	if req.Install {
		// CREDENTIAL_PERSISTED -> INSTALL_REQUESTED -> INSTALL_DONE
		s.result.Install.Release = o.opts.Release
		s.result.Install.Namespace = req.InstallNamespace
		s.advance(ctx, StateInstallRequested, "setup.install_requested",
			fmt.Sprintf("release %s into %s", o.opts.Release, req.InstallNamespace))

		out, err := o.installer.Install(ctx, exec, installer.InstallRequest{
			Release:         o.opts.Release,
			Namespace:       req.InstallNamespace,
			CreateNamespace: true,
			Values:          req.InstallValues,
		})
		switch {
		case err == nil:
			s.result.Install.Status = "installed"
			s.result.Install.Output = out.Output
			s.advance(ctx, StateInstallDone, "setup.install", "release installed")
		case apperr.CodeOf(err) == apperr.CodeAlreadyInstalled:
			s.result.Install.Status = "already_installed"
			s.advance(ctx, StateInstallDone, "setup.install", "release already installed")
		default:
			s.result.Install.Status = "failed"
			s.result.Install.Error = err.Error()
			return s.fail(ctx, StateInstallDone, "setup.install", err)
		}
	} else {
		s.advance(ctx, StateInstallSkipped, "setup.install_skipped", "install not requested")
	}

	s.advance(ctx, StateComplete, "setup.complete", fmt.Sprintf("cluster %d ready", cluster.ID))
	s.log.WithField("cluster_id", cluster.ID).Info("Cluster setup complete")

	return s.result
}

// advance records a successful transition.
func (s *saga) advance(ctx context.Context, to State, action, detail string) {
	s.result.State = to
	s.result.Steps = append(s.result.Steps, StepResult{State: to, Outcome: types.OutcomeSuccess, Detail: detail})
	metrics.SetupSteps.WithLabelValues(string(to), string(types.OutcomeSuccess)).Inc()
	s.record(ctx, action, types.OutcomeSuccess, detail)
}

// fail records the failed transition and makes FAILED terminal.
func (s *saga) fail(ctx context.Context, attempted State, action string, err error) *Result {
	outcome := types.OutcomeFailure
	if apperr.CodeOf(err) == apperr.CodePartialProvision {
		outcome = types.OutcomePartial
	}
	s.result.Steps = append(s.result.Steps, StepResult{State: attempted, Outcome: outcome, Detail: err.Error()})
	s.result.State = StateFailed
	s.result.FailedStep = attempted
	s.result.Err = err
	metrics.SetupSteps.WithLabelValues(string(attempted), string(outcome)).Inc()
	s.record(ctx, action, outcome, err.Error())
	s.log.WithError(err).WithField("step", attempted).Error("Cluster setup failed")
	return s.result
}

// abort ends the saga before any transition was attempted.
func (s *saga) abort(err error) *Result {
	s.result.State = StateFailed
	s.result.FailedStep = StateStart
	s.result.Err = err
	s.log.WithError(err).Warn("Cluster setup rejected")
	return s.result
}

func (s *saga) record(ctx context.Context, action string, outcome types.Outcome, detail string) {
	// A lost audit row is logged by the recorder and does not stop the saga.
	_ = s.o.audit.Record(ctx, audit.Entry{
		SessionID:    s.req.SessionID,
		ClusterID:    s.result.ClusterID,
		CredentialID: s.result.CredentialID,
		Action:       action,
		Target:       s.req.ClusterName,
		Outcome:      outcome,
		Detail:       detail,
	})
}

// shellSession resolves a shell session to its executor and host label.
func (o *Orchestrator) shellSession(id string) (shell.Executor, string, error) {
	if id == "" {
		return nil, "", apperr.New(apperr.CodeInvalidRequest, "session_id is required")
	}
	handle, err := o.sessions.Lookup(id, types.SessionShell)
	if err != nil {
		return nil, "", err
	}
	exec, ok := handle.(shell.Executor)
	if !ok {
		return nil, "", apperr.Newf(apperr.CodeInternal, "session %s cannot run commands", id)
	}
	label := ""
	if h, ok := handle.(interface{ Host() string }); ok {
		label = h.Host()
	}
	return exec, label, nil
}

func applyDefaults(req *Request, opts Options) {
	if req.IdentityName == "" {
		req.IdentityName = DefaultIdentityName
	}
	if req.Namespace == "" {
		req.Namespace = DefaultNamespace
	}
	if req.Role == "" {
		req.Role = types.RoleClusterAdmin
	}
	if req.Duration == "" {
		req.Duration = opts.DefaultDuration
	}
	if req.InstallNamespace == "" {
		req.InstallNamespace = DefaultNamespace
	}
}
