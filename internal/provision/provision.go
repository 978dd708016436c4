// Package provision creates a scoped service identity on a target cluster
// and mints a bearer token for it.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

const (
	// DefaultDuration is used when a request names no token lifetime.
	DefaultDuration = 87600 * time.Hour
	// LongLivedThreshold marks grants worth flagging in the audit trail.
	LongLivedThreshold = 8760 * time.Hour
	// MinDuration is the shortest lifetime the TokenRequest API accepts.
	MinDuration = 10 * time.Minute
)

// Step names one discrete remote operation.
type Step string

const (
	StepNamespace Step = "namespace"
	StepPrincipal Step = "principal"
	StepBinding   Step = "binding"
	StepToken     Step = "token"
)

// Backend performs the individual steps on a cluster.
type Backend interface {
	Name() string
	EnsureNamespace(ctx context.Context, namespace string) (bool, error)
	CreatePrincipal(ctx context.Context, namespace, name string) error
	BindRole(ctx context.Context, bindingName, clusterRole, namespace, name string) error
	MintToken(ctx context.Context, namespace, name string, duration time.Duration) (string, error)
	Endpoint(ctx context.Context) (server, caData string, err error)
}

// Request describes the identity to create.
type Request struct {
	Name          string
	Namespace     string
	Role          types.Role
	CustomRoleRef string
	// Duration is a Go duration string such as "24h"; empty means DefaultDuration.
	Duration string
}

// Identity is a provisioned principal and its token.
type Identity struct {
	Name             string
	Namespace        string
	Role             types.Role
	ClusterRole      string
	BindingName      string
	Token            string `json:"-"`
	ExpiresAt        time.Time
	Duration         time.Duration
	LongLived        bool
	NamespaceCreated bool
	Server           string
	CAData           string
}

// PartialError reports the steps that completed before a later one failed.
// Completed steps are left in place.
type PartialError struct {
	Completed []Step
	Failed    Step
	Err       error
}

func (e *PartialError) Error() string {
	done := make([]string, len(e.Completed))
	for i, s := range e.Completed {
		done[i] = string(s)
	}
	return fmt.Sprintf("step %s failed after [%s]: %v", e.Failed, strings.Join(done, ", "), e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// BindingName is the ClusterRoleBinding created for a principal.
func BindingName(principal string) string {
	return principal + "-binding"
}

// Validate checks a request before any remote call and resolves its duration.
func Validate(req Request) (time.Duration, error) {
	if errs := validation.IsDNS1123Subdomain(req.Name); req.Name == "" || len(errs) > 0 {
		return 0, apperr.Newf(apperr.CodeInvalidRequest, "invalid identity name %q: %s", req.Name, strings.Join(errs, "; "))
	}
	if errs := validation.IsDNS1123Label(req.Namespace); req.Namespace == "" || len(errs) > 0 {
		return 0, apperr.Newf(apperr.CodeInvalidRequest, "invalid namespace %q: %s", req.Namespace, strings.Join(errs, "; "))
	}
	if _, err := types.ParseRole(string(req.Role)); err != nil {
		return 0, apperr.Wrap(apperr.CodeInvalidRole, "role classification", err)
	}
	if req.Role == types.RoleCustom && req.CustomRoleRef == "" {
		return 0, apperr.New(apperr.CodeInvalidRole, "role \"custom\" requires a custom role reference")
	}

	if req.Duration == "" {
		return DefaultDuration, nil
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeInvalidRequest, "token duration", err)
	}
	if d < MinDuration {
		return 0, apperr.Newf(apperr.CodeInvalidRequest, "token duration must be at least %s", MinDuration)
	}
	return d, nil
}

// CreateServiceIdentity ensures the namespace, creates the principal, binds
// it to its role and mints a token. A duplicate principal is a PROVISION
// error. Any failure after the principal exists is a PARTIAL_PROVISION
// error wrapping *PartialError; nothing is rolled back.
func CreateServiceIdentity(ctx context.Context, b Backend, req Request, log logrus.FieldLogger) (*Identity, error) {
	return run(ctx, b, req, StepNamespace, log)
}

// ResumeServiceIdentity finishes an identity whose principal already exists,
// starting at the step a PartialError reported as failed. Only the binding
// and token steps can be resumed.
func ResumeServiceIdentity(ctx context.Context, b Backend, req Request, from Step, log logrus.FieldLogger) (*Identity, error) {
	if from != StepBinding && from != StepToken {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "cannot resume provisioning at step %q", from)
	}
	return run(ctx, b, req, from, log)
}

// FailedStep returns the step a partial provisioning stopped at.
func FailedStep(err error) (Step, bool) {
	var pe *PartialError
	if errors.As(err, &pe) {
		return pe.Failed, true
	}
	return "", false
}

func run(ctx context.Context, b Backend, req Request, from Step, log logrus.FieldLogger) (*Identity, error) {
	duration, err := Validate(req)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{
		"component": "provisioner",
		"backend":   b.Name(),
		"identity":  req.Namespace + "/" + req.Name,
	})

	id := &Identity{
		Name:        req.Name,
		Namespace:   req.Namespace,
		Role:        req.Role,
		ClusterRole: req.Role.ClusterRole(req.CustomRoleRef),
		BindingName: BindingName(req.Name),
		Duration:    duration,
		LongLived:   duration >= LongLivedThreshold,
	}

	var completed []Step
	if from == StepNamespace {
		created, err := b.EnsureNamespace(ctx, req.Namespace)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeProvision, "ensuring namespace "+req.Namespace, err)
		}
		id.NamespaceCreated = created

		if err := b.CreatePrincipal(ctx, req.Namespace, req.Name); err != nil {
			return nil, apperr.Wrap(apperr.CodeProvision, "creating service account "+req.Name, err)
		}
		from = StepBinding
	} else {
		log = log.WithField("resumed_from", string(from))
	}
	completed = append(completed, StepNamespace, StepPrincipal)

	if from == StepBinding {
		if err := b.BindRole(ctx, id.BindingName, id.ClusterRole, req.Namespace, req.Name); err != nil {
			return nil, partial(completed, StepBinding, err)
		}
	}
	completed = append(completed, StepBinding)

	token, err := b.MintToken(ctx, req.Namespace, req.Name, duration)
	if err != nil {
		return nil, partial(completed, StepToken, err)
	}
	id.Token = token
	id.ExpiresAt = TokenExpiry(token, time.Now().Add(duration))

	if server, ca, err := b.Endpoint(ctx); err != nil {
		log.WithError(err).Warn("Could not resolve API endpoint")
	} else {
		id.Server, id.CAData = server, ca
	}

	entry := log.WithFields(logrus.Fields{
		"cluster_role": id.ClusterRole,
		"expires_at":   id.ExpiresAt.Format(time.RFC3339),
	})
	if id.LongLived {
		entry.Warn("Service identity provisioned with a long-lived token")
	} else {
		entry.Info("Service identity provisioned")
	}

	return id, nil
}

func partial(completed []Step, failed Step, err error) error {
	return apperr.WrapWithContext(apperr.CodePartialProvision,
		"service identity partially provisioned",
		&PartialError{Completed: completed, Failed: failed, Err: err},
		map[string]any{"failed_step": string(failed)})
}
