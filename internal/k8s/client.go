package k8s

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
)

// ClientInterface defines the Kubernetes operations the broker needs
type ClientInterface interface {
	// ListNamespaces returns namespace names
	ListNamespaces(ctx context.Context) ([]string, error)

	// ClusterInfo reports server version and node readiness
	ClusterInfo(ctx context.Context) (*ClusterInfo, error)

	// InstalledRelease inspects API resources left by a chart release
	InstalledRelease(ctx context.Context, release, namespace, crdGroup string) (*ReleaseState, error)

	// EnsureNamespace creates a namespace unless it exists
	EnsureNamespace(ctx context.Context, name string) (bool, error)

	// CreateServiceAccount creates a ServiceAccount in the specified namespace
	CreateServiceAccount(ctx context.Context, namespace, name string) error

	// BindClusterRole binds a ServiceAccount to a ClusterRole
	BindClusterRole(ctx context.Context, bindingName, clusterRole, namespace, saName string) error

	// MintToken requests a bounded-lifetime token for the ServiceAccount
	MintToken(ctx context.Context, namespace, saName string, ttlSeconds int64) (string, error)

	// Endpoint returns the API server URL and base64 CA data
	Endpoint() (string, string)

	// Kubeconfig renders a standalone kubeconfig for this connection
	Kubeconfig() (string, error)
}

// Client implements the k8s.ClientInterface interface
type Client struct {
	clientset kubernetes.Interface
	config    *rest.Config
	raw       *clientcmdapi.Config
	log       logrus.FieldLogger

	mutex  sync.RWMutex
	closed bool
}

var _ ClientInterface = (*Client)(nil)

// ConnectWithConfig builds a client from kubeconfig content and verifies
// that the API server answers.
func ConnectWithConfig(ctx context.Context, content, contextName string, log logrus.FieldLogger) (*Client, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "kubeconfig content is required")
	}

	raw, err := clientcmd.Load([]byte(content))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConnection, "parsing kubeconfig", err)
	}
	if contextName != "" {
		if _, ok := raw.Contexts[contextName]; !ok {
			return nil, apperr.Newf(apperr.CodeConnection, "context %q not found in kubeconfig", contextName)
		}
		raw.CurrentContext = contextName
	}

	config, err := clientcmd.NewNonInteractiveClientConfig(*raw, raw.CurrentContext,
		&clientcmd.ConfigOverrides{}, nil).ClientConfig()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConnection, "building client config", err)
	}

	return connect(ctx, config, raw, log)
}

// ConnectWithToken builds a client from a bearer token. caData may be PEM
// or base64-encoded PEM. verifySSL=false disables certificate validation
// and is logged as a warning.
func ConnectWithToken(ctx context.Context, server, token, caData string, verifySSL bool, log logrus.FieldLogger) (*Client, error) {
	if server == "" || token == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "server_url and token are required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	config := &rest.Config{
		Host:        server,
		BearerToken: token,
	}
	if verifySSL {
		if caData != "" {
			config.TLSClientConfig.CAData = DecodeCA(caData)
		}
	} else {
		log.WithField("server", server).Warn("TLS certificate verification disabled for this connection")
		config.TLSClientConfig.Insecure = true
	}

	return connect(ctx, config, nil, log)
}

// NewForClientset wraps an existing clientset, e.g. a fake in tests
func NewForClientset(clientset kubernetes.Interface, config *rest.Config, log logrus.FieldLogger) *Client {
	if config == nil {
		config = &rest.Config{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		clientset: clientset,
		config:    config,
		log:       log.WithFields(logrus.Fields{"component": "k8s", "server": config.Host}),
	}
}

func connect(ctx context.Context, config *rest.Config, raw *clientcmdapi.Config, log logrus.FieldLogger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConnection, "creating clientset", err)
	}

	c := NewForClientset(clientset, config, log)
	c.raw = raw

	if _, err := c.clientset.Discovery().ServerVersion(); err != nil {
		return nil, apperr.Wrap(apperr.CodeConnection, "contacting API server "+config.Host, err)
	}

	c.log.Info("Connected to Kubernetes API server")

	return c, nil
}

// Clientset exposes the underlying clientset
func (c *Client) Clientset() kubernetes.Interface {
	return c.clientset
}

// Endpoint returns the API server URL and base64 CA data
func (c *Client) Endpoint() (string, string) {
	ca := ""
	if len(c.config.TLSClientConfig.CAData) > 0 {
		ca = base64.StdEncoding.EncodeToString(c.config.TLSClientConfig.CAData)
	}
	return c.config.Host, ca
}

// Kubeconfig renders a standalone kubeconfig for this connection
func (c *Client) Kubeconfig() (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}

	raw := c.raw
	if raw == nil {
		raw = clientcmdapi.NewConfig()
		raw.Clusters["cluster"] = &clientcmdapi.Cluster{
			Server:                   c.config.Host,
			CertificateAuthorityData: c.config.TLSClientConfig.CAData,
			InsecureSkipTLSVerify:    c.config.TLSClientConfig.Insecure,
		}
		raw.AuthInfos["broker"] = &clientcmdapi.AuthInfo{Token: c.config.BearerToken}
		raw.Contexts["broker"] = &clientcmdapi.Context{Cluster: "cluster", AuthInfo: "broker"}
		raw.CurrentContext = "broker"
	}

	out, err := clientcmd.Write(*raw)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "rendering kubeconfig", err)
	}
	return string(out), nil
}

// Connected reports whether Close has not been called
func (c *Client) Connected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return !c.closed
}

// Close invalidates the handle; later calls fail with CONNECTION
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	return nil
}

func (c *Client) check() error {
	if !c.Connected() {
		return apperr.New(apperr.CodeConnection, "cluster handle is closed")
	}
	return nil
}

// DecodeCA accepts base64-encoded or raw PEM certificate data
func DecodeCA(caData string) []byte {
	trimmed := strings.TrimSpace(caData)
	if strings.HasPrefix(trimmed, "-----BEGIN") {
		return []byte(trimmed + "\n")
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded
	}
	return []byte(trimmed)
}

// wrap classifies client-go failures: API status responses are UPSTREAM,
// everything else means the connection itself failed.
func wrap(op string, err error) error {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return apperr.WrapWithContext(apperr.CodeUpstream, op, err,
			map[string]any{"reason": string(apierrors.ReasonForError(err))})
	}
	return apperr.Wrap(apperr.CodeConnection, op, err)
}
