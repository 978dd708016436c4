package k8s

import (
	"context"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ReleaseLabel selects the workloads a chart release manages
const ReleaseLabel = "app.kubernetes.io/instance"

// ClusterInfo summarises the API server and its nodes
type ClusterInfo struct {
	ServerVersion string     `json:"server_version"`
	Platform      string     `json:"platform"`
	NodeCount     int        `json:"node_count"`
	ReadyNodes    int        `json:"ready_nodes"`
	Nodes         []NodeInfo `json:"nodes"`
}

// NodeInfo is the readiness of one node
type NodeInfo struct {
	Name           string `json:"name"`
	Ready          bool   `json:"ready"`
	KubeletVersion string `json:"kubelet_version"`
}

// DeploymentState is the health of one managed deployment
type DeploymentState struct {
	Name      string `json:"name"`
	Desired   int32  `json:"desired"`
	Ready     int32  `json:"ready"`
	Available int32  `json:"available"`
	Image     string `json:"image"`
}

// Healthy reports whether every desired replica is ready
func (d DeploymentState) Healthy() bool {
	return d.Ready >= d.Desired
}

// ReleaseState is what the API server shows for a chart release
type ReleaseState struct {
	Deployments     []DeploymentState `json:"deployments"`
	Version         string            `json:"version"`
	CRDsPresent     bool              `json:"crds_present"`
	WebhooksPresent bool              `json:"webhooks_present"`
}

// Installed reports whether any trace of the release exists
func (r *ReleaseState) Installed() bool {
	return len(r.Deployments) > 0
}

// ListNamespaces returns namespace names
func (c *Client) ListNamespaces(ctx context.Context) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	list, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("listing namespaces", err)
	}

	names := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		names = append(names, ns.Name)
	}
	return names, nil
}

// ClusterInfo reports server version and node readiness
func (c *Client) ClusterInfo(ctx context.Context) (*ClusterInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	version, err := c.clientset.Discovery().ServerVersion()
	if err != nil {
		return nil, wrap("getting server version", err)
	}

	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("listing nodes", err)
	}

	info := &ClusterInfo{
		ServerVersion: version.GitVersion,
		Platform:      version.Platform,
		NodeCount:     len(nodes.Items),
		Nodes:         make([]NodeInfo, 0, len(nodes.Items)),
	}
	for _, node := range nodes.Items {
		ready := nodeReady(&node)
		if ready {
			info.ReadyNodes++
		}
		info.Nodes = append(info.Nodes, NodeInfo{
			Name:           node.Name,
			Ready:          ready,
			KubeletVersion: node.Status.NodeInfo.KubeletVersion,
		})
	}

	return info, nil
}

// InstalledRelease inspects deployments labelled with the release, the
// presence of the chart's API group and of its admission webhooks.
func (c *Client) InstalledRelease(ctx context.Context, release, namespace, crdGroup string) (*ReleaseState, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	deployments, err := c.clientset.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: ReleaseLabel + "=" + release,
	})
	if err != nil {
		return nil, wrap("listing release deployments", err)
	}

	state := &ReleaseState{Deployments: DeploymentStates(deployments.Items)}
	state.Version = ImageVersion(state.Deployments)

	if crdGroup != "" {
		groups, err := c.clientset.Discovery().ServerGroups()
		if err != nil {
			return nil, wrap("discovering API groups", err)
		}
		for _, g := range groups.Groups {
			if g.Name == crdGroup || strings.HasSuffix(g.Name, "."+crdGroup) {
				state.CRDsPresent = true
				break
			}
		}
	}

	validating, err := c.clientset.AdmissionregistrationV1().ValidatingWebhookConfigurations().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("listing validating webhooks", err)
	}
	for _, w := range validating.Items {
		if strings.HasPrefix(w.Name, release) {
			state.WebhooksPresent = true
			break
		}
	}
	if !state.WebhooksPresent {
		mutating, err := c.clientset.AdmissionregistrationV1().MutatingWebhookConfigurations().List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, wrap("listing mutating webhooks", err)
		}
		for _, w := range mutating.Items {
			if strings.HasPrefix(w.Name, release) {
				state.WebhooksPresent = true
				break
			}
		}
	}

	return state, nil
}

// DeploymentStates summarises deployments for health reporting
func DeploymentStates(items []appsv1.Deployment) []DeploymentState {
	states := make([]DeploymentState, 0, len(items))
	for _, d := range items {
		desired := int32(1)
		if d.Spec.Replicas != nil {
			desired = *d.Spec.Replicas
		}
		image := ""
		if len(d.Spec.Template.Spec.Containers) > 0 {
			image = d.Spec.Template.Spec.Containers[0].Image
		}
		states = append(states, DeploymentState{
			Name:      d.Name,
			Desired:   desired,
			Ready:     d.Status.ReadyReplicas,
			Available: d.Status.AvailableReplicas,
			Image:     image,
		})
	}
	return states
}

// ImageVersion returns the image tag of the first deployment
func ImageVersion(states []DeploymentState) string {
	for _, s := range states {
		image, _, _ := strings.Cut(s.Image, "@")
		if i := strings.LastIndex(image, ":"); i >= 0 && !strings.Contains(image[i:], "/") {
			return image[i+1:]
		}
	}
	return ""
}

func nodeReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
