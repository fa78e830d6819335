package kube

import (
	"context"
	"fmt"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// DefaultClusterName is used by the mesh when no cluster ID is configured.
const DefaultClusterName = "Kubernetes"

const (
	istioNamespace  = "istio-system"
	istioClusterEnv = "CLUSTER_ID"
)

var clusterNameLabels = []string{
	"topology.istio.io/cluster",
	"alpha.eksctl.io/cluster-name",
	"eks.amazonaws.com/cluster-name",
}

// DetectClusterName returns the mesh cluster ID of the cluster behind client.
// The control plane's CLUSTER_ID wins; node labels are the fallback.
func DetectClusterName(ctx context.Context, client kubernetes.Interface) (string, error) {
	if name := clusterIDFromControlPlane(ctx, client); name != "" {
		return name, nil
	}
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{Limit: 20})
	if err != nil {
		return "", fmt.Errorf("list nodes: %w", err)
	}
	for _, node := range nodes.Items {
		if name := clusterNameFromNode(node.Labels, node.Spec.ProviderID); name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("cluster name not discovered")
}

func clusterIDFromControlPlane(ctx context.Context, client kubernetes.Interface) string {
	deployments, err := client.AppsV1().Deployments(istioNamespace).List(ctx, metav1.ListOptions{LabelSelector: "app=istiod"})
	if err != nil {
		return ""
	}
	for _, deployment := range deployments.Items {
		for _, container := range deployment.Spec.Template.Spec.Containers {
			for _, env := range container.Env {
				if env.Name == istioClusterEnv && strings.TrimSpace(env.Value) != "" {
					return strings.TrimSpace(env.Value)
				}
			}
		}
	}
	return ""
}

func clusterNameFromNode(labels map[string]string, providerID string) string {
	for _, key := range clusterNameLabels {
		if value := strings.TrimSpace(labels[key]); value != "" {
			return value
		}
	}
	if group := strings.TrimSpace(labels["kubernetes.azure.com/cluster"]); group != "" {
		if name := clusterFromAzureGroup(group); name != "" {
			return name
		}
	}
	return clusterFromProviderID(providerID)
}

// clusterFromAzureGroup extracts the cluster from an AKS node resource group
// named MC_<group>_<cluster>_<location>.
func clusterFromAzureGroup(group string) string {
	parts := strings.Split(group, "_")
	if len(parts) < 4 || !strings.EqualFold(parts[0], "MC") {
		return ""
	}
	return strings.Join(parts[2:len(parts)-1], "_")
}

func clusterFromProviderID(providerID string) string {
	providerID = strings.TrimSpace(providerID)
	if !strings.HasPrefix(providerID, "azure://") {
		return ""
	}
	parts := strings.Split(providerID, "/")
	for i, part := range parts {
		if strings.EqualFold(part, "resourceGroups") && i+1 < len(parts) {
			return clusterFromAzureGroup(parts[i+1])
		}
	}
	return ""
}
