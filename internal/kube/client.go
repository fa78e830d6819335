package kube

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client pairs a typed clientset with the mesh name of the cluster it talks to.
type Client struct {
	ClusterName string
	Kubernetes  kubernetes.Interface
}

// NewClient builds a client from the kubeconfig at path using kubeContext, or
// from the in-cluster service account when both are empty.
func NewClient(clusterName, path, kubeContext string) (*Client, error) {
	cfg, err := restConfig(path, kubeContext)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return &Client{ClusterName: clusterName, Kubernetes: clientset}, nil
}

// NewClients builds one client per remote cluster, keyed by mesh cluster
// name to kubeconfig context.
func NewClients(path string, contexts map[string]string) ([]*Client, error) {
	clients := make([]*Client, 0, len(contexts))
	for cluster, kubeContext := range contexts {
		client, err := NewClient(cluster, path, kubeContext)
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", cluster, err)
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func restConfig(path, kubeContext string) (*rest.Config, error) {
	if path == "" && kubeContext == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if path != "" {
		rules.ExplicitPath = path
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	return cfg, nil
}
